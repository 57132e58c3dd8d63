// Package standalone runs the whole engine in one process: gateway,
// orchestrator, dispatcher, worker pool and sweeper sharing one store and
// one queue.
package standalone

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ramiqadoumi/go-agent-flow/internal/archive"
	"github.com/ramiqadoumi/go-agent-flow/internal/capability"
	"github.com/ramiqadoumi/go-agent-flow/internal/queue"
	"github.com/ramiqadoumi/go-agent-flow/internal/taskstore"
	"github.com/ramiqadoumi/go-agent-flow/services/api-gateway/handler"
	"github.com/ramiqadoumi/go-agent-flow/services/dispatcher"
	"github.com/ramiqadoumi/go-agent-flow/services/orchestrator"
	"github.com/ramiqadoumi/go-agent-flow/services/orchestrator/policy"
	"github.com/ramiqadoumi/go-agent-flow/services/sweeper"
	"github.com/ramiqadoumi/go-agent-flow/services/worker"
)

// Options tunes the embedded components. Zero values take each component's
// default.
type Options struct {
	Concurrency   int
	StepTimeout   time.Duration
	MaxSteps      int
	Policy        policy.Config
	SweepSchedule string
	StaleAfter    time.Duration
	Router        handler.RouterConfig
	Archiver      archive.Archiver
	Recorder      worker.ExecutionRecorder
}

// Engine wires every component onto a shared store and queue.
type Engine struct {
	orchestrator *orchestrator.Orchestrator
	dispatcher   *dispatcher.Dispatcher
	worker       *worker.Worker
	sweeper      *sweeper.Sweeper
	handler      http.Handler
	concurrency  int
	logger       *slog.Logger
}

// New builds an Engine. registry must carry executable handlers; the
// orchestrator and the worker share it.
func New(store taskstore.Store, q queue.Queue, registry *capability.Registry, opts Options, logger *slog.Logger) *Engine {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Archiver == nil {
		opts.Archiver = archive.Nop{}
	}

	orchOpts := []orchestrator.Option{
		orchestrator.WithLogger(logger.With(slog.String("component", "orchestrator"))),
		orchestrator.WithMaxSteps(opts.MaxSteps),
		orchestrator.WithArchiver(opts.Archiver),
	}
	workerOpts := []worker.Option{
		worker.WithLogger(logger.With(slog.String("component", "worker"))),
		worker.WithConcurrency(opts.Concurrency),
	}
	if opts.StepTimeout > 0 {
		workerOpts = append(workerOpts, worker.WithTimeout(opts.StepTimeout))
	}
	if opts.Recorder != nil {
		workerOpts = append(workerOpts, worker.WithRecorder(opts.Recorder))
	}

	rest := handler.NewREST(store, q, opts.Archiver, registry.Names(), logger.With(slog.String("component", "api")))

	return &Engine{
		orchestrator: orchestrator.New(store, q, registry, policy.NewStaged(opts.Policy), orchOpts...),
		dispatcher:   dispatcher.NewDispatcher(q, nil, logger.With(slog.String("component", "dispatcher"))),
		worker:       worker.NewWorker("standalone", store, q, registry, workerOpts...),
		sweeper: sweeper.NewSweeper(store, q, sweeper.Solo{},
			sweeper.WithSchedule(opts.SweepSchedule),
			sweeper.WithStaleAfter(opts.StaleAfter),
			sweeper.WithLogger(logger.With(slog.String("component", "sweeper"))),
		),
		handler:     handler.NewRouter(rest, opts.Router, logger),
		concurrency: opts.Concurrency,
		logger:      logger,
	}
}

// Handler serves the gateway API.
func (e *Engine) Handler() http.Handler { return e.handler }

// Orchestrator exposes the embedded orchestrator for runtime tuning.
func (e *Engine) Orchestrator() *orchestrator.Orchestrator { return e.orchestrator }

// Run starts every consumer and blocks until ctx is cancelled or one of
// them fails. In-flight steps are drained before returning.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.orchestrator.Run(ctx, e.concurrency) })
	g.Go(func() error { return e.dispatcher.Run(ctx, e.concurrency) })
	g.Go(func() error { return e.worker.Run(ctx) })
	g.Go(func() error { return e.sweeper.Run(ctx) })

	err := g.Wait()
	e.worker.Wait()
	e.logger.Info("engine stopped")
	return err
}
