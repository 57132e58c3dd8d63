// Package sweeper recovers tasks whose queue messages were lost: a start
// event never consumed, a dispatch never executed, a completion never
// signalled. Every re-published message is safe because its consumer is
// idempotent.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ramiqadoumi/go-agent-flow/internal/domain"
	"github.com/ramiqadoumi/go-agent-flow/internal/queue"
	"github.com/ramiqadoumi/go-agent-flow/internal/taskstore"
	"github.com/ramiqadoumi/go-agent-flow/pkg/telemetry"
)

const (
	DefaultSchedule   = "@every 30s"
	DefaultStaleAfter = 2 * time.Minute
	defaultBatchSize  = 500
)

// Leader elects the one instance that sweeps.
type Leader interface {
	AcquireOrRenew(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Solo is a Leader for single-instance deployments.
type Solo struct{}

func (Solo) AcquireOrRenew(context.Context) (bool, error) { return true, nil }
func (Solo) Release(context.Context) error                { return nil }

// Report summarizes one sweep.
type Report struct {
	Scanned     int
	Starts      int
	Dispatches  int
	Completions int
}

// Sweeper periodically re-publishes the messages stale tasks are waiting on.
type Sweeper struct {
	store      taskstore.Store
	queue      queue.Queue
	leader     Leader
	schedule   string
	staleAfter time.Duration
	batchSize  int
	logger     *slog.Logger
	now        func() time.Time

	leading bool
}

// Option configures a Sweeper.
type Option func(*Sweeper)

func WithSchedule(spec string) Option       { return func(s *Sweeper) { s.schedule = spec } }
func WithStaleAfter(d time.Duration) Option { return func(s *Sweeper) { s.staleAfter = d } }
func WithLogger(l *slog.Logger) Option      { return func(s *Sweeper) { s.logger = l } }
func WithClock(now func() time.Time) Option { return func(s *Sweeper) { s.now = now } }

func NewSweeper(store taskstore.Store, q queue.Queue, leader Leader, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:      store,
		queue:      q,
		leader:     leader,
		schedule:   DefaultSchedule,
		staleAfter: DefaultStaleAfter,
		batchSize:  defaultBatchSize,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.schedule == "" {
		s.schedule = DefaultSchedule
	}
	if s.staleAfter <= 0 {
		s.staleAfter = DefaultStaleAfter
	}
	return s
}

// Run sweeps on the cron schedule until ctx is cancelled, then releases
// leadership. It sweeps once immediately before waiting for the first tick.
func (s *Sweeper) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.schedule, func() { s.tick(ctx) }); err != nil {
		return fmt.Errorf("parse sweep schedule %q: %w", s.schedule, err)
	}

	s.tick(ctx)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()

	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.leader.Release(releaseCtx); err != nil {
		s.logger.Warn("leader release", slog.String("error", err.Error()))
	}
	return nil
}

func (s *Sweeper) tick(ctx context.Context) {
	ok, err := s.leader.AcquireOrRenew(ctx)
	if err != nil {
		s.logger.Error("leader election", slog.String("error", err.Error()))
		return
	}
	if ok != s.leading {
		s.leading = ok
		if ok {
			s.logger.Info("acquired sweeper leadership")
		} else {
			s.logger.Info("lost sweeper leadership")
		}
	}
	if !ok {
		return
	}

	r, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Error("sweep", slog.String("error", err.Error()))
		return
	}
	if r.Starts+r.Dispatches+r.Completions > 0 {
		s.logger.Info("sweep recovered stale tasks",
			slog.Int("scanned", r.Scanned),
			slog.Int("starts", r.Starts),
			slog.Int("dispatches", r.Dispatches),
			slog.Int("completions", r.Completions),
		)
	}
}

// Sweep scans active tasks once and re-publishes what stale ones wait on.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	telemetry.SweeperRuns.Inc()

	ids, err := s.store.ListActive(ctx, s.batchSize)
	if err != nil {
		return Report{}, fmt.Errorf("list active tasks: %w", err)
	}

	var r Report
	now := s.now()
	for _, id := range ids {
		t, err := s.store.Get(ctx, id)
		if err != nil {
			if domain.IsNotFound(err) {
				continue
			}
			return r, fmt.Errorf("load task %s: %w", id, err)
		}
		r.Scanned++
		if err := s.recover(ctx, t, now, &r); err != nil {
			return r, err
		}
	}
	return r, nil
}

func (s *Sweeper) recover(ctx context.Context, t *domain.Task, now time.Time, r *Report) error {
	stale := func(at time.Time) bool { return now.Sub(at) > s.staleAfter }
	log := s.logger.With(slog.String("task_id", t.ID))

	switch {
	case t.Status.IsTerminal():
		return nil

	case len(t.History) == 0:
		if !stale(t.CreatedAt) {
			return nil
		}
		log.Warn("task never started, re-publishing start event")
		r.Starts++
		return s.publish(ctx, "start", domain.TopicTasksPending, t.ID, domain.StartMessage{TaskID: t.ID})

	case t.Outstanding() == 0:
		if !stale(t.UpdatedAt) {
			return nil
		}
		last := t.History[len(t.History)-1]
		log.Warn("batch joined but task not advanced, re-signalling completion", slog.Int("batch", last.Batch))
		r.Completions++
		return s.publish(ctx, "completion", domain.TopicStepsCompleted, t.ID,
			domain.CompletionMessage{TaskID: t.ID, StepIndex: last.Index, Batch: last.Batch})

	default:
		for _, step := range t.LastBatch() {
			if step.Observation != nil || !stale(step.DispatchedAt) {
				continue
			}
			log.Warn("step not observed in time, re-dispatching",
				slog.Int("step_index", step.Index),
				slog.String("capability", step.Action.Capability),
			)
			r.Dispatches++
			msg := domain.DispatchMessage{TaskID: t.ID, StepIndex: step.Index, Batch: step.Batch, Action: step.Action}
			if err := s.publish(ctx, "dispatch", domain.TopicStepsDispatch, t.ID, msg); err != nil {
				return err
			}
		}
		return nil
	}
}

func (s *Sweeper) publish(ctx context.Context, kind, topic, key string, v any) error {
	if err := queue.Publish(ctx, s.queue, topic, key, v); err != nil {
		return &domain.QueueUnavailableError{Op: "republish " + kind, Err: err}
	}
	telemetry.SweeperRepublished.WithLabelValues(kind).Inc()
	return nil
}
