package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-agent-flow/internal/archive"
	"github.com/ramiqadoumi/go-agent-flow/internal/capability"
	"github.com/ramiqadoumi/go-agent-flow/internal/domain"
	"github.com/ramiqadoumi/go-agent-flow/internal/queue"
	"github.com/ramiqadoumi/go-agent-flow/internal/taskstore"
	"github.com/ramiqadoumi/go-agent-flow/internal/validation"
	"github.com/ramiqadoumi/go-agent-flow/pkg/retry"
	"github.com/ramiqadoumi/go-agent-flow/pkg/telemetry"
	"github.com/ramiqadoumi/go-agent-flow/services/orchestrator/policy"
)

// DefaultMaxSteps bounds the history of a single task.
const DefaultMaxSteps = 12

// Orchestrator drives tasks through the reason/act/observe loop. It holds no
// per-task state: every event re-reads the task and the store's batch check
// serializes competing instances.
type Orchestrator struct {
	store    taskstore.Store
	queue    queue.Queue
	registry *capability.Registry
	policy   policy.Policy
	archiver archive.Archiver
	logger   *slog.Logger
	retry    retry.Config

	maxSteps atomic.Int64
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(l *slog.Logger) Option       { return func(o *Orchestrator) { o.logger = l } }
func WithArchiver(a archive.Archiver) Option { return func(o *Orchestrator) { o.archiver = a } }
func WithMaxSteps(n int) Option              { return func(o *Orchestrator) { o.SetMaxSteps(n) } }
func WithRetry(cfg retry.Config) Option      { return func(o *Orchestrator) { o.retry = cfg } }

// New constructs an Orchestrator with the given dependencies and options.
func New(
	store taskstore.Store,
	q queue.Queue,
	registry *capability.Registry,
	pol policy.Policy,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		queue:    q,
		registry: registry,
		policy:   pol,
		archiver: archive.Nop{},
		logger:   slog.Default(),
		retry:    retry.Config{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, Retryable: isInfraError},
	}
	o.maxSteps.Store(DefaultMaxSteps)
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SetMaxSteps changes the step bound; safe to call while running.
func (o *Orchestrator) SetMaxSteps(n int) {
	if n <= 0 {
		n = DefaultMaxSteps
	}
	o.maxSteps.Store(int64(n))
}

// MaxSteps returns the current step bound.
func (o *Orchestrator) MaxSteps() int { return int(o.maxSteps.Load()) }

// Run consumes start events and completion signals until ctx is cancelled.
// concurrency is per topic.
func (o *Orchestrator) Run(ctx context.Context, concurrency int) error {
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, c := range []struct {
		topic string
		h     queue.HandlerFunc
	}{
		{domain.TopicTasksPending, o.handleStart},
		{domain.TopicStepsCompleted, o.handleCompletion},
	} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = queue.Consume(ctx, o.queue, queue.ConsumerConfig{
				Topic:       c.topic,
				Concurrency: concurrency,
				Retry:       o.retry,
				Logger:      o.logger,
			}, c.h)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (o *Orchestrator) handleStart(ctx context.Context, d *queue.Delivery) error {
	var msg domain.StartMessage
	if err := queue.Decode(d.Body, &msg); err != nil || msg.TaskID == "" {
		o.logger.Error("malformed start message, discarding", slog.String("raw", string(d.Body)))
		return nil
	}
	return o.Advance(ctx, msg.TaskID, nil)
}

func (o *Orchestrator) handleCompletion(ctx context.Context, d *queue.Delivery) error {
	var msg domain.CompletionMessage
	if err := queue.Decode(d.Body, &msg); err != nil || msg.TaskID == "" {
		o.logger.Error("malformed completion message, discarding", slog.String("raw", string(d.Body)))
		return nil
	}
	return o.Advance(ctx, msg.TaskID, &msg)
}

// Advance processes one event for a task: a start event when completion is
// nil, otherwise a step completion signal. It returns an error only for
// infrastructure failures, in which case the event should be redelivered.
func (o *Orchestrator) Advance(ctx context.Context, taskID string, completion *domain.CompletionMessage) error {
	ctx, span := otel.Tracer("orchestrator").Start(ctx, "orchestrator.advance")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", taskID))

	log := o.logger.With(slog.String("task_id", taskID))

	t, err := o.store.Get(ctx, taskID)
	if err != nil {
		if domain.IsNotFound(err) {
			log.Warn("event for unknown task, discarding")
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "load task failed")
		return fmt.Errorf("load task %s: %w", taskID, err)
	}

	if t.Status.IsTerminal() {
		log.Debug("task already terminal, ignoring event", slog.String("status", string(t.Status)))
		return nil
	}
	if completion != nil && completion.Batch < t.LastBatchNumber() {
		log.Debug("completion for an earlier batch, ignoring", slog.Int("step_index", completion.StepIndex))
		return nil
	}
	if n := t.Outstanding(); n > 0 {
		log.Debug("waiting for batch to join", slog.Int("outstanding", n))
		return nil
	}

	dec := o.policy.Next(t)
	telemetry.OrchestratorDecisions.WithLabelValues(string(dec.Kind)).Inc()

	switch dec.Kind {
	case policy.KindFinish:
		return o.finish(ctx, log, t, dec)
	case policy.KindFail:
		return o.fail(ctx, log, t, dec.Reason)
	case policy.KindDispatch:
		return o.dispatch(ctx, log, t, dec.Actions)
	default:
		return o.fail(ctx, log, t, fmt.Sprintf("%s: unknown decision %q", domain.KindHandlerFailure, dec.Kind))
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, log *slog.Logger, t *domain.Task, actions []domain.Action) error {
	if len(actions) == 0 {
		return o.fail(ctx, log, t, fmt.Sprintf("%s: policy dispatched no actions", domain.KindHandlerFailure))
	}
	for _, a := range actions {
		if err := o.registry.Validate(a.Capability, a.Input); err != nil {
			return o.fail(ctx, log, t, reason(err))
		}
	}
	if limit := o.MaxSteps(); len(t.History)+len(actions) > limit {
		return o.fail(ctx, log, t, reason(&domain.StepLimitExceededError{TaskID: t.ID, Limit: limit}))
	}

	batch := t.LastBatchNumber() + 1
	indices, err := o.store.AppendSteps(ctx, t.ID, batch, actions)
	switch {
	case err == nil:
	case domain.IsConflict(err):
		telemetry.OrchestratorConflicts.Inc()
		log.Info("batch already appended by another instance", slog.Int("batch", batch))
		return nil
	case domain.IsTerminal(err):
		log.Info("task finished while deciding, dropping dispatch")
		return nil
	default:
		return fmt.Errorf("append batch %d: %w", batch, err)
	}

	for i, idx := range indices {
		a := actions[i]
		msg := domain.DispatchMessage{TaskID: t.ID, StepIndex: idx, Batch: batch, Action: a}
		if err := queue.Publish(ctx, o.queue, domain.TopicStepsDispatch, t.ID, msg); err != nil {
			// The step is recorded; the sweeper re-enqueues it if this delivery
			// is never retried.
			return &domain.QueueUnavailableError{Op: fmt.Sprintf("dispatch step %d", idx), Err: err}
		}
		telemetry.OrchestratorStepsDispatched.WithLabelValues(a.Capability).Inc()
		log.Info("step dispatched",
			slog.Int("step_index", idx),
			slog.Int("batch", batch),
			slog.String("capability", a.Capability),
			slog.Int("attempt", a.Attempt),
		)
	}
	return nil
}

func (o *Orchestrator) finish(ctx context.Context, log *slog.Logger, t *domain.Task, dec policy.Decision) error {
	a := validation.Assess(dec.Result)
	conf := a.Confidence
	out := domain.Outcome{
		Status:     domain.StatusSucceeded,
		Result:     dec.Result,
		Confidence: &conf,
		Issues:     a.Issues,
	}
	telemetry.OrchestratorConfidence.Observe(conf)
	if a.Low() {
		telemetry.OrchestratorLowConfidence.Inc()
		log.Warn("low confidence result",
			slog.Float64("confidence", conf),
			slog.String("level", a.Level),
			slog.Any("issues", a.Issues),
		)
	}
	return o.finalize(ctx, log, t, out)
}

func (o *Orchestrator) fail(ctx context.Context, log *slog.Logger, t *domain.Task, why string) error {
	return o.finalize(ctx, log, t, domain.Outcome{Status: domain.StatusFailed, Error: why})
}

func (o *Orchestrator) finalize(ctx context.Context, log *slog.Logger, t *domain.Task, out domain.Outcome) error {
	if err := o.store.Finalize(ctx, t.ID, out); err != nil {
		if domain.IsTerminal(err) {
			log.Info("task already terminal, outcome dropped", slog.String("status", string(out.Status)))
			return nil
		}
		return fmt.Errorf("finalize: %w", err)
	}

	telemetry.OrchestratorTasksFinished.WithLabelValues(string(out.Status)).Inc()
	telemetry.OrchestratorTaskDurationSeconds.Observe(time.Since(t.CreatedAt).Seconds())
	attrs := []any{slog.String("status", string(out.Status)), slog.Int("steps", len(t.History))}
	if out.Error != "" {
		attrs = append(attrs, slog.String("error", out.Error))
	}
	log.Info("task finalized", attrs...)

	o.archive(ctx, log, t.ID)
	return nil
}

// archive is best-effort: the store remains the source of truth.
func (o *Orchestrator) archive(ctx context.Context, log *slog.Logger, taskID string) {
	final, err := o.store.Get(ctx, taskID)
	if err == nil {
		err = o.archiver.Put(ctx, final)
	}
	if err != nil {
		log.Warn("execution log not archived", slog.String("error", err.Error()))
	}
}

// reason renders err as a task error of the form "<Kind>: <detail>".
func reason(err error) string {
	return (&domain.StepError{Kind: domain.KindOf(err), Message: err.Error()}).Reason()
}

// isInfraError reports whether an Advance error is worth retrying in place.
func isInfraError(err error) bool {
	var (
		store *domain.StoreUnavailableError
		q     *domain.QueueUnavailableError
	)
	return errors.As(err, &store) || errors.As(err, &q)
}
