package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ramiqadoumi/go-agent-flow/internal/capability"
	"github.com/ramiqadoumi/go-agent-flow/internal/domain"
	"github.com/ramiqadoumi/go-agent-flow/internal/queue"
	"github.com/ramiqadoumi/go-agent-flow/internal/taskstore"
	"github.com/ramiqadoumi/go-agent-flow/pkg/retry"
	"github.com/ramiqadoumi/go-agent-flow/pkg/telemetry"
)

// ExecutionRecorder persists an audit row per executed step.
type ExecutionRecorder interface {
	RecordExecution(ctx context.Context, exec *domain.StepExecution) error
}

// Worker consumes dispatch messages for a set of capabilities and executes them.
type Worker struct {
	store        taskstore.Store
	queue        queue.Queue
	registry     *capability.Registry
	recorder     ExecutionRecorder
	workerID     string
	capabilities []string
	concurrency  int
	timeout      time.Duration
	retry        retry.Config
	logger       *slog.Logger

	wg       sync.WaitGroup
	inFlight atomic.Int64
}

// Option configures a Worker.
type Option func(*Worker)

func WithTimeout(d time.Duration) Option      { return func(w *Worker) { w.timeout = d } }
func WithLogger(l *slog.Logger) Option        { return func(w *Worker) { w.logger = l } }
func WithConcurrency(n int) Option            { return func(w *Worker) { w.concurrency = n } }
func WithRecorder(r ExecutionRecorder) Option { return func(w *Worker) { w.recorder = r } }
func WithRetry(cfg retry.Config) Option       { return func(w *Worker) { w.retry = cfg } }
func WithCapabilities(names ...string) Option { return func(w *Worker) { w.capabilities = names } }

// NewWorker constructs a Worker with the given dependencies and options.
// Without WithCapabilities it serves every capability in the registry.
func NewWorker(
	workerID string,
	store taskstore.Store,
	q queue.Queue,
	registry *capability.Registry,
	opts ...Option,
) *Worker {
	w := &Worker{
		workerID:    workerID,
		store:       store,
		queue:       q,
		registry:    registry,
		concurrency: 4,
		timeout:     60 * time.Second,
		retry:       retry.Config{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, Retryable: isInfraError},
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if len(w.capabilities) == 0 {
		w.capabilities = registry.Names()
	}
	return w
}

// Capabilities returns the capabilities this worker consumes.
func (w *Worker) Capabilities() []string { return w.capabilities }

// InFlight returns the number of steps currently executing.
func (w *Worker) InFlight() int64 { return w.inFlight.Load() }

// Run consumes every capability topic until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	errs := make([]error, len(w.capabilities))
	var consumers sync.WaitGroup
	for i, name := range w.capabilities {
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			errs[i] = queue.Consume(ctx, w.queue, queue.ConsumerConfig{
				Topic:       domain.WorkerTopic(name),
				Concurrency: w.concurrency,
				Retry:       w.retry,
				Logger:      w.logger,
			}, w.processMessage)
		}()
	}
	consumers.Wait()
	return errors.Join(errs...)
}

// Wait blocks until all in-flight steps finish. Call after Run returns.
func (w *Worker) Wait() { w.wg.Wait() }

// processMessage is the queue HandlerFunc. Returning an error leaves the
// message unacked for redelivery.
func (w *Worker) processMessage(ctx context.Context, d *queue.Delivery) error {
	var msg domain.DispatchMessage
	if err := queue.Decode(d.Body, &msg); err != nil || msg.TaskID == "" {
		w.logger.Error("malformed dispatch message, discarding", slog.String("raw", string(d.Body)))
		return nil
	}
	return w.Process(ctx, msg)
}

// Process executes one dispatched step and signals its completion.
func (w *Worker) Process(ctx context.Context, msg domain.DispatchMessage) error {
	ctx, span := otel.Tracer("worker").Start(ctx, "worker.process_step")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", msg.TaskID),
		attribute.Int("step.index", msg.StepIndex),
		attribute.String("capability", msg.Action.Capability),
		attribute.String("worker.id", w.workerID),
	)

	log := w.logger.With(
		slog.String("task_id", msg.TaskID),
		slog.Int("step_index", msg.StepIndex),
		slog.String("capability", msg.Action.Capability),
		slog.String("worker_id", w.workerID),
	)

	t, err := w.store.Get(ctx, msg.TaskID)
	if err != nil {
		if domain.IsNotFound(err) {
			log.Warn("step for unknown task, discarding")
			return nil
		}
		span.RecordError(err)
		return fmt.Errorf("load task: %w", err)
	}

	// Cancellation drain: a terminal task gets no further invocations.
	if t.Status.IsTerminal() {
		log.Info("task already terminal, skipping step", slog.String("status", string(t.Status)))
		telemetry.WorkerStepsSkipped.WithLabelValues("terminal").Inc()
		return nil
	}

	step, ok := t.Step(msg.StepIndex)
	if !ok {
		err := &domain.StepNotFoundError{TaskID: msg.TaskID, StepIndex: msg.StepIndex}
		log.Error("dispatch for a step that does not exist, discarding", slog.String("error", err.Error()))
		return nil
	}

	// A previous delivery persisted the observation but may have died before
	// signalling.
	if step.Observation != nil {
		log.Info("step already observed, re-signalling completion")
		telemetry.WorkerStepsSkipped.WithLabelValues("observed").Inc()
		return w.signal(ctx, msg.TaskID, step)
	}

	w.wg.Add(1)
	w.inFlight.Add(1)
	defer func() {
		w.inFlight.Add(-1)
		w.wg.Done()
	}()

	start := time.Now()
	obs := w.execute(span, step.Action)
	duration := time.Since(start)

	outcome := "ok"
	if obs.Error != nil {
		outcome = string(obs.Error.Kind)
		span.SetStatus(codes.Error, obs.Error.Reason())
	}
	telemetry.WorkerStepsExecuted.WithLabelValues(step.Action.Capability, outcome).Inc()
	telemetry.WorkerStepDurationSeconds.WithLabelValues(step.Action.Capability).Observe(duration.Seconds())

	if err := w.store.RecordObservation(ctx, msg.TaskID, msg.StepIndex, obs); err != nil {
		switch {
		case domain.IsConflict(err):
			log.Warn("step observed by another worker, keeping theirs", slog.String("error", err.Error()))
			telemetry.WorkerStepsSkipped.WithLabelValues("conflict").Inc()
			return nil
		case domain.IsTerminal(err):
			log.Info("task finished during execution, dropping observation")
			telemetry.WorkerStepsSkipped.WithLabelValues("terminal").Inc()
			return nil
		default:
			span.RecordError(err)
			return fmt.Errorf("record observation: %w", err)
		}
	}

	w.recordExecution(ctx, log, msg, step.Action, obs, duration)

	if obs.Error != nil {
		log.Warn("step failed",
			slog.String("error", obs.Error.Reason()),
			slog.Bool("retryable", obs.Error.Retryable),
			slog.Int64("duration_ms", duration.Milliseconds()),
		)
	} else {
		log.Info("step completed", slog.Int64("duration_ms", duration.Milliseconds()))
	}
	return w.signal(ctx, msg.TaskID, step)
}

// execute turns every outcome of a capability invocation into an observation.
func (w *Worker) execute(span trace.Span, a domain.Action) domain.Observation {
	h, err := w.registry.Resolve(a.Capability)
	if err != nil {
		return failed(err, false)
	}
	if err := w.registry.Validate(a.Capability, a.Input); err != nil {
		return failed(err, false)
	}

	telemetry.WorkerStepsInFlight.WithLabelValues(a.Capability).Inc()
	defer telemetry.WorkerStepsInFlight.WithLabelValues(a.Capability).Dec()

	// The handler deadline is independent of consumer shutdown so an
	// in-flight step can finish; child spans still parent here.
	execCtx, cancel := context.WithTimeout(trace.ContextWithSpan(context.Background(), span), w.timeout)
	defer cancel()

	out, err := invoke(execCtx, h, a.Input)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, context.DeadlineExceeded) {
			return failed(&domain.HandlerTimeoutError{Capability: a.Capability, Timeout: w.timeout.String()}, true)
		}
		var p *panicError
		if errors.As(err, &p) {
			return failed(&domain.HandlerFailureError{Capability: a.Capability, Err: err}, false)
		}
		return failed(&domain.HandlerFailureError{Capability: a.Capability, Err: err}, !capability.IsPermanent(err))
	}
	if err := w.registry.ValidateOutput(a.Capability, out); err != nil {
		return failed(err, false)
	}
	return domain.Observation{Output: out}
}

type panicError struct{ value any }

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }

// invoke runs the handler, returning when it does or when ctx expires,
// whichever comes first. Panics are converted to errors.
func invoke(ctx context.Context, h capability.Handler, input json.RawMessage) (json.RawMessage, error) {
	type result struct {
		out json.RawMessage
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: &panicError{value: r}}
			}
		}()
		out, err := h.Handle(ctx, input)
		done <- result{out: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err == nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return r.out, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func failed(err error, retryable bool) domain.Observation {
	return domain.Observation{Error: &domain.StepError{
		Kind:      domain.KindOf(err),
		Message:   err.Error(),
		Retryable: retryable,
	}}
}

func (w *Worker) signal(ctx context.Context, taskID string, step *domain.Step) error {
	msg := domain.CompletionMessage{TaskID: taskID, StepIndex: step.Index, Batch: step.Batch}
	if err := queue.Publish(ctx, w.queue, domain.TopicStepsCompleted, taskID, msg); err != nil {
		return &domain.QueueUnavailableError{Op: fmt.Sprintf("signal step %d", step.Index), Err: err}
	}
	return nil
}

func (w *Worker) recordExecution(ctx context.Context, log *slog.Logger, msg domain.DispatchMessage, a domain.Action, obs domain.Observation, d time.Duration) {
	if w.recorder == nil {
		return
	}
	exec := &domain.StepExecution{
		ID:         uuid.NewString(),
		TaskID:     msg.TaskID,
		StepIndex:  msg.StepIndex,
		Capability: a.Capability,
		WorkerID:   w.workerID,
		Attempt:    a.Attempt,
		Status:     taskstore.StepStatusFor(obs),
		DurationMs: d.Milliseconds(),
		ExecutedAt: time.Now().UTC(),
	}
	if obs.Error != nil {
		exec.ErrorKind = obs.Error.Kind
		exec.Error = obs.Error.Message
	}
	if err := w.recorder.RecordExecution(ctx, exec); err != nil {
		log.Error("failed to record execution", slog.String("error", err.Error()))
	}
}

// isInfraError reports whether a processing error is worth retrying in place.
func isInfraError(err error) bool {
	var (
		store *domain.StoreUnavailableError
		q     *domain.QueueUnavailableError
	)
	return errors.As(err, &store) || errors.As(err, &q)
}
