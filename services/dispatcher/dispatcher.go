package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-agent-flow/internal/domain"
	"github.com/ramiqadoumi/go-agent-flow/internal/queue"
	redisstore "github.com/ramiqadoumi/go-agent-flow/internal/redis"
	"github.com/ramiqadoumi/go-agent-flow/pkg/retry"
	"github.com/ramiqadoumi/go-agent-flow/pkg/telemetry"
)

// Dispatcher consumes steps.dispatch and routes each step to the topic of
// the worker pool that owns its capability.
type Dispatcher struct {
	queue   queue.Queue
	limiter redisstore.RateLimiter // nil = disabled
	logger  *slog.Logger
	retry   retry.Config
}

func NewDispatcher(q queue.Queue, limiter redisstore.RateLimiter, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		queue:   q,
		limiter: limiter,
		logger:  logger,
		// A rate-limited step is retried in place a few times, then left
		// unacked for redelivery.
		retry: retry.Config{MaxAttempts: 4, BaseDelay: 250 * time.Millisecond, MaxDelay: 2 * time.Second, Retryable: retryable},
	}
}

// Run starts consuming. Blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, concurrency int) error {
	return queue.Consume(ctx, d.queue, queue.ConsumerConfig{
		Topic:       domain.TopicStepsDispatch,
		Concurrency: concurrency,
		Retry:       d.retry,
		Logger:      d.logger,
	}, d.route)
}

func (d *Dispatcher) route(ctx context.Context, del *queue.Delivery) error {
	ctx, span := otel.Tracer("dispatcher").Start(ctx, "dispatcher.route")
	defer span.End()

	var msg domain.DispatchMessage
	if err := queue.Decode(del.Body, &msg); err != nil {
		d.logger.Error("malformed message, sending to DLQ", slog.String("error", err.Error()))
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed message")
		return d.toDLQ(ctx, del.Key, del.Body)
	}

	span.SetAttributes(
		attribute.String("task.id", msg.TaskID),
		attribute.Int("step.index", msg.StepIndex),
		attribute.String("capability", msg.Action.Capability),
	)

	log := d.logger.With(
		slog.String("task_id", msg.TaskID),
		slog.Int("step_index", msg.StepIndex),
		slog.String("capability", msg.Action.Capability),
	)

	if msg.TaskID == "" || msg.Action.Capability == "" {
		log.Error("step without task id or capability, sending to DLQ")
		span.SetStatus(codes.Error, "incomplete step")
		return d.toDLQ(ctx, msg.TaskID, del.Body)
	}

	// Rate limiting per capability protects the model provider behind it.
	if d.limiter != nil {
		allowed, err := d.limiter.Allow(ctx, msg.Action.Capability)
		if err != nil {
			log.Error("rate limiter error", slog.String("error", err.Error()))
			// Allow on limiter failure to avoid stalling steps due to Redis issues.
		} else if !allowed {
			telemetry.DispatcherRateLimitedTotal.Inc()
			span.SetStatus(codes.Error, "rate limit exceeded")
			return &domain.RateLimitExceededError{Key: msg.Action.Capability, Limit: d.limiter.Limit()}
		}
	}

	target := domain.WorkerTopic(msg.Action.Capability)
	if err := d.queue.Enqueue(ctx, target, msg.TaskID, del.Body); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		// Transient queue error: leave the delivery unacked.
		return &domain.QueueUnavailableError{Op: "publish to " + target, Err: err}
	}

	telemetry.DispatcherStepsRouted.WithLabelValues(msg.Action.Capability).Inc()
	log.Info("step routed", slog.String("topic", target))
	return nil
}

// toDLQ publishes a raw message to the dead-letter topic.
func (d *Dispatcher) toDLQ(ctx context.Context, key string, payload []byte) error {
	telemetry.DispatcherDLQTotal.Inc()
	if err := d.queue.Enqueue(ctx, domain.TopicStepsDLQ, key, payload); err != nil {
		d.logger.Error("failed to publish to DLQ", slog.String("error", err.Error()))
		return fmt.Errorf("publish to DLQ: %w", err)
	}
	return nil
}

func retryable(err error) bool {
	var (
		limited *domain.RateLimitExceededError
		q       *domain.QueueUnavailableError
	)
	return errors.As(err, &limited) || errors.As(err, &q)
}
