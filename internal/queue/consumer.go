package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ramiqadoumi/go-agent-flow/pkg/retry"
)

// HandlerFunc processes a single delivery.
// Return nil to ack. Return an error to leave the message unacked (it will be redelivered).
type HandlerFunc func(ctx context.Context, d *Delivery) error

// ConsumerConfig controls a Consume loop.
type ConsumerConfig struct {
	Topic       string
	Concurrency int
	// Retry is applied in place before a failed delivery is left unacked.
	Retry  retry.Config
	Logger *slog.Logger
	// Backoff is the pause after a Dequeue error.
	Backoff time.Duration
}

// Consume runs cfg.Concurrency dequeue loops on cfg.Topic until ctx is cancelled
// or the queue is closed. It returns after every in-flight handler has finished.
func Consume(ctx context.Context, q Queue, cfg ConsumerConfig, h HandlerFunc) error {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	log := cfg.Logger.With(slog.String("topic", cfg.Topic))

	var wg sync.WaitGroup
	for i := 0; i < cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				d, err := q.Dequeue(ctx, cfg.Topic)
				if err != nil {
					if ctx.Err() != nil || errors.Is(err, ErrClosed) {
						return // normal shutdown
					}
					log.Error("dequeue failed", slog.String("error", err.Error()))
					select {
					case <-ctx.Done():
						return
					case <-time.After(cfg.Backoff):
					}
					continue
				}
				handle(ctx, q, cfg, log, h, d)
			}
		}()
	}
	wg.Wait()
	return nil
}

func handle(ctx context.Context, q Queue, cfg ConsumerConfig, log *slog.Logger, h HandlerFunc, d *Delivery) {
	msgCtx := ExtractContext(ctx, d.Headers)

	rc := cfg.Retry
	if rc.OnRetry == nil {
		rc.OnRetry = func(attempt int, err error) {
			log.Debug("handler failed, retrying in place",
				slog.String("message_id", d.ID),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		}
	}
	if err := retry.Do(msgCtx, rc, func() error { return h(msgCtx, d) }); err != nil {
		log.Warn("handler failed, leaving message for redelivery",
			slog.String("message_id", d.ID),
			slog.String("key", d.Key),
			slog.Int("attempt", d.Attempt),
			slog.String("error", err.Error()),
		)
		return
	}

	// Ack with a fresh context so a shutdown after a successful handler still acks.
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := q.Ack(ackCtx, d); err != nil {
		log.Error("failed to ack message",
			slog.String("message_id", d.ID),
			slog.String("error", err.Error()),
		)
	}
}
