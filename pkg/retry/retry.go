// Package retry runs an operation with quadratic backoff between attempts.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Config controls retry behaviour. The zero value makes a single attempt.
type Config struct {
	// MaxAttempts counts every call, the first one included.
	MaxAttempts int
	// BaseDelay scales the wait: attempt n waits BaseDelay * n².
	BaseDelay time.Duration
	// MaxDelay caps a single wait. Zero means uncapped.
	MaxDelay time.Duration
	// Retryable filters errors worth another attempt. Nil retries everything.
	Retryable func(err error) bool
	// OnRetry runs before each wait with the 1-indexed attempt that failed.
	OnRetry func(attempt int, err error)
}

// Backoff returns the wait after the given failed attempt.
//
//	BaseDelay=1s: 1s, 4s, 9s, 16s ...
func (c Config) Backoff(attempt int) time.Duration {
	d := c.BaseDelay * time.Duration(attempt*attempt)
	if c.MaxDelay > 0 && d > c.MaxDelay {
		return c.MaxDelay
	}
	return d
}

func (c Config) attempts() int {
	if c.MaxAttempts < 1 {
		return 1
	}
	return c.MaxAttempts
}

// Do calls fn until it succeeds, the attempts run out, Retryable rejects the
// error, or ctx ends during a wait. It returns the last error of fn unchanged
// unless the wait was cut short.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	n := cfg.attempts()
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt >= n || (cfg.Retryable != nil && !cfg.Retryable(err)) {
			return err
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}

		timer := time.NewTimer(cfg.Backoff(attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled after attempt %d: %w", attempt, ctx.Err())
		}
	}
}
