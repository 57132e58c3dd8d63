package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RateLimiter allows or denies events per key.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Limit() int
}

// slidingWindow trims the window, then records the event only when the key
// is under its limit, so denied attempts do not extend a client's penalty.
//
// KEYS[1] key  ARGV: now_ms, window_ms, limit, member
var slidingWindow = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
if redis.call("ZCARD", KEYS[1]) >= tonumber(ARGV[3]) then
  return 0
end
redis.call("ZADD", KEYS[1], now, ARGV[4])
redis.call("PEXPIRE", KEYS[1], window)
return 1
`)

type windowLimiter struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
}

// NewRateLimiter returns a sliding-window limiter allowing limit events per
// window for each key. prefix keeps the counters of different callers apart:
// keys are "ratelimit:<prefix>:<key>".
func NewRateLimiter(client *redis.Client, prefix string, limit int, window time.Duration) RateLimiter {
	return &windowLimiter{client: client, prefix: prefix, limit: limit, window: window}
}

func (l *windowLimiter) Limit() int { return l.limit }

func (l *windowLimiter) Allow(ctx context.Context, key string) (bool, error) {
	rkey := "ratelimit:" + l.prefix + ":" + key
	// A random member keeps two events in the same millisecond distinct.
	n, err := slidingWindow.Run(ctx, l.client, []string{rkey},
		time.Now().UnixMilli(), l.window.Milliseconds(), l.limit, uuid.NewString(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit %q: %w", key, err)
	}
	return n == 1, nil
}
