// Package backend opens the task store and queue selected by configuration
// and owns the shared Redis client and PostgreSQL pool behind them.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/go-agent-flow/internal/kafka"
	"github.com/ramiqadoumi/go-agent-flow/internal/postgres"
	"github.com/ramiqadoumi/go-agent-flow/internal/queue"
	redisstore "github.com/ramiqadoumi/go-agent-flow/internal/redis"
	"github.com/ramiqadoumi/go-agent-flow/internal/sqlite"
	"github.com/ramiqadoumi/go-agent-flow/internal/taskstore"
)

// Backend names.
const (
	Memory   = "memory"
	Redis    = "redis"
	Postgres = "postgres"
	SQLite   = "sqlite"
	Kafka    = "kafka"
)

// Config selects the store and queue implementations.
type Config struct {
	StoreBackend string // memory | redis | postgres | sqlite
	QueueBackend string // memory | kafka | redis
	RedisAddr    string
	PostgresDSN  string
	SQLitePath   string
	KafkaBrokers string
	// GroupID is the consumer group shared by every instance of a service.
	GroupID string
	// ConsumerID identifies this process within the group (Redis Streams).
	ConsumerID string
	Visibility time.Duration
	// Retention bounds how long terminal tasks stay in Redis.
	Retention time.Duration
}

// VisibilityMargin is the minimum slack between the step timeout and the
// redelivery window of a queue that redelivers on a timer.
const VisibilityMargin = 30 * time.Second

// CheckVisibility rejects a redelivery window that a healthy step can
// outlast: the memory and Redis queues would hand the message to a second
// worker while the first is still executing it. Kafka only redelivers on
// rebalance and is not checked.
func (c Config) CheckVisibility(stepTimeout time.Duration) error {
	switch strings.ToLower(c.QueueBackend) {
	case "", Memory, Redis:
	default:
		return nil
	}
	v := c.Visibility
	if v <= 0 {
		v = queue.DefaultVisibility
	}
	if floor := stepTimeout + VisibilityMargin; v < floor {
		return fmt.Errorf("visibility %s must be at least step_timeout %s plus %s", v, stepTimeout, VisibilityMargin)
	}
	return nil
}

// Backend bundles the opened collaborators. Redis and Pool are nil unless a
// selected backend (or the caller, via needRedis/needPostgres) required them.
type Backend struct {
	Store taskstore.Store
	Queue queue.Queue
	Redis *goredis.Client
	Pool  *pgxpool.Pool

	closers []func() error
}

// Options requests shared clients the store and queue do not need by
// themselves, e.g. Redis for a rate limiter.
type Options struct {
	NeedRedis    bool
	NeedPostgres bool
	// Migrate applies the PostgreSQL schema on open.
	Migrate bool
}

// Open connects everything cfg selects. On error, whatever was opened is closed.
func Open(ctx context.Context, cfg Config, opts Options, logger *slog.Logger) (_ *Backend, err error) {
	b := &Backend{}
	defer func() {
		if err != nil {
			_ = b.Close()
		}
	}()

	storeKind := strings.ToLower(cfg.StoreBackend)
	queueKind := strings.ToLower(cfg.QueueBackend)

	if opts.NeedRedis || storeKind == Redis || queueKind == Redis {
		b.Redis = redisstore.NewClient(cfg.RedisAddr)
		b.closers = append(b.closers, b.Redis.Close)
		if err := b.Redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
	}
	if opts.NeedPostgres || storeKind == Postgres {
		b.Pool, err = postgres.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		b.closers = append(b.closers, func() error { b.Pool.Close(); return nil })
		if opts.Migrate {
			if err := postgres.Migrate(ctx, b.Pool, func(name string) {
				logger.Debug("migration applied", slog.String("file", name))
			}); err != nil {
				return nil, err
			}
		}
	}

	switch storeKind {
	case Memory, "":
		b.Store = taskstore.NewMemoryStore()
	case Redis:
		b.Store = redisstore.NewTaskStore(b.Redis, cfg.Retention)
	case Postgres:
		b.Store = postgres.NewStore(b.Pool)
	case SQLite:
		s, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		b.Store = s
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
	b.closers = append(b.closers, b.Store.Close)

	switch queueKind {
	case Memory, "":
		b.Queue = queue.NewMemoryQueue(cfg.Visibility)
	case Kafka:
		b.Queue = kafka.NewQueue(strings.Split(cfg.KafkaBrokers, ","), cfg.GroupID, logger)
	case Redis:
		b.Queue = redisstore.NewStreamQueue(b.Redis, cfg.GroupID, cfg.ConsumerID, cfg.Visibility)
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
	}
	b.closers = append(b.closers, b.Queue.Close)

	logger.Info("backends ready",
		slog.String("store", orDefault(storeKind, Memory)),
		slog.String("queue", orDefault(queueKind, Memory)),
	)
	return b, nil
}

// Ready pings the store.
func (b *Backend) Ready(ctx context.Context) error {
	return b.Store.Ping(ctx)
}

// Close releases everything in reverse order of opening.
func (b *Backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
