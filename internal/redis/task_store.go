package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/go-agent-flow/internal/domain"
	"github.com/ramiqadoumi/go-agent-flow/internal/taskstore"
)

const (
	activeKey = "tasks:active"
	// DefaultRetention is how long terminal tasks stay readable.
	DefaultRetention = 7 * 24 * time.Hour
	maxTxAttempts    = 32
)

func taskKey(taskID string) string { return "task:" + taskID }

// TaskStore keeps each task as one JSON document and the ids of non-terminal
// tasks in a sorted set scored by creation time. Mutations use WATCH/MULTI.
type TaskStore struct {
	client    *redis.Client
	retention time.Duration
	now       func() time.Time
}

// NewTaskStore returns a Redis-backed task store. retention <= 0 selects DefaultRetention.
func NewTaskStore(client *redis.Client, retention time.Duration) *TaskStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &TaskStore{
		client:    client,
		retention: retention,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *TaskStore) Create(ctx context.Context, n taskstore.NewTask) (*domain.Task, error) {
	t := taskstore.Build(n, s.now())
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, taskKey(t.ID), data, 0)
		pipe.ZAdd(ctx, activeKey, redis.Z{Score: float64(t.CreatedAt.UnixNano()), Member: t.ID})
		return nil
	})
	if err != nil {
		return nil, &domain.StoreUnavailableError{Op: "create " + t.ID, Err: err}
	}
	return t, nil
}

func (s *TaskStore) Get(ctx context.Context, id string) (*domain.Task, error) {
	data, err := s.client.Get(ctx, taskKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &domain.TaskNotFoundError{TaskID: id}
		}
		return nil, &domain.StoreUnavailableError{Op: "get " + id, Err: err}
	}
	return decodeTask(data)
}

func decodeTask(data []byte) (*domain.Task, error) {
	var t domain.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	return &t, nil
}

func (s *TaskStore) AppendSteps(ctx context.Context, id string, batch int, actions []domain.Action) ([]int, error) {
	var indices []int
	err := s.mutate(ctx, id, "append", func(t *domain.Task) (bool, error) {
		var err error
		indices, err = taskstore.ApplyAppend(t, batch, actions, s.now())
		return err == nil, err
	})
	return indices, err
}

func (s *TaskStore) RecordObservation(ctx context.Context, id string, stepIndex int, obs domain.Observation) error {
	return s.mutate(ctx, id, "observe", func(t *domain.Task) (bool, error) {
		return taskstore.ApplyObservation(t, stepIndex, obs, s.now())
	})
}

func (s *TaskStore) Finalize(ctx context.Context, id string, out domain.Outcome) error {
	return s.mutate(ctx, id, "finalize", func(t *domain.Task) (bool, error) {
		err := taskstore.ApplyFinalize(t, out, s.now())
		return err == nil, err
	})
}

func (s *TaskStore) Cancel(ctx context.Context, id string) error {
	return s.Finalize(ctx, id, domain.Outcome{Status: domain.StatusCancelled})
}

// mutate runs fn on the current task inside an optimistic transaction and
// retries when another writer touched the key in between.
func (s *TaskStore) mutate(ctx context.Context, id, op string, fn func(t *domain.Task) (bool, error)) error {
	key := taskKey(id)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return &domain.TaskNotFoundError{TaskID: id}
			}
			return err
		}
		t, err := decodeTask(data)
		if err != nil {
			return err
		}
		changed, err := fn(t)
		if err != nil || !changed {
			return err
		}
		next, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal task: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if t.Status.IsTerminal() {
				pipe.Set(ctx, key, next, s.retention)
				pipe.ZRem(ctx, activeKey, id)
			} else {
				pipe.Set(ctx, key, next, 0)
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !taskstore.IsRuleError(err) {
			return &domain.StoreUnavailableError{Op: op + " " + id, Err: err}
		}
		return err
	}
	return &domain.StoreUnavailableError{Op: op + " " + id, Err: errors.New("too many concurrent writers")}
}

func (s *TaskStore) ListActive(ctx context.Context, limit int) ([]string, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.client.ZRange(ctx, activeKey, 0, stop).Result()
	if err != nil {
		return nil, &domain.StoreUnavailableError{Op: "list active", Err: err}
	}
	return ids, nil
}

func (s *TaskStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; the caller owns the client.
func (s *TaskStore) Close() error { return nil }

var _ taskstore.Store = (*TaskStore)(nil)
