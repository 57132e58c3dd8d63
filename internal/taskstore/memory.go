package taskstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ramiqadoumi/go-agent-flow/internal/domain"
)

// MemoryStore keeps tasks in a map guarded by a single mutex.
type MemoryStore struct {
	mu    sync.Mutex
	tasks map[string]*domain.Task
	now   func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[string]*domain.Task),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Create(_ context.Context, n NewTask) (*domain.Task, error) {
	t := Build(n, s.now())
	s.mu.Lock()
	s.tasks[t.ID] = t
	s.mu.Unlock()
	return t.Clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	return t.Clone(), nil
}

func (s *MemoryStore) AppendSteps(_ context.Context, id string, batch int, actions []domain.Action) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	next := t.Clone()
	indices, err := ApplyAppend(next, batch, actions, s.now())
	if err != nil {
		return nil, err
	}
	s.tasks[id] = next
	return indices, nil
}

func (s *MemoryStore) RecordObservation(_ context.Context, id string, stepIndex int, obs domain.Observation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return &domain.TaskNotFoundError{TaskID: id}
	}
	next := t.Clone()
	changed, err := ApplyObservation(next, stepIndex, obs, s.now())
	if err != nil || !changed {
		return err
	}
	s.tasks[id] = next
	return nil
}

func (s *MemoryStore) Finalize(_ context.Context, id string, out domain.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return &domain.TaskNotFoundError{TaskID: id}
	}
	next := t.Clone()
	if err := ApplyFinalize(next, out, s.now()); err != nil {
		return err
	}
	s.tasks[id] = next
	return nil
}

func (s *MemoryStore) Cancel(ctx context.Context, id string) error {
	return s.Finalize(ctx, id, domain.Outcome{Status: domain.StatusCancelled})
}

func (s *MemoryStore) ListActive(_ context.Context, limit int) ([]string, error) {
	s.mu.Lock()
	active := make([]*domain.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if !t.Status.IsTerminal() {
			active = append(active, t)
		}
	}
	s.mu.Unlock()

	sort.Slice(active, func(i, j int) bool {
		if active[i].CreatedAt.Equal(active[j].CreatedAt) {
			return active[i].ID < active[j].ID
		}
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})
	if limit > 0 && len(active) > limit {
		active = active[:limit]
	}
	ids := make([]string, len(active))
	for i, t := range active {
		ids[i] = t.ID
	}
	return ids, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
