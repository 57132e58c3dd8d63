// Package taskstore defines the durable task record contract shared by every
// backend, plus an in-memory implementation used by tests and the standalone
// binary.
package taskstore

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ramiqadoumi/go-agent-flow/internal/domain"
)

// NewTask is the client input for Create.
type NewTask struct {
	Description string
	Context     string
	Hints       []string
}

// Store is the source of truth for tasks and their step histories.
// Every method is atomic per task id.
type Store interface {
	// Create persists a PENDING task with an empty history.
	Create(ctx context.Context, n NewTask) (*domain.Task, error)
	// Get returns a copy of the task or *domain.TaskNotFoundError.
	Get(ctx context.Context, id string) (*domain.Task, error)
	// AppendSteps appends one batch of steps and returns their indices.
	AppendSteps(ctx context.Context, id string, batch int, actions []domain.Action) ([]int, error)
	// RecordObservation sets a step's observation at most once.
	RecordObservation(ctx context.Context, id string, stepIndex int, obs domain.Observation) error
	// Finalize moves the task to a terminal status.
	Finalize(ctx context.Context, id string, out domain.Outcome) error
	// Cancel finalizes the task as CANCELLED.
	Cancel(ctx context.Context, id string) error
	// ListActive returns up to limit ids of non-terminal tasks, oldest first.
	ListActive(ctx context.Context, limit int) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// Build creates the in-memory representation of a freshly submitted task.
func Build(n NewTask, now time.Time) *domain.Task {
	return &domain.Task{
		ID:          uuid.NewString(),
		Description: n.Description,
		Context:     n.Context,
		Hints:       append([]string(nil), n.Hints...),
		Status:      domain.StatusPending,
		History:     []domain.Step{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
