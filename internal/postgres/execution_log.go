package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ramiqadoumi/go-agent-flow/internal/domain"
)

// ExecutionLog appends one row per worker execution of a step.
type ExecutionLog struct {
	pool *pgxpool.Pool
}

// NewExecutionLog wraps a pgxpool.
func NewExecutionLog(pool *pgxpool.Pool) *ExecutionLog {
	return &ExecutionLog{pool: pool}
}

func (l *ExecutionLog) RecordExecution(ctx context.Context, exec *domain.StepExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	if exec.ExecutedAt.IsZero() {
		exec.ExecutedAt = time.Now().UTC()
	}
	_, err := l.pool.Exec(ctx, `
		INSERT INTO step_executions
			(id, task_id, step_index, capability, worker_id, attempt, status, error_kind, duration_ms, error, executed_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		exec.ID, exec.TaskID, exec.StepIndex, exec.Capability, exec.WorkerID, exec.Attempt,
		string(exec.Status), string(exec.ErrorKind), exec.DurationMs, exec.Error, exec.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("record execution for task %s step %d: %w", exec.TaskID, exec.StepIndex, err)
	}
	return nil
}

// ListExecutions returns the executions of one task, oldest first.
func (l *ExecutionLog) ListExecutions(ctx context.Context, taskID string) ([]*domain.StepExecution, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT id, task_id, step_index, capability, worker_id, attempt, status, error_kind,
		       duration_ms, error, executed_at
		FROM step_executions
		WHERE task_id = $1
		ORDER BY executed_at ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list executions for task %s: %w", taskID, err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.StepExecution, error) {
		var (
			e         domain.StepExecution
			status    string
			errorKind string
		)
		err := row.Scan(&e.ID, &e.TaskID, &e.StepIndex, &e.Capability, &e.WorkerID, &e.Attempt,
			&status, &errorKind, &e.DurationMs, &e.Error, &e.ExecutedAt)
		e.Status = domain.StepStatus(status)
		e.ErrorKind = domain.ErrorKind(errorKind)
		return &e, err
	})
}
