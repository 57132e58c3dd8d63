// Package postgres holds the PostgreSQL task store, the step execution audit
// log and the schema migrations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ramiqadoumi/go-agent-flow/internal/domain"
	"github.com/ramiqadoumi/go-agent-flow/internal/postgres/migrations"
	"github.com/ramiqadoumi/go-agent-flow/internal/taskstore"
)

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

// Migrate applies every embedded migration in order. The files are idempotent.
// applied is called after each file when non-nil.
func Migrate(ctx context.Context, pool *pgxpool.Pool, applied func(name string)) error {
	files, err := migrations.Files()
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	for _, f := range files {
		sql, err := migrations.FS.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("execute migration %s: %w", f, err)
		}
		if applied != nil {
			applied(f)
		}
	}
	return nil
}

// Store implements taskstore.Store on two tables: tasks and task_steps.
// Every mutation locks the task row with SELECT ... FOR UPDATE.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewStore wraps a pgxpool. The caller owns the pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) Create(ctx context.Context, n taskstore.NewTask) (*domain.Task, error) {
	t := taskstore.Build(n, s.now())
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (id, description, context, hints, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, t.ID, t.Description, t.Context, orEmpty(t.Hints), string(t.Status), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return nil, &domain.StoreUnavailableError{Op: "create " + t.ID, Err: err}
	}
	return t, nil
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Task, error) {
	var task *domain.Task
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		task, err = load(ctx, tx, id, false, true)
		return err
	})
	return task, s.wrap("get "+id, err)
}

func (s *Store) AppendSteps(ctx context.Context, id string, batch int, actions []domain.Action) ([]int, error) {
	var indices []int
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		t, err := load(ctx, tx, id, true, true)
		if err != nil {
			return err
		}
		now := s.now()
		indices, err = taskstore.ApplyAppend(t, batch, actions, now)
		if err != nil {
			return err
		}
		for _, idx := range indices {
			step := t.History[idx]
			if _, err := tx.Exec(ctx, `
				INSERT INTO task_steps
					(task_id, step_index, batch, capability, input, stage, attempt, status, dispatched_at)
				VALUES
					($1, $2, $3, $4, COALESCE($5::json, 'null'::json), $6, $7, $8, $9)
			`, id, step.Index, step.Batch, step.Action.Capability, jsonText(step.Action.Input),
				step.Action.Stage, step.Action.Attempt, string(step.Status), step.DispatchedAt); err != nil {
				return fmt.Errorf("insert step %d: %w", step.Index, err)
			}
		}
		_, err = tx.Exec(ctx, `UPDATE tasks SET status = $1, updated_at = $2 WHERE id = $3`,
			string(t.Status), now, id)
		return err
	})
	return indices, s.wrap("append "+id, err)
}

func (s *Store) RecordObservation(ctx context.Context, id string, stepIndex int, obs domain.Observation) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		t, err := load(ctx, tx, id, true, true)
		if err != nil {
			return err
		}
		now := s.now()
		changed, err := taskstore.ApplyObservation(t, stepIndex, obs, now)
		if err != nil || !changed {
			return err
		}
		raw, err := json.Marshal(obs)
		if err != nil {
			return fmt.Errorf("marshal observation: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE task_steps SET observation = $1::json, status = $2, observed_at = $3
			WHERE task_id = $4 AND step_index = $5
		`, string(raw), string(taskstore.StepStatusFor(obs)), now, id, stepIndex); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE tasks SET updated_at = $1 WHERE id = $2`, now, id)
		return err
	})
	return s.wrap("observe "+id, err)
}

func (s *Store) Finalize(ctx context.Context, id string, out domain.Outcome) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		t, err := load(ctx, tx, id, true, false)
		if err != nil {
			return err
		}
		if err := taskstore.ApplyFinalize(t, out, s.now()); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE tasks
			SET status = $1, result = $2::json, error = $3, confidence = $4,
			    validation_issues = $5, updated_at = $6, completed_at = $7
			WHERE id = $8
		`, string(t.Status), jsonText(t.Result), t.Error, t.Confidence,
			orEmpty(t.ValidationIssues), t.UpdatedAt, t.CompletedAt, id)
		return err
	})
	return s.wrap("finalize "+id, err)
}

func (s *Store) Cancel(ctx context.Context, id string) error {
	return s.Finalize(ctx, id, domain.Outcome{Status: domain.StatusCancelled})
}

func (s *Store) ListActive(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM tasks
		WHERE status IN ('PENDING', 'RUNNING')
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, &domain.StoreUnavailableError{Op: "list active", Err: err}
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, &domain.StoreUnavailableError{Op: "list active", Err: err}
	}
	return ids, nil
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close is a no-op; the caller owns the pool.
func (s *Store) Close() error { return nil }

func (s *Store) wrap(op string, err error) error {
	if err == nil || taskstore.IsRuleError(err) {
		return err
	}
	return &domain.StoreUnavailableError{Op: op, Err: err}
}

// load reads a task and optionally its steps. forUpdate locks the task row
// until the surrounding transaction ends.
func load(ctx context.Context, tx pgx.Tx, id string, forUpdate, withSteps bool) (*domain.Task, error) {
	q := `
		SELECT id, description, context, hints, status, result, error, confidence,
		       validation_issues, created_at, updated_at, completed_at
		FROM tasks WHERE id = $1`
	if forUpdate {
		q += ` FOR UPDATE`
	}

	var (
		t      domain.Task
		status string
		result []byte
	)
	err := tx.QueryRow(ctx, q, id).Scan(
		&t.ID, &t.Description, &t.Context, &t.Hints, &status, &result, &t.Error, &t.Confidence,
		&t.ValidationIssues, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.TaskNotFoundError{TaskID: id}
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.Status = domain.Status(status)
	if len(result) > 0 {
		t.Result = json.RawMessage(result)
	}
	if len(t.Hints) == 0 {
		t.Hints = nil
	}
	if len(t.ValidationIssues) == 0 {
		t.ValidationIssues = nil
	}
	t.History = []domain.Step{}
	if !withSteps {
		return &t, nil
	}

	rows, err := tx.Query(ctx, `
		SELECT step_index, batch, capability, input, stage, attempt, status, observation,
		       dispatched_at, observed_at
		FROM task_steps WHERE task_id = $1
		ORDER BY step_index ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			step        domain.Step
			input       []byte
			observation []byte
			stepStatus  string
		)
		if err := rows.Scan(
			&step.Index, &step.Batch, &step.Action.Capability, &input,
			&step.Action.Stage, &step.Action.Attempt, &stepStatus, &observation,
			&step.DispatchedAt, &step.ObservedAt,
		); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		step.Action.Input = json.RawMessage(input)
		step.Status = domain.StepStatus(stepStatus)
		if len(observation) > 0 {
			var obs domain.Observation
			if err := json.Unmarshal(observation, &obs); err != nil {
				return nil, fmt.Errorf("decode observation of step %d: %w", step.Index, err)
			}
			step.Observation = &obs
		}
		t.History = append(t.History, step)
	}
	return &t, rows.Err()
}

// jsonText returns nil (SQL NULL) for an empty payload so the ::json cast is skipped.
func jsonText(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

var _ taskstore.Store = (*Store)(nil)
