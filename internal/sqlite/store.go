// Package sqlite provides an embedded, file-backed task store for the
// standalone binary.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ramiqadoumi/go-agent-flow/internal/domain"
	"github.com/ramiqadoumi/go-agent-flow/internal/taskstore"
)

// Store keeps each task as a JSON document next to the columns needed for
// listing. A single connection serializes writers.
type Store struct {
	conn *sql.DB
	path string
	now  func() time.Time
}

// Open opens (and migrates) an SQLite database at path. The parent directory
// is created if missing. ":memory:" opens a private in-memory database.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &Store{conn: conn, path: path, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the path to the database file.
func (s *Store) Path() string { return s.path }

func (s *Store) migrate() error {
	if _, err := s.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var current int
	if err := s.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Tasks},
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := s.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}
	return nil
}

const migrationV1Tasks = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	body TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_status_created ON tasks(status, created_at);
`

func (s *Store) Create(ctx context.Context, n taskstore.NewTask) (*domain.Task, error) {
	t := taskstore.Build(n, s.now())
	body, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}
	_, err = s.conn.ExecContext(ctx,
		"INSERT INTO tasks (id, status, body, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		t.ID, string(t.Status), string(body), t.CreatedAt.UnixNano(), t.UpdatedAt.UnixNano())
	if err != nil {
		return nil, &domain.StoreUnavailableError{Op: "create " + t.ID, Err: err}
	}
	return t, nil
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Task, error) {
	t, err := get(ctx, s.conn, id)
	return t, s.wrap("get "+id, err)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func get(ctx context.Context, q querier, id string) (*domain.Task, error) {
	var body string
	err := q.QueryRowContext(ctx, "SELECT body FROM tasks WHERE id = ?", id).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &domain.TaskNotFoundError{TaskID: id}
		}
		return nil, fmt.Errorf("select task: %w", err)
	}
	var t domain.Task
	if err := json.Unmarshal([]byte(body), &t); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	return &t, nil
}

// mutate loads the task, applies fn and writes it back in one transaction.
// With one open connection the transaction is exclusive.
func (s *Store) mutate(ctx context.Context, id, op string, fn func(t *domain.Task) (bool, error)) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return &domain.StoreUnavailableError{Op: op + " " + id, Err: err}
	}
	defer tx.Rollback() //nolint:errcheck

	t, err := get(ctx, tx, id)
	if err != nil {
		return s.wrap(op+" "+id, err)
	}
	changed, err := fn(t)
	if err != nil || !changed {
		return err
	}
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE tasks SET status = ?, body = ?, updated_at = ? WHERE id = ?",
		string(t.Status), string(body), t.UpdatedAt.UnixNano(), id); err != nil {
		return &domain.StoreUnavailableError{Op: op + " " + id, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &domain.StoreUnavailableError{Op: op + " " + id, Err: err}
	}
	return nil
}

func (s *Store) AppendSteps(ctx context.Context, id string, batch int, actions []domain.Action) ([]int, error) {
	var indices []int
	err := s.mutate(ctx, id, "append", func(t *domain.Task) (bool, error) {
		var err error
		indices, err = taskstore.ApplyAppend(t, batch, actions, s.now())
		return err == nil, err
	})
	return indices, err
}

func (s *Store) RecordObservation(ctx context.Context, id string, stepIndex int, obs domain.Observation) error {
	return s.mutate(ctx, id, "observe", func(t *domain.Task) (bool, error) {
		return taskstore.ApplyObservation(t, stepIndex, obs, s.now())
	})
}

func (s *Store) Finalize(ctx context.Context, id string, out domain.Outcome) error {
	return s.mutate(ctx, id, "finalize", func(t *domain.Task) (bool, error) {
		err := taskstore.ApplyFinalize(t, out, s.now())
		return err == nil, err
	})
}

func (s *Store) Cancel(ctx context.Context, id string) error {
	return s.Finalize(ctx, id, domain.Outcome{Status: domain.StatusCancelled})
}

func (s *Store) ListActive(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id FROM tasks
		WHERE status IN ('PENDING', 'RUNNING')
		ORDER BY created_at ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, &domain.StoreUnavailableError{Op: "list active", Err: err}
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan task id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) Ping(ctx context.Context) error { return s.conn.PingContext(ctx) }

// Close closes the database connection.
func (s *Store) Close() error { return s.conn.Close() }

func (s *Store) wrap(op string, err error) error {
	if err == nil || taskstore.IsRuleError(err) {
		return err
	}
	return &domain.StoreUnavailableError{Op: op, Err: err}
}

var _ taskstore.Store = (*Store)(nil)
