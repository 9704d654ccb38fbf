package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/csop/internal/model"

	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory database that lives as long as the
// store.
const MemoryPath = ":memory:"

const createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
    id          TEXT PRIMARY KEY,
    seq         INTEGER NOT NULL,
    task_type   TEXT NOT NULL,
    batch_id    TEXT NOT NULL DEFAULT '',
    status      TEXT NOT NULL,
    worker      INTEGER,
    result      BLOB,
    error       TEXT NOT NULL DEFAULT '',
    error_kind  TEXT NOT NULL DEFAULT '',
    timeout_ms  INTEGER NOT NULL,
    duration_ms INTEGER,
    queued_at   DATETIME NOT NULL,
    started_at  DATETIME,
    finished_at DATETIME
)`

const createBatchIndex = `CREATE INDEX IF NOT EXISTS tasks_batch_id ON tasks (batch_id)`

const taskColumns = `id, seq, task_type, batch_id, status, worker, result, error,
	error_kind, timeout_ms, duration_ms, queued_at, started_at, finished_at`

// ErrNotFound is returned when a task is not found.
var ErrNotFound = errors.New("task not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
// MemoryPath keeps history for the lifetime of the store only.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createTasksTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tasks table: %w", err)
	}
	if _, err := db.Exec(createBatchIndex); err != nil {
		db.Close()
		return nil, fmt.Errorf("create batch index: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateTask inserts a new task record.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *model.Task) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Seq, t.TaskType, t.BatchID, t.Status, t.Worker, []byte(t.Result), t.Error,
		t.ErrorKind, t.TimeoutMS, t.DurationMS, t.QueuedAt, t.StartedAt, t.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*model.Task, error) {
	t := &model.Task{}
	var result []byte
	if err := row.Scan(
		&t.ID, &t.Seq, &t.TaskType, &t.BatchID, &t.Status, &t.Worker, &result, &t.Error,
		&t.ErrorKind, &t.TimeoutMS, &t.DurationMS, &t.QueuedAt, &t.StartedAt, &t.FinishedAt,
	); err != nil {
		return nil, err
	}
	if len(result) > 0 {
		t.Result = result
	}
	return t, nil
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks returns a paginated list of tasks, newest admission first, along
// with the total count of all tasks.
func (s *SQLiteStore) ListTasks(ctx context.Context, limit, offset int) ([]*model.Task, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks ORDER BY seq DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate tasks: %w", err)
	}

	return tasks, total, nil
}

// MarkRunning moves a queued task to running on the given worker.
func (s *SQLiteStore) MarkRunning(ctx context.Context, id string, worker int, startedAt time.Time) error {
	return s.transition(ctx, id, model.StatusRunning, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"UPDATE tasks SET status = ?, worker = ?, started_at = ? WHERE id = ?",
			model.StatusRunning, worker, startedAt.UTC(), id,
		)
		return err
	})
}

// FinishTask records the terminal outcome of a task. The duration is derived
// from started_at when the task ever ran.
func (s *SQLiteStore) FinishTask(ctx context.Context, id string, out Outcome) error {
	if !model.IsTerminal(out.Status) {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, out.Status)
	}
	finished := out.FinishedAt.UTC()
	return s.transition(ctx, id, out.Status, func(tx *sql.Tx) error {
		var startedAt *time.Time
		if err := tx.QueryRowContext(ctx, "SELECT started_at FROM tasks WHERE id = ?", id).Scan(&startedAt); err != nil {
			return err
		}
		var duration *int64
		if startedAt != nil {
			ms := finished.Sub(*startedAt).Milliseconds()
			duration = &ms
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, result = ?, error = ?, error_kind = ?,
				duration_ms = ?, finished_at = ? WHERE id = ?`,
			out.Status, []byte(out.Result), out.Error, out.ErrorKind, duration, finished, id,
		)
		return err
	})
}

// TrimHistory deletes the oldest settled tasks until at most maxRows rows
// remain and returns the deleted ids. Queued and running tasks are never
// deleted, so the table can stay above maxRows while they are in flight.
func (s *SQLiteStore) TrimHistory(ctx context.Context, maxRows int) ([]string, error) {
	if maxRows <= 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks").Scan(&total); err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	excess := total - maxRows
	if excess <= 0 {
		return nil, nil
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM tasks WHERE status IN (?, ?) ORDER BY seq ASC LIMIT ?`,
		model.StatusCompleted, model.StatusFailed, excess,
	)
	if err != nil {
		return nil, fmt.Errorf("select settled tasks: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan task id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task ids: %w", err)
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id); err != nil {
			return nil, fmt.Errorf("delete task %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return ids, nil
}

// transition checks that the task may move to status and applies update in
// the same transaction.
func (s *SQLiteStore) transition(ctx context.Context, id, status string, update func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM tasks WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read task status: %w", err)
	}
	if !model.ValidTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	if err := update(tx); err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetTaskStats returns aggregate counts and the mean duration of completed
// tasks.
func (s *SQLiteStore) GetTaskStats(ctx context.Context) (*TaskStats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &TaskStats{}
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks").Scan(&stats.Total); err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}

	if stats.CountByStatus, err = countBy(ctx, tx, "status"); err != nil {
		return nil, err
	}
	if stats.CountByTaskType, err = countBy(ctx, tx, "task_type"); err != nil {
		return nil, err
	}
	if stats.CountByErrorKind, err = countBy(ctx, tx, "error_kind"); err != nil {
		return nil, err
	}
	delete(stats.CountByErrorKind, "")

	var avg sql.NullFloat64
	if err := tx.QueryRowContext(ctx,
		"SELECT AVG(duration_ms) FROM tasks WHERE status = ? AND duration_ms IS NOT NULL",
		model.StatusCompleted,
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	stats.AvgDurationMS = avg.Float64

	return stats, nil
}

// countBy groups tasks by column. column is always a package constant.
func countBy(ctx context.Context, tx *sql.Tx, column string) (map[string]int, error) {
	rows, err := tx.QueryContext(ctx, "SELECT "+column+", COUNT(*) FROM tasks GROUP BY "+column)
	if err != nil {
		return nil, fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, fmt.Errorf("scan %s count: %w", column, err)
		}
		counts[key] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s counts: %w", column, err)
	}
	return counts, nil
}
