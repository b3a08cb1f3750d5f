package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // 纯Go SQLite驱动

	"github.com/chhz0/actionq/types"
)

const taskColumns = `id, action, payload, status, retries, max_retry, next_retry, created_at, timeout, executor, error`

type SQLiteStorage struct {
	db *sql.DB
}

func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	// 时间字段以 unix 纳秒保存，0 表示零值
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			payload BLOB,
			status INTEGER NOT NULL,
			retries INTEGER DEFAULT 0,
			max_retry INTEGER DEFAULT 3,
			next_retry INTEGER DEFAULT 0,
			created_at INTEGER NOT NULL,
			timeout INTEGER,
			executor TEXT DEFAULT '',
			error TEXT DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_status ON tasks(status);
	`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) SaveTask(ctx context.Context, task *types.Task) error {
	if task.ID == "" {
		task.ID = generateID()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			action = excluded.action,
			payload = excluded.payload,
			status = excluded.status,
			retries = excluded.retries,
			max_retry = excluded.max_retry,
			next_retry = excluded.next_retry,
			timeout = excluded.timeout,
			executor = excluded.executor,
			error = excluded.error`,
		task.ID, task.Action, task.Payload, int(task.Status), task.Retries,
		task.MaxRetry, toNanos(task.NextRetry), toNanos(task.CreatedAt), int64(task.Timeout),
		task.Executor, task.Error,
	)
	return err
}

func (s *SQLiteStorage) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	return task, err
}

func (s *SQLiteStorage) GetPendingTasks(ctx context.Context, due time.Time, limit int) ([]*types.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+`
		FROM tasks
		WHERE status IN (?, ?) AND next_retry <= ?
		ORDER BY created_at ASC
		LIMIT ?`,
		int(types.StatusPending), int(types.StatusRetry), toNanos(due), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *SQLiteStorage) UpdateTaskStatus(ctx context.Context, taskID string, status types.TaskStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ? WHERE id = ?`,
		int(status), taskID,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*types.Task, error) {
	var (
		t                    types.Task
		status               int
		nextRetry, createdAt int64
		timeout              int64
	)
	err := row.Scan(
		&t.ID, &t.Action, &t.Payload, &status, &t.Retries,
		&t.MaxRetry, &nextRetry, &createdAt, &timeout,
		&t.Executor, &t.Error,
	)
	if err != nil {
		return nil, err
	}
	t.Status = types.TaskStatus(status)
	t.NextRetry = fromNanos(nextRetry)
	t.CreatedAt = fromNanos(createdAt)
	t.Timeout = time.Duration(timeout)
	return &t, nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
