package schedule

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is the current schema version. Bump this when the schema
// changes; stale databases must be cleared rather than silently migrated.
const schemaVersion = 1

// ErrSchemaMismatch indicates the database schema version doesn't match the
// expected version.
var ErrSchemaMismatch = errors.New("schema version mismatch")

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// Store persists scheduled tasks in SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the schedule database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Add persists a task and returns it with its assigned id.
func (s *Store) Add(ctx context.Context, task Task) (*Task, error) {
	if strings.TrimSpace(task.SourceURL) == "" {
		return nil, errors.New("source url required")
	}
	if task.ExecuteAt.IsZero() {
		return nil, errors.New("execute_at required")
	}

	items, err := marshalItems(task.PlaylistItems)
	if err != nil {
		return nil, fmt.Errorf("marshal playlist items: %w", err)
	}
	now := time.Now().UTC()

	res, err := s.execWithRetry(ctx,
		`INSERT INTO scheduled_tasks (user_id, source_url, execute_at, format_selector, playlist_items, created_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		task.UserID,
		task.SourceURL,
		task.ExecuteAt.UTC().Format(time.RFC3339Nano),
		nullableString(task.FormatSelector),
		items,
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}

	stored := task
	stored.ID = id
	stored.CreatedAt = now
	return &stored, nil
}

// DueBefore returns all tasks with execute_at at or before the cutoff,
// oldest first.
func (s *Store) DueBefore(ctx context.Context, cutoff time.Time) ([]Task, error) {
	return s.queryTasks(ctx,
		taskSelect+" WHERE execute_at <= ? ORDER BY execute_at ASC",
		cutoff.UTC().Format(time.RFC3339Nano),
	)
}

// List returns all stored tasks ordered by execution time.
func (s *Store) List(ctx context.Context) ([]Task, error) {
	return s.queryTasks(ctx, taskSelect+" ORDER BY execute_at ASC")
}

// Delete removes a task by id and reports whether a row was deleted. The
// poller uses this as its at-most-once claim: only the cycle that actually
// deleted the row may execute the task.
func (s *Store) Delete(ctx context.Context, id int64) (bool, error) {
	res, err := s.execWithRetry(ctx, "DELETE FROM scheduled_tasks WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("delete task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// DeleteByUser removes all of a user's tasks and returns the count removed.
func (s *Store) DeleteByUser(ctx context.Context, userID int64) (int64, error) {
	res, err := s.execWithRetry(ctx, "DELETE FROM scheduled_tasks WHERE user_id = ?", userID)
	if err != nil {
		return 0, fmt.Errorf("delete tasks by user: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return affected, nil
}

const taskSelect = "SELECT id, user_id, source_url, execute_at, format_selector, playlist_items, created_at FROM scheduled_tasks"

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]Task, error) {
	ctx = ensureContext(ctx)
	var tasks []Task
	err := retryOnBusy(ctx, func() error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		tasks = tasks[:0]
		for rows.Next() {
			task, err := scanTask(rows)
			if err != nil {
				return err
			}
			tasks = append(tasks, *task)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	return tasks, nil
}

func scanTask(scanner interface{ Scan(dest ...any) error }) (*Task, error) {
	var (
		id         int64
		userID     int64
		sourceURL  string
		executeRaw string
		selector   sql.NullString
		itemsRaw   sql.NullString
		createdRaw string
	)
	if err := scanner.Scan(&id, &userID, &sourceURL, &executeRaw, &selector, &itemsRaw, &createdRaw); err != nil {
		return nil, err
	}

	executeAt, err := time.Parse(time.RFC3339Nano, executeRaw)
	if err != nil {
		return nil, fmt.Errorf("parse execute_at: %w", err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, createdRaw)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}

	task := &Task{
		ID:             id,
		UserID:         userID,
		SourceURL:      sourceURL,
		ExecuteAt:      executeAt,
		FormatSelector: selector.String,
		CreatedAt:      createdAt,
	}
	if itemsRaw.Valid && itemsRaw.String != "" {
		if err := json.Unmarshal([]byte(itemsRaw.String), &task.PlaylistItems); err != nil {
			return nil, fmt.Errorf("parse playlist items: %w", err)
		}
	}
	return task, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}

	if tableExists == 0 {
		return s.createSchema(ctx)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d (delete %s to reset)",
			ErrSchemaMismatch, version, schemaVersion, s.path)
	}
	return nil
}

func (s *Store) createSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}

func (s *Store) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ctx = ensureContext(ctx)
	var (
		res     sql.Result
		execErr error
	)
	if err := retryOnBusy(ctx, func() error {
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, err
	}
	return res, nil
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func marshalItems(items []int) (any, error) {
	if len(items) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func nullableString(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}
