package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/models"
)

// Store is the durable sync state store. It owns the task_states,
// project_states, and resolver_cache tables and exposes per-key atomic
// read-modify-write operations.
type Store struct {
	db        *sql.DB
	namespace string
	postgres  bool
}

// Open opens the store. DSNs beginning with "postgres://" or
// "postgresql://" use PostgreSQL; anything else is treated as a SQLite
// path (an optional "file:" prefix is accepted).
func Open(dsn, namespace string) (*Store, error) {
	if namespace == "" {
		return nil, fmt.Errorf("store: namespace must not be empty")
	}

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		s := &Store{db: db, namespace: namespace, postgres: true}
		if _, err := db.Exec(postgresSchema); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
		return s, nil
	}

	path := strings.TrimPrefix(dsn, "file:")
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	db.Exec("PRAGMA synchronous=NORMAL")

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db, namespace: namespace}, nil
}

// NewWithDB wraps an already-open database. Used by tests.
func NewWithDB(db *sql.DB, namespace string, postgres bool) (*Store, error) {
	schema := sqliteSchema
	if postgres {
		schema = postgresSchema
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db, namespace: namespace, postgres: postgres}, nil
}

// DB exposes the underlying handle so the queue can share it.
func (s *Store) DB() *sql.DB { return s.db }

// Namespace returns the configured state namespace.
func (s *Store) Namespace() string { return s.namespace }

// Postgres reports whether the backend is PostgreSQL.
func (s *Store) Postgres() bool { return s.postgres }

// Close closes the database.
func (s *Store) Close() error {
	if !s.postgres {
		s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	}
	return s.db.Close()
}

// rebind rewrites "?" placeholders to "$n" for PostgreSQL.
func (s *Store) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// GetTaskState returns the sync state for a task, or nil when none exists.
func (s *Store) GetTaskState(ctx context.Context, taskID string) (*models.TaskSyncState, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT todoist_task_id, notion_page_id, payload_hash, echo_hash,
		       sync_status, sync_source, last_synced_at, error_note
		FROM task_states WHERE namespace = ? AND todoist_task_id = ?`),
		s.namespace, taskID)
	return scanTaskState(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTaskState(row rowScanner) (*models.TaskSyncState, error) {
	var st models.TaskSyncState
	var status, source, lastSynced string
	err := row.Scan(&st.TodoistTaskID, &st.NotionPageID, &st.PayloadHash, &st.EchoHash,
		&status, &source, &lastSynced, &st.ErrorNote)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan task state: %w", err)
	}
	st.SyncStatus = models.SyncStatus(status)
	st.SyncSource = models.SyncSource(source)
	st.LastSyncedAt = parseTime(lastSynced)
	return &st, nil
}

// UpdateTaskState applies mutate to the current state (a zero-value state
// with the task id set when none exists) inside a transaction. A mutator
// error rolls back and leaves the previous state unchanged.
func (s *Store) UpdateTaskState(ctx context.Context, taskID string, mutate func(*models.TaskSyncState) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, s.rebind(`
		SELECT todoist_task_id, notion_page_id, payload_hash, echo_hash,
		       sync_status, sync_source, last_synced_at, error_note
		FROM task_states WHERE namespace = ? AND todoist_task_id = ?`),
		s.namespace, taskID)
	st, err := scanTaskState(row)
	if err != nil {
		return err
	}
	if st == nil {
		st = &models.TaskSyncState{TodoistTaskID: taskID, SyncStatus: models.StatusOK}
	}

	if err := mutate(st); err != nil {
		return err
	}
	st.TodoistTaskID = taskID

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO task_states
			(namespace, todoist_task_id, notion_page_id, payload_hash, echo_hash,
			 sync_status, sync_source, last_synced_at, error_note)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (namespace, todoist_task_id) DO UPDATE SET
			notion_page_id = excluded.notion_page_id,
			payload_hash   = excluded.payload_hash,
			echo_hash      = excluded.echo_hash,
			sync_status    = excluded.sync_status,
			sync_source    = excluded.sync_source,
			last_synced_at = excluded.last_synced_at,
			error_note     = excluded.error_note`),
		s.namespace, taskID, st.NotionPageID, st.PayloadHash, st.EchoHash,
		string(st.SyncStatus), string(st.SyncSource), formatTime(st.LastSyncedAt), st.ErrorNote)
	if err != nil {
		return fmt.Errorf("upsert task state %s: %w", taskID, err)
	}
	return tx.Commit()
}

// ListTaskStates returns task states, filtered by status when status is
// non-empty.
func (s *Store) ListTaskStates(ctx context.Context, status models.SyncStatus) ([]models.TaskSyncState, error) {
	query := `
		SELECT todoist_task_id, notion_page_id, payload_hash, echo_hash,
		       sync_status, sync_source, last_synced_at, error_note
		FROM task_states WHERE namespace = ?`
	args := []any{s.namespace}
	if status != "" {
		query += ` AND sync_status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY todoist_task_id`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list task states: %w", err)
	}
	defer rows.Close()

	var out []models.TaskSyncState
	for rows.Next() {
		st, err := scanTaskState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

// GetProjectState returns the sync state for a project, or nil.
func (s *Store) GetProjectState(ctx context.Context, projectID string) (*models.ProjectSyncState, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT todoist_project_id, notion_page_id, created_at, name_last_written,
		       echo_hash, areas_frozen_at, last_synced_at
		FROM project_states WHERE namespace = ? AND todoist_project_id = ?`),
		s.namespace, projectID)
	return scanProjectState(row)
}

func scanProjectState(row rowScanner) (*models.ProjectSyncState, error) {
	var st models.ProjectSyncState
	var created, frozen, lastSynced string
	err := row.Scan(&st.TodoistProjectID, &st.NotionPageID, &created, &st.NameLastWritten,
		&st.EchoHash, &frozen, &lastSynced)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan project state: %w", err)
	}
	st.CreatedAt = parseTime(created)
	st.AreasFrozenAt = parseTime(frozen)
	st.LastSyncedAt = parseTime(lastSynced)
	return &st, nil
}

// UpdateProjectState applies mutate to the current project state inside a
// transaction, creating the row on first write.
func (s *Store) UpdateProjectState(ctx context.Context, projectID string, mutate func(*models.ProjectSyncState) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, s.rebind(`
		SELECT todoist_project_id, notion_page_id, created_at, name_last_written,
		       echo_hash, areas_frozen_at, last_synced_at
		FROM project_states WHERE namespace = ? AND todoist_project_id = ?`),
		s.namespace, projectID)
	st, err := scanProjectState(row)
	if err != nil {
		return err
	}
	if st == nil {
		st = &models.ProjectSyncState{TodoistProjectID: projectID}
	}

	if err := mutate(st); err != nil {
		return err
	}
	st.TodoistProjectID = projectID

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO project_states
			(namespace, todoist_project_id, notion_page_id, created_at,
			 name_last_written, echo_hash, areas_frozen_at, last_synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (namespace, todoist_project_id) DO UPDATE SET
			notion_page_id    = excluded.notion_page_id,
			created_at        = excluded.created_at,
			name_last_written = excluded.name_last_written,
			echo_hash         = excluded.echo_hash,
			areas_frozen_at   = excluded.areas_frozen_at,
			last_synced_at    = excluded.last_synced_at`),
		s.namespace, projectID, st.NotionPageID, formatTime(st.CreatedAt),
		st.NameLastWritten, st.EchoHash, formatTime(st.AreasFrozenAt), formatTime(st.LastSyncedAt))
	if err != nil {
		return fmt.Errorf("upsert project state %s: %w", projectID, err)
	}
	return tx.Commit()
}

// ListProjectStates returns all known project states.
func (s *Store) ListProjectStates(ctx context.Context) ([]models.ProjectSyncState, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT todoist_project_id, notion_page_id, created_at, name_last_written,
		       echo_hash, areas_frozen_at, last_synced_at
		FROM project_states WHERE namespace = ? ORDER BY todoist_project_id`),
		s.namespace)
	if err != nil {
		return nil, fmt.Errorf("list project states: %w", err)
	}
	defer rows.Close()

	var out []models.ProjectSyncState
	for rows.Next() {
		st, err := scanProjectState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

// GetCache reads a resolver cache entry.
func (s *Store) GetCache(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT value FROM resolver_cache WHERE namespace = ? AND cache_key = ?`),
		s.namespace, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get cache %s: %w", key, err)
	}
	return value, true, nil
}

// PutCacheIfAbsent stores a resolver cache entry unless one already exists,
// returning the winning value. The insert-or-keep is a single statement so
// concurrent peers converge on one resolution.
func (s *Store) PutCacheIfAbsent(ctx context.Context, key, value string) (string, error) {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO resolver_cache (namespace, cache_key, value, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (namespace, cache_key) DO NOTHING`),
		s.namespace, key, value, formatTime(time.Now()))
	if err != nil {
		return "", fmt.Errorf("put cache %s: %w", key, err)
	}
	winner, ok, err := s.GetCache(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return value, nil
	}
	return winner, nil
}

// DeleteCache removes a resolver cache entry. Used when a cached
// resolution is observed to conflict.
func (s *Store) DeleteCache(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM resolver_cache WHERE namespace = ? AND cache_key = ?`),
		s.namespace, key)
	if err != nil {
		return fmt.Errorf("delete cache %s: %w", key, err)
	}
	return nil
}
