// Package store persists runs, tasks, runtimes, and events in SQLite.
// Run and runtime writes use a version counter for optimistic
// concurrency; a stale write returns model.ErrVersionConflict.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/RevCBH/switchyard/internal/model"
)

// RunFilter narrows ListRuns
type RunFilter struct {
	TaskID       string
	RepositoryID string
	States       []model.RunState
	Limit        int
}

// Store is the persistence surface the control plane consumes
type Store interface {
	CreateRepository(ctx context.Context, repo *model.Repository) error
	GetRepository(ctx context.Context, id string) (*model.Repository, error)
	ListRepositories(ctx context.Context) ([]*model.Repository, error)

	CreateTask(ctx context.Context, task *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasks(ctx context.Context) ([]*model.Task, error)
	UpdateTask(ctx context.Context, task *model.Task) error

	CreateRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	UpdateRun(ctx context.Context, run *model.Run) error
	ListRunsByState(ctx context.Context, states ...model.RunState) ([]*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*model.Run, error)
	DeleteTerminalRunsBefore(ctx context.Context, cutoff time.Time) (int, error)

	CreateTaskRuntime(ctx context.Context, rt *model.TaskRuntime) error
	GetTaskRuntime(ctx context.Context, id string) (*model.TaskRuntime, error)
	UpdateTaskRuntime(ctx context.Context, rt *model.TaskRuntime) error
	ListTaskRuntimes(ctx context.Context) ([]*model.TaskRuntime, error)
	DeleteTaskRuntime(ctx context.Context, id string) error

	AppendEvent(ctx context.Context, event *model.RunEvent) error
	MaxDeliveryID(ctx context.Context) (int64, error)
	MaxSequenceForRun(ctx context.Context, runID string) (int64, error)
	ReadEventsAfter(ctx context.Context, afterDeliveryID int64, limit int) ([]*model.RunEvent, error)
	DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int, error)

	Close() error
}

// SQLite wraps the SQLite connection with control-plane operations
type SQLite struct {
	conn *sql.DB
}

var _ Store = (*SQLite)(nil)

// Open creates or opens a SQLite database at the given path.
// It enables WAL mode, foreign keys, and runs migrations.
func Open(path string) (*SQLite, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Writers from multiple loops share this connection pool
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	s := &SQLite{conn: conn}

	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// Close closes the database connection
func (s *SQLite) Close() error {
	return s.conn.Close()
}

// migrate creates or updates the database schema
func (s *SQLite) migrate() error {
	schema := `
-- Repositories: unit of workspace affinity and per-repo limits
CREATE TABLE IF NOT EXISTS repositories (
    id              TEXT PRIMARY KEY,
    project_id      TEXT NOT NULL,
    name            TEXT NOT NULL,
    clone_url       TEXT NOT NULL,
    default_branch  TEXT NOT NULL,
    workspace_path  TEXT,
    created_at      DATETIME NOT NULL,
    updated_at      DATETIME NOT NULL
);

-- Tasks: named agent work bound to a repository
CREATE TABLE IF NOT EXISTS tasks (
    id                      TEXT PRIMARY KEY,
    repository_id           TEXT NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
    name                    TEXT NOT NULL,
    enabled                 INTEGER NOT NULL DEFAULT 1,
    harness_name            TEXT NOT NULL,
    image_tag               TEXT,
    instruction             TEXT,
    working_directory       TEXT,
    env_json                TEXT,
    custom_args_json        TEXT,
    artifact_patterns_json  TEXT,
    concurrency_key         TEXT,
    concurrency_limit       INTEGER,
    retry_policy_json       TEXT NOT NULL,
    sandbox_profile_json    TEXT NOT NULL,
    timeout_json            TEXT NOT NULL,
    artifact_policy_json    TEXT NOT NULL,
    approval_profile_json   TEXT,
    cron_expression         TEXT,
    created_at              DATETIME NOT NULL,
    updated_at              DATETIME NOT NULL
);

-- Runs: one execution attempt of a task
CREATE TABLE IF NOT EXISTS runs (
    id                        TEXT PRIMARY KEY,
    task_id                   TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
    repository_id             TEXT NOT NULL,
    state                     TEXT NOT NULL,
    attempt                   INTEGER NOT NULL,
    concurrency_key           TEXT,
    execution_token           TEXT,
    dispatched_to_runtime_id  TEXT,
    retry_policy_json         TEXT NOT NULL,
    sandbox_profile_json      TEXT NOT NULL,
    timeout_json              TEXT NOT NULL,
    summary                   TEXT,
    error                     TEXT,
    error_code                TEXT,
    created_at                DATETIME NOT NULL,
    started_at                DATETIME,
    ended_at                  DATETIME,
    last_heartbeat_at         DATETIME,
    cancel_requested_at       DATETIME,
    not_before                DATETIME,
    updated_at                DATETIME NOT NULL,
    version                   INTEGER NOT NULL DEFAULT 1
);

-- Task runtimes: durable record of pool workers for restart reconcile
CREATE TABLE IF NOT EXISTS task_runtimes (
    id                            TEXT PRIMARY KEY,
    container_id                  TEXT,
    endpoint                      TEXT,
    host_name                     TEXT,
    max_slots                     INTEGER NOT NULL,
    active_slots                  INTEGER NOT NULL DEFAULT 0,
    lifecycle_state               TEXT NOT NULL,
    state_changed_at              DATETIME NOT NULL,
    assigned_repository_ids_json  TEXT,
    missed_heartbeats             INTEGER NOT NULL DEFAULT 0,
    last_heartbeat_at             DATETIME,
    idle_since                    DATETIME,
    created_at                    DATETIME NOT NULL,
    updated_at                    DATETIME NOT NULL,
    version                       INTEGER NOT NULL DEFAULT 1
);

-- Run events: durable backlog for replay
CREATE TABLE IF NOT EXISTS run_events (
    delivery_id      INTEGER PRIMARY KEY,
    run_id           TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    task_id          TEXT,
    execution_token  TEXT,
    sequence         INTEGER NOT NULL,
    category         TEXT NOT NULL,
    schema_version   TEXT,
    payload_json     TEXT,
    binary_payload   BLOB,
    content_type     TEXT,
    command_id       TEXT,
    artifact_id      TEXT,
    chunk_index      INTEGER,
    is_last_chunk    INTEGER NOT NULL DEFAULT 0,
    created_at       DATETIME NOT NULL,
    UNIQUE(run_id, sequence)
);

-- Indexes for common queries
CREATE INDEX IF NOT EXISTS idx_tasks_repository ON tasks(repository_id);
CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state);
CREATE INDEX IF NOT EXISTS idx_runs_task ON runs(task_id);
CREATE INDEX IF NOT EXISTS idx_runs_repo_state ON runs(repository_id, state);
CREATE INDEX IF NOT EXISTS idx_task_runtimes_state ON task_runtimes(lifecycle_state);
CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events(run_id, sequence);
`

	_, err := s.conn.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	return nil
}

// utcOrNil normalizes optional timestamps to UTC before writing
func utcOrNil(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
