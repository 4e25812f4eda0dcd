package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/RevCBH/switchyard/internal/model"
)

const runColumns = `id, task_id, repository_id, state, attempt, concurrency_key,
       execution_token, dispatched_to_runtime_id, retry_policy_json,
       sandbox_profile_json, timeout_json, summary, error, error_code,
       created_at, started_at, ended_at, last_heartbeat_at,
       cancel_requested_at, not_before, updated_at, version`

// CreateRun inserts a new run. The caller sets Version to 1.
func (s *SQLite) CreateRun(ctx context.Context, run *model.Run) error {
	retryJSON, err := marshalJSON(run.RetryPolicy)
	if err != nil {
		return fmt.Errorf("failed to encode retry policy: %w", err)
	}
	sandboxJSON, err := marshalJSON(run.SandboxProfile)
	if err != nil {
		return fmt.Errorf("failed to encode sandbox profile: %w", err)
	}
	timeoutJSON, err := marshalJSON(run.Timeout)
	if err != nil {
		return fmt.Errorf("failed to encode timeout: %w", err)
	}

	query := `
		INSERT INTO runs (
			id, task_id, repository_id, state, attempt, concurrency_key,
			execution_token, dispatched_to_runtime_id, retry_policy_json,
			sandbox_profile_json, timeout_json, summary, error, error_code,
			created_at, started_at, ended_at, last_heartbeat_at,
			cancel_requested_at, not_before, updated_at, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.conn.ExecContext(
		ctx, query,
		run.ID,
		run.TaskID,
		run.RepositoryID,
		run.State,
		run.Attempt,
		run.ConcurrencyKey,
		run.ExecutionToken,
		run.DispatchedToRuntimeID,
		retryJSON,
		sandboxJSON,
		timeoutJSON,
		run.Summary,
		run.Error,
		run.ErrorCode,
		run.CreatedAt.UTC(),
		utcOrNil(run.StartedAt),
		utcOrNil(run.EndedAt),
		utcOrNil(run.LastHeartbeatAt),
		utcOrNil(run.CancelRequestedAt),
		utcOrNil(run.NotBefore),
		run.UpdatedAt.UTC(),
		run.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

// GetRun retrieves a run by its ID.
// Returns nil, nil if the run does not exist.
func (s *SQLite) GetRun(ctx context.Context, id string) (*model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	run, err := scanRun(s.conn.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// UpdateRun writes the run back using its version for optimistic
// concurrency. On success the run's Version is incremented in place.
// Returns model.ErrVersionConflict if the row changed since the read.
func (s *SQLite) UpdateRun(ctx context.Context, run *model.Run) error {
	retryJSON, err := marshalJSON(run.RetryPolicy)
	if err != nil {
		return fmt.Errorf("failed to encode retry policy: %w", err)
	}
	sandboxJSON, err := marshalJSON(run.SandboxProfile)
	if err != nil {
		return fmt.Errorf("failed to encode sandbox profile: %w", err)
	}
	timeoutJSON, err := marshalJSON(run.Timeout)
	if err != nil {
		return fmt.Errorf("failed to encode timeout: %w", err)
	}

	query := `
		UPDATE runs SET
			state = ?, attempt = ?, concurrency_key = ?, execution_token = ?,
			dispatched_to_runtime_id = ?, retry_policy_json = ?,
			sandbox_profile_json = ?, timeout_json = ?, summary = ?,
			error = ?, error_code = ?, started_at = ?, ended_at = ?,
			last_heartbeat_at = ?, cancel_requested_at = ?, not_before = ?,
			updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`

	result, err := s.conn.ExecContext(
		ctx, query,
		run.State,
		run.Attempt,
		run.ConcurrencyKey,
		run.ExecutionToken,
		run.DispatchedToRuntimeID,
		retryJSON,
		sandboxJSON,
		timeoutJSON,
		run.Summary,
		run.Error,
		run.ErrorCode,
		utcOrNil(run.StartedAt),
		utcOrNil(run.EndedAt),
		utcOrNil(run.LastHeartbeatAt),
		utcOrNil(run.CancelRequestedAt),
		utcOrNil(run.NotBefore),
		run.UpdatedAt.UTC(),
		run.ID,
		run.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		existing, getErr := s.GetRun(ctx, run.ID)
		if getErr != nil {
			return getErr
		}
		if existing == nil {
			return fmt.Errorf("run not found: %s", run.ID)
		}
		return fmt.Errorf("update run %s: %w", run.ID, model.ErrVersionConflict)
	}

	run.Version++
	return nil
}

// ListRunsByState returns all runs in any of the given states,
// ordered by created_at then id for deterministic scheduling.
func (s *SQLite) ListRunsByState(ctx context.Context, states ...model.RunState) ([]*model.Run, error) {
	if len(states) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?, ", len(states)-1) + "?"
	query := `SELECT ` + runColumns + ` FROM runs WHERE state IN (` + placeholders + `) ORDER BY created_at, id`

	args := make([]any, len(states))
	for i, state := range states {
		args[i] = state
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs by state: %w", err)
	}
	defer rows.Close()

	return collectRuns(rows)
}

// ListRuns returns runs matching the filter, newest first
func (s *SQLite) ListRuns(ctx context.Context, filter RunFilter) ([]*model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var conds []string
	var args []any

	if filter.TaskID != "" {
		conds = append(conds, "task_id = ?")
		args = append(args, filter.TaskID)
	}
	if filter.RepositoryID != "" {
		conds = append(conds, "repository_id = ?")
		args = append(args, filter.RepositoryID)
	}
	if len(filter.States) > 0 {
		placeholders := strings.Repeat("?, ", len(filter.States)-1) + "?"
		conds = append(conds, "state IN ("+placeholders+")")
		for _, state := range filter.States {
			args = append(args, state)
		}
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	return collectRuns(rows)
}

// DeleteTerminalRunsBefore removes terminal runs that ended before the
// cutoff. Returns the number of deleted runs.
func (s *SQLite) DeleteTerminalRunsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	query := `
		DELETE FROM runs
		WHERE state IN (?, ?, ?, ?) AND ended_at IS NOT NULL AND ended_at < ?
	`

	result, err := s.conn.ExecContext(ctx, query,
		model.RunSucceeded, model.RunFailed, model.RunCancelled, model.RunObsolete,
		cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old runs: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return int(deleted), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*model.Run, error) {
	run := &model.Run{}
	var retryJSON, sandboxJSON, timeoutJSON string

	err := row.Scan(
		&run.ID,
		&run.TaskID,
		&run.RepositoryID,
		&run.State,
		&run.Attempt,
		&run.ConcurrencyKey,
		&run.ExecutionToken,
		&run.DispatchedToRuntimeID,
		&retryJSON,
		&sandboxJSON,
		&timeoutJSON,
		&run.Summary,
		&run.Error,
		&run.ErrorCode,
		&run.CreatedAt,
		&run.StartedAt,
		&run.EndedAt,
		&run.LastHeartbeatAt,
		&run.CancelRequestedAt,
		&run.NotBefore,
		&run.UpdatedAt,
		&run.Version,
	)
	if err != nil {
		return nil, err
	}

	if err := unmarshalJSON(retryJSON, &run.RetryPolicy); err != nil {
		return nil, fmt.Errorf("failed to decode retry policy: %w", err)
	}
	if err := unmarshalJSON(sandboxJSON, &run.SandboxProfile); err != nil {
		return nil, fmt.Errorf("failed to decode sandbox profile: %w", err)
	}
	if err := unmarshalJSON(timeoutJSON, &run.Timeout); err != nil {
		return nil, fmt.Errorf("failed to decode timeout: %w", err)
	}

	return run, nil
}

func collectRuns(rows *sql.Rows) ([]*model.Run, error) {
	var runs []*model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}
