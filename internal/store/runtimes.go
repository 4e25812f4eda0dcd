package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/RevCBH/switchyard/internal/model"
)

const runtimeColumns = `id, container_id, endpoint, host_name, max_slots, active_slots,
       lifecycle_state, state_changed_at, assigned_repository_ids_json,
       missed_heartbeats, last_heartbeat_at, idle_since, created_at,
       updated_at, version`

// CreateTaskRuntime inserts a new runtime record
func (s *SQLite) CreateTaskRuntime(ctx context.Context, rt *model.TaskRuntime) error {
	reposJSON, err := marshalJSON(rt.AssignedRepositoryIDs)
	if err != nil {
		return fmt.Errorf("failed to encode assigned repositories: %w", err)
	}

	query := `
		INSERT INTO task_runtimes (
			id, container_id, endpoint, host_name, max_slots, active_slots,
			lifecycle_state, state_changed_at, assigned_repository_ids_json,
			missed_heartbeats, last_heartbeat_at, idle_since, created_at,
			updated_at, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.conn.ExecContext(ctx, query,
		rt.ID,
		rt.ContainerID,
		rt.Endpoint,
		rt.HostName,
		rt.MaxSlots,
		rt.ActiveSlots,
		rt.LifecycleState,
		rt.StateChangedAt.UTC(),
		reposJSON,
		rt.MissedHeartbeats,
		utcOrNil(rt.LastHeartbeatAt),
		utcOrNil(rt.IdleSince),
		rt.CreatedAt.UTC(),
		rt.UpdatedAt.UTC(),
		rt.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to create task runtime: %w", err)
	}

	return nil
}

// GetTaskRuntime retrieves a runtime by ID.
// Returns nil, nil if it does not exist.
func (s *SQLite) GetTaskRuntime(ctx context.Context, id string) (*model.TaskRuntime, error) {
	query := `SELECT ` + runtimeColumns + ` FROM task_runtimes WHERE id = ?`

	rt, err := scanRuntime(s.conn.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task runtime: %w", err)
	}

	return rt, nil
}

// UpdateTaskRuntime writes the runtime back using its version for
// optimistic concurrency. On success Version is incremented in place.
// Returns model.ErrVersionConflict if the row changed since the read.
func (s *SQLite) UpdateTaskRuntime(ctx context.Context, rt *model.TaskRuntime) error {
	reposJSON, err := marshalJSON(rt.AssignedRepositoryIDs)
	if err != nil {
		return fmt.Errorf("failed to encode assigned repositories: %w", err)
	}

	query := `
		UPDATE task_runtimes SET
			container_id = ?, endpoint = ?, host_name = ?, max_slots = ?,
			active_slots = ?, lifecycle_state = ?, state_changed_at = ?,
			assigned_repository_ids_json = ?, missed_heartbeats = ?,
			last_heartbeat_at = ?, idle_since = ?, updated_at = ?,
			version = version + 1
		WHERE id = ? AND version = ?
	`

	result, err := s.conn.ExecContext(ctx, query,
		rt.ContainerID,
		rt.Endpoint,
		rt.HostName,
		rt.MaxSlots,
		rt.ActiveSlots,
		rt.LifecycleState,
		rt.StateChangedAt.UTC(),
		reposJSON,
		rt.MissedHeartbeats,
		utcOrNil(rt.LastHeartbeatAt),
		utcOrNil(rt.IdleSince),
		rt.UpdatedAt.UTC(),
		rt.ID,
		rt.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update task runtime: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		existing, getErr := s.GetTaskRuntime(ctx, rt.ID)
		if getErr != nil {
			return getErr
		}
		if existing == nil {
			return fmt.Errorf("task runtime not found: %s", rt.ID)
		}
		return fmt.Errorf("update task runtime %s: %w", rt.ID, model.ErrVersionConflict)
	}

	rt.Version++
	return nil
}

// ListTaskRuntimes returns all runtime records ordered by creation
func (s *SQLite) ListTaskRuntimes(ctx context.Context) ([]*model.TaskRuntime, error) {
	query := `SELECT ` + runtimeColumns + ` FROM task_runtimes ORDER BY created_at, id`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list task runtimes: %w", err)
	}
	defer rows.Close()

	var runtimes []*model.TaskRuntime
	for rows.Next() {
		rt, err := scanRuntime(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task runtime: %w", err)
		}
		runtimes = append(runtimes, rt)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task runtimes: %w", err)
	}

	return runtimes, nil
}

// DeleteTaskRuntime removes a runtime record
func (s *SQLite) DeleteTaskRuntime(ctx context.Context, id string) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM task_runtimes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task runtime: %w", err)
	}

	return nil
}

func scanRuntime(row rowScanner) (*model.TaskRuntime, error) {
	rt := &model.TaskRuntime{}
	var reposJSON string

	err := row.Scan(
		&rt.ID,
		&rt.ContainerID,
		&rt.Endpoint,
		&rt.HostName,
		&rt.MaxSlots,
		&rt.ActiveSlots,
		&rt.LifecycleState,
		&rt.StateChangedAt,
		&reposJSON,
		&rt.MissedHeartbeats,
		&rt.LastHeartbeatAt,
		&rt.IdleSince,
		&rt.CreatedAt,
		&rt.UpdatedAt,
		&rt.Version,
	)
	if err != nil {
		return nil, err
	}

	if err := unmarshalJSON(reposJSON, &rt.AssignedRepositoryIDs); err != nil {
		return nil, fmt.Errorf("failed to decode assigned repositories: %w", err)
	}

	return rt, nil
}
