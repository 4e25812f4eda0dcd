package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/RevCBH/switchyard/internal/model"
)

const eventColumns = `delivery_id, run_id, task_id, execution_token, sequence, category,
       schema_version, payload_json, binary_payload, content_type,
       command_id, artifact_id, chunk_index, is_last_chunk, created_at`

// AppendEvent persists one event. DeliveryID is assigned by the bus
// before the call; the UNIQUE(run_id, sequence) constraint rejects
// duplicate sequences.
func (s *SQLite) AppendEvent(ctx context.Context, event *model.RunEvent) error {
	query := `
		INSERT INTO run_events (
			delivery_id, run_id, task_id, execution_token, sequence, category,
			schema_version, payload_json, binary_payload, content_type,
			command_id, artifact_id, chunk_index, is_last_chunk, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.conn.ExecContext(ctx, query,
		event.DeliveryID,
		event.RunID,
		event.TaskID,
		event.ExecutionToken,
		event.Sequence,
		event.Category,
		event.SchemaVersion,
		event.PayloadJSON,
		event.BinaryPayload,
		event.ContentType,
		event.CommandID,
		event.ArtifactID,
		event.ChunkIndex,
		event.IsLastChunk,
		event.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}

// MaxDeliveryID returns the highest persisted delivery id, or 0 when
// the log is empty. The bus seeds its counter from this at startup.
func (s *SQLite) MaxDeliveryID(ctx context.Context) (int64, error) {
	var max sql.NullInt64
	err := s.conn.QueryRowContext(ctx, `SELECT MAX(delivery_id) FROM run_events`).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("failed to read max delivery id: %w", err)
	}
	return max.Int64, nil
}

// MaxSequenceForRun returns the highest persisted sequence for a run,
// or 0 when the run has no events
func (s *SQLite) MaxSequenceForRun(ctx context.Context, runID string) (int64, error) {
	var max sql.NullInt64
	err := s.conn.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM run_events WHERE run_id = ?`, runID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("failed to read max sequence: %w", err)
	}
	return max.Int64, nil
}

// ReadEventsAfter returns up to limit events with delivery_id greater
// than afterDeliveryID, in delivery order
func (s *SQLite) ReadEventsAfter(ctx context.Context, afterDeliveryID int64, limit int) ([]*model.RunEvent, error) {
	query := `SELECT ` + eventColumns + `
		FROM run_events
		WHERE delivery_id > ?
		ORDER BY delivery_id
		LIMIT ?`

	rows, err := s.conn.QueryContext(ctx, query, afterDeliveryID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	defer rows.Close()

	var events []*model.RunEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// DeleteEventsBefore removes events created before the cutoff.
// Returns the number of deleted events.
func (s *SQLite) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.conn.ExecContext(ctx,
		`DELETE FROM run_events WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old events: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return int(deleted), nil
}

func scanEvent(row rowScanner) (*model.RunEvent, error) {
	event := &model.RunEvent{}

	err := row.Scan(
		&event.DeliveryID,
		&event.RunID,
		&event.TaskID,
		&event.ExecutionToken,
		&event.Sequence,
		&event.Category,
		&event.SchemaVersion,
		&event.PayloadJSON,
		&event.BinaryPayload,
		&event.ContentType,
		&event.CommandID,
		&event.ArtifactID,
		&event.ChunkIndex,
		&event.IsLastChunk,
		&event.Timestamp,
	)
	if err != nil {
		return nil, err
	}

	return event, nil
}
