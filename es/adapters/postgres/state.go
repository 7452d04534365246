package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/keyfold/keysourcing/es"
	"github.com/keyfold/keysourcing/es/store"
)

// GetCurrentState implements store.StateTracker.
func (s *Store) GetCurrentState(ctx context.Context, projectionName string) (*store.ProjectionState, error) {
	query := fmt.Sprintf(`
		SELECT
			projection_name, position, position_offset, updated_at,
			event_timestamp, instance_id, aggregate_type, aggregate_id, sequence
		FROM %s
		WHERE projection_name = $1
	`, s.config.StatesTable)

	var state store.ProjectionState
	var eventTimestamp sql.NullTime
	var instanceID, aggregateType, aggregateID sql.NullString
	var sequence sql.NullInt64

	err := s.db.QueryRowContext(ctx, query, projectionName).Scan(
		&state.ProjectionName,
		&state.Position,
		&state.PositionOffset,
		&state.UpdatedAt,
		&eventTimestamp,
		&instanceID,
		&aggregateType,
		&aggregateID,
		&sequence,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read projection state: %w", err)
	}

	state.EventTimestamp = eventTimestamp.Time
	state.InstanceID = instanceID.String
	state.AggregateType = aggregateType.String
	state.AggregateID = aggregateID.String
	state.Sequence = sequence.Int64

	return &state, nil
}

// SetCurrentPosition implements store.StateTracker.
// Absent enhanced fields are passed as NULL and merged with
// COALESCE(EXCLUDED, existing), so a position-only update never erases
// previously recorded dedup fields.
func (s *Store) SetCurrentPosition(ctx context.Context, projectionName string, update store.PositionUpdate) error {
	query := fmt.Sprintf(`
		INSERT INTO %[1]s (
			projection_name, position, position_offset, updated_at,
			event_timestamp, instance_id, aggregate_type, aggregate_id, sequence
		) VALUES ($1, $2, $3, NOW(), $4, $5, $6, $7, $8)
		ON CONFLICT (projection_name)
		DO UPDATE SET
			position = EXCLUDED.position,
			position_offset = EXCLUDED.position_offset,
			updated_at = EXCLUDED.updated_at,
			event_timestamp = COALESCE(EXCLUDED.event_timestamp, %[1]s.event_timestamp),
			instance_id = COALESCE(EXCLUDED.instance_id, %[1]s.instance_id),
			aggregate_type = COALESCE(EXCLUDED.aggregate_type, %[1]s.aggregate_type),
			aggregate_id = COALESCE(EXCLUDED.aggregate_id, %[1]s.aggregate_id),
			sequence = COALESCE(EXCLUDED.sequence, %[1]s.sequence)
	`, s.config.StatesTable)

	_, err := s.db.ExecContext(ctx, query,
		projectionName,
		update.Position,
		update.PositionOffset,
		nullableTime(update.EventTimestamp),
		nullableString(update.InstanceID),
		nullableString(update.AggregateType),
		nullableString(update.AggregateID),
		nullableInt(update.Sequence),
	)
	if err != nil {
		return fmt.Errorf("failed to set projection position: %w", err)
	}
	return nil
}

// Record implements store.FailedEventStore.
func (s *Store) Record(ctx context.Context, projectionName string, event es.Event, reduceErr error) error {
	query := fmt.Sprintf(`
		INSERT INTO %[1]s (
			projection_name, position, in_tx_order,
			aggregate_type, aggregate_id, sequence,
			error, failed_at, retry_count
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), 1)
		ON CONFLICT (projection_name, position, in_tx_order)
		DO UPDATE SET
			error = EXCLUDED.error,
			failed_at = EXCLUDED.failed_at,
			retry_count = %[1]s.retry_count + 1
	`, s.config.FailedEventsTable)

	_, err := s.db.ExecContext(ctx, query,
		projectionName,
		event.Position,
		event.InTxOrder,
		event.AggregateType,
		event.AggregateID,
		event.Sequence,
		reduceErr.Error(),
	)
	if err != nil {
		return fmt.Errorf("failed to record failed event: %w", err)
	}
	return nil
}

// List implements store.FailedEventStore.
func (s *Store) List(ctx context.Context, projectionName string) ([]store.FailedEvent, error) {
	query := fmt.Sprintf(`
		SELECT
			projection_name, position, in_tx_order,
			aggregate_type, aggregate_id, sequence,
			error, failed_at, retry_count
		FROM %s
		WHERE projection_name = $1
		ORDER BY position ASC, in_tx_order ASC
	`, s.config.FailedEventsTable)

	rows, err := s.db.QueryContext(ctx, query, projectionName)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed events: %w", err)
	}
	defer rows.Close()

	var failed []store.FailedEvent
	for rows.Next() {
		var f store.FailedEvent
		err := rows.Scan(
			&f.ProjectionName,
			&f.Position,
			&f.InTxOrder,
			&f.AggregateType,
			&f.AggregateID,
			&f.Sequence,
			&f.Error,
			&f.FailedAt,
			&f.RetryCount,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan failed event: %w", err)
		}
		failed = append(failed, f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return failed, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(i int64) interface{} {
	if i == 0 {
		return nil
	}
	return i
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
