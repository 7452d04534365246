// Package sqlite provides a SQLite adapter for the event log and
// projection state stores. It uses the cgo-free modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/keyfold/keysourcing/es"
	"github.com/keyfold/keysourcing/es/store"
)

const (
	// sqliteDateTimeFormat is the format used for timestamp storage/parsing in SQLite
	sqliteDateTimeFormat = "2006-01-02 15:04:05.999999"
)

// StoreConfig contains configuration for the SQLite stores.
// Configuration is immutable after construction.
type StoreConfig struct {
	// Logger is an optional logger for observability.
	// If nil, logging is disabled (zero overhead).
	Logger es.Logger

	// EventsTable is the name of the events table
	EventsTable string

	// LogHeadsTable is the name of the global position counter table
	LogHeadsTable string

	// AggregateHeadsTable is the name of the aggregate sequence tracking table
	AggregateHeadsTable string

	// StatesTable is the name of the projection states table
	StatesTable string

	// LocksTable is the name of the projection locks table
	LocksTable string

	// FailedEventsTable is the name of the projection failed events table
	FailedEventsTable string
}

// DefaultStoreConfig returns the default configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		EventsTable:         "events",
		LogHeadsTable:       "log_heads",
		AggregateHeadsTable: "aggregate_heads",
		StatesTable:         "projection_states",
		LocksTable:          "projection_locks",
		FailedEventsTable:   "projection_failed_events",
	}
}

// StoreOption is a functional option for configuring a Store.
type StoreOption func(*StoreConfig)

// WithLogger sets a logger for the store.
func WithLogger(logger es.Logger) StoreOption {
	return func(c *StoreConfig) {
		c.Logger = logger
	}
}

// WithEventsTable sets a custom events table name.
func WithEventsTable(tableName string) StoreOption {
	return func(c *StoreConfig) {
		c.EventsTable = tableName
	}
}

// WithTablePrefix prefixes every table name, for sharing one database
// between test runs or deployments.
func WithTablePrefix(prefix string) StoreOption {
	return func(c *StoreConfig) {
		c.EventsTable = prefix + c.EventsTable
		c.LogHeadsTable = prefix + c.LogHeadsTable
		c.AggregateHeadsTable = prefix + c.AggregateHeadsTable
		c.StatesTable = prefix + c.StatesTable
		c.LocksTable = prefix + c.LocksTable
		c.FailedEventsTable = prefix + c.FailedEventsTable
	}
}

// NewStoreConfig creates a new store configuration with functional options.
func NewStoreConfig(opts ...StoreOption) StoreConfig {
	config := DefaultStoreConfig()
	for _, opt := range opts {
		opt(&config)
	}
	return config
}

// Store is a SQLite-backed implementation of the event log and all
// projection support stores.
type Store struct {
	db     *sql.DB
	config StoreConfig
}

var (
	_ store.EventStore       = (*Store)(nil)
	_ store.StateTracker     = (*Store)(nil)
	_ store.Locker           = (*Store)(nil)
	_ store.FailedEventStore = (*Store)(nil)
)

// NewStore creates a new SQLite store on the given database handle.
func NewStore(db *sql.DB, config StoreConfig) *Store {
	return &Store{db: db, config: config}
}

// Push implements store.EventStore.
func (s *Store) Push(ctx context.Context, cmd es.Command) (es.Event, error) {
	events, err := s.PushMany(ctx, []es.Command{cmd})
	if err != nil {
		return es.Event{}, err
	}
	return events[0], nil
}

// PushMany implements store.EventStore.
// The whole batch commits atomically: one position is claimed from the
// global log head inside the transaction, all events share it, and
// in_tx_order preserves the batch order. Per-aggregate sequences are
// assigned from the aggregate_heads table; the unique constraint on
// (instance, aggregate type, aggregate id, sequence) is the safety net if
// another transaction commits between the head read and the insert.
func (s *Store) PushMany(ctx context.Context, cmds []es.Command) ([]es.Event, error) {
	if len(cmds) == 0 {
		return nil, store.ErrNoCommands
	}

	for i := range cmds {
		if err := cmds[i].Validate(); err != nil {
			return nil, err
		}
		if cmds[i].InstanceID != cmds[0].InstanceID {
			return nil, &es.ValidationError{Field: "instance_id", Reason: "must match across a batch"}
		}
	}
	instanceID := cmds[0].InstanceID

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error ignored: expected to fail if commit succeeds
		tx.Rollback()
	}()

	position, err := s.nextPosition(ctx, tx)
	if err != nil {
		return nil, err
	}

	events, err := s.insertEvents(ctx, tx, position, cmds)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit push: %w", err)
	}

	if s.config.Logger != nil {
		s.config.Logger.Info(ctx, "events pushed",
			"instance_id", instanceID,
			"event_count", len(events),
			"position", position)
	}

	return events, nil
}

// nextPosition claims the next global position from the single log head
// row. Claiming inside the push transaction serializes commits, so
// position order equals commit order and a reader can never skip past a
// smaller position that becomes visible later. SQLite serializes writers
// anyway; the postgres and mysql adapters lock the head row explicitly.
func (s *Store) nextPosition(ctx context.Context, tx es.DBTX) (int64, error) {
	var current sql.NullInt64
	query := fmt.Sprintf(`
		SELECT position
		FROM %s
		WHERE id = 1
	`, s.config.LogHeadsTable)

	err := tx.QueryRowContext(ctx, query).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to read log head: %w", err)
	}

	position := current.Int64 + 1

	upsert := fmt.Sprintf(`
		INSERT INTO %s (id, position, updated_at)
		VALUES (1, ?, datetime('now'))
		ON CONFLICT (id)
		DO UPDATE SET position = excluded.position, updated_at = excluded.updated_at
	`, s.config.LogHeadsTable)

	if _, err := tx.ExecContext(ctx, upsert, position); err != nil {
		return 0, fmt.Errorf("failed to advance log head: %w", err)
	}
	return position, nil
}

type aggregateKey struct {
	aggregateType string
	aggregateID   string
}

func (s *Store) insertEvents(ctx context.Context, tx es.DBTX, position int64, cmds []es.Command) ([]es.Event, error) {
	insertQuery := fmt.Sprintf(`
		INSERT INTO %s (
			position, in_tx_order, instance_id,
			aggregate_type, aggregate_id, sequence,
			event_type, creator, owner,
			payload, event_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.config.EventsTable)

	sequences := make(map[aggregateKey]int64, len(cmds))
	events := make([]es.Event, len(cmds))
	now := time.Now().UTC()

	for i := range cmds {
		cmd := &cmds[i]
		key := aggregateKey{cmd.AggregateType, cmd.AggregateID}

		current, known := sequences[key]
		if !known {
			var err error
			current, err = s.currentSequence(ctx, tx, cmd.InstanceID, key)
			if err != nil {
				return nil, err
			}
		}
		// Expectations are checked against the running sequence, so a
		// batch that touches one aggregate twice sees its own writes.
		if err := checkExpectedSequence(cmd.ExpectedSequence, current); err != nil {
			if s.config.Logger != nil {
				s.config.Logger.Error(ctx, "sequence conflict",
					"aggregate_type", cmd.AggregateType,
					"aggregate_id", cmd.AggregateID,
					"current_sequence", current,
					"expected_sequence", cmd.ExpectedSequence.String())
			}
			return nil, err
		}

		event := es.Event{
			CreatedAt:     now,
			InstanceID:    cmd.InstanceID,
			AggregateType: cmd.AggregateType,
			AggregateID:   cmd.AggregateID,
			EventType:     cmd.EventType,
			Creator:       cmd.Creator,
			Owner:         cmd.Owner,
			Payload:       cmd.Payload,
			Sequence:      current + 1,
			Position:      position,
			InTxOrder:     i,
			EventID:       uuid.New(),
		}

		_, err := tx.ExecContext(ctx, insertQuery,
			event.Position,
			event.InTxOrder,
			event.InstanceID,
			event.AggregateType,
			event.AggregateID,
			event.Sequence,
			event.EventType,
			event.Creator,
			event.Owner,
			event.Payload,
			event.EventID.String(),
			event.CreatedAt.Format(sqliteDateTimeFormat),
		)
		if err != nil {
			if IsUniqueViolation(err) {
				return nil, store.ErrSequenceConflict
			}
			return nil, fmt.Errorf("failed to insert event %d: %w", i, err)
		}

		sequences[key] = event.Sequence
		events[i] = event
	}

	upsert := fmt.Sprintf(`
		INSERT INTO %s (instance_id, aggregate_type, aggregate_id, sequence, updated_at)
		VALUES (?, ?, ?, ?, datetime('now'))
		ON CONFLICT (instance_id, aggregate_type, aggregate_id)
		DO UPDATE SET sequence = excluded.sequence, updated_at = excluded.updated_at
	`, s.config.AggregateHeadsTable)

	instanceID := cmds[0].InstanceID
	for key, sequence := range sequences {
		if _, err := tx.ExecContext(ctx, upsert, instanceID, key.aggregateType, key.aggregateID, sequence); err != nil {
			return nil, fmt.Errorf("failed to update aggregate head: %w", err)
		}
	}

	return events, nil
}

func (s *Store) currentSequence(ctx context.Context, tx es.DBTX, instanceID string, key aggregateKey) (int64, error) {
	var current sql.NullInt64
	query := fmt.Sprintf(`
		SELECT sequence
		FROM %s
		WHERE instance_id = ? AND aggregate_type = ? AND aggregate_id = ?
	`, s.config.AggregateHeadsTable)

	err := tx.QueryRowContext(ctx, query, instanceID, key.aggregateType, key.aggregateID).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to check current sequence: %w", err)
	}
	return current.Int64, nil
}

func checkExpectedSequence(expected es.ExpectedSequence, current int64) error {
	switch {
	case expected.IsAny():
		return nil
	case expected.IsNoStream():
		if current != 0 {
			return store.ErrSequenceConflict
		}
	case expected.IsExact():
		if current != expected.Value() {
			return store.ErrSequenceConflict
		}
	}
	return nil
}

// IsUniqueViolation checks if an error is a SQLite unique constraint violation.
// This is exported for testing purposes.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	errMsg := err.Error()
	return strings.Contains(errMsg, "UNIQUE constraint failed") ||
		strings.Contains(errMsg, "unique constraint") ||
		strings.Contains(errMsg, "constraint failed")
}

// Query implements store.EventStore.
func (s *Store) Query(ctx context.Context, filter es.Filter) ([]es.Event, error) {
	if filter.InstanceID == "" {
		return nil, &es.ValidationError{Field: "instance_id", Reason: "must not be empty"}
	}

	query := fmt.Sprintf(`
		SELECT
			position, in_tx_order, instance_id,
			aggregate_type, aggregate_id, sequence,
			event_type, creator, owner,
			payload, event_id, created_at
		FROM %s
		WHERE instance_id = ?
	`, s.config.EventsTable)

	args := []interface{}{filter.InstanceID}

	if filter.PositionGreater > 0 || filter.PositionOffset > 0 {
		query += " AND (position > ? OR (position = ? AND in_tx_order > ?))"
		args = append(args, filter.PositionGreater, filter.PositionGreater, filter.PositionOffset)
	}
	query, args = appendInClause(query, args, "aggregate_type", filter.AggregateTypes)
	query, args = appendInClause(query, args, "aggregate_id", filter.AggregateIDs)
	query, args = appendInClause(query, args, "event_type", filter.EventTypes)

	query += " ORDER BY position ASC, in_tx_order ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []es.Event
	for rows.Next() {
		var e es.Event
		var eventID, createdAt string

		err := rows.Scan(
			&e.Position,
			&e.InTxOrder,
			&e.InstanceID,
			&e.AggregateType,
			&e.AggregateID,
			&e.Sequence,
			&e.EventType,
			&e.Creator,
			&e.Owner,
			&e.Payload,
			&eventID,
			&createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		e.EventID, err = uuid.Parse(eventID)
		if err != nil {
			return nil, fmt.Errorf("failed to parse event ID: %w", err)
		}

		e.CreatedAt, err = parseTimestamp(createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", err)
		}

		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "events queried",
			"instance_id", filter.InstanceID,
			"from_position", filter.PositionGreater,
			"count", len(events))
	}

	return events, nil
}

func appendInClause(query string, args []interface{}, column string, values []string) (string, []interface{}) {
	if len(values) == 0 {
		return query, args
	}
	placeholders := make([]string, len(values))
	for i, v := range values {
		placeholders[i] = "?"
		args = append(args, v)
	}
	return query + fmt.Sprintf(" AND %s IN (%s)", column, strings.Join(placeholders, ", ")), args
}

// LatestPosition implements store.EventStore.
func (s *Store) LatestPosition(ctx context.Context, instanceID string) (int64, int, error) {
	query := fmt.Sprintf(`
		SELECT position, in_tx_order
		FROM %s
		WHERE instance_id = ?
		ORDER BY position DESC, in_tx_order DESC
		LIMIT 1
	`, s.config.EventsTable)

	var position int64
	var inTxOrder int
	err := s.db.QueryRowContext(ctx, query, instanceID).Scan(&position, &inTxOrder)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("failed to read latest position: %w", err)
	}
	return position, inTxOrder, nil
}

// sqliteDateTimeFormats lists common SQLite datetime formats for parsing
var sqliteDateTimeFormats = []string{
	sqliteDateTimeFormat,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.999999Z",
	"2006-01-02T15:04:05Z",
	time.RFC3339,
	time.RFC3339Nano,
}

// parseTimestamp parses SQLite datetime strings to time.Time
func parseTimestamp(s string) (time.Time, error) {
	for _, format := range sqliteDateTimeFormats {
		t, err := time.Parse(format, s)
		if err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unable to parse timestamp: %s", s)
}
