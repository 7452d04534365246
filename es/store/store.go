// Package store provides event store abstractions shared by all adapters.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/keyfold/keysourcing/es"
)

var (
	// ErrSequenceConflict indicates a per-aggregate sequence conflict
	// during push. The caller should reload the aggregate and retry.
	ErrSequenceConflict = errors.New("sequence conflict")

	// ErrNoCommands indicates an attempt to push zero commands.
	ErrNoCommands = errors.New("no commands to push")
)

// EventStore is the append-only, globally ordered event log.
type EventStore interface {
	// Push appends one command as an event inside a single atomic unit
	// that assigns the global position and increments the aggregate's
	// sequence.
	//
	// Returns es.ValidationError for malformed commands and
	// ErrSequenceConflict when the command's ExpectedSequence does not
	// match the aggregate's current sequence. Neither leaves any side
	// effect in the log.
	Push(ctx context.Context, cmd es.Command) (es.Event, error)

	// PushMany appends a batch of commands with the same guarantees as
	// Push. The whole batch commits atomically: all events share one
	// position and their relative order is preserved via in_tx_order, so
	// no reader ever observes a partial batch.
	PushMany(ctx context.Context, cmds []es.Command) ([]es.Event, error)

	// Query returns events matching the filter, ordered ascending by
	// (position, in_tx_order). An empty match returns an empty slice,
	// never an error. Each call is independent; there is no server-side
	// cursor state.
	Query(ctx context.Context, filter es.Filter) ([]es.Event, error)

	// LatestPosition returns the (position, in_tx_order) coordinate of
	// the newest event for the given instance, or (0, 0) when the log is
	// empty. Both halves are needed to identify the head: a multi-event
	// push shares one position across the batch.
	LatestPosition(ctx context.Context, instanceID string) (int64, int, error)
}

// ProjectionState is the persisted resume position of one projection,
// optionally enhanced with the exact identity of the last applied event
// for deduplication.
type ProjectionState struct {
	// ProjectionName is the unique projection this state belongs to.
	ProjectionName string

	// Position is the global position of the last applied event.
	// Monotonically non-decreasing.
	Position int64

	// PositionOffset is the in_tx_order of the last applied event.
	PositionOffset int

	// UpdatedAt is when this row was last written.
	UpdatedAt time.Time

	// EventTimestamp is the CreatedAt of the last applied event.
	// Zero when never recorded. now - EventTimestamp is the lag metric.
	EventTimestamp time.Time

	// InstanceID, AggregateType, AggregateID and Sequence identify the
	// last applied event exactly, when recorded. Empty/zero otherwise.
	InstanceID    string
	AggregateType string
	AggregateID   string
	Sequence      int64
}

// PositionUpdate carries the fields of a SetCurrentPosition call.
// Zero-valued enhanced fields are treated as absent and merged, never
// overwriting previously recorded values.
type PositionUpdate struct {
	Position       int64
	PositionOffset int
	EventTimestamp time.Time
	InstanceID     string
	AggregateType  string
	AggregateID    string
	Sequence       int64
}

// StateTracker persists and retrieves each projection's resume position.
type StateTracker interface {
	// GetCurrentState returns the stored state for the projection, or
	// (nil, nil) when the projection has never persisted a position.
	GetCurrentState(ctx context.Context, projectionName string) (*ProjectionState, error)

	// SetCurrentPosition upserts the projection's position. Absent
	// enhanced fields in the update keep their previously stored values
	// (merge semantics), so a caller that only knows position and offset
	// never erases recorded dedup fields.
	SetCurrentPosition(ctx context.Context, projectionName string, update PositionUpdate) error
}

// Locker is a short-lived, lease-based mutual exclusion primitive keyed by
// projection name. At most one non-expired holder exists per name; the
// lease auto-expires so a crashed holder recovers without intervention.
type Locker interface {
	// Acquire attempts to take or renew the lease for the projection.
	// Returns true when holderID holds the lease afterwards, false when
	// another holder's lease is still live. A false return is not an
	// error condition.
	Acquire(ctx context.Context, projectionName, holderID string, ttl time.Duration) (bool, error)

	// Release releases the lease if holderID currently holds it.
	Release(ctx context.Context, projectionName, holderID string) error
}

// FailedEvent records one reduce failure. Failures are isolated: the
// handler records them and continues with the next event.
type FailedEvent struct {
	ProjectionName string
	Position       int64
	InTxOrder      int
	AggregateType  string
	AggregateID    string
	Sequence       int64
	Error          string
	FailedAt       time.Time
	RetryCount     int
}

// FailedEventStore is the append-only log of reduce failures.
type FailedEventStore interface {
	// Record upserts a failure row for the event. Recording the same
	// event identity again increments its retry count.
	Record(ctx context.Context, projectionName string, event es.Event, reduceErr error) error

	// List returns all recorded failures for the projection, ordered by
	// (position, in_tx_order). Used by operator replay tooling.
	List(ctx context.Context, projectionName string) ([]FailedEvent, error)
}
