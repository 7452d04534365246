// Package es provides core event sourcing interfaces and types.
package es

import (
	"time"

	"github.com/google/uuid"
)

// Event represents an immutable domain event.
// Events are value objects without identity until persisted; the store
// assigns Sequence, Position and InTxOrder on append.
type Event struct {
	// CreatedAt is when the event was created
	CreatedAt time.Time

	// InstanceID identifies the tenant this event belongs to
	InstanceID string

	// AggregateType identifies the type of aggregate this event belongs to
	AggregateType string

	// AggregateID uniquely identifies the aggregate instance
	AggregateID string

	// EventType identifies the type of event
	EventType string

	// Creator is the identity (user or service) that caused this event
	Creator string

	// Owner is the resource owner (typically an organization) of the aggregate
	Owner string

	// Payload contains the event data.
	// Stored as a byte blob - the log treats it as opaque tagged data and
	// never inspects it.
	Payload []byte

	// Sequence is the per-aggregate counter, assigned on append.
	// It increases by exactly 1 per successful append for a fixed
	// (instance, aggregate type, aggregate id).
	Sequence int64

	// Position is the global log coordinate, assigned on append.
	// Together with InTxOrder it defines the only total order readers
	// may rely on.
	Position int64

	// InTxOrder breaks ties between events committed in the same push.
	InTxOrder int

	// EventID is a unique identifier for this event
	EventID uuid.UUID
}

// Filter selects events from the log.
// InstanceID is required; all other fields are optional and combine
// conjunctively. Results are always ordered ascending by
// (position, in_tx_order).
type Filter struct {
	// InstanceID scopes the query to one tenant. Required.
	InstanceID string

	// AggregateTypes restricts to the given aggregate types when non-empty.
	AggregateTypes []string

	// AggregateIDs restricts to the given aggregate instances when non-empty.
	AggregateIDs []string

	// EventTypes restricts to the given event types when non-empty.
	EventTypes []string

	// PositionGreater is the exclusive lower bound for incremental catch-up.
	// Events at exactly this position are only returned when their
	// in_tx_order exceeds PositionOffset.
	PositionGreater int64

	// PositionOffset is the in_tx_order tie-break for PositionGreater.
	PositionOffset int

	// Limit caps the number of returned events. Zero means no limit.
	Limit int
}
