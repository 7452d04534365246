// Package projection provides the read-model consumption framework: the
// Projection contract, the polling Handler, the Registry lifecycle manager
// and the WaitHelper for read-your-write consistency.
package projection

import (
	"context"
	"time"

	"github.com/keyfold/keysourcing/es"
	"github.com/keyfold/keysourcing/es/metrics"
	"github.com/keyfold/keysourcing/es/store"
)

// Projection defines the contract implemented by every read model.
type Projection interface {
	// Name returns the process-wide unique name of this projection.
	// It keys the projection's state, lock and failure rows.
	Name() string

	// Tables returns the read-model tables this projection exclusively
	// owns. No other projection may write to them.
	Tables() []string

	// Init performs idempotent schema setup. It is safe to invoke on
	// every process start.
	Init(ctx context.Context, db es.DBTX) error

	// Reduce applies one event's effect to the owned tables.
	// Delivery is at-least-once, so Reduce must be written as an
	// idempotent upsert-style operation: re-applying the same event must
	// not corrupt state.
	Reduce(ctx context.Context, db es.DBTX, event es.Event) error
}

// HandlerConfig configures one projection's polling loop.
type HandlerConfig struct {
	// Interval between polling ticks. Defaults to 500ms.
	Interval time.Duration

	// BatchSize caps the events read per tick. Defaults to 100.
	BatchSize int

	// InstanceID scopes the projection to one tenant. Required.
	InstanceID string

	// AggregateTypes restricts the subscription when non-empty.
	AggregateTypes []string

	// EventTypes restricts the subscription when non-empty.
	EventTypes []string

	// EnableLocking makes every tick acquire the projection's lease
	// first. Required when running multiple instances of the same
	// projection; without it concurrent instances are safe only if
	// Reduce is idempotent under concurrent execution.
	EnableLocking bool

	// LockTTL is the lease duration. Defaults to 10x Interval so a
	// healthy holder renews well before expiry while a crashed holder
	// recovers within a bounded window.
	LockTTL time.Duration

	// Logger is optional; nil disables logging.
	Logger es.Logger

	// Metrics instruments the handler. Zero-valued fields default to
	// no-op implementations.
	Metrics HandlerMetrics
}

// HandlerMetrics carries the handler's instrumentation points.
type HandlerMetrics struct {
	// EventsProcessed counts successfully reduced events.
	EventsProcessed metrics.Counter

	// ReduceFailures counts events recorded to the failure log.
	ReduceFailures metrics.Counter

	// TicksSkipped counts ticks skipped because another holder owns the
	// projection's lease.
	TicksSkipped metrics.Counter

	// LagSeconds tracks now minus the timestamp of the last applied
	// event, the standard staleness signal.
	LagSeconds metrics.Gauge
}

func (m *HandlerMetrics) applyDefaults() {
	if m.EventsProcessed == nil {
		m.EventsProcessed = metrics.NopCounter{}
	}
	if m.ReduceFailures == nil {
		m.ReduceFailures = metrics.NopCounter{}
	}
	if m.TicksSkipped == nil {
		m.TicksSkipped = metrics.NopCounter{}
	}
	if m.LagSeconds == nil {
		m.LagSeconds = metrics.NopGauge{}
	}
}

const (
	defaultInterval  = 500 * time.Millisecond
	defaultBatchSize = 100
)

func (c *HandlerConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 10 * c.Interval
	}
	c.Metrics.applyDefaults()
}

// Dependencies bundles the stores a Handler works against. All fields
// except Locker and FailedEvents are required; Locker may be nil when
// locking is disabled.
type Dependencies struct {
	// Events is the event log the handler catches up from.
	Events store.EventStore

	// Tracker persists the handler's resume position.
	Tracker store.StateTracker

	// Locker provides the lease when EnableLocking is set.
	Locker store.Locker

	// FailedEvents records isolated reduce failures.
	FailedEvents store.FailedEventStore

	// DB is the handle Reduce runs against. The projection owns its
	// tables on this database.
	DB es.DBTX
}
