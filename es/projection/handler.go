package projection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/keyfold/keysourcing/es"
	"github.com/keyfold/keysourcing/es/store"
)

// State is the lifecycle state of a Handler.
type State int32

const (
	// StateStopped means no polling loop is running.
	StateStopped State = iota
	// StateStarting means the loop is spinning up its first tick.
	StateStarting
	// StatePolling means the loop is between ticks or reading the log.
	StatePolling
	// StateApplying means the loop is reducing a batch of events.
	StateApplying
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StatePolling:
		return "polling"
	case StateApplying:
		return "applying"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Handler drives one projection's consumption loop: poll the log from the
// stored position, dedup-check, reduce, persist the advanced position.
//
// Progress is persisted per event, so a crash loses at most one event's
// worth of unpersisted progress and never previously committed progress.
// Reduce and the position update are deliberately not one cross-store
// transaction; the exact-dedup check and idempotent Reduce close the
// redelivery window that leaves open.
type Handler struct {
	projection Projection
	config     HandlerConfig
	deps       Dependencies

	// holderID identifies this handler instance in the lock table.
	holderID string

	state  atomic.Int32
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHandler creates a handler for the projection. It does not start
// polling; call Start.
func NewHandler(projection Projection, config HandlerConfig, deps Dependencies) *Handler {
	config.applyDefaults()
	return &Handler{
		projection: projection,
		config:     config,
		deps:       deps,
		holderID:   uuid.New().String(),
	}
}

// State returns the handler's current lifecycle state.
func (h *Handler) State() State {
	return State(h.state.Load())
}

// Start launches the polling loop. Starting an already started handler is
// a no-op. The loop runs until Stop is called or ctx is canceled.
func (h *Handler) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cancel != nil {
		return
	}

	h.state.Store(int32(StateStarting))
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})

	if h.config.Logger != nil {
		h.config.Logger.Info(ctx, "projection handler starting",
			"projection", h.projection.Name(),
			"interval", h.config.Interval,
			"batch_size", h.config.BatchSize,
			"locking", h.config.EnableLocking)
	}

	go h.run(ctx)
}

// Stop requests a cooperative stop and blocks until the in-flight tick has
// finished. The handler is never aborted mid-tick, so state is never torn
// mid-event. Stopping an already stopped handler is a no-op. Any held
// lease is released.
func (h *Handler) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cancel == nil {
		return
	}

	h.cancel()
	<-h.done
	h.cancel = nil
	h.done = nil
}

func (h *Handler) run(ctx context.Context) {
	defer close(h.done)
	defer h.state.Store(int32(StateStopped))

	ticker := time.NewTicker(h.config.Interval)
	defer ticker.Stop()

	// First tick fires immediately so a fresh handler catches up without
	// waiting a full interval.
	h.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case <-ticker.C:
			h.tick(ctx)
		}
	}
}

// shutdown releases the lease outside the canceled loop context.
func (h *Handler) shutdown() {
	if !h.config.EnableLocking || h.deps.Locker == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.deps.Locker.Release(ctx, h.projection.Name(), h.holderID); err != nil {
		if h.config.Logger != nil {
			h.config.Logger.Error(ctx, "failed to release projection lock",
				"projection", h.projection.Name(),
				"error", err)
		}
	}
}

// tick runs one full poll-and-apply cycle. Cancellation is observed only
// between events: store calls run on a context that survives Stop, so an
// in-flight reduce-and-persist pair always completes and is never recorded
// as a failure just because a shutdown landed during it.
func (h *Handler) tick(ctx context.Context) {
	name := h.projection.Name()
	workCtx := context.WithoutCancel(ctx)

	if h.config.EnableLocking {
		acquired, err := h.deps.Locker.Acquire(workCtx, name, h.holderID, h.config.LockTTL)
		if err != nil {
			h.logError(ctx, "failed to acquire projection lock", err)
			return
		}
		if !acquired {
			// Another instance is advancing this projection.
			h.config.Metrics.TicksSkipped.Inc()
			return
		}
	}

	h.state.Store(int32(StatePolling))

	current, err := h.deps.Tracker.GetCurrentState(workCtx, name)
	if err != nil {
		h.logError(ctx, "failed to read projection state", err)
		return
	}

	filter := es.Filter{
		InstanceID:     h.config.InstanceID,
		AggregateTypes: h.config.AggregateTypes,
		EventTypes:     h.config.EventTypes,
		Limit:          h.config.BatchSize,
	}
	if current != nil {
		filter.PositionGreater = current.Position
		filter.PositionOffset = current.PositionOffset
	}

	events, err := h.deps.Events.Query(workCtx, filter)
	if err != nil {
		h.logError(ctx, "failed to query events", err)
		return
	}
	if len(events) == 0 {
		h.state.Store(int32(StatePolling))
		return
	}

	h.state.Store(int32(StateApplying))
	defer h.state.Store(int32(StatePolling))

	for i := range events {
		// A requested stop takes effect here, after the previous event's
		// reduce-and-persist pair has completed.
		if ctx.Err() != nil {
			return
		}

		event := events[i]

		if alreadyApplied(current, event) {
			// Redelivered after a crash between reduce and the position
			// write; the effect is already in the read model.
			continue
		}

		if err := h.apply(workCtx, event); err != nil {
			// Position was not persisted; the next tick redelivers from
			// the last committed progress.
			h.logError(ctx, "failed to apply event", err)
			return
		}
	}
}

// apply reduces one event and persists the advanced position plus the
// enhanced dedup fields. A reduce failure is recorded and the position
// still advances: a poisoned event never halts the stream.
func (h *Handler) apply(ctx context.Context, event es.Event) error {
	name := h.projection.Name()

	if reduceErr := h.projection.Reduce(ctx, h.deps.DB, event); reduceErr != nil {
		// A canceled reduce is a shutdown artifact, not a poison event.
		// The position stays put and the next tick redelivers.
		if errors.Is(reduceErr, context.Canceled) {
			return reduceErr
		}
		h.config.Metrics.ReduceFailures.Inc()
		if h.config.Logger != nil {
			h.config.Logger.Error(ctx, "projection reduce failed",
				"projection", name,
				"position", event.Position,
				"in_tx_order", event.InTxOrder,
				"aggregate_type", event.AggregateType,
				"aggregate_id", event.AggregateID,
				"sequence", event.Sequence,
				"error", reduceErr)
		}
		if h.deps.FailedEvents != nil {
			if err := h.deps.FailedEvents.Record(ctx, name, event, reduceErr); err != nil {
				return fmt.Errorf("failed to record failed event: %w", err)
			}
		}
	} else {
		h.config.Metrics.EventsProcessed.Inc()
	}

	err := h.deps.Tracker.SetCurrentPosition(ctx, name, store.PositionUpdate{
		Position:       event.Position,
		PositionOffset: event.InTxOrder,
		EventTimestamp: event.CreatedAt,
		InstanceID:     event.InstanceID,
		AggregateType:  event.AggregateType,
		AggregateID:    event.AggregateID,
		Sequence:       event.Sequence,
	})
	if err != nil {
		return err
	}

	h.config.Metrics.LagSeconds.Set(time.Since(event.CreatedAt).Seconds())
	return nil
}

// alreadyApplied reports whether the tracked state's enhanced fields
// identify this exact event as the last one applied.
func alreadyApplied(state *store.ProjectionState, event es.Event) bool {
	if state == nil || state.Sequence == 0 {
		return false
	}
	return state.AggregateType == event.AggregateType &&
		state.AggregateID == event.AggregateID &&
		state.Sequence == event.Sequence
}

func (h *Handler) logError(ctx context.Context, msg string, err error) {
	if h.config.Logger == nil || errors.Is(err, context.Canceled) {
		return
	}
	h.config.Logger.Error(ctx, msg,
		"projection", h.projection.Name(),
		"error", err)
}
