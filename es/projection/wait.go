package projection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/keyfold/keysourcing/es/store"
)

// TimeoutError reports that a projection did not reach the awaited
// position in time.
type TimeoutError struct {
	Projection string
	Timeout    time.Duration
	Elapsed    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("projection %q did not catch up within %s (elapsed %s)",
		e.Projection, e.Timeout, e.Elapsed)
}

// IsTimeout reports whether err is a projection wait timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// WaitHelper bridges writers and readers when immediate consistency is
// required: a write-then-read code path captures the log's head position
// and waits for the projection to pass it. It also backs health checks
// via IsProjectionHealthy.
type WaitHelper struct {
	events       store.EventStore
	tracker      store.StateTracker
	instanceID   string
	pollInterval time.Duration
}

// WaitOption configures a WaitHelper.
type WaitOption func(*WaitHelper)

// WithPollInterval overrides how often the tracker is re-read while
// waiting. Defaults to 20ms.
func WithPollInterval(interval time.Duration) WaitOption {
	return func(w *WaitHelper) {
		w.pollInterval = interval
	}
}

// NewWaitHelper creates a wait helper scoped to one instance.
func NewWaitHelper(events store.EventStore, tracker store.StateTracker, instanceID string, opts ...WaitOption) *WaitHelper {
	w := &WaitHelper{
		events:       events,
		tracker:      tracker,
		instanceID:   instanceID,
		pollInterval: 20 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// WaitForProjection captures the log's current head coordinate and polls
// the projection's tracked position until it has reached it. The full
// (position, in_tx_order) pair is compared: a multi-event push shares one
// position, so position alone would hand control back with the tail of the
// batch still unapplied. Returns a TimeoutError naming the projection when
// timeout elapses first.
func (w *WaitHelper) WaitForProjection(ctx context.Context, name string, timeout time.Duration) error {
	target, targetOffset, err := w.events.LatestPosition(ctx, w.instanceID)
	if err != nil {
		return fmt.Errorf("failed to capture log position: %w", err)
	}
	return w.waitForPosition(ctx, name, target, targetOffset, timeout, time.Now())
}

// WaitForProjections waits for all named projections to reach the position
// captured at call time. An empty list returns immediately; any single
// timeout fails the call.
func (w *WaitHelper) WaitForProjections(ctx context.Context, names []string, timeout time.Duration) error {
	if len(names) == 0 {
		return nil
	}

	target, targetOffset, err := w.events.LatestPosition(ctx, w.instanceID)
	if err != nil {
		return fmt.Errorf("failed to capture log position: %w", err)
	}

	// One shared deadline: the slowest projection must still make it
	// within the caller's timeout.
	start := time.Now()
	for _, name := range names {
		if err := w.waitForPosition(ctx, name, target, targetOffset, timeout, start); err != nil {
			return err
		}
	}
	return nil
}

func (w *WaitHelper) waitForPosition(ctx context.Context, name string, target int64, targetOffset int, timeout time.Duration, start time.Time) error {
	if target == 0 {
		return nil
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		state, err := w.tracker.GetCurrentState(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to read projection state: %w", err)
		}
		if state != nil && (state.Position > target ||
			(state.Position == target && state.PositionOffset >= targetOffset)) {
			return nil
		}

		if elapsed := time.Since(start); elapsed >= timeout {
			return &TimeoutError{Projection: name, Timeout: timeout, Elapsed: elapsed}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// IsProjectionHealthy reports whether the projection's last applied event
// is no older than maxLag. It is non-blocking and returns false for an
// unknown projection, on tracker errors, and when no event timestamp has
// been recorded yet.
func (w *WaitHelper) IsProjectionHealthy(ctx context.Context, name string, maxLag time.Duration) bool {
	state, err := w.tracker.GetCurrentState(ctx, name)
	if err != nil || state == nil {
		return false
	}
	if state.EventTimestamp.IsZero() {
		return false
	}
	return time.Since(state.EventTimestamp) <= maxLag
}
