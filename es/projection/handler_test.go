package projection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keyfold/keysourcing/es"
	"github.com/keyfold/keysourcing/es/store"
)

// fakeEventStore implements store.EventStore over an in-memory slice.
type fakeEventStore struct {
	mu     sync.Mutex
	events []es.Event
}

func (f *fakeEventStore) Push(_ context.Context, _ es.Command) (es.Event, error) {
	return es.Event{}, errors.New("not implemented")
}

func (f *fakeEventStore) PushMany(_ context.Context, _ []es.Command) ([]es.Event, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeEventStore) Query(_ context.Context, filter es.Filter) ([]es.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var result []es.Event
	for i := range f.events {
		e := f.events[i]
		if e.InstanceID != filter.InstanceID {
			continue
		}
		if !afterPosition(e, filter.PositionGreater, filter.PositionOffset) {
			continue
		}
		if len(filter.AggregateTypes) > 0 && !contains(filter.AggregateTypes, e.AggregateType) {
			continue
		}
		if len(filter.EventTypes) > 0 && !contains(filter.EventTypes, e.EventType) {
			continue
		}
		result = append(result, e)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

func afterPosition(e es.Event, position int64, offset int) bool {
	if position == 0 && offset == 0 {
		return true
	}
	return e.Position > position || (e.Position == position && e.InTxOrder > offset)
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

func (f *fakeEventStore) LatestPosition(_ context.Context, instanceID string) (int64, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var latest int64
	var latestOffset int
	for i := range f.events {
		e := f.events[i]
		if e.InstanceID != instanceID {
			continue
		}
		if e.Position > latest || (e.Position == latest && e.InTxOrder > latestOffset) {
			latest = e.Position
			latestOffset = e.InTxOrder
		}
	}
	return latest, latestOffset, nil
}

// fakeTracker implements store.StateTracker with merge semantics matching
// the SQL adapters.
type fakeTracker struct {
	mu     sync.Mutex
	states map[string]*store.ProjectionState
	setErr error
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{states: make(map[string]*store.ProjectionState)}
}

func (f *fakeTracker) GetCurrentState(_ context.Context, projectionName string) (*store.ProjectionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	state, ok := f.states[projectionName]
	if !ok {
		return nil, nil
	}
	copied := *state
	return &copied, nil
}

func (f *fakeTracker) SetCurrentPosition(_ context.Context, projectionName string, update store.PositionUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.setErr != nil {
		return f.setErr
	}

	state, ok := f.states[projectionName]
	if !ok {
		state = &store.ProjectionState{ProjectionName: projectionName}
		f.states[projectionName] = state
	}
	state.Position = update.Position
	state.PositionOffset = update.PositionOffset
	state.UpdatedAt = time.Now()
	if !update.EventTimestamp.IsZero() {
		state.EventTimestamp = update.EventTimestamp
	}
	if update.InstanceID != "" {
		state.InstanceID = update.InstanceID
	}
	if update.AggregateType != "" {
		state.AggregateType = update.AggregateType
	}
	if update.AggregateID != "" {
		state.AggregateID = update.AggregateID
	}
	if update.Sequence != 0 {
		state.Sequence = update.Sequence
	}
	return nil
}

// fakeLocker implements store.Locker with real lease semantics.
type fakeLocker struct {
	mu     sync.Mutex
	leases map[string]fakeLease
}

type fakeLease struct {
	holderID  string
	expiresAt time.Time
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{leases: make(map[string]fakeLease)}
}

func (f *fakeLocker) Acquire(_ context.Context, projectionName, holderID string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	lease, held := f.leases[projectionName]
	if held && lease.holderID != holderID && time.Now().Before(lease.expiresAt) {
		return false, nil
	}
	f.leases[projectionName] = fakeLease{holderID: holderID, expiresAt: time.Now().Add(ttl)}
	return true, nil
}

func (f *fakeLocker) Release(_ context.Context, projectionName, holderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if lease, held := f.leases[projectionName]; held && lease.holderID == holderID {
		delete(f.leases, projectionName)
	}
	return nil
}

func (f *fakeLocker) holder(projectionName string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leases[projectionName].holderID
}

// fakeFailedStore implements store.FailedEventStore in memory.
type fakeFailedStore struct {
	mu     sync.Mutex
	failed map[string][]store.FailedEvent
}

func newFakeFailedStore() *fakeFailedStore {
	return &fakeFailedStore{failed: make(map[string][]store.FailedEvent)}
}

func (f *fakeFailedStore) Record(_ context.Context, projectionName string, event es.Event, reduceErr error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range f.failed[projectionName] {
		existing := &f.failed[projectionName][i]
		if existing.Position == event.Position && existing.InTxOrder == event.InTxOrder {
			existing.RetryCount++
			existing.Error = reduceErr.Error()
			return nil
		}
	}
	f.failed[projectionName] = append(f.failed[projectionName], store.FailedEvent{
		ProjectionName: projectionName,
		Position:       event.Position,
		InTxOrder:      event.InTxOrder,
		AggregateType:  event.AggregateType,
		AggregateID:    event.AggregateID,
		Sequence:       event.Sequence,
		Error:          reduceErr.Error(),
		FailedAt:       time.Now(),
		RetryCount:     1,
	})
	return nil
}

func (f *fakeFailedStore) List(_ context.Context, projectionName string) ([]store.FailedEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.FailedEvent(nil), f.failed[projectionName]...), nil
}

// recordingProjection records every reduced event and optionally fails on
// a configured event type.
type recordingProjection struct {
	name        string
	failOn      string
	mu          sync.Mutex
	applied     []es.Event
	reduceCount int32
}

func (p *recordingProjection) Name() string { return p.name }

func (p *recordingProjection) Tables() []string { return nil }

func (p *recordingProjection) Init(_ context.Context, _ es.DBTX) error { return nil }

func (p *recordingProjection) Reduce(_ context.Context, _ es.DBTX, event es.Event) error {
	atomic.AddInt32(&p.reduceCount, 1)
	if p.failOn != "" && event.EventType == p.failOn {
		return fmt.Errorf("cannot reduce %s", event.EventType)
	}
	p.mu.Lock()
	p.applied = append(p.applied, event)
	p.mu.Unlock()
	return nil
}

func (p *recordingProjection) appliedEvents() []es.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]es.Event(nil), p.applied...)
}

// countingCounter implements metrics.Counter for assertions.
type countingCounter struct {
	count int64
}

func (c *countingCounter) Inc() { atomic.AddInt64(&c.count, 1) }

func (c *countingCounter) Add(delta float64) { atomic.AddInt64(&c.count, int64(delta)) }

func (c *countingCounter) value() int64 { return atomic.LoadInt64(&c.count) }

func testEvent(position int64, inTxOrder int, aggregateID string, sequence int64, eventType string) es.Event {
	return es.Event{
		CreatedAt:     time.Now().UTC(),
		InstanceID:    "tenant-1",
		AggregateType: "user",
		AggregateID:   aggregateID,
		EventType:     eventType,
		Creator:       "tester",
		Owner:         aggregateID,
		Sequence:      sequence,
		Position:      position,
		InTxOrder:     inTxOrder,
	}
}

func testDeps(events *fakeEventStore, tracker *fakeTracker, locker *fakeLocker, failed *fakeFailedStore) Dependencies {
	return Dependencies{
		Events:       events,
		Tracker:      tracker,
		Locker:       locker,
		FailedEvents: failed,
	}
}

func TestHandler_TickAppliesInOrder(t *testing.T) {
	events := &fakeEventStore{events: []es.Event{
		testEvent(1, 0, "u1", 1, "user_registered"),
		testEvent(2, 0, "u1", 2, "user_renamed"),
		testEvent(2, 1, "u2", 1, "user_registered"),
	}}
	tracker := newFakeTracker()
	proj := &recordingProjection{name: "users"}

	h := NewHandler(proj, HandlerConfig{InstanceID: "tenant-1"}, testDeps(events, tracker, nil, nil))
	h.tick(context.Background())

	applied := proj.appliedEvents()
	if len(applied) != 3 {
		t.Fatalf("Expected 3 applied events, got %d", len(applied))
	}
	for i, expected := range []struct {
		position  int64
		inTxOrder int
	}{{1, 0}, {2, 0}, {2, 1}} {
		if applied[i].Position != expected.position || applied[i].InTxOrder != expected.inTxOrder {
			t.Errorf("Event %d: expected (%d, %d), got (%d, %d)",
				i, expected.position, expected.inTxOrder, applied[i].Position, applied[i].InTxOrder)
		}
	}

	state, err := tracker.GetCurrentState(context.Background(), "users")
	if err != nil {
		t.Fatalf("GetCurrentState failed: %v", err)
	}
	if state == nil {
		t.Fatal("Expected persisted state, got nil")
	}
	if state.Position != 2 || state.PositionOffset != 1 {
		t.Errorf("Expected state (2, 1), got (%d, %d)", state.Position, state.PositionOffset)
	}
	if state.AggregateID != "u2" || state.Sequence != 1 {
		t.Errorf("Expected last applied u2 seq 1, got %s seq %d", state.AggregateID, state.Sequence)
	}
	if state.EventTimestamp.IsZero() {
		t.Error("Expected event timestamp to be recorded")
	}
}

func TestHandler_TickResumesFromState(t *testing.T) {
	events := &fakeEventStore{events: []es.Event{
		testEvent(1, 0, "u1", 1, "user_registered"),
		testEvent(2, 0, "u1", 2, "user_renamed"),
		testEvent(3, 0, "u1", 3, "user_disabled"),
	}}
	tracker := newFakeTracker()
	tracker.states["users"] = &store.ProjectionState{
		ProjectionName: "users",
		Position:       2,
	}
	proj := &recordingProjection{name: "users"}

	h := NewHandler(proj, HandlerConfig{InstanceID: "tenant-1"}, testDeps(events, tracker, nil, nil))
	h.tick(context.Background())

	applied := proj.appliedEvents()
	if len(applied) != 1 {
		t.Fatalf("Expected 1 applied event, got %d", len(applied))
	}
	if applied[0].Position != 3 {
		t.Errorf("Expected resume at position 3, got %d", applied[0].Position)
	}
}

func TestHandler_TickBatchSizeLimitsRead(t *testing.T) {
	events := &fakeEventStore{}
	for i := int64(1); i <= 5; i++ {
		events.events = append(events.events, testEvent(i, 0, "u1", i, "user_renamed"))
	}
	tracker := newFakeTracker()
	proj := &recordingProjection{name: "users"}

	h := NewHandler(proj, HandlerConfig{InstanceID: "tenant-1", BatchSize: 2}, testDeps(events, tracker, nil, nil))
	h.tick(context.Background())

	if got := len(proj.appliedEvents()); got != 2 {
		t.Fatalf("Expected 2 applied events in one tick, got %d", got)
	}

	// The next tick continues from the persisted position.
	h.tick(context.Background())
	if got := len(proj.appliedEvents()); got != 4 {
		t.Fatalf("Expected 4 applied events after two ticks, got %d", got)
	}
}

func TestHandler_TickSkipsAlreadyAppliedEvent(t *testing.T) {
	// State models a crash after reducing (2, 0) but before persisting the
	// position past it: the tracked position still admits the event while
	// the last-applied fields identify it exactly.
	events := &fakeEventStore{events: []es.Event{
		testEvent(2, 0, "u1", 2, "user_renamed"),
		testEvent(3, 0, "u1", 3, "user_disabled"),
	}}
	tracker := newFakeTracker()
	tracker.states["users"] = &store.ProjectionState{
		ProjectionName: "users",
		Position:       1,
		InstanceID:     "tenant-1",
		AggregateType:  "user",
		AggregateID:    "u1",
		Sequence:       2,
	}
	proj := &recordingProjection{name: "users"}

	h := NewHandler(proj, HandlerConfig{InstanceID: "tenant-1"}, testDeps(events, tracker, nil, nil))
	h.tick(context.Background())

	applied := proj.appliedEvents()
	if len(applied) != 1 {
		t.Fatalf("Expected 1 applied event, got %d", len(applied))
	}
	if applied[0].Sequence != 3 {
		t.Errorf("Expected only sequence 3 to be applied, got %d", applied[0].Sequence)
	}
}

func TestHandler_ReduceFailureIsIsolated(t *testing.T) {
	events := &fakeEventStore{events: []es.Event{
		testEvent(1, 0, "u1", 1, "user_registered"),
		testEvent(2, 0, "u1", 2, "user_poisoned"),
		testEvent(3, 0, "u1", 3, "user_renamed"),
	}}
	tracker := newFakeTracker()
	failed := newFakeFailedStore()
	proj := &recordingProjection{name: "users", failOn: "user_poisoned"}
	failures := &countingCounter{}

	h := NewHandler(proj, HandlerConfig{
		InstanceID: "tenant-1",
		Metrics:    HandlerMetrics{ReduceFailures: failures},
	}, testDeps(events, tracker, nil, failed))
	h.tick(context.Background())

	applied := proj.appliedEvents()
	if len(applied) != 2 {
		t.Fatalf("Expected 2 applied events, got %d", len(applied))
	}
	if applied[0].Sequence != 1 || applied[1].Sequence != 3 {
		t.Errorf("Expected sequences 1 and 3 applied, got %d and %d", applied[0].Sequence, applied[1].Sequence)
	}

	state, _ := tracker.GetCurrentState(context.Background(), "users")
	if state == nil || state.Position != 3 {
		t.Fatalf("Expected position to advance past the failure to 3, got %+v", state)
	}

	recorded, err := failed.List(context.Background(), "users")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(recorded) != 1 {
		t.Fatalf("Expected 1 failed event, got %d", len(recorded))
	}
	if recorded[0].Position != 2 || recorded[0].Sequence != 2 {
		t.Errorf("Expected failure at position 2 sequence 2, got position %d sequence %d",
			recorded[0].Position, recorded[0].Sequence)
	}
	if recorded[0].RetryCount != 1 {
		t.Errorf("Expected retry count 1, got %d", recorded[0].RetryCount)
	}
	if failures.value() != 1 {
		t.Errorf("Expected 1 reduce failure counted, got %d", failures.value())
	}
}

func TestHandler_PersistFailureStopsTick(t *testing.T) {
	events := &fakeEventStore{events: []es.Event{
		testEvent(1, 0, "u1", 1, "user_registered"),
		testEvent(2, 0, "u1", 2, "user_renamed"),
	}}
	tracker := newFakeTracker()
	tracker.setErr = errors.New("disk full")
	proj := &recordingProjection{name: "users"}

	h := NewHandler(proj, HandlerConfig{InstanceID: "tenant-1"}, testDeps(events, tracker, nil, nil))
	h.tick(context.Background())

	// The first event was reduced but its position write failed; the tick
	// must abort instead of applying further events on unpersisted state.
	if count := atomic.LoadInt32(&proj.reduceCount); count != 1 {
		t.Errorf("Expected 1 reduce before abort, got %d", count)
	}
}

func TestHandler_TickSkippedWhileLeaseHeld(t *testing.T) {
	events := &fakeEventStore{events: []es.Event{
		testEvent(1, 0, "u1", 1, "user_registered"),
	}}
	tracker := newFakeTracker()
	locker := newFakeLocker()
	skipped := &countingCounter{}

	// Another instance holds a live lease.
	acquired, err := locker.Acquire(context.Background(), "users", "other-holder", time.Minute)
	if err != nil || !acquired {
		t.Fatalf("Failed to seed lease: acquired=%v err=%v", acquired, err)
	}

	proj := &recordingProjection{name: "users"}
	h := NewHandler(proj, HandlerConfig{
		InstanceID:    "tenant-1",
		EnableLocking: true,
		Metrics:       HandlerMetrics{TicksSkipped: skipped},
	}, testDeps(events, tracker, locker, nil))
	h.tick(context.Background())

	if count := atomic.LoadInt32(&proj.reduceCount); count != 0 {
		t.Errorf("Expected no reduces while lease is held elsewhere, got %d", count)
	}
	if skipped.value() != 1 {
		t.Errorf("Expected 1 skipped tick, got %d", skipped.value())
	}
	if state, _ := tracker.GetCurrentState(context.Background(), "users"); state != nil {
		t.Errorf("Expected no state written, got %+v", state)
	}
}

func TestHandler_TwoLockedHandlersApplyOnce(t *testing.T) {
	events := &fakeEventStore{events: []es.Event{
		testEvent(1, 0, "u1", 1, "user_registered"),
		testEvent(2, 0, "u1", 2, "user_renamed"),
	}}
	tracker := newFakeTracker()
	locker := newFakeLocker()
	projA := &recordingProjection{name: "users"}
	projB := &recordingProjection{name: "users"}
	config := HandlerConfig{InstanceID: "tenant-1", EnableLocking: true, LockTTL: time.Minute}

	hA := NewHandler(projA, config, testDeps(events, tracker, locker, nil))
	hB := NewHandler(projB, config, testDeps(events, tracker, locker, nil))

	hA.tick(context.Background())
	hB.tick(context.Background())

	total := atomic.LoadInt32(&projA.reduceCount) + atomic.LoadInt32(&projB.reduceCount)
	if total != 2 {
		t.Errorf("Expected each event reduced exactly once across handlers, got %d reduces", total)
	}
	if atomic.LoadInt32(&projB.reduceCount) != 0 {
		t.Errorf("Expected second handler to be locked out, got %d reduces", atomic.LoadInt32(&projB.reduceCount))
	}
}

func TestHandler_StartStopLifecycle(t *testing.T) {
	events := &fakeEventStore{events: []es.Event{
		testEvent(1, 0, "u1", 1, "user_registered"),
		testEvent(2, 0, "u1", 2, "user_renamed"),
		testEvent(3, 0, "u1", 3, "user_disabled"),
	}}
	tracker := newFakeTracker()
	locker := newFakeLocker()
	proj := &recordingProjection{name: "users"}

	h := NewHandler(proj, HandlerConfig{
		InstanceID:    "tenant-1",
		Interval:      5 * time.Millisecond,
		EnableLocking: true,
	}, testDeps(events, tracker, locker, nil))

	if h.State() != StateStopped {
		t.Fatalf("Expected initial state stopped, got %s", h.State())
	}

	h.Start(context.Background())
	// Starting again is a no-op.
	h.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for {
		state, err := tracker.GetCurrentState(context.Background(), "users")
		if err != nil {
			t.Fatalf("GetCurrentState failed: %v", err)
		}
		if state != nil && state.Position >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Handler did not catch up within 2s")
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.Stop()
	// Stopping again is a no-op.
	h.Stop()

	if h.State() != StateStopped {
		t.Errorf("Expected state stopped after Stop, got %s", h.State())
	}
	if holder := locker.holder("users"); holder != "" {
		t.Errorf("Expected lease released on stop, still held by %s", holder)
	}
	if len(proj.appliedEvents()) != 3 {
		t.Errorf("Expected 3 applied events, got %d", len(proj.appliedEvents()))
	}
}

// blockingProjection blocks its first Reduce until released and records
// whether the reduce context was canceled while it ran.
type blockingProjection struct {
	recordingProjection
	started    chan struct{}
	release    chan struct{}
	sawCancel  atomic.Bool
	blockCount int32
}

func (p *blockingProjection) Reduce(ctx context.Context, db es.DBTX, event es.Event) error {
	if atomic.AddInt32(&p.blockCount, 1) == 1 {
		close(p.started)
		<-p.release
	}
	if ctx.Err() != nil {
		p.sawCancel.Store(true)
	}
	return p.recordingProjection.Reduce(ctx, db, event)
}

func TestHandler_StopWaitsForInFlightReduce(t *testing.T) {
	events := &fakeEventStore{events: []es.Event{
		testEvent(1, 0, "u1", 1, "user_registered"),
		testEvent(2, 0, "u1", 2, "user_renamed"),
	}}
	tracker := newFakeTracker()
	failed := newFakeFailedStore()
	proj := &blockingProjection{
		recordingProjection: recordingProjection{name: "users"},
		started:             make(chan struct{}),
		release:             make(chan struct{}),
	}

	h := NewHandler(proj, HandlerConfig{
		InstanceID: "tenant-1",
		Interval:   5 * time.Millisecond,
	}, testDeps(events, tracker, nil, failed))

	h.Start(context.Background())
	<-proj.started

	// Stop lands while the first event's reduce is in flight.
	stopped := make(chan struct{})
	go func() {
		h.Stop()
		close(stopped)
	}()

	time.Sleep(20 * time.Millisecond)
	close(proj.release)

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the in-flight reduce finished")
	}

	// The reduce-and-persist pair ran to completion, un-canceled.
	if proj.sawCancel.Load() {
		t.Error("Expected the in-flight reduce to run on an un-canceled context")
	}
	applied := proj.appliedEvents()
	if len(applied) != 1 {
		t.Fatalf("Expected exactly the in-flight event applied, got %d", len(applied))
	}
	if applied[0].Position != 1 {
		t.Errorf("Expected position 1 applied, got %d", applied[0].Position)
	}

	state, err := tracker.GetCurrentState(context.Background(), "users")
	if err != nil {
		t.Fatalf("GetCurrentState failed: %v", err)
	}
	if state == nil || state.Position != 1 {
		t.Fatalf("Expected position 1 persisted for the completed pair, got %+v", state)
	}

	// Shutdown never manufactures failure rows.
	recorded, err := failed.List(context.Background(), "users")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(recorded) != 0 {
		t.Errorf("Expected no failed events from shutdown, got %d", len(recorded))
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateStopped, "stopped"},
		{StateStarting, "starting"},
		{StatePolling, "polling"},
		{StateApplying, "applying"},
		{State(99), "unknown(99)"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("Expected %q, got %q", tt.expected, got)
		}
	}
}
