//go:build integration

package integration_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/keyfold/keysourcing/es"
	"github.com/keyfold/keysourcing/es/store"
)

func TestGetCurrentState_UnknownProjection(t *testing.T) {
	s := newTestStore(t)

	state, err := s.GetCurrentState(context.Background(), "users")
	if err != nil {
		t.Fatalf("GetCurrentState failed: %v", err)
	}
	if state != nil {
		t.Errorf("Expected nil state for unknown projection, got %+v", state)
	}
}

func TestSetCurrentPosition_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	eventTime := time.Date(2026, 8, 1, 12, 30, 0, 0, time.UTC)
	err := s.SetCurrentPosition(ctx, "users", store.PositionUpdate{
		Position:       7,
		PositionOffset: 2,
		EventTimestamp: eventTime,
		InstanceID:     "tenant-1",
		AggregateType:  "user",
		AggregateID:    "u1",
		Sequence:       3,
	})
	if err != nil {
		t.Fatalf("SetCurrentPosition failed: %v", err)
	}

	state, err := s.GetCurrentState(ctx, "users")
	if err != nil {
		t.Fatalf("GetCurrentState failed: %v", err)
	}
	if state == nil {
		t.Fatal("Expected state, got nil")
	}
	if state.ProjectionName != "users" {
		t.Errorf("Expected projection name 'users', got %q", state.ProjectionName)
	}
	if state.Position != 7 || state.PositionOffset != 2 {
		t.Errorf("Expected position (7,2), got (%d,%d)", state.Position, state.PositionOffset)
	}
	if !state.EventTimestamp.Equal(eventTime) {
		t.Errorf("Expected event timestamp %v, got %v", eventTime, state.EventTimestamp)
	}
	if state.InstanceID != "tenant-1" || state.AggregateType != "user" ||
		state.AggregateID != "u1" || state.Sequence != 3 {
		t.Errorf("Enhanced fields did not round trip: %+v", state)
	}
	if state.UpdatedAt.IsZero() {
		t.Error("Expected updated_at to be set")
	}
}

func TestSetCurrentPosition_MergeKeepsEnhancedFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.SetCurrentPosition(ctx, "users", store.PositionUpdate{
		Position:       3,
		EventTimestamp: time.Now().UTC(),
		InstanceID:     "tenant-1",
		AggregateType:  "user",
		AggregateID:    "u1",
		Sequence:       2,
	})
	if err != nil {
		t.Fatalf("SetCurrentPosition failed: %v", err)
	}

	// A position-only update must not erase the recorded dedup fields.
	err = s.SetCurrentPosition(ctx, "users", store.PositionUpdate{
		Position:       5,
		PositionOffset: 1,
	})
	if err != nil {
		t.Fatalf("SetCurrentPosition failed: %v", err)
	}

	state, err := s.GetCurrentState(ctx, "users")
	if err != nil {
		t.Fatalf("GetCurrentState failed: %v", err)
	}
	if state.Position != 5 || state.PositionOffset != 1 {
		t.Errorf("Expected position (5,1), got (%d,%d)", state.Position, state.PositionOffset)
	}
	if state.AggregateID != "u1" || state.Sequence != 2 {
		t.Errorf("Expected enhanced fields preserved, got %+v", state)
	}
	if state.EventTimestamp.IsZero() {
		t.Error("Expected event timestamp preserved")
	}
}

func TestSetCurrentPosition_OverwritesEnhancedFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	updates := []store.PositionUpdate{
		{Position: 1, InstanceID: "tenant-1", AggregateType: "user", AggregateID: "u1", Sequence: 1},
		{Position: 2, InstanceID: "tenant-1", AggregateType: "user", AggregateID: "u2", Sequence: 4},
	}
	for _, update := range updates {
		if err := s.SetCurrentPosition(ctx, "users", update); err != nil {
			t.Fatalf("SetCurrentPosition failed: %v", err)
		}
	}

	state, err := s.GetCurrentState(ctx, "users")
	if err != nil {
		t.Fatalf("GetCurrentState failed: %v", err)
	}
	if state.AggregateID != "u2" || state.Sequence != 4 {
		t.Errorf("Expected latest enhanced fields, got %+v", state)
	}
}

func TestFailedEvents_RecordAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	event := es.Event{
		InstanceID:    "tenant-1",
		AggregateType: "user",
		AggregateID:   "u1",
		Sequence:      2,
		Position:      5,
		InTxOrder:     1,
	}

	if err := s.Record(ctx, "users", event, errors.New("bad payload")); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	failed, err := s.List(ctx, "users")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("Expected 1 failed event, got %d", len(failed))
	}
	f := failed[0]
	if f.ProjectionName != "users" || f.Position != 5 || f.InTxOrder != 1 {
		t.Errorf("Unexpected failed event identity: %+v", f)
	}
	if f.Error != "bad payload" {
		t.Errorf("Expected error 'bad payload', got %q", f.Error)
	}
	if f.RetryCount != 1 {
		t.Errorf("Expected retry count 1, got %d", f.RetryCount)
	}

	// Re-recording the same event increments the retry count.
	if err := s.Record(ctx, "users", event, errors.New("still bad")); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	failed, err = s.List(ctx, "users")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("Expected 1 failed event after re-record, got %d", len(failed))
	}
	if failed[0].RetryCount != 2 {
		t.Errorf("Expected retry count 2, got %d", failed[0].RetryCount)
	}
	if failed[0].Error != "still bad" {
		t.Errorf("Expected latest error message, got %q", failed[0].Error)
	}
}

func TestFailedEvents_ListOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	identities := []struct {
		position  int64
		inTxOrder int
	}{{3, 0}, {1, 1}, {1, 0}, {2, 0}}

	for _, id := range identities {
		event := es.Event{
			InstanceID:    "tenant-1",
			AggregateType: "user",
			AggregateID:   "u1",
			Sequence:      1,
			Position:      id.position,
			InTxOrder:     id.inTxOrder,
		}
		if err := s.Record(ctx, "users", event, errors.New("boom")); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	failed, err := s.List(ctx, "users")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(failed) != 4 {
		t.Fatalf("Expected 4 failed events, got %d", len(failed))
	}
	expected := []struct {
		position  int64
		inTxOrder int
	}{{1, 0}, {1, 1}, {2, 0}, {3, 0}}
	for i, exp := range expected {
		if failed[i].Position != exp.position || failed[i].InTxOrder != exp.inTxOrder {
			t.Errorf("Failed event %d: expected (%d,%d), got (%d,%d)",
				i, exp.position, exp.inTxOrder, failed[i].Position, failed[i].InTxOrder)
		}
	}
}
