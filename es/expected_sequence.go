package es

import "fmt"

// ExpectedSequence represents the expected per-aggregate sequence for
// optimistic concurrency control. It is used in push operations to declare
// expectations about the current state of an aggregate.
//
// The zero value is "Any" so that commands without an expectation append
// unconditionally.
type ExpectedSequence struct {
	value int64
}

const (
	// expectedSequenceAny indicates no sequence check should be performed
	expectedSequenceAny = 0
	// expectedSequenceNoStream indicates the aggregate must not exist
	expectedSequenceNoStream = -1
)

// SequenceAny returns an ExpectedSequence that skips sequence validation.
// Use this when you don't need optimistic concurrency control.
func SequenceAny() ExpectedSequence {
	return ExpectedSequence{value: expectedSequenceAny}
}

// SequenceNoStream returns an ExpectedSequence that enforces the aggregate
// must not exist yet. Use this when creating a new aggregate to ensure it
// doesn't already exist, e.g. for uniqueness reservations.
func SequenceNoStream() ExpectedSequence {
	return ExpectedSequence{value: expectedSequenceNoStream}
}

// SequenceExact returns an ExpectedSequence that enforces the aggregate must
// currently be at exactly the given sequence. Sequences start at 1, so the
// value must be positive.
func SequenceExact(sequence int64) ExpectedSequence {
	if sequence < 1 {
		panic(fmt.Sprintf("exact sequence must be positive, got %d", sequence))
	}
	return ExpectedSequence{value: sequence}
}

// IsAny returns true if no sequence check should be performed.
func (es ExpectedSequence) IsAny() bool {
	return es.value == expectedSequenceAny
}

// IsNoStream returns true if the aggregate must not exist.
func (es ExpectedSequence) IsNoStream() bool {
	return es.value == expectedSequenceNoStream
}

// IsExact returns true if the aggregate must be at a specific sequence.
func (es ExpectedSequence) IsExact() bool {
	return es.value >= 1
}

// Value returns the exact sequence if this is an Exact expectation.
// Returns 0 for Any and NoStream.
func (es ExpectedSequence) Value() int64 {
	if es.value >= 1 {
		return es.value
	}
	return 0
}

// String returns a string representation of the ExpectedSequence.
func (es ExpectedSequence) String() string {
	if es.IsAny() {
		return "Any"
	}
	if es.IsNoStream() {
		return "NoStream"
	}
	return fmt.Sprintf("Exact(%d)", es.value)
}
