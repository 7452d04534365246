package es

import (
	"errors"
	"fmt"
)

// Command is an append request. It is ephemeral and exists only for the
// duration of a push call; the store turns it into an Event.
type Command struct {
	// InstanceID identifies the tenant. Required.
	InstanceID string

	// AggregateType identifies the type of aggregate. Required.
	AggregateType string

	// AggregateID identifies the aggregate instance. Required.
	AggregateID string

	// EventType identifies the type of event. Required.
	EventType string

	// Creator is the identity that issues the command. Required.
	Creator string

	// Owner is the resource owner of the aggregate. Required.
	Owner string

	// Payload is the opaque event data. May be empty.
	Payload []byte

	// ExpectedSequence declares the optimistic concurrency expectation.
	// The zero value skips the check.
	ExpectedSequence ExpectedSequence
}

// ValidationError reports a malformed command.
// It is not retryable - the caller must fix the command.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid command: %s %s", e.Field, e.Reason)
}

// IsValidationError reports whether err is a command validation failure.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Validate checks that all required command fields are set.
func (c Command) Validate() error {
	switch {
	case c.InstanceID == "":
		return &ValidationError{Field: "instance_id", Reason: "must not be empty"}
	case c.AggregateType == "":
		return &ValidationError{Field: "aggregate_type", Reason: "must not be empty"}
	case c.AggregateID == "":
		return &ValidationError{Field: "aggregate_id", Reason: "must not be empty"}
	case c.EventType == "":
		return &ValidationError{Field: "event_type", Reason: "must not be empty"}
	case c.Creator == "":
		return &ValidationError{Field: "creator", Reason: "must not be empty"}
	case c.Owner == "":
		return &ValidationError{Field: "owner", Reason: "must not be empty"}
	}
	return nil
}
