package es

import (
	"errors"
	"fmt"
)

var (
	// ErrSerialization marks codec failures while encoding or decoding payloads.
	// These are not retryable; they point at a data or schema bug.
	ErrSerialization = errors.New("serialization failure")

	// ErrInvalidConfig indicates a component was constructed with an unusable configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrStrategyNotFound indicates a named strategy (fetch, snapshot policy, dialect) does not exist.
	ErrStrategyNotFound = errors.New("strategy not found")

	// ErrInvalidWindow indicates an EventWindow with unusable bounds.
	ErrInvalidWindow = errors.New("invalid event window")

	// ErrNoEventsMatched is returned by replay and rebuild operations that matched nothing.
	// An empty replay usually means the filter is wrong.
	ErrNoEventsMatched = errors.New("no events matched")

	// ErrUnknownEventType indicates a stored event type has no registered decoder.
	ErrUnknownEventType = errors.New("unknown event type")
)

// SerializationError describes a codec failure for one event type.
type SerializationError struct {
	Err       error
	EventType string
	Op        string
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.EventType, e.Err)
}

// Unwrap exposes both ErrSerialization and the codec error to errors.Is/As.
func (e *SerializationError) Unwrap() []error {
	return []error{ErrSerialization, e.Err}
}
