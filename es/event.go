// Package es provides core event sourcing interfaces and types.
package es

import (
	"time"

	"github.com/google/uuid"
)

// Event represents an immutable domain event that has not been persisted yet.
// Events are value objects without a position until the store assigns one.
type Event struct {
	// OccurredAt is when the event happened. The store fills it from the EventContext, then its clock, when zero.
	OccurredAt time.Time

	// StreamID identifies the stream (one aggregate instance) the event belongs to.
	StreamID string

	// EventType identifies the type of event
	EventType string

	// Payload contains the encoded event data.
	// Stored as bytes so any codec can be used.
	Payload []byte

	// Metadata contains additional event metadata as JSON (optional)
	Metadata []byte

	// EventVersion is the schema version of this event type
	EventVersion int

	// CausationID identifies the event/command that caused this event (optional)
	CausationID uuid.NullUUID

	// CorrelationID links related events across aggregates (optional)
	CorrelationID uuid.NullUUID

	// EventID is a unique identifier for this event
	EventID uuid.UUID
}

// StoredEvent represents an event that has been appended to the store.
// It is immutable once created.
type StoredEvent struct {
	OccurredAt time.Time

	StreamID  string
	EventType string

	Payload  []byte
	Metadata []byte

	// GlobalSequence is the position in the total order across all streams.
	GlobalSequence int64

	// StreamSequence is the per-stream version, starting at 1 without gaps.
	StreamSequence int64

	EventVersion int

	CausationID   uuid.NullUUID
	CorrelationID uuid.NullUUID
	EventID       uuid.UUID
}

// Stream is a materialized slice of one stream's history.
type Stream struct {
	StreamID string
	Events   []StoredEvent
}

// Version returns the stream sequence of the last event, or 0 for an empty stream.
func (s Stream) Version() int64 {
	if len(s.Events) == 0 {
		return 0
	}
	return s.Events[len(s.Events)-1].StreamSequence
}

// IsEmpty reports whether the stream holds no events.
func (s Stream) IsEmpty() bool {
	return len(s.Events) == 0
}

// Len returns the number of events in the stream.
func (s Stream) Len() int {
	return len(s.Events)
}

// AppendResult is returned by a successful append.
type AppendResult struct {
	Events []StoredEvent
}

// FromVersion returns the stream sequence the stream was at before the append.
func (r AppendResult) FromVersion() int64 {
	if len(r.Events) == 0 {
		return 0
	}
	return r.Events[0].StreamSequence - 1
}

// ToVersion returns the stream sequence after the append.
func (r AppendResult) ToVersion() int64 {
	if len(r.Events) == 0 {
		return 0
	}
	return r.Events[len(r.Events)-1].StreamSequence
}

// GlobalSequences returns the global sequences assigned to the appended events.
func (r AppendResult) GlobalSequences() []int64 {
	out := make([]int64, len(r.Events))
	for i := range r.Events {
		out[i] = r.Events[i].GlobalSequence
	}
	return out
}
