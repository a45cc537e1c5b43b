package aggregate

import (
	"fmt"

	"github.com/google/uuid"
)

// ID identifies an aggregate instance. Its stream id is "{prefix}-{uuid}".
type ID struct {
	Prefix string
	UUID   uuid.UUID
}

// NewID returns a random ID with prefix.
func NewID(prefix string) ID {
	return ID{Prefix: prefix, UUID: uuid.New()}
}

// StreamID returns the id of the stream holding the aggregate's events.
func (id ID) StreamID() string {
	return id.Prefix + "-" + id.UUID.String()
}

func (id ID) String() string { return id.StreamID() }

// IsZero reports whether the id is unset.
func (id ID) IsZero() bool { return id.UUID == uuid.Nil }

// ParseStreamID is the inverse of StreamID.
func ParseStreamID(streamID string) (ID, error) {
	// the uuid contains dashes itself, so split at the dash before its last 36 characters
	const uuidLen = 36
	if len(streamID) < uuidLen+2 || streamID[len(streamID)-uuidLen-1] != '-' {
		return ID{}, fmt.Errorf("invalid stream id %q", streamID)
	}
	u, err := uuid.Parse(streamID[len(streamID)-uuidLen:])
	if err != nil {
		return ID{}, fmt.Errorf("invalid stream id %q: %w", streamID, err)
	}
	return ID{Prefix: streamID[:len(streamID)-uuidLen-1], UUID: u}, nil
}
