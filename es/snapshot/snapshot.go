// Package snapshot provides materialized aggregate state and the policies deciding when to take it.
//
// Snapshots are a read-path optimization only. Loading an aggregate means applying
// the events after the snapshot's version on top of its state, so correctness never
// depends on a snapshot existing or being current.
package snapshot

import (
	"context"
	"errors"
	"time"

	"github.com/getpup/puprelay/es"
)

// ErrNotFound indicates no snapshot exists for the aggregate.
var ErrNotFound = errors.New("snapshot not found")

// Snapshot is the stored state of one aggregate at Version.
type Snapshot struct {
	CreatedAt     time.Time
	AggregateType string
	AggregateID   string
	Payload       []byte
	// Version is the last stream sequence absorbed into Payload.
	Version int64
}

// Store persists one snapshot row per aggregate.
type Store interface {
	// Save upserts the snapshot for (AggregateType, AggregateID).
	// A stored snapshot with a higher version is kept.
	Save(ctx context.Context, tx es.DBTX, s Snapshot) error

	// Load returns the snapshot or ErrNotFound.
	Load(ctx context.Context, tx es.DBTX, aggregateType, aggregateID string) (Snapshot, error)

	// Delete removes the snapshot. Deleting a missing snapshot is not an error.
	Delete(ctx context.Context, tx es.DBTX, aggregateType, aggregateID string) error
}
