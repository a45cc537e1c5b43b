// Package outbox provides the transactional outbox and the primitives that
// coordinate the worker fleet draining it.
//
// An outbox row is a pointer to a stored event, written in the same transaction
// as the append. Workers claim rows, rehydrate the event, hand it to a
// Dispatcher and mark the row published or failed. Delivery is at-least-once:
// failed rows are retried after a backoff, forever.
//
// The keyspace is split into pre-seeded partitions. Each partition is leased by
// at most one worker at a time, so events of one stream are delivered in order.
// All mutual exclusion is a conditional statement against the datastore.
package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/getpup/puprelay/es"
)

var (
	// ErrClaimLost indicates a message's claim token no longer matches, because the
	// claim expired and another worker took the row over.
	ErrClaimLost = errors.New("outbox claim lost")

	// ErrWorkerNotRegistered indicates a heartbeat for a worker that is not in the
	// registry, typically because it was reaped after missing its heartbeats.
	ErrWorkerNotRegistered = errors.New("worker not registered")
)

// Message is one outbox row.
type Message struct {
	AvailableAt time.Time
	CreatedAt   time.Time
	PublishedAt *time.Time

	PartitionKey string
	ClaimToken   string
	LastError    string

	GlobalSequence int64
	Attempts       int
}

// IsPublished reports whether the message reached its terminal state.
func (m Message) IsPublished() bool { return m.PublishedAt != nil }

// Stats summarizes the outbox.
type Stats struct {
	// OldestPending is the creation time of the oldest unpublished row, nil if none.
	OldestPending *time.Time
	Pending       int64
	// Failing counts unpublished rows with at least one failed attempt.
	Failing   int64
	Published int64
}

// Store is the outbox table.
type Store interface {
	// Enqueue inserts a pointer to the event at globalSequence. It must run in the
	// transaction that appended the event. An empty partitionKey leaves the row
	// unpartitioned; only unfiltered claims pick such rows up.
	Enqueue(ctx context.Context, tx es.DBTX, globalSequence int64, partitionKey string) error

	// ClaimPending atomically claims up to limit unpublished, available rows in
	// global sequence order, restricted to partitions unless it is empty. Claimed
	// rows get a fresh claim token and become unavailable for the claim TTL.
	ClaimPending(ctx context.Context, tx es.DBTX, limit int, partitions []string) ([]Message, error)

	// MarkPublished sets published_at and clears the claim.
	// It returns ErrClaimLost when msg's claim token is no longer current.
	MarkPublished(ctx context.Context, tx es.DBTX, msg Message) error

	// MarkFailed increments attempts, records the truncated cause, clears the
	// claim and pushes availability forward by the retry backoff.
	// It returns ErrClaimLost when msg's claim token is no longer current.
	MarkFailed(ctx context.Context, tx es.DBTX, msg Message, cause error) error

	// Stats counts rows by state.
	Stats(ctx context.Context, tx es.DBTX) (Stats, error)

	// PurgePublished deletes rows published before the cutoff and returns how many.
	PurgePublished(ctx context.Context, tx es.DBTX, before time.Time) (int64, error)
}

// Partition is one shard of the outbox keyspace.
type Partition struct {
	LeaseUntil *time.Time
	Key        string
	Owner      string
	// Epoch increments on every change of ownership.
	Epoch int64
}

// LeaseStore manages partition leases.
type LeaseStore interface {
	// Seed creates the partitions in keys that do not exist yet.
	Seed(ctx context.Context, tx es.DBTX, keys []string) error

	// TryLease renews keys already leased to owner (epoch unchanged) and acquires
	// keys that are free or expired (epoch bumped). It reports whether any key changed.
	TryLease(ctx context.Context, tx es.DBTX, keys []string, owner string, ttl time.Duration) (bool, error)

	// Renew extends the unexpired leases among keys held by owner and returns how many.
	Renew(ctx context.Context, tx es.DBTX, keys []string, owner string, ttl time.Duration) (int64, error)

	// OwnedBy lists the unexpired leases held by owner, restricted to subset unless it is empty.
	OwnedBy(ctx context.Context, tx es.DBTX, owner string, subset []string) ([]Partition, error)

	// Release clears ownership of keys held by owner. Keys held by others are left alone.
	Release(ctx context.Context, tx es.DBTX, keys []string, owner string) error

	// PruneObsolete deletes partitions outside keep that are unleased or expired.
	PruneObsolete(ctx context.Context, tx es.DBTX, keep []string) (int64, error)

	// List returns every partition ordered by key.
	List(ctx context.Context, tx es.DBTX) ([]Partition, error)
}

// Worker is a registry row.
type Worker struct {
	StartedAt      time.Time
	HeartbeatUntil time.Time
	ID             string
	Hostname       string
	PID            int
}

// Registry tracks the liveness of the worker fleet.
type Registry interface {
	// Join inserts or refreshes w with a heartbeat valid for ttl.
	Join(ctx context.Context, tx es.DBTX, w Worker, ttl time.Duration) error

	// Heartbeat extends the worker's heartbeat or returns ErrWorkerNotRegistered.
	Heartbeat(ctx context.Context, tx es.DBTX, id string, ttl time.Duration) error

	// Leave removes the worker.
	Leave(ctx context.Context, tx es.DBTX, id string) error

	// Active lists workers whose heartbeat has not expired, sorted by id.
	Active(ctx context.Context, tx es.DBTX) ([]Worker, error)

	// ReapExpired deletes workers whose heartbeat expired and returns how many.
	ReapExpired(ctx context.Context, tx es.DBTX) (int64, error)
}

// Throttle is a fleet-wide rate limiter backed by a shared flag row.
type Throttle interface {
	// TryAcquire returns true for at most one caller per interval across all processes.
	TryAcquire(ctx context.Context, tx es.DBTX, name string, interval time.Duration) (bool, error)
}
