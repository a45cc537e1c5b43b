// Package store provides event store abstractions.
package store

import (
	"context"
	"errors"
	"iter"

	"github.com/getpup/puprelay/es"
)

var (
	// ErrOptimisticConcurrency indicates a version conflict during append.
	// The caller should retry the whole command from a fresh read.
	ErrOptimisticConcurrency = errors.New("optimistic concurrency conflict")

	// ErrNoEvents indicates an attempt to append zero events.
	ErrNoEvents = errors.New("no events to append")

	// ErrEventNotFound indicates a point lookup matched no event.
	ErrEventNotFound = errors.New("event not found")
)

// EventStore defines the interface for appending events.
type EventStore interface {
	// Append atomically appends one or more events within the provided transaction.
	// Events must all belong to the same stream.
	//
	// The store assigns StreamSequence to each event:
	// - Fetches the current MAX(stream_sequence) for the stream
	// - Validates expected against it when optimistic locking is enabled
	// - Assigns consecutive sequences starting from (max + 1)
	// - The unique constraint on (stream_id, stream_sequence) arbitrates
	//   concurrent appenders that passed the check at the same time
	//
	// Returns ErrOptimisticConcurrency on a failed expectation or a unique
	// constraint violation, and ErrNoEvents if events is empty. Nothing is
	// persisted once the caller rolls the transaction back.
	Append(ctx context.Context, tx es.DBTX, expected es.ExpectedVersion, events []es.Event) (es.AppendResult, error)
}

// EventReader defines the interface for reading events.
//
// Sequences are lazy and restartable: every range over the returned iterator
// runs a fresh query, so no cursor state is shared between iterations.
type EventReader interface {
	// Load replays one stream in stream_sequence order, bounded by window.
	Load(ctx context.Context, tx es.DBTX, streamID string, window es.EventWindow) iter.Seq2[es.StoredEvent, error]

	// All replays every stream in global_sequence order, bounded by window and
	// optionally restricted to eventTypes. It is meant for replay and rebuild,
	// never for the write path.
	All(ctx context.Context, tx es.DBTX, window es.EventWindow, eventTypes ...string) iter.Seq2[es.StoredEvent, error]

	// GetByGlobalSequence returns a single event or ErrEventNotFound.
	GetByGlobalSequence(ctx context.Context, tx es.DBTX, globalSequence int64) (es.StoredEvent, error)

	// CurrentSequence returns the stream's max stream_sequence, or 0 for an empty stream.
	CurrentSequence(ctx context.Context, tx es.DBTX, streamID string) (int64, error)
}

// ReadStream materializes a stream loaded through r.
func ReadStream(ctx context.Context, r EventReader, tx es.DBTX, streamID string, window es.EventWindow) (es.Stream, error) {
	stream := es.Stream{StreamID: streamID}
	for e, err := range r.Load(ctx, tx, streamID, window) {
		if err != nil {
			return es.Stream{}, err
		}
		stream.Events = append(stream.Events, e)
	}
	return stream, nil
}
