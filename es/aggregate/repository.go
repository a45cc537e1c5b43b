package aggregate

import (
	"context"
	"errors"
	"fmt"

	"github.com/getpup/puprelay/es"
	"github.com/getpup/puprelay/es/outbox"
	"github.com/getpup/puprelay/es/snapshot"
	"github.com/getpup/puprelay/es/store"
)

// EventStore is the read and write side of the event store a Repository needs.
type EventStore interface {
	store.EventStore
	store.EventReader
}

// Snapshotter is implemented by aggregates that encode their own snapshot state.
// Aggregates without it are snapshotted through the repository codec.
type Snapshotter interface {
	SnapshotState() ([]byte, error)
	RestoreState(data []byte) error
}

// RepositoryConfig wires a Repository for aggregate type A.
type RepositoryConfig[A Aggregate] struct {
	// DB opens the transaction each Save runs in.
	DB es.DB

	// Events stores and replays the aggregate streams. Required.
	Events EventStore

	// Handlers applies events to A. Required.
	Handlers *Handlers[A]

	// Factory returns a zero aggregate. Required.
	Factory func() A

	// Snapshots enables snapshot loads and saves when set.
	Snapshots snapshot.Store

	// Policy decides when Save takes a snapshot. Nil means snapshot.OnDemand().
	Policy snapshot.Policy

	// Outbox receives a row for every publishable event when set.
	Outbox outbox.Store

	// Partitioner assigns outbox rows to partitions.
	// Nil means outbox.HashPartitioner with outbox.DefaultPartitionCount.
	Partitioner outbox.Partitioner

	// Codec encodes payloads and snapshots. Nil means es.JSONCodec.
	Codec es.Codec

	// Upcaster migrates old payload schemas on load (optional).
	Upcaster es.Upcaster

	// Logger is optional. If nil, logging is disabled.
	Logger es.Logger

	// AggregateType names the aggregate in snapshots and policies. Required.
	AggregateType string

	// Prefix is the stream id prefix. Defaults to AggregateType.
	Prefix string
}

// Validate reports the first missing required field.
func (c RepositoryConfig[A]) Validate() error {
	switch {
	case c.AggregateType == "":
		return fmt.Errorf("%w: aggregate type is required", es.ErrInvalidConfig)
	case c.DB == nil:
		return fmt.Errorf("%w: db is required", es.ErrInvalidConfig)
	case c.Events == nil:
		return fmt.Errorf("%w: event store is required", es.ErrInvalidConfig)
	case c.Handlers == nil:
		return fmt.Errorf("%w: handlers are required", es.ErrInvalidConfig)
	case c.Factory == nil:
		return fmt.Errorf("%w: factory is required", es.ErrInvalidConfig)
	}
	return nil
}

// Repository loads and saves aggregates of type A.
type Repository[A Aggregate] struct {
	config  RepositoryConfig[A]
	decoder *es.Decoder
}

// NewRepository validates config and fills its defaults.
func NewRepository[A Aggregate](config RepositoryConfig[A]) (*Repository[A], error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Prefix == "" {
		config.Prefix = config.AggregateType
	}
	if config.Codec == nil {
		config.Codec = es.JSONCodec{}
	}
	if config.Policy == nil {
		config.Policy = snapshot.OnDemand()
	}
	if config.Partitioner == nil {
		config.Partitioner = outbox.HashPartitioner{Count: outbox.DefaultPartitionCount}
	}
	return &Repository[A]{
		config:  config,
		decoder: es.NewDecoder(config.Handlers.Registry(), config.Codec, config.Upcaster),
	}, nil
}

// New returns an empty aggregate bound to id.
func (r *Repository[A]) New(id ID) A {
	a := r.config.Factory()
	a.AggregateRoot().bind(id, func(e es.DomainEvent) error {
		return r.config.Handlers.Apply(a, e)
	})
	return a
}

// Create returns an empty aggregate with a fresh id.
func (r *Repository[A]) Create() A {
	return r.New(NewID(r.config.Prefix))
}

// Find rehydrates the aggregate from its latest snapshot and the events after it.
// It returns ErrAggregateNotFound when neither exists.
func (r *Repository[A]) Find(ctx context.Context, id ID) (A, error) {
	a := r.New(id)
	root := a.AggregateRoot()

	if r.config.Snapshots != nil {
		snap, err := r.config.Snapshots.Load(ctx, r.config.DB, r.config.AggregateType, id.StreamID())
		switch {
		case err == nil:
			if err := r.restore(a, snap.Payload); err != nil {
				return a, err
			}
			root.version = snap.Version
			root.snapshotVersion = snap.Version
		case errors.Is(err, snapshot.ErrNotFound):
		default:
			return a, fmt.Errorf("failed to load snapshot of %s: %w", id, err)
		}
	}

	window := es.EventWindow{}
	if root.version > 0 {
		window = es.From(es.AfterStreamSequence(root.version))
	}
	for stored, err := range r.config.Events.Load(ctx, r.config.DB, id.StreamID(), window) {
		if err != nil {
			return a, fmt.Errorf("failed to load %s: %w", id, err)
		}
		e, err := r.decoder.Decode(stored)
		if err != nil {
			return a, err
		}
		if err := r.config.Handlers.Apply(a, e); err != nil {
			return a, err
		}
		root.version = stored.StreamSequence
	}

	if root.version == 0 {
		return a, fmt.Errorf("%w: %s", ErrAggregateNotFound, id)
	}
	return a, nil
}

// Save appends the pending events and enqueues the publishable ones in a
// single transaction, then snapshots when the policy asks for it.
// Saving an aggregate without pending events is a no-op.
//
// A concurrent save of the same aggregate makes Save fail with
// store.ErrOptimisticConcurrency; nothing is persisted in that case.
func (r *Repository[A]) Save(ctx context.Context, a A) error {
	root := a.AggregateRoot()
	if len(root.pending) == 0 {
		return nil
	}

	events := make([]es.Event, 0, len(root.pending))
	for _, e := range root.pending {
		payload, err := r.config.Codec.Marshal(e)
		if err != nil {
			return &es.SerializationError{Op: "encode", EventType: e.EventType(), Err: err}
		}
		events = append(events, es.Event{
			StreamID:     root.id.StreamID(),
			EventType:    e.EventType(),
			EventVersion: es.VersionOf(e),
			Payload:      payload,
		})
	}

	tx, err := r.config.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback after Commit is a no-op
		tx.Rollback()
	}()

	result, err := r.config.Events.Append(ctx, tx, es.Exact(root.version), events)
	if err != nil {
		return err
	}

	if r.config.Outbox != nil {
		partition := r.config.Partitioner.PartitionFor(root.id.StreamID())
		for i, e := range root.pending {
			if !es.IsPublishable(e) {
				continue
			}
			if err := r.config.Outbox.Enqueue(ctx, tx, result.Events[i].GlobalSequence, partition); err != nil {
				return fmt.Errorf("failed to enqueue %s: %w", e.EventType(), err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	delta := len(root.pending)
	root.markSaved(result.ToVersion())

	if r.config.Logger != nil {
		r.config.Logger.Debug(ctx, "aggregate saved",
			"stream_id", root.id.StreamID(), "version", root.version, "events", delta)
	}

	if r.config.Snapshots == nil {
		return nil
	}
	decision := snapshot.Decision{
		AggregateType:   r.config.AggregateType,
		NewSequence:     root.version,
		PreviousVersion: root.snapshotVersion,
		Delta:           delta,
	}
	if r.config.Policy.ShouldSnapshot(decision) {
		// the events are committed; a failed snapshot only costs replay time
		if err := r.Snapshot(ctx, a); err != nil && r.config.Logger != nil {
			r.config.Logger.Error(ctx, "snapshot failed",
				"stream_id", root.id.StreamID(), "version", root.version, "error", err)
		}
	}
	return nil
}

// Snapshot stores the aggregate's current persisted state.
// Aggregates with pending events are rejected because their state is ahead of Version.
func (r *Repository[A]) Snapshot(ctx context.Context, a A) error {
	if r.config.Snapshots == nil {
		return fmt.Errorf("%w: no snapshot store configured", es.ErrInvalidConfig)
	}
	root := a.AggregateRoot()
	if len(root.pending) > 0 {
		return fmt.Errorf("cannot snapshot %s with %d unsaved events", root.id, len(root.pending))
	}
	if root.version == 0 {
		return fmt.Errorf("%w: %s", ErrAggregateNotFound, root.id)
	}

	payload, err := r.state(a)
	if err != nil {
		return err
	}
	err = r.config.Snapshots.Save(ctx, r.config.DB, snapshot.Snapshot{
		AggregateType: r.config.AggregateType,
		AggregateID:   root.id.StreamID(),
		Version:       root.version,
		Payload:       payload,
	})
	if err != nil {
		return fmt.Errorf("failed to save snapshot of %s: %w", root.id, err)
	}
	root.snapshotVersion = root.version
	return nil
}

func (r *Repository[A]) state(a A) ([]byte, error) {
	if s, ok := any(a).(Snapshotter); ok {
		data, err := s.SnapshotState()
		if err != nil {
			return nil, &es.SerializationError{Op: "snapshot", EventType: r.config.AggregateType, Err: err}
		}
		return data, nil
	}
	data, err := r.config.Codec.Marshal(a)
	if err != nil {
		return nil, &es.SerializationError{Op: "snapshot", EventType: r.config.AggregateType, Err: err}
	}
	return data, nil
}

func (r *Repository[A]) restore(a A, data []byte) error {
	var err error
	if s, ok := any(a).(Snapshotter); ok {
		err = s.RestoreState(data)
	} else {
		err = r.config.Codec.Unmarshal(data, a)
	}
	if err != nil {
		return &es.SerializationError{Op: "restore", EventType: r.config.AggregateType, Err: err}
	}
	return nil
}
