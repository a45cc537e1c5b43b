// Package aggregate rehydrates aggregates from their event streams and saves
// the events they record, together with their outbox rows, in one transaction.
//
// Aggregates embed Root and register a typed handler per event type:
//
//	type Document struct {
//	    aggregate.Root
//	    Title string
//	}
//
//	handlers := aggregate.NewHandlers[*Document](es.NewEventRegistry())
//	aggregate.On(handlers, func(d *Document, e TitleSet) { d.Title = e.Title })
//
// Handlers are resolved once at registration; applying an event is a map lookup.
package aggregate

import (
	"errors"
	"fmt"

	"github.com/getpup/puprelay/es"
)

var (
	// ErrAggregateNotFound indicates a stream with no events and no snapshot.
	ErrAggregateNotFound = errors.New("aggregate not found")

	// ErrNoHandler indicates an event type without a registered handler.
	ErrNoHandler = errors.New("no handler for event")

	// ErrNotBound indicates an aggregate that was not created by a Repository.
	ErrNotBound = errors.New("aggregate not bound to a repository")
)

// Aggregate is implemented by types embedding Root.
type Aggregate interface {
	AggregateRoot() *Root
}

// Root holds the identity, version and uncommitted events of an aggregate.
type Root struct {
	apply           func(es.DomainEvent) error
	pending         []es.DomainEvent
	id              ID
	version         int64
	snapshotVersion int64
}

// AggregateRoot implements Aggregate.
func (r *Root) AggregateRoot() *Root { return r }

// ID returns the aggregate id.
func (r *Root) ID() ID { return r.id }

// Version returns the stream sequence of the last persisted event, 0 for a new aggregate.
func (r *Root) Version() int64 { return r.version }

// SnapshotVersion returns the version of the last known snapshot, 0 if none.
func (r *Root) SnapshotVersion() int64 { return r.snapshotVersion }

// Pending returns the recorded events not saved yet.
func (r *Root) Pending() []es.DomainEvent { return r.pending }

// Record applies e to the aggregate and queues it for the next save.
// An event that cannot be applied is not queued.
func (r *Root) Record(e es.DomainEvent) error {
	if r.apply == nil {
		return ErrNotBound
	}
	if err := r.apply(e); err != nil {
		return err
	}
	r.pending = append(r.pending, e)
	return nil
}

func (r *Root) bind(id ID, apply func(es.DomainEvent) error) {
	r.id = id
	r.apply = apply
}

func (r *Root) markSaved(version int64) {
	r.version = version
	r.pending = nil
}

// Handlers maps event types to typed apply functions for aggregate type A.
type Handlers[A Aggregate] struct {
	registry *es.EventRegistry
	handlers map[string]func(A, es.DomainEvent)
}

// NewHandlers creates an empty handler set registering its events in registry.
// A nil registry gets a private one.
func NewHandlers[A Aggregate](registry *es.EventRegistry) *Handlers[A] {
	if registry == nil {
		registry = es.NewEventRegistry()
	}
	return &Handlers[A]{registry: registry, handlers: map[string]func(A, es.DomainEvent){}}
}

// On registers fn as the handler for events of type E and registers E's decoder.
func On[A Aggregate, E es.DomainEvent](h *Handlers[A], fn func(A, E)) {
	eventType := es.Register[E](h.registry)
	h.handlers[eventType] = func(a A, e es.DomainEvent) {
		fn(a, e.(E))
	}
}

// Registry returns the event registry the handlers decode with.
func (h *Handlers[A]) Registry() *es.EventRegistry { return h.registry }

// Apply dispatches e to its handler.
func (h *Handlers[A]) Apply(a A, e es.DomainEvent) error {
	fn, ok := h.handlers[e.EventType()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, e.EventType())
	}
	fn(a, e)
	return nil
}
