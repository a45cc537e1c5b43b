package es

import (
	"fmt"
	"sync"
)

// DomainEvent is implemented by typed event payloads.
// EventType must be defined on the value receiver so the type name can be read from a zero value.
type DomainEvent interface {
	EventType() string
}

// Versioned is implemented by events whose schema has evolved past version 1.
type Versioned interface {
	EventVersion() int
}

// Publishable is implemented by events that must reach external consumers through the outbox.
type Publishable interface {
	Publishable() bool
}

// VersionOf returns the current schema version of e (1 unless e implements Versioned).
func VersionOf(e DomainEvent) int {
	if v, ok := e.(Versioned); ok && v.EventVersion() > 0 {
		return v.EventVersion()
	}
	return 1
}

// IsPublishable reports whether e should be enqueued in the outbox.
func IsPublishable(e DomainEvent) bool {
	p, ok := e.(Publishable)
	return ok && p.Publishable()
}

// Upcaster migrates a normalized payload from an older schema version.
// upcast.Registry implements it.
type Upcaster interface {
	UpcastPayload(eventType string, version int, payload map[string]any) (map[string]any, int, error)
}

type decodeFunc func(codec Codec, data []byte) (DomainEvent, error)

// EventRegistry maps event type names to typed decoders.
// Entries are resolved once at registration time.
type EventRegistry struct {
	mu       sync.RWMutex
	decoders map[string]decodeFunc
}

// NewEventRegistry creates an empty registry.
func NewEventRegistry() *EventRegistry {
	return &EventRegistry{decoders: map[string]decodeFunc{}}
}

// Register adds a decoder for E under E's event type. It returns the type name.
func Register[E DomainEvent](r *EventRegistry) string {
	var zero E
	eventType := zero.EventType()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[eventType] = func(codec Codec, data []byte) (DomainEvent, error) {
		var e E
		if len(data) > 0 {
			if err := codec.Unmarshal(data, &e); err != nil {
				return nil, err
			}
		}
		return e, nil
	}
	return eventType
}

// Has reports whether eventType is registered.
func (r *EventRegistry) Has(eventType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.decoders[eventType]
	return ok
}

// Types returns the registered event types.
func (r *EventRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.decoders))
	for t := range r.decoders {
		out = append(out, t)
	}
	return out
}

// Decoder turns stored events into typed domain events, upcasting old schemas first.
type Decoder struct {
	registry *EventRegistry
	codec    Codec
	upcaster Upcaster
}

// NewDecoder creates a Decoder. upcaster may be nil.
func NewDecoder(registry *EventRegistry, codec Codec, upcaster Upcaster) *Decoder {
	if codec == nil {
		codec = JSONCodec{}
	}
	return &Decoder{registry: registry, codec: codec, upcaster: upcaster}
}

// Decode rehydrates the domain event stored in e.
func (d *Decoder) Decode(e StoredEvent) (DomainEvent, error) {
	d.registry.mu.RLock()
	decode, ok := d.registry.decoders[e.EventType]
	d.registry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, e.EventType)
	}

	data := e.Payload
	if d.upcaster != nil {
		payload, err := Normalize(d.codec, e.EventType, data)
		if err != nil {
			return nil, err
		}
		upcasted, version, err := d.upcaster.UpcastPayload(e.EventType, e.EventVersion, payload)
		if err != nil {
			return nil, fmt.Errorf("failed to upcast %s v%d: %w", e.EventType, e.EventVersion, err)
		}
		if version != e.EventVersion {
			data, err = Denormalize(d.codec, e.EventType, upcasted)
			if err != nil {
				return nil, err
			}
		}
	}

	ev, err := decode(d.codec, data)
	if err != nil {
		return nil, &SerializationError{Op: "decode", EventType: e.EventType, Err: err}
	}
	return ev, nil
}
