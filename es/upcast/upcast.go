// Package upcast migrates stored event payloads to their current schema version.
//
// Upcasters operate on the normalized key/value form of a payload, so they do not
// depend on the wire codec. The registry applies them in a chain: the upcaster
// registered for (type, v) produces v+1, and the chain stops at the first version
// without an upcaster.
//
// With es.JSONCodec, numbers in the normalized form are json.Number values.
package upcast

import (
	"fmt"
	"sync"

	"github.com/getpup/puprelay/es"
)

// Upcaster upgrades one event type from one schema version to the next.
type Upcaster interface {
	EventType() string
	FromVersion() int
	Name() string
	Upcast(payload map[string]any) (map[string]any, error)
}

// Func is the transformation performed by an upcaster created with New.
type Func func(payload map[string]any) (map[string]any, error)

type funcUpcaster struct {
	eventType string
	from      int
	name      string
	fn        Func
}

func (u funcUpcaster) EventType() string { return u.eventType }
func (u funcUpcaster) FromVersion() int  { return u.from }
func (u funcUpcaster) Name() string      { return u.name }

func (u funcUpcaster) Upcast(payload map[string]any) (map[string]any, error) {
	return u.fn(payload)
}

// New returns an Upcaster backed by fn.
func New(eventType string, fromVersion int, name string, fn Func) Upcaster {
	if name == "" {
		name = fmt.Sprintf("%s.v%d", eventType, fromVersion)
	}
	return funcUpcaster{eventType: eventType, from: fromVersion, name: name, fn: fn}
}

// Result is the outcome of an upcast.
type Result struct {
	Payload map[string]any
	Version int
	// Applied lists the upcasters applied, in order.
	Applied []string
}

type key struct {
	eventType string
	from      int
}

// Registry holds upcasters keyed by (event type, from version).
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	upcasters map[key]Upcaster
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{upcasters: map[key]Upcaster{}}
}

// Register adds upcasters. A second upcaster for the same (type, from version)
// is a configuration error and nothing from the call is registered.
func (r *Registry) Register(upcasters ...Upcaster) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := map[key]bool{}
	for _, u := range upcasters {
		if u.EventType() == "" || u.FromVersion() < 1 {
			return fmt.Errorf("%w: upcaster %q needs an event type and a from version >= 1", es.ErrInvalidConfig, u.Name())
		}
		k := key{eventType: u.EventType(), from: u.FromVersion()}
		if _, dup := r.upcasters[k]; dup || seen[k] {
			return fmt.Errorf("%w: duplicate upcaster for %s v%d", es.ErrInvalidConfig, k.eventType, k.from)
		}
		seen[k] = true
	}
	for _, u := range upcasters {
		r.upcasters[key{eventType: u.EventType(), from: u.FromVersion()}] = u
	}
	return nil
}

// Upcast applies the upcaster chain for eventType starting at version.
// A payload without a matching upcaster passes through unchanged.
func (r *Registry) Upcast(eventType string, version int, payload map[string]any) (Result, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res := Result{Payload: payload, Version: version}
	for {
		u, ok := r.upcasters[key{eventType: eventType, from: res.Version}]
		if !ok {
			return res, nil
		}
		next, err := u.Upcast(res.Payload)
		if err != nil {
			return Result{}, fmt.Errorf("upcaster %s failed: %w", u.Name(), err)
		}
		res.Payload = next
		res.Version++
		res.Applied = append(res.Applied, u.Name())
	}
}

// UpcastPayload implements es.Upcaster.
func (r *Registry) UpcastPayload(eventType string, version int, payload map[string]any) (map[string]any, int, error) {
	res, err := r.Upcast(eventType, version, payload)
	if err != nil {
		return nil, 0, err
	}
	return res.Payload, res.Version, nil
}

var _ es.Upcaster = (*Registry)(nil)
