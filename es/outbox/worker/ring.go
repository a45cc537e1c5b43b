package worker

import (
	"sync"
	"time"
)

// DeliveryError is one entry of the recent errors ring.
type DeliveryError struct {
	At             time.Time
	Error          string
	PartitionKey   string
	GlobalSequence int64
	// Attempts counts the failures of the message including this one.
	Attempts int
}

// ring keeps the last size entries. The mutex only serves readers on other
// goroutines calling Runner.Recent.
type ring struct {
	mu      sync.Mutex
	entries []DeliveryError
	next    int
	full    bool
}

func newRing(size int) *ring {
	if size < 1 {
		size = 1
	}
	return &ring{entries: make([]DeliveryError, size)}
}

func (r *ring) add(e DeliveryError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = e
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
}

// snapshot returns the entries oldest first.
func (r *ring) snapshot() []DeliveryError {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]DeliveryError(nil), r.entries[:r.next]...)
	}
	out := make([]DeliveryError, 0, len(r.entries))
	out = append(out, r.entries[r.next:]...)
	return append(out, r.entries[:r.next]...)
}
