package outbox

import (
	"context"

	"github.com/getpup/puprelay/es"
)

// Delivery is one rehydrated event handed to a Dispatcher.
type Delivery struct {
	// Domain is the decoded event, nil when the worker runs without a decoder.
	Domain  es.DomainEvent
	Event   es.StoredEvent
	Message Message
}

// Dispatcher publishes a delivery to external consumers.
//
// It is called synchronously, one delivery at a time. A returned error marks the
// message failed and schedules a retry, so implementations must tolerate
// redelivery of events they already published.
type Dispatcher interface {
	Dispatch(ctx context.Context, d Delivery) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, d Delivery) error

// Dispatch implements Dispatcher.
func (f DispatcherFunc) Dispatch(ctx context.Context, d Delivery) error { return f(ctx, d) }
