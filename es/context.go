package es

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventContext carries the per-call metadata stamped onto appended events.
// It travels explicitly through context.Context instead of living in global state,
// so concurrent commands never observe each other's correlation ids.
type EventContext struct {
	CorrelationID uuid.NullUUID
	CausationID   uuid.NullUUID
	// OccurredAt, when set, stamps events that carry no OccurredAt of their own
	// instead of the store clock. Commands replaying an external timeline use it.
	OccurredAt time.Time
	// Metadata is copied verbatim onto every appended event.
	Metadata []byte
}

type eventContextKey struct{}

// WithEventContext returns a copy of ctx carrying ec.
func WithEventContext(ctx context.Context, ec EventContext) context.Context {
	return context.WithValue(ctx, eventContextKey{}, ec)
}

// WithCorrelationID returns a copy of ctx whose EventContext has the given correlation id.
func WithCorrelationID(ctx context.Context, id uuid.UUID) context.Context {
	ec := EventContextFrom(ctx)
	ec.CorrelationID = uuid.NullUUID{UUID: id, Valid: true}
	return WithEventContext(ctx, ec)
}

// WithOccurredAt returns a copy of ctx whose EventContext stamps events with t.
func WithOccurredAt(ctx context.Context, t time.Time) context.Context {
	ec := EventContextFrom(ctx)
	ec.OccurredAt = t
	return WithEventContext(ctx, ec)
}

// EventContextFrom returns the EventContext in ctx, or the zero value.
func EventContextFrom(ctx context.Context) EventContext {
	ec, _ := ctx.Value(eventContextKey{}).(EventContext)
	return ec
}
