package es

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestEventContext_Helpers(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	id := uuid.New()

	ctx := WithOccurredAt(context.Background(), at)
	ctx = WithCorrelationID(ctx, id)

	ec := EventContextFrom(ctx)
	if !ec.OccurredAt.Equal(at) {
		t.Errorf("OccurredAt = %v, want %v", ec.OccurredAt, at)
	}
	if !ec.CorrelationID.Valid || ec.CorrelationID.UUID != id {
		t.Errorf("CorrelationID = %v, want %v", ec.CorrelationID, id)
	}
	if got := EventContextFrom(context.Background()); !got.OccurredAt.IsZero() || got.CorrelationID.Valid {
		t.Errorf("empty context should yield the zero EventContext, got %+v", got)
	}
}
