package nats_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	natsgo "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/getpup/puprelay/es"
	"github.com/getpup/puprelay/es/adapters/nats"
	"github.com/getpup/puprelay/es/outbox"
)

func delivery() outbox.Delivery {
	return outbox.Delivery{
		Event: es.StoredEvent{
			OccurredAt:     time.Date(2024, 1, 2, 3, 4, 5, 123456000, time.UTC),
			StreamID:       "document-abc",
			EventType:      "TitleChanged",
			Payload:        []byte(`{"title":"final"}`),
			GlobalSequence: 42,
			StreamSequence: 3,
			EventVersion:   2,
			CorrelationID:  uuid.NullUUID{UUID: uuid.New(), Valid: true},
			EventID:        uuid.New(),
		},
		Message: outbox.Message{GlobalSequence: 42, PartitionKey: "p07"},
	}
}

func TestHeadersRoundTrip(t *testing.T) {
	d := delivery()
	h := nats.Headers(d)

	require.Equal(t, d.Event.EventID.String(), h.Get("Nats-Msg-Id"))
	require.Equal(t, "p07", h.Get(nats.HeaderPartition))
	require.Empty(t, h.Get(nats.HeaderCausationID))

	got, err := nats.EventFromMsg(h, d.Event.Payload)
	require.NoError(t, err)
	require.Equal(t, d.Event, got)
}

func TestEventFromMsgRejectsForeignMessages(t *testing.T) {
	_, err := nats.EventFromMsg(natsgo.Header{}, []byte("{}"))
	require.Error(t, err)

	h := nats.Headers(delivery())
	h.Set(nats.HeaderGlobalSequence, "forty-two")
	_, err = nats.EventFromMsg(h, nil)
	require.Error(t, err)
}

func TestSubjectToken(t *testing.T) {
	require.Equal(t, "TitleChanged", nats.SubjectToken("TitleChanged"))
	require.Equal(t, "billing_InvoicePaid", nats.SubjectToken("billing.InvoicePaid"))
	require.Equal(t, "a_b_c", nats.SubjectToken("a*b>c"))
	require.Equal(t, "_", nats.SubjectToken(""))
}
