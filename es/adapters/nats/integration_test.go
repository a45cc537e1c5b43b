//go:build integration

package nats_test

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/getpup/puprelay/es/adapters/nats"
	"github.com/getpup/puprelay/es/outbox"
)

func newTestContainer(t *testing.T) nats.Connector {
	t.Helper()
	ctx := context.Background()
	natsC, err := testcontainers.Run(
		ctx, "nats:2.10-alpine",
		testcontainers.WithCmd("-js"),
		testcontainers.WithExposedPorts("4222/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("4222/tcp"),
			wait.ForLog("Server is ready"),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(natsC); err != nil {
			t.Errorf("failed to terminate container: %s", err.Error())
		}
	})

	endpoint, err := natsC.PortEndpoint(ctx, "4222/tcp", "nats")
	require.NoError(t, err)
	return nats.Share(nats.ConnectURL(endpoint)).Connect
}

func TestDispatcher(t *testing.T) {
	ctx := context.Background()
	connect := newTestContainer(t)

	config := nats.DefaultDispatcherConfig()
	config.Connect = connect
	d, err := nats.NewDispatcher(ctx, config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	first := delivery()
	second := delivery()
	second.Event.EventType = "billing.InvoicePaid"

	require.NoError(t, d.Dispatch(ctx, first))
	require.NoError(t, d.Dispatch(ctx, first), "a redelivery is acknowledged as a duplicate")
	require.NoError(t, d.Dispatch(ctx, second))

	nc, closeNc, err := connect()
	require.NoError(t, err)
	defer closeNc()
	js, err := jetstream.New(nc)
	require.NoError(t, err)

	stream, err := js.Stream(ctx, "PUPRELAY_EVENTS")
	require.NoError(t, err)
	info, err := stream.Info(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), info.State.Msgs, "the duplicate was dropped")

	msg, err := stream.GetLastMsgForSubject(ctx, "puprelay.events.TitleChanged")
	require.NoError(t, err)
	got, err := nats.EventFromMsg(msg.Header, msg.Data)
	require.NoError(t, err)
	require.Equal(t, first.Event, got)

	_, err = stream.GetLastMsgForSubject(ctx, "puprelay.events.billing_InvoicePaid")
	require.NoError(t, err)
}

func TestDispatcherCustomSubject(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	config := nats.DefaultDispatcherConfig()
	config.Connect = newTestContainer(t)
	config.StreamName = "DOCS"
	config.SubjectPrefix = "docs"
	config.Subject = func(d outbox.Delivery) string {
		return "docs." + d.Message.PartitionKey
	}
	d, err := nats.NewDispatcher(ctx, config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	require.NoError(t, d.Dispatch(ctx, delivery()))
}
