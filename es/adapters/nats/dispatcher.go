// Package nats publishes outbox deliveries to NATS JetStream.
//
// Every delivery becomes one JetStream message carrying the raw event payload
// and the event envelope in headers. The event id is sent as Nats-Msg-Id, so
// the server drops redeliveries that arrive within the stream's duplicate
// window; the outbox guarantees at least once, JetStream narrows it down.
package nats

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/getpup/puprelay/es"
	"github.com/getpup/puprelay/es/outbox"
)

// Header names set on every published message.
const (
	HeaderEventType      = "Puprelay-Event-Type"
	HeaderEventVersion   = "Puprelay-Event-Version"
	HeaderStreamID       = "Puprelay-Stream-Id"
	HeaderStreamSequence = "Puprelay-Stream-Sequence"
	HeaderGlobalSequence = "Puprelay-Global-Sequence"
	HeaderOccurredAt     = "Puprelay-Occurred-At"
	HeaderCorrelationID  = "Puprelay-Correlation-Id"
	HeaderCausationID    = "Puprelay-Causation-Id"
	HeaderPartition      = "Puprelay-Partition"
)

const (
	defaultStreamName    = "PUPRELAY_EVENTS"
	defaultSubjectPrefix = "puprelay.events"
)

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// Connect creates the underlying NATS connection. If nil, ConnectDefault() is used.
	Connect Connector

	// Logger is optional. If nil, logging is disabled.
	Logger es.Logger

	// Subject maps a delivery to its subject. Defaults to "<SubjectPrefix>.<event type>".
	Subject func(d outbox.Delivery) string

	// StreamName is the JetStream stream receiving the messages.
	StreamName string

	// SubjectPrefix is the first subject token(s) of every message.
	SubjectPrefix string

	// Duplicates is the deduplication window of the stream when it is created.
	Duplicates time.Duration

	// EnsureStream creates or updates the stream on construction.
	EnsureStream bool
}

// DefaultDispatcherConfig returns the default configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		StreamName:    defaultStreamName,
		SubjectPrefix: defaultSubjectPrefix,
		Duplicates:    2 * time.Minute,
		EnsureStream:  true,
	}
}

// Dispatcher implements outbox.Dispatcher on JetStream.
type Dispatcher struct {
	nc      *natsgo.Conn
	closeNc closeFunc
	js      jetstream.JetStream
	config  DispatcherConfig
}

// NewDispatcher connects and, if configured, ensures the stream exists.
func NewDispatcher(ctx context.Context, config DispatcherConfig) (*Dispatcher, error) {
	if config.StreamName == "" {
		config.StreamName = defaultStreamName
	}
	if config.SubjectPrefix == "" {
		config.SubjectPrefix = defaultSubjectPrefix
	}
	connect := config.Connect
	if connect == nil {
		connect = ConnectDefault()
	}

	nc, closeNc, err := connect()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		closeNc()
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	d := &Dispatcher{nc: nc, closeNc: closeNc, js: js, config: config}
	if config.EnsureStream {
		if err := d.ensureStream(ctx); err != nil {
			closeNc()
			return nil, err
		}
	}
	return d, nil
}

func (d *Dispatcher) ensureStream(ctx context.Context) error {
	stream, err := d.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       d.config.StreamName,
		Subjects:   []string{d.config.SubjectPrefix + ".>"},
		Duplicates: d.config.Duplicates,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream %s: %w", d.config.StreamName, err)
	}
	if d.config.Logger != nil {
		info, err := stream.Info(ctx)
		if err == nil {
			d.config.Logger.Info(ctx, "jetstream stream ensured",
				"stream", info.Config.Name, "messages", info.State.Msgs)
		}
	}
	return nil
}

// Dispatch publishes d and waits for the server acknowledgement.
//
//nolint:gocritic // hugeParam: matches outbox.Dispatcher
func (d *Dispatcher) Dispatch(ctx context.Context, delivery outbox.Delivery) error {
	msg := &natsgo.Msg{
		Subject: d.subject(delivery),
		Data:    delivery.Event.Payload,
		Header:  Headers(delivery),
	}
	ack, err := d.js.PublishMsg(ctx, msg,
		jetstream.WithMsgID(delivery.Event.EventID.String()),
		jetstream.WithExpectStream(d.config.StreamName),
	)
	if err != nil {
		return fmt.Errorf("failed to publish event %d: %w", delivery.Event.GlobalSequence, err)
	}
	if ack.Duplicate && d.config.Logger != nil {
		d.config.Logger.Debug(ctx, "duplicate publish dropped by jetstream",
			"event_id", delivery.Event.EventID, "global_sequence", delivery.Event.GlobalSequence)
	}
	return nil
}

// Close closes the connection.
func (d *Dispatcher) Close() error {
	d.js.CleanupPublisher()
	d.closeNc()
	return nil
}

func (d *Dispatcher) subject(delivery outbox.Delivery) string {
	if d.config.Subject != nil {
		return d.config.Subject(delivery)
	}
	return d.config.SubjectPrefix + "." + SubjectToken(delivery.Event.EventType)
}

// SubjectToken turns s into a single subject token.
func SubjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// Headers returns the envelope headers published with d.
//
//nolint:gocritic // hugeParam: matches outbox.Dispatcher
func Headers(d outbox.Delivery) natsgo.Header {
	e := d.Event
	h := natsgo.Header{}
	h.Set(HeaderEventType, e.EventType)
	h.Set(HeaderEventVersion, strconv.Itoa(e.EventVersion))
	h.Set(HeaderStreamID, e.StreamID)
	h.Set(HeaderStreamSequence, strconv.FormatInt(e.StreamSequence, 10))
	h.Set(HeaderGlobalSequence, strconv.FormatInt(e.GlobalSequence, 10))
	h.Set(HeaderOccurredAt, e.OccurredAt.UTC().Format(time.RFC3339Nano))
	if e.CorrelationID.Valid {
		h.Set(HeaderCorrelationID, e.CorrelationID.UUID.String())
	}
	if e.CausationID.Valid {
		h.Set(HeaderCausationID, e.CausationID.UUID.String())
	}
	if d.Message.PartitionKey != "" {
		h.Set(HeaderPartition, d.Message.PartitionKey)
	}
	h.Set(jetstream.MsgIDHeader, e.EventID.String())
	return h
}

// EventFromMsg rebuilds the stored event a consumer received.
func EventFromMsg(h natsgo.Header, data []byte) (es.StoredEvent, error) {
	e := es.StoredEvent{
		EventType: h.Get(HeaderEventType),
		StreamID:  h.Get(HeaderStreamID),
		Payload:   data,
	}
	if e.EventType == "" || e.StreamID == "" {
		return es.StoredEvent{}, errors.New("message is missing the event headers")
	}

	var err error
	if e.EventID, err = uuid.Parse(h.Get(jetstream.MsgIDHeader)); err != nil {
		return es.StoredEvent{}, fmt.Errorf("invalid event id: %w", err)
	}
	if e.EventVersion, err = strconv.Atoi(h.Get(HeaderEventVersion)); err != nil {
		return es.StoredEvent{}, fmt.Errorf("invalid event version: %w", err)
	}
	if e.StreamSequence, err = strconv.ParseInt(h.Get(HeaderStreamSequence), 10, 64); err != nil {
		return es.StoredEvent{}, fmt.Errorf("invalid stream sequence: %w", err)
	}
	if e.GlobalSequence, err = strconv.ParseInt(h.Get(HeaderGlobalSequence), 10, 64); err != nil {
		return es.StoredEvent{}, fmt.Errorf("invalid global sequence: %w", err)
	}
	if e.OccurredAt, err = time.Parse(time.RFC3339Nano, h.Get(HeaderOccurredAt)); err != nil {
		return es.StoredEvent{}, fmt.Errorf("invalid occurred at: %w", err)
	}
	if e.CorrelationID, err = nullUUID(h.Get(HeaderCorrelationID)); err != nil {
		return es.StoredEvent{}, fmt.Errorf("invalid correlation id: %w", err)
	}
	if e.CausationID, err = nullUUID(h.Get(HeaderCausationID)); err != nil {
		return es.StoredEvent{}, fmt.Errorf("invalid causation id: %w", err)
	}
	return e, nil
}

func nullUUID(s string) (uuid.NullUUID, error) {
	if s == "" {
		return uuid.NullUUID{}, nil
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.NullUUID{}, err
	}
	return uuid.NullUUID{UUID: u, Valid: true}, nil
}

var _ outbox.Dispatcher = (*Dispatcher)(nil)
