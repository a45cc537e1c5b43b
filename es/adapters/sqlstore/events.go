package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/getpup/puprelay/es"
	"github.com/getpup/puprelay/es/fetch"
	"github.com/getpup/puprelay/es/store"
)

const eventColumns = `global_sequence, event_id, stream_id, stream_sequence, event_type, event_version,
			payload, metadata, occurred_at, correlation_id, causation_id`

// EventStore is a SQL-backed event store implementation.
type EventStore struct {
	dialect Dialect
	config  Config
}

// NewEventStore creates a new event store with the given configuration.
func NewEventStore(d Dialect, config Config) *EventStore {
	return &EventStore{dialect: d, config: config.withDefaults()}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (es.StoredEvent, error) {
	var e es.StoredEvent
	err := row.Scan(
		&e.GlobalSequence,
		&e.EventID,
		&e.StreamID,
		&e.StreamSequence,
		&e.EventType,
		&e.EventVersion,
		&e.Payload,
		&e.Metadata,
		scanTime(&e.OccurredAt),
		&e.CorrelationID,
		&e.CausationID,
	)
	return e, err
}

// Append implements store.EventStore.
//
// The current max stream_sequence is read and checked against expected, then
// events are inserted with consecutive sequences. Two appenders passing the
// check at the same time collide on the (stream_id, stream_sequence) unique
// constraint and the loser gets store.ErrOptimisticConcurrency.
//
//nolint:gocyclo // Cyclomatic complexity is acceptable here - comes from necessary logging and validation checks
func (s *EventStore) Append(ctx context.Context, tx es.DBTX, expected es.ExpectedVersion, events []es.Event) (es.AppendResult, error) {
	if len(events) == 0 {
		return es.AppendResult{}, store.ErrNoEvents
	}

	streamID := events[0].StreamID
	if streamID == "" {
		return es.AppendResult{}, errors.New("event 0: stream ID is empty")
	}
	for i := range events {
		if events[i].StreamID != streamID {
			return es.AppendResult{}, fmt.Errorf("event %d: stream ID mismatch", i)
		}
	}

	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "append starting",
			"stream_id", streamID,
			"event_count", len(events),
			"expected_version", expected.String())
	}

	current, err := s.CurrentSequence(ctx, tx, streamID)
	if err != nil {
		return es.AppendResult{}, err
	}

	if s.config.OptimisticLocking && !expected.Matches(current) {
		if s.config.Logger != nil {
			s.config.Logger.Error(ctx, "expected version validation failed",
				"stream_id", streamID,
				"current_version", current,
				"expected_version", expected.String())
		}
		return es.AppendResult{}, fmt.Errorf("%w: stream %s is at %d, expected %s",
			store.ErrOptimisticConcurrency, streamID, current, expected.String())
	}

	insertQuery := fmt.Sprintf(`
		INSERT INTO %s (
			event_id, stream_id, stream_sequence, event_type, event_version,
			payload, metadata, occurred_at, correlation_id, causation_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.config.EventsTable)
	if s.dialect.SupportsReturning() {
		insertQuery += " RETURNING global_sequence"
	}
	insertQuery = s.dialect.Rebind(insertQuery)

	ec := es.EventContextFrom(ctx)
	now := s.config.now()
	stored := make([]es.StoredEvent, len(events))

	for i := range events {
		e := s.prepare(events[i], ec, now)
		e.StreamSequence = current + int64(i) + 1

		args := []interface{}{
			e.EventID,
			e.StreamID,
			e.StreamSequence,
			e.EventType,
			e.EventVersion,
			e.Payload,
			e.Metadata,
			s.dialect.TimeValue(e.OccurredAt),
			e.CorrelationID,
			e.CausationID,
		}

		e.GlobalSequence, err = s.insert(ctx, tx, insertQuery, args)
		if err != nil {
			if s.dialect.IsUniqueViolation(err) {
				if s.config.Logger != nil {
					s.config.Logger.Error(ctx, "optimistic concurrency conflict",
						"stream_id", streamID,
						"stream_sequence", e.StreamSequence)
				}
				return es.AppendResult{}, fmt.Errorf("%w: stream %s sequence %d already exists",
					store.ErrOptimisticConcurrency, streamID, e.StreamSequence)
			}
			return es.AppendResult{}, fmt.Errorf("failed to insert event %d: %w", i, err)
		}
		stored[i] = e
	}

	result := es.AppendResult{Events: stored}
	if s.config.Logger != nil {
		s.config.Logger.Info(ctx, "events appended",
			"stream_id", streamID,
			"event_count", len(stored),
			"version_range", fmt.Sprintf("%d-%d", result.FromVersion()+1, result.ToVersion()),
			"global_sequences", result.GlobalSequences())
	}
	return result, nil
}

// prepare fills the defaults of an event about to be stored.
func (s *EventStore) prepare(in es.Event, ec es.EventContext, now time.Time) es.StoredEvent {
	e := es.StoredEvent{
		OccurredAt:    in.OccurredAt,
		StreamID:      in.StreamID,
		EventType:     in.EventType,
		Payload:       in.Payload,
		Metadata:      in.Metadata,
		EventVersion:  in.EventVersion,
		CausationID:   in.CausationID,
		CorrelationID: in.CorrelationID,
		EventID:       in.EventID,
	}
	if e.EventID == uuid.Nil {
		e.EventID = uuid.New()
	}
	if e.EventVersion <= 0 {
		e.EventVersion = 1
	}
	if e.Payload == nil {
		e.Payload = []byte{}
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = ec.OccurredAt
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = now
	}
	e.OccurredAt = normalizeTime(e.OccurredAt)
	if !e.CorrelationID.Valid {
		e.CorrelationID = ec.CorrelationID
	}
	if !e.CausationID.Valid {
		e.CausationID = ec.CausationID
	}
	if e.Metadata == nil {
		e.Metadata = ec.Metadata
	}
	return e
}

func (s *EventStore) insert(ctx context.Context, tx es.DBTX, query string, args []interface{}) (int64, error) {
	if s.dialect.SupportsReturning() {
		var seq int64
		err := tx.QueryRowContext(ctx, query, args...).Scan(&seq)
		return seq, err
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert id: %w", err)
	}
	return seq, nil
}

// CurrentSequence implements store.EventReader.
func (s *EventStore) CurrentSequence(ctx context.Context, tx es.DBTX, streamID string) (int64, error) {
	query := s.dialect.Rebind(fmt.Sprintf(`
		SELECT COALESCE(MAX(stream_sequence), 0)
		FROM %s
		WHERE stream_id = ?`, s.config.EventsTable))

	var current int64
	if err := tx.QueryRowContext(ctx, query, streamID).Scan(&current); err != nil {
		return 0, fmt.Errorf("failed to check current version: %w", err)
	}
	return current, nil
}

// Load implements store.EventReader.
func (s *EventStore) Load(ctx context.Context, tx es.DBTX, streamID string, window es.EventWindow) iter.Seq2[es.StoredEvent, error] {
	if err := window.Validate(); err != nil {
		return failed(err)
	}

	where, args := s.windowClause(window)
	q := fetch.Query{
		Select:  fmt.Sprintf("SELECT %s FROM %s WHERE stream_id = ?%s", eventColumns, s.config.EventsTable, where),
		Args:    append([]interface{}{streamID}, args...),
		OrderBy: "stream_sequence",
		Scan:    func(rows *sql.Rows) (es.StoredEvent, error) { return scanEvent(rows) },
		Rebind:  s.dialect.Rebind,
	}

	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "loading stream",
			"stream_id", streamID,
			"fetch", s.config.Fetch.Name())
	}
	return s.config.Fetch.Fetch(ctx, tx, q)
}

// All implements store.EventReader.
func (s *EventStore) All(ctx context.Context, tx es.DBTX, window es.EventWindow, eventTypes ...string) iter.Seq2[es.StoredEvent, error] {
	if err := window.Validate(); err != nil {
		return failed(err)
	}

	where, args := s.windowClause(window)
	if len(eventTypes) > 0 {
		where += fmt.Sprintf(" AND event_type IN (%s)", Placeholders(len(eventTypes)))
		for _, t := range eventTypes {
			args = append(args, t)
		}
	}

	q := fetch.Query{
		Select: fmt.Sprintf("SELECT %s FROM %s WHERE 1=1%s", eventColumns, s.config.EventsTable, where),
		Args:   args,
		Scan:   func(rows *sql.Rows) (es.StoredEvent, error) { return scanEvent(rows) },
		Rebind: s.dialect.Rebind,
	}

	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "loading all events",
			"event_types", eventTypes,
			"fetch", s.config.Fetch.Name())
	}
	return s.config.Fetch.Fetch(ctx, tx, q)
}

// GetByGlobalSequence implements store.EventReader.
func (s *EventStore) GetByGlobalSequence(ctx context.Context, tx es.DBTX, globalSequence int64) (es.StoredEvent, error) {
	query := s.dialect.Rebind(fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE global_sequence = ?`, eventColumns, s.config.EventsTable))

	e, err := scanEvent(tx.QueryRowContext(ctx, query, globalSequence))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return es.StoredEvent{}, fmt.Errorf("%w: global sequence %d", store.ErrEventNotFound, globalSequence)
		}
		return es.StoredEvent{}, fmt.Errorf("failed to read event %d: %w", globalSequence, err)
	}
	return e, nil
}

// windowClause renders the window as " AND ..." conditions with '?' placeholders.
func (s *EventStore) windowClause(w es.EventWindow) (string, []interface{}) {
	var (
		b    strings.Builder
		args []interface{}
	)
	bound := func(bd es.Bound, op string) {
		switch bd.Kind {
		case es.ByStreamSequence:
			b.WriteString(" AND stream_sequence " + op + " ?")
			args = append(args, bd.Sequence)
		case es.ByGlobalSequence:
			b.WriteString(" AND global_sequence " + op + " ?")
			args = append(args, bd.Sequence)
		case es.ByDate:
			b.WriteString(" AND occurred_at " + op + " ?")
			args = append(args, s.dialect.TimeValue(normalizeTime(bd.At)))
		}
	}
	bound(w.After, ">")
	bound(w.To, "<=")
	return b.String(), args
}

func failed(err error) iter.Seq2[es.StoredEvent, error] {
	return func(yield func(es.StoredEvent, error) bool) {
		yield(es.StoredEvent{}, err)
	}
}

var (
	_ store.EventStore  = (*EventStore)(nil)
	_ store.EventReader = (*EventStore)(nil)
)
