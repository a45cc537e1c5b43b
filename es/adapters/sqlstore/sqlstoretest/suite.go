// Package sqlstoretest provides a conformance suite for sqlstore dialects.
//
// Every dialect package runs the same suite, against embedded SQLite in unit
// tests and against real servers under the integration build tag.
package sqlstoretest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"

	"github.com/getpup/puprelay/es"
	"github.com/getpup/puprelay/es/adapters/sqlstore"
	"github.com/getpup/puprelay/es/fetch"
	"github.com/getpup/puprelay/es/outbox"
	"github.com/getpup/puprelay/es/projection"
	"github.com/getpup/puprelay/es/snapshot"
	"github.com/getpup/puprelay/es/store"
)

// Epoch is the start time of the test clock.
var Epoch = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

// Harness describes the database under test.
type Harness struct {
	Dialect sqlstore.Dialect
	// Open returns a database with a freshly migrated, empty schema.
	Open func(t *testing.T) *sql.DB
}

type fixture struct {
	db     *sql.DB
	clock  *testclock.Clock
	stores *sqlstore.Stores
	h      Harness
}

func newFixture(t *testing.T, h Harness, opts ...sqlstore.Option) *fixture {
	t.Helper()
	clk := testclock.NewClock(Epoch)
	opts = append([]sqlstore.Option{sqlstore.WithClock(clk)}, opts...)
	return &fixture{
		db:     h.Open(t),
		clock:  clk,
		stores: sqlstore.New(h.Dialect, sqlstore.NewConfig(opts...)),
		h:      h,
	}
}

// tx runs fn in a transaction and commits it if fn succeeds.
func (f *fixture) tx(t *testing.T, fn func(tx *sql.Tx) error) error {
	t.Helper()
	tx, err := f.db.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (f *fixture) append(t *testing.T, streamID string, expected es.ExpectedVersion, types ...string) es.AppendResult {
	t.Helper()
	var result es.AppendResult
	err := f.tx(t, func(tx *sql.Tx) error {
		var err error
		result, err = f.stores.Events.Append(context.Background(), tx, expected, events(streamID, types...))
		return err
	})
	require.NoError(t, err)
	return result
}

func (f *fixture) load(t *testing.T, streamID string, w es.EventWindow) []es.StoredEvent {
	t.Helper()
	return drain(t, f.stores.Events.Load(context.Background(), f.db, streamID, w))
}

func events(streamID string, types ...string) []es.Event {
	out := make([]es.Event, len(types))
	for i, typ := range types {
		out[i] = es.Event{
			StreamID:  streamID,
			EventType: typ,
			Payload:   []byte(fmt.Sprintf(`{"n":%d}`, i)),
			EventID:   uuid.New(),
		}
	}
	return out
}

func drain(t *testing.T, seq func(func(es.StoredEvent, error) bool)) []es.StoredEvent {
	t.Helper()
	var out []es.StoredEvent
	for e, err := range seq {
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

// Run executes the conformance suite.
func Run(t *testing.T, h Harness) {
	tests := []struct {
		name string
		fn   func(t *testing.T, h Harness)
	}{
		{"AppendGapFreeSequences", testAppendGapFree},
		{"AppendExpectedVersion", testAppendExpectedVersion},
		{"AppendStaleNeverPartiallyPersists", testAppendStale},
		{"AppendWithoutOptimisticLocking", testAppendWithoutLocking},
		{"AppendStampsEventContext", testAppendEventContext},
		{"AppendOccurredAtPrecedence", testAppendOccurredAt},
		{"LoadWindows", testLoadWindows},
		{"FetchStrategiesEquivalent", testFetchEquivalence},
		{"AllFiltersByType", testAllFilters},
		{"GetByGlobalSequence", testGetByGlobalSequence},
		{"RebuildWithCursor", testRebuildWithCursor},
		{"Snapshots", testSnapshots},
		{"OutboxClaimAndPublish", testOutboxClaimPublish},
		{"OutboxPartitionFilter", testOutboxPartitions},
		{"OutboxParallelClaimSingleWinner", testOutboxParallelClaim},
		{"OutboxRetryScenario", testOutboxRetryScenario},
		{"OutboxStatsAndPurge", testOutboxStatsPurge},
		{"Leases", testLeases},
		{"LeaseSingleOwner", testLeaseSingleOwner},
		{"LeasePrune", testLeasePrune},
		{"Registry", testRegistry},
		{"Throttle", testThrottle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) { tt.fn(t, h) })
	}
}

func testAppendGapFree(t *testing.T, h Harness) {
	f := newFixture(t, h)

	f.append(t, "document-a", es.NoStream(), "Created", "Renamed")
	f.append(t, "document-b", es.NoStream(), "Created")
	f.append(t, "document-a", es.Exact(2), "Renamed", "Renamed")
	f.append(t, "document-b", es.Any(), "Archived")
	res := f.append(t, "document-a", es.Any(), "Archived")
	require.Equal(t, int64(4), res.FromVersion())
	require.Equal(t, int64(5), res.ToVersion())

	for stream, n := range map[string]int{"document-a": 5, "document-b": 2} {
		loaded := f.load(t, stream, es.EventWindow{})
		require.Len(t, loaded, n)
		for i, e := range loaded {
			require.Equal(t, int64(i+1), e.StreamSequence)
			require.Equal(t, stream, e.StreamID)
		}
	}

	all := drain(t, f.stores.Events.All(context.Background(), f.db, es.EventWindow{}))
	require.Len(t, all, 7)
	for i := 1; i < len(all); i++ {
		require.Greater(t, all[i].GlobalSequence, all[i-1].GlobalSequence)
	}

	current, err := f.stores.Events.CurrentSequence(context.Background(), f.db, "document-a")
	require.NoError(t, err)
	require.Equal(t, int64(5), current)

	current, err = f.stores.Events.CurrentSequence(context.Background(), f.db, "missing")
	require.NoError(t, err)
	require.Zero(t, current)
}

func testAppendExpectedVersion(t *testing.T, h Harness) {
	f := newFixture(t, h)
	ctx := context.Background()

	f.append(t, "document-abc", es.Exact(0), "Created")

	appendWith := func(expected es.ExpectedVersion) error {
		return f.tx(t, func(tx *sql.Tx) error {
			_, err := f.stores.Events.Append(ctx, tx, expected, events("document-abc", "Renamed"))
			return err
		})
	}

	require.ErrorIs(t, appendWith(es.NoStream()), store.ErrOptimisticConcurrency)
	require.ErrorIs(t, appendWith(es.Exact(0)), store.ErrOptimisticConcurrency)
	require.ErrorIs(t, appendWith(es.Exact(2)), store.ErrOptimisticConcurrency)
	require.NoError(t, appendWith(es.Exact(1)))
	require.NoError(t, appendWith(es.Any()))

	_, err := f.stores.Events.Append(ctx, f.db, es.Any(), nil)
	require.ErrorIs(t, err, store.ErrNoEvents)

	mixed := append(events("document-abc", "Renamed"), events("document-xyz", "Renamed")...)
	_, err = f.stores.Events.Append(ctx, f.db, es.Any(), mixed)
	require.Error(t, err)
}

func testAppendStale(t *testing.T, h Harness) {
	f := newFixture(t, h)
	ctx := context.Background()

	f.append(t, "document-abc", es.NoStream(), "Created", "Renamed")
	before := f.load(t, "document-abc", es.EventWindow{})

	err := f.tx(t, func(tx *sql.Tx) error {
		_, err := f.stores.Events.Append(ctx, tx, es.Exact(1), events("document-abc", "Renamed", "Archived"))
		return err
	})
	require.ErrorIs(t, err, store.ErrOptimisticConcurrency)
	require.Equal(t, before, f.load(t, "document-abc", es.EventWindow{}))
}

func testAppendWithoutLocking(t *testing.T, h Harness) {
	f := newFixture(t, h, sqlstore.WithOptimisticLocking(false))

	f.append(t, "document-abc", es.NoStream(), "Created")
	res := f.append(t, "document-abc", es.NoStream(), "Renamed")
	require.Equal(t, int64(2), res.ToVersion())
}

func testAppendEventContext(t *testing.T, h Harness) {
	f := newFixture(t, h)
	correlation := uuid.New()
	ctx := es.WithCorrelationID(context.Background(), correlation)

	var res es.AppendResult
	require.NoError(t, f.tx(t, func(tx *sql.Tx) error {
		var err error
		res, err = f.stores.Events.Append(ctx, tx, es.Any(), []es.Event{{StreamID: "document-abc", EventType: "Created"}})
		return err
	}))

	loaded := f.load(t, "document-abc", es.EventWindow{})
	require.Len(t, loaded, 1)
	require.Equal(t, correlation, loaded[0].CorrelationID.UUID)
	require.True(t, loaded[0].CorrelationID.Valid)
	require.False(t, loaded[0].CausationID.Valid)
	require.Equal(t, 1, loaded[0].EventVersion)
	require.NotEqual(t, uuid.Nil, loaded[0].EventID)
	require.True(t, loaded[0].OccurredAt.Equal(Epoch), "occurred_at defaults to the store clock")
	require.Equal(t, res.Events[0].EventID, loaded[0].EventID)
	require.Equal(t, res.Events[0].GlobalSequence, loaded[0].GlobalSequence)
}

func testAppendOccurredAt(t *testing.T, h Harness) {
	f := newFixture(t, h)
	replayed := time.Date(2023, 7, 8, 9, 10, 11, 123456789, time.UTC)
	explicit := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	ctx := es.WithOccurredAt(context.Background(), replayed)

	require.NoError(t, f.tx(t, func(tx *sql.Tx) error {
		_, err := f.stores.Events.Append(ctx, tx, es.NoStream(), []es.Event{
			{StreamID: "document-abc", EventType: "Created"},
			{StreamID: "document-abc", EventType: "Renamed", OccurredAt: explicit},
		})
		return err
	}))
	f.append(t, "document-xyz", es.NoStream(), "Created")

	loaded := f.load(t, "document-abc", es.EventWindow{})
	require.Len(t, loaded, 2)
	require.True(t, loaded[0].OccurredAt.Equal(replayed.Truncate(time.Microsecond)),
		"context time stamps events without their own, got %v", loaded[0].OccurredAt)
	require.True(t, loaded[1].OccurredAt.Equal(explicit), "the event's own time wins, got %v", loaded[1].OccurredAt)

	other := f.load(t, "document-xyz", es.EventWindow{})
	require.Len(t, other, 1)
	require.True(t, other[0].OccurredAt.Equal(Epoch), "without a context time the store clock applies")
}

func testLoadWindows(t *testing.T, h Harness) {
	f := newFixture(t, h)

	for i := 0; i < 6; i++ {
		f.clock.Advance(time.Minute)
		f.append(t, "document-abc", es.Any(), "Renamed")
		f.append(t, "document-other", es.Any(), "Renamed")
	}
	full := f.load(t, "document-abc", es.EventWindow{})
	require.Len(t, full, 6)

	windows := map[string]es.EventWindow{
		"after stream":  es.From(es.AfterStreamSequence(2)),
		"to stream":     es.Until(es.ToStreamSequence(4)),
		"between":       es.Between(es.AfterStreamSequence(1), es.ToStreamSequence(3)),
		"after global":  es.From(es.AfterGlobalSequence(full[2].GlobalSequence)),
		"to global":     es.Until(es.ToGlobalSequence(full[3].GlobalSequence)),
		"after date":    es.From(es.AfterDate(full[1].OccurredAt)),
		"to date":       es.Until(es.ToDate(full[4].OccurredAt)),
		"mixed kinds":   es.Between(es.AfterDate(full[0].OccurredAt), es.ToStreamSequence(5)),
		"past the end":  es.From(es.AfterStreamSequence(6)),
		"empty between": es.Between(es.AfterStreamSequence(3), es.ToStreamSequence(3)),
	}
	for name, w := range windows {
		t.Run(name, func(t *testing.T) {
			var want []es.StoredEvent
			for _, e := range full {
				if w.Contains(e) {
					want = append(want, e)
				}
			}
			require.Equal(t, want, f.load(t, "document-abc", w))
		})
	}

	// after is exclusive, to is inclusive
	got := f.load(t, "document-abc", es.Between(es.AfterStreamSequence(2), es.ToStreamSequence(4)))
	require.Len(t, got, 2)
	require.Equal(t, int64(3), got[0].StreamSequence)
	require.Equal(t, int64(4), got[1].StreamSequence)

	var loadErr error
	for _, err := range f.stores.Events.Load(context.Background(), f.db, "document-abc", es.From(es.AfterStreamSequence(-1))) {
		loadErr = err
	}
	require.ErrorIs(t, loadErr, es.ErrInvalidWindow)
}

func testFetchEquivalence(t *testing.T, h Harness) {
	f := newFixture(t, h)
	for i := 0; i < 9; i++ {
		f.append(t, fmt.Sprintf("document-%d", i%2), es.Any(), "Created", "Renamed")
	}

	strategies := []fetch.Strategy{fetch.LoadAll{}, fetch.Cursor{}, fetch.Chunked{Size: 3}, fetch.Chunked{Size: 1000}}
	window := es.Between(es.AfterStreamSequence(1), es.ToStreamSequence(15))

	var wantStream, wantAll []es.StoredEvent
	for i, s := range strategies {
		stores := sqlstore.New(h.Dialect, sqlstore.NewConfig(sqlstore.WithClock(f.clock), sqlstore.WithFetchStrategy(s)))
		gotStream := drain(t, stores.Events.Load(context.Background(), f.db, "document-0", window))
		gotAll := drain(t, stores.Events.All(context.Background(), f.db, es.EventWindow{}, "Renamed"))
		if i == 0 {
			wantStream, wantAll = gotStream, gotAll
			require.Len(t, wantStream, 9)
			require.Len(t, wantAll, 9)
			continue
		}
		require.Equal(t, wantStream, gotStream, s.Name())
		require.Equal(t, wantAll, gotAll, s.Name())
	}

	seq := f.stores.Events.Load(context.Background(), f.db, "document-1", es.EventWindow{})
	require.Equal(t, drain(t, seq), drain(t, seq), "sequences are restartable")
}

func testAllFilters(t *testing.T, h Harness) {
	f := newFixture(t, h)
	f.append(t, "document-a", es.Any(), "Created", "Renamed", "Archived")
	f.append(t, "document-b", es.Any(), "Created", "Archived")

	got := drain(t, f.stores.Events.All(context.Background(), f.db, es.EventWindow{}, "Created", "Archived"))
	require.Len(t, got, 4)
	for _, e := range got {
		require.NotEqual(t, "Renamed", e.EventType)
	}

	got = drain(t, f.stores.Events.All(context.Background(), f.db, es.From(es.AfterGlobalSequence(got[1].GlobalSequence)), "Created"))
	require.Len(t, got, 1)
	require.Equal(t, "document-b", got[0].StreamID)

	require.Empty(t, drain(t, f.stores.Events.All(context.Background(), f.db, es.EventWindow{}, "Missing")))
}

func testGetByGlobalSequence(t *testing.T, h Harness) {
	f := newFixture(t, h)
	res := f.append(t, "document-abc", es.NoStream(), "Created", "Renamed")

	e, err := f.stores.Events.GetByGlobalSequence(context.Background(), f.db, res.Events[1].GlobalSequence)
	require.NoError(t, err)
	require.Equal(t, res.Events[1].EventID, e.EventID)
	require.Equal(t, "Renamed", e.EventType)
	require.Equal(t, int64(2), e.StreamSequence)
	require.Equal(t, res.Events[1].Payload, e.Payload)

	_, err = f.stores.Events.GetByGlobalSequence(context.Background(), f.db, 9999)
	require.ErrorIs(t, err, store.ErrEventNotFound)
}

// positions is a projection that writes every event it handles.
type positions struct {
	dialect sqlstore.Dialect
}

func (p positions) Name() string { return "positions" }

func (p positions) Reset(ctx context.Context, tx es.DBTX) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM rebuilt_positions`)
	return err
}

//nolint:gocritic // hugeParam: events are passed by value to keep them immutable
func (p positions) Handle(ctx context.Context, tx es.DBTX, e es.StoredEvent) error {
	_, err := tx.ExecContext(ctx, p.dialect.Rebind(
		`INSERT INTO rebuilt_positions (global_sequence, stream_id) VALUES (?, ?)`), e.GlobalSequence, e.StreamID)
	return err
}

// Drivers that keep one result set per connection reject writes while a
// cursor is open on the same transaction.
func testRebuildWithCursor(t *testing.T, h Harness) {
	f := newFixture(t, h, sqlstore.WithFetchStrategy(fetch.Cursor{}))
	_, err := f.db.Exec(`DROP TABLE IF EXISTS rebuilt_positions`)
	require.NoError(t, err)
	_, err = f.db.Exec(`CREATE TABLE rebuilt_positions (global_sequence BIGINT NOT NULL, stream_id VARCHAR(255) NOT NULL)`)
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = f.db.Exec(`DROP TABLE IF EXISTS rebuilt_positions`) })

	f.append(t, "document-a", es.NoStream(), "Created", "Renamed", "Renamed")
	f.append(t, "document-b", es.NoStream(), "Created", "Renamed")
	f.append(t, "document-c", es.NoStream(), "Created", "Renamed")

	config := projection.DefaultConfig()
	config.PageSize = 3
	res, err := projection.Rebuild(context.Background(), f.db, f.stores.Events, positions{dialect: h.Dialect}, config)
	require.NoError(t, err)
	require.Equal(t, int64(7), res.Handled)
	require.Equal(t, int64(7), res.LastGlobalSequence)

	var n, maxSeq int64
	require.NoError(t, f.db.QueryRow(
		`SELECT COUNT(*), MAX(global_sequence) FROM rebuilt_positions`).Scan(&n, &maxSeq))
	require.Equal(t, int64(7), n)
	require.Equal(t, int64(7), maxSeq)

	// a second rebuild resets and replays the same rows
	res, err = projection.Rebuild(context.Background(), f.db, f.stores.Events, positions{dialect: h.Dialect}, config)
	require.NoError(t, err)
	require.Equal(t, int64(7), res.Handled)
	require.NoError(t, f.db.QueryRow(`SELECT COUNT(*) FROM rebuilt_positions`).Scan(&n))
	require.Equal(t, int64(7), n)
}

func testSnapshots(t *testing.T, h Harness) {
	f := newFixture(t, h)
	ctx := context.Background()
	snaps := f.stores.Snapshots

	_, err := snaps.Load(ctx, f.db, "document", "abc")
	require.ErrorIs(t, err, snapshot.ErrNotFound)

	require.NoError(t, snaps.Save(ctx, f.db, snapshot.Snapshot{AggregateType: "document", AggregateID: "abc", Version: 3, Payload: []byte(`{"v":3}`)}))
	got, err := snaps.Load(ctx, f.db, "document", "abc")
	require.NoError(t, err)
	require.Equal(t, int64(3), got.Version)
	require.Equal(t, []byte(`{"v":3}`), got.Payload)
	require.True(t, got.CreatedAt.Equal(Epoch))

	require.NoError(t, snaps.Save(ctx, f.db, snapshot.Snapshot{AggregateType: "document", AggregateID: "abc", Version: 7, Payload: []byte(`{"v":7}`)}))
	require.NoError(t, snaps.Save(ctx, f.db, snapshot.Snapshot{AggregateType: "document", AggregateID: "abc", Version: 5, Payload: []byte(`{"v":5}`)}))
	got, err = snaps.Load(ctx, f.db, "document", "abc")
	require.NoError(t, err)
	require.Equal(t, int64(7), got.Version, "an older snapshot never replaces a newer one")

	require.NoError(t, snaps.Delete(ctx, f.db, "document", "abc"))
	require.NoError(t, snaps.Delete(ctx, f.db, "document", "abc"))
	_, err = snaps.Load(ctx, f.db, "document", "abc")
	require.ErrorIs(t, err, snapshot.ErrNotFound)
}

// enqueue appends one event per partition key and enqueues it in the same transaction.
func (f *fixture) enqueue(t *testing.T, streamID string, partitions ...string) []int64 {
	t.Helper()
	var seqs []int64
	require.NoError(t, f.tx(t, func(tx *sql.Tx) error {
		for _, p := range partitions {
			res, err := f.stores.Events.Append(context.Background(), tx, es.Any(), events(streamID, "Published"))
			if err != nil {
				return err
			}
			seq := res.Events[0].GlobalSequence
			if err := f.stores.Outbox.Enqueue(context.Background(), tx, seq, p); err != nil {
				return err
			}
			seqs = append(seqs, seq)
		}
		return nil
	}))
	return seqs
}

func (f *fixture) claim(t *testing.T, limit int, partitions ...string) []outbox.Message {
	t.Helper()
	var msgs []outbox.Message
	require.NoError(t, f.tx(t, func(tx *sql.Tx) error {
		var err error
		msgs, err = f.stores.Outbox.ClaimPending(context.Background(), tx, limit, partitions)
		return err
	}))
	return msgs
}

func testOutboxClaimPublish(t *testing.T, h Harness) {
	f := newFixture(t, h, sqlstore.WithClaimTTL(time.Minute))
	ctx := context.Background()
	seqs := f.enqueue(t, "document-abc", "p00", "p00", "p00")

	msgs := f.claim(t, 2)
	require.Len(t, msgs, 2)
	require.Equal(t, seqs[0], msgs[0].GlobalSequence)
	require.Equal(t, seqs[1], msgs[1].GlobalSequence)
	require.NotEmpty(t, msgs[0].ClaimToken)
	require.Equal(t, msgs[0].ClaimToken, msgs[1].ClaimToken)
	require.True(t, msgs[0].AvailableAt.Equal(Epoch.Add(time.Minute)))
	require.Equal(t, "p00", msgs[0].PartitionKey)
	require.Nil(t, msgs[0].PublishedAt)

	rest := f.claim(t, 10)
	require.Len(t, rest, 1, "claimed rows are hidden for the claim TTL")
	require.Equal(t, seqs[2], rest[0].GlobalSequence)
	require.NotEqual(t, msgs[0].ClaimToken, rest[0].ClaimToken)

	require.NoError(t, f.stores.Outbox.MarkPublished(ctx, f.db, msgs[0]))
	require.ErrorIs(t, f.stores.Outbox.MarkPublished(ctx, f.db, msgs[0]), outbox.ErrClaimLost)

	f.clock.Advance(time.Minute)
	reclaimed := f.claim(t, 10)
	require.Len(t, reclaimed, 2, "expired claims become available again")
	require.Equal(t, msgs[1].GlobalSequence, reclaimed[0].GlobalSequence)

	require.ErrorIs(t, f.stores.Outbox.MarkPublished(ctx, f.db, msgs[1]), outbox.ErrClaimLost, "stale token")
	require.ErrorIs(t, f.stores.Outbox.MarkFailed(ctx, f.db, msgs[1], errors.New("x")), outbox.ErrClaimLost)
	require.NoError(t, f.stores.Outbox.MarkPublished(ctx, f.db, reclaimed[0]))

	require.Empty(t, f.claim(t, 0))
}

func testOutboxPartitions(t *testing.T, h Harness) {
	f := newFixture(t, h)
	f.enqueue(t, "document-a", "p00", "p01", "", "p02", "p00")

	p00 := f.claim(t, 10, "p00")
	require.Len(t, p00, 2)
	for _, m := range p00 {
		require.Equal(t, "p00", m.PartitionKey)
	}

	multi := f.claim(t, 10, "p01", "p02")
	require.Len(t, multi, 2)

	rest := f.claim(t, 10)
	require.Len(t, rest, 1, "unpartitioned rows are only claimed without a filter")
	require.Equal(t, "", rest[0].PartitionKey)
}

func testOutboxParallelClaim(t *testing.T, h Harness) {
	f := newFixture(t, h)
	f.enqueue(t, "document-abc", "p00")

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed int
		errs    []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := f.db.BeginTx(context.Background(), nil)
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return
			}
			msgs, err := f.stores.Outbox.ClaimPending(context.Background(), tx, 1, []string{"p00"})
			if err != nil {
				_ = tx.Rollback()
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return
			}
			if err := tx.Commit(); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return
			}
			mu.Lock()
			claimed += len(msgs)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	require.Equal(t, 1, claimed, "a row is claimed by exactly one caller")
}

func testOutboxRetryScenario(t *testing.T, h Harness) {
	const backoff = 30 * time.Second
	f := newFixture(t, h, sqlstore.WithRetryBackoff(backoff), sqlstore.WithMaxErrorLength(16))
	ctx := context.Background()

	f.append(t, "document-abc", es.NoStream(), "Created", "Renamed")
	seqs := f.enqueue(t, "document-abc", "p01")
	e, err := f.stores.Events.GetByGlobalSequence(ctx, f.db, seqs[0])
	require.NoError(t, err)
	require.Equal(t, int64(3), e.StreamSequence)

	msgs := f.claim(t, 10, "p01")
	require.Len(t, msgs, 1)

	// the dispatch fails mid-flight
	require.NoError(t, f.stores.Outbox.MarkFailed(ctx, f.db, msgs[0], errors.New("broker unavailable: connection refused")))

	require.Empty(t, f.claim(t, 10, "p01"), "failed rows wait for the retry backoff")

	f.clock.Advance(backoff)
	retried := f.claim(t, 10, "p01")
	require.Len(t, retried, 1)
	require.Equal(t, 1, retried[0].Attempts)
	require.Equal(t, "broker unavaila", retried[0].LastError[:15])
	require.LessOrEqual(t, len(retried[0].LastError), 16)

	require.NoError(t, f.stores.Outbox.MarkPublished(ctx, f.db, retried[0]))

	f.clock.Advance(time.Hour)
	require.Empty(t, f.claim(t, 10), "published rows are never claimed again")

	stats, err := f.stores.Outbox.Stats(ctx, f.db)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Published)
	require.Zero(t, stats.Pending)
}

func testOutboxStatsPurge(t *testing.T, h Harness) {
	f := newFixture(t, h)
	ctx := context.Background()

	stats, err := f.stores.Outbox.Stats(ctx, f.db)
	require.NoError(t, err)
	require.Equal(t, outbox.Stats{}, stats)

	f.enqueue(t, "document-abc", "p00", "p00", "p00")
	msgs := f.claim(t, 2)
	require.NoError(t, f.stores.Outbox.MarkPublished(ctx, f.db, msgs[0]))
	require.NoError(t, f.stores.Outbox.MarkFailed(ctx, f.db, msgs[1], errors.New("boom")))

	stats, err = f.stores.Outbox.Stats(ctx, f.db)
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.Pending)
	require.Equal(t, int64(1), stats.Failing)
	require.Equal(t, int64(1), stats.Published)
	require.NotNil(t, stats.OldestPending)
	require.True(t, stats.OldestPending.Equal(Epoch))

	n, err := f.stores.Outbox.PurgePublished(ctx, f.db, Epoch)
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = f.stores.Outbox.PurgePublished(ctx, f.db, Epoch.Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func testLeases(t *testing.T, h Harness) {
	f := newFixture(t, h)
	ctx := context.Background()
	leases := f.stores.Partitions
	keys := outbox.PartitionKeys(4)
	const ttl = 30 * time.Second

	require.NoError(t, leases.Seed(ctx, f.db, keys))
	require.NoError(t, leases.Seed(ctx, f.db, keys), "seeding is idempotent")

	all, err := leases.List(ctx, f.db)
	require.NoError(t, err)
	require.Len(t, all, 4)
	require.Equal(t, "p00", all[0].Key)
	require.Empty(t, all[0].Owner)
	require.Nil(t, all[0].LeaseUntil)

	changed, err := leases.TryLease(ctx, f.db, []string{"p00", "p01"}, "w1", ttl)
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = leases.TryLease(ctx, f.db, []string{"p00", "p01"}, "w2", ttl)
	require.NoError(t, err)
	require.False(t, changed, "active leases are not stolen")

	owned, err := leases.OwnedBy(ctx, f.db, "w1", nil)
	require.NoError(t, err)
	require.Len(t, owned, 2)
	require.Equal(t, int64(1), owned[0].Epoch)

	f.clock.Advance(10 * time.Second)
	changed, err = leases.TryLease(ctx, f.db, []string{"p00"}, "w1", ttl)
	require.NoError(t, err)
	require.True(t, changed)
	owned, err = leases.OwnedBy(ctx, f.db, "w1", []string{"p00"})
	require.NoError(t, err)
	require.Len(t, owned, 1)
	require.Equal(t, int64(1), owned[0].Epoch, "renewing keeps the epoch")
	require.True(t, owned[0].LeaseUntil.Equal(Epoch.Add(40*time.Second)))

	n, err := leases.Renew(ctx, f.db, nil, "w1", ttl)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
	n, err = leases.Renew(ctx, f.db, []string{"p02"}, "w1", ttl)
	require.NoError(t, err)
	require.Zero(t, n, "renew never acquires")

	f.clock.Advance(ttl + time.Second)
	owned, err = leases.OwnedBy(ctx, f.db, "w1", nil)
	require.NoError(t, err)
	require.Empty(t, owned, "expired leases are not owned")

	changed, err = leases.TryLease(ctx, f.db, []string{"p00"}, "w2", ttl)
	require.NoError(t, err)
	require.True(t, changed)
	owned, err = leases.OwnedBy(ctx, f.db, "w2", nil)
	require.NoError(t, err)
	require.Len(t, owned, 1)
	require.Equal(t, int64(2), owned[0].Epoch, "a handover bumps the epoch")

	require.NoError(t, leases.Release(ctx, f.db, []string{"p00"}, "w1"), "releasing a foreign lease is a no-op")
	owned, err = leases.OwnedBy(ctx, f.db, "w2", nil)
	require.NoError(t, err)
	require.Len(t, owned, 1)

	require.NoError(t, leases.Release(ctx, f.db, []string{"p00"}, "w2"))
	owned, err = leases.OwnedBy(ctx, f.db, "w2", nil)
	require.NoError(t, err)
	require.Empty(t, owned)

	changed, err = leases.TryLease(ctx, f.db, []string{"p00"}, "w1", ttl)
	require.NoError(t, err)
	require.True(t, changed, "released partitions are free")
}

func testLeaseSingleOwner(t *testing.T, h Harness) {
	f := newFixture(t, h)
	ctx := context.Background()
	require.NoError(t, f.stores.Partitions.Seed(ctx, f.db, []string{"p00"}))

	const owners = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins []string
		errs []error
	)
	for i := 0; i < owners; i++ {
		owner := fmt.Sprintf("w%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := f.stores.Partitions.TryLease(ctx, f.db, []string{"p00"}, owner, time.Minute)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if ok {
				wins = append(wins, owner)
			}
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	require.Len(t, wins, 1, "exactly one owner wins an unexpired lease")

	all, err := f.stores.Partitions.List(ctx, f.db)
	require.NoError(t, err)
	require.Equal(t, wins[0], all[0].Owner)
}

func testLeasePrune(t *testing.T, h Harness) {
	f := newFixture(t, h)
	ctx := context.Background()
	leases := f.stores.Partitions

	require.NoError(t, leases.Seed(ctx, f.db, outbox.PartitionKeys(6)))
	_, err := leases.TryLease(ctx, f.db, []string{"p05"}, "w1", time.Minute)
	require.NoError(t, err)
	_, err = leases.TryLease(ctx, f.db, []string{"p04"}, "w1", time.Second)
	require.NoError(t, err)
	f.clock.Advance(2 * time.Second)

	n, err := leases.PruneObsolete(ctx, f.db, outbox.PartitionKeys(4))
	require.NoError(t, err)
	require.Equal(t, int64(1), n, "only the expired partition outside the keyspace goes")

	all, err := leases.List(ctx, f.db)
	require.NoError(t, err)
	var keys []string
	for _, p := range all {
		keys = append(keys, p.Key)
	}
	require.Equal(t, []string{"p00", "p01", "p02", "p03", "p05"}, keys)
}

func testRegistry(t *testing.T, h Harness) {
	f := newFixture(t, h)
	ctx := context.Background()
	reg := f.stores.Workers
	const ttl = 30 * time.Second

	require.NoError(t, reg.Join(ctx, f.db, outbox.Worker{ID: "w2", Hostname: "host-b", PID: 2}, ttl))
	require.NoError(t, reg.Join(ctx, f.db, outbox.Worker{ID: "w1", Hostname: "host-a", PID: 1}, ttl))
	require.NoError(t, reg.Join(ctx, f.db, outbox.Worker{ID: "w1", Hostname: "host-a", PID: 1}, ttl), "joining twice refreshes")

	active, err := reg.Active(ctx, f.db)
	require.NoError(t, err)
	require.Len(t, active, 2)
	require.Equal(t, "w1", active[0].ID)
	require.Equal(t, "host-a", active[0].Hostname)
	require.Equal(t, 1, active[0].PID)
	require.True(t, active[0].StartedAt.Equal(Epoch))
	require.True(t, active[0].HeartbeatUntil.Equal(Epoch.Add(ttl)))

	f.clock.Advance(20 * time.Second)
	require.NoError(t, reg.Heartbeat(ctx, f.db, "w1", ttl))
	require.NoError(t, reg.Heartbeat(ctx, f.db, "w1", ttl), "an unchanged heartbeat still succeeds")

	f.clock.Advance(20 * time.Second)
	active, err = reg.Active(ctx, f.db)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "w1", active[0].ID)

	n, err := reg.ReapExpired(ctx, f.db)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	require.ErrorIs(t, reg.Heartbeat(ctx, f.db, "w2", ttl), outbox.ErrWorkerNotRegistered)

	require.NoError(t, reg.Leave(ctx, f.db, "w1"))
	active, err = reg.Active(ctx, f.db)
	require.NoError(t, err)
	require.Empty(t, active)
}

func testThrottle(t *testing.T, h Harness) {
	f := newFixture(t, h)
	ctx := context.Background()
	flags := f.stores.Flags

	ok, err := flags.TryAcquire(ctx, f.db, "reap", 5*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = flags.TryAcquire(ctx, f.db, "reap", 5*time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = flags.TryAcquire(ctx, f.db, "purge", 5*time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "flags are independent")

	f.clock.Advance(5 * time.Minute)
	ok, err = flags.TryAcquire(ctx, f.db, "reap", 5*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}
