package aggregate_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/getpup/puprelay/es"
	"github.com/getpup/puprelay/es/adapters/sqlite"
	"github.com/getpup/puprelay/es/adapters/sqlite/sqlitetest"
	"github.com/getpup/puprelay/es/adapters/sqlstore"
	"github.com/getpup/puprelay/es/aggregate"
	"github.com/getpup/puprelay/es/outbox"
	"github.com/getpup/puprelay/es/snapshot"
	"github.com/getpup/puprelay/es/store"
)

type DocumentCreated struct {
	Title string `json:"title"`
}

func (DocumentCreated) EventType() string { return "DocumentCreated" }
func (DocumentCreated) Publishable() bool { return true }

type TitleChanged struct {
	Title string `json:"title"`
}

func (TitleChanged) EventType() string { return "TitleChanged" }
func (TitleChanged) Publishable() bool { return true }

type NoteAdded struct {
	Note string `json:"note"`
}

func (NoteAdded) EventType() string { return "NoteAdded" }

type Document struct {
	aggregate.Root
	Title string   `json:"title"`
	Notes []string `json:"notes"`
}

func (d *Document) Create(title string) error { return d.Record(DocumentCreated{Title: title}) }
func (d *Document) Rename(title string) error { return d.Record(TitleChanged{Title: title}) }
func (d *Document) AddNote(note string) error { return d.Record(NoteAdded{Note: note}) }

func documentHandlers() *aggregate.Handlers[*Document] {
	h := aggregate.NewHandlers[*Document](nil)
	aggregate.On(h, func(d *Document, e DocumentCreated) { d.Title = e.Title })
	aggregate.On(h, func(d *Document, e TitleChanged) { d.Title = e.Title })
	aggregate.On(h, func(d *Document, e NoteAdded) { d.Notes = append(d.Notes, e.Note) })
	return h
}

type fixture struct {
	db     *sql.DB
	stores *sqlstore.Stores
	repo   *aggregate.Repository[*Document]
}

func newFixture(t *testing.T, policy snapshot.Policy) *fixture {
	t.Helper()
	db := sqlitetest.Open(t)
	stores := sqlite.NewStores()
	repo, err := aggregate.NewRepository(aggregate.RepositoryConfig[*Document]{
		AggregateType: "document",
		DB:            db,
		Events:        stores.Events,
		Snapshots:     stores.Snapshots,
		Outbox:        stores.Outbox,
		Policy:        policy,
		Handlers:      documentHandlers(),
		Factory:       func() *Document { return &Document{} },
	})
	require.NoError(t, err)
	return &fixture{db: db, stores: stores, repo: repo}
}

func TestSaveAndFind(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	doc := f.repo.Create()
	require.NoError(t, doc.Create("draft"))
	require.NoError(t, doc.Rename("final"))
	require.NoError(t, doc.AddNote("reviewed"))
	require.Len(t, doc.Pending(), 3)
	require.Equal(t, int64(0), doc.Version())

	require.NoError(t, f.repo.Save(ctx, doc))
	require.Empty(t, doc.Pending())
	require.Equal(t, int64(3), doc.Version())

	loaded, err := f.repo.Find(ctx, doc.ID())
	require.NoError(t, err)
	require.Equal(t, "final", loaded.Title)
	require.Equal(t, []string{"reviewed"}, loaded.Notes)
	require.Equal(t, int64(3), loaded.Version())
	require.Equal(t, doc.ID(), loaded.ID())

	stream, err := store.ReadStream(ctx, f.stores.Events, f.db, doc.ID().StreamID(), es.EventWindow{})
	require.NoError(t, err)
	require.Equal(t, []string{"DocumentCreated", "TitleChanged", "NoteAdded"},
		[]string{stream.Events[0].EventType, stream.Events[1].EventType, stream.Events[2].EventType})
}

func TestSaveWithoutPendingEvents(t *testing.T) {
	f := newFixture(t, nil)
	doc := f.repo.Create()
	require.NoError(t, f.repo.Save(context.Background(), doc))
	require.Equal(t, int64(0), doc.Version())
}

func TestFindMissingAggregate(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.repo.Find(context.Background(), aggregate.NewID("document"))
	require.ErrorIs(t, err, aggregate.ErrAggregateNotFound)
}

func TestConcurrentSaveConflicts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	doc := f.repo.Create()
	require.NoError(t, doc.Create("draft"))
	require.NoError(t, f.repo.Save(ctx, doc))

	first, err := f.repo.Find(ctx, doc.ID())
	require.NoError(t, err)
	second, err := f.repo.Find(ctx, doc.ID())
	require.NoError(t, err)

	require.NoError(t, first.Rename("first"))
	require.NoError(t, f.repo.Save(ctx, first))

	require.NoError(t, second.Rename("second"))
	err = f.repo.Save(ctx, second)
	require.ErrorIs(t, err, store.ErrOptimisticConcurrency)
	require.Len(t, second.Pending(), 1, "a failed save keeps the pending events")

	loaded, err := f.repo.Find(ctx, doc.ID())
	require.NoError(t, err)
	require.Equal(t, "first", loaded.Title)
	require.Equal(t, int64(2), loaded.Version())

	stats, err := f.stores.Outbox.Stats(ctx, f.db)
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.Pending, "the rejected save enqueued nothing")
}

func TestSaveEnqueuesPublishableEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	doc := f.repo.Create()
	require.NoError(t, doc.Create("draft"))
	require.NoError(t, doc.AddNote("internal"))
	require.NoError(t, doc.Rename("final"))
	require.NoError(t, f.repo.Save(ctx, doc))

	msgs, err := f.stores.Outbox.ClaimPending(ctx, f.db, 10, nil)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	partition := outbox.HashPartitioner{Count: outbox.DefaultPartitionCount}.PartitionFor(doc.ID().StreamID())
	types := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		require.Equal(t, partition, msg.PartitionKey)
		e, err := f.stores.Events.GetByGlobalSequence(ctx, f.db, msg.GlobalSequence)
		require.NoError(t, err)
		types = append(types, e.EventType)
	}
	require.Equal(t, []string{"DocumentCreated", "TitleChanged"}, types)
}

func TestSnapshotPolicy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, snapshot.Cadence(2, 0))

	doc := f.repo.Create()
	require.NoError(t, doc.Create("draft"))
	require.NoError(t, f.repo.Save(ctx, doc))

	_, err := f.stores.Snapshots.Load(ctx, f.db, "document", doc.ID().StreamID())
	require.ErrorIs(t, err, snapshot.ErrNotFound)

	require.NoError(t, doc.AddNote("one"))
	require.NoError(t, f.repo.Save(ctx, doc))

	snap, err := f.stores.Snapshots.Load(ctx, f.db, "document", doc.ID().StreamID())
	require.NoError(t, err)
	require.Equal(t, int64(2), snap.Version)
	require.Equal(t, int64(2), doc.SnapshotVersion())

	require.NoError(t, doc.AddNote("two"))
	require.NoError(t, doc.Rename("final"))
	require.NoError(t, f.repo.Save(ctx, doc))

	loaded, err := f.repo.Find(ctx, doc.ID())
	require.NoError(t, err)
	require.Equal(t, "final", loaded.Title)
	require.Equal(t, []string{"one", "two"}, loaded.Notes)
	require.Equal(t, int64(4), loaded.Version())
	require.Equal(t, int64(4), loaded.SnapshotVersion())
}

func TestFindAppliesEventsAfterSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	doc := f.repo.Create()
	require.NoError(t, doc.Create("draft"))
	require.NoError(t, doc.AddNote("one"))
	require.NoError(t, f.repo.Save(ctx, doc))
	require.NoError(t, f.repo.Snapshot(ctx, doc))

	require.NoError(t, doc.AddNote("two"))
	require.NoError(t, f.repo.Save(ctx, doc))

	loaded, err := f.repo.Find(ctx, doc.ID())
	require.NoError(t, err)
	require.Equal(t, []string{"one", "two"}, loaded.Notes, "events up to the snapshot are not applied twice")
	require.Equal(t, int64(3), loaded.Version())
	require.Equal(t, int64(2), loaded.SnapshotVersion())
}

func TestSnapshotRejectsUnsavedAggregate(t *testing.T) {
	f := newFixture(t, nil)
	doc := f.repo.Create()
	require.NoError(t, doc.Create("draft"))
	require.Error(t, f.repo.Snapshot(context.Background(), doc))
}

type Unknown struct{}

func (Unknown) EventType() string { return "Unknown" }

func TestRecordUnhandledEvent(t *testing.T) {
	f := newFixture(t, nil)
	doc := f.repo.Create()
	err := doc.Record(Unknown{})
	require.ErrorIs(t, err, aggregate.ErrNoHandler)
	require.Empty(t, doc.Pending())
}

func TestRecordUnboundAggregate(t *testing.T) {
	doc := &Document{}
	require.ErrorIs(t, doc.Create("draft"), aggregate.ErrNotBound)
}

func TestEventContextIsStamped(t *testing.T) {
	f := newFixture(t, nil)
	correlation := aggregate.NewID("c").UUID
	ctx := es.WithCorrelationID(context.Background(), correlation)

	doc := f.repo.Create()
	require.NoError(t, doc.Create("draft"))
	require.NoError(t, f.repo.Save(ctx, doc))

	stream, err := store.ReadStream(ctx, f.stores.Events, f.db, doc.ID().StreamID(), es.EventWindow{})
	require.NoError(t, err)
	require.True(t, stream.Events[0].CorrelationID.Valid)
	require.Equal(t, correlation, stream.Events[0].CorrelationID.UUID)
}

func TestRepositoryConfigValidate(t *testing.T) {
	_, err := aggregate.NewRepository(aggregate.RepositoryConfig[*Document]{})
	require.True(t, errors.Is(err, es.ErrInvalidConfig))

	_, err = aggregate.NewRepository(aggregate.RepositoryConfig[*Document]{
		AggregateType: "document",
		DB:            &sql.DB{},
		Events:        sqlite.NewStores().Events,
		Handlers:      documentHandlers(),
	})
	require.ErrorIs(t, err, es.ErrInvalidConfig, "factory is required")
}
