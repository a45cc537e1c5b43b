package projection_test

import (
	"context"
	"database/sql"
	"errors"
	"iter"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/getpup/puprelay/es"
	"github.com/getpup/puprelay/es/adapters/sqlite"
	"github.com/getpup/puprelay/es/adapters/sqlite/sqlitetest"
	"github.com/getpup/puprelay/es/adapters/sqlstore"
	"github.com/getpup/puprelay/es/fetch"
	"github.com/getpup/puprelay/es/projection"
	"github.com/getpup/puprelay/es/store"
)

// titles is a read model kept in its own table.
type titles struct {
	types []string
	fail  error
}

func (p *titles) Name() string { return "titles" }

func (p *titles) EventTypes() []string { return p.types }

func (p *titles) Reset(ctx context.Context, tx es.DBTX) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM titles`)
	return err
}

//nolint:gocritic // hugeParam: events are passed by value to keep them immutable
func (p *titles) Handle(ctx context.Context, tx es.DBTX, e es.StoredEvent) error {
	if p.fail != nil {
		return p.fail
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO titles (stream_id, event_type) VALUES (?, ?)`, e.StreamID, e.EventType)
	return err
}

func setup(t *testing.T) (*sql.DB, *sqlstore.Stores) {
	t.Helper()
	db := sqlitetest.Open(t)
	_, err := db.Exec(`CREATE TABLE titles (stream_id TEXT NOT NULL, event_type TEXT NOT NULL)`)
	require.NoError(t, err)

	stores := sqlite.NewStores()
	ctx := context.Background()
	for _, streamID := range []string{"document-a", "document-b", "document-c"} {
		_, err := stores.Events.Append(ctx, db, es.NoStream(), []es.Event{
			{StreamID: streamID, EventType: "Created"},
			{StreamID: streamID, EventType: "Renamed"},
		})
		require.NoError(t, err)
	}
	return db, stores
}

func rows(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM titles`).Scan(&n))
	return n
}

func TestRebuild(t *testing.T) {
	ctx := context.Background()
	db, stores := setup(t)

	res, err := projection.Rebuild(ctx, db, stores.Events, &titles{}, projection.DefaultConfig())
	require.NoError(t, err)
	require.Equal(t, int64(6), res.Handled)
	require.Equal(t, int64(6), res.LastGlobalSequence)
	require.Equal(t, 6, rows(t, db))

	// a second rebuild resets the read model first
	_, err = projection.Rebuild(ctx, db, stores.Events, &titles{}, projection.DefaultConfig())
	require.NoError(t, err)
	require.Equal(t, 6, rows(t, db))
}

func TestRebuildScopedAndWindowed(t *testing.T) {
	ctx := context.Background()
	db, stores := setup(t)

	config := projection.DefaultConfig()
	config.Window = es.From(es.AfterGlobalSequence(2))
	res, err := projection.Rebuild(ctx, db, stores.Events, &titles{types: []string{"Renamed"}}, config)
	require.NoError(t, err)
	require.Equal(t, int64(2), res.Handled, "Renamed of document-b and document-c")
	require.Equal(t, 2, rows(t, db))
}

func TestRebuildWithoutMatchesFails(t *testing.T) {
	ctx := context.Background()
	db, stores := setup(t)

	_, err := projection.Rebuild(ctx, db, stores.Events, &titles{}, projection.DefaultConfig())
	require.NoError(t, err)

	_, err = projection.Rebuild(ctx, db, stores.Events, &titles{types: []string{"Archived"}}, projection.DefaultConfig())
	require.ErrorIs(t, err, es.ErrNoEventsMatched)
	require.Equal(t, 6, rows(t, db), "the reset was rolled back")
}

func TestRebuildHandlerErrorRollsBack(t *testing.T) {
	ctx := context.Background()
	db, stores := setup(t)
	boom := errors.New("boom")

	_, err := projection.Rebuild(ctx, db, stores.Events, &titles{fail: boom}, projection.DefaultConfig())
	require.ErrorIs(t, err, projection.ErrProjectionStopped)
	require.ErrorIs(t, err, boom)
	require.Zero(t, rows(t, db))
}

func TestRebuildPartitioned(t *testing.T) {
	ctx := context.Background()
	db, stores := setup(t)

	var handled int64
	for key := 0; key < 2; key++ {
		config := projection.DefaultConfig()
		config.PartitionKey = key
		config.TotalPartitions = 2
		res, err := projection.Rebuild(ctx, db, stores.Events, &titles{}, config)
		if errors.Is(err, es.ErrNoEventsMatched) {
			continue
		}
		require.NoError(t, err)
		require.Equal(t, int64(6), res.Handled+res.Skipped)
		handled += res.Handled
	}
	require.Equal(t, int64(6), handled)
}

func TestRebuildValidatesConfig(t *testing.T) {
	ctx := context.Background()
	db, stores := setup(t)

	config := projection.DefaultConfig()
	config.PartitionKey = 1
	_, err := projection.Rebuild(ctx, db, stores.Events, &titles{}, config)
	require.ErrorIs(t, err, es.ErrInvalidConfig)

	_, err = projection.Rebuild(ctx, db, stores.Events, nil, projection.DefaultConfig())
	require.ErrorIs(t, err, es.ErrInvalidConfig)

	config = projection.DefaultConfig()
	config.Window = es.From(es.AfterGlobalSequence(-1))
	_, err = projection.Rebuild(ctx, db, stores.Events, &titles{}, config)
	require.ErrorIs(t, err, es.ErrInvalidWindow)
}

// trackingReader records whether one of its result sets is still being read.
type trackingReader struct {
	store.EventReader
	reading bool
}

func (r *trackingReader) All(ctx context.Context, tx es.DBTX, w es.EventWindow, types ...string) iter.Seq2[es.StoredEvent, error] {
	inner := r.EventReader.All(ctx, tx, w, types...)
	return func(yield func(es.StoredEvent, error) bool) {
		r.reading = true
		defer func() { r.reading = false }()
		for e, err := range inner {
			if !yield(e, err) {
				return
			}
		}
	}
}

// exclusiveTitles fails when it is handed an event while the read is still open.
type exclusiveTitles struct {
	titles
	reader *trackingReader
}

//nolint:gocritic // hugeParam: events are passed by value to keep them immutable
func (p *exclusiveTitles) Handle(ctx context.Context, tx es.DBTX, e es.StoredEvent) error {
	if p.reader.reading {
		return errors.New("handled while the result set was open")
	}
	return p.titles.Handle(ctx, tx, e)
}

func TestRebuildHandlesPagesAfterReading(t *testing.T) {
	ctx := context.Background()
	db, _ := setup(t)

	for _, strategy := range []fetch.Strategy{fetch.Cursor{}, fetch.Chunked{Size: 2}, fetch.LoadAll{}} {
		t.Run(strategy.Name(), func(t *testing.T) {
			reader := &trackingReader{EventReader: sqlite.NewStores(sqlstore.WithFetchStrategy(strategy)).Events}

			config := projection.DefaultConfig()
			config.PageSize = 4
			res, err := projection.Rebuild(ctx, db, reader, &exclusiveTitles{reader: reader}, config)
			require.NoError(t, err)
			require.Equal(t, int64(6), res.Handled)
			require.Equal(t, int64(6), res.LastGlobalSequence)
			require.Equal(t, 6, rows(t, db))
		})
	}
}

func TestRebuildPagesKeepTheWindow(t *testing.T) {
	ctx := context.Background()
	db, stores := setup(t)

	config := projection.DefaultConfig()
	config.PageSize = 2
	config.Window = es.Between(es.AfterGlobalSequence(1), es.ToGlobalSequence(5))
	res, err := projection.Rebuild(ctx, db, stores.Events, &titles{}, config)
	require.NoError(t, err)
	require.Equal(t, int64(4), res.Handled)
	require.Equal(t, int64(5), res.LastGlobalSequence)
	require.Equal(t, 4, rows(t, db))

	config.Window = es.From(es.AfterStreamSequence(1))
	res, err = projection.Rebuild(ctx, db, stores.Events, &titles{types: []string{"Created", "Renamed"}}, config)
	require.NoError(t, err)
	require.Equal(t, int64(3), res.Handled, "the Renamed of each stream")
}
