package fetch_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/getpup/puprelay/es"
	"github.com/getpup/puprelay/es/fetch"
)

func openDB(t *testing.T, rows int) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "fetch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`CREATE TABLE events (
		global_sequence INTEGER PRIMARY KEY AUTOINCREMENT,
		stream_id TEXT NOT NULL,
		stream_sequence INTEGER NOT NULL,
		event_type TEXT NOT NULL
	)`)
	require.NoError(t, err)

	for i := 1; i <= rows; i++ {
		stream := fmt.Sprintf("doc-%d", i%3)
		_, err = db.Exec(`INSERT INTO events (stream_id, stream_sequence, event_type) VALUES (?, ?, ?)`,
			stream, i, fmt.Sprintf("Type%d", i%2))
		require.NoError(t, err)
	}
	return db
}

func query(where string, args ...interface{}) fetch.Query {
	return fetch.Query{
		Select: "SELECT global_sequence, stream_id, stream_sequence, event_type FROM events WHERE " + where,
		Args:   args,
		Scan: func(rows *sql.Rows) (es.StoredEvent, error) {
			var e es.StoredEvent
			err := rows.Scan(&e.GlobalSequence, &e.StreamID, &e.StreamSequence, &e.EventType)
			return e, err
		},
	}
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

func TestStrategies_Equivalent(t *testing.T) {
	db := openDB(t, 23)
	ctx := context.Background()

	strategies := []fetch.Strategy{fetch.LoadAll{}, fetch.Cursor{}, fetch.Chunked{Size: 4}, fetch.Chunked{Size: 100}}
	queries := map[string]fetch.Query{
		"all":      query("1=1"),
		"stream":   query("stream_id = ?", "doc-1"),
		"type":     query("event_type = ?", "Type0"),
		"no match": query("stream_id = ?", "missing"),
	}

	for name, q := range queries {
		t.Run(name, func(t *testing.T) {
			want := drain(t, fetch.LoadAll{}.Fetch(ctx, db, q))
			for i := 1; i < len(want); i++ {
				require.Less(t, want[i-1].GlobalSequence, want[i].GlobalSequence)
			}
			for _, s := range strategies {
				require.Equal(t, want, drain(t, s.Fetch(ctx, db, q)), s.Name())
			}
		})
	}
}

func TestStrategies_Restartable(t *testing.T) {
	db := openDB(t, 7)
	seq := fetch.Chunked{Size: 2}.Fetch(context.Background(), db, query("1=1"))

	first := drain(t, seq)
	second := drain(t, seq)
	require.Len(t, first, 7)
	require.Equal(t, first, second)
}

func TestStrategies_EarlyBreak(t *testing.T) {
	db := openDB(t, 10)
	for _, s := range []fetch.Strategy{fetch.LoadAll{}, fetch.Cursor{}, fetch.Chunked{Size: 3}} {
		n := 0
		for _, err := range s.Fetch(context.Background(), db, query("1=1")) {
			require.NoError(t, err)
			n++
			if n == 4 {
				break
			}
		}
		require.Equal(t, 4, n, s.Name())
	}
}

func TestStrategies_QueryError(t *testing.T) {
	db := openDB(t, 1)
	q := query("1=1")
	q.Select = "SELECT nope FROM missing WHERE 1=1"

	for _, s := range []fetch.Strategy{fetch.LoadAll{}, fetch.Cursor{}, fetch.Chunked{}} {
		var got error
		for _, err := range s.Fetch(context.Background(), db, q) {
			got = err
		}
		require.Error(t, got, s.Name())
	}
}

func TestByName(t *testing.T) {
	for name, want := range map[string]string{
		"":         "chunked",
		"chunked":  "chunked",
		"load-all": "load-all",
		"cursor":   "cursor",
	} {
		s, err := fetch.ByName(name)
		require.NoError(t, err)
		require.Equal(t, want, s.Name())
	}

	_, err := fetch.ByName("parallel")
	require.True(t, errors.Is(err, es.ErrStrategyNotFound))
}
