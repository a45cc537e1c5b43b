// Package sqlitetest opens migrated SQLite databases for tests.
package sqlitetest

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/getpup/puprelay/es/adapters/sqlite"
	"github.com/getpup/puprelay/es/migrations"
)

// Open returns a database in t's temp dir with every puprelay table created.
// It is closed when t finishes.
func Open(t testing.TB) *sql.DB {
	t.Helper()

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "puprelay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	config := migrations.DefaultConfig()
	schema, err := migrations.SQL("sqlite", &config)
	require.NoError(t, err)

	_, err = db.Exec(schema)
	require.NoError(t, err)
	return db
}
