package sqlite_test

import (
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/getpup/puprelay/es/adapters/sqlite"
	"github.com/getpup/puprelay/es/adapters/sqlite/sqlitetest"
	"github.com/getpup/puprelay/es/adapters/sqlstore/sqlstoretest"
)

func openTestDB(t *testing.T) *sql.DB {
	return sqlitetest.Open(t)
}

func TestConformance(t *testing.T) {
	sqlstoretest.Run(t, sqlstoretest.Harness{
		Dialect: sqlite.Dialect{},
		Open:    openTestDB,
	})
}

func TestIsUniqueViolation(t *testing.T) {
	db := openTestDB(t)

	_, err := db.Exec(`INSERT INTO outbox_partitions (partition_key) VALUES ('p00')`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO outbox_partitions (partition_key) VALUES ('p00')`)
	require.Error(t, err)
	require.True(t, sqlite.IsUniqueViolation(err))

	require.False(t, sqlite.IsUniqueViolation(nil))
	require.False(t, sqlite.IsUniqueViolation(errors.New("disk I/O error")))
}

func TestDialect(t *testing.T) {
	d := sqlite.Dialect{}
	require.Equal(t, "sqlite", d.Name())
	require.Equal(t, "SELECT ?", d.Rebind("SELECT ?"))
	require.Equal(t,
		"INSERT INTO flags (name, next_at) VALUES (?, ?) ON CONFLICT DO NOTHING",
		d.InsertIgnore("flags", []string{"name", "next_at"}))
	require.Equal(t,
		"INSERT INTO w (id, host) VALUES (?, ?) ON CONFLICT (id) DO UPDATE SET host = EXCLUDED.host",
		d.Upsert("w", []string{"id", "host"}, []string{"id"}, []string{"host"}))
}
