package postgres_test

import (
	"errors"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/getpup/puprelay/es/adapters/postgres"
)

func TestIsUniqueViolation(t *testing.T) {
	require.True(t, postgres.IsUniqueViolation(&pq.Error{Code: "23505"}))
	require.False(t, postgres.IsUniqueViolation(&pq.Error{Code: "23503"}))
	require.True(t, postgres.IsUniqueViolation(errors.New(`duplicate key value violates unique constraint "events_pkey"`)))
	require.False(t, postgres.IsUniqueViolation(nil))
}

func TestDialect_Rebind(t *testing.T) {
	d := postgres.Dialect{}
	require.Equal(t, "SELECT * FROM t WHERE a = $1 AND b IN ($2, $3)", d.Rebind("SELECT * FROM t WHERE a = ? AND b IN (?, ?)"))
	require.Equal(t, "SELECT '?' WHERE a = $1", d.Rebind("SELECT '?' WHERE a = ?"))
}

func TestDialect_Capabilities(t *testing.T) {
	d := postgres.Dialect{}
	require.True(t, d.SupportsReturning())
	require.True(t, d.SupportsSkipLocked())
	require.Equal(t,
		"INSERT INTO p (partition_key) VALUES (?) ON CONFLICT DO NOTHING",
		d.InsertIgnore("p", []string{"partition_key"}))
}
