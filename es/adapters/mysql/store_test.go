package mysql_test

import (
	"errors"
	"testing"

	driver "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/require"

	"github.com/getpup/puprelay/es/adapters/mysql"
)

func TestIsUniqueViolation(t *testing.T) {
	require.True(t, mysql.IsUniqueViolation(&driver.MySQLError{Number: 1062, Message: "Duplicate entry 'x' for key 'PRIMARY'"}))
	require.False(t, mysql.IsUniqueViolation(&driver.MySQLError{Number: 1452}))
	require.False(t, mysql.IsUniqueViolation(nil))
	require.False(t, mysql.IsUniqueViolation(errors.New("connection refused")))
}

func TestDialect_Rendering(t *testing.T) {
	d := mysql.Dialect{}
	require.False(t, d.SupportsReturning())
	require.False(t, d.SupportsSkipLocked())
	require.Equal(t,
		"INSERT IGNORE INTO flags (name, next_at) VALUES (?, ?)",
		d.InsertIgnore("flags", []string{"name", "next_at"}))
	require.Equal(t,
		"INSERT INTO w (id, host, pid) VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE host = VALUES(host), pid = VALUES(pid)",
		d.Upsert("w", []string{"id", "host", "pid"}, []string{"id"}, []string{"host", "pid"}))
}
