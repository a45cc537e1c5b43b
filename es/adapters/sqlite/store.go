// Package sqlite provides the SQLite dialect for the SQL stores.
//
// Timestamps are stored as fixed-width UTC text (sqlstore.TextTimeFormat) so
// comparisons in SQL are plain string comparisons. SQLite serializes writers,
// so the compare-and-set outbox claim cannot interleave with another writer.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/getpup/puprelay/es/adapters/sqlstore"
)

// Dialect implements sqlstore.Dialect for SQLite.
type Dialect struct{}

// Name implements sqlstore.Dialect.
func (Dialect) Name() string { return "sqlite" }

// Rebind implements sqlstore.Dialect.
func (Dialect) Rebind(query string) string { return sqlstore.RebindQuestion(query) }

// IsUniqueViolation implements sqlstore.Dialect.
func (Dialect) IsUniqueViolation(err error) bool { return IsUniqueViolation(err) }

// TimeValue implements sqlstore.Dialect.
func (Dialect) TimeValue(t time.Time) interface{} { return sqlstore.FormatTextTime(t) }

// SupportsReturning implements sqlstore.Dialect.
func (Dialect) SupportsReturning() bool { return true }

// SupportsSkipLocked implements sqlstore.Dialect.
func (Dialect) SupportsSkipLocked() bool { return false }

// InsertIgnore implements sqlstore.Dialect.
func (Dialect) InsertIgnore(table string, columns []string) string {
	return sqlstore.OnConflictInsertIgnore(table, columns)
}

// Upsert implements sqlstore.Dialect.
func (Dialect) Upsert(table string, columns, keys, update []string) string {
	return sqlstore.OnConflictUpsert(table, columns, keys, update)
}

// IsUniqueViolation checks if an error is a SQLite unique constraint violation.
// This is exported for testing purposes.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}

	// SQLite error messages for unique constraint violations
	errMsg := err.Error()
	return strings.Contains(errMsg, "UNIQUE constraint failed") ||
		strings.Contains(errMsg, "PRIMARY KEY constraint failed")
}

// NewStores creates every store for SQLite.
func NewStores(opts ...sqlstore.Option) *sqlstore.Stores {
	return sqlstore.New(Dialect{}, sqlstore.NewConfig(opts...))
}

// Open opens a SQLite database file configured for concurrent workers:
// WAL journaling, a busy timeout, and transactions that take the write lock up
// front so read-then-write sequences never fail on lock upgrade.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_txlock=immediate", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	return db, nil
}

var _ sqlstore.Dialect = Dialect{}
