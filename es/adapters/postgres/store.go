// Package postgres provides the PostgreSQL dialect for the SQL stores.
//
// PostgreSQL claims outbox rows in a single UPDATE over a
// SELECT ... FOR UPDATE SKIP LOCKED, so concurrent workers never block on each
// other's claimed rows.
package postgres

import (
	"errors"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/getpup/puprelay/es/adapters/sqlstore"
)

// Dialect implements sqlstore.Dialect for PostgreSQL.
type Dialect struct{}

// Name implements sqlstore.Dialect.
func (Dialect) Name() string { return "postgres" }

// Rebind implements sqlstore.Dialect.
func (Dialect) Rebind(query string) string { return sqlstore.RebindDollar(query) }

// IsUniqueViolation implements sqlstore.Dialect.
func (Dialect) IsUniqueViolation(err error) bool { return IsUniqueViolation(err) }

// TimeValue implements sqlstore.Dialect.
func (Dialect) TimeValue(t time.Time) interface{} { return t.UTC() }

// SupportsReturning implements sqlstore.Dialect.
func (Dialect) SupportsReturning() bool { return true }

// SupportsSkipLocked implements sqlstore.Dialect.
func (Dialect) SupportsSkipLocked() bool { return true }

// InsertIgnore implements sqlstore.Dialect.
func (Dialect) InsertIgnore(table string, columns []string) string {
	return sqlstore.OnConflictInsertIgnore(table, columns)
}

// Upsert implements sqlstore.Dialect.
func (Dialect) Upsert(table string, columns, keys, update []string) string {
	return sqlstore.OnConflictUpsert(table, columns, keys, update)
}

// IsUniqueViolation checks if an error is a PostgreSQL unique constraint violation.
// This is exported for testing purposes.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	// Check if it's a pq.Error with unique_violation code (23505)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505" // unique_violation
	}

	// Fallback: check error message for common patterns
	errMsg := err.Error()
	return strings.Contains(errMsg, "duplicate key") || strings.Contains(errMsg, "unique constraint")
}

// NewStores creates every store for PostgreSQL.
//
// Example:
//
//	stores := postgres.NewStores(sqlstore.WithLogger(logger))
//	result, err := stores.Events.Append(ctx, tx, es.NoStream(), events)
func NewStores(opts ...sqlstore.Option) *sqlstore.Stores {
	return sqlstore.New(Dialect{}, sqlstore.NewConfig(opts...))
}

var _ sqlstore.Dialect = Dialect{}
