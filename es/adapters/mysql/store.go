// Package mysql provides the MySQL/MariaDB dialect for the SQL stores.
//
// MySQL has no RETURNING, so appends read LastInsertId and outbox claims use
// compare-and-set: candidates are selected, then claimed by an UPDATE that
// re-checks availability. Connections need parseTime=true or the stores fall
// back to parsing DATETIME text.
package mysql

import (
	"errors"
	"strings"
	"time"

	driver "github.com/go-sql-driver/mysql"

	"github.com/getpup/puprelay/es/adapters/sqlstore"
)

// errDupEntry is ER_DUP_ENTRY.
const errDupEntry = 1062

// Dialect implements sqlstore.Dialect for MySQL.
type Dialect struct{}

// Name implements sqlstore.Dialect.
func (Dialect) Name() string { return "mysql" }

// Rebind implements sqlstore.Dialect.
func (Dialect) Rebind(query string) string { return sqlstore.RebindQuestion(query) }

// IsUniqueViolation implements sqlstore.Dialect.
func (Dialect) IsUniqueViolation(err error) bool { return IsUniqueViolation(err) }

// TimeValue implements sqlstore.Dialect.
func (Dialect) TimeValue(t time.Time) interface{} { return t.UTC() }

// SupportsReturning implements sqlstore.Dialect.
func (Dialect) SupportsReturning() bool { return false }

// SupportsSkipLocked implements sqlstore.Dialect.
// MySQL rejects an UPDATE whose subquery selects from the updated table.
func (Dialect) SupportsSkipLocked() bool { return false }

// InsertIgnore implements sqlstore.Dialect.
func (Dialect) InsertIgnore(table string, columns []string) string {
	return "INSERT IGNORE INTO " + table + " (" + strings.Join(columns, ", ") + ") VALUES (" +
		sqlstore.Placeholders(len(columns)) + ")"
}

// Upsert implements sqlstore.Dialect.
func (Dialect) Upsert(table string, columns, _, update []string) string {
	sets := make([]string, len(update))
	for i, c := range update {
		sets[i] = c + " = VALUES(" + c + ")"
	}
	return "INSERT INTO " + table + " (" + strings.Join(columns, ", ") + ") VALUES (" +
		sqlstore.Placeholders(len(columns)) + ") ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
}

// IsUniqueViolation checks if an error is a MySQL duplicate entry error.
// This is exported for testing purposes.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var myErr *driver.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == errDupEntry
	}

	errMsg := err.Error()
	return strings.Contains(errMsg, "Duplicate entry") || strings.Contains(errMsg, "1062")
}

// NewStores creates every store for MySQL.
func NewStores(opts ...sqlstore.Option) *sqlstore.Stores {
	return sqlstore.New(Dialect{}, sqlstore.NewConfig(opts...))
}

var _ sqlstore.Dialect = Dialect{}
