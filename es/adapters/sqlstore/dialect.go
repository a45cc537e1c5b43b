package sqlstore

import (
	"strconv"
	"strings"
	"time"
)

// Dialect captures what differs between the supported databases.
// Queries are written with '?' placeholders and rewritten by Rebind.
type Dialect interface {
	// Name identifies the dialect, e.g. "postgres".
	Name() string

	// Rebind rewrites '?' placeholders into the dialect's bind style.
	Rebind(query string) string

	// IsUniqueViolation reports whether err is a unique or primary key violation.
	IsUniqueViolation(err error) bool

	// TimeValue converts t into a query argument that compares correctly with stored times.
	TimeValue(t time.Time) interface{}

	// SupportsReturning reports whether INSERT and UPDATE accept a RETURNING clause.
	SupportsReturning() bool

	// SupportsSkipLocked reports whether SELECT ... FOR UPDATE SKIP LOCKED is available
	// for a single-statement claim.
	SupportsSkipLocked() bool

	// InsertIgnore renders an INSERT that silently skips rows conflicting on a unique key.
	InsertIgnore(table string, columns []string) string

	// Upsert renders an INSERT that overwrites update on a conflict over keys.
	Upsert(table string, columns, keys, update []string) string
}

// RebindQuestion leaves '?' placeholders untouched (MySQL, SQLite).
func RebindQuestion(query string) string { return query }

// RebindDollar rewrites '?' placeholders into $1, $2, ... (PostgreSQL).
// Question marks inside single-quoted literals are left alone.
func RebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	quoted := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			quoted = !quoted
			b.WriteByte(c)
		case c == '?' && !quoted:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Placeholders returns n comma-separated '?' placeholders.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

// OnConflictInsertIgnore renders INSERT ... ON CONFLICT DO NOTHING (PostgreSQL, SQLite).
func OnConflictInsertIgnore(table string, columns []string) string {
	return "INSERT INTO " + table + " (" + strings.Join(columns, ", ") + ") VALUES (" +
		Placeholders(len(columns)) + ") ON CONFLICT DO NOTHING"
}

// OnConflictUpsert renders INSERT ... ON CONFLICT (keys) DO UPDATE (PostgreSQL, SQLite).
func OnConflictUpsert(table string, columns, keys, update []string) string {
	sets := make([]string, len(update))
	for i, c := range update {
		sets[i] = c + " = EXCLUDED." + c
	}
	return "INSERT INTO " + table + " (" + strings.Join(columns, ", ") + ") VALUES (" +
		Placeholders(len(columns)) + ") ON CONFLICT (" + strings.Join(keys, ", ") +
		") DO UPDATE SET " + strings.Join(sets, ", ")
}
