package es

import (
	"context"
	"database/sql"
)

// DBTX is a minimal interface for database operations.
// It is implemented by both *sql.DB and *sql.Tx, allowing
// the library to be transaction-agnostic.
//
// Callers own transaction boundaries: an append and the outbox row it
// produces must share the same *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// DB is a DBTX that can also open transactions. *sql.DB implements it.
type DB interface {
	DBTX
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Ensure standard library types implement DBTX
var (
	_ DBTX = (*sql.DB)(nil)
	_ DBTX = (*sql.Tx)(nil)
	_ DB   = (*sql.DB)(nil)
)
