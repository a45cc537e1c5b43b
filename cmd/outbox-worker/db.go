package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/getpup/puprelay/es"
	"github.com/getpup/puprelay/es/adapters/mysql"
	"github.com/getpup/puprelay/es/adapters/postgres"
	"github.com/getpup/puprelay/es/adapters/sqlite"
	"github.com/getpup/puprelay/es/adapters/sqlstore"
)

// connectDB opens and pings the configured database.
func connectDB(ctx context.Context, config *Config) (*sql.DB, error) {
	if config.DSN == "" {
		return nil, fmt.Errorf("dsn is required (--dsn or PUPRELAY_DSN)")
	}

	var (
		db  *sql.DB
		err error
	)
	switch config.Driver {
	case "sqlite":
		db, err = sqlite.Open(config.DSN)
	default:
		// The postgres and mysql adapters register their drivers on import.
		db, err = sql.Open(config.Driver, config.DSN)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", config.Driver, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", config.Driver, err)
	}
	return db, nil
}

// newStores builds the stores for the configured driver.
func newStores(config *Config, logger es.Logger) *sqlstore.Stores {
	opts := []sqlstore.Option{
		sqlstore.WithLogger(logger),
		sqlstore.WithEventsTable(config.EventsTable),
		sqlstore.WithSnapshotsTable(config.SnapshotsTable),
		sqlstore.WithOutboxTable(config.OutboxTable),
		sqlstore.WithPartitionsTable(config.PartitionsTable),
		sqlstore.WithWorkersTable(config.WorkersTable),
		sqlstore.WithFlagsTable(config.FlagsTable),
	}
	if config.ClaimTTL > 0 {
		opts = append(opts, sqlstore.WithClaimTTL(config.ClaimTTL))
	}
	if config.RetryBackoff > 0 {
		opts = append(opts, sqlstore.WithRetryBackoff(config.RetryBackoff))
	}

	switch config.Driver {
	case "mysql":
		return mysql.NewStores(opts...)
	case "sqlite":
		return sqlite.NewStores(opts...)
	default:
		return postgres.NewStores(opts...)
	}
}
