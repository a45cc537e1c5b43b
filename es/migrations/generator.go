// Package migrations provides SQL migration generation for the event store,
// snapshots and outbox tables.
package migrations

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config configures migration generation.
type Config struct {
	// OutputFolder is the directory where the migration file will be written
	OutputFolder string

	// OutputFilename is the name of the migration file
	OutputFilename string

	// EventsTable is the name of the events table
	EventsTable string

	// SnapshotsTable is the name of the snapshots table
	SnapshotsTable string

	// OutboxTable is the name of the outbox table
	OutboxTable string

	// PartitionsTable is the name of the outbox partition lease table
	PartitionsTable string

	// WorkersTable is the name of the outbox worker registry table
	WorkersTable string

	// FlagsTable is the name of the shared rate-limit flag table
	FlagsTable string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	timestamp := time.Now().Format("20060102150405")
	return Config{
		OutputFolder:    "migrations",
		OutputFilename:  fmt.Sprintf("%s_init_puprelay.sql", timestamp),
		EventsTable:     "events",
		SnapshotsTable:  "snapshots",
		OutboxTable:     "outbox",
		PartitionsTable: "outbox_partitions",
		WorkersTable:    "outbox_workers",
		FlagsTable:      "outbox_flags",
	}
}

// Adapters lists the supported database adapters.
var Adapters = []string{"postgres", "mysql", "sqlite"}

// SQL renders the migration for adapter.
func SQL(adapter string, config *Config) (string, error) {
	switch adapter {
	case "postgres":
		return generatePostgresSQL(config), nil
	case "mysql":
		return generateMySQLSQL(config), nil
	case "sqlite":
		return generateSQLiteSQL(config), nil
	default:
		return "", fmt.Errorf("unsupported adapter %q (supported: postgres, mysql, sqlite)", adapter)
	}
}

// Generate writes the migration for adapter to config.OutputFolder.
func Generate(adapter string, config *Config) error {
	sql, err := SQL(adapter, config)
	if err != nil {
		return err
	}

	// Ensure output folder exists
	if err := os.MkdirAll(config.OutputFolder, 0o755); err != nil {
		return fmt.Errorf("failed to create output folder: %w", err)
	}

	outputPath := filepath.Join(config.OutputFolder, config.OutputFilename)
	if err := os.WriteFile(outputPath, []byte(sql), 0o600); err != nil {
		return fmt.Errorf("failed to write migration file: %w", err)
	}

	return nil
}

// GeneratePostgres generates a PostgreSQL migration file.
func GeneratePostgres(config *Config) error { return Generate("postgres", config) }

// GenerateMySQL generates a MySQL/MariaDB migration file.
func GenerateMySQL(config *Config) error { return Generate("mysql", config) }

// GenerateSQLite generates a SQLite migration file.
func GenerateSQLite(config *Config) error { return Generate("sqlite", config) }

func generatePostgresSQL(c *Config) string {
	return fmt.Sprintf(`-- Event store and outbox migration
-- Generated: %[1]s

-- Events table stores all domain events in append-only fashion.
-- BYTEA for payload and metadata keeps the codec swappable.
CREATE TABLE IF NOT EXISTS %[2]s (
    global_sequence BIGSERIAL PRIMARY KEY,
    event_id UUID NOT NULL UNIQUE,
    stream_id TEXT NOT NULL,
    stream_sequence BIGINT NOT NULL,
    event_type TEXT NOT NULL,
    event_version INT NOT NULL DEFAULT 1,
    payload BYTEA NOT NULL,
    metadata BYTEA,
    occurred_at TIMESTAMPTZ NOT NULL,
    correlation_id UUID,
    causation_id UUID,

    -- Arbitrates concurrent appenders on one stream
    UNIQUE (stream_id, stream_sequence)
);

-- Index for event type replays
CREATE INDEX IF NOT EXISTS idx_%[2]s_event_type
    ON %[2]s (event_type, global_sequence);

-- Index for correlation tracking
CREATE INDEX IF NOT EXISTS idx_%[2]s_correlation
    ON %[2]s (correlation_id) WHERE correlation_id IS NOT NULL;

-- Snapshots hold one materialized state per aggregate, overwritten in place
CREATE TABLE IF NOT EXISTS %[3]s (
    aggregate_type TEXT NOT NULL,
    aggregate_id TEXT NOT NULL,
    snapshot_version BIGINT NOT NULL,
    payload BYTEA NOT NULL,
    snapshot_created_at TIMESTAMPTZ NOT NULL,

    PRIMARY KEY (aggregate_type, aggregate_id)
);

-- Outbox rows point at publishable events and are written in the append transaction
CREATE TABLE IF NOT EXISTS %[4]s (
    global_sequence BIGINT PRIMARY KEY REFERENCES %[2]s (global_sequence),
    attempts INT NOT NULL DEFAULT 0,
    available_at TIMESTAMPTZ NOT NULL,
    published_at TIMESTAMPTZ,
    partition_key TEXT,
    claim_token TEXT,
    last_error TEXT,
    created_at TIMESTAMPTZ NOT NULL
);

-- Index for claiming pending rows
CREATE INDEX IF NOT EXISTS idx_%[4]s_pending
    ON %[4]s (partition_key, available_at, global_sequence) WHERE published_at IS NULL;

-- Index for purging published rows
CREATE INDEX IF NOT EXISTS idx_%[4]s_published
    ON %[4]s (published_at) WHERE published_at IS NOT NULL;

-- Partitions are pre-seeded shards of the outbox keyspace, leased to one worker at a time
CREATE TABLE IF NOT EXISTS %[5]s (
    partition_key TEXT PRIMARY KEY,
    lease_owner TEXT,
    lease_until TIMESTAMPTZ,
    lease_epoch BIGINT NOT NULL DEFAULT 0
);

-- Worker registry tracks liveness of the outbox workers
CREATE TABLE IF NOT EXISTS %[6]s (
    id TEXT PRIMARY KEY,
    hostname TEXT NOT NULL,
    pid INT NOT NULL,
    started_at TIMESTAMPTZ NOT NULL,
    heartbeat_until TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

-- Shared flags rate-limit fleet-wide housekeeping
CREATE TABLE IF NOT EXISTS %[7]s (
    name TEXT PRIMARY KEY,
    next_at TIMESTAMPTZ NOT NULL
);
`,
		time.Now().Format(time.RFC3339),
		c.EventsTable,
		c.SnapshotsTable,
		c.OutboxTable,
		c.PartitionsTable,
		c.WorkersTable,
		c.FlagsTable,
	)
}

func generateMySQLSQL(c *Config) string {
	return fmt.Sprintf(`-- Event store and outbox migration for MySQL/MariaDB
-- Generated: %[1]s

-- Events table stores all domain events in append-only fashion
CREATE TABLE IF NOT EXISTS %[2]s (
    global_sequence BIGINT AUTO_INCREMENT PRIMARY KEY,
    event_id CHAR(36) NOT NULL UNIQUE,
    stream_id VARCHAR(255) NOT NULL,
    stream_sequence BIGINT NOT NULL,
    event_type VARCHAR(255) NOT NULL,
    event_version INT NOT NULL DEFAULT 1,
    payload LONGBLOB NOT NULL,
    metadata BLOB,
    occurred_at DATETIME(6) NOT NULL,
    correlation_id CHAR(36),
    causation_id CHAR(36),

    -- Arbitrates concurrent appenders on one stream
    UNIQUE KEY unique_stream_sequence (stream_id, stream_sequence),
    KEY idx_%[2]s_event_type (event_type, global_sequence),
    KEY idx_%[2]s_correlation (correlation_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;

-- Snapshots hold one materialized state per aggregate, overwritten in place
CREATE TABLE IF NOT EXISTS %[3]s (
    aggregate_type VARCHAR(255) NOT NULL,
    aggregate_id VARCHAR(255) NOT NULL,
    snapshot_version BIGINT NOT NULL,
    payload LONGBLOB NOT NULL,
    snapshot_created_at DATETIME(6) NOT NULL,

    PRIMARY KEY (aggregate_type, aggregate_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;

-- Outbox rows point at publishable events and are written in the append transaction
CREATE TABLE IF NOT EXISTS %[4]s (
    global_sequence BIGINT PRIMARY KEY,
    attempts INT NOT NULL DEFAULT 0,
    available_at DATETIME(6) NOT NULL,
    published_at DATETIME(6) NULL,
    partition_key VARCHAR(64) NULL,
    claim_token VARCHAR(64) NULL,
    last_error TEXT NULL,
    created_at DATETIME(6) NOT NULL,

    KEY idx_%[4]s_pending (published_at, partition_key, available_at, global_sequence),
    KEY idx_%[4]s_claim (claim_token),
    CONSTRAINT fk_%[4]s_event FOREIGN KEY (global_sequence) REFERENCES %[2]s (global_sequence)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;

-- Partitions are pre-seeded shards of the outbox keyspace, leased to one worker at a time
CREATE TABLE IF NOT EXISTS %[5]s (
    partition_key VARCHAR(64) PRIMARY KEY,
    lease_owner VARCHAR(255) NULL,
    lease_until DATETIME(6) NULL,
    lease_epoch BIGINT NOT NULL DEFAULT 0
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;

-- Worker registry tracks liveness of the outbox workers
CREATE TABLE IF NOT EXISTS %[6]s (
    id VARCHAR(255) PRIMARY KEY,
    hostname VARCHAR(255) NOT NULL,
    pid INT NOT NULL,
    started_at DATETIME(6) NOT NULL,
    heartbeat_until DATETIME(6) NOT NULL,
    updated_at DATETIME(6) NOT NULL
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;

-- Shared flags rate-limit fleet-wide housekeeping
CREATE TABLE IF NOT EXISTS %[7]s (
    name VARCHAR(255) PRIMARY KEY,
    next_at DATETIME(6) NOT NULL
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;
`,
		time.Now().Format(time.RFC3339),
		c.EventsTable,
		c.SnapshotsTable,
		c.OutboxTable,
		c.PartitionsTable,
		c.WorkersTable,
		c.FlagsTable,
	)
}

// SQLite stores timestamps as fixed-width UTC text so they compare correctly as strings.
func generateSQLiteSQL(c *Config) string {
	return fmt.Sprintf(`-- Event store and outbox migration for SQLite
-- Generated: %[1]s

-- Events table stores all domain events in append-only fashion
CREATE TABLE IF NOT EXISTS %[2]s (
    global_sequence INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id TEXT NOT NULL UNIQUE,
    stream_id TEXT NOT NULL,
    stream_sequence INTEGER NOT NULL,
    event_type TEXT NOT NULL,
    event_version INTEGER NOT NULL DEFAULT 1,
    payload BLOB NOT NULL,
    metadata BLOB,
    occurred_at TEXT NOT NULL,
    correlation_id TEXT,
    causation_id TEXT,

    -- Arbitrates concurrent appenders on one stream
    UNIQUE (stream_id, stream_sequence)
);

-- Index for event type replays
CREATE INDEX IF NOT EXISTS idx_%[2]s_event_type
    ON %[2]s (event_type, global_sequence);

-- Index for correlation tracking
CREATE INDEX IF NOT EXISTS idx_%[2]s_correlation
    ON %[2]s (correlation_id) WHERE correlation_id IS NOT NULL;

-- Snapshots hold one materialized state per aggregate, overwritten in place
CREATE TABLE IF NOT EXISTS %[3]s (
    aggregate_type TEXT NOT NULL,
    aggregate_id TEXT NOT NULL,
    snapshot_version INTEGER NOT NULL,
    payload BLOB NOT NULL,
    snapshot_created_at TEXT NOT NULL,

    PRIMARY KEY (aggregate_type, aggregate_id)
);

-- Outbox rows point at publishable events and are written in the append transaction
CREATE TABLE IF NOT EXISTS %[4]s (
    global_sequence INTEGER PRIMARY KEY REFERENCES %[2]s (global_sequence),
    attempts INTEGER NOT NULL DEFAULT 0,
    available_at TEXT NOT NULL,
    published_at TEXT,
    partition_key TEXT,
    claim_token TEXT,
    last_error TEXT,
    created_at TEXT NOT NULL
);

-- Index for claiming pending rows
CREATE INDEX IF NOT EXISTS idx_%[4]s_pending
    ON %[4]s (partition_key, available_at, global_sequence) WHERE published_at IS NULL;

-- Index for claim lookups
CREATE INDEX IF NOT EXISTS idx_%[4]s_claim
    ON %[4]s (claim_token) WHERE claim_token IS NOT NULL;

-- Partitions are pre-seeded shards of the outbox keyspace, leased to one worker at a time
CREATE TABLE IF NOT EXISTS %[5]s (
    partition_key TEXT PRIMARY KEY,
    lease_owner TEXT,
    lease_until TEXT,
    lease_epoch INTEGER NOT NULL DEFAULT 0
);

-- Worker registry tracks liveness of the outbox workers
CREATE TABLE IF NOT EXISTS %[6]s (
    id TEXT PRIMARY KEY,
    hostname TEXT NOT NULL,
    pid INTEGER NOT NULL,
    started_at TEXT NOT NULL,
    heartbeat_until TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

-- Shared flags rate-limit fleet-wide housekeeping
CREATE TABLE IF NOT EXISTS %[7]s (
    name TEXT PRIMARY KEY,
    next_at TEXT NOT NULL
);
`,
		time.Now().Format(time.RFC3339),
		c.EventsTable,
		c.SnapshotsTable,
		c.OutboxTable,
		c.PartitionsTable,
		c.WorkersTable,
		c.FlagsTable,
	)
}
