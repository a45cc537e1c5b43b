// Package sqlstore implements the event store, snapshot store, outbox, partition
// lease store, worker registry and throttle on database/sql.
//
// One implementation serves every supported database; the differences live in a
// Dialect supplied by the postgres, mysql and sqlite packages. All "now" values
// come from the configured clock and are passed as query arguments, so every
// process agrees on time only through the rows it reads.
package sqlstore

import (
	"time"

	"github.com/juju/clock"

	"github.com/getpup/puprelay/es"
	"github.com/getpup/puprelay/es/fetch"
)

// Config contains configuration shared by all SQL stores.
// Configuration is immutable after construction.
type Config struct {
	// Logger is an optional logger for observability.
	// If nil, logging is disabled (zero overhead).
	Logger es.Logger

	// Clock supplies the current time. Defaults to clock.WallClock.
	Clock clock.Clock

	// Fetch is the strategy used by Load and All. Defaults to fetch.Default().
	Fetch fetch.Strategy

	// EventsTable is the name of the events table
	EventsTable string

	// SnapshotsTable is the name of the snapshots table
	SnapshotsTable string

	// OutboxTable is the name of the outbox table
	OutboxTable string

	// PartitionsTable is the name of the outbox partition lease table
	PartitionsTable string

	// WorkersTable is the name of the worker registry table
	WorkersTable string

	// FlagsTable is the name of the shared flag table used by the throttle
	FlagsTable string

	// ClaimTTL is how long a claimed outbox row stays invisible to other claims.
	ClaimTTL time.Duration

	// RetryBackoff is how long a failed outbox row waits before it can be claimed again.
	RetryBackoff time.Duration

	// MaxErrorLength bounds the stored last_error of a failed outbox row.
	MaxErrorLength int

	// OptimisticLocking enables the expected version check on append.
	// The unique constraint on (stream_id, stream_sequence) applies either way.
	OptimisticLocking bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Clock:             clock.WallClock,
		Fetch:             fetch.Default(),
		EventsTable:       "events",
		SnapshotsTable:    "snapshots",
		OutboxTable:       "outbox",
		PartitionsTable:   "outbox_partitions",
		WorkersTable:      "outbox_workers",
		FlagsTable:        "outbox_flags",
		ClaimTTL:          60 * time.Second,
		RetryBackoff:      30 * time.Second,
		MaxErrorLength:    1000,
		OptimisticLocking: true,
	}
}

// Option is a functional option for configuring the stores.
type Option func(*Config)

// WithLogger sets a logger for the stores.
func WithLogger(logger es.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithClock sets the clock used for timestamps, leases and availability.
func WithClock(clk clock.Clock) Option {
	return func(c *Config) {
		c.Clock = clk
	}
}

// WithFetchStrategy sets the strategy used by Load and All.
func WithFetchStrategy(s fetch.Strategy) Option {
	return func(c *Config) {
		c.Fetch = s
	}
}

// WithOptimisticLocking toggles the expected version check on append.
func WithOptimisticLocking(enabled bool) Option {
	return func(c *Config) {
		c.OptimisticLocking = enabled
	}
}

// WithClaimTTL sets how long a claim hides an outbox row.
func WithClaimTTL(d time.Duration) Option {
	return func(c *Config) {
		c.ClaimTTL = d
	}
}

// WithRetryBackoff sets the delay before a failed outbox row is retried.
func WithRetryBackoff(d time.Duration) Option {
	return func(c *Config) {
		c.RetryBackoff = d
	}
}

// WithMaxErrorLength sets the maximum stored length of an outbox error.
func WithMaxErrorLength(n int) Option {
	return func(c *Config) {
		c.MaxErrorLength = n
	}
}

// WithEventsTable sets a custom events table name.
func WithEventsTable(tableName string) Option {
	return func(c *Config) {
		c.EventsTable = tableName
	}
}

// WithSnapshotsTable sets a custom snapshots table name.
func WithSnapshotsTable(tableName string) Option {
	return func(c *Config) {
		c.SnapshotsTable = tableName
	}
}

// WithOutboxTable sets a custom outbox table name.
func WithOutboxTable(tableName string) Option {
	return func(c *Config) {
		c.OutboxTable = tableName
	}
}

// WithPartitionsTable sets a custom partition lease table name.
func WithPartitionsTable(tableName string) Option {
	return func(c *Config) {
		c.PartitionsTable = tableName
	}
}

// WithWorkersTable sets a custom worker registry table name.
func WithWorkersTable(tableName string) Option {
	return func(c *Config) {
		c.WorkersTable = tableName
	}
}

// WithFlagsTable sets a custom flag table name.
func WithFlagsTable(tableName string) Option {
	return func(c *Config) {
		c.FlagsTable = tableName
	}
}

// NewConfig creates a new store configuration with functional options.
// It starts with the default configuration and applies the given options.
//
// Example:
//
//	config := sqlstore.NewConfig(
//	    sqlstore.WithLogger(myLogger),
//	    sqlstore.WithEventsTable("custom_events"),
//	)
func NewConfig(opts ...Option) Config {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	return config
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Clock == nil {
		c.Clock = d.Clock
	}
	if c.Fetch == nil {
		c.Fetch = d.Fetch
	}
	if c.MaxErrorLength <= 0 {
		c.MaxErrorLength = d.MaxErrorLength
	}
	return c
}

// Stores bundles every store over one dialect and configuration.
type Stores struct {
	Events     *EventStore
	Snapshots  *SnapshotStore
	Outbox     *OutboxStore
	Partitions *PartitionStore
	Workers    *WorkerRegistry
	Flags      *FlagThrottle
}

// New creates all stores for dialect d.
func New(d Dialect, config Config) *Stores {
	config = config.withDefaults()
	return &Stores{
		Events:     NewEventStore(d, config),
		Snapshots:  NewSnapshotStore(d, config),
		Outbox:     NewOutboxStore(d, config),
		Partitions: NewPartitionStore(d, config),
		Workers:    NewWorkerRegistry(d, config),
		Flags:      NewFlagThrottle(d, config),
	}
}

// now returns the clock's current time at database precision.
func (c Config) now() time.Time {
	return normalizeTime(c.Clock.Now())
}
