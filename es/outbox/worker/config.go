package worker

import (
	"fmt"
	"os"
	"time"

	"github.com/juju/clock"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/getpup/puprelay/es"
	"github.com/getpup/puprelay/es/outbox"
)

// Config configures a Runner.
type Config struct {
	// Logger is optional. If nil, logging is disabled.
	Logger es.Logger

	// Clock drives TTLs, the renew cadence and the idle backoff.
	Clock clock.Clock

	// Metrics receives tick and message observations. Nil means NopMetrics.
	Metrics Metrics

	// Decoder, when set, fills Delivery.Domain with the typed event.
	// A decode failure marks the message failed like a dispatch error.
	Decoder *es.Decoder

	// WorkerID identifies this worker in the registry and as lease owner.
	// It must be unique across the fleet. Defaults to "<hostname>-<pid>-<random>".
	WorkerID string

	// Hostname and PID are informational registry columns.
	Hostname string
	PID      int

	// BatchSize is the maximum number of messages claimed per tick.
	BatchSize int

	// PartitionCount is the size of the partition keyspace (p00, p01, ...).
	// It must match the Partitioner used when enqueueing.
	PartitionCount int

	// LeaseTTL is how long an acquired or renewed lease stays valid.
	LeaseTTL time.Duration

	// LeaseRenew is the minimum time between heartbeats and lease renewals.
	// It must be shorter than LeaseTTL and HeartbeatTTL.
	LeaseRenew time.Duration

	// HeartbeatTTL is how long a registry row stays active without a heartbeat.
	HeartbeatTTL time.Duration

	// IdleBackoff is how long a tick that processed nothing sleeps. Zero disables the sleep.
	IdleBackoff time.Duration

	// ReapInterval is the fleet-wide minimum time between registry reaps.
	ReapInterval time.Duration

	// ErrorBufferSize bounds the ring of recent delivery errors.
	ErrorBufferSize int

	// Leasing enables partition leasing. Without it every worker claims from
	// all partitions and only the claim token prevents double delivery.
	Leasing bool

	// SeedOnJoin creates missing partition rows when the worker joins.
	SeedOnJoin bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	hostname, _ := os.Hostname()
	pid := os.Getpid()
	return Config{
		Clock:           clock.WallClock,
		WorkerID:        fmt.Sprintf("%s-%d-%s", hostname, pid, gonanoid.MustGenerate("0123456789abcdefghijklmnopqrstuvwxyz", 6)),
		Hostname:        hostname,
		PID:             pid,
		BatchSize:       100,
		PartitionCount:  outbox.DefaultPartitionCount,
		LeaseTTL:        30 * time.Second,
		LeaseRenew:      10 * time.Second,
		HeartbeatTTL:    30 * time.Second,
		IdleBackoff:     time.Second,
		ReapInterval:    5 * time.Minute,
		ErrorBufferSize: 50,
		Leasing:         true,
		SeedOnJoin:      true,
	}
}

// Validate checks the configuration for values a Runner cannot work with.
func (c Config) Validate() error {
	switch {
	case c.WorkerID == "":
		return fmt.Errorf("%w: worker id is required", es.ErrInvalidConfig)
	case c.BatchSize < 1:
		return fmt.Errorf("%w: batch size must be positive, got %d", es.ErrInvalidConfig, c.BatchSize)
	case c.PartitionCount < 1:
		return fmt.Errorf("%w: partition count must be positive, got %d", es.ErrInvalidConfig, c.PartitionCount)
	case c.HeartbeatTTL <= 0:
		return fmt.Errorf("%w: heartbeat ttl must be positive", es.ErrInvalidConfig)
	case c.Leasing && c.LeaseTTL <= 0:
		return fmt.Errorf("%w: lease ttl must be positive", es.ErrInvalidConfig)
	case c.LeaseRenew >= c.HeartbeatTTL || (c.Leasing && c.LeaseRenew >= c.LeaseTTL):
		return fmt.Errorf("%w: lease renew interval %s must be shorter than the ttls", es.ErrInvalidConfig, c.LeaseRenew)
	case c.IdleBackoff < 0:
		return fmt.Errorf("%w: idle backoff must not be negative", es.ErrInvalidConfig)
	}
	return nil
}
