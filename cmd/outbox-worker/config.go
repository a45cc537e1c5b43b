package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/getpup/puprelay/es/migrations"
	"github.com/getpup/puprelay/es/outbox"
)

// Config holds everything the commands need. It is loaded from flags, then
// PUPRELAY_* environment variables, then the optional config file.
type Config struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`

	WorkerID string `mapstructure:"worker_id"`
	Workers  int    `mapstructure:"workers"`

	BatchSize      int           `mapstructure:"batch_size"`
	PartitionCount int           `mapstructure:"partition_count"`
	Leasing        bool          `mapstructure:"leasing"`
	LeaseTTL       time.Duration `mapstructure:"lease_ttl"`
	LeaseRenew     time.Duration `mapstructure:"lease_renew"`
	HeartbeatTTL   time.Duration `mapstructure:"heartbeat_ttl"`
	IdleBackoff    time.Duration `mapstructure:"idle_backoff"`
	ErrorBackoff   time.Duration `mapstructure:"error_backoff"`
	ClaimTTL       time.Duration `mapstructure:"claim_ttl"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`

	NATSURL       string `mapstructure:"nats_url"`
	NATSStream    string `mapstructure:"nats_stream"`
	NATSSubject   string `mapstructure:"nats_subject_prefix"`
	MetricsListen string `mapstructure:"metrics_listen"`

	EventsTable     string `mapstructure:"events_table"`
	SnapshotsTable  string `mapstructure:"snapshots_table"`
	OutboxTable     string `mapstructure:"outbox_table"`
	PartitionsTable string `mapstructure:"partitions_table"`
	WorkersTable    string `mapstructure:"workers_table"`
	FlagsTable      string `mapstructure:"flags_table"`

	Verbose bool `mapstructure:"verbose"`
}

// bindFlags registers the persistent flags shared by every command.
func bindFlags(fs *pflag.FlagSet) {
	tables := migrations.DefaultConfig()

	fs.String("config", "", "Path to a config file (toml, yaml or json)")
	fs.String("driver", "postgres", "Database driver: postgres, mysql or sqlite")
	fs.String("dsn", "", "Database connection string (sqlite: file path)")
	fs.Bool("verbose", false, "Enable debug logging")

	fs.String("worker-id", "", "Worker id prefix (default: hostname-pid-random)")
	fs.Int("workers", 1, "Number of workers to run in this process")
	fs.Int("batch-size", 100, "Messages claimed per tick")
	fs.Int("partition-count", outbox.DefaultPartitionCount, "Size of the partition keyspace")
	fs.Bool("leasing", true, "Coordinate workers through partition leases")
	fs.Duration("lease-ttl", 30*time.Second, "Partition lease ttl")
	fs.Duration("lease-renew", 10*time.Second, "Heartbeat and lease renewal interval")
	fs.Duration("heartbeat-ttl", 30*time.Second, "Worker heartbeat ttl")
	fs.Duration("idle-backoff", time.Second, "Sleep after a tick that processed nothing")
	fs.Duration("error-backoff", 5*time.Second, "Sleep after a failed tick")
	fs.Duration("claim-ttl", time.Minute, "How long a claimed message stays invisible")
	fs.Duration("retry-backoff", 30*time.Second, "Delay before a failed message is retried")

	fs.String("nats-url", "", "NATS server url; deliveries are only logged when empty")
	fs.String("nats-stream", "PUPRELAY_EVENTS", "JetStream stream name")
	fs.String("nats-subject-prefix", "puprelay.events", "JetStream subject prefix")
	fs.String("metrics-listen", "", "Address serving /metrics, e.g. :9090")

	fs.String("events-table", tables.EventsTable, "Name of events table")
	fs.String("snapshots-table", tables.SnapshotsTable, "Name of snapshots table")
	fs.String("outbox-table", tables.OutboxTable, "Name of outbox table")
	fs.String("partitions-table", tables.PartitionsTable, "Name of outbox partitions table")
	fs.String("workers-table", tables.WorkersTable, "Name of outbox workers table")
	fs.String("flags-table", tables.FlagsTable, "Name of outbox flags table")
}

// loadConfig resolves flags, PUPRELAY_* environment variables and the config file.
func loadConfig(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PUPRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var bindErr error
	fs.VisitAll(func(f *pflag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")
		if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
			bindErr = err
		}
	})
	if bindErr != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", bindErr)
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks the values every command relies on.
func (c *Config) Validate() error {
	switch c.Driver {
	case "postgres", "mysql", "sqlite":
	default:
		return fmt.Errorf("unsupported driver %q, use postgres, mysql or sqlite", c.Driver)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	return nil
}

// tables returns the table names as a migrations config.
func (c *Config) tables() migrations.Config {
	m := migrations.DefaultConfig()
	m.EventsTable = c.EventsTable
	m.SnapshotsTable = c.SnapshotsTable
	m.OutboxTable = c.OutboxTable
	m.PartitionsTable = c.PartitionsTable
	m.WorkersTable = c.WorkersTable
	m.FlagsTable = c.FlagsTable
	return m
}
