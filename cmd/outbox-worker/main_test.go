package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getpup/puprelay/es/outbox"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestLoadConfigDefaults(t *testing.T) {
	root := newRootCmd()
	require.NoError(t, root.PersistentFlags().Parse([]string{"--dsn", "app.db", "--driver", "sqlite"}))

	config, err := loadConfig(root.PersistentFlags())
	require.NoError(t, err)
	assert.Equal(t, "sqlite", config.Driver)
	assert.Equal(t, "app.db", config.DSN)
	assert.Equal(t, 100, config.BatchSize)
	assert.Equal(t, outbox.DefaultPartitionCount, config.PartitionCount)
	assert.Equal(t, 30*time.Second, config.LeaseTTL)
	assert.True(t, config.Leasing)
	assert.Equal(t, "outbox_partitions", config.PartitionsTable)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("PUPRELAY_DRIVER", "mysql")
	t.Setenv("PUPRELAY_DSN", "user:pass@tcp(db:3306)/app")
	t.Setenv("PUPRELAY_BATCH_SIZE", "7")
	t.Setenv("PUPRELAY_LEASE_TTL", "45s")
	t.Setenv("PUPRELAY_LEASING", "false")
	t.Setenv("PUPRELAY_NATS_URL", "nats://nats:4222")

	root := newRootCmd()
	config, err := loadConfig(root.PersistentFlags())
	require.NoError(t, err)
	assert.Equal(t, "mysql", config.Driver)
	assert.Equal(t, "user:pass@tcp(db:3306)/app", config.DSN)
	assert.Equal(t, 7, config.BatchSize)
	assert.Equal(t, 45*time.Second, config.LeaseTTL)
	assert.False(t, config.Leasing)
	assert.Equal(t, "nats://nats:4222", config.NATSURL)
}

func TestLoadConfigFlagBeatsEnv(t *testing.T) {
	t.Setenv("PUPRELAY_BATCH_SIZE", "7")

	root := newRootCmd()
	require.NoError(t, root.PersistentFlags().Parse([]string{"--batch-size", "9"}))
	config, err := loadConfig(root.PersistentFlags())
	require.NoError(t, err)
	assert.Equal(t, 9, config.BatchSize)
}

func TestLoadConfigRejectsUnknownDriver(t *testing.T) {
	root := newRootCmd()
	require.NoError(t, root.PersistentFlags().Parse([]string{"--driver", "oracle"}))
	_, err := loadConfig(root.PersistentFlags())
	assert.ErrorContains(t, err, "unsupported driver")
}

func TestMigratePrintsSchema(t *testing.T) {
	out, err := execute(t, "migrate", "--driver", "sqlite", "--outbox-table", "relay_outbox")
	require.NoError(t, err)
	assert.Contains(t, out, "relay_outbox")
	assert.Contains(t, out, "outbox_partitions")
}

func TestSeedAndStatus(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "relay.db")
	common := []string{"--driver", "sqlite", "--dsn", dsn}

	out, err := execute(t, append([]string{"migrate", "--apply"}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "schema applied")

	out, err = execute(t, append([]string{"seed", "--partition-count", "4"}, common...)...)
	require.NoError(t, err)
	assert.Equal(t, "seeded 4 partitions\n", out)

	out, err = execute(t, append([]string{"seed", "--partition-count", "2", "--prune"}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "pruned 2 obsolete partitions")

	out, err = execute(t, append([]string{"status"}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "PENDING")
	assert.Contains(t, out, "p00")
	assert.Contains(t, out, "p01")
	assert.NotContains(t, out, "p03")

	out, err = execute(t, append([]string{"purge", "--older-than", "1h"}, common...)...)
	require.NoError(t, err)
	assert.Equal(t, "purged 0 published messages\n", out)
}

func TestCommandsRequireDSN(t *testing.T) {
	_, err := execute(t, "status", "--driver", "sqlite")
	assert.ErrorContains(t, err, "dsn is required")
}

func TestPrintStatus(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	oldest := now.Add(-90 * time.Second)
	leased := now.Add(20 * time.Second)
	expired := now.Add(-time.Second)

	var out bytes.Buffer
	err := printStatus(&out, now,
		outbox.Stats{Pending: 3, Failing: 1, Published: 10, OldestPending: &oldest},
		[]outbox.Partition{
			{Key: "p00", Owner: "w1", Epoch: 2, LeaseUntil: &leased},
			{Key: "p01", Owner: "w2", Epoch: 1, LeaseUntil: &expired},
			{Key: "p02"},
		},
		[]outbox.Worker{{ID: "w1", Hostname: "host", PID: 42, StartedAt: now}},
	)
	require.NoError(t, err)

	lines := strings.Split(out.String(), "\n")
	assert.Regexp(t, `^3\s+1\s+10\s+1m30s$`, lines[1])
	assert.Regexp(t, `^p00\s+w1\s+2\s+expires in 20s$`, lines[4])
	assert.Regexp(t, `^p01\s+w2\s+1\s+expired$`, lines[5])
	assert.Regexp(t, `^p02\s+-\s+0\s+-$`, lines[6])
	assert.Regexp(t, `^w1\s+host\s+42\s+2026-03-01T12:00:00Z$`, lines[9])
}

func TestDispatchersWithoutNATSLog(t *testing.T) {
	var logs bytes.Buffer
	logger := createLogger(&logs, false)
	dispatchers := newDispatchers(&Config{})
	defer dispatchers.Close()

	ctx := context.Background()
	first, err := dispatchers.New(ctx, logger)
	require.NoError(t, err)
	second, err := dispatchers.New(ctx, logger)
	require.NoError(t, err)

	d := outbox.Delivery{Message: outbox.Message{GlobalSequence: 7, PartitionKey: "p03"}}
	d.Event.GlobalSequence = 7
	require.NoError(t, first.Dispatch(ctx, d))
	require.NoError(t, second.Dispatch(ctx, d))

	assert.Equal(t, 1, strings.Count(logs.String(), "deliveries are logged only"))
	assert.Equal(t, 2, strings.Count(logs.String(), "partition=p03"))
}

func TestDispatchersShareOneNATSConnection(t *testing.T) {
	dispatchers := newDispatchers(&Config{NATSURL: "nats://127.0.0.1:1"})
	defer dispatchers.Close()
	require.NotNil(t, dispatchers.shared)

	_, err := dispatchers.New(context.Background(), createLogger(&bytes.Buffer{}, false))
	require.Error(t, err)
	assert.Equal(t, 0, dispatchers.shared.Leases(), "a failed dial holds no lease")
}
