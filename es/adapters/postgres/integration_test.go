// Integration tests for the Postgres dialect.
// These tests start PostgreSQL in a container through testcontainers.
//
// Run with: go test -tags=integration ./es/adapters/postgres/...
//
//go:build integration

package postgres_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/getpup/puprelay/es/adapters/postgres"
	"github.com/getpup/puprelay/es/adapters/sqlstore/sqlstoretest"
	"github.com/getpup/puprelay/es/migrations"
)

func startPostgres(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	pg, err := testcontainers.Run(
		ctx, "postgres:16-alpine",
		testcontainers.WithEnv(map[string]string{
			"POSTGRES_USER":     "postgres",
			"POSTGRES_PASSWORD": "postgres",
			"POSTGRES_DB":       "puprelay_test",
		}),
		testcontainers.WithExposedPorts("5432/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(time.Minute),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(pg) })

	host, err := pg.Host(ctx)
	require.NoError(t, err)
	port, err := pg.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	connStr := fmt.Sprintf("host=%s port=%s user=postgres password=postgres dbname=puprelay_test sslmode=disable",
		host, port.Port())
	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.Eventually(t, func() bool { return db.PingContext(ctx) == nil }, 30*time.Second, 200*time.Millisecond)
	return db
}

func TestConformance(t *testing.T) {
	db := startPostgres(t)
	config := migrations.DefaultConfig()
	schema, err := migrations.SQL("postgres", &config)
	require.NoError(t, err)

	sqlstoretest.Run(t, sqlstoretest.Harness{
		Dialect: postgres.Dialect{},
		Open: func(t *testing.T) *sql.DB {
			_, err := db.Exec(`DROP TABLE IF EXISTS outbox_flags, outbox_workers, outbox_partitions, outbox, snapshots, events CASCADE`)
			require.NoError(t, err)
			_, err = db.Exec(schema)
			require.NoError(t, err)
			return db
		},
	})
}
