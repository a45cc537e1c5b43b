// Integration tests for the MySQL dialect.
// These tests start MySQL in a container through testcontainers.
//
// Run with: go test -tags=integration ./es/adapters/mysql/...
//
//go:build integration

package mysql_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/getpup/puprelay/es/adapters/mysql"
	"github.com/getpup/puprelay/es/adapters/sqlstore/sqlstoretest"
	"github.com/getpup/puprelay/es/migrations"
)

func startMySQL(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	my, err := testcontainers.Run(
		ctx, "mysql:8.4",
		testcontainers.WithEnv(map[string]string{
			"MYSQL_ROOT_PASSWORD": "password",
			"MYSQL_DATABASE":      "puprelay_test",
		}),
		testcontainers.WithExposedPorts("3306/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("3306/tcp").WithStartupTimeout(2*time.Minute),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(my) })

	host, err := my.Host(ctx)
	require.NoError(t, err)
	port, err := my.MappedPort(ctx, "3306/tcp")
	require.NoError(t, err)

	dsn := fmt.Sprintf("root:password@tcp(%s:%s)/puprelay_test?parseTime=true&multiStatements=true",
		host, port.Port())
	db, err := sql.Open("mysql", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.Eventually(t, func() bool { return db.PingContext(ctx) == nil }, time.Minute, 500*time.Millisecond)
	return db
}

func TestConformance(t *testing.T) {
	db := startMySQL(t)
	config := migrations.DefaultConfig()
	schema, err := migrations.SQL("mysql", &config)
	require.NoError(t, err)

	sqlstoretest.Run(t, sqlstoretest.Harness{
		Dialect: mysql.Dialect{},
		Open: func(t *testing.T) *sql.DB {
			_, err := db.Exec(`DROP TABLE IF EXISTS outbox_flags, outbox_workers, outbox_partitions, outbox, snapshots, events`)
			require.NoError(t, err)
			_, err = db.Exec(schema)
			require.NoError(t, err)
			return db
		},
	})
}
