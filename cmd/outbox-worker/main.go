// Command outbox-worker drains the transactional outbox into NATS JetStream
// and administers the outbox tables.
//
// Usage:
//
//	outbox-worker run --driver postgres --dsn "$DATABASE_URL" --nats-url nats://localhost:4222 --workers 4
//	outbox-worker seed --driver sqlite --dsn app.db --partition-count 32 --prune
//	outbox-worker status --driver mysql --dsn "user:pass@tcp(localhost:3306)/app?parseTime=true"
//	outbox-worker migrate --driver sqlite --dsn app.db --apply
//	outbox-worker purge --older-than 168h
//
// Every flag can also be set through a PUPRELAY_* environment variable
// (PUPRELAY_DSN, PUPRELAY_NATS_URL, ...) or a config file passed with --config.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/getpup/puprelay/es"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "outbox-worker",
		Short:         "Relay outbox events to NATS and manage the outbox tables",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	bindFlags(root.PersistentFlags())

	root.AddCommand(
		newRunCmd(),
		newSeedCmd(),
		newStatusCmd(),
		newMigrateCmd(),
		newPurgeCmd(),
	)
	return root
}

// createLogger builds the process logger writing text records to w.
func createLogger(w io.Writer, verbose bool) *es.SlogLogger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return es.NewSlogLogger(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}
