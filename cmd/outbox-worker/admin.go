package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/getpup/puprelay/es/adapters/sqlstore"
	"github.com/getpup/puprelay/es/migrations"
	"github.com/getpup/puprelay/es/outbox"
)

// withDB loads the config, connects and hands both to fn.
func withDB(cmd *cobra.Command, fn func(ctx context.Context, config *Config, db *sql.DB, stores *sqlstore.Stores) error) error {
	config, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	db, err := connectDB(ctx, config)
	if err != nil {
		return err
	}
	defer db.Close()

	logger := createLogger(cmd.ErrOrStderr(), config.Verbose)
	return fn(ctx, config, db, newStores(config, logger))
}

func newSeedCmd() *cobra.Command {
	var prune bool
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create the partition rows for the configured partition count",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDB(cmd, func(ctx context.Context, config *Config, db *sql.DB, stores *sqlstore.Stores) error {
				keys := outbox.PartitionKeys(config.PartitionCount)
				if err := stores.Partitions.Seed(ctx, db, keys); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "seeded %d partitions\n", len(keys))
				if !prune {
					return nil
				}
				n, err := stores.Partitions.PruneObsolete(ctx, db, keys)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pruned %d obsolete partitions\n", n)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&prune, "prune", false, "Delete unleased partitions outside the configured count")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show outbox backlog, partition leases and active workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDB(cmd, func(ctx context.Context, _ *Config, db *sql.DB, stores *sqlstore.Stores) error {
				stats, err := stores.Outbox.Stats(ctx, db)
				if err != nil {
					return err
				}
				partitions, err := stores.Partitions.List(ctx, db)
				if err != nil {
					return err
				}
				workers, err := stores.Workers.Active(ctx, db)
				if err != nil {
					return err
				}
				return printStatus(cmd.OutOrStdout(), time.Now(), stats, partitions, workers)
			})
		},
	}
}

func printStatus(out io.Writer, now time.Time, stats outbox.Stats, partitions []outbox.Partition, workers []outbox.Worker) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	oldest := "-"
	if stats.OldestPending != nil {
		oldest = now.Sub(*stats.OldestPending).Truncate(time.Second).String()
	}
	fmt.Fprintf(w, "PENDING\tFAILING\tPUBLISHED\tOLDEST PENDING\n")
	fmt.Fprintf(w, "%d\t%d\t%d\t%s\n\n", stats.Pending, stats.Failing, stats.Published, oldest)

	fmt.Fprintf(w, "PARTITION\tOWNER\tEPOCH\tLEASE\n")
	for _, p := range partitions {
		owner, lease := "-", "-"
		if p.Owner != "" && p.LeaseUntil != nil {
			owner = p.Owner
			if p.LeaseUntil.After(now) {
				lease = "expires in " + p.LeaseUntil.Sub(now).Truncate(time.Second).String()
			} else {
				lease = "expired"
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", p.Key, owner, p.Epoch, lease)
	}

	fmt.Fprintf(w, "\nWORKER\tHOST\tPID\tSTARTED\n")
	for _, wk := range workers {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", wk.ID, wk.Hostname, wk.PID, wk.StartedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func newMigrateCmd() *cobra.Command {
	var apply bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Print the schema for the configured driver, or apply it",
		Long: "Print the schema for the configured driver, or apply it with --apply.\n" +
			"MySQL connections need multiStatements=true to apply the schema.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			config, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			tables := config.tables()
			schema, err := migrations.SQL(config.Driver, &tables)
			if err != nil {
				return err
			}
			if !apply {
				_, err = io.WriteString(cmd.OutOrStdout(), schema)
				return err
			}

			db, err := connectDB(cmd.Context(), config)
			if err != nil {
				return err
			}
			defer db.Close()
			if _, err := db.ExecContext(cmd.Context(), schema); err != nil {
				return fmt.Errorf("failed to apply schema: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema applied to %s database\n", config.Driver)
			return nil
		},
	}
	cmd.Flags().BoolVar(&apply, "apply", false, "Execute the schema against the database")
	return cmd
}

func newPurgeCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete published outbox messages older than a cutoff",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			return withDB(cmd, func(ctx context.Context, _ *Config, db *sql.DB, stores *sqlstore.Stores) error {
				n, err := stores.Outbox.PurgePublished(ctx, db, time.Now().Add(-olderThan))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d published messages\n", n)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "Minimum age of published messages to delete")
	return cmd
}
