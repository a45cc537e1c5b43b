// Command migrate-gen generates the SQL migration creating the event store,
// snapshot and outbox tables.
//
// Usage:
//
//	go run github.com/getpup/puprelay/cmd/migrate-gen -output migrations -filename init.sql
//
// Or with go generate:
//
//	//go:generate go run github.com/getpup/puprelay/cmd/migrate-gen -output migrations
//
// Generate migrations for different database adapters:
//
//	go run github.com/getpup/puprelay/cmd/migrate-gen -adapter postgres -output migrations
//	go run github.com/getpup/puprelay/cmd/migrate-gen -adapter mysql -output migrations
//	go run github.com/getpup/puprelay/cmd/migrate-gen -adapter sqlite -output migrations
//
// Pass -stdout to print the SQL instead of writing a file.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/getpup/puprelay/es/migrations"
)

func main() {
	defaults := migrations.DefaultConfig()
	var (
		adapter         = flag.String("adapter", "postgres", "Database adapter: "+strings.Join(migrations.Adapters, ", "))
		outputFolder    = flag.String("output", defaults.OutputFolder, "Output folder for migration file")
		outputFilename  = flag.String("filename", "", "Output filename (default: timestamp-based)")
		stdout          = flag.Bool("stdout", false, "Print the migration instead of writing it")
		eventsTable     = flag.String("events-table", defaults.EventsTable, "Name of events table")
		snapshotsTable  = flag.String("snapshots-table", defaults.SnapshotsTable, "Name of snapshots table")
		outboxTable     = flag.String("outbox-table", defaults.OutboxTable, "Name of outbox table")
		partitionsTable = flag.String("partitions-table", defaults.PartitionsTable, "Name of outbox partitions table")
		workersTable    = flag.String("workers-table", defaults.WorkersTable, "Name of outbox workers table")
		flagsTable      = flag.String("flags-table", defaults.FlagsTable, "Name of outbox flags table")
	)

	flag.Parse()

	config := defaults
	config.OutputFolder = *outputFolder
	config.EventsTable = *eventsTable
	config.SnapshotsTable = *snapshotsTable
	config.OutboxTable = *outboxTable
	config.PartitionsTable = *partitionsTable
	config.WorkersTable = *workersTable
	config.FlagsTable = *flagsTable

	if *outputFilename != "" {
		config.OutputFilename = *outputFilename
	}

	if *stdout {
		sql, err := migrations.SQL(*adapter, &config)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Print(sql)
		return
	}

	if err := migrations.Generate(*adapter, &config); err != nil {
		fmt.Fprintf(os.Stderr, "Error generating migration: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Generated %s migration: %s/%s\n", *adapter, config.OutputFolder, config.OutputFilename)
}
