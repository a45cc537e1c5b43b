// Package puprelay is the entry point of the puprelay module.
//
// The functionality lives in the es package and its subpackages:
//
//	es                   - Core types: events, windows, expected versions, codecs
//	es/store             - Event store and reader contracts
//	es/aggregate         - Aggregate roots and the transactional repository
//	es/snapshot          - Snapshot store contract and snapshot policies
//	es/upcast            - Payload schema migration on read
//	es/outbox            - Outbox, partition lease and worker registry contracts
//	es/outbox/worker     - Tick-based outbox workers and their drivers
//	es/projection        - Projection rebuilds over the event log
//	es/adapters/postgres - PostgreSQL dialect
//	es/adapters/mysql    - MySQL/MariaDB dialect
//	es/adapters/sqlite   - SQLite dialect
//	es/adapters/nats     - JetStream dispatcher
//	es/adapters/prometheus - Worker metrics and outbox backlog collector
//	es/migrations        - Schema generation
//
// Quick Start:
//
//  1. Generate migrations:
//     go run github.com/getpup/puprelay/cmd/migrate-gen -adapter postgres -output migrations
//
//  2. Save aggregates; publishable events are enqueued in the same transaction:
//     repo, err := aggregate.NewRepository(aggregate.RepositoryConfig[*Order]{...})
//     err = repo.Save(ctx, order)
//
//  3. Relay the outbox:
//     go run github.com/getpup/puprelay/cmd/outbox-worker run --dsn "$DATABASE_URL" --nats-url nats://localhost:4222
//
// See the examples directory for complete working examples.
package puprelay

// Version returns the current version of the library.
func Version() string {
	return "0.1.0-dev"
}
