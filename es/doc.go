// Package es provides core event sourcing infrastructure.
//
// # Overview
//
// This package defines the fundamental types shared by the store, the
// aggregate repository and the outbox:
//   - Event / StoredEvent: immutable domain events before and after persistence
//   - EventWindow: bounded loads (after is exclusive, to is inclusive)
//   - ExpectedVersion: optimistic concurrency expectations
//   - DBTX / DB: database transaction abstraction
//   - Codec, EventRegistry, Decoder: payload encoding and typed rehydration
//   - EventContext: correlation metadata threaded through context.Context
//
// # Design Philosophy
//
// Transaction Control: stores take a DBTX instead of managing transactions.
// Appending an event and enqueueing its outbox row must happen in the same
// *sql.Tx; the library never hides that boundary from the caller.
//
// Immutability: a StoredEvent never changes after it is written. Schema
// evolution happens on read, through upcasters.
//
// Ordering: every event has a stream sequence (1..N per stream, no gaps) and a
// global sequence (one counter across all streams).
//
// # Quick Start
//
// 1. Generate database migrations:
//
//	go run github.com/getpup/puprelay/cmd/migrate-gen -adapter postgres -output migrations
//
// 2. Create the stores for your database:
//
//	stores := postgres.NewStores(sqlstore.WithLogger(logger))
//
// 3. Build a repository for an aggregate and save it:
//
//	repo, err := aggregate.NewRepository(aggregate.RepositoryConfig[*Document]{...})
//	doc := repo.Create()
//	doc.Rename("hello")
//	err = repo.Save(ctx, doc)
//
// 4. Drain the outbox with workers:
//
//	runner, err := worker.New(db, stores.Events, stores.Outbox, stores.Partitions,
//	    stores.Workers, stores.Flags, dispatcher, worker.DefaultConfig())
//	err = worker.RunContinuous(ctx, runner, time.Second)
//
// Or run the packaged worker, which publishes to NATS JetStream:
//
//	go run github.com/getpup/puprelay/cmd/outbox-worker run --dsn "$DATABASE_URL" --nats-url nats://localhost:4222
//
// # Error taxonomy
//
//   - store.ErrOptimisticConcurrency: the stream moved; retry the command from a fresh read
//   - ErrSerialization: codec failure, not retryable
//   - ErrInvalidConfig / ErrStrategyNotFound: fail fast at startup
//   - anything else from a store is a datastore failure and propagates
package es
