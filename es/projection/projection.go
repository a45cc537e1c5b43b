// Package projection replays the event log into read models.
//
// Rebuild is the only entry point: it streams every matching event, in global
// sequence order, into a projection inside one transaction. Events are read in
// pages and a page is handed to the projection only after its result set is
// closed, so handlers can write through the same transaction whatever fetch
// strategy the reader uses. A rebuild that
// matches nothing fails with es.ErrNoEventsMatched instead of committing an
// empty read model, because an empty replay almost always means a wrong filter.
package projection

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/getpup/puprelay/es"
	"github.com/getpup/puprelay/es/store"
)

var (
	// ErrProjectionStopped indicates the projection handler returned an error.
	ErrProjectionStopped = errors.New("projection stopped")
)

// Projection defines the interface for event projection handlers.
type Projection interface {
	// Name identifies the projection in logs and errors.
	Name() string

	// Handle processes a single event inside the rebuild transaction.
	// Return an error to abort the rebuild; nothing is committed then.
	//
	//nolint:gocritic // hugeParam: events are passed by value to keep them immutable
	Handle(ctx context.Context, tx es.DBTX, event es.StoredEvent) error
}

// ScopedProjection is a projection that only receives some event types.
// The filter is applied by the store query, not in memory.
type ScopedProjection interface {
	Projection

	// EventTypes lists the event types to replay. An empty list means all.
	EventTypes() []string
}

// Resetter is implemented by projections that clear their read model before a rebuild.
// Reset runs in the rebuild transaction, so a failed rebuild keeps the old read model.
type Resetter interface {
	Reset(ctx context.Context, tx es.DBTX) error
}

// PartitionStrategy decides which events one of several rebuild instances handles.
type PartitionStrategy interface {
	// ShouldProcess returns true if this instance should process events of streamID.
	// partitionKey identifies this instance (0-indexed) among totalPartitions.
	ShouldProcess(streamID string, partitionKey int, totalPartitions int) bool
}

// HashPartitionStrategy implements deterministic hash-based partitioning.
// All events of a stream go to the same partition, so per-stream order holds
// within each instance.
type HashPartitionStrategy struct{}

// ShouldProcess implements PartitionStrategy using FNV-1a hashing.
func (HashPartitionStrategy) ShouldProcess(streamID string, partitionKey int, totalPartitions int) bool {
	if totalPartitions <= 1 {
		return true
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(streamID))
	partition := int(h.Sum32() % uint32(totalPartitions))
	return partition == partitionKey
}

// Config configures a rebuild.
type Config struct {
	// Logger is optional. If nil, logging is disabled.
	Logger es.Logger

	// PartitionStrategy determines which events this instance handles
	PartitionStrategy PartitionStrategy

	// Window bounds the replay. The zero window replays everything.
	Window es.EventWindow

	// PartitionKey identifies this instance (0-indexed)
	PartitionKey int

	// TotalPartitions is the total number of instances
	TotalPartitions int

	// PageSize is the number of events read before they are handled. Defaults to DefaultPageSize.
	PageSize int
}

// DefaultPageSize is the default number of events read per page.
const DefaultPageSize = 500

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		PartitionStrategy: HashPartitionStrategy{},
		PartitionKey:      0,
		TotalPartitions:   1,
		PageSize:          DefaultPageSize,
	}
}

// Result summarizes a successful rebuild.
type Result struct {
	// Handled counts the events passed to the projection.
	Handled int64
	// Skipped counts matching events that belonged to other partitions.
	Skipped int64
	// LastGlobalSequence is the position of the last replayed event.
	LastGlobalSequence int64
}

// Rebuild replays the events matching config into proj and commits.
func Rebuild(ctx context.Context, db es.DB, reader store.EventReader, proj Projection, config Config) (Result, error) {
	if proj == nil {
		return Result{}, fmt.Errorf("%w: projection is nil", es.ErrInvalidConfig)
	}
	if err := config.Window.Validate(); err != nil {
		return Result{}, err
	}
	if config.TotalPartitions < 1 || config.PartitionKey < 0 || config.PartitionKey >= config.TotalPartitions {
		return Result{}, fmt.Errorf("%w: partition %d of %d", es.ErrInvalidConfig, config.PartitionKey, config.TotalPartitions)
	}
	strategy := config.PartitionStrategy
	if strategy == nil {
		strategy = HashPartitionStrategy{}
	}

	var eventTypes []string
	if scoped, ok := proj.(ScopedProjection); ok {
		eventTypes = scoped.EventTypes()
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback after Commit is a no-op
		tx.Rollback()
	}()

	if r, ok := proj.(Resetter); ok {
		if err := r.Reset(ctx, tx); err != nil {
			return Result{}, fmt.Errorf("failed to reset projection %q: %w", proj.Name(), err)
		}
	}

	pageSize := config.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	var res Result
	window := config.Window
	for {
		page, err := readPage(ctx, tx, reader, window, eventTypes, pageSize)
		if err != nil {
			return Result{}, err
		}
		for _, event := range page {
			// later pages resume by global sequence; the configured window still decides membership
			if !config.Window.Contains(event) {
				continue
			}
			res.LastGlobalSequence = event.GlobalSequence
			if !strategy.ShouldProcess(event.StreamID, config.PartitionKey, config.TotalPartitions) {
				res.Skipped++
				continue
			}
			if err := proj.Handle(ctx, tx, event); err != nil {
				return Result{}, fmt.Errorf("%w: %q at position %d: %w",
					ErrProjectionStopped, proj.Name(), event.GlobalSequence, err)
			}
			res.Handled++
		}
		if len(page) < pageSize {
			break
		}
		window = es.EventWindow{
			After: es.AfterGlobalSequence(page[len(page)-1].GlobalSequence),
			To:    config.Window.To,
		}
	}

	if res.Handled == 0 {
		return Result{}, fmt.Errorf("%w: projection %q", es.ErrNoEventsMatched, proj.Name())
	}
	if err := tx.Commit(); err != nil {
		return Result{}, fmt.Errorf("failed to commit transaction: %w", err)
	}

	if config.Logger != nil {
		config.Logger.Info(ctx, "projection rebuilt",
			"projection", proj.Name(),
			"handled", res.Handled,
			"skipped", res.Skipped,
			"last_global_sequence", res.LastGlobalSequence)
	}
	return res, nil
}

// readPage collects up to size events. Leaving the range early closes the
// reader's result set before the caller touches tx again.
func readPage(ctx context.Context, tx es.DBTX, reader store.EventReader, window es.EventWindow,
	eventTypes []string, size int) ([]es.StoredEvent, error) {
	page := make([]es.StoredEvent, 0, size)
	for event, err := range reader.All(ctx, tx, window, eventTypes...) {
		if err != nil {
			return nil, fmt.Errorf("failed to read events: %w", err)
		}
		page = append(page, event)
		if len(page) == size {
			break
		}
	}
	return page, nil
}
