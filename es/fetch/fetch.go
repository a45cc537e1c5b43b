// Package fetch provides pluggable strategies for reading event rows.
//
// All strategies yield the same events in the same order for the same query.
// Choosing one is purely a trade-off between memory, round trips and how long
// a result set stays open:
//   - LoadAll materializes the full result before yielding
//   - Chunked pages through keyset batches on global_sequence
//   - Cursor streams rows unbuffered from a single query
package fetch

import (
	"context"
	"database/sql"
	"fmt"
	"iter"

	"github.com/getpup/puprelay/es"
)

// DefaultChunkSize is the page size of the default strategy.
const DefaultChunkSize = 500

// Query describes an event read independently of the strategy executing it.
type Query struct {
	// Select is a SELECT statement ending in a WHERE clause, without ORDER BY or
	// LIMIT. Placeholders are written as '?' and rewritten by Rebind.
	Select string

	// Args are the arguments for the placeholders in Select.
	Args []interface{}

	// OrderBy is the column the result is ordered by. Defaults to global_sequence.
	// It must be monotonic with global_sequence for Chunked to yield the same order.
	OrderBy string

	// Scan reads one event from the current row.
	Scan func(rows *sql.Rows) (es.StoredEvent, error)

	// Rebind rewrites '?' placeholders for the target dialect. Nil leaves them as is.
	Rebind func(query string) string
}

func (q Query) orderBy() string {
	if q.OrderBy == "" {
		return "global_sequence"
	}
	return q.OrderBy
}

func (q Query) rebind(query string) string {
	if q.Rebind == nil {
		return query
	}
	return q.Rebind(query)
}

// Strategy executes a Query and yields its events lazily.
// Each range over the returned sequence runs the query again.
type Strategy interface {
	Name() string
	Fetch(ctx context.Context, db es.DBTX, q Query) iter.Seq2[es.StoredEvent, error]
}

// Default returns the strategy used when none is configured.
func Default() Strategy {
	return Chunked{Size: DefaultChunkSize}
}

// ByName resolves a strategy from configuration.
// Unknown names fail with es.ErrStrategyNotFound so misconfiguration surfaces at startup.
func ByName(name string) (Strategy, error) {
	switch name {
	case "", "chunked":
		return Default(), nil
	case "load-all":
		return LoadAll{}, nil
	case "cursor":
		return Cursor{}, nil
	default:
		return nil, fmt.Errorf("%w: fetch strategy %q", es.ErrStrategyNotFound, name)
	}
}

// LoadAll reads the whole result into memory, then yields it.
type LoadAll struct{}

// Name implements Strategy.
func (LoadAll) Name() string { return "load-all" }

// Fetch implements Strategy.
func (LoadAll) Fetch(ctx context.Context, db es.DBTX, q Query) iter.Seq2[es.StoredEvent, error] {
	return func(yield func(es.StoredEvent, error) bool) {
		query := q.rebind(fmt.Sprintf("%s ORDER BY %s ASC", q.Select, q.orderBy()))
		events, err := collect(ctx, db, q, query, q.Args)
		if err != nil {
			yield(es.StoredEvent{}, err)
			return
		}
		for _, e := range events {
			if !yield(e, nil) {
				return
			}
		}
	}
}

// Chunked reads the result in pages of Size rows using keyset pagination on global_sequence.
type Chunked struct {
	Size int
}

// Name implements Strategy.
func (Chunked) Name() string { return "chunked" }

// Fetch implements Strategy.
func (c Chunked) Fetch(ctx context.Context, db es.DBTX, q Query) iter.Seq2[es.StoredEvent, error] {
	size := c.Size
	if size <= 0 {
		size = DefaultChunkSize
	}
	query := q.rebind(fmt.Sprintf("%s AND global_sequence > ? ORDER BY global_sequence ASC LIMIT ?", q.Select))

	return func(yield func(es.StoredEvent, error) bool) {
		var after int64
		for {
			args := make([]interface{}, 0, len(q.Args)+2)
			args = append(args, q.Args...)
			args = append(args, after, size)

			page, err := collect(ctx, db, q, query, args)
			if err != nil {
				yield(es.StoredEvent{}, err)
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
				after = e.GlobalSequence
			}
			if len(page) < size {
				return
			}
		}
	}
}

// Cursor streams rows from one open result set.
// The result set stays open until the consumer stops ranging.
type Cursor struct{}

// Name implements Strategy.
func (Cursor) Name() string { return "cursor" }

// Fetch implements Strategy.
func (Cursor) Fetch(ctx context.Context, db es.DBTX, q Query) iter.Seq2[es.StoredEvent, error] {
	return func(yield func(es.StoredEvent, error) bool) {
		query := q.rebind(fmt.Sprintf("%s ORDER BY %s ASC", q.Select, q.orderBy()))
		rows, err := db.QueryContext(ctx, query, q.Args...)
		if err != nil {
			yield(es.StoredEvent{}, fmt.Errorf("failed to query events: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			e, err := q.Scan(rows)
			if err != nil {
				yield(es.StoredEvent{}, fmt.Errorf("failed to scan event: %w", err))
				return
			}
			if !yield(e, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(es.StoredEvent{}, fmt.Errorf("rows error: %w", err))
		}
	}
}

func collect(ctx context.Context, db es.DBTX, q Query, query string, args []interface{}) ([]es.StoredEvent, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []es.StoredEvent
	for rows.Next() {
		e, err := q.Scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return events, nil
}
