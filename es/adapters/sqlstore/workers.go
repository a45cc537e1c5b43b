package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/getpup/puprelay/es"
	"github.com/getpup/puprelay/es/outbox"
)

// WorkerRegistry is a SQL-backed outbox worker registry.
type WorkerRegistry struct {
	dialect Dialect
	config  Config
}

// NewWorkerRegistry creates a new worker registry with the given configuration.
func NewWorkerRegistry(d Dialect, config Config) *WorkerRegistry {
	return &WorkerRegistry{dialect: d, config: config.withDefaults()}
}

// Join implements outbox.Registry.
func (r *WorkerRegistry) Join(ctx context.Context, tx es.DBTX, w outbox.Worker, ttl time.Duration) error {
	now := r.config.now()
	if w.StartedAt.IsZero() {
		w.StartedAt = now
	}

	query := r.dialect.Rebind(r.dialect.Upsert(r.config.WorkersTable,
		[]string{"id", "hostname", "pid", "started_at", "heartbeat_until", "updated_at"},
		[]string{"id"},
		[]string{"hostname", "pid", "started_at", "heartbeat_until", "updated_at"}))

	_, err := tx.ExecContext(ctx, query,
		w.ID, w.Hostname, w.PID,
		r.dialect.TimeValue(normalizeTime(w.StartedAt)),
		r.dialect.TimeValue(now.Add(ttl)),
		r.dialect.TimeValue(now))
	if err != nil {
		return fmt.Errorf("failed to register worker %s: %w", w.ID, err)
	}
	if r.config.Logger != nil {
		r.config.Logger.Info(ctx, "worker joined", "worker_id", w.ID, "hostname", w.Hostname, "pid", w.PID)
	}
	return nil
}

// Heartbeat implements outbox.Registry.
func (r *WorkerRegistry) Heartbeat(ctx context.Context, tx es.DBTX, id string, ttl time.Duration) error {
	now := r.config.now()
	query := r.dialect.Rebind(fmt.Sprintf(`
		UPDATE %s
		SET heartbeat_until = ?, updated_at = ?
		WHERE id = ?`, r.config.WorkersTable))

	res, err := tx.ExecContext(ctx, query, r.dialect.TimeValue(now.Add(ttl)), r.dialect.TimeValue(now), id)
	if err != nil {
		return fmt.Errorf("failed to heartbeat worker %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}

	// MySQL reports zero affected rows when the values did not change.
	exists := r.dialect.Rebind(fmt.Sprintf(`SELECT 1 FROM %s WHERE id = ?`, r.config.WorkersTable))
	var one int
	if err := tx.QueryRowContext(ctx, exists, id).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", outbox.ErrWorkerNotRegistered, id)
		}
		return fmt.Errorf("failed to check worker %s: %w", id, err)
	}
	return nil
}

// Leave implements outbox.Registry.
func (r *WorkerRegistry) Leave(ctx context.Context, tx es.DBTX, id string) error {
	query := r.dialect.Rebind(fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, r.config.WorkersTable))
	if _, err := tx.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to remove worker %s: %w", id, err)
	}
	if r.config.Logger != nil {
		r.config.Logger.Info(ctx, "worker left", "worker_id", id)
	}
	return nil
}

// Active implements outbox.Registry.
func (r *WorkerRegistry) Active(ctx context.Context, tx es.DBTX) ([]outbox.Worker, error) {
	query := r.dialect.Rebind(fmt.Sprintf(`
		SELECT id, hostname, pid, started_at, heartbeat_until
		FROM %s
		WHERE heartbeat_until > ?
		ORDER BY id ASC`, r.config.WorkersTable))

	rows, err := tx.QueryContext(ctx, query, r.dialect.TimeValue(r.config.now()))
	if err != nil {
		return nil, fmt.Errorf("failed to query workers: %w", err)
	}
	defer rows.Close()

	var out []outbox.Worker
	for rows.Next() {
		var w outbox.Worker
		if err := rows.Scan(&w.ID, &w.Hostname, &w.PID, scanTime(&w.StartedAt), scanTime(&w.HeartbeatUntil)); err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

// ReapExpired implements outbox.Registry.
func (r *WorkerRegistry) ReapExpired(ctx context.Context, tx es.DBTX) (int64, error) {
	query := r.dialect.Rebind(fmt.Sprintf(`DELETE FROM %s WHERE heartbeat_until <= ?`, r.config.WorkersTable))
	res, err := tx.ExecContext(ctx, query, r.dialect.TimeValue(r.config.now()))
	if err != nil {
		return 0, fmt.Errorf("failed to reap workers: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if r.config.Logger != nil && n > 0 {
		r.config.Logger.Info(ctx, "expired workers reaped", "count", n)
	}
	return n, nil
}

// FlagThrottle is a fleet-wide rate limiter over a shared flag row per name.
type FlagThrottle struct {
	dialect Dialect
	config  Config
}

// NewFlagThrottle creates a new throttle with the given configuration.
func NewFlagThrottle(d Dialect, config Config) *FlagThrottle {
	return &FlagThrottle{dialect: d, config: config.withDefaults()}
}

// TryAcquire implements outbox.Throttle.
// The flag row is created on first use; the winner is whoever moves next_at forward.
func (t *FlagThrottle) TryAcquire(ctx context.Context, tx es.DBTX, name string, interval time.Duration) (bool, error) {
	now := t.config.now()
	nowV := t.dialect.TimeValue(now)

	seed := t.dialect.Rebind(t.dialect.InsertIgnore(t.config.FlagsTable, []string{"name", "next_at"}))
	if _, err := tx.ExecContext(ctx, seed, name, nowV); err != nil {
		return false, fmt.Errorf("failed to seed flag %s: %w", name, err)
	}

	cas := t.dialect.Rebind(fmt.Sprintf(`
		UPDATE %s
		SET next_at = ?
		WHERE name = ? AND next_at <= ?`, t.config.FlagsTable))

	res, err := tx.ExecContext(ctx, cas, t.dialect.TimeValue(now.Add(interval)), name, nowV)
	if err != nil {
		return false, fmt.Errorf("failed to acquire flag %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

var (
	_ outbox.Registry = (*WorkerRegistry)(nil)
	_ outbox.Throttle = (*FlagThrottle)(nil)
)
