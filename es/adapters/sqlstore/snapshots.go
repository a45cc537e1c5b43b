package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/getpup/puprelay/es"
	"github.com/getpup/puprelay/es/snapshot"
)

// SnapshotStore is a SQL-backed snapshot store.
type SnapshotStore struct {
	dialect Dialect
	config  Config
}

// NewSnapshotStore creates a new snapshot store with the given configuration.
func NewSnapshotStore(d Dialect, config Config) *SnapshotStore {
	return &SnapshotStore{dialect: d, config: config.withDefaults()}
}

// Save implements snapshot.Store.
// The row is only overwritten by a snapshot of the same or a higher version.
func (s *SnapshotStore) Save(ctx context.Context, tx es.DBTX, snap snapshot.Snapshot) error {
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = s.config.now()
	}
	if snap.Payload == nil {
		snap.Payload = []byte{}
	}
	createdAt := s.dialect.TimeValue(normalizeTime(snap.CreatedAt))

	update := s.dialect.Rebind(fmt.Sprintf(`
		UPDATE %s
		SET snapshot_version = ?, payload = ?, snapshot_created_at = ?
		WHERE aggregate_type = ? AND aggregate_id = ? AND snapshot_version <= ?`, s.config.SnapshotsTable))

	res, err := tx.ExecContext(ctx, update,
		snap.Version, snap.Payload, createdAt,
		snap.AggregateType, snap.AggregateID, snap.Version)
	if err != nil {
		return fmt.Errorf("failed to update snapshot: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}

	insert := s.dialect.Rebind(s.dialect.InsertIgnore(s.config.SnapshotsTable,
		[]string{"aggregate_type", "aggregate_id", "snapshot_version", "payload", "snapshot_created_at"}))
	if _, err := tx.ExecContext(ctx, insert,
		snap.AggregateType, snap.AggregateID, snap.Version, snap.Payload, createdAt); err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}

	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "snapshot saved",
			"aggregate_type", snap.AggregateType,
			"aggregate_id", snap.AggregateID,
			"version", snap.Version)
	}
	return nil
}

// Load implements snapshot.Store.
func (s *SnapshotStore) Load(ctx context.Context, tx es.DBTX, aggregateType, aggregateID string) (snapshot.Snapshot, error) {
	query := s.dialect.Rebind(fmt.Sprintf(`
		SELECT aggregate_type, aggregate_id, snapshot_version, payload, snapshot_created_at
		FROM %s
		WHERE aggregate_type = ? AND aggregate_id = ?`, s.config.SnapshotsTable))

	var snap snapshot.Snapshot
	err := tx.QueryRowContext(ctx, query, aggregateType, aggregateID).Scan(
		&snap.AggregateType,
		&snap.AggregateID,
		&snap.Version,
		&snap.Payload,
		scanTime(&snap.CreatedAt),
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return snapshot.Snapshot{}, snapshot.ErrNotFound
		}
		return snapshot.Snapshot{}, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return snap, nil
}

// Delete implements snapshot.Store.
func (s *SnapshotStore) Delete(ctx context.Context, tx es.DBTX, aggregateType, aggregateID string) error {
	query := s.dialect.Rebind(fmt.Sprintf(`
		DELETE FROM %s
		WHERE aggregate_type = ? AND aggregate_id = ?`, s.config.SnapshotsTable))

	if _, err := tx.ExecContext(ctx, query, aggregateType, aggregateID); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

var _ snapshot.Store = (*SnapshotStore)(nil)
