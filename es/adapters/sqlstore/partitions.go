package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/getpup/puprelay/es"
	"github.com/getpup/puprelay/es/outbox"
)

const partitionColumns = "partition_key, lease_owner, lease_until, lease_epoch"

// PartitionStore is a SQL-backed outbox partition lease store.
type PartitionStore struct {
	dialect Dialect
	config  Config
}

// NewPartitionStore creates a new partition lease store with the given configuration.
func NewPartitionStore(d Dialect, config Config) *PartitionStore {
	return &PartitionStore{dialect: d, config: config.withDefaults()}
}

// Seed implements outbox.LeaseStore.
func (s *PartitionStore) Seed(ctx context.Context, tx es.DBTX, keys []string) error {
	query := s.dialect.Rebind(s.dialect.InsertIgnore(s.config.PartitionsTable, []string{"partition_key", "lease_epoch"}))
	for _, key := range keys {
		if _, err := tx.ExecContext(ctx, query, key, 0); err != nil {
			return fmt.Errorf("failed to seed partition %s: %w", key, err)
		}
	}
	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "partitions seeded", "count", len(keys))
	}
	return nil
}

// TryLease implements outbox.LeaseStore.
//
// One UPDATE both renews and acquires. The epoch is assigned first because MySQL
// evaluates SET left to right and the CASE must see the previous owner.
func (s *PartitionStore) TryLease(ctx context.Context, tx es.DBTX, keys []string, owner string, ttl time.Duration) (bool, error) {
	if len(keys) == 0 {
		return false, nil
	}
	now := s.config.now()
	nowV := s.dialect.TimeValue(now)

	query := s.dialect.Rebind(fmt.Sprintf(`
		UPDATE %s
		SET lease_epoch = CASE WHEN lease_owner = ? AND lease_until > ? THEN lease_epoch ELSE lease_epoch + 1 END,
			lease_owner = ?,
			lease_until = ?
		WHERE partition_key IN (%s)
			AND (lease_owner IS NULL OR lease_until IS NULL OR lease_until <= ? OR lease_owner = ?)`,
		s.config.PartitionsTable, Placeholders(len(keys))))

	args := []interface{}{owner, nowV, owner, s.dialect.TimeValue(now.Add(ttl))}
	for _, k := range keys {
		args = append(args, k)
	}
	args = append(args, nowV, owner)

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to lease partitions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "partition lease attempted",
			"owner", owner,
			"requested", len(keys),
			"changed", n)
	}
	return n > 0, nil
}

// Renew implements outbox.LeaseStore. Empty keys renews every lease held by owner.
func (s *PartitionStore) Renew(ctx context.Context, tx es.DBTX, keys []string, owner string, ttl time.Duration) (int64, error) {
	now := s.config.now()
	where, args := keyFilter(keys)

	query := s.dialect.Rebind(fmt.Sprintf(`
		UPDATE %s
		SET lease_until = ?
		WHERE lease_owner = ? AND lease_until > ?%s`, s.config.PartitionsTable, where))

	args = append([]interface{}{s.dialect.TimeValue(now.Add(ttl)), owner, s.dialect.TimeValue(now)}, args...)
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to renew partition leases: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n, nil
}

// OwnedBy implements outbox.LeaseStore.
func (s *PartitionStore) OwnedBy(ctx context.Context, tx es.DBTX, owner string, subset []string) ([]outbox.Partition, error) {
	where, args := keyFilter(subset)
	query := s.dialect.Rebind(fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE lease_owner = ? AND lease_until > ?%s
		ORDER BY partition_key ASC`, partitionColumns, s.config.PartitionsTable, where))

	args = append([]interface{}{owner, s.dialect.TimeValue(s.config.now())}, args...)
	return s.query(ctx, tx, query, args...)
}

// Release implements outbox.LeaseStore. Empty keys releases every lease held by owner.
func (s *PartitionStore) Release(ctx context.Context, tx es.DBTX, keys []string, owner string) error {
	where, args := keyFilter(keys)
	query := s.dialect.Rebind(fmt.Sprintf(`
		UPDATE %s
		SET lease_owner = NULL, lease_until = NULL
		WHERE lease_owner = ?%s`, s.config.PartitionsTable, where))

	args = append([]interface{}{owner}, args...)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to release partitions: %w", err)
	}
	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "partitions released", "owner", owner, "keys", keys)
	}
	return nil
}

// PruneObsolete implements outbox.LeaseStore.
func (s *PartitionStore) PruneObsolete(ctx context.Context, tx es.DBTX, keep []string) (int64, error) {
	notIn := ""
	var args []interface{}
	if len(keep) > 0 {
		notIn = fmt.Sprintf("partition_key NOT IN (%s) AND ", Placeholders(len(keep)))
		for _, k := range keep {
			args = append(args, k)
		}
	}
	query := s.dialect.Rebind(fmt.Sprintf(`
		DELETE FROM %s
		WHERE %s(lease_owner IS NULL OR lease_until IS NULL OR lease_until <= ?)`,
		s.config.PartitionsTable, notIn))

	args = append(args, s.dialect.TimeValue(s.config.now()))
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to prune partitions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if s.config.Logger != nil && n > 0 {
		s.config.Logger.Info(ctx, "obsolete partitions pruned", "count", n)
	}
	return n, nil
}

// List implements outbox.LeaseStore.
func (s *PartitionStore) List(ctx context.Context, tx es.DBTX) ([]outbox.Partition, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY partition_key ASC`, partitionColumns, s.config.PartitionsTable)
	return s.query(ctx, tx, query)
}

func (s *PartitionStore) query(ctx context.Context, tx es.DBTX, query string, args ...interface{}) ([]outbox.Partition, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query partitions: %w", err)
	}
	defer rows.Close()

	var out []outbox.Partition
	for rows.Next() {
		var (
			p     outbox.Partition
			owner sql.NullString
		)
		if err := rows.Scan(&p.Key, &owner, scanNullTime(&p.LeaseUntil), &p.Epoch); err != nil {
			return nil, fmt.Errorf("failed to scan partition: %w", err)
		}
		p.Owner = owner.String
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

// keyFilter renders " AND partition_key IN (...)" for a non-empty key list.
func keyFilter(keys []string) (string, []interface{}) {
	if len(keys) == 0 {
		return "", nil
	}
	args := make([]interface{}, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	return fmt.Sprintf(" AND partition_key IN (%s)", Placeholders(len(keys))), args
}

var _ outbox.LeaseStore = (*PartitionStore)(nil)
