package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"
	"unicode/utf8"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/getpup/puprelay/es"
	"github.com/getpup/puprelay/es/outbox"
)

const messageColumns = `global_sequence, attempts, available_at, published_at,
			partition_key, claim_token, last_error, created_at`

// OutboxStore is a SQL-backed outbox.
type OutboxStore struct {
	dialect  Dialect
	config   Config
	newToken func() (string, error)
}

// NewOutboxStore creates a new outbox store with the given configuration.
func NewOutboxStore(d Dialect, config Config) *OutboxStore {
	return &OutboxStore{
		dialect:  d,
		config:   config.withDefaults(),
		newToken: func() (string, error) { return gonanoid.New() },
	}
}

func scanMessage(row rowScanner) (outbox.Message, error) {
	var (
		m                                  outbox.Message
		partitionKey, claimToken, lastErr sql.NullString
	)
	err := row.Scan(
		&m.GlobalSequence,
		&m.Attempts,
		scanTime(&m.AvailableAt),
		scanNullTime(&m.PublishedAt),
		&partitionKey,
		&claimToken,
		&lastErr,
		scanTime(&m.CreatedAt),
	)
	m.PartitionKey = partitionKey.String
	m.ClaimToken = claimToken.String
	m.LastError = lastErr.String
	return m, err
}

// Enqueue implements outbox.Store.
func (s *OutboxStore) Enqueue(ctx context.Context, tx es.DBTX, globalSequence int64, partitionKey string) error {
	now := s.dialect.TimeValue(s.config.now())
	query := s.dialect.Rebind(fmt.Sprintf(`
		INSERT INTO %s (global_sequence, attempts, available_at, partition_key, created_at)
		VALUES (?, 0, ?, ?, ?)`, s.config.OutboxTable))

	if _, err := tx.ExecContext(ctx, query, globalSequence, now, nullString(partitionKey), now); err != nil {
		return fmt.Errorf("failed to enqueue outbox message %d: %w", globalSequence, err)
	}
	return nil
}

// ClaimPending implements outbox.Store.
//
// Dialects with SKIP LOCKED claim in a single UPDATE over a locked subselect.
// Others select candidates, then claim them with an UPDATE that re-checks
// availability, so a row taken by a concurrent claim in between is skipped.
func (s *OutboxStore) ClaimPending(ctx context.Context, tx es.DBTX, limit int, partitions []string) ([]outbox.Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	token, err := s.newToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate claim token: %w", err)
	}
	now := s.config.now()
	until := now.Add(s.config.ClaimTTL)

	filter := ""
	var filterArgs []interface{}
	if len(partitions) > 0 {
		filter = fmt.Sprintf(" AND partition_key IN (%s)", Placeholders(len(partitions)))
		for _, p := range partitions {
			filterArgs = append(filterArgs, p)
		}
	}

	var msgs []outbox.Message
	if s.dialect.SupportsSkipLocked() {
		msgs, err = s.claimSkipLocked(ctx, tx, token, now, until, limit, filter, filterArgs)
	} else {
		msgs, err = s.claimCAS(ctx, tx, token, now, until, limit, filter, filterArgs)
	}
	if err != nil {
		return nil, err
	}

	sort.Slice(msgs, func(i, j int) bool { return msgs[i].GlobalSequence < msgs[j].GlobalSequence })

	if s.config.Logger != nil && len(msgs) > 0 {
		s.config.Logger.Debug(ctx, "outbox messages claimed",
			"count", len(msgs),
			"partitions", partitions,
			"claim_token", token)
	}
	return msgs, nil
}

func (s *OutboxStore) claimSkipLocked(ctx context.Context, tx es.DBTX, token string, now, until time.Time,
	limit int, filter string, filterArgs []interface{}) ([]outbox.Message, error) {
	query := s.dialect.Rebind(fmt.Sprintf(`
		UPDATE %[1]s
		SET claim_token = ?, available_at = ?
		WHERE global_sequence IN (
			SELECT global_sequence
			FROM %[1]s
			WHERE published_at IS NULL AND available_at <= ?%[2]s
			ORDER BY global_sequence ASC
			LIMIT ?
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %[3]s`, s.config.OutboxTable, filter, messageColumns))

	args := []interface{}{token, s.dialect.TimeValue(until), s.dialect.TimeValue(now)}
	args = append(args, filterArgs...)
	args = append(args, limit)

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox messages: %w", err)
	}
	return s.collect(rows)
}

func (s *OutboxStore) claimCAS(ctx context.Context, tx es.DBTX, token string, now, until time.Time,
	limit int, filter string, filterArgs []interface{}) ([]outbox.Message, error) {
	candidates := s.dialect.Rebind(fmt.Sprintf(`
		SELECT global_sequence
		FROM %s
		WHERE published_at IS NULL AND available_at <= ?%s
		ORDER BY global_sequence ASC
		LIMIT ?`, s.config.OutboxTable, filter))

	args := []interface{}{s.dialect.TimeValue(now)}
	args = append(args, filterArgs...)
	args = append(args, limit)

	rows, err := tx.QueryContext(ctx, candidates, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select outbox candidates: %w", err)
	}
	var ids []interface{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan outbox candidate: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("rows error: %w", err)
	}
	rows.Close()
	if len(ids) == 0 {
		return nil, nil
	}

	claim := s.dialect.Rebind(fmt.Sprintf(`
		UPDATE %s
		SET claim_token = ?, available_at = ?
		WHERE global_sequence IN (%s) AND published_at IS NULL AND available_at <= ?`,
		s.config.OutboxTable, Placeholders(len(ids))))

	claimArgs := []interface{}{token, s.dialect.TimeValue(until)}
	claimArgs = append(claimArgs, ids...)
	claimArgs = append(claimArgs, s.dialect.TimeValue(now))

	res, err := tx.ExecContext(ctx, claim, claimArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox messages: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, nil
	}

	claimed := s.dialect.Rebind(fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE claim_token = ?
		ORDER BY global_sequence ASC`, messageColumns, s.config.OutboxTable))

	rows, err = tx.QueryContext(ctx, claimed, token)
	if err != nil {
		return nil, fmt.Errorf("failed to read claimed outbox messages: %w", err)
	}
	return s.collect(rows)
}

func (s *OutboxStore) collect(rows *sql.Rows) ([]outbox.Message, error) {
	defer rows.Close()
	var msgs []outbox.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return msgs, nil
}

// MarkPublished implements outbox.Store.
func (s *OutboxStore) MarkPublished(ctx context.Context, tx es.DBTX, msg outbox.Message) error {
	query := s.dialect.Rebind(fmt.Sprintf(`
		UPDATE %s
		SET published_at = ?, claim_token = NULL
		WHERE global_sequence = ? AND claim_token = ? AND published_at IS NULL`, s.config.OutboxTable))

	res, err := tx.ExecContext(ctx, query, s.dialect.TimeValue(s.config.now()), msg.GlobalSequence, msg.ClaimToken)
	if err != nil {
		return fmt.Errorf("failed to mark outbox message %d published: %w", msg.GlobalSequence, err)
	}
	return s.claimHeld(res, msg)
}

// MarkFailed implements outbox.Store.
func (s *OutboxStore) MarkFailed(ctx context.Context, tx es.DBTX, msg outbox.Message, cause error) error {
	lastError := ""
	if cause != nil {
		lastError = truncate(cause.Error(), s.config.MaxErrorLength)
	}
	retryAt := s.config.now().Add(s.config.RetryBackoff)

	query := s.dialect.Rebind(fmt.Sprintf(`
		UPDATE %s
		SET attempts = attempts + 1, available_at = ?, claim_token = NULL, last_error = ?
		WHERE global_sequence = ? AND claim_token = ? AND published_at IS NULL`, s.config.OutboxTable))

	res, err := tx.ExecContext(ctx, query, s.dialect.TimeValue(retryAt), lastError, msg.GlobalSequence, msg.ClaimToken)
	if err != nil {
		return fmt.Errorf("failed to mark outbox message %d failed: %w", msg.GlobalSequence, err)
	}
	return s.claimHeld(res, msg)
}

func (s *OutboxStore) claimHeld(res sql.Result, msg outbox.Message) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: message %d", outbox.ErrClaimLost, msg.GlobalSequence)
	}
	return nil
}

// Stats implements outbox.Store.
func (s *OutboxStore) Stats(ctx context.Context, tx es.DBTX) (outbox.Stats, error) {
	query := fmt.Sprintf(`
		SELECT
			SUM(CASE WHEN published_at IS NULL THEN 1 ELSE 0 END),
			SUM(CASE WHEN published_at IS NULL AND attempts > 0 THEN 1 ELSE 0 END),
			SUM(CASE WHEN published_at IS NOT NULL THEN 1 ELSE 0 END)
		FROM %s`, s.config.OutboxTable)

	var pending, failing, published sql.NullInt64
	if err := tx.QueryRowContext(ctx, query).Scan(&pending, &failing, &published); err != nil {
		return outbox.Stats{}, fmt.Errorf("failed to count outbox messages: %w", err)
	}

	stats := outbox.Stats{
		Pending:   pending.Int64,
		Failing:   failing.Int64,
		Published: published.Int64,
	}

	oldest := fmt.Sprintf(`SELECT MIN(created_at) FROM %s WHERE published_at IS NULL`, s.config.OutboxTable)
	if err := tx.QueryRowContext(ctx, oldest).Scan(scanNullTime(&stats.OldestPending)); err != nil {
		return outbox.Stats{}, fmt.Errorf("failed to read oldest pending message: %w", err)
	}
	return stats, nil
}

// PurgePublished implements outbox.Store.
func (s *OutboxStore) PurgePublished(ctx context.Context, tx es.DBTX, before time.Time) (int64, error) {
	query := s.dialect.Rebind(fmt.Sprintf(`
		DELETE FROM %s
		WHERE published_at IS NOT NULL AND published_at < ?`, s.config.OutboxTable))

	res, err := tx.ExecContext(ctx, query, s.dialect.TimeValue(normalizeTime(before)))
	if err != nil {
		return 0, fmt.Errorf("failed to purge published outbox messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if s.config.Logger != nil && n > 0 {
		s.config.Logger.Info(ctx, "published outbox messages purged", "count", n)
	}
	return n, nil
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

var _ outbox.Store = (*OutboxStore)(nil)
