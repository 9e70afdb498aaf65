package persistence

import (
	"context"
	"database/sql"
	"fmt"
)

// QuotaUsage returns the units consumed by a channel for a resource on a
// UTC day (formatted 2006-01-02). Absent rows read as zero.
func (s *Store) QuotaUsage(ctx context.Context, channelID, resource, day string) (int64, error) {
	var used int64
	err := s.db.QueryRowContext(ctx, `
		SELECT units_used FROM quota_usage
		WHERE channel_id = ? AND resource = ? AND day = ?;
	`, channelID, resource, day).Scan(&used)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read quota usage: %w", err)
	}
	return used, nil
}

// AddQuotaUsage atomically adds consumed units to the channel's daily
// counter and returns the new total. Usage is recorded for work actually
// performed, so the counter may exceed the limit; admission control happens
// before the spend, not here.
func (s *Store) AddQuotaUsage(ctx context.Context, channelID, resource, day string, units, limit int64) (int64, error) {
	var total int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin quota tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO quota_usage (channel_id, resource, day, units_used, daily_limit)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(channel_id, resource, day)
			DO UPDATE SET units_used = units_used + excluded.units_used,
			              daily_limit = excluded.daily_limit,
			              updated_at = CURRENT_TIMESTAMP;
		`, channelID, resource, day, units, limit); err != nil {
			return fmt.Errorf("upsert quota usage: %w", err)
		}
		if err := tx.QueryRowContext(ctx, `
			SELECT units_used FROM quota_usage
			WHERE channel_id = ? AND resource = ? AND day = ?;
		`, channelID, resource, day).Scan(&total); err != nil {
			return fmt.Errorf("read back quota usage: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}
