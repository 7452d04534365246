package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Acquire implements store.Locker.
// MySQL's upsert cannot express a conditional row replacement with a
// reliable rows-affected result, so the lease is taken with an explicit
// read-check-write under SELECT ... FOR UPDATE.
func (s *Store) Acquire(ctx context.Context, projectionName, holderID string, ttl time.Duration) (bool, error) {
	now := time.Now().UnixMilli()
	expiresAt := now + ttl.Milliseconds()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error ignored: expected to fail if commit succeeds
		tx.Rollback()
	}()

	var currentHolder string
	var currentExpiry int64
	query := fmt.Sprintf(`
		SELECT locker_id, expires_at
		FROM %s
		WHERE projection_name = ?
		FOR UPDATE
	`, s.config.LocksTable)

	err = tx.QueryRowContext(ctx, query, projectionName).Scan(&currentHolder, &currentExpiry)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		insert := fmt.Sprintf(`
			INSERT INTO %s (projection_name, locker_id, expires_at)
			VALUES (?, ?, ?)
		`, s.config.LocksTable)
		if _, err := tx.ExecContext(ctx, insert, projectionName, holderID, expiresAt); err != nil {
			if IsUniqueViolation(err) {
				// Lost the race to another first-time holder.
				return false, nil
			}
			return false, fmt.Errorf("failed to insert lock: %w", err)
		}
	case err != nil:
		return false, fmt.Errorf("failed to read lock: %w", err)
	case currentHolder != holderID && currentExpiry >= now:
		// Another holder's lease is still live.
		return false, nil
	default:
		update := fmt.Sprintf(`
			UPDATE %s
			SET locker_id = ?, expires_at = ?
			WHERE projection_name = ?
		`, s.config.LocksTable)
		if _, err := tx.ExecContext(ctx, update, holderID, expiresAt, projectionName); err != nil {
			return false, fmt.Errorf("failed to update lock: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit lock: %w", err)
	}
	return true, nil
}

// Release implements store.Locker.
// Releasing a lock held by someone else, or not held at all, is a no-op.
func (s *Store) Release(ctx context.Context, projectionName, holderID string) error {
	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE projection_name = ? AND locker_id = ?
	`, s.config.LocksTable)

	if _, err := s.db.ExecContext(ctx, query, projectionName, holderID); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}
