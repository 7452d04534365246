package sqlite

import (
	"context"
	"fmt"
	"time"
)

// Acquire implements store.Locker.
// The lease is stored as a unix-millisecond expiry. The upsert only
// replaces a row whose lease has expired or that the caller already holds,
// so at most one live holder exists per projection name. A zero rows-
// affected result means another holder's lease is still live.
func (s *Store) Acquire(ctx context.Context, projectionName, holderID string, ttl time.Duration) (bool, error) {
	now := time.Now().UnixMilli()
	expiresAt := now + ttl.Milliseconds()

	query := fmt.Sprintf(`
		INSERT INTO %[1]s (projection_name, locker_id, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT (projection_name)
		DO UPDATE SET
			locker_id = excluded.locker_id,
			expires_at = excluded.expires_at
		WHERE %[1]s.locker_id = excluded.locker_id OR %[1]s.expires_at < ?
	`, s.config.LocksTable)

	result, err := s.db.ExecContext(ctx, query, projectionName, holderID, expiresAt, now)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read lock result: %w", err)
	}

	acquired := affected > 0
	if s.config.Logger != nil && acquired {
		s.config.Logger.Debug(ctx, "lock acquired",
			"projection", projectionName,
			"holder", holderID,
			"ttl", ttl)
	}
	return acquired, nil
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
