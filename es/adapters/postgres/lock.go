package postgres

import (
	"context"
	"fmt"
	"time"
)

// Acquire implements store.Locker.
// The lease is stored as a unix-millisecond expiry. The upsert only
// replaces a row whose lease has expired or that the caller already
// holds; a zero rows-affected result means another holder's lease is
// still live.
func (s *Store) Acquire(ctx context.Context, projectionName, holderID string, ttl time.Duration) (bool, error) {
	now := time.Now().UnixMilli()
	expiresAt := now + ttl.Milliseconds()

	query := fmt.Sprintf(`
		INSERT INTO %[1]s (projection_name, locker_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (projection_name)
		DO UPDATE SET
			locker_id = EXCLUDED.locker_id,
			expires_at = EXCLUDED.expires_at
		WHERE %[1]s.locker_id = EXCLUDED.locker_id OR %[1]s.expires_at < $4
	`, s.config.LocksTable)

	result, err := s.db.ExecContext(ctx, query, projectionName, holderID, expiresAt, now)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read lock result: %w", err)
	}
	return affected > 0, nil
}

// Release implements store.Locker.
// Releasing a lock held by someone else, or not held at all, is a no-op.
func (s *Store) Release(ctx context.Context, projectionName, holderID string) error {
	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE projection_name = $1 AND locker_id = $2
	`, s.config.LocksTable)

	if _, err := s.db.ExecContext(ctx, query, projectionName, holderID); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}
