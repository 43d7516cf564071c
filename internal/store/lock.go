package store

import (
	"context"
	"fmt"
	"time"
)

// Claim takes the single processing lock for owner. A claim older than ttl is
// considered abandoned and may be taken over. Re-claiming by the current owner
// refreshes the claim.
func (s *Store) Claim(ctx context.Context, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `INSERT INTO processing_lock (id, owner, claimed_at) VALUES (1, ?, ?)
ON CONFLICT(id) DO UPDATE SET owner = excluded.owner, claimed_at = excluded.claimed_at
WHERE processing_lock.owner = excluded.owner OR processing_lock.claimed_at < ?;`,
		owner, now.UnixMilli(), now.Add(-ttl).UnixMilli())
	if err != nil {
		return false, fmt.Errorf("claim processing lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim processing lock: %w", err)
	}
	return n == 1, nil
}

// Release drops the lock if owner still holds it.
func (s *Store) Release(ctx context.Context, owner string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM processing_lock WHERE id = 1 AND owner = ?;`, owner); err != nil {
		return fmt.Errorf("release processing lock: %w", err)
	}
	return nil
}

// LockHolder reports the current lock owner, if any.
func (s *Store) LockHolder(ctx context.Context) (string, time.Time, bool, error) {
	var (
		owner string
		ms    int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT owner, claimed_at FROM processing_lock WHERE id = 1;`).Scan(&owner, &ms)
	if err != nil {
		if isNoRows(err) {
			return "", time.Time{}, false, nil
		}
		return "", time.Time{}, false, fmt.Errorf("query processing lock: %w", err)
	}
	return owner, time.UnixMilli(ms).UTC(), true, nil
}
