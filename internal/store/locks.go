// Copyright 2025 Ryan McCoy
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	spineerrors "github.com/ryansmccoy/spine/pkg/errors"
)

// AcquireConcurrencyLock takes the key for holder until now+ttl. A live
// lock held elsewhere loses the race and returns false; an expired lock
// is reclaimed; re-acquiring one's own lock refreshes it.
func (s *Store) AcquireConcurrencyLock(ctx context.Context, key, holder, executionID string, ttl time.Duration) (bool, error) {
	now := s.timeNow()
	query := s.rebind(`INSERT INTO core_concurrency_locks
		(lock_key, holder, execution_id, acquired_at, refreshed_at, expires_at)
		VALUES (?, ?, ?, ?, NULL, ?)
		ON CONFLICT (lock_key) DO UPDATE SET
			holder = excluded.holder,
			execution_id = excluded.execution_id,
			acquired_at = excluded.acquired_at,
			refreshed_at = NULL,
			expires_at = excluded.expires_at
		WHERE core_concurrency_locks.expires_at < excluded.acquired_at
		   OR core_concurrency_locks.holder = excluded.holder`)
	res, err := s.db.ExecContext(ctx, query,
		key, holder, nullString(executionID),
		formatTime(now), formatTime(now.Add(ttl)))
	if err != nil {
		return false, fmt.Errorf("acquiring lock %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RefreshConcurrencyLock extends a live lock owned by holder. Returns
// false when the lock expired or was reclaimed, telling the holder to
// stop relying on it.
func (s *Store) RefreshConcurrencyLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	now := s.timeNow()
	query := s.rebind(`UPDATE core_concurrency_locks
		SET refreshed_at = ?, expires_at = ?
		WHERE lock_key = ? AND holder = ? AND expires_at >= ?`)
	res, err := s.db.ExecContext(ctx, query,
		formatTime(now), formatTime(now.Add(ttl)), key, holder, formatTime(now))
	if err != nil {
		return false, fmt.Errorf("refreshing lock %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReleaseConcurrencyLock drops the holder's lock. Releasing a lock
// someone else reclaimed is a no-op.
func (s *Store) ReleaseConcurrencyLock(ctx context.Context, key, holder string) error {
	query := s.rebind(`DELETE FROM core_concurrency_locks WHERE lock_key = ? AND holder = ?`)
	if _, err := s.db.ExecContext(ctx, query, key, holder); err != nil {
		return fmt.Errorf("releasing lock %s: %w", key, err)
	}
	return nil
}

// GetConcurrencyLock loads one lock row.
func (s *Store) GetConcurrencyLock(ctx context.Context, key string) (*ConcurrencyLock, error) {
	query := s.rebind(`SELECT lock_key, holder, execution_id, acquired_at, refreshed_at, expires_at
		FROM core_concurrency_locks WHERE lock_key = ?`)
	var lock ConcurrencyLock
	var executionID, acquiredAt, refreshedAt, expiresAt sql.NullString
	err := s.db.QueryRowContext(ctx, query, key).Scan(
		&lock.LockKey, &lock.Holder, &executionID, &acquiredAt, &refreshedAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, &spineerrors.NotFoundError{Resource: "lock", ID: key}
	}
	if err != nil {
		return nil, fmt.Errorf("querying lock: %w", err)
	}
	lock.ExecutionID = executionID.String
	if lock.AcquiredAt, err = scanTime(acquiredAt); err != nil {
		return nil, err
	}
	if lock.RefreshedAt, err = scanTime(refreshedAt); err != nil {
		return nil, err
	}
	if lock.ExpiresAt, err = scanTime(expiresAt); err != nil {
		return nil, err
	}
	return &lock, nil
}

// SweepExpiredConcurrencyLocks deletes locks past their expiry and
// returns how many were removed.
func (s *Store) SweepExpiredConcurrencyLocks(ctx context.Context) (int64, error) {
	query := s.rebind(`DELETE FROM core_concurrency_locks WHERE expires_at < ?`)
	res, err := s.db.ExecContext(ctx, query, formatTime(s.timeNow()))
	if err != nil {
		return 0, fmt.Errorf("sweeping locks: %w", err)
	}
	return res.RowsAffected()
}
