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

// Package locks provides key-based concurrency leases backed by
// core_concurrency_locks. A lease serializes processing of one
// (domain, partition, tier) across workers and processes; expired
// leases are reclaimable by anyone, so a crashed holder never wedges a
// partition for longer than the TTL.
package locks

import (
	"context"
	"log/slog"
	"time"

	"github.com/ryansmccoy/spine/internal/store"
	spineerrors "github.com/ryansmccoy/spine/pkg/errors"
)

// DefaultTTL bounds how long a lease survives without a refresh.
const DefaultTTL = 5 * time.Minute

// Manager acquires and releases leases on behalf of one process. The
// holder identity is fixed at construction so a lease can only be
// refreshed or released by the process that took it.
type Manager struct {
	store  *store.Store
	holder string
	ttl    time.Duration
	log    *slog.Logger
}

// NewManager returns a lease manager identified as holder.
func NewManager(st *store.Store, holder string, ttl time.Duration, log *slog.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{store: st, holder: holder, ttl: ttl, log: log}
}

// Lease is one held lock. Release returns it; Refresh extends it.
type Lease struct {
	Key         string
	ExecutionID string

	mgr *Manager
}

// Acquire takes the key for this manager's holder. Contention with a
// live lease held elsewhere returns an OrchestrationError naming the
// key so the dispatcher can surface LOCK_CONTENDED.
func (m *Manager) Acquire(ctx context.Context, key, executionID string) (*Lease, error) {
	ok, err := m.store.AcquireConcurrencyLock(ctx, key, m.holder, executionID, m.ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &spineerrors.OrchestrationError{
			Op:      "locks.acquire",
			Message: "lock " + key + " is held by another worker",
		}
	}
	m.log.Debug("lock acquired", "lock_key", key, "execution_id", executionID)
	return &Lease{Key: key, ExecutionID: executionID, mgr: m}, nil
}

// Refresh extends the lease. Returns false when the lease expired and
// was reclaimed, which means the holder no longer has exclusivity.
func (l *Lease) Refresh(ctx context.Context) (bool, error) {
	return l.mgr.store.RefreshConcurrencyLock(ctx, l.Key, l.mgr.holder, l.mgr.ttl)
}

// Release drops the lease. Safe to call after expiry.
func (l *Lease) Release(ctx context.Context) error {
	err := l.mgr.store.ReleaseConcurrencyLock(ctx, l.Key, l.mgr.holder)
	if err != nil {
		return err
	}
	l.mgr.log.Debug("lock released", "lock_key", l.Key)
	return nil
}

// Sweep removes expired leases. Run periodically by the daemon so the
// lock table does not accumulate rows from crashed holders.
func (m *Manager) Sweep(ctx context.Context) (int64, error) {
	n, err := m.store.SweepExpiredConcurrencyLocks(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.log.Info("swept expired locks", "count", n)
	}
	return n, nil
}
