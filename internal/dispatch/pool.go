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

package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/ryansmccoy/spine/internal/ledger"
	"github.com/ryansmccoy/spine/internal/metrics"
	"github.com/ryansmccoy/spine/internal/store"
)

// PoolConfig tunes the pooled executor.
type PoolConfig struct {
	// WorkerID prefixes per-worker lease identities.
	WorkerID string

	// Workers is the number of concurrent lease loops.
	Workers int

	// LeaseTTL is how long a claim survives without a heartbeat.
	LeaseTTL time.Duration

	// HeartbeatInterval is how often a worker refreshes its lease.
	HeartbeatInterval time.Duration

	// PollInterval is how long an idle worker sleeps before polling
	// for work again.
	PollInterval time.Duration

	// BackfillRatePerSec throttles backfill-lane starts across all
	// workers. Zero disables the throttle.
	BackfillRatePerSec float64
	BackfillBurst      int
}

// PooledExecutor is the async execution mode: Submit enqueues, a fixed
// pool of workers leases and runs. Leasing goes through the store's
// claim transaction, so multiple daemon processes can share one
// database without double-running anything.
type PooledExecutor struct {
	store    *store.Store
	ledger   *ledger.Ledger
	runtime  *Runtime
	cfg      PoolConfig
	backfill *rate.Limiter
	log      *slog.Logger

	draining atomic.Bool
	wg       sync.WaitGroup
}

// NewPooledExecutor returns a stopped pool; call Start to run it.
func NewPooledExecutor(st *store.Store, led *ledger.Ledger, rt *Runtime, cfg PoolConfig, log *slog.Logger) *PooledExecutor {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 5 * time.Minute
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	var limiter *rate.Limiter
	if cfg.BackfillRatePerSec > 0 {
		burst := cfg.BackfillBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.BackfillRatePerSec), burst)
	}
	return &PooledExecutor{
		store:    st,
		ledger:   led,
		runtime:  rt,
		cfg:      cfg,
		backfill: limiter,
		log:      log,
	}
}

// Execute moves an admitted execution into the worker queue and
// returns immediately.
func (p *PooledExecutor) Execute(ctx context.Context, exec *store.Execution) (*store.Execution, error) {
	if _, err := p.ledger.Queue(ctx, exec.ID); err != nil {
		return nil, err
	}
	return p.store.GetExecution(ctx, exec.ID)
}

// Start launches the worker loops. They run until ctx is cancelled or
// Drain is called.
func (p *PooledExecutor) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		workerID := fmt.Sprintf("%s-%d", p.cfg.WorkerID, i)
		p.wg.Add(1)
		go p.workerLoop(ctx, workerID)
	}
	p.log.Info("worker pool started", "workers", p.cfg.Workers)
}

// IsDraining reports whether the pool has stopped accepting work.
func (p *PooledExecutor) IsDraining() bool {
	return p.draining.Load()
}

// Drain stops the lease loops and waits for in-flight executions, up
// to ctx's deadline. In-flight work past the deadline keeps its row in
// running; the recovery sweeper picks it up after the lease expires.
func (p *PooledExecutor) Drain(ctx context.Context) error {
	p.draining.Store(true)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.log.Info("worker pool drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain timed out: %w", ctx.Err())
	}
}

func (p *PooledExecutor) workerLoop(ctx context.Context, workerID string) {
	defer p.wg.Done()
	for {
		if ctx.Err() != nil || p.draining.Load() {
			return
		}
		exec, err := p.store.LeaseNextExecution(ctx, workerID, nil, p.cfg.LeaseTTL)
		if err != nil {
			p.log.Error("lease failed", "worker", workerID, "error", err)
			p.sleep(ctx, p.cfg.PollInterval)
			continue
		}
		if exec == nil {
			p.sleep(ctx, p.cfg.PollInterval)
			continue
		}
		if exec.Lane == LaneBackfill && p.backfill != nil {
			if err := p.backfill.Wait(ctx); err != nil {
				return
			}
		}
		p.runOne(ctx, workerID, exec)
	}
}

func (p *PooledExecutor) runOne(ctx context.Context, workerID string, exec *store.Execution) {
	metrics.WorkerStarted()
	defer metrics.WorkerFinished()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go p.heartbeatLoop(hbCtx, workerID, exec.ID)

	if _, err := p.runtime.Run(ctx, exec); err != nil {
		p.log.Error("execution runtime failed",
			"worker", workerID,
			"execution_id", exec.ID,
			"error", err)
	}
}

// heartbeatLoop refreshes the execution lease until the run finishes.
// A failed refresh means the claim is gone (cancelled, or recovered as
// stale after a long stall), so the worker interrupts the run.
func (p *PooledExecutor) heartbeatLoop(ctx context.Context, workerID, executionID string) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := p.store.HeartbeatExecution(ctx, executionID, workerID, p.cfg.LeaseTTL)
			if err != nil {
				p.log.Warn("heartbeat failed", "execution_id", executionID, "error", err)
				continue
			}
			if !ok {
				p.log.Warn("lost execution claim, interrupting",
					"execution_id", executionID, "worker", workerID)
				p.runtime.Interrupt(executionID)
				return
			}
		}
	}
}

func (p *PooledExecutor) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
