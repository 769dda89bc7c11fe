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
	"log/slog"
	"sync"
	"time"

	"github.com/ryansmccoy/spine/internal/bookkeeping"
	"github.com/ryansmccoy/spine/internal/ledger"
	"github.com/ryansmccoy/spine/internal/locks"
	"github.com/ryansmccoy/spine/internal/metrics"
	"github.com/ryansmccoy/spine/internal/store"
	spineerrors "github.com/ryansmccoy/spine/pkg/errors"
	"github.com/ryansmccoy/spine/pkg/pipeline"
)

// Runtime executes one admitted execution end to end: exclusive-key
// lease, run context assembly, the pipeline's Run, and the terminal
// ledger transition. Both executors share one runtime so cancellation
// and lock behavior are identical in sync and async modes.
type Runtime struct {
	store  *store.Store
	reg    *pipeline.Registry
	ledger *ledger.Ledger
	locks  *locks.Manager
	log    *slog.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewRuntime returns a runtime over the shared store and registry.
func NewRuntime(st *store.Store, reg *pipeline.Registry, led *ledger.Ledger, lm *locks.Manager, log *slog.Logger) *Runtime {
	return &Runtime{
		store:  st,
		reg:    reg,
		ledger: led,
		locks:  lm,
		log:    log,
		active: make(map[string]context.CancelFunc),
	}
}

// Cancel marks an execution cancelled and, when it is running in this
// process, interrupts its context. Returns false when the execution was
// already terminal.
func (r *Runtime) Cancel(ctx context.Context, id, reason string) (bool, error) {
	applied, err := r.ledger.Cancel(ctx, id, reason)
	if err != nil {
		return false, err
	}
	if applied {
		r.Interrupt(id)
	}
	return applied, nil
}

// Interrupt cancels the in-process context of a running execution, if
// any. A no-op for executions running elsewhere; those observe the
// cancelled row at their next heartbeat.
func (r *Runtime) Interrupt(id string) {
	r.mu.Lock()
	cancel, ok := r.active[id]
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

// Run executes one execution that is already in running status and
// applies the terminal transition. The returned execution is reloaded
// after the transition; the error reports runtime-infrastructure
// failures only, never the pipeline's own failure (that lands on the
// row).
func (r *Runtime) Run(ctx context.Context, exec *store.Execution) (*store.Execution, error) {
	p, runErr := r.reg.Get(exec.Pipeline)
	if runErr != nil {
		// Registered at submit but gone now: a deploy removed the
		// pipeline while work was queued.
		return r.finish(ctx, exec, nil, &spineerrors.ConfigError{
			Key:    exec.Pipeline,
			Reason: "pipeline no longer registered",
		}, 0)
	}
	detail := p.Describe()

	// Params round-trip through JSON between admission and claim, so
	// integers arrive as float64; re-coerce against the schema.
	validated, runErr := detail.ValidateParams(exec.Params)
	if runErr != nil {
		return r.finish(ctx, exec, nil, runErr, 0)
	}

	if detail.ExclusiveKey != "" {
		key, err := pipeline.ExpandKey(detail.ExclusiveKey, validated)
		if err != nil {
			return r.finish(ctx, exec, nil, err, 0)
		}
		lease, err := r.locks.Acquire(ctx, key, exec.ID)
		if err != nil {
			return r.finish(ctx, exec, nil, err, 0)
		}
		defer func() {
			if relErr := lease.Release(context.WithoutCancel(ctx)); relErr != nil {
				r.log.Warn("lock release failed", "lock_key", key, "error", relErr)
			}
		}()
	}

	timeout := time.Duration(exec.TimeoutSeconds) * time.Second
	var runCtx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	r.mu.Lock()
	r.active[exec.ID] = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.active, exec.ID)
		r.mu.Unlock()
		cancel()
	}()

	seed := ledger.SeedFor(exec)
	capturedAt := r.store.Now()
	rc := &pipeline.RunContext{
		DB:          r.store.DB(),
		ExecutionID: exec.ID,
		BatchID:     exec.BatchID,
		Attempt:     exec.Attempt,
		Lane:        exec.Lane,
		CaptureSeed: seed,
		CapturedAt:  capturedAt,
		Log: r.log.With(
			"execution_id", exec.ID,
			"pipeline", exec.Pipeline,
			"attempt", exec.Attempt),
	}
	bookkeeping.NewSet(r.store, bookkeeping.Binding{
		ExecutionID: exec.ID,
		BatchID:     seed,
		CapturedAt:  capturedAt,
	}).Attach(rc)

	started := time.Now()
	result, runErr := p.Run(runCtx, validated, rc)
	elapsed := time.Since(started)

	if runErr != nil && runCtx.Err() == context.DeadlineExceeded {
		runErr = &spineerrors.TimeoutError{
			Operation: "execution " + exec.ID,
			Duration:  timeout,
			Cause:     runErr,
		}
	}
	// The terminal transition must land even when the run context died.
	return r.finish(context.WithoutCancel(ctx), exec, result, runErr, elapsed)
}

func (r *Runtime) finish(ctx context.Context, exec *store.Execution, result *pipeline.Result, runErr error, elapsed time.Duration) (*store.Execution, error) {
	if runErr == nil {
		applied, err := r.ledger.Complete(ctx, exec.ID, resultPayload(result))
		if err != nil {
			return nil, err
		}
		if applied {
			metrics.RecordFinished(exec.Pipeline, string(store.StatusCompleted), elapsed)
			r.log.Info("execution completed",
				"execution_id", exec.ID,
				"pipeline", exec.Pipeline,
				"duration", elapsed)
		}
		return r.store.GetExecution(ctx, exec.ID)
	}

	outcome, err := r.ledger.Fail(ctx, exec, runErr)
	if err != nil {
		return nil, err
	}
	if outcome.Failed {
		metrics.RecordFinished(exec.Pipeline, string(store.StatusFailed), elapsed)
		if outcome.Retry != nil {
			metrics.RecordRetry(exec.Pipeline)
		}
		if outcome.DeadLetter != nil {
			metrics.RecordDeadLetter(exec.Pipeline)
		}
	}
	return r.store.GetExecution(ctx, exec.ID)
}

// resultPayload flattens a pipeline result into the JSON persisted on
// the execution row.
func resultPayload(result *pipeline.Result) map[string]any {
	if result == nil {
		return nil
	}
	payload := make(map[string]any)
	for k, v := range result.Metrics {
		payload[k] = v
	}
	if len(result.CaptureIDs) > 0 {
		payload["capture_ids"] = result.CaptureIDs
	}
	if len(result.IngestResolution) > 0 {
		payload["ingest_resolution"] = result.IngestResolution
	}
	if len(payload) == 0 {
		return nil
	}
	return payload
}
