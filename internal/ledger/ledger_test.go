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

package ledger

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ryansmccoy/spine/internal/config"
	"github.com/ryansmccoy/spine/internal/log"
	"github.com/ryansmccoy/spine/internal/store"
	spineerrors "github.com/ryansmccoy/spine/pkg/errors"
)

func newTestLedger(t *testing.T) (*Ledger, *store.Store) {
	t.Helper()
	st, err := store.Open(context.Background(), config.DatabaseConfig{
		Path: filepath.Join(t.TempDir(), "spine.db"),
	})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := log.New(&log.Config{Level: "error", Output: io.Discard})
	return New(st, logger, NewBackoff(time.Millisecond, 10*time.Millisecond)), st
}

var admitSeq int

func admit(t *testing.T, st *store.Store, maxAttempts int) *store.Execution {
	t.Helper()
	admitSeq++
	exec := &store.Execution{
		ID:             ulid.Make().String(),
		Pipeline:       "demo.pipe",
		Params:         map[string]any{"week": "2025-12-19"},
		LogicalKey:     fmt.Sprintf("demo.pipe:%d:%d", admitSeq, time.Now().UnixNano()),
		IdempotencyKey: ulid.Make().String(),
		Lane:           "normal",
		TriggerSource:  "manual",
		Attempt:        1,
		MaxAttempts:    maxAttempts,
		TimeoutSeconds: 60,
	}
	created, isNew, err := st.CreateExecution(context.Background(), exec)
	if err != nil {
		t.Fatalf("creating execution: %v", err)
	}
	if !isNew {
		t.Fatal("admission deduplicated unexpectedly")
	}
	return created
}

// lease drives an admitted execution to running the way a worker would.
func lease(t *testing.T, led *Ledger, st *store.Store, id string, ttl time.Duration) *store.Execution {
	t.Helper()
	ctx := context.Background()
	if _, err := led.Queue(ctx, id); err != nil {
		t.Fatalf("queueing: %v", err)
	}
	exec, err := st.LeaseNextExecution(ctx, "test-worker", nil, ttl)
	if err != nil {
		t.Fatalf("leasing: %v", err)
	}
	if exec == nil || exec.ID != id {
		t.Fatalf("leased %+v, want %s", exec, id)
	}
	return exec
}

func TestQueueOnlyFromPending(t *testing.T) {
	led, st := newTestLedger(t)
	ctx := context.Background()
	exec := admit(t, st, 3)

	ok, err := led.Queue(ctx, exec.ID)
	if err != nil || !ok {
		t.Fatalf("queue = (%v, %v), want applied", ok, err)
	}
	ok, err = led.Queue(ctx, exec.ID)
	if err != nil {
		t.Fatalf("second queue errored: %v", err)
	}
	if ok {
		t.Error("queue applied twice")
	}
}

func TestCompleteStoresResult(t *testing.T) {
	led, st := newTestLedger(t)
	ctx := context.Background()
	exec := admit(t, st, 3)
	lease(t, led, st, exec.ID, time.Minute)

	ok, err := led.Complete(ctx, exec.ID, map[string]any{"records": 42})
	if err != nil || !ok {
		t.Fatalf("complete = (%v, %v)", ok, err)
	}

	got, err := st.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != store.StatusCompleted {
		t.Errorf("status = %s", got.Status)
	}
	if got.Result["records"] != float64(42) && got.Result["records"] != int64(42) {
		t.Errorf("result = %v", got.Result)
	}
	if got.FinishedAt.IsZero() {
		t.Error("missing finished_at")
	}
	if got.LockedBy != "" {
		t.Error("lease not cleared")
	}
}

func TestCancelBeforeAndAfterTerminal(t *testing.T) {
	led, st := newTestLedger(t)
	ctx := context.Background()
	exec := admit(t, st, 3)

	ok, err := led.Cancel(ctx, exec.ID, "operator said so")
	if err != nil || !ok {
		t.Fatalf("cancel = (%v, %v)", ok, err)
	}

	got, _ := st.GetExecution(ctx, exec.ID)
	if got.Status != store.StatusCancelled {
		t.Errorf("status = %s", got.Status)
	}

	ok, err = led.Cancel(ctx, exec.ID, "again")
	if err != nil {
		t.Fatalf("second cancel errored: %v", err)
	}
	if ok {
		t.Error("cancel applied to a terminal execution")
	}
}

func TestFailNonRetryableStops(t *testing.T) {
	led, st := newTestLedger(t)
	ctx := context.Background()
	exec := admit(t, st, 3)
	running := lease(t, led, st, exec.ID, time.Minute)

	outcome, err := led.Fail(ctx, running, &spineerrors.ValidationError{
		Field:   "tier",
		Message: "unknown tier",
	})
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if !outcome.Failed || outcome.Retry != nil || outcome.DeadLetter != nil {
		t.Errorf("outcome = %+v", outcome)
	}

	got, _ := st.GetExecution(ctx, exec.ID)
	if got.Status != store.StatusFailed {
		t.Errorf("status = %s", got.Status)
	}
	if got.ErrorKind != string(spineerrors.KindValidation) {
		t.Errorf("error kind = %s", got.ErrorKind)
	}
}

func TestFailRetryableSchedulesSuccessor(t *testing.T) {
	led, st := newTestLedger(t)
	ctx := context.Background()
	exec := admit(t, st, 3)
	running := lease(t, led, st, exec.ID, time.Minute)

	outcome, err := led.Fail(ctx, running, &spineerrors.TransientError{
		Op:      "fetch",
		Message: "connection reset",
	})
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if outcome.Retry == nil {
		t.Fatal("no retry scheduled")
	}

	retry := outcome.Retry
	if retry.Attempt != 2 || retry.ParentExecutionID != exec.ID {
		t.Errorf("retry = attempt %d parent %s", retry.Attempt, retry.ParentExecutionID)
	}
	if retry.TriggerSource != TriggerRetry {
		t.Errorf("trigger = %s", retry.TriggerSource)
	}
	// Retries share the chain root's capture seed.
	if retry.BatchID != exec.ID {
		t.Errorf("seed = %s, want %s", retry.BatchID, exec.ID)
	}
	if retry.NotBefore.IsZero() {
		t.Error("retry has no backoff delay")
	}

	events, err := st.ListExecutionEvents(ctx, exec.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var sawRetryScheduled bool
	for _, ev := range events {
		if ev.EventType == store.EventRetryScheduled {
			sawRetryScheduled = true
		}
	}
	if !sawRetryScheduled {
		t.Error("missing retry_scheduled event")
	}
}

func TestFailExhaustedDeadLetters(t *testing.T) {
	led, st := newTestLedger(t)
	ctx := context.Background()
	exec := admit(t, st, 1)
	running := lease(t, led, st, exec.ID, time.Minute)

	outcome, err := led.Fail(ctx, running, &spineerrors.TransientError{
		Op:      "fetch",
		Message: "still down",
	})
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if outcome.DeadLetter == nil {
		t.Fatal("chain not dead-lettered")
	}
	if outcome.Retry != nil {
		t.Error("retry scheduled past the attempt cap")
	}

	got, _ := st.GetExecution(ctx, exec.ID)
	if got.Status != store.StatusDeadLettered {
		t.Errorf("status = %s, want dlq", got.Status)
	}

	letters, err := st.ListDeadLetters(ctx, false, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(letters) != 1 || letters[0].ExecutionID != exec.ID {
		t.Errorf("dead letters = %+v", letters)
	}
}

func TestRecoverStale(t *testing.T) {
	led, st := newTestLedger(t)
	ctx := context.Background()
	exec := admit(t, st, 3)
	lease(t, led, st, exec.ID, time.Millisecond)

	time.Sleep(20 * time.Millisecond)

	recovered, err := led.RecoverStale(ctx, 10)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("recovered = %d, want 1", recovered)
	}

	got, _ := st.GetExecution(ctx, exec.ID)
	if got.Status != store.StatusFailed {
		t.Errorf("status = %s", got.Status)
	}
	if got.ErrorKind != string(spineerrors.KindTransient) {
		t.Errorf("error kind = %s", got.ErrorKind)
	}

	// A stale lease is retryable, so the chain continues.
	execs, err := st.ListExecutions(ctx, store.ExecutionFilter{Pipeline: "demo.pipe"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(execs) != 2 {
		t.Errorf("executions = %d, want original plus retry", len(execs))
	}
}

func TestRetryFromDeadLetter(t *testing.T) {
	led, st := newTestLedger(t)
	ctx := context.Background()
	exec := admit(t, st, 1)
	running := lease(t, led, st, exec.ID, time.Minute)

	outcome, err := led.Fail(ctx, running, &spineerrors.TransientError{Op: "fetch", Message: "down"})
	if err != nil || outcome.DeadLetter == nil {
		t.Fatalf("setup: outcome %+v err %v", outcome, err)
	}
	dlID := outcome.DeadLetter.ID

	successor, err := led.RetryFromDeadLetter(ctx, dlID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if successor.TriggerSource != TriggerDLQRetry || successor.Attempt != 1 {
		t.Errorf("successor = %+v", successor)
	}
	if successor.ParentExecutionID != exec.ID {
		t.Errorf("parent = %s, want %s", successor.ParentExecutionID, exec.ID)
	}
	if successor.BatchID != exec.ID {
		t.Errorf("seed = %s, want chain root", successor.BatchID)
	}

	// The entry stays open until an operator resolves it.
	dl, err := st.GetDeadLetter(ctx, dlID)
	if err != nil {
		t.Fatalf("get dead letter: %v", err)
	}
	if dl.Resolved() {
		t.Error("retry resolved the entry")
	}
	if dl.LastRetryAt.IsZero() {
		t.Error("retry not recorded")
	}

	if err := led.ResolveDeadLetter(ctx, dlID); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := led.RetryFromDeadLetter(ctx, dlID); err == nil {
		t.Error("retry of a resolved entry succeeded")
	}
}

func TestSeedFor(t *testing.T) {
	root := &store.Execution{ID: "root"}
	if SeedFor(root) != "root" {
		t.Errorf("seed = %s", SeedFor(root))
	}
	retry := &store.Execution{ID: "retry", BatchID: "root"}
	if SeedFor(retry) != "root" {
		t.Errorf("seed = %s", SeedFor(retry))
	}
}
