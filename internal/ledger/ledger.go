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

// Package ledger applies lifecycle policy to executions on top of the
// store's guarded transitions: which edges exist, what each edge
// records, when a failure spawns a retry, and when an exhausted chain
// is dead-lettered. Retries are always new executions linked through
// parent_execution_id; a terminal row is never revived.
package ledger

import (
	"context"
	stderrors "errors"
	"log/slog"

	"github.com/oklog/ulid/v2"

	"github.com/ryansmccoy/spine/internal/store"
	spineerrors "github.com/ryansmccoy/spine/pkg/errors"
)

// maxErrorMessageLen bounds what a failure writes into the row and its
// event so one pathological stack cannot bloat the ledger.
const maxErrorMessageLen = 2000

// Trigger sources stamped on executions the ledger itself creates.
const (
	TriggerRetry    = "retry"
	TriggerDLQRetry = "dlq"
)

// Ledger drives the execution state machine.
type Ledger struct {
	store   *store.Store
	log     *slog.Logger
	backoff Backoff
}

// New returns a ledger over the store with the given retry policy.
func New(st *store.Store, log *slog.Logger, backoff Backoff) *Ledger {
	return &Ledger{store: st, log: log, backoff: backoff}
}

// Queue moves an admitted execution into the worker queue. Returns
// false when the execution already left pending.
func (l *Ledger) Queue(ctx context.Context, id string) (bool, error) {
	return l.store.TransitionExecution(ctx, id,
		[]store.ExecutionStatus{store.StatusPending}, store.StatusQueued,
		store.ExecutionUpdate{},
		&store.ExecutionEvent{
			EventType:      store.EventQueued,
			FromStatus:     store.StatusPending,
			IdempotencyKey: id + ":queued",
		})
}

// Complete finishes a running execution, storing its result.
func (l *Ledger) Complete(ctx context.Context, id string, result map[string]any) (bool, error) {
	return l.store.TransitionExecution(ctx, id,
		[]store.ExecutionStatus{store.StatusRunning}, store.StatusCompleted,
		store.ExecutionUpdate{
			FinishedAt: l.store.Now(),
			Result:     result,
			ClearLease: true,
		},
		&store.ExecutionEvent{
			EventType:      store.EventCompleted,
			FromStatus:     store.StatusRunning,
			IdempotencyKey: id + ":completed",
		})
}

// Cancel stops an execution that has not finished. Pending and queued
// rows cancel immediately; a running row is marked cancelled and its
// worker observes the cancellation at the next suspension point.
// Returns false when the execution is already terminal.
func (l *Ledger) Cancel(ctx context.Context, id, reason string) (bool, error) {
	var payload map[string]any
	if reason != "" {
		payload = map[string]any{"reason": reason}
	}
	return l.store.TransitionExecution(ctx, id,
		[]store.ExecutionStatus{store.StatusPending, store.StatusQueued, store.StatusRunning},
		store.StatusCancelled,
		store.ExecutionUpdate{
			FinishedAt: l.store.Now(),
			ClearLease: true,
		},
		&store.ExecutionEvent{
			EventType:      store.EventCancelled,
			Payload:        payload,
			IdempotencyKey: id + ":cancelled",
		})
}

// FailureOutcome reports what failing an execution produced.
type FailureOutcome struct {
	// Failed is false when a concurrent transition (usually a cancel)
	// won the race and no policy was applied.
	Failed bool
	// Retry is the successor execution, when one was scheduled.
	Retry *store.Execution
	// DeadLetter is set when the chain exhausted its attempts.
	DeadLetter *store.DeadLetter
}

// Fail transitions a running execution to failed and applies retry
// policy. Retryable errors with attempts remaining schedule a successor
// after backoff; a retryable failure on the final attempt dead-letters
// the chain; non-retryable errors leave the row failed.
func (l *Ledger) Fail(ctx context.Context, exec *store.Execution, execErr error) (*FailureOutcome, error) {
	kind := string(spineerrors.KindOf(execErr))
	message := truncateError(execErr)

	applied, err := l.store.TransitionExecution(ctx, exec.ID,
		[]store.ExecutionStatus{store.StatusRunning}, store.StatusFailed,
		store.ExecutionUpdate{
			FinishedAt:   l.store.Now(),
			ErrorKind:    kind,
			ErrorMessage: message,
			ClearLease:   true,
		},
		&store.ExecutionEvent{
			EventType:  store.EventFailed,
			FromStatus: store.StatusRunning,
			Payload: map[string]any{
				"error_kind":    kind,
				"error_message": message,
				"attempt":       exec.Attempt,
			},
			IdempotencyKey: exec.ID + ":failed",
		})
	if err != nil {
		return nil, err
	}
	outcome := &FailureOutcome{Failed: applied}
	if !applied {
		return outcome, nil
	}
	return outcome, l.applyRetryPolicy(ctx, exec, execErr, kind, message, outcome)
}

// RecoverStale fails running executions whose worker stopped
// heartbeating, then applies the usual retry policy. A stale lease is a
// transient infrastructure failure from the chain's point of view.
func (l *Ledger) RecoverStale(ctx context.Context, limit int) (int, error) {
	stale, err := l.store.StaleRunningExecutions(ctx, limit)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, exec := range stale {
		staleErr := &spineerrors.TransientError{
			Op:      "heartbeat",
			Message: "stale_lease: worker " + exec.LockedBy + " stopped heartbeating",
		}
		outcome, err := l.Fail(ctx, exec, staleErr)
		if err != nil {
			return recovered, err
		}
		if outcome.Failed {
			recovered++
			l.log.Warn("recovered stale execution",
				"execution_id", exec.ID,
				"pipeline", exec.Pipeline,
				"worker", exec.LockedBy,
				"retry_scheduled", outcome.Retry != nil,
				"dead_lettered", outcome.DeadLetter != nil)
		}
	}
	return recovered, nil
}

func (l *Ledger) applyRetryPolicy(ctx context.Context, exec *store.Execution, execErr error, kind, message string, outcome *FailureOutcome) error {
	if !spineerrors.IsRetryable(execErr) {
		l.log.Warn("execution failed",
			"execution_id", exec.ID,
			"pipeline", exec.Pipeline,
			"error_kind", kind,
			"attempt", exec.Attempt,
			"retryable", false)
		return nil
	}

	if exec.Attempt >= exec.MaxAttempts {
		dl := &store.DeadLetter{
			ExecutionID:  exec.ID,
			Pipeline:     exec.Pipeline,
			Params:       exec.Params,
			ErrorKind:    kind,
			ErrorMessage: message,
			RetryCount:   exec.Attempt,
		}
		applied, err := l.store.DeadLetterExecution(ctx, dl)
		if err != nil {
			return err
		}
		if applied {
			outcome.DeadLetter = dl
			l.log.Error("execution dead-lettered",
				"execution_id", exec.ID,
				"pipeline", exec.Pipeline,
				"error_kind", kind,
				"retry_count", exec.Attempt)
		}
		return nil
	}

	retry, err := l.scheduleRetry(ctx, exec)
	if err != nil {
		return err
	}
	outcome.Retry = retry
	return nil
}

// scheduleRetry admits the successor execution. The successor inherits
// the work identity (pipeline, params, logical key, lane) and the
// capture seed, bumps the attempt counter, and becomes visible to
// workers only after the backoff delay. Its idempotency key is derived
// from the parent so a crash between fail and schedule replays cleanly.
func (l *Ledger) scheduleRetry(ctx context.Context, parent *store.Execution) (*store.Execution, error) {
	delay := l.backoff.Delay(parent.Attempt)
	retry := &store.Execution{
		ID:                ulid.Make().String(),
		Pipeline:          parent.Pipeline,
		Params:            parent.Params,
		LogicalKey:        parent.LogicalKey,
		IdempotencyKey:    parent.ID + ":retry",
		Lane:              parent.Lane,
		TriggerSource:     TriggerRetry,
		Attempt:           parent.Attempt + 1,
		MaxAttempts:       parent.MaxAttempts,
		ParentExecutionID: parent.ID,
		ScheduleRunID:     parent.ScheduleRunID,
		BatchID:           SeedFor(parent),
		NotBefore:         l.store.Now().Add(delay),
		TimeoutSeconds:    parent.TimeoutSeconds,
	}

	created, isNew, err := l.store.CreateExecution(ctx, retry)
	if err != nil {
		var conflict *spineerrors.ConflictError
		if stderrors.As(err, &conflict) {
			// A fresh submission claimed the logical key between the
			// failure and this point; it supersedes the retry.
			l.log.Warn("retry superseded by active execution",
				"execution_id", parent.ID,
				"logical_key", parent.LogicalKey,
				"superseded_by", conflict.ExistingID)
			return nil, nil
		}
		return nil, err
	}
	if isNew {
		_, err = l.store.AppendExecutionEvent(ctx, &store.ExecutionEvent{
			ExecutionID: parent.ID,
			EventType:   store.EventRetryScheduled,
			Payload: map[string]any{
				"retry_execution_id": created.ID,
				"attempt":            created.Attempt,
				"delay_ms":           delay.Milliseconds(),
			},
			IdempotencyKey: parent.ID + ":retry_scheduled",
		})
		if err != nil {
			return nil, err
		}
		l.log.Info("retry scheduled",
			"execution_id", parent.ID,
			"retry_execution_id", created.ID,
			"attempt", created.Attempt,
			"delay", delay)
	}
	return created, nil
}

// SeedFor returns the capture seed for an execution: the root of its
// retry chain. Retries share the root's seed so re-running a week
// reproduces the same capture ids; fresh submissions fork new ones.
func SeedFor(exec *store.Execution) string {
	if exec.BatchID != "" {
		return exec.BatchID
	}
	return exec.ID
}

func truncateError(err error) string {
	if err == nil {
		return ""
	}
	message := err.Error()
	if len(message) > maxErrorMessageLen {
		message = message[:maxErrorMessageLen]
	}
	return message
}
