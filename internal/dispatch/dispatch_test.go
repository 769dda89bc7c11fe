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
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ryansmccoy/spine/internal/config"
	"github.com/ryansmccoy/spine/internal/ledger"
	"github.com/ryansmccoy/spine/internal/locks"
	"github.com/ryansmccoy/spine/internal/store"
	spineerrors "github.com/ryansmccoy/spine/pkg/errors"
	"github.com/ryansmccoy/spine/pkg/pipeline"
)

func createTestStore(t *testing.T) *store.Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "spine.db")
	st, err := store.Open(context.Background(), config.DatabaseConfig{Path: dbPath})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// testEnv wires a dispatcher with the inline executor over a fresh
// store. Pipelines are registered by the caller.
type testEnv struct {
	store      *store.Store
	registry   *pipeline.Registry
	ledger     *ledger.Ledger
	runtime    *Runtime
	dispatcher *Dispatcher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st := createTestStore(t)
	reg := pipeline.NewRegistry()
	led := ledger.New(st, discard(), ledger.NewBackoff(10*time.Millisecond, 100*time.Millisecond))
	lm := locks.NewManager(st, "test-worker", time.Minute, discard())
	rt := NewRuntime(st, reg, led, lm, discard())
	inline := NewInlineExecutor(st, rt)
	d := New(st, reg, inline, nil, Defaults{MaxAttempts: 2, Timeout: time.Minute}, discard())
	return &testEnv{store: st, registry: reg, ledger: led, runtime: rt, dispatcher: d}
}

func ingestDetail() pipeline.Detail {
	return pipeline.Detail{
		Name:        "finra.otc_transparency.ingest_week",
		Description: "Ingest one weekly summary file",
		RequiredParams: []pipeline.ParamDef{
			{Name: "tier", Type: pipeline.TypeString, Required: true},
			{Name: "week_ending", Type: pipeline.TypeString, Required: true},
		},
		IsIngest: true,
	}
}

// noopExecutor admits without running, leaving the row pending. Used
// to observe admission behavior in isolation.
type noopExecutor struct{}

func (noopExecutor) Execute(_ context.Context, exec *store.Execution) (*store.Execution, error) {
	return exec, nil
}

func TestSubmit_UnknownPipeline(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.dispatcher.Submit(context.Background(), Submission{Pipeline: "nope.missing"})
	var nf *spineerrors.NotFoundError
	if !spineerrors.As(err, &nf) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestSubmit_InvalidParams(t *testing.T) {
	env := newTestEnv(t)
	env.registry.MustRegister(&pipeline.Func{
		Detail: ingestDetail(),
		RunFunc: func(context.Context, pipeline.Params, *pipeline.RunContext) (*pipeline.Result, error) {
			return &pipeline.Result{}, nil
		},
	})

	_, err := env.dispatcher.Submit(context.Background(), Submission{
		Pipeline: "finra.otc_transparency.ingest_week",
		Params:   map[string]any{"tier": "T1"},
	})
	var ve *spineerrors.ValidationError
	if !spineerrors.As(err, &ve) {
		t.Fatalf("expected validation error for missing week_ending, got %v", err)
	}
	if ve.Field != "week_ending" {
		t.Errorf("field = %q, want week_ending", ve.Field)
	}
}

func TestSubmit_DryRun(t *testing.T) {
	env := newTestEnv(t)
	env.registry.MustRegister(&pipeline.Func{
		Detail: ingestDetail(),
		RunFunc: func(context.Context, pipeline.Params, *pipeline.RunContext) (*pipeline.Result, error) {
			t.Fatal("dry run must not execute")
			return nil, nil
		},
	})

	exec, err := env.dispatcher.Submit(context.Background(), Submission{
		Pipeline: "finra.otc_transparency.ingest_week",
		Params:   map[string]any{"tier": "T1", "week_ending": "2025-12-19"},
		DryRun:   true,
	})
	if err != nil {
		t.Fatalf("dry run failed: %v", err)
	}
	if exec.ID != "" {
		t.Errorf("dry run produced an id: %q", exec.ID)
	}
	if exec.Params["tier"] != "NMS_TIER_1" {
		t.Errorf("tier = %v, want normalized NMS_TIER_1", exec.Params["tier"])
	}
	if exec.LogicalKey == "" {
		t.Error("dry run did not compute a logical key")
	}

	rows, err := env.store.ListExecutions(context.Background(), store.ExecutionFilter{})
	if err != nil {
		t.Fatalf("listing executions: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("dry run admitted %d executions", len(rows))
	}
}

func TestSubmit_ReplayIdempotence(t *testing.T) {
	env := newTestEnv(t)
	var runs atomic.Int32
	env.registry.MustRegister(&pipeline.Func{
		Detail: ingestDetail(),
		RunFunc: func(context.Context, pipeline.Params, *pipeline.RunContext) (*pipeline.Result, error) {
			runs.Add(1)
			return &pipeline.Result{}, nil
		},
	})

	sub := Submission{
		Pipeline:       "finra.otc_transparency.ingest_week",
		Params:         map[string]any{"tier": "T1", "week_ending": "2025-12-19"},
		IdempotencyKey: "client-key-1",
	}
	first, err := env.dispatcher.Submit(context.Background(), sub)
	if err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	second, err := env.dispatcher.Submit(context.Background(), sub)
	if err != nil {
		t.Fatalf("second submit failed: %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("replay returned a different execution: %s vs %s", first.ID, second.ID)
	}
	if got := runs.Load(); got != 1 {
		t.Errorf("pipeline ran %d times, want 1", got)
	}

	events, err := env.store.ListExecutionEvents(context.Background(), first.ID)
	if err != nil {
		t.Fatalf("listing events: %v", err)
	}
	completed := 0
	for _, ev := range events {
		if ev.EventType == store.EventCompleted {
			completed++
		}
	}
	if completed != 1 {
		t.Errorf("found %d completed events, want exactly 1", completed)
	}
}

func TestSubmit_DuplicateLogicalKey(t *testing.T) {
	env := newTestEnv(t)
	env.registry.MustRegister(&pipeline.Func{
		Detail: ingestDetail(),
		RunFunc: func(context.Context, pipeline.Params, *pipeline.RunContext) (*pipeline.Result, error) {
			return &pipeline.Result{}, nil
		},
	})
	// Admit without running so the first execution stays active.
	queued := New(env.store, env.registry, noopExecutor{}, nil, Defaults{MaxAttempts: 2}, discard())

	sub := Submission{
		Pipeline: "finra.otc_transparency.ingest_week",
		Params:   map[string]any{"tier": "T1", "week_ending": "2025-12-19"},
	}
	first, err := queued.Submit(context.Background(), sub)
	if err != nil {
		t.Fatalf("first submit failed: %v", err)
	}

	_, err = queued.Submit(context.Background(), sub)
	var conflict *spineerrors.ConflictError
	if !spineerrors.As(err, &conflict) {
		t.Fatalf("expected conflict for active logical key, got %v", err)
	}
	if conflict.ExistingID != first.ID {
		t.Errorf("conflict names %q, want incumbent %s", conflict.ExistingID, first.ID)
	}

	// Aliased params hash to the same logical key.
	_, err = queued.Submit(context.Background(), Submission{
		Pipeline: "finra.otc_transparency.ingest_week",
		Params:   map[string]any{"week_ending": "2025-12-19", "tier": "NMS_TIER_1"},
	})
	if !spineerrors.As(err, &conflict) {
		t.Fatalf("expected conflict for aliased params, got %v", err)
	}
}

func TestSubmit_InlineHappyPath(t *testing.T) {
	env := newTestEnv(t)
	env.registry.MustRegister(&pipeline.Func{
		Detail: ingestDetail(),
		RunFunc: func(ctx context.Context, params pipeline.Params, rc *pipeline.RunContext) (*pipeline.Result, error) {
			capture := rc.NewCapture("finra.otc_transparency", params.String("tier"), params.String("week_ending"))
			if err := rc.Manifest.Mark(ctx, pipeline.StageMark{
				Domain:       "finra.otc_transparency",
				PartitionKey: params.String("tier") + ":" + params.String("week_ending"),
				Stage:        "INGESTED",
				Rank:         1,
				RowCount:     4,
				CaptureID:    capture,
			}); err != nil {
				return nil, err
			}
			result := &pipeline.Result{}
			result.AddMetric("records", 4)
			result.AddCapture(capture)
			return result, nil
		},
	})

	exec, err := env.dispatcher.Submit(context.Background(), Submission{
		Pipeline:      "finra.otc_transparency.ingest_week",
		Params:        map[string]any{"tier": "T1", "week_ending": "2025-12-19"},
		TriggerSource: "manual",
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if exec.Status != store.StatusCompleted {
		t.Fatalf("status = %s, want completed (error: %s)", exec.Status, exec.ErrorMessage)
	}
	if got, ok := exec.Result["records"].(float64); !ok || got != 4 {
		t.Errorf("result records = %v, want 4", exec.Result["records"])
	}

	entry, err := env.store.GetManifestStage(context.Background(),
		"finra.otc_transparency", "NMS_TIER_1:2025-12-19", "INGESTED")
	if err != nil {
		t.Fatalf("manifest stage missing: %v", err)
	}
	if entry.ExecutionID != exec.ID {
		t.Errorf("manifest execution = %s, want %s", entry.ExecutionID, exec.ID)
	}
}

func TestSubmit_FailureSchedulesRetry_CancelDuringBackoff(t *testing.T) {
	env := newTestEnv(t)
	env.registry.MustRegister(&pipeline.Func{
		Detail: ingestDetail(),
		RunFunc: func(context.Context, pipeline.Params, *pipeline.RunContext) (*pipeline.Result, error) {
			return nil, &spineerrors.TransientError{Op: "fetch", Message: "connection reset"}
		},
	})

	exec, err := env.dispatcher.Submit(context.Background(), Submission{
		Pipeline: "finra.otc_transparency.ingest_week",
		Params:   map[string]any{"tier": "T1", "week_ending": "2025-12-19"},
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if exec.Status != store.StatusFailed {
		t.Fatalf("status = %s, want failed", exec.Status)
	}
	if exec.ErrorKind != string(spineerrors.KindTransient) {
		t.Errorf("error kind = %s, want TRANSIENT", exec.ErrorKind)
	}

	// The retry sits in backoff as a fresh pending execution.
	retry, err := env.store.GetExecutionByIdempotencyKey(context.Background(), exec.ID+":retry")
	if err != nil {
		t.Fatalf("retry execution missing: %v", err)
	}
	if retry.Attempt != 2 {
		t.Errorf("retry attempt = %d, want 2", retry.Attempt)
	}
	if retry.ParentExecutionID != exec.ID {
		t.Errorf("retry parent = %q, want %s", retry.ParentExecutionID, exec.ID)
	}
	if !retry.NotBefore.After(time.Time{}) {
		t.Error("retry has no backoff window")
	}

	// Cancelling during the backoff window settles the chain: the row
	// goes terminal and no further retry appears.
	applied, err := env.runtime.Cancel(context.Background(), retry.ID, "operator cancel")
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if !applied {
		t.Fatal("cancel did not apply")
	}
	cancelled, err := env.store.GetExecution(context.Background(), retry.ID)
	if err != nil {
		t.Fatalf("loading cancelled retry: %v", err)
	}
	if cancelled.Status != store.StatusCancelled {
		t.Errorf("status = %s, want cancelled", cancelled.Status)
	}
	if _, err := env.store.GetExecutionByIdempotencyKey(context.Background(), retry.ID+":retry"); err == nil {
		t.Error("cancelled execution spawned a retry")
	}
}

func TestSubmit_ExhaustionDeadLetters(t *testing.T) {
	env := newTestEnv(t)
	env.registry.MustRegister(&pipeline.Func{
		Detail: ingestDetail(),
		RunFunc: func(context.Context, pipeline.Params, *pipeline.RunContext) (*pipeline.Result, error) {
			return nil, &spineerrors.TransientError{Op: "fetch", Message: "still down"}
		},
	})

	first, err := env.dispatcher.Submit(context.Background(), Submission{
		Pipeline: "finra.otc_transparency.ingest_week",
		Params:   map[string]any{"tier": "T2", "week_ending": "2025-12-19"},
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	// Run the scheduled retry (attempt 2 of 2) inline.
	retry, err := env.store.GetExecutionByIdempotencyKey(context.Background(), first.ID+":retry")
	if err != nil {
		t.Fatalf("retry execution missing: %v", err)
	}
	inline := NewInlineExecutor(env.store, env.runtime)
	final, err := inline.Execute(context.Background(), retry)
	if err != nil {
		t.Fatalf("retry execution failed: %v", err)
	}
	if final.Status != store.StatusDeadLettered {
		t.Fatalf("status = %s, want dlq", final.Status)
	}

	letters, err := env.store.ListDeadLetters(context.Background(), false, 10)
	if err != nil {
		t.Fatalf("listing dead letters: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("found %d dead letters, want 1", len(letters))
	}
	if letters[0].ExecutionID != retry.ID {
		t.Errorf("dead letter execution = %s, want %s", letters[0].ExecutionID, retry.ID)
	}
	if letters[0].RetryCount != 2 {
		t.Errorf("retry count = %d, want 2", letters[0].RetryCount)
	}
}

func TestRuntime_ExclusiveKeyContention(t *testing.T) {
	env := newTestEnv(t)
	detail := ingestDetail()
	detail.ExclusiveKey = "finra.otc:{tier}:{week_ending}"
	env.registry.MustRegister(&pipeline.Func{
		Detail: detail,
		RunFunc: func(context.Context, pipeline.Params, *pipeline.RunContext) (*pipeline.Result, error) {
			return &pipeline.Result{}, nil
		},
	})

	// Another worker holds the partition.
	other := locks.NewManager(env.store, "other-worker", time.Minute, discard())
	if _, err := other.Acquire(context.Background(), "finra.otc:NMS_TIER_1:2025-12-19", "elsewhere"); err != nil {
		t.Fatalf("pre-acquire failed: %v", err)
	}

	exec, err := env.dispatcher.Submit(context.Background(), Submission{
		Pipeline: "finra.otc_transparency.ingest_week",
		Params:   map[string]any{"tier": "T1", "week_ending": "2025-12-19"},
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if exec.Status != store.StatusFailed {
		t.Fatalf("status = %s, want failed on contended lock", exec.Status)
	}
	if exec.ErrorKind != string(spineerrors.KindOrchestration) {
		t.Errorf("error kind = %s, want ORCHESTRATION", exec.ErrorKind)
	}

	// The sibling tier is a distinct key and runs fine.
	sibling, err := env.dispatcher.Submit(context.Background(), Submission{
		Pipeline: "finra.otc_transparency.ingest_week",
		Params:   map[string]any{"tier": "T2", "week_ending": "2025-12-19"},
	})
	if err != nil {
		t.Fatalf("sibling submit failed: %v", err)
	}
	if sibling.Status != store.StatusCompleted {
		t.Errorf("sibling status = %s, want completed", sibling.Status)
	}
}

func TestRuntime_Timeout(t *testing.T) {
	env := newTestEnv(t)
	env.registry.MustRegister(&pipeline.Func{
		Detail: ingestDetail(),
		RunFunc: func(ctx context.Context, _ pipeline.Params, _ *pipeline.RunContext) (*pipeline.Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	d := New(env.store, env.registry, NewInlineExecutor(env.store, env.runtime), nil,
		Defaults{MaxAttempts: 1, Timeout: time.Second}, discard())

	exec, err := d.Submit(context.Background(), Submission{
		Pipeline: "finra.otc_transparency.ingest_week",
		Params:   map[string]any{"tier": "T1", "week_ending": "2025-12-19"},
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	// A timeout is retryable, and this was the only attempt: the chain
	// is exhausted and parks in the dead-letter queue.
	if exec.Status != store.StatusDeadLettered {
		t.Fatalf("status = %s, want dlq", exec.Status)
	}
	if exec.ErrorKind != string(spineerrors.KindTransient) {
		t.Errorf("error kind = %s, want TRANSIENT for timeout", exec.ErrorKind)
	}

	letters, err := env.store.ListDeadLetters(context.Background(), false, 10)
	if err != nil {
		t.Fatalf("listing dead letters: %v", err)
	}
	if len(letters) != 1 || letters[0].ExecutionID != exec.ID {
		t.Errorf("dead letters = %+v, want the timed-out execution", letters)
	}
}

func TestNormalize_Aliases(t *testing.T) {
	fixed := func() time.Time { return time.Date(2025, 12, 24, 10, 0, 0, 0, time.UTC) }
	n := NewStandardNormalizer(fixed)

	got := n.Normalize("p", pipeline.Params{"tier": "t1", "week_ending": "latest"})
	if got["tier"] != "NMS_TIER_1" {
		t.Errorf("tier = %v, want NMS_TIER_1", got["tier"])
	}
	// Wednesday 2025-12-24 resolves to the prior Friday.
	if got["week_ending"] != "2025-12-19" {
		t.Errorf("week_ending = %v, want 2025-12-19", got["week_ending"])
	}

	passthrough := n.Normalize("p", pipeline.Params{"tier": "CUSTOM", "week_ending": "2025-12-19"})
	if passthrough["tier"] != "CUSTOM" || passthrough["week_ending"] != "2025-12-19" {
		t.Errorf("non-aliases changed: %v", passthrough)
	}
}

func TestLogicalKey_OrderIndependent(t *testing.T) {
	a := LogicalKey("p", pipeline.Params{"tier": "NMS_TIER_1", "week_ending": "2025-12-19"})
	b := LogicalKey("p", pipeline.Params{"week_ending": "2025-12-19", "tier": "NMS_TIER_1"})
	if a != b {
		t.Errorf("key depends on param order: %s vs %s", a, b)
	}
	c := LogicalKey("p", pipeline.Params{"tier": "NMS_TIER_2", "week_ending": "2025-12-19"})
	if a == c {
		t.Error("different params produced the same key")
	}
}
