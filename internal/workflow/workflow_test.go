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

package workflow

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryansmccoy/spine/internal/config"
	"github.com/ryansmccoy/spine/internal/dispatch"
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
	require.NoError(t, err, "opening store")
	t.Cleanup(func() { st.Close() })
	return st
}

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestRunner(t *testing.T, reg *pipeline.Registry, catalog *Catalog) (*Runner, *store.Store) {
	t.Helper()

	st := createTestStore(t)
	led := ledger.New(st, discard(), ledger.NewBackoff(10*time.Millisecond, 100*time.Millisecond))
	lm := locks.NewManager(st, "test", time.Minute, discard())
	rt := dispatch.NewRuntime(st, reg, led, lm, discard())
	d := dispatch.New(st, reg, dispatch.NewInlineExecutor(st, rt), nil,
		dispatch.Defaults{MaxAttempts: 1}, discard())
	r := NewRunner(st, d, catalog, discard())
	r.backoff = ledger.NewBackoff(time.Millisecond, 10*time.Millisecond)
	return r, st
}

func ingestPipeline(calls *atomic.Int32) *pipeline.Func {
	return &pipeline.Func{
		Detail: pipeline.Detail{
			Name: "finra.otc_transparency.ingest_week",
			RequiredParams: []pipeline.ParamDef{
				{Name: "tier", Type: pipeline.TypeString, Required: true},
				{Name: "week_ending", Type: pipeline.TypeString, Required: true},
			},
		},
		RunFunc: func(context.Context, pipeline.Params, *pipeline.RunContext) (*pipeline.Result, error) {
			calls.Add(1)
			result := &pipeline.Result{}
			result.AddMetric("records", 10)
			return result, nil
		},
	}
}

func TestDefinition_Validate(t *testing.T) {
	valid := &Definition{
		Name: "weekly",
		Steps: []StepDef{
			{Name: "ingest", Kind: KindPipeline, Pipeline: "p"},
			{Name: "check", Kind: KindChoice, Expression: "outputs.ingest.records > 0", DependsOn: []string{"ingest"}},
		},
	}
	require.NoError(t, valid.Validate())

	cases := map[string]*Definition{
		"empty steps":    {Name: "w"},
		"unknown kind":   {Name: "w", Steps: []StepDef{{Name: "a", Kind: "shell"}}},
		"missing target": {Name: "w", Steps: []StepDef{{Name: "a", Kind: KindPipeline}}},
		"unknown dep":    {Name: "w", Steps: []StepDef{{Name: "a", Kind: KindLambda, Lambda: "f", DependsOn: []string{"ghost"}}}},
		"self dep":       {Name: "w", Steps: []StepDef{{Name: "a", Kind: KindLambda, Lambda: "f", DependsOn: []string{"a"}}}},
		"cycle": {Name: "w", Steps: []StepDef{
			{Name: "a", Kind: KindLambda, Lambda: "f", DependsOn: []string{"b"}},
			{Name: "b", Kind: KindLambda, Lambda: "f", DependsOn: []string{"a"}},
		}},
	}
	for label, def := range cases {
		var ve *spineerrors.ValidationError
		err := def.Validate()
		require.Error(t, err, label)
		assert.ErrorAs(t, err, &ve, label)
	}
}

func TestDefinition_Layers(t *testing.T) {
	def := &Definition{
		Name: "w",
		Steps: []StepDef{
			{Name: "c", Kind: KindLambda, Lambda: "f", DependsOn: []string{"a", "b"}},
			{Name: "a", Kind: KindLambda, Lambda: "f"},
			{Name: "b", Kind: KindLambda, Lambda: "f"},
			{Name: "d", Kind: KindLambda, Lambda: "f", DependsOn: []string{"c"}},
		},
	}
	layers, err := def.Layers()
	require.NoError(t, err)
	require.Len(t, layers, 3)
	assert.Len(t, layers[0], 2, "a and b run first")
	assert.Equal(t, "c", layers[1][0].Name)
	assert.Equal(t, "d", layers[2][0].Name)
}

func TestRun_PipelineAndChoice(t *testing.T) {
	var calls atomic.Int32
	reg := pipeline.NewRegistry()
	reg.MustRegister(ingestPipeline(&calls))

	catalog := NewCatalog()
	require.NoError(t, catalog.Add(&Definition{
		Name: "weekly-ingest",
		Steps: []StepDef{
			{
				Name:     "ingest",
				Kind:     KindPipeline,
				Pipeline: "finra.otc_transparency.ingest_week",
				Params:   map[string]any{"tier": "NMS_TIER_1", "week_ending": "2025-12-19"},
			},
			{
				Name:       "has-rows",
				Kind:       KindChoice,
				Expression: "outputs.ingest.records > 0",
				DependsOn:  []string{"ingest"},
			},
			{
				Name:      "publish",
				Kind:      KindLambda,
				Lambda:    "publish",
				When:      "outputs['has-rows'].result",
				DependsOn: []string{"has-rows"},
			},
		},
	}))

	r, st := newTestRunner(t, reg, catalog)
	var published atomic.Bool
	r.RegisterLambda("publish", func(_ context.Context, state *RunState) (map[string]any, error) {
		published.Store(true)
		out, ok := state.Output("ingest")
		require.True(t, ok, "ancestor output visible")
		return map[string]any{"published_records": out["records"]}, nil
	})

	run, err := r.Run(context.Background(), "weekly-ingest", map[string]any{"week": "2025-12-19"})
	require.NoError(t, err)
	assert.Equal(t, store.WorkflowCompleted, run.Status)
	assert.Equal(t, 3, run.StepsCompleted)
	assert.Equal(t, 0, run.StepsFailed)
	assert.True(t, published.Load())
	assert.EqualValues(t, 1, calls.Load())

	steps, err := st.ListWorkflowSteps(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	for _, step := range steps {
		assert.Equal(t, store.StepCompleted, step.Status, step.StepName)
	}

	events, err := st.ListWorkflowEvents(context.Background(), run.ID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(events), 8, "started/completed edges for run and steps")
}

func TestRun_WhenGuardSkips(t *testing.T) {
	catalog := NewCatalog()
	require.NoError(t, catalog.Add(&Definition{
		Name: "guarded",
		Steps: []StepDef{
			{Name: "gate", Kind: KindChoice, Expression: "params.go == true"},
			{Name: "work", Kind: KindLambda, Lambda: "work", When: "outputs.gate.result", DependsOn: []string{"gate"}},
		},
	}))
	r, st := newTestRunner(t, pipeline.NewRegistry(), catalog)
	r.RegisterLambda("work", func(context.Context, *RunState) (map[string]any, error) {
		t.Fatal("guarded step must not run")
		return nil, nil
	})

	run, err := r.Run(context.Background(), "guarded", map[string]any{"go": false})
	require.NoError(t, err)
	assert.Equal(t, store.WorkflowCompleted, run.Status, "skip is not failure")

	steps, err := st.ListWorkflowSteps(context.Background(), run.ID)
	require.NoError(t, err)
	byName := map[string]string{}
	for _, step := range steps {
		byName[step.StepName] = step.Status
	}
	assert.Equal(t, store.StepSkipped, byName["work"])
}

func TestRun_TransientStepRetries(t *testing.T) {
	catalog := NewCatalog()
	require.NoError(t, catalog.Add(&Definition{
		Name: "flaky",
		Steps: []StepDef{{
			Name: "fetch", Kind: KindLambda, Lambda: "fetch",
			Retry: RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond},
		}},
	}))
	r, st := newTestRunner(t, pipeline.NewRegistry(), catalog)

	var calls atomic.Int32
	r.RegisterLambda("fetch", func(context.Context, *RunState) (map[string]any, error) {
		if calls.Add(1) < 3 {
			return nil, &spineerrors.TransientError{Op: "fetch", Message: "flaky upstream"}
		}
		return map[string]any{"ok": true}, nil
	})

	run, err := r.Run(context.Background(), "flaky", nil)
	require.NoError(t, err)
	assert.Equal(t, store.WorkflowCompleted, run.Status)
	assert.EqualValues(t, 3, calls.Load())

	steps, err := st.ListWorkflowSteps(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 3, "one row per attempt")
	statuses := []string{steps[0].Status, steps[1].Status, steps[2].Status}
	assert.ElementsMatch(t, []string{store.StepFailed, store.StepFailed, store.StepCompleted}, statuses)
}

func TestRun_ValidationFailureDoesNotRetry(t *testing.T) {
	catalog := NewCatalog()
	require.NoError(t, catalog.Add(&Definition{
		Name: "strict",
		Steps: []StepDef{{
			Name: "check", Kind: KindLambda, Lambda: "check",
			Retry: RetryPolicy{MaxAttempts: 5, Backoff: time.Millisecond},
		}},
	}))
	r, st := newTestRunner(t, pipeline.NewRegistry(), catalog)

	var calls atomic.Int32
	r.RegisterLambda("check", func(context.Context, *RunState) (map[string]any, error) {
		calls.Add(1)
		return nil, &spineerrors.ValidationError{Field: "week_ending", Message: "bad date"}
	})

	run, err := r.Run(context.Background(), "strict", nil)
	require.NoError(t, err)
	assert.Equal(t, store.WorkflowFailed, run.Status)
	assert.EqualValues(t, 1, calls.Load(), "validation failures are terminal")
	assert.Equal(t, 1, run.StepsFailed)
	assert.Contains(t, run.Error, "bad date")

	steps, err := st.ListWorkflowSteps(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
}

func TestRun_FailedPipelineStepFailsWorkflow(t *testing.T) {
	reg := pipeline.NewRegistry()
	reg.MustRegister(&pipeline.Func{
		Detail: pipeline.Detail{Name: "broken.pipeline"},
		RunFunc: func(context.Context, pipeline.Params, *pipeline.RunContext) (*pipeline.Result, error) {
			return nil, &spineerrors.ParseError{Format: "csv", Message: "malformed header"}
		},
	})
	catalog := NewCatalog()
	require.NoError(t, catalog.Add(&Definition{
		Name:  "doomed",
		Steps: []StepDef{{Name: "ingest", Kind: KindPipeline, Pipeline: "broken.pipeline"}},
	}))
	r, _ := newTestRunner(t, reg, catalog)

	run, err := r.Run(context.Background(), "doomed", nil)
	require.NoError(t, err)
	assert.Equal(t, store.WorkflowFailed, run.Status)
	assert.Contains(t, run.Error, "step ingest")
}

func TestEvaluator_CachesPrograms(t *testing.T) {
	e := NewEvaluator()
	env := map[string]any{"params": map[string]any{"n": 2}}

	ok, err := e.EvalBool("params.n > 1", env)
	require.NoError(t, err)
	assert.True(t, ok)

	// Same expression, different env, served from cache.
	ok, err = e.EvalBool("params.n > 1", map[string]any{"params": map[string]any{"n": 0}})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, e.cache, 1)

	_, err = e.EvalBool("params.n +", env)
	var ve *spineerrors.ValidationError
	assert.ErrorAs(t, err, &ve)
}
