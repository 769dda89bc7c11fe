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
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ryansmccoy/spine/internal/dispatch"
	"github.com/ryansmccoy/spine/internal/ledger"
	"github.com/ryansmccoy/spine/internal/store"
	spineerrors "github.com/ryansmccoy/spine/pkg/errors"
)

// Lambda is a registered glue function. Outputs should stay small;
// bulk data belongs in the database.
type Lambda func(ctx context.Context, state *RunState) (map[string]any, error)

// RunState is the read-mostly context flowing between steps: the run's
// params plus outputs of every completed ancestor.
type RunState struct {
	RunID    string
	Workflow string
	Params   map[string]any

	mu      sync.RWMutex
	outputs map[string]map[string]any
}

// Output returns a completed step's output.
func (s *RunState) Output(step string) (map[string]any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out, ok := s.outputs[step]
	return out, ok
}

func (s *RunState) setOutput(step string, out map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs[step] = out
}

// env materializes the expression environment for predicates.
func (s *RunState) env() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	outputs := make(map[string]any, len(s.outputs))
	for step, out := range s.outputs {
		outputs[step] = out
	}
	return map[string]any{
		"params":  s.Params,
		"outputs": outputs,
	}
}

// Runner executes workflow definitions.
type Runner struct {
	store      *store.Store
	dispatcher *dispatch.Dispatcher
	catalog    *Catalog
	lambdas    map[string]Lambda
	eval       *Evaluator
	backoff    ledger.Backoff
	poll       time.Duration
	log        *slog.Logger
}

// NewRunner returns a runner over the catalog.
func NewRunner(st *store.Store, d *dispatch.Dispatcher, catalog *Catalog, log *slog.Logger) *Runner {
	return &Runner{
		store:      st,
		dispatcher: d,
		catalog:    catalog,
		lambdas:    make(map[string]Lambda),
		eval:       NewEvaluator(),
		backoff:    ledger.NewBackoff(5*time.Second, 5*time.Minute),
		poll:       250 * time.Millisecond,
		log:        log,
	}
}

// RegisterLambda adds a named function to the lambda table.
func (r *Runner) RegisterLambda(name string, fn Lambda) {
	r.lambdas[name] = fn
}

// Run executes one workflow to a terminal status. Step failures land on
// the returned run (status failed), not in the error; the error reports
// definition and persistence problems only.
func (r *Runner) Run(ctx context.Context, workflowName string, params map[string]any) (*store.WorkflowRun, error) {
	def, err := r.catalog.Get(workflowName)
	if err != nil {
		return nil, err
	}
	layers, err := def.Layers()
	if err != nil {
		return nil, err
	}

	run := &store.WorkflowRun{
		ID:         ulid.Make().String(),
		Workflow:   def.Name,
		Params:     params,
		Status:     store.WorkflowPending,
		StepsTotal: len(def.Steps),
	}
	if err := r.store.CreateWorkflowRun(ctx, run); err != nil {
		return nil, err
	}
	if _, err := r.store.TransitionWorkflowRun(ctx, run.ID,
		[]store.WorkflowStatus{store.WorkflowPending}, store.WorkflowRunning,
		store.WorkflowRunUpdate{StartedAt: r.store.Now()}); err != nil {
		return nil, err
	}
	r.appendEvent(ctx, run.ID, "", "workflow.started", map[string]any{"workflow": def.Name}, run.ID+":started")
	r.log.Info("workflow started", "run_id", run.ID, "workflow", def.Name, "steps", len(def.Steps))

	state := &RunState{
		RunID:    run.ID,
		Workflow: def.Name,
		Params:   params,
		outputs:  make(map[string]map[string]any),
	}

	for _, layer := range layers {
		if ctx.Err() != nil {
			return r.settle(ctx, run, store.WorkflowCancelled, "workflow.cancelled", ctx.Err().Error())
		}
		if err := r.runLayer(ctx, def, layer, state); err != nil {
			return r.settle(ctx, run, store.WorkflowFailed, "workflow.failed", err.Error())
		}
	}
	return r.settle(ctx, run, store.WorkflowCompleted, "workflow.completed", "")
}

// runLayer executes one topological layer with the definition's
// concurrency cap. The first step error wins; siblings already started
// run to completion.
func (r *Runner) runLayer(ctx context.Context, def *Definition, layer []*StepDef, state *RunState) error {
	width := def.Concurrency
	if width <= 0 {
		width = 1
	}

	sem := make(chan struct{}, width)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, step := range layer {
		sem <- struct{}{}
		wg.Add(1)
		go func(step *StepDef) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := r.runStep(ctx, def, step, state); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(step)
	}
	wg.Wait()
	return firstErr
}

// runStep drives one step through its retry budget. Each attempt is its
// own persisted row; transient failures with budget left back off and
// go again, anything else fails the step.
func (r *Runner) runStep(ctx context.Context, def *Definition, stepDef *StepDef, state *RunState) error {
	maxAttempts := stepDef.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	backoff := r.backoff
	if stepDef.Retry.Backoff > 0 {
		backoff = ledger.NewBackoff(stepDef.Retry.Backoff, 5*time.Minute)
	}

	for attempt := 1; ; attempt++ {
		row := &store.WorkflowStep{
			ID:       ulid.Make().String(),
			RunID:    state.RunID,
			StepName: stepDef.Name,
			Kind:     stepDef.Kind,
			Attempt:  attempt,
			Status:   store.StepPending,
		}
		if err := r.store.CreateWorkflowStep(ctx, row); err != nil {
			return err
		}

		proceed, err := r.eval.EvalBool(stepDef.When, state.env())
		if err == nil && !proceed {
			if _, err := r.store.ResolveWorkflowStep(ctx, row.ID, store.StepSkipped, "", nil, ""); err != nil {
				return err
			}
			r.appendEvent(ctx, state.RunID, stepDef.Name, "step.skipped",
				map[string]any{"when": stepDef.When}, stepEventKey(state.RunID, stepDef.Name, attempt, "skipped"))
			state.setOutput(stepDef.Name, map[string]any{"skipped": true})
			return r.store.BumpWorkflowRunCounters(ctx, state.RunID, 1, 0)
		}

		var output map[string]any
		var executionID string
		if err == nil {
			if _, markErr := r.store.MarkWorkflowStepRunning(ctx, row.ID); markErr != nil {
				return markErr
			}
			r.appendEvent(ctx, state.RunID, stepDef.Name, "step.started",
				map[string]any{"attempt": attempt, "kind": stepDef.Kind},
				stepEventKey(state.RunID, stepDef.Name, attempt, "started"))
			output, executionID, err = r.executeStep(ctx, def, stepDef, state, attempt)
		}

		if err == nil {
			if _, err := r.store.ResolveWorkflowStep(ctx, row.ID, store.StepCompleted, executionID, output, ""); err != nil {
				return err
			}
			r.appendEvent(ctx, state.RunID, stepDef.Name, "step.completed",
				map[string]any{"attempt": attempt},
				stepEventKey(state.RunID, stepDef.Name, attempt, "completed"))
			state.setOutput(stepDef.Name, output)
			return r.store.BumpWorkflowRunCounters(ctx, state.RunID, 1, 0)
		}

		kind := string(spineerrors.KindOf(err))
		if _, resolveErr := r.store.ResolveWorkflowStep(ctx, row.ID, store.StepFailed, executionID, nil, err.Error()); resolveErr != nil {
			return resolveErr
		}
		r.appendEvent(ctx, state.RunID, stepDef.Name, "step.failed",
			map[string]any{"attempt": attempt, "error_kind": kind, "error": err.Error()},
			stepEventKey(state.RunID, stepDef.Name, attempt, "failed"))

		if spineerrors.IsRetryable(err) && attempt < maxAttempts {
			delay := backoff.Delay(attempt)
			r.log.Warn("workflow step retrying",
				"run_id", state.RunID,
				"step", stepDef.Name,
				"attempt", attempt,
				"delay", delay,
				"error_kind", kind)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}

		if bumpErr := r.store.BumpWorkflowRunCounters(ctx, state.RunID, 0, 1); bumpErr != nil {
			return bumpErr
		}
		return fmt.Errorf("step %s: %w", stepDef.Name, err)
	}
}

func (r *Runner) executeStep(ctx context.Context, def *Definition, stepDef *StepDef, state *RunState, attempt int) (map[string]any, string, error) {
	switch stepDef.Kind {
	case KindPipeline:
		return r.runPipelineStep(ctx, def, stepDef, state, attempt)
	case KindLambda:
		fn, ok := r.lambdas[stepDef.Lambda]
		if !ok {
			return nil, "", &spineerrors.ConfigError{
				Key:    "lambda." + stepDef.Lambda,
				Reason: "not registered",
			}
		}
		output, err := fn(ctx, state)
		return output, "", err
	case KindChoice:
		verdict, err := r.eval.EvalBool(stepDef.Expression, state.env())
		if err != nil {
			return nil, "", err
		}
		return map[string]any{"result": verdict}, "", nil
	default:
		return nil, "", &spineerrors.ConfigError{Key: "kind", Reason: "unknown step kind " + stepDef.Kind}
	}
}

// runPipelineStep submits through the dispatcher and waits for the
// execution to settle. The idempotency key covers (run, step, attempt)
// so a crashed runner re-attaches instead of double-submitting.
func (r *Runner) runPipelineStep(ctx context.Context, def *Definition, stepDef *StepDef, state *RunState, attempt int) (map[string]any, string, error) {
	exec, err := r.dispatcher.Submit(ctx, dispatch.Submission{
		Pipeline:       stepDef.Pipeline,
		Params:         stepDef.Params,
		Lane:           stepDef.Lane,
		TriggerSource:  "workflow:" + def.Name,
		IdempotencyKey: fmt.Sprintf("%s:%s:%d", state.RunID, stepDef.Name, attempt),
	})
	if err != nil {
		return nil, "", err
	}

	for !exec.Status.IsTerminal() {
		select {
		case <-ctx.Done():
			return nil, exec.ID, ctx.Err()
		case <-time.After(r.poll):
		}
		if exec, err = r.store.GetExecution(ctx, exec.ID); err != nil {
			return nil, "", err
		}
	}

	if exec.Status != store.StatusCompleted {
		return nil, exec.ID, &executionFailure{
			executionID: exec.ID,
			status:      exec.Status,
			kind:        spineerrors.Kind(exec.ErrorKind),
			message:     exec.ErrorMessage,
		}
	}

	output := map[string]any{"execution_id": exec.ID}
	for k, v := range exec.Result {
		output[k] = v
	}
	return output, exec.ID, nil
}

// executionFailure carries a failed execution's persisted classification
// back into error-kind space, so step retry policy treats a transient
// pipeline failure the same as a transient lambda error.
type executionFailure struct {
	executionID string
	status      store.ExecutionStatus
	kind        spineerrors.Kind
	message     string
}

func (e *executionFailure) Error() string {
	if e.message != "" {
		return fmt.Sprintf("execution %s %s: %s", e.executionID, e.status, e.message)
	}
	return fmt.Sprintf("execution %s %s", e.executionID, e.status)
}

// Kind implements the error classifier.
func (e *executionFailure) Kind() spineerrors.Kind {
	if e.kind == "" {
		return spineerrors.KindInternal
	}
	return e.kind
}

// IsRetryable defers to the kind default. The execution-level retry
// chain has already run dry by the time the status is terminal.
func (e *executionFailure) IsRetryable() bool {
	return spineerrors.DefaultRetryable(e.Kind())
}

func (r *Runner) settle(ctx context.Context, run *store.WorkflowRun, status store.WorkflowStatus, event, message string) (*store.WorkflowRun, error) {
	if _, err := r.store.TransitionWorkflowRun(ctx, run.ID,
		[]store.WorkflowStatus{store.WorkflowRunning}, status,
		store.WorkflowRunUpdate{Error: message, FinishedAt: r.store.Now()}); err != nil {
		return nil, err
	}
	r.appendEvent(ctx, run.ID, "", event, nil, run.ID+":"+string(status))
	if status != store.WorkflowCompleted {
		r.log.Warn("workflow settled", "run_id", run.ID, "status", status, "error", message)
	} else {
		r.log.Info("workflow completed", "run_id", run.ID, "workflow", run.Workflow)
	}
	return r.store.GetWorkflowRun(ctx, run.ID)
}

func (r *Runner) appendEvent(ctx context.Context, runID, stepName, eventType string, payload map[string]any, key string) {
	_, err := r.store.AppendWorkflowEvent(ctx, &store.WorkflowEvent{
		RunID:          runID,
		StepName:       stepName,
		EventType:      eventType,
		Payload:        payload,
		IdempotencyKey: key,
	})
	if err != nil {
		r.log.Error("appending workflow event failed",
			"run_id", runID, "event", eventType, "error", err)
	}
}

func stepEventKey(runID, step string, attempt int, edge string) string {
	return fmt.Sprintf("%s:%s:%d:%s", runID, step, attempt, edge)
}
