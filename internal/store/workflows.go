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
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/oklog/ulid/v2"

	spineerrors "github.com/ryansmccoy/spine/pkg/errors"
)

const workflowRunColumns = `id, workflow, params, status, steps_total,
	steps_completed, steps_failed, parent_run_id, error, started_at,
	finished_at, created_at, updated_at`

// CreateWorkflowRun inserts a new DAG invocation.
func (s *Store) CreateWorkflowRun(ctx context.Context, run *WorkflowRun) error {
	now := s.timeNow()
	run.CreatedAt = now
	run.UpdatedAt = now
	if run.Status == "" {
		run.Status = WorkflowPending
	}

	params, err := jsonText(run.Params)
	if err != nil {
		return err
	}

	query := s.rebind(`INSERT INTO core_workflow_runs
		(id, workflow, params, status, steps_total, steps_completed,
		 steps_failed, parent_run_id, error, started_at, finished_at,
		 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query,
		run.ID, run.Workflow, params, run.Status, run.StepsTotal,
		run.StepsCompleted, run.StepsFailed, nullString(run.ParentRunID),
		nullString(run.Error), nullTime(run.StartedAt), nullTime(run.FinishedAt),
		formatTime(run.CreatedAt), formatTime(run.UpdatedAt))
	if err != nil {
		return fmt.Errorf("inserting workflow run: %w", err)
	}
	return nil
}

// GetWorkflowRun loads one run by id.
func (s *Store) GetWorkflowRun(ctx context.Context, id string) (*WorkflowRun, error) {
	query := s.rebind(`SELECT ` + workflowRunColumns + ` FROM core_workflow_runs WHERE id = ?`)
	run, err := scanWorkflowRun(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, &spineerrors.NotFoundError{Resource: "workflow run", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("querying workflow run: %w", err)
	}
	return run, nil
}

// ListWorkflowRuns returns runs newest-first, optionally filtered by
// workflow name.
func (s *Store) ListWorkflowRuns(ctx context.Context, workflow string, limit int) ([]*WorkflowRun, error) {
	query := `SELECT ` + workflowRunColumns + ` FROM core_workflow_runs`
	var args []any
	if workflow != "" {
		query += " WHERE workflow = ?"
		args = append(args, workflow)
	}
	query += " ORDER BY created_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("listing workflow runs: %w", err)
	}
	defer rows.Close()

	var runs []*WorkflowRun
	for rows.Next() {
		run, err := scanWorkflowRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning workflow run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// WorkflowRunUpdate carries transition side effects. Zero values leave
// columns untouched.
type WorkflowRunUpdate struct {
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// TransitionWorkflowRun applies one guarded status change. Returns
// false when the run was not in any of the expected statuses.
func (s *Store) TransitionWorkflowRun(ctx context.Context, id string, from []WorkflowStatus, to WorkflowStatus, upd WorkflowRunUpdate) (bool, error) {
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{to, formatTime(s.timeNow())}
	if upd.Error != "" {
		sets = append(sets, "error = ?")
		args = append(args, upd.Error)
	}
	if !upd.StartedAt.IsZero() {
		sets = append(sets, "started_at = ?")
		args = append(args, formatTime(upd.StartedAt))
	}
	if !upd.FinishedAt.IsZero() {
		sets = append(sets, "finished_at = ?")
		args = append(args, formatTime(upd.FinishedAt))
	}

	query := "UPDATE core_workflow_runs SET " + strings.Join(sets, ", ") + " WHERE id = ? AND status IN (?)"
	args = append(args, id, from)
	query, expanded, err := sqlx.In(query, args...)
	if err != nil {
		return false, fmt.Errorf("expanding status predicate: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(query), expanded...)
	if err != nil {
		return false, fmt.Errorf("transitioning workflow run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// BumpWorkflowRunCounters adds step outcomes to the run totals.
func (s *Store) BumpWorkflowRunCounters(ctx context.Context, id string, completed, failed int) error {
	query := s.rebind(`UPDATE core_workflow_runs
		SET steps_completed = steps_completed + ?,
		    steps_failed = steps_failed + ?,
		    updated_at = ?
		WHERE id = ?`)
	_, err := s.db.ExecContext(ctx, query, completed, failed, formatTime(s.timeNow()), id)
	if err != nil {
		return fmt.Errorf("updating workflow counters: %w", err)
	}
	return nil
}

// CreateWorkflowStep appends one step attempt row.
func (s *Store) CreateWorkflowStep(ctx context.Context, step *WorkflowStep) error {
	now := s.timeNow()
	step.CreatedAt = now
	step.UpdatedAt = now
	if step.Status == "" {
		step.Status = StepPending
	}
	if step.Attempt == 0 {
		step.Attempt = 1
	}

	output, err := nullJSON(step.Output)
	if err != nil {
		return err
	}

	query := s.rebind(`INSERT INTO core_workflow_steps
		(id, run_id, step_name, kind, attempt, status, execution_id,
		 output, error, started_at, finished_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query,
		step.ID, step.RunID, step.StepName, step.Kind, step.Attempt,
		step.Status, nullString(step.ExecutionID), output,
		nullString(step.Error), nullTime(step.StartedAt),
		nullTime(step.FinishedAt), formatTime(step.CreatedAt),
		formatTime(step.UpdatedAt))
	if err != nil {
		return fmt.Errorf("inserting workflow step: %w", err)
	}
	return nil
}

// ResolveWorkflowStep applies the attempt's single transition out of
// pending or running.
func (s *Store) ResolveWorkflowStep(ctx context.Context, id, status string, executionID string, output map[string]any, stepErr string) (bool, error) {
	now := s.timeNow()
	outputJSON, err := nullJSON(output)
	if err != nil {
		return false, err
	}

	query := s.rebind(`UPDATE core_workflow_steps
		SET status = ?, execution_id = COALESCE(?, execution_id),
		    output = ?, error = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'running')`)
	res, err := s.db.ExecContext(ctx, query,
		status, nullString(executionID), outputJSON, nullString(stepErr),
		formatTime(now), formatTime(now), id)
	if err != nil {
		return false, fmt.Errorf("resolving workflow step: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkWorkflowStepRunning stamps the attempt's start.
func (s *Store) MarkWorkflowStepRunning(ctx context.Context, id string) (bool, error) {
	now := s.timeNow()
	query := s.rebind(`UPDATE core_workflow_steps
		SET status = 'running', started_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'`)
	res, err := s.db.ExecContext(ctx, query, formatTime(now), formatTime(now), id)
	if err != nil {
		return false, fmt.Errorf("starting workflow step: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListWorkflowSteps returns all step attempts for a run in creation
// order.
func (s *Store) ListWorkflowSteps(ctx context.Context, runID string) ([]*WorkflowStep, error) {
	query := s.rebind(`SELECT id, run_id, step_name, kind, attempt, status,
		execution_id, output, error, started_at, finished_at, created_at, updated_at
		FROM core_workflow_steps WHERE run_id = ? ORDER BY created_at, id`)
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("listing workflow steps: %w", err)
	}
	defer rows.Close()

	var steps []*WorkflowStep
	for rows.Next() {
		step, err := scanWorkflowStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning workflow step: %w", err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// AppendWorkflowEvent writes one edge, ignoring idempotency-key
// collisions when a key is set.
func (s *Store) AppendWorkflowEvent(ctx context.Context, ev *WorkflowEvent) (bool, error) {
	if ev.ID == "" {
		ev.ID = ulid.Make().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.timeNow()
	}
	payload, err := nullJSON(ev.Payload)
	if err != nil {
		return false, err
	}

	query := s.rebind(`INSERT INTO core_workflow_events
		(id, run_id, step_name, event_type, payload, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (idempotency_key) DO NOTHING`)
	res, err := s.db.ExecContext(ctx, query,
		ev.ID, ev.RunID, nullString(ev.StepName), ev.EventType,
		payload, nullString(ev.IdempotencyKey), formatTime(ev.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("appending workflow event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListWorkflowEvents returns the event trail for one run in
// (created_at, id) order.
func (s *Store) ListWorkflowEvents(ctx context.Context, runID string) ([]*WorkflowEvent, error) {
	query := s.rebind(`SELECT id, run_id, step_name, event_type, payload, idempotency_key, created_at
		FROM core_workflow_events WHERE run_id = ? ORDER BY created_at, id`)
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("listing workflow events: %w", err)
	}
	defer rows.Close()

	var events []*WorkflowEvent
	for rows.Next() {
		var ev WorkflowEvent
		var stepName, payload, idempotencyKey, createdAt sql.NullString
		if err := rows.Scan(&ev.ID, &ev.RunID, &stepName, &ev.EventType,
			&payload, &idempotencyKey, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning workflow event: %w", err)
		}
		ev.StepName = stepName.String
		ev.IdempotencyKey = idempotencyKey.String
		if ev.Payload, err = scanJSON(payload); err != nil {
			return nil, err
		}
		if ev.CreatedAt, err = scanTime(createdAt); err != nil {
			return nil, err
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

func scanWorkflowRun(row rowScanner) (*WorkflowRun, error) {
	var run WorkflowRun
	var params, parentRunID, runErr sql.NullString
	var startedAt, finishedAt, createdAt, updatedAt sql.NullString

	err := row.Scan(&run.ID, &run.Workflow, &params, &run.Status,
		&run.StepsTotal, &run.StepsCompleted, &run.StepsFailed,
		&parentRunID, &runErr, &startedAt, &finishedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	run.ParentRunID = parentRunID.String
	run.Error = runErr.String
	if run.Params, err = scanJSON(params); err != nil {
		return nil, err
	}
	if run.StartedAt, err = scanTime(startedAt); err != nil {
		return nil, err
	}
	if run.FinishedAt, err = scanTime(finishedAt); err != nil {
		return nil, err
	}
	if run.CreatedAt, err = scanTime(createdAt); err != nil {
		return nil, err
	}
	if run.UpdatedAt, err = scanTime(updatedAt); err != nil {
		return nil, err
	}
	return &run, nil
}

func scanWorkflowStep(row rowScanner) (*WorkflowStep, error) {
	var step WorkflowStep
	var executionID, output, stepErr sql.NullString
	var startedAt, finishedAt, createdAt, updatedAt sql.NullString

	err := row.Scan(&step.ID, &step.RunID, &step.StepName, &step.Kind,
		&step.Attempt, &step.Status, &executionID, &output, &stepErr,
		&startedAt, &finishedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	step.ExecutionID = executionID.String
	step.Error = stepErr.String
	if step.Output, err = scanJSON(output); err != nil {
		return nil, err
	}
	if step.StartedAt, err = scanTime(startedAt); err != nil {
		return nil, err
	}
	if step.FinishedAt, err = scanTime(finishedAt); err != nil {
		return nil, err
	}
	if step.CreatedAt, err = scanTime(createdAt); err != nil {
		return nil, err
	}
	if step.UpdatedAt, err = scanTime(updatedAt); err != nil {
		return nil, err
	}
	return &step, nil
}
