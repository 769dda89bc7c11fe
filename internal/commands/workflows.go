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

package commands

import (
	"context"
	"time"

	"github.com/ryansmccoy/spine/internal/store"
	"github.com/ryansmccoy/spine/internal/workflow"
)

// WorkflowCatalog is the slice of the definition catalog workflow
// commands need.
type WorkflowCatalog interface {
	Names() []string
	Get(name string) (*workflow.Definition, error)
}

// WorkflowRunner executes one workflow to a terminal status.
type WorkflowRunner interface {
	Run(ctx context.Context, workflow string, params map[string]any) (*store.WorkflowRun, error)
}

// WorkflowRunStore is the slice of the store workflow reads need.
type WorkflowRunStore interface {
	GetWorkflowRun(ctx context.Context, id string) (*store.WorkflowRun, error)
	ListWorkflowRuns(ctx context.Context, workflow string, limit int) ([]*store.WorkflowRun, error)
	ListWorkflowSteps(ctx context.Context, runID string) ([]*store.WorkflowStep, error)
}

// WorkflowDetail describes one loaded definition.
type WorkflowDetail struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Concurrency int      `json:"concurrency,omitempty"`
	Steps       []string `json:"steps"`
}

// WorkflowRunView is the wire shape of one workflow run.
type WorkflowRunView struct {
	ID             string         `json:"id"`
	Workflow       string         `json:"workflow"`
	Params         map[string]any `json:"params,omitempty"`
	Status         string         `json:"status"`
	StepsTotal     int            `json:"steps_total"`
	StepsCompleted int            `json:"steps_completed"`
	StepsFailed    int            `json:"steps_failed"`
	Error          string         `json:"error,omitempty"`
	StartedAt      time.Time      `json:"started_at,omitzero"`
	FinishedAt     time.Time      `json:"finished_at,omitzero"`
}

// NewWorkflowRunView projects a run row into its wire shape.
func NewWorkflowRunView(run *store.WorkflowRun) WorkflowRunView {
	return WorkflowRunView{
		ID:             run.ID,
		Workflow:       run.Workflow,
		Params:         run.Params,
		Status:         string(run.Status),
		StepsTotal:     run.StepsTotal,
		StepsCompleted: run.StepsCompleted,
		StepsFailed:    run.StepsFailed,
		Error:          run.Error,
		StartedAt:      run.StartedAt,
		FinishedAt:     run.FinishedAt,
	}
}

// WorkflowStepView is the wire shape of one step attempt.
type WorkflowStepView struct {
	StepName    string    `json:"step_name"`
	Kind        string    `json:"kind"`
	Attempt     int       `json:"attempt"`
	Status      string    `json:"status"`
	ExecutionID string    `json:"execution_id,omitempty"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	FinishedAt  time.Time `json:"finished_at,omitzero"`
}

// ListWorkflows lists loaded workflow definitions.
type ListWorkflows struct {
	Catalog WorkflowCatalog
}

// ListWorkflowsResponse carries definitions sorted by name.
type ListWorkflowsResponse struct {
	Workflows []WorkflowDetail `json:"workflows"`
}

func (c *ListWorkflows) Execute(ctx context.Context) (*ListWorkflowsResponse, error) {
	names := c.Catalog.Names()
	details := make([]WorkflowDetail, 0, len(names))
	for _, name := range names {
		def, err := c.Catalog.Get(name)
		if err != nil {
			return nil, err
		}
		steps := make([]string, len(def.Steps))
		for i, step := range def.Steps {
			steps[i] = step.Name
		}
		details = append(details, WorkflowDetail{
			Name:        def.Name,
			Description: def.Description,
			Concurrency: def.Concurrency,
			Steps:       steps,
		})
	}
	return &ListWorkflowsResponse{Workflows: details}, nil
}

// RunWorkflow executes one workflow and reports the settled run.
type RunWorkflow struct {
	Runner WorkflowRunner
}

// RunWorkflowRequest names the workflow and its params.
type RunWorkflowRequest struct {
	Name   string
	Params map[string]any
}

// RunWorkflowResponse reports the terminal run.
type RunWorkflowResponse struct {
	Run WorkflowRunView `json:"run"`
}

func (c *RunWorkflow) Execute(ctx context.Context, req RunWorkflowRequest) (*RunWorkflowResponse, error) {
	run, err := c.Runner.Run(ctx, req.Name, req.Params)
	if err != nil {
		return nil, err
	}
	return &RunWorkflowResponse{Run: NewWorkflowRunView(run)}, nil
}

// ShowWorkflowRun fetches one run with its step attempts.
type ShowWorkflowRun struct {
	Store WorkflowRunStore
}

// ShowWorkflowRunRequest names the run.
type ShowWorkflowRunRequest struct {
	ID string
}

// ShowWorkflowRunResponse carries the run and its steps in creation
// order.
type ShowWorkflowRunResponse struct {
	Run   WorkflowRunView    `json:"run"`
	Steps []WorkflowStepView `json:"steps"`
}

func (c *ShowWorkflowRun) Execute(ctx context.Context, req ShowWorkflowRunRequest) (*ShowWorkflowRunResponse, error) {
	run, err := c.Store.GetWorkflowRun(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	steps, err := c.Store.ListWorkflowSteps(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	views := make([]WorkflowStepView, len(steps))
	for i, step := range steps {
		views[i] = WorkflowStepView{
			StepName:    step.StepName,
			Kind:        step.Kind,
			Attempt:     step.Attempt,
			Status:      step.Status,
			ExecutionID: step.ExecutionID,
			Error:       step.Error,
			StartedAt:   step.StartedAt,
			FinishedAt:  step.FinishedAt,
		}
	}
	return &ShowWorkflowRunResponse{Run: NewWorkflowRunView(run), Steps: views}, nil
}

// ListWorkflowRuns lists recent runs, optionally for one workflow.
type ListWorkflowRuns struct {
	Store WorkflowRunStore
}

// ListWorkflowRunsRequest filters the listing.
type ListWorkflowRunsRequest struct {
	Workflow string
	Limit    int
}

// ListWorkflowRunsResponse carries runs newest-first.
type ListWorkflowRunsResponse struct {
	Runs []WorkflowRunView `json:"runs"`
}

func (c *ListWorkflowRuns) Execute(ctx context.Context, req ListWorkflowRunsRequest) (*ListWorkflowRunsResponse, error) {
	runs, err := c.Store.ListWorkflowRuns(ctx, req.Workflow, req.Limit)
	if err != nil {
		return nil, err
	}
	views := make([]WorkflowRunView, len(runs))
	for i, run := range runs {
		views[i] = NewWorkflowRunView(run)
	}
	return &ListWorkflowRunsResponse{Runs: views}, nil
}
