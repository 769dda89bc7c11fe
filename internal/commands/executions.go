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

	"github.com/ryansmccoy/spine/internal/store"
)

// ExecutionReader is the read slice of the store that execution
// commands need.
type ExecutionReader interface {
	GetExecution(ctx context.Context, id string) (*store.Execution, error)
	ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*store.Execution, error)
	ListExecutionEvents(ctx context.Context, executionID string) ([]*store.ExecutionEvent, error)
}

// Canceller requests a cooperative stop. Satisfied by *dispatch.Runtime.
type Canceller interface {
	Cancel(ctx context.Context, id, reason string) (bool, error)
}

// ListExecutions lists executions newest-first.
type ListExecutions struct {
	Store ExecutionReader
}

// ListExecutionsRequest filters the ledger.
type ListExecutionsRequest struct {
	Pipeline string
	Status   string
	Lane     string
	Limit    int
}

// ListExecutionsResponse carries matching executions.
type ListExecutionsResponse struct {
	Executions []ExecutionView `json:"executions"`
}

func (c *ListExecutions) Execute(ctx context.Context, req ListExecutionsRequest) (*ListExecutionsResponse, error) {
	execs, err := c.Store.ListExecutions(ctx, store.ExecutionFilter{
		Pipeline: req.Pipeline,
		Status:   store.ExecutionStatus(req.Status),
		Lane:     req.Lane,
		Limit:    req.Limit,
	})
	if err != nil {
		return nil, err
	}
	views := make([]ExecutionView, len(execs))
	for i, exec := range execs {
		views[i] = NewExecutionView(exec)
	}
	return &ListExecutionsResponse{Executions: views}, nil
}

// ShowExecution returns one execution with its full event trail.
type ShowExecution struct {
	Store ExecutionReader
}

// ShowExecutionRequest names the execution to show.
type ShowExecutionRequest struct {
	ID string
}

// ShowExecutionResponse pairs the execution with its lifecycle events
// in append order.
type ShowExecutionResponse struct {
	Execution ExecutionView `json:"execution"`
	Events    []EventView   `json:"events"`
}

func (c *ShowExecution) Execute(ctx context.Context, req ShowExecutionRequest) (*ShowExecutionResponse, error) {
	exec, err := c.Store.GetExecution(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	events, err := c.Store.ListExecutionEvents(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	views := make([]EventView, len(events))
	for i, ev := range events {
		views[i] = NewEventView(ev)
	}
	return &ShowExecutionResponse{Execution: NewExecutionView(exec), Events: views}, nil
}

// CancelExecution requests a cooperative cancel of one execution.
type CancelExecution struct {
	Runtime Canceller
	Store   ExecutionReader
}

// CancelExecutionRequest names the execution and why it is stopping.
type CancelExecutionRequest struct {
	ID     string
	Reason string
}

// CancelExecutionResponse reports the resulting row. Cancelled is false
// when the execution had already reached a terminal state.
type CancelExecutionResponse struct {
	Execution ExecutionView `json:"execution"`
	Cancelled bool          `json:"cancelled"`
}

func (c *CancelExecution) Execute(ctx context.Context, req CancelExecutionRequest) (*CancelExecutionResponse, error) {
	reason := req.Reason
	if reason == "" {
		reason = "cancelled by operator"
	}
	cancelled, err := c.Runtime.Cancel(ctx, req.ID, reason)
	if err != nil {
		return nil, err
	}
	exec, err := c.Store.GetExecution(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	return &CancelExecutionResponse{Execution: NewExecutionView(exec), Cancelled: cancelled}, nil
}
