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

	"github.com/ryansmccoy/spine/internal/dispatch"
	"github.com/ryansmccoy/spine/internal/store"
)

// Submitter admits pipeline runs. Satisfied by *dispatch.Dispatcher.
type Submitter interface {
	Submit(ctx context.Context, sub dispatch.Submission) (*store.Execution, error)
}

// RunPipeline validates, normalizes and admits one pipeline run.
type RunPipeline struct {
	Dispatcher Submitter
}

// RunPipelineRequest carries caller-supplied parameters verbatim; the
// dispatcher validates and normalizes them.
type RunPipelineRequest struct {
	Name          string         `json:"name"`
	Params        map[string]any `json:"params,omitempty"`
	Lane          string         `json:"lane,omitempty"`
	DryRun        bool           `json:"dry_run,omitempty"`
	TriggerSource string         `json:"trigger_source,omitempty"`
}

// RunPipelineResponse reports the admitted (or replayed) execution.
type RunPipelineResponse struct {
	Execution ExecutionView `json:"execution"`
}

func (c *RunPipeline) Execute(ctx context.Context, req RunPipelineRequest) (*RunPipelineResponse, error) {
	trigger := req.TriggerSource
	if trigger == "" {
		trigger = "manual"
	}
	exec, err := c.Dispatcher.Submit(ctx, dispatch.Submission{
		Pipeline:      req.Name,
		Params:        req.Params,
		Lane:          req.Lane,
		TriggerSource: trigger,
		DryRun:        req.DryRun,
	})
	if err != nil {
		return nil, err
	}
	return &RunPipelineResponse{Execution: NewExecutionView(exec)}, nil
}
