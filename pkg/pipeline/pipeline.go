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

// Package pipeline defines the contract between the orchestration core and
// the units of work it runs. A pipeline is a named value that describes its
// parameters and executes one fetch-parse-validate-write unit against the
// RunContext the runtime hands it. Implementations live outside the core;
// the core only ever sees this interface.
package pipeline

import "context"

// Pipeline is one registered unit of work.
type Pipeline interface {
	// Name returns the unique pipeline name, conventionally
	// "domain.action" (e.g. "finra.otc_transparency.ingest_week").
	Name() string

	// Describe returns the pipeline's parameter contract and traits.
	Describe() Detail

	// Run executes one unit of work. Implementations return a typed
	// error from pkg/errors on failure; the runtime classifies it for
	// retry and bookkeeping.
	Run(ctx context.Context, params Params, rc *RunContext) (*Result, error)
}

// Detail is the static description of a pipeline, returned by Describe
// and surfaced by the describe command and the HTTP pipeline listing.
type Detail struct {
	// Name is the unique pipeline name.
	Name string `json:"name"`

	// Description is a one-line human summary.
	Description string `json:"description,omitempty"`

	// RequiredParams must all be present at submission.
	RequiredParams []ParamDef `json:"required_params,omitempty"`

	// OptionalParams are filled from their defaults when absent.
	OptionalParams []ParamDef `json:"optional_params,omitempty"`

	// IsIngest marks pipelines that capture external data and therefore
	// participate in the capture discipline.
	IsIngest bool `json:"is_ingest"`

	// ExclusiveKey, when set, is a template like
	// "finra.otc:{tier}:{week_ending}" expanded against the validated
	// params. Executions sharing the expanded key are serialized by the
	// dispatcher through a concurrency lock.
	ExclusiveKey string `json:"exclusive_key,omitempty"`
}

// Params returns required and optional definitions as one list.
func (d Detail) Params() []ParamDef {
	out := make([]ParamDef, 0, len(d.RequiredParams)+len(d.OptionalParams))
	out = append(out, d.RequiredParams...)
	out = append(out, d.OptionalParams...)
	return out
}

// Result is what a pipeline hands back on success.
type Result struct {
	// Metrics carries row counts and other small numbers worth
	// persisting on the execution (e.g. records, inserted, rejected).
	Metrics map[string]any `json:"metrics,omitempty"`

	// CaptureIDs lists every capture this invocation wrote.
	CaptureIDs []string `json:"capture_ids,omitempty"`

	// IngestResolution optionally records how an ingest resolved its
	// input (source URL, file digest, picked week).
	IngestResolution map[string]any `json:"ingest_resolution,omitempty"`
}

// AddMetric records one named metric, allocating the map on first use.
func (r *Result) AddMetric(name string, value any) {
	if r.Metrics == nil {
		r.Metrics = make(map[string]any)
	}
	r.Metrics[name] = value
}

// AddCapture records a capture id written during the run.
func (r *Result) AddCapture(id string) {
	r.CaptureIDs = append(r.CaptureIDs, id)
}

// Func adapts a bare function into a Pipeline. Intended for tests and
// for small pipelines that need no state of their own.
type Func struct {
	Detail  Detail
	RunFunc func(ctx context.Context, params Params, rc *RunContext) (*Result, error)
}

// Name implements Pipeline.
func (f *Func) Name() string { return f.Detail.Name }

// Describe implements Pipeline.
func (f *Func) Describe() Detail { return f.Detail }

// Run implements Pipeline.
func (f *Func) Run(ctx context.Context, params Params, rc *RunContext) (*Result, error) {
	return f.RunFunc(ctx, params, rc)
}
