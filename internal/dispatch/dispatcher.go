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

// Package dispatch admits pipeline submissions into the execution
// ledger and routes them to an executor. Admission is where idempotency
// keys dedup, logical keys collide, and lanes are assigned; everything
// after admission is the ledger's state machine.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ryansmccoy/spine/internal/metrics"
	"github.com/ryansmccoy/spine/internal/store"
	"github.com/ryansmccoy/spine/pkg/pipeline"
)

// Dispatch lanes. Realtime work is claimed before other lanes; backfill
// starts are rate-limited by the pooled executor.
const (
	LaneNormal   = "normal"
	LaneRealtime = "realtime"
	LaneBackfill = "backfill"
)

// Submission is one request to run a pipeline.
type Submission struct {
	Pipeline          string
	Params            map[string]any
	Lane              string
	TriggerSource     string
	LogicalKey        string
	IdempotencyKey    string
	ParentExecutionID string
	ScheduleRunID     string

	// DryRun validates and normalizes without admitting anything.
	DryRun bool
}

// Defaults are the execution knobs stamped onto admissions that don't
// specify their own.
type Defaults struct {
	MaxAttempts int
	Timeout     time.Duration
}

// Executor runs or enqueues an admitted execution. The inline executor
// returns the execution in a terminal status; the pooled executor
// returns it queued.
type Executor interface {
	Execute(ctx context.Context, exec *store.Execution) (*store.Execution, error)
}

// Dispatcher validates, deduplicates, and admits submissions.
type Dispatcher struct {
	store      *store.Store
	registry   *pipeline.Registry
	executor   Executor
	normalizer Normalizer
	defaults   Defaults
	log        *slog.Logger
}

// New returns a dispatcher. A nil normalizer gets the standard one.
func New(st *store.Store, reg *pipeline.Registry, exec Executor, norm Normalizer, defaults Defaults, log *slog.Logger) *Dispatcher {
	if norm == nil {
		norm = NewStandardNormalizer(nil)
	}
	if defaults.MaxAttempts <= 0 {
		defaults.MaxAttempts = 3
	}
	return &Dispatcher{
		store:      st,
		registry:   reg,
		executor:   exec,
		normalizer: norm,
		defaults:   defaults,
		log:        log,
	}
}

// Submit admits one execution. The returned execution reflects how far
// the executor took it: terminal for the inline executor, queued for
// the pool, synthetic (empty id, no row) for dry runs.
//
// Duplicate idempotency keys return the already-admitted execution
// without running anything again; an active execution holding the same
// logical key fails admission with a ConflictError naming the
// incumbent.
func (d *Dispatcher) Submit(ctx context.Context, sub Submission) (*store.Execution, error) {
	p, err := d.registry.Get(sub.Pipeline)
	if err != nil {
		return nil, err
	}
	detail := p.Describe()

	validated, err := detail.ValidateParams(sub.Params)
	if err != nil {
		return nil, err
	}
	normalized := d.normalizer.Normalize(sub.Pipeline, validated)

	logicalKey := sub.LogicalKey
	if logicalKey == "" {
		logicalKey = LogicalKey(sub.Pipeline, normalized)
	}
	lane := sub.Lane
	if lane == "" {
		lane = LaneNormal
	}

	if sub.DryRun {
		return &store.Execution{
			Pipeline:   sub.Pipeline,
			Params:     normalized,
			LogicalKey: logicalKey,
			Lane:       lane,
		}, nil
	}

	exec := &store.Execution{
		ID:                ulid.Make().String(),
		Pipeline:          sub.Pipeline,
		Params:            normalized,
		LogicalKey:        logicalKey,
		IdempotencyKey:    sub.IdempotencyKey,
		Lane:              lane,
		TriggerSource:     sub.TriggerSource,
		MaxAttempts:       d.defaults.MaxAttempts,
		ParentExecutionID: sub.ParentExecutionID,
		ScheduleRunID:     sub.ScheduleRunID,
		TimeoutSeconds:    int(d.defaults.Timeout.Seconds()),
	}

	created, isNew, err := d.store.CreateExecution(ctx, exec)
	if err != nil {
		return nil, err
	}
	if !isNew {
		metrics.RecordDuplicate(sub.Pipeline)
		d.log.Info("submission deduplicated",
			"pipeline", sub.Pipeline,
			"idempotency_key", sub.IdempotencyKey,
			"execution_id", created.ID)
		return created, nil
	}

	metrics.RecordSubmitted(sub.Pipeline, lane, sub.TriggerSource)
	d.log.Info("execution admitted",
		"execution_id", created.ID,
		"pipeline", sub.Pipeline,
		"lane", lane,
		"logical_key", logicalKey,
		"trigger_source", sub.TriggerSource)

	return d.executor.Execute(ctx, created)
}

// Status loads an execution by id.
func (d *Dispatcher) Status(ctx context.Context, id string) (*store.Execution, error) {
	return d.store.GetExecution(ctx, id)
}

// Registry exposes the pipeline catalog for the read surfaces.
func (d *Dispatcher) Registry() *pipeline.Registry {
	return d.registry
}
