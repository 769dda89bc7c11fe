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

// Package bookkeeping implements the bookkeeping primitives over the
// store: manifest marks, rejects, anomalies, quality runs, readiness
// certification, watermarks, and backfill expansion. Sinks are bound to
// one execution at construction so every row they write carries the
// execution identity and capture stamp without the pipeline repeating
// them.
package bookkeeping

import (
	"context"
	"time"

	"github.com/ryansmccoy/spine/internal/store"
	"github.com/ryansmccoy/spine/pkg/pipeline"
)

// Binding is the execution identity stamped onto every bookkeeping row.
type Binding struct {
	ExecutionID string
	BatchID     string
	CapturedAt  time.Time
}

// Set bundles all sinks bound to one execution.
type Set struct {
	Manifest   *Manifest
	Rejects    *Rejects
	Anomalies  *Anomalies
	Quality    *Quality
	Readiness  *Readiness
	Watermarks *Watermarks
}

// NewSet binds the bookkeeping primitives to one execution.
func NewSet(st *store.Store, b Binding) *Set {
	return &Set{
		Manifest:   &Manifest{store: st, binding: b},
		Rejects:    &Rejects{store: st, binding: b},
		Anomalies:  &Anomalies{store: st, binding: b},
		Quality:    &Quality{store: st, binding: b},
		Readiness:  &Readiness{store: st, binding: b},
		Watermarks: &Watermarks{store: st, binding: b},
	}
}

// Attach wires the set's sinks into a pipeline run context.
func (s *Set) Attach(rc *pipeline.RunContext) {
	rc.Manifest = s.Manifest
	rc.Rejects = s.Rejects
	rc.Anomalies = s.Anomalies
	rc.Quality = s.Quality
	rc.Readiness = s.Readiness
	rc.Watermarks = s.Watermarks
}

// Manifest marks stage completion, enforcing stage-rank monotonicity
// through the store.
type Manifest struct {
	store   *store.Store
	binding Binding
}

var _ pipeline.ManifestSink = (*Manifest)(nil)

// Mark upserts one stage completion for a partition.
func (m *Manifest) Mark(ctx context.Context, mark pipeline.StageMark) error {
	batchID := mark.BatchID
	if batchID == "" {
		batchID = m.binding.BatchID
	}
	return m.store.MarkManifestStage(ctx, &store.ManifestEntry{
		Domain:       mark.Domain,
		PartitionKey: mark.PartitionKey,
		Stage:        mark.Stage,
		StageRank:    mark.Rank,
		RowCount:     mark.RowCount,
		Metrics:      mark.Metrics,
		CaptureID:    mark.CaptureID,
		ExecutionID:  m.binding.ExecutionID,
		BatchID:      batchID,
		CapturedAt:   m.binding.CapturedAt,
	}, mark.Replace)
}

// Rejects appends invalid source records.
type Rejects struct {
	store   *store.Store
	binding Binding
}

var _ pipeline.RejectSink = (*Rejects)(nil)

// Record appends one reject.
func (r *Rejects) Record(ctx context.Context, reject pipeline.RejectRecord) error {
	return r.store.AppendReject(ctx, &store.Reject{
		Domain:       reject.Domain,
		PartitionKey: reject.PartitionKey,
		Stage:        reject.Stage,
		ReasonCode:   reject.ReasonCode,
		ReasonDetail: reject.ReasonDetail,
		RecordKey:    reject.RecordKey,
		Raw:          reject.Raw,
		CaptureID:    reject.CaptureID,
		ExecutionID:  r.binding.ExecutionID,
		CapturedAt:   r.binding.CapturedAt,
	})
}

// Anomalies appends detected quality events.
type Anomalies struct {
	store   *store.Store
	binding Binding
}

var _ pipeline.AnomalySink = (*Anomalies)(nil)

// Record appends one anomaly.
func (a *Anomalies) Record(ctx context.Context, anomaly pipeline.AnomalyRecord) error {
	return a.store.AppendAnomaly(ctx, &store.Anomaly{
		Domain:          anomaly.Domain,
		Workflow:        anomaly.Workflow,
		PartitionKey:    anomaly.PartitionKey,
		Stage:           anomaly.Stage,
		Severity:        anomaly.Severity,
		Category:        anomaly.Category,
		Message:         anomaly.Message,
		Details:         anomaly.Details,
		AffectedRecords: anomaly.AffectedRecords,
		CaptureID:       anomaly.CaptureID,
		ExecutionID:     a.binding.ExecutionID,
	})
}
