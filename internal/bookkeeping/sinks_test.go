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

package bookkeeping

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ryansmccoy/spine/internal/config"
	"github.com/ryansmccoy/spine/internal/store"
	"github.com/ryansmccoy/spine/pkg/pipeline"
)

var testCapturedAt = time.Date(2025, 12, 19, 18, 0, 0, 0, time.UTC)

// createTestSet opens a SQLite-backed store and binds a sink set to a
// fixed execution identity.
func createTestSet(t *testing.T) (*store.Store, *Set) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "spine.db")
	st, err := store.Open(context.Background(), config.DatabaseConfig{Path: dbPath})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	set := NewSet(st, Binding{
		ExecutionID: "exec-1",
		BatchID:     "batch-1",
		CapturedAt:  testCapturedAt,
	})
	return st, set
}

func TestAttach_WiresEverySink(t *testing.T) {
	_, set := createTestSet(t)

	rc := &pipeline.RunContext{}
	set.Attach(rc)

	if rc.Manifest == nil || rc.Rejects == nil || rc.Anomalies == nil {
		t.Fatal("expected manifest, reject, and anomaly sinks to be attached")
	}
	if rc.Quality == nil || rc.Readiness == nil || rc.Watermarks == nil {
		t.Fatal("expected quality, readiness, and watermark sinks to be attached")
	}
}

func TestManifestSink_StampsExecutionIdentity(t *testing.T) {
	st, set := createTestSet(t)
	ctx := context.Background()

	err := set.Manifest.Mark(ctx, pipeline.StageMark{
		Domain:       "finra.otc",
		PartitionKey: "NMS_TIER_1:2025-12-19",
		Stage:        "INGESTED",
		Rank:         1,
		RowCount:     25000,
		Metrics:      map[string]any{"symbols": float64(4100)},
		CaptureID:    "finra.otc:NMS_TIER_1:2025-12-19:a1b2c3",
	})
	if err != nil {
		t.Fatalf("failed to mark stage: %v", err)
	}

	entry, err := st.GetManifestStage(ctx, "finra.otc", "NMS_TIER_1:2025-12-19", "INGESTED")
	if err != nil {
		t.Fatalf("failed to load manifest entry: %v", err)
	}
	if entry.ExecutionID != "exec-1" {
		t.Errorf("expected execution_id exec-1, got %q", entry.ExecutionID)
	}
	if entry.BatchID != "batch-1" {
		t.Errorf("expected bound batch_id, got %q", entry.BatchID)
	}
	if !entry.CapturedAt.Equal(testCapturedAt) {
		t.Errorf("expected captured_at %v, got %v", testCapturedAt, entry.CapturedAt)
	}
	if entry.RowCount != 25000 {
		t.Errorf("expected row count 25000, got %d", entry.RowCount)
	}

	// An explicit batch id on the mark wins over the bound one.
	err = set.Manifest.Mark(ctx, pipeline.StageMark{
		Domain:       "finra.otc",
		PartitionKey: "NMS_TIER_1:2025-12-19",
		Stage:        "SUMMARIZED",
		Rank:         2,
		BatchID:      "batch-override",
	})
	if err != nil {
		t.Fatalf("failed to mark second stage: %v", err)
	}
	entry, err = st.GetManifestStage(ctx, "finra.otc", "NMS_TIER_1:2025-12-19", "SUMMARIZED")
	if err != nil {
		t.Fatalf("failed to load second entry: %v", err)
	}
	if entry.BatchID != "batch-override" {
		t.Errorf("expected overridden batch_id, got %q", entry.BatchID)
	}
}

func TestRejectSink_AppendsWithIdentity(t *testing.T) {
	st, set := createTestSet(t)
	ctx := context.Background()

	err := set.Rejects.Record(ctx, pipeline.RejectRecord{
		Domain:       "finra.otc",
		PartitionKey: "NMS_TIER_1:2025-12-19",
		Stage:        "INGESTED",
		ReasonCode:   "BAD_SYMBOL",
		ReasonDetail: "symbol contains whitespace",
		RecordKey:    "row-4187",
		Raw:          map[string]any{"symbol": "AC ME", "shares": float64(1200)},
		CaptureID:    "finra.otc:NMS_TIER_1:2025-12-19:a1b2c3",
	})
	if err != nil {
		t.Fatalf("failed to record reject: %v", err)
	}

	rejects, err := st.ListRejects(ctx, "finra.otc", "NMS_TIER_1:2025-12-19", 0)
	if err != nil {
		t.Fatalf("failed to list rejects: %v", err)
	}
	if len(rejects) != 1 {
		t.Fatalf("expected 1 reject, got %d", len(rejects))
	}
	if rejects[0].ExecutionID != "exec-1" {
		t.Errorf("expected stamped execution_id, got %q", rejects[0].ExecutionID)
	}
	if rejects[0].ReasonCode != "BAD_SYMBOL" {
		t.Errorf("expected reason code BAD_SYMBOL, got %q", rejects[0].ReasonCode)
	}
	if rejects[0].Raw["symbol"] != "AC ME" {
		t.Errorf("expected raw record round-trip, got %v", rejects[0].Raw)
	}
}

func TestAnomalySink_AppendsWithIdentity(t *testing.T) {
	st, set := createTestSet(t)
	ctx := context.Background()

	err := set.Anomalies.Record(ctx, pipeline.AnomalyRecord{
		Domain:          "finra.otc",
		PartitionKey:    "NMS_TIER_1:2025-12-19",
		Stage:           "SUMMARIZED",
		Severity:        pipeline.SeverityError,
		Category:        "VOLUME_DROP",
		Message:         "weekly volume fell 62% against trailing median",
		Details:         map[string]any{"drop_pct": float64(62)},
		AffectedRecords: 4100,
	})
	if err != nil {
		t.Fatalf("failed to record anomaly: %v", err)
	}

	anomalies, err := st.ListAnomalies(ctx, store.AnomalyFilter{Domain: "finra.otc", Unresolved: true})
	if err != nil {
		t.Fatalf("failed to list anomalies: %v", err)
	}
	if len(anomalies) != 1 {
		t.Fatalf("expected 1 anomaly, got %d", len(anomalies))
	}
	if anomalies[0].ExecutionID != "exec-1" {
		t.Errorf("expected stamped execution_id, got %q", anomalies[0].ExecutionID)
	}
	if anomalies[0].Severity != store.SeverityError {
		t.Errorf("expected severity ERROR, got %q", anomalies[0].Severity)
	}
	if anomalies[0].AffectedRecords != 4100 {
		t.Errorf("expected affected records 4100, got %d", anomalies[0].AffectedRecords)
	}
}
