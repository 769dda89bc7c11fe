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
	"testing"

	"github.com/ryansmccoy/spine/internal/store"
	"github.com/ryansmccoy/spine/pkg/pipeline"
)

func TestCertify_RequiresStagesAndNoCriticals(t *testing.T) {
	st, set := createTestSet(t)
	ctx := context.Background()

	const domain = "finra.otc"
	const partition = "NMS_TIER_1:2025-12-19"
	stages := []string{"INGESTED", "SUMMARIZED"}

	for rank, stage := range stages {
		err := set.Manifest.Mark(ctx, pipeline.StageMark{
			Domain: domain, PartitionKey: partition, Stage: stage, Rank: rank + 1,
		})
		if err != nil {
			t.Fatalf("failed to mark %s: %v", stage, err)
		}
	}

	certified, err := set.Readiness.Certify(ctx, domain, partition, "reporting", stages)
	if err != nil {
		t.Fatalf("failed to certify: %v", err)
	}
	if !certified {
		t.Fatal("expected partition with complete stages to certify")
	}
	readiness, err := st.GetDataReadiness(ctx, domain, partition, "reporting")
	if err != nil {
		t.Fatalf("failed to load readiness: %v", err)
	}
	if !readiness.Certified || !readiness.NoCriticalAnomalies || !readiness.AllStagesComplete {
		t.Errorf("expected all flags set, got %+v", readiness)
	}
	if readiness.CertifiedAt.IsZero() {
		t.Error("expected certified_at to be stamped")
	}
	if readiness.ExecutionID != "exec-1" {
		t.Errorf("expected stamped execution_id, got %q", readiness.ExecutionID)
	}

	// An open CRITICAL anomaly withdraws certification on the next pass.
	err = set.Anomalies.Record(ctx, pipeline.AnomalyRecord{
		Domain: domain, PartitionKey: partition,
		Severity: pipeline.SeverityCritical, Category: "VOLUME_DROP",
		Message: "volume fell below floor",
	})
	if err != nil {
		t.Fatalf("failed to record anomaly: %v", err)
	}
	certified, err = set.Readiness.Certify(ctx, domain, partition, "reporting", stages)
	if err != nil {
		t.Fatalf("failed to re-certify: %v", err)
	}
	if certified {
		t.Fatal("expected open critical anomaly to block certification")
	}
	readiness, err = st.GetDataReadiness(ctx, domain, partition, "reporting")
	if err != nil {
		t.Fatalf("failed to reload readiness: %v", err)
	}
	if readiness.Certified || readiness.NoCriticalAnomalies {
		t.Errorf("expected critical flag cleared, got %+v", readiness)
	}
	if !readiness.AllStagesComplete {
		t.Error("expected stage flag to survive the anomaly")
	}
	if !readiness.CertifiedAt.IsZero() {
		t.Error("expected certified_at cleared while blocked")
	}

	// Resolving the anomaly restores readiness, but a missing required
	// stage still blocks.
	anomalies, err := st.ListAnomalies(ctx, store.AnomalyFilter{Domain: domain, Unresolved: true})
	if err != nil {
		t.Fatalf("failed to list anomalies: %v", err)
	}
	if err := st.ResolveAnomaly(ctx, anomalies[0].ID); err != nil {
		t.Fatalf("failed to resolve anomaly: %v", err)
	}
	certified, err = set.Readiness.Certify(ctx, domain, partition, "reporting",
		[]string{"INGESTED", "SUMMARIZED", "ROLLED_UP"})
	if err != nil {
		t.Fatalf("failed to certify with extra stage: %v", err)
	}
	if certified {
		t.Fatal("expected missing required stage to block certification")
	}
	readiness, err = st.GetDataReadiness(ctx, domain, partition, "reporting")
	if err != nil {
		t.Fatalf("failed to reload readiness: %v", err)
	}
	if !readiness.NoCriticalAnomalies || readiness.AllStagesComplete {
		t.Errorf("expected only the stage flag cleared, got %+v", readiness)
	}
}

func TestWatermarkAdvance_ForcedRegressionLeavesAnomaly(t *testing.T) {
	st, set := createTestSet(t)
	ctx := context.Background()

	const domain = "finra.otc"
	const partition = "NMS_TIER_1"

	advanced, err := set.Watermarks.Advance(ctx, domain, "finra", partition, "2025-12-19", false)
	if err != nil {
		t.Fatalf("failed to advance watermark: %v", err)
	}
	if !advanced {
		t.Fatal("expected initial advance to succeed")
	}

	// A plain regression is refused and leaves no trace.
	advanced, err = set.Watermarks.Advance(ctx, domain, "finra", partition, "2025-12-12", false)
	if err != nil {
		t.Fatalf("failed on refused advance: %v", err)
	}
	if advanced {
		t.Fatal("expected unforced regression to be refused")
	}
	anomalies, err := st.ListAnomalies(ctx, store.AnomalyFilter{Domain: domain})
	if err != nil {
		t.Fatalf("failed to list anomalies: %v", err)
	}
	if len(anomalies) != 0 {
		t.Fatalf("expected no anomaly for refused advance, got %d", len(anomalies))
	}

	// Forcing the rewind moves the cursor and records a WARN for audit.
	advanced, err = set.Watermarks.Advance(ctx, domain, "finra", partition, "2025-12-12", true)
	if err != nil {
		t.Fatalf("failed to force advance: %v", err)
	}
	if !advanced {
		t.Fatal("expected forced regression to apply")
	}
	mark, err := st.GetWatermark(ctx, domain, "finra", partition)
	if err != nil {
		t.Fatalf("failed to load watermark: %v", err)
	}
	if mark.HighValue != "2025-12-12" {
		t.Errorf("expected rewound high value, got %q", mark.HighValue)
	}
	anomalies, err = st.ListAnomalies(ctx, store.AnomalyFilter{Domain: domain})
	if err != nil {
		t.Fatalf("failed to list anomalies: %v", err)
	}
	if len(anomalies) != 1 {
		t.Fatalf("expected 1 regression anomaly, got %d", len(anomalies))
	}
	if anomalies[0].Severity != store.SeverityWarn {
		t.Errorf("expected WARN severity, got %q", anomalies[0].Severity)
	}
	if anomalies[0].Category != "WATERMARK_REGRESSION" {
		t.Errorf("expected WATERMARK_REGRESSION category, got %q", anomalies[0].Category)
	}
	if anomalies[0].Details["from_high"] != "2025-12-19" || anomalies[0].Details["to_high"] != "2025-12-12" {
		t.Errorf("expected both values in details, got %v", anomalies[0].Details)
	}

	// Forcing a forward move is not a regression and stays silent.
	advanced, err = set.Watermarks.Advance(ctx, domain, "finra", partition, "2025-12-26", true)
	if err != nil {
		t.Fatalf("failed on forced forward advance: %v", err)
	}
	if !advanced {
		t.Fatal("expected forced forward advance to apply")
	}
	anomalies, err = st.ListAnomalies(ctx, store.AnomalyFilter{Domain: domain})
	if err != nil {
		t.Fatalf("failed to list anomalies: %v", err)
	}
	if len(anomalies) != 1 {
		t.Errorf("expected no new anomaly for forward force, got %d", len(anomalies))
	}

	// First advance on an unseen cursor with force set has nothing to
	// regress against.
	advanced, err = set.Watermarks.Advance(ctx, domain, "finra", "NMS_TIER_2", "2025-12-19", true)
	if err != nil {
		t.Fatalf("failed on first forced advance: %v", err)
	}
	if !advanced {
		t.Fatal("expected first advance to succeed")
	}
	anomalies, err = st.ListAnomalies(ctx, store.AnomalyFilter{Domain: domain})
	if err != nil {
		t.Fatalf("failed to list anomalies: %v", err)
	}
	if len(anomalies) != 1 {
		t.Errorf("expected no anomaly for fresh cursor, got %d", len(anomalies))
	}
}
