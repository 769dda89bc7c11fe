package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	spineerrors "github.com/ryansmccoy/spine/pkg/errors"
)

func TestNewCapture_DeterministicPerSeed(t *testing.T) {
	a := &RunContext{ExecutionID: "exec-1", CaptureSeed: "finra.otc_ingest:aaaa00000001"}
	b := &RunContext{ExecutionID: "exec-2", CaptureSeed: "finra.otc_ingest:aaaa00000001"}

	// A retry (same seed, different execution) reproduces the id.
	got := a.NewCapture("finra.otc_transparency", "NMS_TIER_1", "2025-12-19")
	if got != b.NewCapture("finra.otc_transparency", "NMS_TIER_1", "2025-12-19") {
		t.Error("expected same capture id for same seed")
	}

	// A distinct submission forks a new capture.
	c := &RunContext{ExecutionID: "exec-3", CaptureSeed: "finra.otc_ingest:bbbb00000002"}
	if got == c.NewCapture("finra.otc_transparency", "NMS_TIER_1", "2025-12-19") {
		t.Error("expected different capture id for different seed")
	}

	// Shape: domain:tier:partition:6-hex.
	want := "finra.otc_transparency:NMS_TIER_1:2025-12-19:"
	if len(got) != len(want)+6 || got[:len(want)] != want {
		t.Errorf("unexpected capture id %q", got)
	}

	// Without a seed the execution id anchors identity.
	d := &RunContext{ExecutionID: "exec-4"}
	e := &RunContext{ExecutionID: "exec-4"}
	if d.NewCapture("x", "t", "p") != e.NewCapture("x", "t", "p") {
		t.Error("expected execution id fallback to be stable")
	}
}

// recordingAnomalySink captures records for assertions.
type recordingAnomalySink struct {
	records []AnomalyRecord
}

func (s *recordingAnomalySink) Record(_ context.Context, a AnomalyRecord) error {
	s.records = append(s.records, a)
	return nil
}

func historyTestContext(t *testing.T) (*RunContext, *recordingAnomalySink) {
	t.Helper()

	db, err := sqlx.Open("sqlite", filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	if _, err := db.Exec(`CREATE TABLE finra_otc_weekly (
		tier TEXT NOT NULL,
		week_ending TEXT NOT NULL,
		shares INTEGER NOT NULL
	)`); err != nil {
		t.Fatalf("failed to create fixture table: %v", err)
	}
	for _, week := range []string{"2025-11-28", "2025-12-05", "2025-12-12", "2025-12-19"} {
		if _, err := db.Exec(
			`INSERT INTO finra_otc_weekly (tier, week_ending, shares) VALUES (?, ?, ?)`,
			"NMS_TIER_1", week, 100); err != nil {
			t.Fatalf("failed to insert fixture row: %v", err)
		}
	}

	sink := &recordingAnomalySink{}
	return &RunContext{DB: db, ExecutionID: "exec-1", Anomalies: sink}, sink
}

func TestRequireHistoryWindow_Satisfied(t *testing.T) {
	rc, sink := historyTestContext(t)

	weeks, err := rc.RequireHistoryWindow(context.Background(), HistoryWindow{
		Table:           "finra_otc_weekly",
		WeekColumn:      "week_ending",
		PartitionColumn: "tier",
		PartitionValue:  "NMS_TIER_1",
		EndWeek:         "2025-12-19",
		Weeks:           4,
	})
	if err != nil {
		t.Fatalf("expected window satisfied: %v", err)
	}
	if len(weeks) != 4 {
		t.Fatalf("expected 4 weeks, got %d", len(weeks))
	}
	if weeks[0] != "2025-11-28" || weeks[3] != "2025-12-19" {
		t.Errorf("expected chronological order, got %v", weeks)
	}
	if len(sink.records) != 0 {
		t.Errorf("expected no anomaly, got %+v", sink.records)
	}
}

func TestRequireHistoryWindow_ShortWindowRecordsAnomaly(t *testing.T) {
	rc, sink := historyTestContext(t)

	weeks, err := rc.RequireHistoryWindow(context.Background(), HistoryWindow{
		Table:           "finra_otc_weekly",
		WeekColumn:      "week_ending",
		PartitionColumn: "tier",
		PartitionValue:  "NMS_TIER_1",
		EndWeek:         "2025-12-19",
		Weeks:           8,
	})
	var ve *spineerrors.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	// The valid subset comes back for degraded computation.
	if len(weeks) != 4 {
		t.Errorf("expected 4-week partial window, got %d", len(weeks))
	}
	if len(sink.records) != 1 {
		t.Fatalf("expected 1 anomaly, got %d", len(sink.records))
	}
	a := sink.records[0]
	if a.Severity != SeverityError || a.Category != "INSUFFICIENT_HISTORY" {
		t.Errorf("unexpected anomaly %+v", a)
	}
}

func TestRequireHistoryWindow_RejectsBadIdentifiers(t *testing.T) {
	rc, _ := historyTestContext(t)

	_, err := rc.RequireHistoryWindow(context.Background(), HistoryWindow{
		Table:           "finra_otc_weekly; DROP TABLE x",
		WeekColumn:      "week_ending",
		PartitionColumn: "tier",
		PartitionValue:  "NMS_TIER_1",
		EndWeek:         "2025-12-19",
		Weeks:           1,
	})
	var ve *spineerrors.ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("expected ValidationError for malformed table, got %v", err)
	}
}
