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
	"errors"
	"testing"

	"github.com/ryansmccoy/spine/internal/store"
	spineerrors "github.com/ryansmccoy/spine/pkg/errors"
)

func TestPlan_ExpandsWeeklyRangeIntoWorkItems(t *testing.T) {
	st, _ := createTestSet(t)
	ctx := context.Background()
	planner := NewPlanner(st)

	plan, err := planner.Plan(ctx, PlanRequest{
		Pipeline:   "finra_otc_ingest",
		Domain:     "finra.otc",
		Params:     map[string]any{"tier": "NMS_TIER_1"},
		RangeStart: "2025-11-28",
		RangeEnd:   "2025-12-19",
		Cadence:    CadenceWeekly,
		Priority:   5,
	})
	if err != nil {
		t.Fatalf("failed to plan backfill: %v", err)
	}
	if plan.TotalItems != 4 {
		t.Errorf("expected 4 periods, got %d", plan.TotalItems)
	}
	if plan.Lane != "backfill" {
		t.Errorf("expected default backfill lane, got %q", plan.Lane)
	}

	stored, err := st.GetBackfillPlan(ctx, plan.ID)
	if err != nil {
		t.Fatalf("failed to load plan: %v", err)
	}
	if stored.Status != store.BackfillPlanned {
		t.Errorf("expected planned status, got %q", stored.Status)
	}
	if stored.TotalItems != 4 || stored.SubmittedItems != 0 {
		t.Errorf("expected counters 4/0, got %d/%d", stored.TotalItems, stored.SubmittedItems)
	}

	items, err := st.ListWorkItems(ctx, "finra_otc_ingest", store.WorkItemPending, 0)
	if err != nil {
		t.Fatalf("failed to list work items: %v", err)
	}
	if len(items) != 4 {
		t.Fatalf("expected 4 work items, got %d", len(items))
	}
	wantWeeks := []string{"2025-11-28", "2025-12-05", "2025-12-12", "2025-12-19"}
	for i, item := range items {
		if item.PartitionKey != wantWeeks[i] {
			t.Errorf("item %d: expected partition %s, got %s", i, wantWeeks[i], item.PartitionKey)
		}
		if item.Priority != 5 {
			t.Errorf("item %d: expected priority 5, got %d", i, item.Priority)
		}
		if item.Payload["plan_id"] != plan.ID {
			t.Errorf("item %d: expected plan id in payload, got %v", i, item.Payload["plan_id"])
		}
		params, ok := item.Payload["params"].(map[string]any)
		if !ok {
			t.Fatalf("item %d: expected params payload, got %v", i, item.Payload)
		}
		if params["tier"] != "NMS_TIER_1" {
			t.Errorf("item %d: expected base params carried, got %v", i, params)
		}
		if params["week_ending"] != item.PartitionKey {
			t.Errorf("item %d: expected week_ending %s, got %v", i, item.PartitionKey, params["week_ending"])
		}
	}
}

func TestPlan_OverlappingRangeOnlyAddsMissingPeriods(t *testing.T) {
	st, _ := createTestSet(t)
	ctx := context.Background()
	planner := NewPlanner(st)

	first, err := planner.Plan(ctx, PlanRequest{
		Pipeline:   "finra_otc_ingest",
		Domain:     "finra.otc",
		RangeStart: "2025-11-28",
		RangeEnd:   "2025-12-19",
		Cadence:    CadenceWeekly,
	})
	if err != nil {
		t.Fatalf("failed to plan first range: %v", err)
	}

	second, err := planner.Plan(ctx, PlanRequest{
		Pipeline:   "finra_otc_ingest",
		Domain:     "finra.otc",
		RangeStart: "2025-12-12",
		RangeEnd:   "2025-12-26",
		Cadence:    CadenceWeekly,
	})
	if err != nil {
		t.Fatalf("failed to plan overlapping range: %v", err)
	}
	if first.TotalItems != 4 || second.TotalItems != 3 {
		t.Errorf("expected totals 4 and 3, got %d and %d", first.TotalItems, second.TotalItems)
	}

	// 2025-12-12 and 2025-12-19 already existed, only 2025-12-26 is new.
	items, err := st.ListWorkItems(ctx, "finra_otc_ingest", store.WorkItemPending, 0)
	if err != nil {
		t.Fatalf("failed to list work items: %v", err)
	}
	if len(items) != 5 {
		t.Errorf("expected 5 distinct work items, got %d", len(items))
	}
}

func TestPlan_DailyCadenceUsesDateParam(t *testing.T) {
	st, _ := createTestSet(t)
	ctx := context.Background()
	planner := NewPlanner(st)

	plan, err := planner.Plan(ctx, PlanRequest{
		Pipeline:   "finra_otc_daily",
		Domain:     "finra.otc",
		RangeStart: "2025-12-01",
		RangeEnd:   "2025-12-03",
		Cadence:    CadenceDaily,
		Lane:       "normal",
	})
	if err != nil {
		t.Fatalf("failed to plan daily backfill: %v", err)
	}
	if plan.TotalItems != 3 {
		t.Errorf("expected 3 periods, got %d", plan.TotalItems)
	}
	if plan.Lane != "normal" {
		t.Errorf("expected requested lane kept, got %q", plan.Lane)
	}

	items, err := st.ListWorkItems(ctx, "finra_otc_daily", store.WorkItemPending, 0)
	if err != nil {
		t.Fatalf("failed to list work items: %v", err)
	}
	params := items[0].Payload["params"].(map[string]any)
	if params["date"] != "2025-12-01" {
		t.Errorf("expected date param for daily cadence, got %v", params)
	}
}

func TestExpandPeriods_Validation(t *testing.T) {
	tests := []struct {
		name      string
		start     string
		end       string
		cadence   string
		wantField string
		wantLen   int
	}{
		{name: "weekly range", start: "2025-11-28", end: "2025-12-19", cadence: CadenceWeekly, wantLen: 4},
		{name: "single period", start: "2025-12-19", end: "2025-12-19", cadence: CadenceWeekly, wantLen: 1},
		{name: "daily range", start: "2025-12-01", end: "2025-12-03", cadence: CadenceDaily, wantLen: 3},
		{name: "unknown cadence", start: "2025-12-01", end: "2025-12-03", cadence: "monthly", wantField: "cadence"},
		{name: "bad start", start: "12/01/2025", end: "2025-12-03", cadence: CadenceDaily, wantField: "range_start"},
		{name: "bad end", start: "2025-12-01", end: "someday", cadence: CadenceDaily, wantField: "range_end"},
		{name: "inverted range", start: "2025-12-03", end: "2025-12-01", cadence: CadenceDaily, wantField: "range_end"},
		{name: "oversized range", start: "2020-01-01", end: "2025-12-31", cadence: CadenceDaily, wantField: "range_end"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			periods, err := expandPeriods(tt.start, tt.end, tt.cadence)
			if tt.wantField != "" {
				var verr *spineerrors.ValidationError
				if !errors.As(err, &verr) {
					t.Fatalf("expected ValidationError, got %v", err)
				}
				if verr.Field != tt.wantField {
					t.Errorf("expected field %s, got %s", tt.wantField, verr.Field)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(periods) != tt.wantLen {
				t.Errorf("expected %d periods, got %d", tt.wantLen, len(periods))
			}
		})
	}
}
