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
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ryansmccoy/spine/internal/store"
	spineerrors "github.com/ryansmccoy/spine/pkg/errors"
	"github.com/ryansmccoy/spine/pkg/pipeline"
)

// Cadences a backfill range can be cut into.
const (
	CadenceWeekly = "weekly"
	CadenceDaily  = "daily"
)

// maxPlanPeriods bounds a single plan so a fat-fingered range cannot
// flood the backlog.
const maxPlanPeriods = 500

// Planner expands operator backfill requests into a plan row plus one
// work item per period.
type Planner struct {
	store *store.Store
}

// NewPlanner returns a planner over the store.
func NewPlanner(st *store.Store) *Planner {
	return &Planner{store: st}
}

// PlanRequest describes a range backfill. RangeStart and RangeEnd are
// inclusive ISO dates. PeriodParam names the pipeline parameter stamped
// with each period; it defaults to week_ending for weekly plans and
// date for daily ones.
type PlanRequest struct {
	Pipeline    string
	Domain      string
	Params      map[string]any
	RangeStart  string
	RangeEnd    string
	Cadence     string
	PeriodParam string
	Lane        string
	Priority    int
}

// Plan validates the request, persists the plan, and enqueues one work
// item per period keyed (domain, pipeline, period). Periods already in
// the backlog are left untouched, so re-planning an overlapping range
// only adds the missing ones. The pump drains the items at the
// backfill lane's rate.
func (p *Planner) Plan(ctx context.Context, req PlanRequest) (*store.BackfillPlan, error) {
	if req.Pipeline == "" {
		return nil, &spineerrors.ValidationError{Field: "pipeline", Message: "pipeline is required"}
	}
	if req.Domain == "" {
		return nil, &spineerrors.ValidationError{Field: "domain", Message: "domain is required"}
	}
	periods, err := expandPeriods(req.RangeStart, req.RangeEnd, req.Cadence)
	if err != nil {
		return nil, err
	}

	plan := &store.BackfillPlan{
		ID:         uuid.NewString(),
		Pipeline:   req.Pipeline,
		Params:     req.Params,
		RangeStart: req.RangeStart,
		RangeEnd:   req.RangeEnd,
		Cadence:    req.Cadence,
		Lane:       req.Lane,
	}
	if err := p.store.CreateBackfillPlan(ctx, plan); err != nil {
		return nil, err
	}

	periodParam := req.PeriodParam
	if periodParam == "" {
		periodParam = defaultPeriodParam(req.Cadence)
	}
	for _, period := range periods {
		payload := map[string]any{
			"plan_id": plan.ID,
			"lane":    plan.Lane,
			"params":  periodParams(req.Params, periodParam, period),
		}
		if _, err := p.store.EnqueueWorkItem(ctx, &store.WorkItem{
			Domain:       req.Domain,
			Workflow:     req.Pipeline,
			PartitionKey: period,
			Priority:     req.Priority,
			Payload:      payload,
		}); err != nil {
			return nil, err
		}
	}

	if err := p.store.RecordBackfillProgress(ctx, plan.ID, len(periods), 0); err != nil {
		return nil, err
	}
	plan.TotalItems = len(periods)
	return plan, nil
}

func periodParams(base map[string]any, periodParam, period string) map[string]any {
	merged := make(map[string]any, len(base)+1)
	for k, v := range base {
		merged[k] = v
	}
	merged[periodParam] = period
	return merged
}

func defaultPeriodParam(cadence string) string {
	if cadence == CadenceDaily {
		return "date"
	}
	return "week_ending"
}

// expandPeriods cuts [start, end] into ISO dates stepping by the
// cadence. The range endpoints anchor the grid, so a weekly plan built
// from a Friday week-ending date yields consecutive Fridays.
func expandPeriods(start, end, cadence string) ([]string, error) {
	var stepDays int
	switch cadence {
	case CadenceWeekly:
		stepDays = 7
	case CadenceDaily:
		stepDays = 1
	default:
		return nil, &spineerrors.ValidationError{
			Field:      "cadence",
			Message:    fmt.Sprintf("unknown cadence %q", cadence),
			Suggestion: "use weekly or daily",
		}
	}

	from, err := time.Parse(pipeline.DateLayout, start)
	if err != nil {
		return nil, &spineerrors.ValidationError{
			Field:      "range_start",
			Message:    fmt.Sprintf("invalid date %q", start),
			Suggestion: "use YYYY-MM-DD",
		}
	}
	to, err := time.Parse(pipeline.DateLayout, end)
	if err != nil {
		return nil, &spineerrors.ValidationError{
			Field:      "range_end",
			Message:    fmt.Sprintf("invalid date %q", end),
			Suggestion: "use YYYY-MM-DD",
		}
	}
	if to.Before(from) {
		return nil, &spineerrors.ValidationError{
			Field:   "range_end",
			Message: "range_end is before range_start",
		}
	}

	var periods []string
	for t := from; !t.After(to); t = t.AddDate(0, 0, stepDays) {
		periods = append(periods, t.Format(pipeline.DateLayout))
		if len(periods) > maxPlanPeriods {
			return nil, &spineerrors.ValidationError{
				Field:   "range_end",
				Message: fmt.Sprintf("range expands to more than %d periods", maxPlanPeriods),
			}
		}
	}
	return periods, nil
}
