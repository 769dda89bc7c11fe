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
	"time"

	"github.com/ryansmccoy/spine/internal/store"
)

// ScheduleStore is the slice of the store schedule commands need.
type ScheduleStore interface {
	ListSchedules(ctx context.Context) ([]*store.Schedule, error)
	GetScheduleByName(ctx context.Context, name string) (*store.Schedule, error)
	SetScheduleEnabled(ctx context.Context, name string, enabled bool) error
	ListScheduleRuns(ctx context.Context, scheduleID string, limit int) ([]*store.ScheduleRun, error)
}

// ListSchedules lists all schedules with their next firing times.
type ListSchedules struct {
	Store ScheduleStore
}

// ListSchedulesResponse carries every schedule, enabled or not.
type ListSchedulesResponse struct {
	Schedules []ScheduleView `json:"schedules"`
}

func (c *ListSchedules) Execute(ctx context.Context) (*ListSchedulesResponse, error) {
	schedules, err := c.Store.ListSchedules(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]ScheduleView, len(schedules))
	for i, sched := range schedules {
		views[i] = NewScheduleView(sched)
	}
	return &ListSchedulesResponse{Schedules: views}, nil
}

// SetScheduleEnabled pauses or resumes one schedule by name.
type SetScheduleEnabled struct {
	Store ScheduleStore
}

// SetScheduleEnabledRequest names the schedule and the target state.
type SetScheduleEnabledRequest struct {
	Name    string
	Enabled bool
}

// SetScheduleEnabledResponse reports the updated schedule.
type SetScheduleEnabledResponse struct {
	Schedule ScheduleView `json:"schedule"`
}

func (c *SetScheduleEnabled) Execute(ctx context.Context, req SetScheduleEnabledRequest) (*SetScheduleEnabledResponse, error) {
	if err := c.Store.SetScheduleEnabled(ctx, req.Name, req.Enabled); err != nil {
		return nil, err
	}
	sched, err := c.Store.GetScheduleByName(ctx, req.Name)
	if err != nil {
		return nil, err
	}
	return &SetScheduleEnabledResponse{Schedule: NewScheduleView(sched)}, nil
}

// ScheduleRunView is the wire shape of one materialized firing.
type ScheduleRunView struct {
	ID           string `json:"id"`
	ScheduleID   string `json:"schedule_id"`
	ScheduledFor string `json:"scheduled_for"`
	Status       string `json:"status"`
	ExecutionID  string `json:"execution_id,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// ListScheduleRuns lists recent firings of one schedule.
type ListScheduleRuns struct {
	Store ScheduleStore
}

// ListScheduleRunsRequest names the schedule.
type ListScheduleRunsRequest struct {
	Name  string
	Limit int
}

// ListScheduleRunsResponse carries firings newest-first.
type ListScheduleRunsResponse struct {
	Runs []ScheduleRunView `json:"runs"`
}

func (c *ListScheduleRuns) Execute(ctx context.Context, req ListScheduleRunsRequest) (*ListScheduleRunsResponse, error) {
	sched, err := c.Store.GetScheduleByName(ctx, req.Name)
	if err != nil {
		return nil, err
	}
	runs, err := c.Store.ListScheduleRuns(ctx, sched.ID, req.Limit)
	if err != nil {
		return nil, err
	}
	views := make([]ScheduleRunView, len(runs))
	for i, run := range runs {
		views[i] = ScheduleRunView{
			ID:           run.ID,
			ScheduleID:   run.ScheduleID,
			ScheduledFor: run.ScheduledFor.UTC().Format(time.RFC3339),
			Status:       run.Status,
			ExecutionID:  run.ExecutionID,
			Reason:       run.Reason,
		}
	}
	return &ListScheduleRunsResponse{Runs: views}, nil
}
