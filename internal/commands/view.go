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
	"time"

	"github.com/ryansmccoy/spine/internal/store"
)

// ExecutionView is the wire shape of one execution, shared by the CLI
// and the HTTP API.
type ExecutionView struct {
	ID                string         `json:"id"`
	Pipeline          string         `json:"pipeline"`
	Params            map[string]any `json:"params,omitempty"`
	LogicalKey        string         `json:"logical_key,omitempty"`
	Lane              string         `json:"lane"`
	TriggerSource     string         `json:"trigger_source,omitempty"`
	Status            string         `json:"status"`
	Attempt           int            `json:"attempt"`
	MaxAttempts       int            `json:"max_attempts"`
	ParentExecutionID string         `json:"parent_execution_id,omitempty"`
	ScheduleRunID     string         `json:"schedule_run_id,omitempty"`
	BatchID           string         `json:"batch_id,omitempty"`
	Result            map[string]any `json:"result,omitempty"`
	ErrorKind         string         `json:"error_kind,omitempty"`
	ErrorMessage      string         `json:"error_message,omitempty"`
	NotBefore         time.Time      `json:"not_before,omitzero"`
	SubmittedAt       time.Time      `json:"submitted_at,omitzero"`
	StartedAt         time.Time      `json:"started_at,omitzero"`
	FinishedAt        time.Time      `json:"finished_at,omitzero"`
	DurationMS        int64          `json:"duration_ms,omitempty"`
	DryRun            bool           `json:"dry_run,omitempty"`
}

// NewExecutionView projects a store row into its wire shape.
func NewExecutionView(exec *store.Execution) ExecutionView {
	view := ExecutionView{
		ID:                exec.ID,
		Pipeline:          exec.Pipeline,
		Params:            exec.Params,
		LogicalKey:        exec.LogicalKey,
		Lane:              exec.Lane,
		TriggerSource:     exec.TriggerSource,
		Status:            string(exec.Status),
		Attempt:           exec.Attempt,
		MaxAttempts:       exec.MaxAttempts,
		ParentExecutionID: exec.ParentExecutionID,
		ScheduleRunID:     exec.ScheduleRunID,
		BatchID:           exec.BatchID,
		Result:            exec.Result,
		ErrorKind:         exec.ErrorKind,
		ErrorMessage:      exec.ErrorMessage,
		NotBefore:         exec.NotBefore,
		SubmittedAt:       exec.SubmittedAt,
		StartedAt:         exec.StartedAt,
		FinishedAt:        exec.FinishedAt,
		DryRun:            exec.ID == "",
	}
	if !exec.StartedAt.IsZero() && !exec.FinishedAt.IsZero() {
		view.DurationMS = exec.FinishedAt.Sub(exec.StartedAt).Milliseconds()
	}
	return view
}

// EventView is the wire shape of one ledger event.
type EventView struct {
	EventType  string         `json:"event_type"`
	FromStatus string         `json:"from_status,omitempty"`
	ToStatus   string         `json:"to_status,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// NewEventView projects a ledger event into its wire shape.
func NewEventView(ev *store.ExecutionEvent) EventView {
	return EventView{
		EventType:  ev.EventType,
		FromStatus: string(ev.FromStatus),
		ToStatus:   string(ev.ToStatus),
		Payload:    ev.Payload,
		CreatedAt:  ev.CreatedAt,
	}
}

// DeadLetterView is the wire shape of one dead-letter entry.
type DeadLetterView struct {
	ID           string         `json:"id"`
	ExecutionID  string         `json:"execution_id"`
	Pipeline     string         `json:"pipeline"`
	Params       map[string]any `json:"params,omitempty"`
	ErrorKind    string         `json:"error_kind,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	RetryCount   int            `json:"retry_count"`
	LastRetryAt  time.Time      `json:"last_retry_at,omitzero"`
	ResolvedAt   time.Time      `json:"resolved_at,omitzero"`
	CreatedAt    time.Time      `json:"created_at"`
}

// NewDeadLetterView projects a dead-letter row into its wire shape.
func NewDeadLetterView(dl *store.DeadLetter) DeadLetterView {
	return DeadLetterView{
		ID:           dl.ID,
		ExecutionID:  dl.ExecutionID,
		Pipeline:     dl.Pipeline,
		Params:       dl.Params,
		ErrorKind:    dl.ErrorKind,
		ErrorMessage: dl.ErrorMessage,
		RetryCount:   dl.RetryCount,
		LastRetryAt:  dl.LastRetryAt,
		ResolvedAt:   dl.ResolvedAt,
		CreatedAt:    dl.CreatedAt,
	}
}

// ScheduleView is the wire shape of one schedule.
type ScheduleView struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Pipeline     string         `json:"pipeline"`
	Params       map[string]any `json:"params,omitempty"`
	CronExpr     string         `json:"cron,omitempty"`
	EverySeconds int            `json:"every_seconds,omitempty"`
	Timezone     string         `json:"timezone,omitempty"`
	Lane         string         `json:"lane,omitempty"`
	Enabled      bool           `json:"enabled"`
	NextRunAt    time.Time      `json:"next_run_at,omitzero"`
	LastRunAt    time.Time      `json:"last_run_at,omitzero"`
}

// NewScheduleView projects a schedule row into its wire shape.
func NewScheduleView(sched *store.Schedule) ScheduleView {
	return ScheduleView{
		ID:           sched.ID,
		Name:         sched.Name,
		Pipeline:     sched.Pipeline,
		Params:       sched.Params,
		CronExpr:     sched.CronExpr,
		EverySeconds: sched.EverySeconds,
		Timezone:     sched.Timezone,
		Lane:         sched.Lane,
		Enabled:      sched.Enabled,
		NextRunAt:    sched.NextRunAt,
		LastRunAt:    sched.LastRunAt,
	}
}
