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

package store

import "time"

// ExecutionStatus is the lifecycle state of one execution.
type ExecutionStatus string

const (
	StatusPending      ExecutionStatus = "pending"
	StatusQueued       ExecutionStatus = "queued"
	StatusRunning      ExecutionStatus = "running"
	StatusCompleted    ExecutionStatus = "completed"
	StatusFailed       ExecutionStatus = "failed"
	StatusCancelled    ExecutionStatus = "cancelled"
	StatusDeadLettered ExecutionStatus = "dlq"
)

// IsTerminal reports whether no further transitions are allowed.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusDeadLettered:
		return true
	}
	return false
}

// IsActive reports whether the status counts against the active
// logical-key uniqueness constraint.
func (s ExecutionStatus) IsActive() bool {
	switch s {
	case StatusPending, StatusQueued, StatusRunning:
		return true
	}
	return false
}

// Execution is one admitted unit of work. Retries are new executions
// linked through ParentExecutionID; a row never leaves a terminal state.
type Execution struct {
	ID                string
	Pipeline          string
	Params            map[string]any
	LogicalKey        string
	IdempotencyKey    string
	Lane              string
	TriggerSource     string
	Status            ExecutionStatus
	Attempt           int
	MaxAttempts       int
	ParentExecutionID string
	ScheduleRunID     string
	BatchID           string
	Result            map[string]any
	ErrorKind         string
	ErrorMessage      string
	LockedBy          string
	LeaseExpiresAt    time.Time
	HeartbeatAt       time.Time
	NotBefore         time.Time
	TimeoutSeconds    int
	SubmittedAt       time.Time
	StartedAt         time.Time
	FinishedAt        time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Event types written by the ledger, one per lifecycle edge.
const (
	EventSubmitted      = "execution.submitted"
	EventQueued         = "execution.queued"
	EventStarted        = "execution.started"
	EventCompleted      = "execution.completed"
	EventFailed         = "execution.failed"
	EventCancelled      = "execution.cancelled"
	EventRetryScheduled = "execution.retry_scheduled"
	EventDeadLettered   = "execution.dead_lettered"
)

// ExecutionEvent is one append-only ledger entry. IdempotencyKey is
// globally unique; a colliding append is treated as already-written.
type ExecutionEvent struct {
	ID             string
	ExecutionID    string
	EventType      string
	FromStatus     ExecutionStatus
	ToStatus       ExecutionStatus
	Payload        map[string]any
	IdempotencyKey string
	CreatedAt      time.Time
}

// DeadLetter records an execution whose retries are exhausted. Only
// LastRetryAt and ResolvedAt ever change after insert.
type DeadLetter struct {
	ID           string
	ExecutionID  string
	Pipeline     string
	Params       map[string]any
	ErrorKind    string
	ErrorMessage string
	RetryCount   int
	LastRetryAt  time.Time
	ResolvedAt   time.Time
	CreatedAt    time.Time
}

// Resolved reports whether an operator has closed this entry.
func (d *DeadLetter) Resolved() bool { return !d.ResolvedAt.IsZero() }

// ConcurrencyLock is a key-based lease with TTL.
type ConcurrencyLock struct {
	LockKey     string
	Holder      string
	ExecutionID string
	AcquiredAt  time.Time
	RefreshedAt time.Time
	ExpiresAt   time.Time
}

// Schedule is a declarative cron or interval trigger.
type Schedule struct {
	ID                  string
	Name                string
	Pipeline            string
	Params              map[string]any
	CronExpr            string
	EverySeconds        int
	Timezone            string
	Lane                string
	Enabled             bool
	MisfireGraceSeconds int
	MaxInstances        int
	NextRunAt           time.Time
	LastRunAt           time.Time
	LastRunID           string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// ScheduleRun statuses.
const (
	ScheduleRunPending   = "pending"
	ScheduleRunSubmitted = "submitted"
	ScheduleRunSkipped   = "skipped"
	ScheduleRunFailed    = "failed"
)

// ScheduleRun is one materialized firing of a schedule.
type ScheduleRun struct {
	ID           string
	ScheduleID   string
	ScheduledFor time.Time
	Status       string
	ExecutionID  string
	Reason       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ScheduleLock serializes firing of one schedule across instances.
type ScheduleLock struct {
	ScheduleID string
	Holder     string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// WorkflowStatus is the lifecycle state of a workflow run.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// IsTerminal reports whether the run reached a final state.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
		return true
	}
	return false
}

// WorkflowRun is one DAG invocation.
type WorkflowRun struct {
	ID             string
	Workflow       string
	Params         map[string]any
	Status         WorkflowStatus
	StepsTotal     int
	StepsCompleted int
	StepsFailed    int
	ParentRunID    string
	Error          string
	StartedAt      time.Time
	FinishedAt     time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// WorkflowStep is one attempt of one step. Retries append new rows with
// an incremented Attempt rather than mutating the failed one.
type WorkflowStep struct {
	ID          string
	RunID       string
	StepName    string
	Kind        string
	Attempt     int
	Status      string
	ExecutionID string
	Output      map[string]any
	Error       string
	StartedAt   time.Time
	FinishedAt  time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Workflow step statuses.
const (
	StepPending   = "pending"
	StepRunning   = "running"
	StepCompleted = "completed"
	StepFailed    = "failed"
	StepSkipped   = "skipped"
)

// WorkflowEvent is an append-only lifecycle edge for a run or step.
type WorkflowEvent struct {
	ID             string
	RunID          string
	StepName       string
	EventType      string
	Payload        map[string]any
	IdempotencyKey string
	CreatedAt      time.Time
}

// ManifestEntry marks completion of one stage for one partition.
type ManifestEntry struct {
	Domain       string
	PartitionKey string
	Stage        string
	StageRank    int
	Status       string
	RowCount     int64
	Metrics      map[string]any
	CaptureID    string
	ExecutionID  string
	BatchID      string
	CapturedAt   time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Reject is one invalid source record set aside during ingest.
type Reject struct {
	ID           string
	Domain       string
	PartitionKey string
	Stage        string
	ReasonCode   string
	ReasonDetail string
	RecordKey    string
	Raw          map[string]any
	CaptureID    string
	ExecutionID  string
	CapturedAt   time.Time
	CreatedAt    time.Time
}

// Anomaly severities.
const (
	SeverityWarn     = "WARN"
	SeverityError    = "ERROR"
	SeverityCritical = "CRITICAL"
)

// Anomaly is one detected quality event.
type Anomaly struct {
	ID              string
	Domain          string
	Workflow        string
	PartitionKey    string
	Stage           string
	Severity        string
	Category        string
	Message         string
	Details         map[string]any
	AffectedRecords int64
	CaptureID       string
	ExecutionID     string
	ResolvedAt      time.Time
	CreatedAt       time.Time
}

// Quality check statuses.
const (
	QualityPass = "PASS"
	QualityWarn = "WARN"
	QualityFail = "FAIL"
)

// QualityResult is the outcome of one quality check on one partition.
type QualityResult struct {
	ID           string
	Domain       string
	PartitionKey string
	CheckName    string
	Status       string
	Actual       float64
	Expected     float64
	Message      string
	CaptureID    string
	ExecutionID  string
	CreatedAt    time.Time
}

// DataReadiness certifies a partition for a downstream purpose.
type DataReadiness struct {
	Domain              string
	PartitionKey        string
	ReadyFor            string
	Certified           bool
	NoCriticalAnomalies bool
	AllStagesComplete   bool
	ExecutionID         string
	CertifiedAt         time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Watermark is a monotonic incremental cursor per (domain, source,
// partition).
type Watermark struct {
	Domain       string
	Source       string
	PartitionKey string
	HighValue    string
	ExecutionID  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Work item statuses.
const (
	WorkItemPending = "pending"
	WorkItemLeased  = "leased"
	WorkItemDone    = "done"
	WorkItemFailed  = "failed"
)

// WorkItem is one backlog entry driving catch-up ingestion.
type WorkItem struct {
	Domain       string
	Workflow     string
	PartitionKey string
	Status       string
	Priority     int
	Attempts     int
	NotBefore    time.Time
	RunID        string
	LastError    string
	Payload      map[string]any
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Backfill plan statuses.
const (
	BackfillPlanned   = "planned"
	BackfillRunning   = "running"
	BackfillCompleted = "completed"
	BackfillCancelled = "cancelled"
)

// BackfillPlan describes an operator-requested range backfill that
// expands into work items.
type BackfillPlan struct {
	ID             string
	Pipeline       string
	Params         map[string]any
	RangeStart     string
	RangeEnd       string
	Cadence        string
	Lane           string
	Status         string
	TotalItems     int
	SubmittedItems int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
