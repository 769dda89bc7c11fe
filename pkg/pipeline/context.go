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

package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/jmoiron/sqlx"

	spineerrors "github.com/ryansmccoy/spine/pkg/errors"
)

// Anomaly severities recognized by the bookkeeping sinks.
const (
	SeverityWarn     = "WARN"
	SeverityError    = "ERROR"
	SeverityCritical = "CRITICAL"
)

// StageMark records completion of one pipeline stage for one partition.
// The execution identity is supplied by the sink, not the caller.
type StageMark struct {
	Domain       string
	PartitionKey string
	Stage        string
	Rank         int
	RowCount     int64
	Metrics      map[string]any
	CaptureID    string
	BatchID      string

	// Replace marks an explicit replace capture, which is the only way
	// a partition's stage progress may regress.
	Replace bool
}

// RejectRecord is one invalid source record set aside during ingest.
type RejectRecord struct {
	Domain       string
	PartitionKey string
	Stage        string
	ReasonCode   string
	ReasonDetail string
	RecordKey    string
	Raw          map[string]any
	CaptureID    string
}

// AnomalyRecord is one detected quality event.
type AnomalyRecord struct {
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
}

// QualityCheck is one numeric assertion a pipeline asks the quality
// runner to evaluate and persist.
type QualityCheck struct {
	Name     string
	Actual   float64
	Expected float64

	// Op selects the comparison: gte, lte, eq, or near (within
	// Tolerance of Expected).
	Op        string
	Tolerance float64

	// WarnOnly downgrades a failing check from FAIL to WARN.
	WarnOnly bool
	Message  string
}

// QualityOutcome is the persisted verdict of one check.
type QualityOutcome struct {
	Name     string  `json:"name"`
	Status   string  `json:"status"`
	Actual   float64 `json:"actual"`
	Expected float64 `json:"expected"`
	Message  string  `json:"message,omitempty"`
}

// QualityReport aggregates the outcomes of one quality run.
type QualityReport struct {
	Outcomes []QualityOutcome `json:"outcomes"`
}

// Counts returns how many outcomes passed, warned, and failed.
func (r *QualityReport) Counts() (passed, warned, failed int) {
	for _, o := range r.Outcomes {
		switch o.Status {
		case "PASS":
			passed++
		case "WARN":
			warned++
		case "FAIL":
			failed++
		}
	}
	return passed, warned, failed
}

// Passed reports whether no check failed outright.
func (r *QualityReport) Passed() bool {
	_, _, failed := r.Counts()
	return failed == 0
}

// QualityScope identifies what a quality run is judging.
type QualityScope struct {
	Domain       string
	PartitionKey string
	CaptureID    string
}

// The bookkeeping sinks a pipeline writes through. Implementations bind
// the current execution's identity so every row lands with execution_id
// and captured_at filled.
type (
	// ManifestSink marks stage completion.
	ManifestSink interface {
		Mark(ctx context.Context, mark StageMark) error
	}

	// RejectSink appends invalid source records.
	RejectSink interface {
		Record(ctx context.Context, reject RejectRecord) error
	}

	// AnomalySink appends detected quality events.
	AnomalySink interface {
		Record(ctx context.Context, anomaly AnomalyRecord) error
	}

	// QualityRunner evaluates checks and persists one result per check.
	QualityRunner interface {
		Run(ctx context.Context, scope QualityScope, checks []QualityCheck) (*QualityReport, error)
	}

	// ReadinessSink certifies a partition for a downstream purpose. It
	// verifies no unresolved CRITICAL anomalies exist and that all
	// required stages are complete; the returned bool is the verdict.
	ReadinessSink interface {
		Certify(ctx context.Context, domain, partitionKey, readyFor string, requiredStages []string) (bool, error)
	}

	// WatermarkSink advances the incremental cursor for a source.
	WatermarkSink interface {
		Advance(ctx context.Context, domain, source, partitionKey, newHigh string, force bool) (bool, error)
	}
)

// RunContext is everything the runtime hands a pipeline for one
// execution: the database, the execution's identity, the capture-id
// generator, and the bookkeeping sinks.
type RunContext struct {
	// DB is the coordination database handle. Rebind placeholder style
	// through it when writing dialect-portable SQL.
	DB *sqlx.DB

	// ExecutionID identifies this execution attempt.
	ExecutionID string

	// BatchID groups sibling executions submitted together.
	BatchID string

	// Attempt is 1 for the original execution, incremented per retry.
	Attempt int

	// Lane is the dispatch lane this execution runs in.
	Lane string

	// CaptureSeed feeds NewCapture. The runtime sets it to the root of
	// the retry chain so a retried execution reproduces the same
	// capture ids as the attempt it replaces.
	CaptureSeed string

	// CapturedAt is the capture-clock stamp for every row this
	// execution writes.
	CapturedAt time.Time

	// Log is pre-tagged with the execution's identity.
	Log *slog.Logger

	Manifest   ManifestSink
	Rejects    RejectSink
	Anomalies  AnomalySink
	Quality    QualityRunner
	Readiness  ReadinessSink
	Watermarks WatermarkSink
}

// NewCapture derives the capture id for one (domain, tier, partition)
// write: "{domain}:{tier}:{partition}:{6-hex}". The hash covers the
// capture seed, so retries of the same logical work produce the same id
// while distinct submissions fork new captures.
func (rc *RunContext) NewCapture(domain, tier, partition string) string {
	seed := rc.CaptureSeed
	if seed == "" {
		seed = rc.ExecutionID
	}
	sum := sha256.Sum256([]byte(seed + "|" + domain + "|" + tier + "|" + partition))
	return fmt.Sprintf("%s:%s:%s:%s", domain, tier, partition, hex.EncodeToString(sum[:3]))
}

// HistoryWindow describes a rolling-window requirement over a domain
// table: at least Weeks distinct WeekColumn values at or before EndWeek
// for the given partition.
type HistoryWindow struct {
	Table           string
	WeekColumn      string
	PartitionColumn string
	PartitionValue  string
	EndWeek         string
	Weeks           int
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// RequireHistoryWindow checks a rolling-window precondition before a
// computation that needs history. It returns the distinct weeks found,
// oldest first. When the window is short it records an ERROR anomaly and
// returns the partial window alongside a validation error, so callers
// can either abort or degrade to the valid subset.
func (rc *RunContext) RequireHistoryWindow(ctx context.Context, w HistoryWindow) ([]string, error) {
	for _, ident := range []string{w.Table, w.WeekColumn, w.PartitionColumn} {
		if !identPattern.MatchString(ident) {
			return nil, &spineerrors.ValidationError{
				Field:   "history_window",
				Message: fmt.Sprintf("%q is not a valid identifier", ident),
			}
		}
	}
	if w.Weeks < 1 {
		return nil, &spineerrors.ValidationError{
			Field:   "history_window",
			Message: "window must cover at least one week",
		}
	}

	query := rc.DB.Rebind(fmt.Sprintf(
		`SELECT DISTINCT %s FROM %s WHERE %s = ? AND %s <= ? ORDER BY %s DESC LIMIT %d`,
		w.WeekColumn, w.Table, w.PartitionColumn, w.WeekColumn, w.WeekColumn, w.Weeks))
	rows, err := rc.DB.QueryContext(ctx, query, w.PartitionValue, w.EndWeek)
	if err != nil {
		return nil, fmt.Errorf("querying history window: %w", err)
	}
	defer rows.Close()

	var weeks []string
	for rows.Next() {
		var week string
		if err := rows.Scan(&week); err != nil {
			return nil, fmt.Errorf("scanning history week: %w", err)
		}
		weeks = append(weeks, week)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into chronological order.
	for i, j := 0, len(weeks)-1; i < j; i, j = i+1, j-1 {
		weeks[i], weeks[j] = weeks[j], weeks[i]
	}

	if len(weeks) < w.Weeks {
		if rc.Anomalies != nil {
			recErr := rc.Anomalies.Record(ctx, AnomalyRecord{
				Domain:       domainOf(w.Table),
				PartitionKey: w.PartitionValue,
				Severity:     SeverityError,
				Category:     "INSUFFICIENT_HISTORY",
				Message: fmt.Sprintf("%s has %d of %d weeks ending %s for %s",
					w.Table, len(weeks), w.Weeks, w.EndWeek, w.PartitionValue),
				Details: map[string]any{
					"table":       w.Table,
					"weeks_found": len(weeks),
					"weeks_need":  w.Weeks,
					"end_week":    w.EndWeek,
				},
			})
			if recErr != nil {
				return weeks, recErr
			}
		}
		return weeks, &spineerrors.ValidationError{
			Field:   "history_window",
			Message: fmt.Sprintf("only %d of %d required weeks present", len(weeks), w.Weeks),
		}
	}
	return weeks, nil
}

// domainOf reports the domain prefix of a table name like
// "finra_otc_weekly" or "finra.otc_weekly"; the table name itself when
// there is no separator.
func domainOf(table string) string {
	for i, ch := range table {
		if ch == '.' {
			return table[:i]
		}
	}
	return table
}
