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

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	spineerrors "github.com/ryansmccoy/spine/pkg/errors"
)

// AppendReject records one invalid source record.
func (s *Store) AppendReject(ctx context.Context, r *Reject) error {
	if r.ExecutionID == "" {
		return &spineerrors.ValidationError{Field: "execution_id", Message: "reject requires execution_id"}
	}
	now := s.timeNow()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CapturedAt.IsZero() {
		r.CapturedAt = now
	}
	r.CreatedAt = now

	raw, err := nullJSON(r.Raw)
	if err != nil {
		return err
	}

	query := s.rebind(`INSERT INTO core_rejects
		(id, domain, partition_key, stage, reason_code, reason_detail,
		 record_key, raw, capture_id, execution_id, captured_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query,
		r.ID, r.Domain, nullString(r.PartitionKey), nullString(r.Stage),
		r.ReasonCode, nullString(r.ReasonDetail), nullString(r.RecordKey),
		raw, nullString(r.CaptureID), r.ExecutionID,
		formatTime(r.CapturedAt), formatTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting reject: %w", err)
	}
	return nil
}

// ListRejects returns rejects for a partition newest-first.
func (s *Store) ListRejects(ctx context.Context, domain, partitionKey string, limit int) ([]*Reject, error) {
	query := `SELECT id, domain, partition_key, stage, reason_code, reason_detail,
		record_key, raw, capture_id, execution_id, captured_at, created_at
		FROM core_rejects WHERE domain = ?`
	args := []any{domain}
	if partitionKey != "" {
		query += " AND partition_key = ?"
		args = append(args, partitionKey)
	}
	query += " ORDER BY created_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("listing rejects: %w", err)
	}
	defer rows.Close()

	var rejects []*Reject
	for rows.Next() {
		r, err := scanReject(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning reject: %w", err)
		}
		rejects = append(rejects, r)
	}
	return rejects, rows.Err()
}

// CountRejectsForExecution reports how many records one execution set
// aside, for result metrics.
func (s *Store) CountRejectsForExecution(ctx context.Context, executionID string) (int, error) {
	query := s.rebind(`SELECT COUNT(*) FROM core_rejects WHERE execution_id = ?`)
	var n int
	if err := s.db.QueryRowContext(ctx, query, executionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting rejects: %w", err)
	}
	return n, nil
}

// AppendAnomaly records one detected quality event.
func (s *Store) AppendAnomaly(ctx context.Context, a *Anomaly) error {
	switch a.Severity {
	case SeverityWarn, SeverityError, SeverityCritical:
	default:
		return &spineerrors.ValidationError{
			Field:      "severity",
			Message:    fmt.Sprintf("unknown severity %q", a.Severity),
			Suggestion: "use WARN, ERROR, or CRITICAL",
		}
	}
	if a.ExecutionID == "" {
		return &spineerrors.ValidationError{Field: "execution_id", Message: "anomaly requires execution_id"}
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt = s.timeNow()

	details, err := nullJSON(a.Details)
	if err != nil {
		return err
	}

	var affected any
	if a.AffectedRecords > 0 {
		affected = a.AffectedRecords
	}

	query := s.rebind(`INSERT INTO core_anomalies
		(id, domain, workflow, partition_key, stage, severity, category,
		 message, details, affected_records, capture_id, execution_id,
		 resolved_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query,
		a.ID, a.Domain, nullString(a.Workflow), nullString(a.PartitionKey),
		nullString(a.Stage), a.Severity, a.Category, a.Message, details,
		affected, nullString(a.CaptureID), a.ExecutionID,
		nullTime(a.ResolvedAt), formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting anomaly: %w", err)
	}
	return nil
}

// AnomalyFilter narrows ListAnomalies. Zero values match everything.
type AnomalyFilter struct {
	Domain       string
	PartitionKey string
	Severity     string
	Unresolved   bool
	Limit        int
}

// ListAnomalies returns anomalies newest-first.
func (s *Store) ListAnomalies(ctx context.Context, filter AnomalyFilter) ([]*Anomaly, error) {
	query := `SELECT id, domain, workflow, partition_key, stage, severity,
		category, message, details, affected_records, capture_id,
		execution_id, resolved_at, created_at
		FROM core_anomalies`
	var clauses []string
	var args []any
	if filter.Domain != "" {
		clauses = append(clauses, "domain = ?")
		args = append(args, filter.Domain)
	}
	if filter.PartitionKey != "" {
		clauses = append(clauses, "partition_key = ?")
		args = append(args, filter.PartitionKey)
	}
	if filter.Severity != "" {
		clauses = append(clauses, "severity = ?")
		args = append(args, filter.Severity)
	}
	if filter.Unresolved {
		clauses = append(clauses, "resolved_at IS NULL")
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("listing anomalies: %w", err)
	}
	defer rows.Close()

	var anomalies []*Anomaly
	for rows.Next() {
		a, err := scanAnomaly(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning anomaly: %w", err)
		}
		anomalies = append(anomalies, a)
	}
	return anomalies, rows.Err()
}

// ResolveAnomaly stamps resolved_at on an open anomaly.
func (s *Store) ResolveAnomaly(ctx context.Context, id string) error {
	query := s.rebind(`UPDATE core_anomalies SET resolved_at = ? WHERE id = ? AND resolved_at IS NULL`)
	res, err := s.db.ExecContext(ctx, query, formatTime(s.timeNow()), id)
	if err != nil {
		return fmt.Errorf("resolving anomaly: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &spineerrors.NotFoundError{Resource: "open anomaly", ID: id}
	}
	return nil
}

// HasCriticalAnomalies reports whether the partition has unresolved
// CRITICAL anomalies, which blocks readiness certification.
func (s *Store) HasCriticalAnomalies(ctx context.Context, domain, partitionKey string) (bool, error) {
	query := s.rebind(`SELECT COUNT(*) FROM core_anomalies
		WHERE domain = ? AND partition_key = ? AND severity = ? AND resolved_at IS NULL`)
	var n int
	if err := s.db.QueryRowContext(ctx, query, domain, partitionKey, SeverityCritical).Scan(&n); err != nil {
		return false, fmt.Errorf("counting critical anomalies: %w", err)
	}
	return n > 0, nil
}

// AppendQualityResult records the outcome of one quality check.
func (s *Store) AppendQualityResult(ctx context.Context, q *QualityResult) error {
	switch q.Status {
	case QualityPass, QualityWarn, QualityFail:
	default:
		return &spineerrors.ValidationError{
			Field:      "status",
			Message:    fmt.Sprintf("unknown quality status %q", q.Status),
			Suggestion: "use PASS, WARN, or FAIL",
		}
	}
	if q.ExecutionID == "" {
		return &spineerrors.ValidationError{Field: "execution_id", Message: "quality result requires execution_id"}
	}
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	q.CreatedAt = s.timeNow()

	query := s.rebind(`INSERT INTO core_quality
		(id, domain, partition_key, check_name, status, actual, expected,
		 message, capture_id, execution_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		q.ID, q.Domain, nullString(q.PartitionKey), q.CheckName, q.Status,
		q.Actual, q.Expected, nullString(q.Message),
		nullString(q.CaptureID), q.ExecutionID, formatTime(q.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting quality result: %w", err)
	}
	return nil
}

// ListQualityResults returns check outcomes for a partition
// newest-first.
func (s *Store) ListQualityResults(ctx context.Context, domain, partitionKey string, limit int) ([]*QualityResult, error) {
	query := `SELECT id, domain, partition_key, check_name, status, actual,
		expected, message, capture_id, execution_id, created_at
		FROM core_quality WHERE domain = ?`
	args := []any{domain}
	if partitionKey != "" {
		query += " AND partition_key = ?"
		args = append(args, partitionKey)
	}
	query += " ORDER BY created_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("listing quality results: %w", err)
	}
	defer rows.Close()

	var results []*QualityResult
	for rows.Next() {
		q, err := scanQualityResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning quality result: %w", err)
		}
		results = append(results, q)
	}
	return results, rows.Err()
}

func scanReject(row rowScanner) (*Reject, error) {
	var r Reject
	var partitionKey, stage, reasonDetail, recordKey sql.NullString
	var raw, captureID, capturedAt, createdAt sql.NullString

	err := row.Scan(&r.ID, &r.Domain, &partitionKey, &stage, &r.ReasonCode,
		&reasonDetail, &recordKey, &raw, &captureID, &r.ExecutionID,
		&capturedAt, &createdAt)
	if err != nil {
		return nil, err
	}

	r.PartitionKey = partitionKey.String
	r.Stage = stage.String
	r.ReasonDetail = reasonDetail.String
	r.RecordKey = recordKey.String
	r.CaptureID = captureID.String
	if r.Raw, err = scanJSON(raw); err != nil {
		return nil, err
	}
	if r.CapturedAt, err = scanTime(capturedAt); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = scanTime(createdAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func scanAnomaly(row rowScanner) (*Anomaly, error) {
	var a Anomaly
	var workflow, partitionKey, stage, details, captureID sql.NullString
	var affected sql.NullInt64
	var resolvedAt, createdAt sql.NullString

	err := row.Scan(&a.ID, &a.Domain, &workflow, &partitionKey, &stage,
		&a.Severity, &a.Category, &a.Message, &details, &affected,
		&captureID, &a.ExecutionID, &resolvedAt, &createdAt)
	if err != nil {
		return nil, err
	}

	a.Workflow = workflow.String
	a.PartitionKey = partitionKey.String
	a.Stage = stage.String
	a.CaptureID = captureID.String
	a.AffectedRecords = affected.Int64
	if a.Details, err = scanJSON(details); err != nil {
		return nil, err
	}
	if a.ResolvedAt, err = scanTime(resolvedAt); err != nil {
		return nil, err
	}
	if a.CreatedAt, err = scanTime(createdAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func scanQualityResult(row rowScanner) (*QualityResult, error) {
	var q QualityResult
	var partitionKey, message, captureID, createdAt sql.NullString
	var actual, expected sql.NullFloat64

	err := row.Scan(&q.ID, &q.Domain, &partitionKey, &q.CheckName,
		&q.Status, &actual, &expected, &message, &captureID,
		&q.ExecutionID, &createdAt)
	if err != nil {
		return nil, err
	}

	q.PartitionKey = partitionKey.String
	q.Message = message.String
	q.CaptureID = captureID.String
	q.Actual = actual.Float64
	q.Expected = expected.Float64
	if q.CreatedAt, err = scanTime(createdAt); err != nil {
		return nil, err
	}
	return &q, nil
}
