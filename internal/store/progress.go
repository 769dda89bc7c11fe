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
	"time"

	spineerrors "github.com/ryansmccoy/spine/pkg/errors"
)

// UpsertDataReadiness writes a partition's certification state.
func (s *Store) UpsertDataReadiness(ctx context.Context, r *DataReadiness) error {
	now := s.timeNow()
	query := s.rebind(`INSERT INTO core_data_readiness
		(domain, partition_key, ready_for, certified, no_critical_anomalies,
		 all_stages_complete, execution_id, certified_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (domain, partition_key, ready_for) DO UPDATE SET
			certified = excluded.certified,
			no_critical_anomalies = excluded.no_critical_anomalies,
			all_stages_complete = excluded.all_stages_complete,
			execution_id = excluded.execution_id,
			certified_at = excluded.certified_at,
			updated_at = excluded.updated_at`)
	_, err := s.db.ExecContext(ctx, query,
		r.Domain, r.PartitionKey, r.ReadyFor, r.Certified,
		r.NoCriticalAnomalies, r.AllStagesComplete,
		nullString(r.ExecutionID), nullTime(r.CertifiedAt),
		formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("upserting readiness: %w", err)
	}
	return nil
}

// GetDataReadiness loads one certification row.
func (s *Store) GetDataReadiness(ctx context.Context, domain, partitionKey, readyFor string) (*DataReadiness, error) {
	query := s.rebind(`SELECT domain, partition_key, ready_for, certified,
		no_critical_anomalies, all_stages_complete, execution_id,
		certified_at, created_at, updated_at
		FROM core_data_readiness
		WHERE domain = ? AND partition_key = ? AND ready_for = ?`)
	var r DataReadiness
	var executionID, certifiedAt, createdAt, updatedAt sql.NullString
	err := s.db.QueryRowContext(ctx, query, domain, partitionKey, readyFor).Scan(
		&r.Domain, &r.PartitionKey, &r.ReadyFor, &r.Certified,
		&r.NoCriticalAnomalies, &r.AllStagesComplete, &executionID,
		&certifiedAt, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, &spineerrors.NotFoundError{
			Resource: "readiness",
			ID:       domain + "/" + partitionKey + "/" + readyFor,
		}
	}
	if err != nil {
		return nil, fmt.Errorf("querying readiness: %w", err)
	}
	r.ExecutionID = executionID.String
	if r.CertifiedAt, err = scanTime(certifiedAt); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = scanTime(createdAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = scanTime(updatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

// AdvanceWatermark upserts a cursor, refusing to move it backwards
// unless force is set. High values compare as text, so callers must use
// ordered encodings such as ISO dates. Re-advancing to the current
// value is an idempotent success. Returns false when a regression was
// rejected.
func (s *Store) AdvanceWatermark(ctx context.Context, w *Watermark, force bool) (bool, error) {
	now := s.timeNow()
	guard := "WHERE excluded.high_value >= core_watermarks.high_value"
	if force {
		guard = ""
	}
	query := s.rebind(`INSERT INTO core_watermarks
		(domain, source, partition_key, high_value, execution_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (domain, source, partition_key) DO UPDATE SET
			high_value = excluded.high_value,
			execution_id = excluded.execution_id,
			updated_at = excluded.updated_at ` + guard)
	res, err := s.db.ExecContext(ctx, query,
		w.Domain, w.Source, w.PartitionKey, w.HighValue,
		nullString(w.ExecutionID), formatTime(now), formatTime(now))
	if err != nil {
		return false, fmt.Errorf("advancing watermark: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetWatermark loads one cursor.
func (s *Store) GetWatermark(ctx context.Context, domain, source, partitionKey string) (*Watermark, error) {
	query := s.rebind(`SELECT domain, source, partition_key, high_value,
		execution_id, created_at, updated_at
		FROM core_watermarks
		WHERE domain = ? AND source = ? AND partition_key = ?`)
	var w Watermark
	var executionID, createdAt, updatedAt sql.NullString
	err := s.db.QueryRowContext(ctx, query, domain, source, partitionKey).Scan(
		&w.Domain, &w.Source, &w.PartitionKey, &w.HighValue,
		&executionID, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, &spineerrors.NotFoundError{
			Resource: "watermark",
			ID:       domain + "/" + source + "/" + partitionKey,
		}
	}
	if err != nil {
		return nil, fmt.Errorf("querying watermark: %w", err)
	}
	w.ExecutionID = executionID.String
	if w.CreatedAt, err = scanTime(createdAt); err != nil {
		return nil, err
	}
	if w.UpdatedAt, err = scanTime(updatedAt); err != nil {
		return nil, err
	}
	return &w, nil
}

// EnqueueWorkItem adds a backlog entry if absent; an existing item keeps
// its state. Returns whether a new item was created.
func (s *Store) EnqueueWorkItem(ctx context.Context, item *WorkItem) (bool, error) {
	now := s.timeNow()
	if item.Status == "" {
		item.Status = WorkItemPending
	}
	payload, err := nullJSON(item.Payload)
	if err != nil {
		return false, err
	}

	query := s.rebind(`INSERT INTO core_work_items
		(domain, workflow, partition_key, status, priority, attempts,
		 not_before, run_id, last_error, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (domain, workflow, partition_key) DO NOTHING`)
	res, err := s.db.ExecContext(ctx, query,
		item.Domain, item.Workflow, item.PartitionKey, item.Status,
		item.Priority, item.Attempts, nullTime(item.NotBefore),
		nullString(item.RunID), nullString(item.LastError), payload,
		formatTime(now), formatTime(now))
	if err != nil {
		return false, fmt.Errorf("enqueueing work item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// LeaseWorkItem claims one pending item for a workflow run. Returns
// false when the item is no longer pending.
func (s *Store) LeaseWorkItem(ctx context.Context, domain, workflow, partitionKey, runID string) (bool, error) {
	now := s.timeNow()
	query := s.rebind(`UPDATE core_work_items
		SET status = ?, run_id = ?, attempts = attempts + 1, updated_at = ?
		WHERE domain = ? AND workflow = ? AND partition_key = ?
		  AND status = ? AND (not_before IS NULL OR not_before <= ?)`)
	res, err := s.db.ExecContext(ctx, query,
		WorkItemLeased, runID, formatTime(now),
		domain, workflow, partitionKey, WorkItemPending, formatTime(now))
	if err != nil {
		return false, fmt.Errorf("leasing work item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ResolveWorkItem finishes a leased item. Failure with a retry delay
// returns it to pending with not_before set.
func (s *Store) ResolveWorkItem(ctx context.Context, domain, workflow, partitionKey, status, lastError string, retryAfter time.Duration) (bool, error) {
	now := s.timeNow()
	next := status
	var notBefore any
	if status == WorkItemFailed && retryAfter > 0 {
		next = WorkItemPending
		notBefore = formatTime(now.Add(retryAfter))
	}
	query := s.rebind(`UPDATE core_work_items
		SET status = ?, last_error = ?, not_before = ?, updated_at = ?
		WHERE domain = ? AND workflow = ? AND partition_key = ? AND status = ?`)
	res, err := s.db.ExecContext(ctx, query,
		next, nullString(lastError), notBefore, formatTime(now),
		domain, workflow, partitionKey, WorkItemLeased)
	if err != nil {
		return false, fmt.Errorf("resolving work item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListWorkItems returns backlog entries for a workflow, ready first.
func (s *Store) ListWorkItems(ctx context.Context, workflow, status string, limit int) ([]*WorkItem, error) {
	query := `SELECT domain, workflow, partition_key, status, priority,
		attempts, not_before, run_id, last_error, payload, created_at, updated_at
		FROM core_work_items WHERE workflow = ?`
	args := []any{workflow}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY priority DESC, created_at, partition_key"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("listing work items: %w", err)
	}
	defer rows.Close()

	var items []*WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning work item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanWorkItem(row rowScanner) (*WorkItem, error) {
	var item WorkItem
	var notBefore, runID, lastError, payload sql.NullString
	var createdAt, updatedAt sql.NullString

	err := row.Scan(&item.Domain, &item.Workflow, &item.PartitionKey,
		&item.Status, &item.Priority, &item.Attempts, &notBefore,
		&runID, &lastError, &payload, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	item.RunID = runID.String
	item.LastError = lastError.String
	if item.NotBefore, err = scanTime(notBefore); err != nil {
		return nil, err
	}
	if item.Payload, err = scanJSON(payload); err != nil {
		return nil, err
	}
	if item.CreatedAt, err = scanTime(createdAt); err != nil {
		return nil, err
	}
	if item.UpdatedAt, err = scanTime(updatedAt); err != nil {
		return nil, err
	}
	return &item, nil
}
