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

	"github.com/jmoiron/sqlx"
	"github.com/oklog/ulid/v2"
)

// appendEvent writes one ledger event, ignoring idempotency-key
// collisions. Returns whether a row was actually written.
func appendEvent(ctx context.Context, q sqlx.ExtContext, ev *ExecutionEvent) (bool, error) {
	payload, err := nullJSON(ev.Payload)
	if err != nil {
		return false, err
	}
	query := q.Rebind(`INSERT INTO core_execution_events
		(id, execution_id, event_type, from_status, to_status, payload, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (idempotency_key) DO NOTHING`)
	res, err := q.ExecContext(ctx, query,
		ev.ID, ev.ExecutionID, ev.EventType,
		nullString(string(ev.FromStatus)), nullString(string(ev.ToStatus)),
		payload, ev.IdempotencyKey, formatTime(ev.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("appending event %s: %w", ev.EventType, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) appendEventTx(ctx context.Context, tx *sqlx.Tx, ev *ExecutionEvent) (bool, error) {
	return appendEvent(ctx, tx, ev)
}

// AppendExecutionEvent writes an informational ledger event outside a
// status transition, such as execution.retry_scheduled on the parent.
func (s *Store) AppendExecutionEvent(ctx context.Context, ev *ExecutionEvent) (bool, error) {
	if ev.ID == "" {
		ev.ID = ulid.Make().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.timeNow()
	}
	return appendEvent(ctx, s.db, ev)
}

// ListExecutionEvents returns the event trail for one execution in
// (created_at, id) order.
func (s *Store) ListExecutionEvents(ctx context.Context, executionID string) ([]*ExecutionEvent, error) {
	query := s.rebind(`SELECT id, execution_id, event_type, from_status, to_status,
		payload, idempotency_key, created_at
		FROM core_execution_events
		WHERE execution_id = ?
		ORDER BY created_at, id`)
	rows, err := s.db.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("listing execution events: %w", err)
	}
	defer rows.Close()

	var events []*ExecutionEvent
	for rows.Next() {
		ev, err := scanExecutionEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func scanExecutionEvent(row rowScanner) (*ExecutionEvent, error) {
	var ev ExecutionEvent
	var fromStatus, toStatus, payload, createdAt sql.NullString

	err := row.Scan(&ev.ID, &ev.ExecutionID, &ev.EventType,
		&fromStatus, &toStatus, &payload, &ev.IdempotencyKey, &createdAt)
	if err != nil {
		return nil, err
	}

	ev.FromStatus = ExecutionStatus(fromStatus.String)
	ev.ToStatus = ExecutionStatus(toStatus.String)
	if ev.Payload, err = scanJSON(payload); err != nil {
		return nil, err
	}
	if ev.CreatedAt, err = scanTime(createdAt); err != nil {
		return nil, err
	}
	return &ev, nil
}
