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

	spineerrors "github.com/ryansmccoy/spine/pkg/errors"
)

const backfillColumns = `id, pipeline, params, range_start, range_end,
	cadence, lane, status, total_items, submitted_items, created_at, updated_at`

// CreateBackfillPlan records an operator-requested range backfill.
func (s *Store) CreateBackfillPlan(ctx context.Context, plan *BackfillPlan) error {
	now := s.timeNow()
	plan.CreatedAt = now
	plan.UpdatedAt = now
	if plan.Status == "" {
		plan.Status = BackfillPlanned
	}
	if plan.Lane == "" {
		plan.Lane = "backfill"
	}

	params, err := jsonText(plan.Params)
	if err != nil {
		return err
	}

	query := s.rebind(`INSERT INTO core_backfill_plans
		(id, pipeline, params, range_start, range_end, cadence, lane,
		 status, total_items, submitted_items, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query,
		plan.ID, plan.Pipeline, params, plan.RangeStart, plan.RangeEnd,
		plan.Cadence, plan.Lane, plan.Status, plan.TotalItems,
		plan.SubmittedItems, formatTime(plan.CreatedAt), formatTime(plan.UpdatedAt))
	if err != nil {
		return fmt.Errorf("inserting backfill plan: %w", err)
	}
	return nil
}

// GetBackfillPlan loads one plan by id.
func (s *Store) GetBackfillPlan(ctx context.Context, id string) (*BackfillPlan, error) {
	query := s.rebind(`SELECT ` + backfillColumns + ` FROM core_backfill_plans WHERE id = ?`)
	plan, err := scanBackfillPlan(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, &spineerrors.NotFoundError{Resource: "backfill plan", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("querying backfill plan: %w", err)
	}
	return plan, nil
}

// ListBackfillPlans returns plans newest-first.
func (s *Store) ListBackfillPlans(ctx context.Context, limit int) ([]*BackfillPlan, error) {
	query := `SELECT ` + backfillColumns + ` FROM core_backfill_plans ORDER BY created_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("listing backfill plans: %w", err)
	}
	defer rows.Close()

	var plans []*BackfillPlan
	for rows.Next() {
		plan, err := scanBackfillPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning backfill plan: %w", err)
		}
		plans = append(plans, plan)
	}
	return plans, rows.Err()
}

// TransitionBackfillPlan applies one guarded status change.
func (s *Store) TransitionBackfillPlan(ctx context.Context, id string, from []string, to string) (bool, error) {
	query := `UPDATE core_backfill_plans SET status = ?, updated_at = ? WHERE id = ? AND status IN (?)`
	query, args, err := sqlx.In(query, to, formatTime(s.timeNow()), id, from)
	if err != nil {
		return false, fmt.Errorf("expanding status predicate: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return false, fmt.Errorf("transitioning backfill plan: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RecordBackfillProgress updates item counters as the plan expands and
// submits work.
func (s *Store) RecordBackfillProgress(ctx context.Context, id string, totalItems, submittedDelta int) error {
	query := s.rebind(`UPDATE core_backfill_plans
		SET total_items = CASE WHEN ? > 0 THEN ? ELSE total_items END,
		    submitted_items = submitted_items + ?,
		    updated_at = ?
		WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query,
		totalItems, totalItems, submittedDelta, formatTime(s.timeNow()), id)
	if err != nil {
		return fmt.Errorf("updating backfill progress: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &spineerrors.NotFoundError{Resource: "backfill plan", ID: id}
	}
	return nil
}

func scanBackfillPlan(row rowScanner) (*BackfillPlan, error) {
	var plan BackfillPlan
	var params, createdAt, updatedAt sql.NullString

	err := row.Scan(&plan.ID, &plan.Pipeline, &params, &plan.RangeStart,
		&plan.RangeEnd, &plan.Cadence, &plan.Lane, &plan.Status,
		&plan.TotalItems, &plan.SubmittedItems, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if plan.Params, err = scanJSON(params); err != nil {
		return nil, err
	}
	if plan.CreatedAt, err = scanTime(createdAt); err != nil {
		return nil, err
	}
	if plan.UpdatedAt, err = scanTime(updatedAt); err != nil {
		return nil, err
	}
	return &plan, nil
}
