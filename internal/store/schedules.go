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

const scheduleColumns = `id, name, pipeline, params, cron_expr, every_seconds,
	timezone, lane, enabled, misfire_grace_seconds, max_instances,
	next_run_at, last_run_at, last_run_id, created_at, updated_at`

// UpsertSchedule inserts or updates a schedule definition by name. The
// id, created_at, and firing bookkeeping of an existing row survive the
// update; next_run_at is left alone so the scheduler can decide whether
// a definition change requires recomputation.
func (s *Store) UpsertSchedule(ctx context.Context, sched *Schedule) error {
	now := s.timeNow()
	if sched.CreatedAt.IsZero() {
		sched.CreatedAt = now
	}
	sched.UpdatedAt = now

	params, err := jsonText(sched.Params)
	if err != nil {
		return err
	}

	query := s.rebind(`INSERT INTO core_schedules
		(id, name, pipeline, params, cron_expr, every_seconds, timezone, lane,
		 enabled, misfire_grace_seconds, max_instances, next_run_at,
		 last_run_at, last_run_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			pipeline = excluded.pipeline,
			params = excluded.params,
			cron_expr = excluded.cron_expr,
			every_seconds = excluded.every_seconds,
			timezone = excluded.timezone,
			lane = excluded.lane,
			enabled = excluded.enabled,
			misfire_grace_seconds = excluded.misfire_grace_seconds,
			max_instances = excluded.max_instances,
			updated_at = excluded.updated_at`)
	var everySeconds any
	if sched.EverySeconds > 0 {
		everySeconds = sched.EverySeconds
	}
	_, err = s.db.ExecContext(ctx, query,
		sched.ID, sched.Name, sched.Pipeline, params,
		nullString(sched.CronExpr), everySeconds, sched.Timezone, sched.Lane,
		sched.Enabled, sched.MisfireGraceSeconds, sched.MaxInstances,
		nullTime(sched.NextRunAt), nullTime(sched.LastRunAt),
		nullString(sched.LastRunID), formatTime(sched.CreatedAt),
		formatTime(sched.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upserting schedule %s: %w", sched.Name, err)
	}
	return nil
}

// GetScheduleByName loads one schedule.
func (s *Store) GetScheduleByName(ctx context.Context, name string) (*Schedule, error) {
	query := s.rebind(`SELECT ` + scheduleColumns + ` FROM core_schedules WHERE name = ?`)
	sched, err := scanSchedule(s.db.QueryRowContext(ctx, query, name))
	if err == sql.ErrNoRows {
		return nil, &spineerrors.NotFoundError{Resource: "schedule", ID: name}
	}
	if err != nil {
		return nil, fmt.Errorf("querying schedule: %w", err)
	}
	return sched, nil
}

// ListSchedules returns all schedules ordered by name.
func (s *Store) ListSchedules(ctx context.Context) ([]*Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM core_schedules ORDER BY name`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning schedule: %w", err)
		}
		schedules = append(schedules, sched)
	}
	return schedules, rows.Err()
}

// DueSchedules returns enabled schedules whose next_run_at has passed,
// oldest first.
func (s *Store) DueSchedules(ctx context.Context) ([]*Schedule, error) {
	query := s.rebind(`SELECT ` + scheduleColumns + ` FROM core_schedules
		WHERE enabled = ? AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at, name`)
	rows, err := s.db.QueryContext(ctx, query, true, formatTime(s.timeNow()))
	if err != nil {
		return nil, fmt.Errorf("listing due schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning schedule: %w", err)
		}
		schedules = append(schedules, sched)
	}
	return schedules, rows.Err()
}

// SetScheduleNextRun records when the schedule should fire next.
func (s *Store) SetScheduleNextRun(ctx context.Context, id string, next time.Time) error {
	query := s.rebind(`UPDATE core_schedules SET next_run_at = ?, updated_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, nullTime(next), formatTime(s.timeNow()), id)
	if err != nil {
		return fmt.Errorf("updating schedule next run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &spineerrors.NotFoundError{Resource: "schedule", ID: id}
	}
	return nil
}

// RecordScheduleFiring stamps the last materialized run.
func (s *Store) RecordScheduleFiring(ctx context.Context, id, runID string, firedAt time.Time) error {
	query := s.rebind(`UPDATE core_schedules SET last_run_at = ?, last_run_id = ?, updated_at = ? WHERE id = ?`)
	_, err := s.db.ExecContext(ctx, query,
		formatTime(firedAt), runID, formatTime(s.timeNow()), id)
	if err != nil {
		return fmt.Errorf("recording schedule firing: %w", err)
	}
	return nil
}

// SetScheduleEnabled toggles a schedule without removing it.
func (s *Store) SetScheduleEnabled(ctx context.Context, name string, enabled bool) error {
	query := s.rebind(`UPDATE core_schedules SET enabled = ?, updated_at = ? WHERE name = ?`)
	res, err := s.db.ExecContext(ctx, query, enabled, formatTime(s.timeNow()), name)
	if err != nil {
		return fmt.Errorf("toggling schedule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &spineerrors.NotFoundError{Resource: "schedule", ID: name}
	}
	return nil
}

// CreateScheduleRun materializes one firing. The unique (schedule_id,
// scheduled_for) index makes double-firing a tick impossible; the
// second insert reports created=false.
func (s *Store) CreateScheduleRun(ctx context.Context, run *ScheduleRun) (bool, error) {
	now := s.timeNow()
	run.CreatedAt = now
	run.UpdatedAt = now
	if run.Status == "" {
		run.Status = ScheduleRunPending
	}

	query := s.rebind(`INSERT INTO core_schedule_runs
		(id, schedule_id, scheduled_for, status, execution_id, reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (schedule_id, scheduled_for) DO NOTHING`)
	res, err := s.db.ExecContext(ctx, query,
		run.ID, run.ScheduleID, formatTime(run.ScheduledFor), run.Status,
		nullString(run.ExecutionID), nullString(run.Reason),
		formatTime(run.CreatedAt), formatTime(run.UpdatedAt))
	if err != nil {
		return false, fmt.Errorf("creating schedule run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ResolveScheduleRun applies the run's single status transition out of
// pending.
func (s *Store) ResolveScheduleRun(ctx context.Context, id, status, executionID, reason string) (bool, error) {
	query := s.rebind(`UPDATE core_schedule_runs
		SET status = ?, execution_id = ?, reason = ?, updated_at = ?
		WHERE id = ? AND status = ?`)
	res, err := s.db.ExecContext(ctx, query,
		status, nullString(executionID), nullString(reason),
		formatTime(s.timeNow()), id, ScheduleRunPending)
	if err != nil {
		return false, fmt.Errorf("resolving schedule run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListScheduleRuns returns runs for one schedule newest-first.
func (s *Store) ListScheduleRuns(ctx context.Context, scheduleID string, limit int) ([]*ScheduleRun, error) {
	query := `SELECT id, schedule_id, scheduled_for, status, execution_id, reason, created_at, updated_at
		FROM core_schedule_runs WHERE schedule_id = ? ORDER BY scheduled_for DESC`
	args := []any{scheduleID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("listing schedule runs: %w", err)
	}
	defer rows.Close()

	var runs []*ScheduleRun
	for rows.Next() {
		run, err := scanScheduleRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning schedule run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// AcquireScheduleLock serializes a tick for one schedule. Expired locks
// are reclaimed.
func (s *Store) AcquireScheduleLock(ctx context.Context, scheduleID, holder string, ttl time.Duration) (bool, error) {
	now := s.timeNow()
	query := s.rebind(`INSERT INTO core_schedule_locks
		(schedule_id, holder, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (schedule_id) DO UPDATE SET
			holder = excluded.holder,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE core_schedule_locks.expires_at < excluded.acquired_at
		   OR core_schedule_locks.holder = excluded.holder`)
	res, err := s.db.ExecContext(ctx, query,
		scheduleID, holder, formatTime(now), formatTime(now.Add(ttl)))
	if err != nil {
		return false, fmt.Errorf("acquiring schedule lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CountExpiredScheduleLocks reports locks past their TTL that no
// instance has reclaimed. A nonzero count suggests a crashed scheduler.
func (s *Store) CountExpiredScheduleLocks(ctx context.Context) (int, error) {
	query := s.rebind(`SELECT COUNT(*) FROM core_schedule_locks WHERE expires_at < ?`)
	var count int
	if err := s.db.GetContext(ctx, &count, query, formatTime(s.timeNow())); err != nil {
		return 0, fmt.Errorf("counting expired schedule locks: %w", err)
	}
	return count, nil
}

// ReleaseScheduleLock drops the holder's tick lock.
func (s *Store) ReleaseScheduleLock(ctx context.Context, scheduleID, holder string) error {
	query := s.rebind(`DELETE FROM core_schedule_locks WHERE schedule_id = ? AND holder = ?`)
	if _, err := s.db.ExecContext(ctx, query, scheduleID, holder); err != nil {
		return fmt.Errorf("releasing schedule lock: %w", err)
	}
	return nil
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	var sched Schedule
	var params, cronExpr, lastRunID sql.NullString
	var everySeconds sql.NullInt64
	var nextRunAt, lastRunAt, createdAt, updatedAt sql.NullString

	err := row.Scan(&sched.ID, &sched.Name, &sched.Pipeline, &params,
		&cronExpr, &everySeconds, &sched.Timezone, &sched.Lane,
		&sched.Enabled, &sched.MisfireGraceSeconds, &sched.MaxInstances,
		&nextRunAt, &lastRunAt, &lastRunID, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	sched.CronExpr = cronExpr.String
	sched.EverySeconds = int(everySeconds.Int64)
	sched.LastRunID = lastRunID.String
	if sched.Params, err = scanJSON(params); err != nil {
		return nil, err
	}
	if sched.NextRunAt, err = scanTime(nextRunAt); err != nil {
		return nil, err
	}
	if sched.LastRunAt, err = scanTime(lastRunAt); err != nil {
		return nil, err
	}
	if sched.CreatedAt, err = scanTime(createdAt); err != nil {
		return nil, err
	}
	if sched.UpdatedAt, err = scanTime(updatedAt); err != nil {
		return nil, err
	}
	return &sched, nil
}

func scanScheduleRun(row rowScanner) (*ScheduleRun, error) {
	var run ScheduleRun
	var executionID, reason sql.NullString
	var scheduledFor, createdAt, updatedAt sql.NullString

	err := row.Scan(&run.ID, &run.ScheduleID, &scheduledFor, &run.Status,
		&executionID, &reason, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	run.ExecutionID = executionID.String
	run.Reason = reason.String
	if run.ScheduledFor, err = scanTime(scheduledFor); err != nil {
		return nil, err
	}
	if run.CreatedAt, err = scanTime(createdAt); err != nil {
		return nil, err
	}
	if run.UpdatedAt, err = scanTime(updatedAt); err != nil {
		return nil, err
	}
	return &run, nil
}
