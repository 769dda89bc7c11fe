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
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/oklog/ulid/v2"

	spineerrors "github.com/ryansmccoy/spine/pkg/errors"
)

const (
	uxActiveLogicalKey = "ux_executions_active_logical_key"
	uxIdempotencyKey   = "ux_executions_idempotency_key"
)

// errNoTransition signals a guarded update that matched no row.
var errNoTransition = stderrors.New("store: no transition")

const executionColumns = `id, pipeline, params, logical_key, idempotency_key, lane,
	trigger_source, status, attempt, max_attempts, parent_execution_id,
	schedule_run_id, batch_id, result, error_kind, error_message, locked_by,
	lease_expires_at, heartbeat_at, not_before, timeout_seconds, submitted_at,
	started_at, finished_at, created_at, updated_at`

// CreateExecution admits a new execution and appends its submitted event
// in one transaction. The returned bool is false when an idempotency-key
// match returned an already-admitted execution instead of inserting. A
// second active execution for the same logical key fails with
// ConflictError carrying the incumbent's id.
func (s *Store) CreateExecution(ctx context.Context, exec *Execution) (*Execution, bool, error) {
	if exec.IdempotencyKey != "" {
		existing, err := s.GetExecutionByIdempotencyKey(ctx, exec.IdempotencyKey)
		if err == nil {
			return existing, false, nil
		}
		var nf *spineerrors.NotFoundError
		if !stderrors.As(err, &nf) {
			return nil, false, err
		}
	}

	now := s.timeNow()
	if exec.SubmittedAt.IsZero() {
		exec.SubmittedAt = now
	}
	exec.CreatedAt = now
	exec.UpdatedAt = now
	if exec.Status == "" {
		exec.Status = StatusPending
	}
	if exec.Attempt == 0 {
		exec.Attempt = 1
	}

	params, err := jsonText(exec.Params)
	if err != nil {
		return nil, false, err
	}
	result, err := nullJSON(exec.Result)
	if err != nil {
		return nil, false, err
	}

	insert := s.rebind(`INSERT INTO core_executions (
		id, pipeline, params, logical_key, idempotency_key, lane,
		trigger_source, status, attempt, max_attempts, parent_execution_id,
		schedule_run_id, batch_id, result, error_kind, error_message, locked_by,
		lease_expires_at, heartbeat_at, not_before, timeout_seconds, submitted_at,
		started_at, finished_at, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	// Event ids are monotonic ULIDs so the trail stays in emission
	// order even when edges land within one millisecond.
	ev := &ExecutionEvent{
		ID:          ulid.Make().String(),
		ExecutionID: exec.ID,
		EventType:   EventSubmitted,
		ToStatus:    exec.Status,
		Payload: map[string]any{
			"pipeline":       exec.Pipeline,
			"lane":           exec.Lane,
			"logical_key":    exec.LogicalKey,
			"trigger_source": exec.TriggerSource,
			"attempt":        exec.Attempt,
		},
		IdempotencyKey: exec.ID + ":submitted",
		CreatedAt:      now,
	}

	txErr := s.InTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, insert,
			exec.ID, exec.Pipeline, params, exec.LogicalKey,
			nullString(exec.IdempotencyKey), exec.Lane, exec.TriggerSource,
			exec.Status, exec.Attempt, exec.MaxAttempts,
			nullString(exec.ParentExecutionID), nullString(exec.ScheduleRunID),
			nullString(exec.BatchID), result, nullString(exec.ErrorKind),
			nullString(exec.ErrorMessage), nullString(exec.LockedBy),
			nullTime(exec.LeaseExpiresAt), nullTime(exec.HeartbeatAt),
			nullTime(exec.NotBefore), exec.TimeoutSeconds,
			formatTime(exec.SubmittedAt), nullTime(exec.StartedAt),
			nullTime(exec.FinishedAt), formatTime(exec.CreatedAt),
			formatTime(exec.UpdatedAt),
		); err != nil {
			return err
		}
		if _, err := s.appendEventTx(ctx, tx, ev); err != nil {
			return err
		}
		return nil
	})
	if txErr != nil {
		if isUniqueViolation(txErr, uxIdempotencyKey) {
			existing, err := s.GetExecutionByIdempotencyKey(ctx, exec.IdempotencyKey)
			if err != nil {
				return nil, false, err
			}
			return existing, false, nil
		}
		if isUniqueViolation(txErr, uxActiveLogicalKey) {
			conflict := &spineerrors.ConflictError{LogicalKey: exec.LogicalKey}
			if incumbent, err := s.GetActiveExecutionByLogicalKey(ctx, exec.LogicalKey); err == nil {
				conflict.ExistingID = incumbent.ID
			}
			return nil, false, conflict
		}
		return nil, false, fmt.Errorf("inserting execution: %w", txErr)
	}
	return exec, true, nil
}

// GetExecution loads one execution by id.
func (s *Store) GetExecution(ctx context.Context, id string) (*Execution, error) {
	query := s.rebind(`SELECT ` + executionColumns + ` FROM core_executions WHERE id = ?`)
	exec, err := scanExecution(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, &spineerrors.NotFoundError{Resource: "execution", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("querying execution: %w", err)
	}
	return exec, nil
}

// GetExecutionByIdempotencyKey loads the execution admitted under key.
func (s *Store) GetExecutionByIdempotencyKey(ctx context.Context, key string) (*Execution, error) {
	query := s.rebind(`SELECT ` + executionColumns + ` FROM core_executions WHERE idempotency_key = ?`)
	exec, err := scanExecution(s.db.QueryRowContext(ctx, query, key))
	if err == sql.ErrNoRows {
		return nil, &spineerrors.NotFoundError{Resource: "execution", ID: key}
	}
	if err != nil {
		return nil, fmt.Errorf("querying execution by idempotency key: %w", err)
	}
	return exec, nil
}

// GetActiveExecutionByLogicalKey returns the pending, queued, or running
// execution holding the logical key, if any.
func (s *Store) GetActiveExecutionByLogicalKey(ctx context.Context, logicalKey string) (*Execution, error) {
	query := s.rebind(`SELECT ` + executionColumns + ` FROM core_executions
		WHERE logical_key = ? AND status IN ('pending', 'queued', 'running')`)
	exec, err := scanExecution(s.db.QueryRowContext(ctx, query, logicalKey))
	if err == sql.ErrNoRows {
		return nil, &spineerrors.NotFoundError{Resource: "active execution", ID: logicalKey}
	}
	if err != nil {
		return nil, fmt.Errorf("querying active execution: %w", err)
	}
	return exec, nil
}

// ExecutionFilter narrows ListExecutions. Zero values match everything.
type ExecutionFilter struct {
	Pipeline string
	Status   ExecutionStatus
	Lane     string
	ParentID string
	Limit    int
}

// ListExecutions returns executions newest-first.
func (s *Store) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM core_executions`
	var clauses []string
	var args []any
	if filter.Pipeline != "" {
		clauses = append(clauses, "pipeline = ?")
		args = append(args, filter.Pipeline)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Lane != "" {
		clauses = append(clauses, "lane = ?")
		args = append(args, filter.Lane)
	}
	if filter.ParentID != "" {
		clauses = append(clauses, "parent_execution_id = ?")
		args = append(args, filter.ParentID)
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
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning execution: %w", err)
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

// ExecutionUpdate carries the columns a transition may set. Zero values
// leave the column untouched; ClearLease nulls the worker claim.
type ExecutionUpdate struct {
	StartedAt    time.Time
	FinishedAt   time.Time
	BatchID      string
	ErrorKind    string
	ErrorMessage string
	Result       map[string]any
	NotBefore    time.Time
	ClearLease   bool
}

// TransitionExecution applies one guarded status transition together
// with its ledger event, atomically. It returns true only when this
// call moved the row; a row outside the expected statuses — including
// one already in the target status from an earlier call — reports
// false. The event's idempotency key still guards the trail: a replayed
// edge that somehow passes the predicate appends nothing twice.
func (s *Store) TransitionExecution(ctx context.Context, id string, from []ExecutionStatus, to ExecutionStatus, upd ExecutionUpdate, ev *ExecutionEvent) (bool, error) {
	now := s.timeNow()
	if ev.ID == "" {
		ev.ID = ulid.Make().String()
	}
	ev.ExecutionID = id
	ev.ToStatus = to
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}

	err := s.InTx(ctx, func(tx *sqlx.Tx) error {
		n, err := s.updateStatusTx(ctx, tx, id, from, to, upd, now)
		if err != nil {
			return err
		}
		if n == 0 {
			return errNoTransition
		}
		if _, err := s.appendEventTx(ctx, tx, ev); err != nil {
			return err
		}
		return nil
	})
	if stderrors.Is(err, errNoTransition) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("transitioning execution %s to %s: %w", id, to, err)
	}
	return true, nil
}

func (s *Store) updateStatusTx(ctx context.Context, tx *sqlx.Tx, id string, from []ExecutionStatus, to ExecutionStatus, upd ExecutionUpdate, now time.Time) (int64, error) {
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{to, formatTime(now)}
	if !upd.StartedAt.IsZero() {
		sets = append(sets, "started_at = ?")
		args = append(args, formatTime(upd.StartedAt))
	}
	if !upd.FinishedAt.IsZero() {
		sets = append(sets, "finished_at = ?")
		args = append(args, formatTime(upd.FinishedAt))
	}
	if upd.BatchID != "" {
		sets = append(sets, "batch_id = ?")
		args = append(args, upd.BatchID)
	}
	if upd.ErrorKind != "" {
		sets = append(sets, "error_kind = ?")
		args = append(args, upd.ErrorKind)
	}
	if upd.ErrorMessage != "" {
		sets = append(sets, "error_message = ?")
		args = append(args, upd.ErrorMessage)
	}
	if upd.Result != nil {
		result, err := nullJSON(upd.Result)
		if err != nil {
			return 0, err
		}
		sets = append(sets, "result = ?")
		args = append(args, result)
	}
	if !upd.NotBefore.IsZero() {
		sets = append(sets, "not_before = ?")
		args = append(args, formatTime(upd.NotBefore))
	}
	if upd.ClearLease {
		sets = append(sets, "locked_by = NULL", "lease_expires_at = NULL")
	}

	query := "UPDATE core_executions SET " + strings.Join(sets, ", ") + " WHERE id = ? AND status IN (?)"
	args = append(args, id, from)
	query, expanded, err := sqlx.In(query, args...)
	if err != nil {
		return 0, fmt.Errorf("expanding status predicate: %w", err)
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(query), expanded...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// LeaseNextExecution claims the oldest ready execution for workerID and
// transitions it to running, appending the started event in the same
// transaction. Realtime-lane work is claimed before other lanes. A nil
// execution with nil error means nothing is ready. An empty lanes slice
// means all lanes.
func (s *Store) LeaseNextExecution(ctx context.Context, workerID string, lanes []string, ttl time.Duration) (*Execution, error) {
	now := s.timeNow()
	candidate := `SELECT id, status, attempt FROM core_executions
		WHERE status IN ('pending', 'queued')
		  AND (not_before IS NULL OR not_before <= ?)`
	args := []any{formatTime(now)}
	if len(lanes) > 0 {
		candidate += " AND lane IN (?)"
		args = append(args, lanes)
	}
	candidate += ` ORDER BY CASE WHEN lane = 'realtime' THEN 0 ELSE 1 END, created_at, id LIMIT 1`
	if s.dialect.SupportsSkipLocked() {
		candidate += " FOR UPDATE SKIP LOCKED"
	}
	candidate, expanded, err := sqlx.In(candidate, args...)
	if err != nil {
		return nil, fmt.Errorf("expanding lease query: %w", err)
	}

	var claimedID string
	txErr := s.InTx(ctx, func(tx *sqlx.Tx) error {
		var id string
		var prev ExecutionStatus
		var attempt int
		err := tx.QueryRowContext(ctx, tx.Rebind(candidate), expanded...).Scan(&id, &prev, &attempt)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("selecting lease candidate: %w", err)
		}

		claim := tx.Rebind(`UPDATE core_executions
			SET status = 'running', locked_by = ?, lease_expires_at = ?,
			    heartbeat_at = ?, started_at = ?, updated_at = ?
			WHERE id = ? AND status IN ('pending', 'queued')`)
		res, err := tx.ExecContext(ctx, claim,
			workerID, formatTime(now.Add(ttl)), formatTime(now),
			formatTime(now), formatTime(now), id)
		if err != nil {
			return fmt.Errorf("claiming execution: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			// Lost the race to another worker; report no work and
			// let the caller poll again.
			return nil
		}

		ev := &ExecutionEvent{
			ID:          ulid.Make().String(),
			ExecutionID: id,
			EventType:   EventStarted,
			FromStatus:  prev,
			ToStatus:    StatusRunning,
			Payload: map[string]any{
				"worker":  workerID,
				"attempt": attempt,
			},
			IdempotencyKey: id + ":started",
			CreatedAt:      now,
		}
		if _, err := s.appendEventTx(ctx, tx, ev); err != nil {
			return err
		}
		claimedID = id
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	if claimedID == "" {
		return nil, nil
	}
	return s.GetExecution(ctx, claimedID)
}

// HeartbeatExecution extends the lease of a running execution owned by
// workerID. Returns false when the claim is gone, which tells the
// worker to abandon the execution.
func (s *Store) HeartbeatExecution(ctx context.Context, id, workerID string, ttl time.Duration) (bool, error) {
	now := s.timeNow()
	query := s.rebind(`UPDATE core_executions
		SET heartbeat_at = ?, lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND locked_by = ? AND status = 'running'`)
	res, err := s.db.ExecContext(ctx, query,
		formatTime(now), formatTime(now.Add(ttl)), formatTime(now), id, workerID)
	if err != nil {
		return false, fmt.Errorf("heartbeating execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// StaleRunningExecutions lists running executions whose lease expired,
// oldest first. The recovery sweeper fails and retries them.
func (s *Store) StaleRunningExecutions(ctx context.Context, limit int) ([]*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM core_executions
		WHERE status = 'running' AND lease_expires_at IS NOT NULL AND lease_expires_at < ?
		ORDER BY lease_expires_at, id`
	args := []any{formatTime(s.timeNow())}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("listing stale executions: %w", err)
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning execution: %w", err)
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

// CountExecutionsByStatus reports ledger depth per status for health
// checks.
func (s *Store) CountExecutionsByStatus(ctx context.Context) (map[ExecutionStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM core_executions GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("counting executions: %w", err)
	}
	defer rows.Close()

	counts := make(map[ExecutionStatus]int)
	for rows.Next() {
		var status ExecutionStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// CountActiveExecutionsForSchedule counts outstanding executions
// submitted on behalf of a schedule, for max_instances enforcement.
func (s *Store) CountActiveExecutionsForSchedule(ctx context.Context, scheduleID string) (int, error) {
	query := s.rebind(`SELECT COUNT(*) FROM core_executions e
		JOIN core_schedule_runs sr ON sr.execution_id = e.id
		WHERE sr.schedule_id = ? AND e.status IN ('pending', 'queued', 'running')`)
	var n int
	if err := s.db.QueryRowContext(ctx, query, scheduleID).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting schedule executions: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	var exec Execution
	var params, result sql.NullString
	var idempotencyKey, parentID, scheduleRunID, batchID sql.NullString
	var errorKind, errorMessage, lockedBy sql.NullString
	var leaseExpiresAt, heartbeatAt, notBefore sql.NullString
	var submittedAt, startedAt, finishedAt, createdAt, updatedAt sql.NullString

	err := row.Scan(
		&exec.ID, &exec.Pipeline, &params, &exec.LogicalKey, &idempotencyKey,
		&exec.Lane, &exec.TriggerSource, &exec.Status, &exec.Attempt,
		&exec.MaxAttempts, &parentID, &scheduleRunID, &batchID, &result,
		&errorKind, &errorMessage, &lockedBy, &leaseExpiresAt, &heartbeatAt,
		&notBefore, &exec.TimeoutSeconds, &submittedAt, &startedAt,
		&finishedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	exec.IdempotencyKey = idempotencyKey.String
	exec.ParentExecutionID = parentID.String
	exec.ScheduleRunID = scheduleRunID.String
	exec.BatchID = batchID.String
	exec.ErrorKind = errorKind.String
	exec.ErrorMessage = errorMessage.String
	exec.LockedBy = lockedBy.String

	if exec.Params, err = scanJSON(params); err != nil {
		return nil, err
	}
	if exec.Result, err = scanJSON(result); err != nil {
		return nil, err
	}
	if exec.LeaseExpiresAt, err = scanTime(leaseExpiresAt); err != nil {
		return nil, err
	}
	if exec.HeartbeatAt, err = scanTime(heartbeatAt); err != nil {
		return nil, err
	}
	if exec.NotBefore, err = scanTime(notBefore); err != nil {
		return nil, err
	}
	if exec.SubmittedAt, err = scanTime(submittedAt); err != nil {
		return nil, err
	}
	if exec.StartedAt, err = scanTime(startedAt); err != nil {
		return nil, err
	}
	if exec.FinishedAt, err = scanTime(finishedAt); err != nil {
		return nil, err
	}
	if exec.CreatedAt, err = scanTime(createdAt); err != nil {
		return nil, err
	}
	if exec.UpdatedAt, err = scanTime(updatedAt); err != nil {
		return nil, err
	}
	return &exec, nil
}

// sqliteUniqueColumns maps each unique index to the column SQLite names
// in its violation message. SQLite reports the indexed columns
// ("UNIQUE constraint failed: core_executions.logical_key"), never the
// index name.
var sqliteUniqueColumns = map[string]string{
	uxActiveLogicalKey: "core_executions.logical_key",
	uxIdempotencyKey:   "core_executions.idempotency_key",
}

// isUniqueViolation reports whether err is a unique-constraint failure
// on the named index, across both supported engines.
func isUniqueViolation(err error, indexName string) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		return pgErr.Code == "23505" && pgErr.ConstraintName == indexName
	}
	msg := err.Error()
	if !strings.Contains(msg, "UNIQUE constraint failed") {
		return false
	}
	if column, ok := sqliteUniqueColumns[indexName]; ok {
		return strings.Contains(msg, column)
	}
	return strings.Contains(msg, indexName)
}
