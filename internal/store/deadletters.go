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

	"github.com/jmoiron/sqlx"
	"github.com/oklog/ulid/v2"

	spineerrors "github.com/ryansmccoy/spine/pkg/errors"
)

const deadLetterColumns = `id, execution_id, pipeline, params, error_kind,
	error_message, retry_count, last_retry_at, resolved_at, created_at`

// DeadLetterExecution moves a failed execution to dlq and records the
// dead letter, atomically with the ledger event. Returns false when the
// execution was not in failed state.
func (s *Store) DeadLetterExecution(ctx context.Context, dl *DeadLetter) (bool, error) {
	now := s.timeNow()
	if dl.ID == "" {
		dl.ID = ulid.Make().String()
	}
	dl.CreatedAt = now

	params, err := jsonText(dl.Params)
	if err != nil {
		return false, err
	}

	ev := &ExecutionEvent{
		ID:          ulid.Make().String(),
		ExecutionID: dl.ExecutionID,
		EventType:   EventDeadLettered,
		FromStatus:  StatusFailed,
		ToStatus:    StatusDeadLettered,
		Payload: map[string]any{
			"dead_letter_id": dl.ID,
			"retry_count":    dl.RetryCount,
			"error_kind":     dl.ErrorKind,
		},
		IdempotencyKey: dl.ExecutionID + ":dead_lettered",
		CreatedAt:      now,
	}

	txErr := s.InTx(ctx, func(tx *sqlx.Tx) error {
		n, err := s.updateStatusTx(ctx, tx, dl.ExecutionID,
			[]ExecutionStatus{StatusFailed}, StatusDeadLettered, ExecutionUpdate{}, now)
		if err != nil {
			return err
		}
		if n == 0 {
			return errNoTransition
		}
		if _, err := s.appendEventTx(ctx, tx, ev); err != nil {
			return err
		}
		insert := tx.Rebind(`INSERT INTO core_dead_letters
			(id, execution_id, pipeline, params, error_kind, error_message,
			 retry_count, last_retry_at, resolved_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		_, err = tx.ExecContext(ctx, insert,
			dl.ID, dl.ExecutionID, dl.Pipeline, params,
			nullString(dl.ErrorKind), nullString(dl.ErrorMessage),
			dl.RetryCount, nullTime(dl.LastRetryAt), nullTime(dl.ResolvedAt),
			formatTime(dl.CreatedAt))
		return err
	})
	if stderrors.Is(txErr, errNoTransition) {
		return false, nil
	}
	if txErr != nil {
		return false, fmt.Errorf("dead-lettering execution %s: %w", dl.ExecutionID, txErr)
	}
	return true, nil
}

// GetDeadLetter loads one dead letter by id.
func (s *Store) GetDeadLetter(ctx context.Context, id string) (*DeadLetter, error) {
	query := s.rebind(`SELECT ` + deadLetterColumns + ` FROM core_dead_letters WHERE id = ?`)
	dl, err := scanDeadLetter(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, &spineerrors.NotFoundError{Resource: "dead letter", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("querying dead letter: %w", err)
	}
	return dl, nil
}

// ListDeadLetters returns dead letters newest-first. Resolved entries
// are excluded unless includeResolved is set.
func (s *Store) ListDeadLetters(ctx context.Context, includeResolved bool, limit int) ([]*DeadLetter, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM core_dead_letters`
	if !includeResolved {
		query += " WHERE resolved_at IS NULL"
	}
	query += " ORDER BY created_at DESC, id DESC"
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("listing dead letters: %w", err)
	}
	defer rows.Close()

	var letters []*DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning dead letter: %w", err)
		}
		letters = append(letters, dl)
	}
	return letters, rows.Err()
}

// TouchDeadLetterRetry stamps last_retry_at after an operator replay.
func (s *Store) TouchDeadLetterRetry(ctx context.Context, id string) error {
	now := s.timeNow()
	query := s.rebind(`UPDATE core_dead_letters SET last_retry_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, formatTime(now), id)
	if err != nil {
		return fmt.Errorf("updating dead letter: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &spineerrors.NotFoundError{Resource: "dead letter", ID: id}
	}
	return nil
}

// ResolveDeadLetter closes an entry. Resolving twice is an error so
// operators notice double handling.
func (s *Store) ResolveDeadLetter(ctx context.Context, id string) error {
	now := s.timeNow()
	query := s.rebind(`UPDATE core_dead_letters SET resolved_at = ? WHERE id = ? AND resolved_at IS NULL`)
	res, err := s.db.ExecContext(ctx, query, formatTime(now), id)
	if err != nil {
		return fmt.Errorf("resolving dead letter: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetDeadLetter(ctx, id); err != nil {
			return err
		}
		return &spineerrors.OrchestrationError{Op: "dlq.resolve", Message: "dead letter already resolved"}
	}
	return nil
}

func scanDeadLetter(row rowScanner) (*DeadLetter, error) {
	var dl DeadLetter
	var params, errorKind, errorMessage sql.NullString
	var lastRetryAt, resolvedAt, createdAt sql.NullString

	err := row.Scan(&dl.ID, &dl.ExecutionID, &dl.Pipeline, &params,
		&errorKind, &errorMessage, &dl.RetryCount,
		&lastRetryAt, &resolvedAt, &createdAt)
	if err != nil {
		return nil, err
	}

	dl.ErrorKind = errorKind.String
	dl.ErrorMessage = errorMessage.String
	if dl.Params, err = scanJSON(params); err != nil {
		return nil, err
	}
	if dl.LastRetryAt, err = scanTime(lastRetryAt); err != nil {
		return nil, err
	}
	if dl.ResolvedAt, err = scanTime(resolvedAt); err != nil {
		return nil, err
	}
	if dl.CreatedAt, err = scanTime(createdAt); err != nil {
		return nil, err
	}
	return &dl, nil
}
