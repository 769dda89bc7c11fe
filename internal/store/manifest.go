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

const manifestColumns = `domain, partition_key, stage, stage_rank, status,
	row_count, metrics, capture_id, execution_id, batch_id, captured_at,
	created_at, updated_at`

// MarkManifestStage upserts a stage completion. Stage ranks for one
// partition only ever advance; marking a stage below the partition's
// current rank fails unless replace is set, which a replace capture uses
// to reset progress.
func (s *Store) MarkManifestStage(ctx context.Context, entry *ManifestEntry, replace bool) error {
	now := s.timeNow()
	if entry.CapturedAt.IsZero() {
		entry.CapturedAt = now
	}
	if entry.Status == "" {
		entry.Status = "complete"
	}
	if entry.ExecutionID == "" {
		return &spineerrors.ValidationError{Field: "execution_id", Message: "manifest mark requires execution_id"}
	}

	metrics, err := nullJSON(entry.Metrics)
	if err != nil {
		return err
	}

	return s.InTx(ctx, func(tx *sqlx.Tx) error {
		if !replace {
			var maxRank sql.NullInt64
			query := tx.Rebind(`SELECT MAX(stage_rank) FROM core_manifest
				WHERE domain = ? AND partition_key = ?`)
			if err := tx.QueryRowContext(ctx, query, entry.Domain, entry.PartitionKey).Scan(&maxRank); err != nil {
				return fmt.Errorf("reading manifest rank: %w", err)
			}
			if maxRank.Valid && int64(entry.StageRank) < maxRank.Int64 {
				return &spineerrors.OrchestrationError{
					Op: "manifest.mark",
					Message: fmt.Sprintf("stage %s (rank %d) regresses partition %s/%s at rank %d",
						entry.Stage, entry.StageRank, entry.Domain, entry.PartitionKey, maxRank.Int64),
				}
			}
		}

		upsert := tx.Rebind(`INSERT INTO core_manifest
			(domain, partition_key, stage, stage_rank, status, row_count,
			 metrics, capture_id, execution_id, batch_id, captured_at,
			 created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (domain, partition_key, stage) DO UPDATE SET
				stage_rank = excluded.stage_rank,
				status = excluded.status,
				row_count = excluded.row_count,
				metrics = excluded.metrics,
				capture_id = excluded.capture_id,
				execution_id = excluded.execution_id,
				batch_id = excluded.batch_id,
				captured_at = excluded.captured_at,
				updated_at = excluded.updated_at`)
		_, err := tx.ExecContext(ctx, upsert,
			entry.Domain, entry.PartitionKey, entry.Stage, entry.StageRank,
			entry.Status, entry.RowCount, metrics,
			nullString(entry.CaptureID), entry.ExecutionID,
			nullString(entry.BatchID), formatTime(entry.CapturedAt),
			formatTime(now), formatTime(now))
		if err != nil {
			return fmt.Errorf("upserting manifest: %w", err)
		}
		return nil
	})
}

// GetManifestStage loads one stage mark.
func (s *Store) GetManifestStage(ctx context.Context, domain, partitionKey, stage string) (*ManifestEntry, error) {
	query := s.rebind(`SELECT ` + manifestColumns + ` FROM core_manifest
		WHERE domain = ? AND partition_key = ? AND stage = ?`)
	entry, err := scanManifestEntry(s.db.QueryRowContext(ctx, query, domain, partitionKey, stage))
	if err == sql.ErrNoRows {
		return nil, &spineerrors.NotFoundError{
			Resource: "manifest stage",
			ID:       domain + "/" + partitionKey + "/" + stage,
		}
	}
	if err != nil {
		return nil, fmt.Errorf("querying manifest: %w", err)
	}
	return entry, nil
}

// ListManifestStages returns a partition's marks in rank order.
func (s *Store) ListManifestStages(ctx context.Context, domain, partitionKey string) ([]*ManifestEntry, error) {
	query := s.rebind(`SELECT ` + manifestColumns + ` FROM core_manifest
		WHERE domain = ? AND partition_key = ? ORDER BY stage_rank`)
	rows, err := s.db.QueryContext(ctx, query, domain, partitionKey)
	if err != nil {
		return nil, fmt.Errorf("listing manifest stages: %w", err)
	}
	defer rows.Close()

	var entries []*ManifestEntry
	for rows.Next() {
		entry, err := scanManifestEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning manifest: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// StagesComplete reports whether every named stage is marked complete
// for the partition.
func (s *Store) StagesComplete(ctx context.Context, domain, partitionKey string, stages []string) (bool, error) {
	if len(stages) == 0 {
		return true, nil
	}
	query, args, err := sqlx.In(`SELECT COUNT(DISTINCT stage) FROM core_manifest
		WHERE domain = ? AND partition_key = ? AND status = 'complete' AND stage IN (?)`,
		domain, partitionKey, stages)
	if err != nil {
		return false, fmt.Errorf("expanding stage predicate: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, s.rebind(query), args...).Scan(&n); err != nil {
		return false, fmt.Errorf("counting manifest stages: %w", err)
	}
	return n == len(stages), nil
}

func scanManifestEntry(row rowScanner) (*ManifestEntry, error) {
	var entry ManifestEntry
	var metrics, captureID, batchID sql.NullString
	var capturedAt, createdAt, updatedAt sql.NullString

	err := row.Scan(&entry.Domain, &entry.PartitionKey, &entry.Stage,
		&entry.StageRank, &entry.Status, &entry.RowCount, &metrics,
		&captureID, &entry.ExecutionID, &batchID, &capturedAt,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	entry.CaptureID = captureID.String
	entry.BatchID = batchID.String
	if entry.Metrics, err = scanJSON(metrics); err != nil {
		return nil, err
	}
	if entry.CapturedAt, err = scanTime(capturedAt); err != nil {
		return nil, err
	}
	if entry.CreatedAt, err = scanTime(createdAt); err != nil {
		return nil, err
	}
	if entry.UpdatedAt, err = scanTime(updatedAt); err != nil {
		return nil, err
	}
	return &entry, nil
}
