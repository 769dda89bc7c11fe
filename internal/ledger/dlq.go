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

package ledger

import (
	"context"

	"github.com/oklog/ulid/v2"

	"github.com/ryansmccoy/spine/internal/store"
	spineerrors "github.com/ryansmccoy/spine/pkg/errors"
)

// RetryFromDeadLetter admits a fresh execution for a dead-lettered
// chain. The dead-lettered execution stays terminal; the successor
// starts a new attempt cycle with parent_execution_id preserving
// lineage. The dead letter itself stays open until an operator
// resolves it, so repeated retries remain possible.
func (l *Ledger) RetryFromDeadLetter(ctx context.Context, deadLetterID string) (*store.Execution, error) {
	dl, err := l.store.GetDeadLetter(ctx, deadLetterID)
	if err != nil {
		return nil, err
	}
	if dl.Resolved() {
		return nil, &spineerrors.OrchestrationError{
			Op:      "dlq.retry",
			Message: "dead letter " + dl.ID + " is already resolved",
		}
	}
	origin, err := l.store.GetExecution(ctx, dl.ExecutionID)
	if err != nil {
		return nil, err
	}

	retry := &store.Execution{
		ID:                ulid.Make().String(),
		Pipeline:          origin.Pipeline,
		Params:            origin.Params,
		LogicalKey:        origin.LogicalKey,
		Lane:              origin.Lane,
		TriggerSource:     TriggerDLQRetry,
		Attempt:           1,
		MaxAttempts:       origin.MaxAttempts,
		ParentExecutionID: origin.ID,
		BatchID:           SeedFor(origin),
		TimeoutSeconds:    origin.TimeoutSeconds,
	}
	created, _, err := l.store.CreateExecution(ctx, retry)
	if err != nil {
		return nil, err
	}
	if err := l.store.TouchDeadLetterRetry(ctx, dl.ID); err != nil {
		return nil, err
	}
	l.log.Info("dead letter retried",
		"dead_letter_id", dl.ID,
		"execution_id", origin.ID,
		"retry_execution_id", created.ID)
	return created, nil
}

// ResolveDeadLetter closes an entry without retrying it.
func (l *Ledger) ResolveDeadLetter(ctx context.Context, deadLetterID string) error {
	return l.store.ResolveDeadLetter(ctx, deadLetterID)
}
