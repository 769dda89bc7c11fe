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

package commands

import (
	"context"

	"github.com/ryansmccoy/spine/internal/dispatch"
	"github.com/ryansmccoy/spine/internal/store"
)

// DeadLetterReader is the read slice of the store DLQ commands need.
type DeadLetterReader interface {
	ListDeadLetters(ctx context.Context, includeResolved bool, limit int) ([]*store.DeadLetter, error)
}

// DeadLetterAdmitter reopens dead-lettered chains. Satisfied by
// *ledger.Ledger.
type DeadLetterAdmitter interface {
	RetryFromDeadLetter(ctx context.Context, deadLetterID string) (*store.Execution, error)
	ResolveDeadLetter(ctx context.Context, deadLetterID string) error
}

// ListDeadLetters lists DLQ entries newest-first.
type ListDeadLetters struct {
	Store DeadLetterReader
}

// ListDeadLettersRequest controls whether resolved entries appear.
type ListDeadLettersRequest struct {
	IncludeResolved bool
	Limit           int
}

// ListDeadLettersResponse carries matching entries.
type ListDeadLettersResponse struct {
	DeadLetters []DeadLetterView `json:"dead_letters"`
}

func (c *ListDeadLetters) Execute(ctx context.Context, req ListDeadLettersRequest) (*ListDeadLettersResponse, error) {
	entries, err := c.Store.ListDeadLetters(ctx, req.IncludeResolved, req.Limit)
	if err != nil {
		return nil, err
	}
	views := make([]DeadLetterView, len(entries))
	for i, dl := range entries {
		views[i] = NewDeadLetterView(dl)
	}
	return &ListDeadLettersResponse{DeadLetters: views}, nil
}

// RetryDeadLetter admits a fresh execution for a dead-lettered chain
// and hands it to the executor.
type RetryDeadLetter struct {
	Ledger   DeadLetterAdmitter
	Executor dispatch.Executor
}

// RetryDeadLetterRequest names the dead letter to retry.
type RetryDeadLetterRequest struct {
	ID string
}

// RetryDeadLetterResponse reports the successor execution.
type RetryDeadLetterResponse struct {
	Execution ExecutionView `json:"execution"`
}

func (c *RetryDeadLetter) Execute(ctx context.Context, req RetryDeadLetterRequest) (*RetryDeadLetterResponse, error) {
	exec, err := c.Ledger.RetryFromDeadLetter(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	exec, err = c.Executor.Execute(ctx, exec)
	if err != nil {
		return nil, err
	}
	return &RetryDeadLetterResponse{Execution: NewExecutionView(exec)}, nil
}

// ResolveDeadLetter closes a DLQ entry without retrying it.
type ResolveDeadLetter struct {
	Ledger DeadLetterAdmitter
}

// ResolveDeadLetterRequest names the dead letter to close.
type ResolveDeadLetterRequest struct {
	ID string
}

func (c *ResolveDeadLetter) Execute(ctx context.Context, req ResolveDeadLetterRequest) error {
	return c.Ledger.ResolveDeadLetter(ctx, req.ID)
}
