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

package dispatch

import (
	"context"

	"github.com/ryansmccoy/spine/internal/store"
)

// InlineExecutor runs submissions synchronously in the caller. This is
// the sync execution mode: Submit returns only once the execution is
// terminal, which is what the CLI's run command wants.
type InlineExecutor struct {
	store   *store.Store
	runtime *Runtime
}

// NewInlineExecutor returns the synchronous executor.
func NewInlineExecutor(st *store.Store, rt *Runtime) *InlineExecutor {
	return &InlineExecutor{store: st, runtime: rt}
}

// Execute claims the execution and runs it to a terminal status.
func (e *InlineExecutor) Execute(ctx context.Context, exec *store.Execution) (*store.Execution, error) {
	claimed, err := e.store.TransitionExecution(ctx, exec.ID,
		[]store.ExecutionStatus{store.StatusPending, store.StatusQueued},
		store.StatusRunning,
		store.ExecutionUpdate{StartedAt: e.store.Now()},
		&store.ExecutionEvent{
			EventType:      store.EventStarted,
			ToStatus:       store.StatusRunning,
			Payload:        map[string]any{"worker": "inline", "attempt": exec.Attempt},
			IdempotencyKey: exec.ID + ":started",
		})
	if err != nil {
		return nil, err
	}
	if !claimed {
		// Cancelled (or otherwise moved) between admission and start.
		return e.store.GetExecution(ctx, exec.ID)
	}
	running, err := e.store.GetExecution(ctx, exec.ID)
	if err != nil {
		return nil, err
	}
	return e.runtime.Run(ctx, running)
}
