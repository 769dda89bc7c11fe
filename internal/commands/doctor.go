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
	"fmt"

	"github.com/ryansmccoy/spine/internal/store"
)

// DoctorStore is the slice of the store diagnostics need.
type DoctorStore interface {
	Ping(ctx context.Context) error
	PendingMigrations(ctx context.Context) ([]string, error)
	StaleRunningExecutions(ctx context.Context, limit int) ([]*store.Execution, error)
	ListDeadLetters(ctx context.Context, includeResolved bool, limit int) ([]*store.DeadLetter, error)
	CountExpiredScheduleLocks(ctx context.Context) (int, error)
}

// DoctorCheck is one diagnostic result.
type DoctorCheck struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// DoctorReport aggregates all checks; Healthy is the conjunction.
type DoctorReport struct {
	Healthy bool          `json:"healthy"`
	Checks  []DoctorCheck `json:"checks"`
}

// Doctor runs operational diagnostics against a deployment.
type Doctor struct {
	Store DoctorStore
}

func (c *Doctor) Execute(ctx context.Context) (*DoctorReport, error) {
	report := &DoctorReport{Healthy: true}
	add := func(name string, ok bool, detail string) {
		report.Checks = append(report.Checks, DoctorCheck{Name: name, OK: ok, Detail: detail})
		if !ok {
			report.Healthy = false
		}
	}

	if err := c.Store.Ping(ctx); err != nil {
		add("database", false, err.Error())
		// Nothing below works without the database.
		return report, nil
	}
	add("database", true, "reachable")

	pending, err := c.Store.PendingMigrations(ctx)
	if err != nil {
		add("migrations", false, err.Error())
	} else if len(pending) > 0 {
		add("migrations", false, fmt.Sprintf("%d pending, run `spine db init`", len(pending)))
	} else {
		add("migrations", true, "current")
	}

	stale, err := c.Store.StaleRunningExecutions(ctx, 100)
	if err != nil {
		add("stale_executions", false, err.Error())
	} else if len(stale) > 0 {
		add("stale_executions", false, fmt.Sprintf("%d running past lease expiry", len(stale)))
	} else {
		add("stale_executions", true, "none")
	}

	unresolved, err := c.Store.ListDeadLetters(ctx, false, 1000)
	if err != nil {
		add("dead_letters", false, err.Error())
	} else if len(unresolved) > 0 {
		// Unresolved entries are operator work, not a fault.
		add("dead_letters", true, fmt.Sprintf("%d unresolved", len(unresolved)))
	} else {
		add("dead_letters", true, "empty")
	}

	leaked, err := c.Store.CountExpiredScheduleLocks(ctx)
	if err != nil {
		add("schedule_locks", false, err.Error())
	} else if leaked > 0 {
		add("schedule_locks", false, fmt.Sprintf("%d expired locks not reclaimed", leaked))
	} else {
		add("schedule_locks", true, "clean")
	}

	return report, nil
}
