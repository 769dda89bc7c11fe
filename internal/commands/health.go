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

	"github.com/ryansmccoy/spine/internal/store"
)

// HealthStore is the slice of the store health checks need.
type HealthStore interface {
	Ping(ctx context.Context) error
	PendingMigrations(ctx context.Context) ([]string, error)
	CountExecutionsByStatus(ctx context.Context) (map[store.ExecutionStatus]int, error)
}

// CheckHealth reports liveness plus queue depths.
type CheckHealth struct {
	Store   HealthStore
	Version string
}

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status     string         `json:"status"`
	Version    string         `json:"version,omitempty"`
	Database   string         `json:"database"`
	Executions map[string]int `json:"executions,omitempty"`
}

func (c *CheckHealth) Execute(ctx context.Context) (*HealthResponse, error) {
	resp := &HealthResponse{Status: "ok", Version: c.Version, Database: "ok"}
	if err := c.Store.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Database = err.Error()
		return resp, nil
	}
	counts, err := c.Store.CountExecutionsByStatus(ctx)
	if err != nil {
		return nil, err
	}
	resp.Executions = make(map[string]int, len(counts))
	for status, n := range counts {
		resp.Executions[string(status)] = n
	}
	return resp, nil
}

// GetCapabilities reports which service tiers this deployment offers.
type GetCapabilities struct {
	Version string

	// Async is true when a worker pool executes admissions; false in
	// the embedded, run-inline tier.
	Async bool

	// Scheduling is true when the scheduler loop is running.
	Scheduling bool

	// Workers is the configured pool width, zero when Async is false.
	Workers int

	// Lanes are the routing labels the executor honors.
	Lanes []string
}

// CapabilitiesResponse is the GET /v1/capabilities body. History is
// always true: every deployment keeps the execution ledger. Auth is
// always false; the API is bind-address protected only.
type CapabilitiesResponse struct {
	Service    string   `json:"service"`
	Version    string   `json:"version,omitempty"`
	Async      bool     `json:"async"`
	History    bool     `json:"history"`
	Scheduling bool     `json:"scheduling"`
	Auth       bool     `json:"auth"`
	Workers    int      `json:"workers,omitempty"`
	Lanes      []string `json:"lanes,omitempty"`
}

func (c *GetCapabilities) Execute(ctx context.Context) (*CapabilitiesResponse, error) {
	return &CapabilitiesResponse{
		Service:    "spine",
		Version:    c.Version,
		Async:      c.Async,
		History:    true,
		Scheduling: c.Scheduling,
		Auth:       false,
		Workers:    c.Workers,
		Lanes:      c.Lanes,
	}, nil
}
