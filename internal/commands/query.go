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

	"github.com/ryansmccoy/spine/internal/query"
)

// QueryService answers read-only domain queries. Satisfied by
// *query.Service.
type QueryService interface {
	Weeks(ctx context.Context, req query.WeeksRequest) ([]string, error)
	Symbols(ctx context.Context, req query.SymbolsRequest) ([]any, error)
}

// QueryWeeks lists available reporting periods for a domain.
type QueryWeeks struct {
	Service QueryService
}

// QueryWeeksRequest selects the domain and optional tier.
type QueryWeeksRequest struct {
	Domain string
	Tier   string
	Limit  int
}

// QueryWeeksResponse carries periods newest-first.
type QueryWeeksResponse struct {
	Domain string   `json:"domain"`
	Weeks  []string `json:"weeks"`
}

func (c *QueryWeeks) Execute(ctx context.Context, req QueryWeeksRequest) (*QueryWeeksResponse, error) {
	weeks, err := c.Service.Weeks(ctx, query.WeeksRequest{
		Domain: req.Domain,
		Tier:   req.Tier,
		Limit:  req.Limit,
	})
	if err != nil {
		return nil, err
	}
	return &QueryWeeksResponse{Domain: req.Domain, Weeks: weeks}, nil
}

// QuerySymbols returns latest-capture rows for one period.
type QuerySymbols struct {
	Service QueryService
}

// QuerySymbolsRequest selects the slice to read. Filter is an optional
// jq expression applied per row.
type QuerySymbolsRequest struct {
	Domain string
	Week   string
	Tier   string
	Symbol string
	Limit  int
	Filter string
}

// QuerySymbolsResponse carries rows, possibly reshaped by the filter.
type QuerySymbolsResponse struct {
	Domain string `json:"domain"`
	Week   string `json:"week"`
	Rows   []any  `json:"rows"`
}

func (c *QuerySymbols) Execute(ctx context.Context, req QuerySymbolsRequest) (*QuerySymbolsResponse, error) {
	rows, err := c.Service.Symbols(ctx, query.SymbolsRequest{
		Domain: req.Domain,
		Week:   req.Week,
		Tier:   req.Tier,
		Symbol: req.Symbol,
		Limit:  req.Limit,
		Filter: req.Filter,
	})
	if err != nil {
		return nil, err
	}
	return &QuerySymbolsResponse{Domain: req.Domain, Week: req.Week, Rows: rows}, nil
}
