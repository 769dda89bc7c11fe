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

// Package query serves read-only views over domain tables. Queries see
// the latest capture per business key, so a restatement replaces rows
// logically while old captures stay queryable by hand. Results are
// cached briefly; the read surfaces poll far more often than domain
// data changes.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	gocache "github.com/patrickmn/go-cache"

	spineerrors "github.com/ryansmccoy/spine/pkg/errors"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Table registers one queryable domain table and its shape.
type Table struct {
	// Domain is the logical name queries address ("finra.otc_transparency").
	Domain string

	// Name is the physical table.
	Name string

	// WeekColumn and SymbolColumn are the period and instrument axes.
	WeekColumn   string
	SymbolColumn string

	// TierColumn is optional; empty means the domain has no tiers.
	TierColumn string

	// BusinessKey identifies one logical row; the latest capture per
	// key wins.
	BusinessKey []string
}

func (t Table) validate() error {
	idents := append([]string{t.Name, t.WeekColumn, t.SymbolColumn}, t.BusinessKey...)
	if t.TierColumn != "" {
		idents = append(idents, t.TierColumn)
	}
	for _, ident := range idents {
		if !identPattern.MatchString(ident) {
			return &spineerrors.ValidationError{
				Field:   "table",
				Message: fmt.Sprintf("invalid identifier %q", ident),
			}
		}
	}
	if t.Domain == "" || len(t.BusinessKey) == 0 {
		return &spineerrors.ValidationError{
			Field:   "table",
			Message: "domain and business key are required",
		}
	}
	return nil
}

// Catalog maps domains to their registered tables.
type Catalog struct {
	mu     sync.RWMutex
	tables map[string]Table
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{tables: make(map[string]Table)}
}

// Register adds one domain table.
func (c *Catalog) Register(t Table) error {
	if err := t.validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.tables[t.Domain]; dup {
		return &spineerrors.ValidationError{
			Field:   "domain",
			Message: fmt.Sprintf("domain %q already registered", t.Domain),
		}
	}
	c.tables[t.Domain] = t
	return nil
}

// Get returns a registered table.
func (c *Catalog) Get(domain string) (Table, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tables[domain]
	if !ok {
		return Table{}, &spineerrors.NotFoundError{Resource: "domain", ID: domain}
	}
	return t, nil
}

// Domains lists registered domains, sorted.
func (c *Catalog) Domains() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	domains := make([]string, 0, len(c.tables))
	for domain := range c.tables {
		domains = append(domains, domain)
	}
	sort.Strings(domains)
	return domains
}

// Service answers week and symbol queries.
type Service struct {
	db      *sqlx.DB
	catalog *Catalog
	cache   *gocache.Cache
	log     *slog.Logger
}

// New returns a query service with the given cache TTL.
func New(db *sqlx.DB, catalog *Catalog, ttl time.Duration, log *slog.Logger) *Service {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Service{
		db:      db,
		catalog: catalog,
		cache:   gocache.New(ttl, 2*ttl),
		log:     log,
	}
}

// WeeksRequest selects the period axis of one domain.
type WeeksRequest struct {
	Domain string
	Tier   string
	Limit  int
}

// Weeks returns the distinct reporting periods present for a domain,
// newest first.
func (s *Service) Weeks(ctx context.Context, req WeeksRequest) ([]string, error) {
	table, err := s.catalog.Get(req.Domain)
	if err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	cacheKey := fmt.Sprintf("weeks|%s|%s|%d", req.Domain, req.Tier, limit)
	if cached, ok := s.cache.Get(cacheKey); ok {
		return cached.([]string), nil
	}

	query := fmt.Sprintf(`SELECT DISTINCT %s FROM %s`, table.WeekColumn, table.Name)
	var args []any
	if req.Tier != "" {
		if table.TierColumn == "" {
			return nil, &spineerrors.ValidationError{
				Field:   "tier",
				Message: fmt.Sprintf("domain %s has no tiers", req.Domain),
			}
		}
		query += fmt.Sprintf(" WHERE %s = ?", table.TierColumn)
		args = append(args, req.Tier)
	}
	query += fmt.Sprintf(" ORDER BY %s DESC LIMIT %d", table.WeekColumn, limit)

	var weeks []string
	if err := s.db.SelectContext(ctx, &weeks, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("querying weeks for %s: %w", req.Domain, err)
	}
	s.cache.SetDefault(cacheKey, weeks)
	return weeks, nil
}

// SymbolsRequest selects latest-capture rows for one period.
type SymbolsRequest struct {
	Domain string
	Week   string
	Tier   string
	Symbol string
	Limit  int

	// Filter is an optional jq expression applied per row after the
	// database read. Rows are dropped or reshaped by its output.
	Filter string
}

// Symbols returns the latest capture of each business-key row for the
// requested period.
func (s *Service) Symbols(ctx context.Context, req SymbolsRequest) ([]any, error) {
	table, err := s.catalog.Get(req.Domain)
	if err != nil {
		return nil, err
	}
	if req.Week == "" {
		return nil, &spineerrors.ValidationError{Field: "week", Message: "week is required"}
	}
	limit := req.Limit
	if limit <= 0 || limit > 10000 {
		limit = 1000
	}

	rows, err := s.latestRows(ctx, table, req, limit)
	if err != nil {
		return nil, err
	}
	if req.Filter == "" {
		out := make([]any, len(rows))
		for i, row := range rows {
			out[i] = row
		}
		return out, nil
	}
	return ApplyFilter(rows, req.Filter)
}

// latestRows implements the latest-capture view: for each business key
// the row with the greatest captured_at wins.
func (s *Service) latestRows(ctx context.Context, table Table, req SymbolsRequest, limit int) ([]map[string]any, error) {
	key := strings.Join(table.BusinessKey, ", ")
	joins := make([]string, len(table.BusinessKey))
	for i, col := range table.BusinessKey {
		joins[i] = fmt.Sprintf("t.%s = latest.%s", col, col)
	}

	query := fmt.Sprintf(`SELECT t.* FROM %s t
		JOIN (
			SELECT %s, MAX(captured_at) AS captured_at
			FROM %s WHERE %s = ? GROUP BY %s
		) latest ON %s AND t.captured_at = latest.captured_at
		WHERE t.%s = ?`,
		table.Name, key, table.Name, table.WeekColumn, key,
		strings.Join(joins, " AND "), table.WeekColumn)
	args := []any{req.Week, req.Week}

	if req.Tier != "" && table.TierColumn != "" {
		query += fmt.Sprintf(" AND t.%s = ?", table.TierColumn)
		args = append(args, req.Tier)
	}
	if req.Symbol != "" {
		query += fmt.Sprintf(" AND t.%s = ?", table.SymbolColumn)
		args = append(args, req.Symbol)
	}
	query += fmt.Sprintf(" ORDER BY t.%s LIMIT %d", table.SymbolColumn, limit)

	dbRows, err := s.db.QueryxContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", table.Domain, err)
	}
	defer dbRows.Close()

	var rows []map[string]any
	for dbRows.Next() {
		row := make(map[string]any)
		if err := dbRows.MapScan(row); err != nil {
			return nil, fmt.Errorf("scanning %s row: %w", table.Domain, err)
		}
		for k, v := range row {
			if b, ok := v.([]byte); ok {
				row[k] = string(b)
			}
		}
		rows = append(rows, row)
	}
	return rows, dbRows.Err()
}
