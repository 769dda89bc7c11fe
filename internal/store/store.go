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

// Package store provides the relational persistence layer for Spine.
// It speaks SQLite (the default, via modernc.org/sqlite) and Postgres
// (via pgx), selected from the configured database URL. All timestamps
// are stored as fixed-width UTC text so that lexicographic order equals
// chronological order in both engines.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/ryansmccoy/spine/internal/config"
	"github.com/ryansmccoy/spine/internal/migrate"
)

// TimeLayout is the canonical timestamp encoding for every column the
// store writes. Millisecond precision, always UTC, always 24 bytes.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// Store is the shared handle for all Spine persistence. It is safe for
// concurrent use; SQLite connections are serialized by the pool.
type Store struct {
	db      *sqlx.DB
	dialect Dialect
	now     func() time.Time
}

// Open connects to the configured database, applies pragmas for SQLite,
// and runs any pending migrations.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	dialect, err := DialectFor(cfg.URL, cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("resolving database dialect: %w", err)
	}

	if dialect.Name() == "sqlite" {
		if dir := filepath.Dir(dialect.DSN()); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating database directory: %w", err)
			}
		}
	}

	db, err := sqlx.Open(dialect.DriverName(), dialect.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	switch dialect.Name() {
	case "sqlite":
		// modernc.org/sqlite serializes writes; a single connection
		// avoids SQLITE_BUSY under concurrent workers.
		db.SetMaxOpenConns(1)
	default:
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := &Store{db: db, dialect: dialect, now: time.Now}

	if dialect.Name() == "sqlite" {
		if err := s.configurePragmas(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("configuring database: %w", err)
		}
	}

	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	return s, nil
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA auto_vacuum = INCREMENTAL",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("executing %s: %w", pragma, err)
		}
	}
	return nil
}

// Migrate applies any migration files not yet recorded in _migrations.
func (s *Store) Migrate(ctx context.Context) error {
	return migrate.Apply(ctx, s.db.DB, s.dialect.DriverName(), migrationFS, s.dialect.MigrationsDir())
}

// PendingMigrations lists migration files that have not been applied.
// Used by doctor to report schema drift without changing anything.
func (s *Store) PendingMigrations(ctx context.Context) ([]string, error) {
	return migrate.Pending(ctx, s.db.DB, migrationFS, s.dialect.MigrationsDir())
}

// Dialect exposes the active dialect for callers that branch on
// capability, such as the lease path.
func (s *Store) Dialect() Dialect { return s.dialect }

// DB exposes the underlying handle for domain-table reads and writes
// outside the core_* schema.
func (s *Store) DB() *sqlx.DB { return s.db }

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// InTx runs fn inside a transaction, committing on nil and rolling back
// on error or panic.
func (s *Store) InTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// rebind converts ? placeholders to the active driver's style.
func (s *Store) rebind(query string) string {
	return s.db.Rebind(query)
}

// Clock swaps the time source. Tests use this to make lease expiry and
// backoff deterministic.
func (s *Store) Clock(now func() time.Time) {
	s.now = now
}

func (s *Store) timeNow() time.Time {
	return s.now().UTC()
}

// Now exposes the store clock so callers that stamp their own rows stay
// consistent with lease and backoff arithmetic.
func (s *Store) Now() time.Time {
	return s.timeNow()
}

// formatTime encodes a timestamp in the canonical store layout.
func formatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// parseTime decodes a stored timestamp, tolerating plain RFC 3339 for
// rows written by older builds.
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// nullString converts empty strings to nil for nullable columns.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullTime converts zero times to nil for nullable timestamp columns.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

// nullJSON marshals a map to JSON text, or nil when the map is empty.
func nullJSON(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshaling json column: %w", err)
	}
	return string(b), nil
}

// jsonText marshals a map to JSON text, writing {} for empty maps.
// Used for NOT NULL JSON columns such as execution params.
func jsonText(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshaling json column: %w", err)
	}
	return string(b), nil
}

func scanTime(ns sql.NullString) (time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return time.Time{}, nil
	}
	return parseTime(ns.String)
}

func scanJSON(ns sql.NullString) (map[string]any, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, fmt.Errorf("unmarshaling json column: %w", err)
	}
	return m, nil
}
