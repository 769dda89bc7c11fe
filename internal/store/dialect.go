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
	"fmt"
	"strings"
)

// Dialect captures the behavioral differences between the supported
// databases. Everything else is written once against sqlx with ?
// placeholders and rebound per driver.
type Dialect interface {
	// Name is the dialect identifier ("sqlite" or "postgres").
	Name() string

	// DriverName is the database/sql driver to open.
	DriverName() string

	// DSN converts the configured URL or path into a driver DSN.
	DSN() string

	// SupportsSkipLocked reports whether leasing can use
	// SELECT ... FOR UPDATE SKIP LOCKED. When false, leasing falls back
	// to claimed_by plus lease expiry, guarded by status predicates.
	SupportsSkipLocked() bool

	// MigrationsDir is the subdirectory of the embedded migrations FS
	// holding this dialect's DDL.
	MigrationsDir() string
}

type sqliteDialect struct {
	path string
}

func (d *sqliteDialect) Name() string       { return "sqlite" }
func (d *sqliteDialect) DriverName() string { return "sqlite" }

func (d *sqliteDialect) DSN() string {
	return d.path
}

func (d *sqliteDialect) SupportsSkipLocked() bool { return false }
func (d *sqliteDialect) MigrationsDir() string    { return "migrations/sqlite" }

type postgresDialect struct {
	url string
}

func (d *postgresDialect) Name() string       { return "postgres" }
func (d *postgresDialect) DriverName() string { return "pgx" }

func (d *postgresDialect) DSN() string {
	return d.url
}

func (d *postgresDialect) SupportsSkipLocked() bool { return true }
func (d *postgresDialect) MigrationsDir() string    { return "migrations/postgres" }

// DialectFor resolves a dialect from a connection URL and/or SQLite path.
// A postgres:// or postgresql:// URL selects Postgres; a sqlite:// or
// file:// URL, or a bare path, selects SQLite.
func DialectFor(url, path string) (Dialect, error) {
	if url != "" {
		scheme, rest, found := strings.Cut(url, "://")
		if !found {
			return nil, fmt.Errorf("database url %q has no scheme", url)
		}
		switch scheme {
		case "postgres", "postgresql":
			return &postgresDialect{url: url}, nil
		case "sqlite", "file":
			return &sqliteDialect{path: rest}, nil
		default:
			return nil, fmt.Errorf("unsupported database scheme %q", scheme)
		}
	}
	if path == "" {
		return nil, fmt.Errorf("no database url or path configured")
	}
	return &sqliteDialect{path: path}, nil
}
