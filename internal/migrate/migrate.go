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

// Package migrate applies ordered SQL migration files and records each
// applied file in a _migrations table. Files are named NNN_name.sql and
// run in lexicographic order; a file already recorded is skipped, so
// re-running against an existing database is a no-op.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/jmoiron/sqlx"
)

const ledgerTable = `CREATE TABLE IF NOT EXISTS _migrations (
	filename TEXT PRIMARY KEY,
	applied_at TEXT NOT NULL
)`

// Apply runs every migration under dir that is not yet recorded.
// Each file executes in its own transaction together with its ledger
// insert, so a failed migration leaves no partial record. driverName
// selects the placeholder style for the ledger insert.
func Apply(ctx context.Context, db *sql.DB, driverName string, fsys fs.FS, dir string) error {
	if _, err := db.ExecContext(ctx, ledgerTable); err != nil {
		return fmt.Errorf("creating _migrations table: %w", err)
	}

	files, err := listMigrations(fsys, dir)
	if err != nil {
		return err
	}

	applied, err := appliedSet(ctx, db)
	if err != nil {
		return err
	}

	for _, file := range files {
		name := path.Base(file)
		if applied[name] {
			continue
		}
		contents, err := fs.ReadFile(fsys, file)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		if err := applyOne(ctx, db, driverName, name, string(contents)); err != nil {
			return err
		}
	}
	return nil
}

// Pending reports migration filenames under dir not yet recorded in the
// ledger, in apply order. An empty slice means the schema is current.
func Pending(ctx context.Context, db *sql.DB, fsys fs.FS, dir string) ([]string, error) {
	files, err := listMigrations(fsys, dir)
	if err != nil {
		return nil, err
	}

	applied, err := appliedSet(ctx, db)
	if err != nil {
		return nil, err
	}

	var pending []string
	for _, file := range files {
		name := path.Base(file)
		if !applied[name] {
			pending = append(pending, name)
		}
	}
	return pending, nil
}

func listMigrations(fsys fs.FS, dir string) ([]string, error) {
	pattern := path.Join(dir, "**", "*.sql")
	files, err := doublestar.Glob(fsys, pattern)
	if err != nil {
		return nil, fmt.Errorf("globbing migrations: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

func appliedSet(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT filename FROM _migrations")
	if err != nil {
		// A missing table means nothing has been applied yet.
		return map[string]bool{}, nil
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning _migrations row: %w", err)
		}
		applied[name] = true
	}
	return applied, rows.Err()
}

func applyOne(ctx context.Context, db *sql.DB, driverName, name, contents string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning migration %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, contents); err != nil {
		tx.Rollback()
		return fmt.Errorf("applying migration %s: %w", name, err)
	}
	appliedAt := time.Now().UTC().Format(time.RFC3339)
	record := sqlx.Rebind(sqlx.BindType(driverName),
		"INSERT INTO _migrations (filename, applied_at) VALUES (?, ?)")
	if _, err := tx.ExecContext(ctx, record, name, appliedAt); err != nil {
		tx.Rollback()
		return fmt.Errorf("recording migration %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration %s: %w", name, err)
	}
	return nil
}
