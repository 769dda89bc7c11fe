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

package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/ryansmccoy/spine/internal/store"
)

// schedulesFile is the YAML document shape of the declarative
// schedules file.
type schedulesFile struct {
	Schedules []scheduleEntry `yaml:"schedules"`
}

type scheduleEntry struct {
	Name     string         `yaml:"name"`
	Pipeline string         `yaml:"pipeline"`
	Params   map[string]any `yaml:"params,omitempty"`

	// Cron and Every are mutually exclusive trigger styles.
	Cron  string        `yaml:"cron,omitempty"`
	Every time.Duration `yaml:"every,omitempty"`

	Timezone     string        `yaml:"timezone,omitempty"`
	Lane         string        `yaml:"lane,omitempty"`
	Enabled      *bool         `yaml:"enabled,omitempty"`
	MisfireGrace time.Duration `yaml:"misfire_grace,omitempty"`
	MaxInstances int           `yaml:"max_instances,omitempty"`
}

func (e scheduleEntry) validate() error {
	if e.Name == "" {
		return fmt.Errorf("schedule missing name")
	}
	if e.Pipeline == "" {
		return fmt.Errorf("schedule %q missing pipeline", e.Name)
	}
	if (e.Cron == "") == (e.Every == 0) {
		return fmt.Errorf("schedule %q needs exactly one of cron or every", e.Name)
	}
	if e.Cron != "" {
		if _, err := ParseCron(e.Cron); err != nil {
			return fmt.Errorf("schedule %q: %w", e.Name, err)
		}
	}
	return nil
}

// LoadSchedulesFile parses and validates the schedules YAML.
func LoadSchedulesFile(path string) ([]scheduleEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading schedules file: %w", err)
	}
	var doc schedulesFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing schedules file: %w", err)
	}
	seen := make(map[string]bool, len(doc.Schedules))
	for _, entry := range doc.Schedules {
		if err := entry.validate(); err != nil {
			return nil, err
		}
		if seen[entry.Name] {
			return nil, fmt.Errorf("duplicate schedule %q", entry.Name)
		}
		seen[entry.Name] = true
	}
	return doc.Schedules, nil
}

// SyncSchedules upserts file entries into the schedule table and seeds
// next_run_at for new or re-enabled schedules. Rows absent from the
// file are left alone; operators may manage extra schedules directly.
func SyncSchedules(ctx context.Context, st *store.Store, entries []scheduleEntry, log *slog.Logger) error {
	now := st.Now()
	for _, entry := range entries {
		enabled := entry.Enabled == nil || *entry.Enabled

		sched := &store.Schedule{
			Name:                entry.Name,
			Pipeline:            entry.Pipeline,
			Params:              entry.Params,
			CronExpr:            entry.Cron,
			EverySeconds:        int(entry.Every.Seconds()),
			Timezone:            entry.Timezone,
			Lane:                entry.Lane,
			Enabled:             enabled,
			MisfireGraceSeconds: int(entry.MisfireGrace.Seconds()),
			MaxInstances:        entry.MaxInstances,
		}
		if existing, err := st.GetScheduleByName(ctx, entry.Name); err == nil {
			sched.ID = existing.ID
			sched.NextRunAt = existing.NextRunAt
		} else {
			sched.ID = uuid.NewString()
		}
		if enabled && sched.NextRunAt.IsZero() {
			next, err := NextRun(sched.CronExpr, sched.EverySeconds, sched.Timezone, now)
			if err != nil {
				return err
			}
			sched.NextRunAt = next
		}
		if err := st.UpsertSchedule(ctx, sched); err != nil {
			return err
		}
		log.Debug("schedule synced",
			"schedule", sched.Name,
			"pipeline", sched.Pipeline,
			"next_run_at", sched.NextRunAt)
	}
	return nil
}

// watchSchedulesFile reloads and re-syncs on file changes until ctx is
// done. Editors replace files rather than writing in place, so the
// watch is on the directory and filtered by name; reloads are debounced
// because one save can emit several events.
func (s *Scheduler) watchSchedulesFile(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating schedules watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	const debounce = 250 * time.Millisecond
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("schedules watcher error", "error", err)
		case <-pending:
			pending = nil
			entries, err := LoadSchedulesFile(path)
			if err != nil {
				// A half-saved file must not clobber good schedules.
				s.log.Error("schedules file reload rejected", "path", path, "error", err)
				continue
			}
			if err := SyncSchedules(ctx, s.store, entries, s.log); err != nil {
				s.log.Error("schedules file sync failed", "path", path, "error", err)
				continue
			}
			s.log.Info("schedules file reloaded", "path", path, "schedules", len(entries))
		}
	}
}
