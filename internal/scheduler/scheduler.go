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

// Package scheduler fires declarative schedules into the dispatcher.
// Each firing is materialized as a schedule run before submission, and
// the (schedule_id, scheduled_for) uniqueness plus per-schedule DB
// locks make every tick fire at most once across daemon instances.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ryansmccoy/spine/internal/dispatch"
	"github.com/ryansmccoy/spine/internal/metrics"
	"github.com/ryansmccoy/spine/internal/store"
)

// Firing outcomes recorded on schedule runs and metrics.
const (
	outcomeSubmitted = "submitted"
	outcomeSkipped   = "skipped"
	outcomeFailed    = "failed"
)

// Config tunes the schedule loop.
type Config struct {
	// InstanceID identifies this daemon in schedule locks.
	InstanceID string

	// TickInterval is how often due schedules are polled.
	TickInterval time.Duration

	// LockTTL bounds how long a crashed instance can hold a schedule.
	LockTTL time.Duration

	// MisfireGrace is the default window after the scheduled time in
	// which a late firing still submits. Per-schedule grace overrides.
	MisfireGrace time.Duration

	// SchedulesFile, when set, is loaded at start and hot-reloaded on
	// change.
	SchedulesFile string
}

// Scheduler owns the tick loop.
type Scheduler struct {
	store      *store.Store
	dispatcher *dispatch.Dispatcher
	cfg        Config
	log        *slog.Logger
}

// New returns a stopped scheduler; call Run to start it.
func New(st *store.Store, d *dispatch.Dispatcher, cfg Config, log *slog.Logger) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 15 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Minute
	}
	if cfg.MisfireGrace <= 0 {
		cfg.MisfireGrace = time.Hour
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = "scheduler-" + uuid.NewString()[:8]
	}
	return &Scheduler{store: st, dispatcher: d, cfg: cfg, log: log}
}

// Run loads the schedules file, starts its watcher, and ticks until
// ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.cfg.SchedulesFile != "" {
		entries, err := LoadSchedulesFile(s.cfg.SchedulesFile)
		if err != nil {
			return err
		}
		if err := SyncSchedules(ctx, s.store, entries, s.log); err != nil {
			return err
		}
		s.log.Info("schedules loaded", "path", s.cfg.SchedulesFile, "schedules", len(entries))
		go func() {
			if err := s.watchSchedulesFile(ctx, s.cfg.SchedulesFile); err != nil {
				s.log.Error("schedules watcher stopped", "error", err)
			}
		}()
	}

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	s.log.Info("scheduler started", "tick_interval", s.cfg.TickInterval)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every due schedule once. Exported so tests and the doctor
// command can drive the loop deterministically.
func (s *Scheduler) Tick(ctx context.Context) {
	due, err := s.store.DueSchedules(ctx)
	if err != nil {
		s.log.Error("listing due schedules failed", "error", err)
		return
	}
	for _, sched := range due {
		if ctx.Err() != nil {
			return
		}
		s.fire(ctx, sched)
	}
}

func (s *Scheduler) fire(ctx context.Context, sched *store.Schedule) {
	held, err := s.store.AcquireScheduleLock(ctx, sched.ID, s.cfg.InstanceID, s.cfg.LockTTL)
	if err != nil {
		s.log.Error("schedule lock failed", "schedule", sched.Name, "error", err)
		return
	}
	if !held {
		return
	}
	defer func() {
		if err := s.store.ReleaseScheduleLock(ctx, sched.ID, s.cfg.InstanceID); err != nil {
			s.log.Warn("schedule lock release failed", "schedule", sched.Name, "error", err)
		}
	}()

	now := s.store.Now()
	scheduledFor := sched.NextRunAt
	if scheduledFor.IsZero() {
		scheduledFor = now
	}

	run := &store.ScheduleRun{
		ID:           uuid.NewString(),
		ScheduleID:   sched.ID,
		ScheduledFor: scheduledFor,
	}
	created, err := s.store.CreateScheduleRun(ctx, run)
	if err != nil {
		s.log.Error("materializing schedule run failed", "schedule", sched.Name, "error", err)
		return
	}
	if created {
		outcome := s.resolveRun(ctx, sched, run, now)
		metrics.RecordScheduleFire(sched.Name, outcome)
	}

	next, err := NextRun(sched.CronExpr, sched.EverySeconds, sched.Timezone, now)
	if err != nil {
		s.log.Error("computing next run failed", "schedule", sched.Name, "error", err)
		return
	}
	if err := s.store.SetScheduleNextRun(ctx, sched.ID, next); err != nil {
		s.log.Error("advancing schedule failed", "schedule", sched.Name, "error", err)
	}
}

// resolveRun takes a freshly materialized run to its terminal status:
// skipped (misfire or instance cap), failed (submit error), or
// submitted.
func (s *Scheduler) resolveRun(ctx context.Context, sched *store.Schedule, run *store.ScheduleRun, now time.Time) string {
	grace := s.cfg.MisfireGrace
	if sched.MisfireGraceSeconds > 0 {
		grace = time.Duration(sched.MisfireGraceSeconds) * time.Second
	}
	if late := now.Sub(run.ScheduledFor); late > grace {
		s.skip(ctx, sched, run, "misfire: "+late.Truncate(time.Second).String()+" past scheduled time")
		return outcomeSkipped
	}

	if sched.MaxInstances > 0 {
		active, err := s.store.CountActiveExecutionsForSchedule(ctx, sched.ID)
		if err != nil {
			s.log.Error("counting active executions failed", "schedule", sched.Name, "error", err)
			return outcomeFailed
		}
		if active >= sched.MaxInstances {
			s.skip(ctx, sched, run, "max_instances reached")
			return outcomeSkipped
		}
	}

	exec, err := s.dispatcher.Submit(ctx, dispatch.Submission{
		Pipeline:      sched.Pipeline,
		Params:        sched.Params,
		Lane:          sched.Lane,
		TriggerSource: "schedule:" + sched.Name,
		ScheduleRunID: run.ID,
		// Scheduled firings replay cleanly across crashes between
		// materialization and submit.
		IdempotencyKey: sched.ID + "@" + run.ScheduledFor.UTC().Format(time.RFC3339),
	})
	if err != nil {
		if _, rerr := s.store.ResolveScheduleRun(ctx, run.ID, store.ScheduleRunFailed, "", err.Error()); rerr != nil {
			s.log.Error("resolving schedule run failed", "schedule", sched.Name, "error", rerr)
		}
		s.log.Error("schedule submission failed", "schedule", sched.Name, "error", err)
		return outcomeFailed
	}

	if _, err := s.store.ResolveScheduleRun(ctx, run.ID, store.ScheduleRunSubmitted, exec.ID, ""); err != nil {
		s.log.Error("resolving schedule run failed", "schedule", sched.Name, "error", err)
	}
	if err := s.store.RecordScheduleFiring(ctx, sched.ID, run.ID, now); err != nil {
		s.log.Warn("recording schedule firing failed", "schedule", sched.Name, "error", err)
	}
	s.log.Info("schedule fired",
		"schedule", sched.Name,
		"pipeline", sched.Pipeline,
		"execution_id", exec.ID,
		"scheduled_for", run.ScheduledFor)
	return outcomeSubmitted
}

func (s *Scheduler) skip(ctx context.Context, sched *store.Schedule, run *store.ScheduleRun, reason string) {
	if _, err := s.store.ResolveScheduleRun(ctx, run.ID, store.ScheduleRunSkipped, "", reason); err != nil {
		s.log.Error("resolving schedule run failed", "schedule", sched.Name, "error", err)
	}
	s.log.Warn("schedule firing skipped", "schedule", sched.Name, "reason", reason)
}
