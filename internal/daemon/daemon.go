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

// Package daemon is the composition root for the long-running service
// tier: it owns the store, the worker pool, the scheduler, the
// background sweepers, and the HTTP API, and ties their lifecycles to
// one context.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ryansmccoy/spine/internal/commands"
	"github.com/ryansmccoy/spine/internal/config"
	"github.com/ryansmccoy/spine/internal/daemon/api"
	"github.com/ryansmccoy/spine/internal/dispatch"
	"github.com/ryansmccoy/spine/internal/ledger"
	"github.com/ryansmccoy/spine/internal/locks"
	internallog "github.com/ryansmccoy/spine/internal/log"
	"github.com/ryansmccoy/spine/internal/metrics"
	"github.com/ryansmccoy/spine/internal/pipelines"
	"github.com/ryansmccoy/spine/internal/scheduler"
	"github.com/ryansmccoy/spine/internal/store"
	"github.com/ryansmccoy/spine/internal/tracing"
	"github.com/ryansmccoy/spine/pkg/pipeline"
)

// How often the background sweepers run and how many stale executions
// one recovery pass will fail.
const (
	sweepInterval    = 30 * time.Second
	staleRecoveryCap = 100
)

// Options carries build identity into the daemon.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// Daemon hosts the async execution tier.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	store      *store.Store
	registry   *pipeline.Registry
	ledger     *ledger.Ledger
	lockMgr    *locks.Manager
	runtime    *dispatch.Runtime
	pool       *dispatch.PooledExecutor
	executor   dispatch.Executor
	dispatcher *dispatch.Dispatcher
	scheduler  *scheduler.Scheduler
	tracer     *tracing.Provider
	server     *http.Server
	listener   net.Listener

	draining atomic.Bool
	wg       sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// New opens the store and wires every component. The daemon is not
// serving until Start.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Daemon, error) {
	logger := internallog.WithComponent(internallog.New(&internallog.Config{
		Level:     cfg.Log.Level,
		Format:    internallog.Format(cfg.Log.Format),
		AddSource: cfg.Log.AddSource,
	}), "daemon")

	st, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	reg := pipeline.NewRegistry()
	pipelines.MustRegister(reg)

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "spined"
	}
	instanceID := fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])

	led := ledger.New(st, internallog.WithComponent(logger, "ledger"),
		ledger.NewBackoff(cfg.Execution.RetryBackoffBase, cfg.Execution.RetryBackoffCap))
	lockMgr := locks.NewManager(st, instanceID, locks.DefaultTTL,
		internallog.WithComponent(logger, "locks"))
	rt := dispatch.NewRuntime(st, reg, led, lockMgr,
		internallog.WithComponent(logger, "runtime"))

	d := &Daemon{
		cfg:      cfg,
		opts:     opts,
		logger:   logger,
		store:    st,
		registry: reg,
		ledger:   led,
		lockMgr:  lockMgr,
		runtime:  rt,
	}

	if cfg.SyncMode() {
		d.executor = dispatch.NewInlineExecutor(st, rt)
	} else {
		d.pool = dispatch.NewPooledExecutor(st, led, rt, dispatch.PoolConfig{
			WorkerID:           instanceID,
			Workers:            cfg.Execution.Workers,
			LeaseTTL:           cfg.Execution.StaleAfter,
			HeartbeatInterval:  cfg.Execution.HeartbeatInterval,
			BackfillRatePerSec: cfg.Execution.Lanes.BackfillRatePerSec,
			BackfillBurst:      cfg.Execution.Lanes.BackfillBurst,
		}, internallog.WithComponent(logger, "pool"))
		d.executor = d.pool
	}

	d.dispatcher = dispatch.New(st, reg, d.executor, dispatch.NewStandardNormalizer(nil),
		dispatch.Defaults{
			MaxAttempts: cfg.Execution.MaxAttempts,
			Timeout:     cfg.Execution.DefaultTimeout,
		}, internallog.WithComponent(logger, "dispatch"))

	if cfg.Scheduler.Enabled {
		d.scheduler = scheduler.New(st, d.dispatcher, scheduler.Config{
			InstanceID:    instanceID,
			TickInterval:  cfg.Scheduler.TickInterval,
			LockTTL:       cfg.Scheduler.LockTTL,
			MisfireGrace:  cfg.Scheduler.MisfireGrace,
			SchedulesFile: cfg.Scheduler.SchedulesFile,
		}, internallog.WithComponent(logger, "scheduler"))
	}

	return d, nil
}

// Addr returns the bound listen address, useful when the configured
// port is 0. Empty before Start.
func (d *Daemon) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

// Start begins serving. It blocks until ctx is cancelled or the HTTP
// server fails.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true

	exporter := tracing.ExporterNone
	if d.cfg.Observability.Enabled {
		exporter = d.cfg.Observability.Exporter
	}
	tracer, err := tracing.New(ctx, tracing.Config{
		ServiceName:    d.cfg.Observability.ServiceName,
		ServiceVersion: d.opts.Version,
		Exporter:       exporter,
		Endpoint:       d.cfg.Observability.Endpoint,
	})
	if err != nil {
		d.mu.Unlock()
		return fmt.Errorf("initializing observability: %w", err)
	}
	d.tracer = tracer

	ln, err := net.Listen("tcp", d.cfg.Server.ListenAddr)
	if err != nil {
		d.mu.Unlock()
		return fmt.Errorf("listening on %s: %w", d.cfg.Server.ListenAddr, err)
	}
	d.listener = ln

	router := d.buildRouter()
	d.server = &http.Server{
		Handler:      internallog.NewHTTPMiddleware(d.logger).Wrap(router.Handler()),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	d.mu.Unlock()

	if d.pool != nil {
		d.pool.Start(ctx)
	}

	if d.scheduler != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.scheduler.Run(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("scheduler stopped", internallog.Error(err))
			}
		}()
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.sweepLoop(ctx)
	}()

	d.logger.Info("daemon started",
		slog.String("addr", ln.Addr().String()),
		slog.String("version", d.opts.Version),
		slog.Bool("async", d.pool != nil),
		slog.Bool("scheduler", d.scheduler != nil))

	errCh := make(chan error, 1)
	go func() {
		if err := d.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown drains the pool and stops the HTTP server. New admissions
// are refused as soon as it begins.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return nil
	}

	d.draining.Store(true)
	d.logger.Info("graceful shutdown initiated")

	if d.server != nil {
		d.server.SetKeepAlivesEnabled(false)
	}

	if d.pool != nil {
		drainCtx, cancel := context.WithTimeout(ctx, d.cfg.Execution.DrainTimeout)
		if err := d.pool.Drain(drainCtx); err != nil {
			d.logger.Warn("pool drain incomplete", internallog.Error(err))
		}
		cancel()
	}

	if d.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, d.cfg.Server.ShutdownTimeout)
		if err := d.server.Shutdown(shutdownCtx); err != nil {
			d.logger.Error("http server shutdown error", internallog.Error(err))
		}
		cancel()
	}

	d.wg.Wait()

	if d.tracer != nil {
		if err := d.tracer.Shutdown(ctx); err != nil {
			d.logger.Error("tracer shutdown error", internallog.Error(err))
		}
	}

	if err := d.store.Close(); err != nil {
		return fmt.Errorf("closing store: %w", err)
	}
	d.logger.Info("daemon stopped")
	return nil
}

// buildRouter mounts every API handler over the shared command layer.
func (d *Daemon) buildRouter() *api.Router {
	router := api.NewRouter(api.RouterConfig{Version: d.opts.Version})
	mux := router.Mux()

	lanes := []string{dispatch.LaneNormal, dispatch.LaneBackfill, dispatch.LaneRealtime}
	workers := 0
	if d.pool != nil {
		workers = d.cfg.Execution.Workers
	}

	(&api.SystemHandler{
		Health: &commands.CheckHealth{Store: d.store, Version: d.opts.Version},
		Capabilities: &commands.GetCapabilities{
			Version:    d.opts.Version,
			Async:      d.pool != nil,
			Scheduling: d.scheduler != nil,
			Workers:    workers,
			Lanes:      lanes,
		},
	}).RegisterRoutes(mux)

	(&api.PipelineHandler{
		List:     &commands.ListPipelines{Registry: d.registry},
		Describe: &commands.DescribePipeline{Registry: d.registry},
		Run:      &commands.RunPipeline{Dispatcher: d.dispatcher},
		Draining: d.draining.Load,
	}).RegisterRoutes(mux)

	(&api.ExecutionHandler{
		List:   &commands.ListExecutions{Store: d.store},
		Show:   &commands.ShowExecution{Store: d.store},
		Cancel: &commands.CancelExecution{Runtime: d.runtime, Store: d.store},
	}).RegisterRoutes(mux)

	(&api.DLQHandler{
		List:    &commands.ListDeadLetters{Store: d.store},
		Retry:   &commands.RetryDeadLetter{Ledger: d.ledger, Executor: d.executor},
		Resolve: &commands.ResolveDeadLetter{Ledger: d.ledger},
	}).RegisterRoutes(mux)

	(&api.ScheduleHandler{
		List:   &commands.ListSchedules{Store: d.store},
		Toggle: &commands.SetScheduleEnabled{Store: d.store},
		Runs:   &commands.ListScheduleRuns{Store: d.store},
	}).RegisterRoutes(mux)

	router.SetMetricsHandler(d.tracer.MetricsHandler())
	return router
}

// sweepLoop periodically recovers stale executions, reaps expired
// concurrency locks, and publishes queue depth gauges.
func (d *Daemon) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweepOnce(ctx)
		}
	}
}

func (d *Daemon) sweepOnce(ctx context.Context) {
	recovered, err := d.ledger.RecoverStale(ctx, staleRecoveryCap)
	if err != nil {
		d.logger.Error("stale recovery failed", internallog.Error(err))
	} else if recovered > 0 {
		metrics.RecordStaleRecovery(recovered)
		d.logger.Warn("recovered stale executions", slog.Int("count", recovered))
	}

	if swept, err := d.lockMgr.Sweep(ctx); err != nil {
		d.logger.Error("lock sweep failed", internallog.Error(err))
	} else if swept > 0 {
		d.logger.Info("swept expired locks", slog.Int64("count", swept))
	}

	counts, err := d.store.CountExecutionsByStatus(ctx)
	if err != nil {
		d.logger.Error("queue depth poll failed", internallog.Error(err))
		return
	}
	for status, n := range counts {
		metrics.SetQueueDepth(string(status), n)
	}
}
