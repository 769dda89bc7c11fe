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

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ryansmccoy/spine/internal/config"
	"github.com/ryansmccoy/spine/internal/daemon"
	"github.com/ryansmccoy/spine/internal/log"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath    = flag.String("config", "", "Path to config file")
		dbPath        = flag.String("db", "", "SQLite database path")
		dbURL         = flag.String("db-url", "", "PostgreSQL connection URL")
		listenAddr    = flag.String("listen", "", "HTTP listen address")
		workers       = flag.Int("workers", 0, "Worker pool size")
		syncMode      = flag.Bool("sync", false, "Run submissions inline instead of through the pool")
		noScheduler   = flag.Bool("no-scheduler", false, "Disable the schedule loop")
		schedulesFile = flag.String("schedules", "", "YAML schedules file, hot-reloaded on change")
		showVersion   = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("spined %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", log.Error(err))
		os.Exit(1)
	}

	if *dbPath != "" {
		cfg.Database.Path = *dbPath
		cfg.Database.URL = ""
	}
	if *dbURL != "" {
		cfg.Database.URL = *dbURL
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *workers > 0 {
		cfg.Execution.Workers = *workers
	}
	if *syncMode {
		cfg.Execution.Mode = "sync"
	}
	if *noScheduler {
		cfg.Scheduler.Enabled = false
	}
	if *schedulesFile != "" {
		cfg.Scheduler.SchedulesFile = *schedulesFile
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := daemon.New(ctx, cfg, daemon.Options{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
	})
	if err != nil {
		logger.Error("failed to create daemon", log.Error(err))
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Start(ctx)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", slog.String("signal", sig.String()))
		cancel()
		if err := d.Shutdown(context.Background()); err != nil {
			logger.Error("error during shutdown", log.Error(err))
			os.Exit(1)
		}
	case err := <-errCh:
		if err != nil {
			logger.Error("daemon error", log.Error(err))
			os.Exit(1)
		}
	}
}
