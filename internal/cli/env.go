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

package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/ryansmccoy/spine/internal/config"
	"github.com/ryansmccoy/spine/internal/dispatch"
	"github.com/ryansmccoy/spine/internal/ledger"
	"github.com/ryansmccoy/spine/internal/locks"
	"github.com/ryansmccoy/spine/internal/log"
	"github.com/ryansmccoy/spine/internal/pipelines"
	"github.com/ryansmccoy/spine/internal/query"
	"github.com/ryansmccoy/spine/internal/store"
	"github.com/ryansmccoy/spine/internal/workflow"
	"github.com/ryansmccoy/spine/pkg/pipeline"
)

// env is the synchronous-tier stack a CLI invocation runs on: direct
// store access with an inline executor, no daemon between.
type env struct {
	cfg        *config.Config
	store      *store.Store
	registry   *pipeline.Registry
	ledger     *ledger.Ledger
	runtime    *dispatch.Runtime
	executor   *dispatch.InlineExecutor
	dispatcher *dispatch.Dispatcher
	queries    *query.Service
	workflows  *workflow.Catalog
	runner     *workflow.Runner
	log        *slog.Logger
}

// openEnv loads config and wires the stack. Callers must Close.
func openEnv(ctx context.Context, flags *globalFlags) (*env, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.dbPath != "" {
		cfg.Database.Path = flags.dbPath
		cfg.Database.URL = ""
	}

	logCfg := log.FromEnv()
	if flags.quiet {
		// CLI output goes to stdout; logs only matter when asked for.
		logCfg.Output = io.Discard
	}
	logger := log.New(logCfg)

	st, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	registry := pipeline.NewRegistry()
	if err := pipelines.Register(registry); err != nil {
		st.Close()
		return nil, err
	}

	catalog := query.NewCatalog()
	for _, table := range pipelines.QueryTables() {
		if err := catalog.Register(table); err != nil {
			st.Close()
			return nil, fmt.Errorf("registering query table %s: %w", table.Domain, err)
		}
	}

	led := ledger.New(st, logger, ledger.NewBackoff(
		cfg.Execution.RetryBackoffBase, cfg.Execution.RetryBackoffCap))
	lm := locks.NewManager(st, "spine-cli", locks.DefaultTTL, logger)
	rt := dispatch.NewRuntime(st, registry, led, lm, logger)
	inline := dispatch.NewInlineExecutor(st, rt)
	d := dispatch.New(st, registry, inline, nil, dispatch.Defaults{
		MaxAttempts: cfg.Execution.MaxAttempts,
		Timeout:     cfg.Execution.DefaultTimeout,
	}, logger)

	workflows := workflow.NewCatalog()
	if cfg.Workflows.Dir != "" {
		if err := workflows.LoadDir(cfg.Workflows.Dir); err != nil {
			st.Close()
			return nil, err
		}
	}

	return &env{
		cfg:        cfg,
		store:      st,
		registry:   registry,
		ledger:     led,
		runtime:    rt,
		executor:   inline,
		dispatcher: d,
		queries:    query.New(st.DB(), catalog, cfg.Query.CacheTTL, logger),
		workflows:  workflows,
		runner:     workflow.NewRunner(st, d, workflows, logger),
		log:        logger,
	}, nil
}

func (e *env) Close() error {
	return e.store.Close()
}
