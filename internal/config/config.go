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

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	spineerrors "github.com/ryansmccoy/spine/pkg/errors"
)

var (
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Config represents the complete Spine configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Execution ExecutionConfig `yaml:"execution"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Query     QueryConfig     `yaml:"query"`
	Workflows WorkflowsConfig `yaml:"workflows,omitempty"`

	// Observability configures tracing and metrics export.
	Observability ObservabilityConfig `yaml:"observability,omitempty"`
}

// DatabaseConfig configures the coordination database.
type DatabaseConfig struct {
	// URL is a full connection URL. postgres:// selects the Postgres
	// dialect; sqlite:// (or empty) selects SQLite.
	// Environment: SPINE_DATABASE_URL
	URL string `yaml:"url,omitempty"`

	// Path is the SQLite database file path, used when URL is empty.
	// Environment: SPINE_DATABASE_PATH
	// Default: <data dir>/spine.db
	Path string `yaml:"path,omitempty"`

	// MaxOpenConns sets the maximum number of open connections.
	// SQLite is forced to 1 regardless of this setting.
	MaxOpenConns int `yaml:"max_open_conns,omitempty"`

	// MaxIdleConns sets the maximum number of idle connections.
	MaxIdleConns int `yaml:"max_idle_conns,omitempty"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	// ListenAddr is the address the daemon binds to.
	// Environment: SPINE_LISTEN_ADDR
	// Default: 127.0.0.1:8787
	ListenAddr string `yaml:"listen_addr"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	// Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level sets the minimum log level (debug, info, warn, error).
	// Environment: SPINE_LOG_LEVEL
	// Default: info
	Level string `yaml:"level"`

	// Format sets the output format (json, console).
	// Environment: SPINE_LOG_FORMAT
	// Default: json
	Format string `yaml:"format"`

	// AddSource adds source file and line information to logs.
	// Environment: SPINE_LOG_SOURCE
	// Default: false
	AddSource bool `yaml:"add_source"`
}

// ExecutionConfig configures the dispatcher and workers.
type ExecutionConfig struct {
	// Mode selects the executor: "sync" runs submissions inline in the
	// caller, "async" routes them to the worker pool.
	// Environment: SPINE_EXECUTION_MODE
	// Default: async
	Mode string `yaml:"mode"`

	// Workers is the pooled executor worker count.
	// Environment: SPINE_WORKERS
	// Default: 4
	Workers int `yaml:"workers,omitempty"`

	// DefaultTimeout is the hard deadline for a single execution attempt.
	// Environment: SPINE_DEFAULT_TIMEOUT
	// Default: 1h
	DefaultTimeout time.Duration `yaml:"default_timeout,omitempty"`

	// HeartbeatInterval is how often running workers refresh their lease.
	// Default: 15s
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval,omitempty"`

	// StaleAfter is how long a running execution may go without a
	// heartbeat before recovery marks it failed.
	// Default: 5m
	StaleAfter time.Duration `yaml:"stale_after,omitempty"`

	// MaxAttempts caps the retry chain length, the original attempt
	// included.
	// Default: 3
	MaxAttempts int `yaml:"max_attempts,omitempty"`

	// RetryBackoffBase is the base duration for exponential backoff.
	// Default: 30s
	RetryBackoffBase time.Duration `yaml:"retry_backoff_base,omitempty"`

	// RetryBackoffCap bounds the computed backoff delay.
	// Default: 15m
	RetryBackoffCap time.Duration `yaml:"retry_backoff_cap,omitempty"`

	// DrainTimeout is the maximum duration to wait for active executions
	// to complete during shutdown.
	// Default: 30s
	DrainTimeout time.Duration `yaml:"drain_timeout,omitempty"`

	// Lanes tunes per-lane dispatch policy.
	Lanes LanesConfig `yaml:"lanes,omitempty"`
}

// LanesConfig tunes per-lane dispatch policy.
type LanesConfig struct {
	// BackfillRatePerSec throttles backfill-lane starts. Zero disables
	// the throttle.
	// Default: 2
	BackfillRatePerSec float64 `yaml:"backfill_rate_per_sec,omitempty"`

	// BackfillBurst is the throttle burst size.
	// Default: 4
	BackfillBurst int `yaml:"backfill_burst,omitempty"`
}

// SchedulerConfig configures the schedule loop.
type SchedulerConfig struct {
	// Enabled controls whether the scheduler runs.
	// Environment: SPINE_SCHEDULER_ENABLED
	// Default: true
	Enabled bool `yaml:"enabled"`

	// TickInterval is how often due schedules are evaluated.
	// Default: 15s
	TickInterval time.Duration `yaml:"tick_interval,omitempty"`

	// LockTTL is the schedule firing lock lifetime. A crashed firer's
	// lock is reclaimable after this elapses.
	// Default: 60s
	LockTTL time.Duration `yaml:"lock_ttl,omitempty"`

	// MisfireGrace is the default grace period for late firings; a
	// schedule's own misfire_grace_seconds wins when set.
	// Default: 5m
	MisfireGrace time.Duration `yaml:"misfire_grace,omitempty"`

	// SchedulesFile is an optional YAML file of declarative schedules,
	// merged into the database at startup and on change.
	// Environment: SPINE_SCHEDULES_FILE
	SchedulesFile string `yaml:"schedules_file,omitempty"`
}

// QueryConfig tunes the read-side query commands.
type QueryConfig struct {
	// CacheTTL is how long latest-capture query results are cached.
	// Zero disables the cache.
	// Default: 30s
	CacheTTL time.Duration `yaml:"cache_ttl,omitempty"`
}

// WorkflowsConfig configures the DAG runner.
type WorkflowsConfig struct {
	// Dir is a directory of YAML workflow definitions, loaded at
	// startup. Empty means no definitions.
	// Environment: SPINE_WORKFLOWS_DIR
	Dir string `yaml:"dir,omitempty"`
}

// ObservabilityConfig configures tracing and metrics export.
type ObservabilityConfig struct {
	// Enabled controls whether the tracer provider is installed.
	Enabled bool `yaml:"enabled"`

	// ServiceName identifies this service in traces.
	// Default: spine
	ServiceName string `yaml:"service_name,omitempty"`

	// Exporter selects the span exporter: stdout, otlp-http, otlp-grpc,
	// or none.
	// Environment: SPINE_OTEL_EXPORTER
	// Default: none
	Exporter string `yaml:"exporter,omitempty"`

	// Endpoint is the OTLP receiver address for the otlp exporters.
	// Environment: SPINE_OTEL_ENDPOINT
	Endpoint string `yaml:"endpoint,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:         filepath.Join(defaultDataDir(), "spine.db"),
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		},
		Server: ServerConfig{
			ListenAddr:      "127.0.0.1:8787",
			ShutdownTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:     "info",
			Format:    "json",
			AddSource: false,
		},
		Execution: ExecutionConfig{
			Mode:              "async",
			Workers:           4,
			DefaultTimeout:    time.Hour,
			HeartbeatInterval: 15 * time.Second,
			StaleAfter:        5 * time.Minute,
			MaxAttempts:       3,
			RetryBackoffBase:  30 * time.Second,
			RetryBackoffCap:   15 * time.Minute,
			DrainTimeout:      30 * time.Second,
			Lanes: LanesConfig{
				BackfillRatePerSec: 2,
				BackfillBurst:      4,
			},
		},
		Scheduler: SchedulerConfig{
			Enabled:      true,
			TickInterval: 15 * time.Second,
			LockTTL:      60 * time.Second,
			MisfireGrace: 5 * time.Minute,
		},
		Query: QueryConfig{
			CacheTTL: 30 * time.Second,
		},
		Observability: ObservabilityConfig{
			Enabled:     false,
			ServiceName: "spine",
			Exporter:    "none",
		},
	}
}

// Load loads configuration from environment variables and optionally from a
// YAML file. Environment variables take precedence over file values. If
// configPath is empty, only defaults and environment variables are used.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &spineerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	// Fill zero values left by a minimal file
	cfg.applyDefaults()

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &spineerrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

// applyDefaults fills in zero values with sensible defaults. This allows
// minimal configs (e.g., just a database path) to work without specifying
// every field.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Database.Path == "" && c.Database.URL == "" {
		c.Database.Path = defaults.Database.Path
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = defaults.Database.MaxOpenConns
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = defaults.Database.MaxIdleConns
	}

	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = defaults.Server.ListenAddr
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = defaults.Server.ShutdownTimeout
	}

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}

	if c.Execution.Mode == "" {
		c.Execution.Mode = defaults.Execution.Mode
	}
	if c.Execution.Workers == 0 {
		c.Execution.Workers = defaults.Execution.Workers
	}
	if c.Execution.DefaultTimeout == 0 {
		c.Execution.DefaultTimeout = defaults.Execution.DefaultTimeout
	}
	if c.Execution.HeartbeatInterval == 0 {
		c.Execution.HeartbeatInterval = defaults.Execution.HeartbeatInterval
	}
	if c.Execution.StaleAfter == 0 {
		c.Execution.StaleAfter = defaults.Execution.StaleAfter
	}
	if c.Execution.MaxAttempts == 0 {
		c.Execution.MaxAttempts = defaults.Execution.MaxAttempts
	}
	if c.Execution.RetryBackoffBase == 0 {
		c.Execution.RetryBackoffBase = defaults.Execution.RetryBackoffBase
	}
	if c.Execution.RetryBackoffCap == 0 {
		c.Execution.RetryBackoffCap = defaults.Execution.RetryBackoffCap
	}
	if c.Execution.DrainTimeout == 0 {
		c.Execution.DrainTimeout = defaults.Execution.DrainTimeout
	}
	if c.Execution.Lanes.BackfillRatePerSec == 0 {
		c.Execution.Lanes.BackfillRatePerSec = defaults.Execution.Lanes.BackfillRatePerSec
	}
	if c.Execution.Lanes.BackfillBurst == 0 {
		c.Execution.Lanes.BackfillBurst = defaults.Execution.Lanes.BackfillBurst
	}

	if c.Scheduler.TickInterval == 0 {
		c.Scheduler.TickInterval = defaults.Scheduler.TickInterval
	}
	if c.Scheduler.LockTTL == 0 {
		c.Scheduler.LockTTL = defaults.Scheduler.LockTTL
	}
	if c.Scheduler.MisfireGrace == 0 {
		c.Scheduler.MisfireGrace = defaults.Scheduler.MisfireGrace
	}

	if c.Query.CacheTTL == 0 {
		c.Query.CacheTTL = defaults.Query.CacheTTL
	}

	if c.Observability.ServiceName == "" {
		c.Observability.ServiceName = defaults.Observability.ServiceName
	}
	if c.Observability.Exporter == "" {
		c.Observability.Exporter = defaults.Observability.Exporter
	}
}

// loadFromFile loads configuration from a YAML file.
func (c *Config) loadFromFile(path string) error {
	// Expand home directory if present
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("SPINE_DATABASE_URL"); val != "" {
		c.Database.URL = val
	}
	if val := os.Getenv("SPINE_DATABASE_PATH"); val != "" {
		c.Database.Path = val
	}

	if val := os.Getenv("SPINE_LISTEN_ADDR"); val != "" {
		c.Server.ListenAddr = val
	}

	if val := os.Getenv("SPINE_LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("SPINE_LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("SPINE_LOG_SOURCE"); val != "" {
		c.Log.AddSource = val == "1" || strings.ToLower(val) == "true"
	}

	if val := os.Getenv("SPINE_EXECUTION_MODE"); val != "" {
		c.Execution.Mode = strings.ToLower(val)
	}
	if val := os.Getenv("SPINE_WORKERS"); val != "" {
		if workers, err := strconv.Atoi(val); err == nil {
			c.Execution.Workers = workers
		}
	}
	if val := os.Getenv("SPINE_DEFAULT_TIMEOUT"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Execution.DefaultTimeout = duration
		}
	}
	if val := os.Getenv("SPINE_DRAIN_TIMEOUT"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Execution.DrainTimeout = duration
		}
	}

	if val := os.Getenv("SPINE_SCHEDULER_ENABLED"); val != "" {
		c.Scheduler.Enabled = val == "1" || strings.ToLower(val) == "true"
	}
	if val := os.Getenv("SPINE_SCHEDULES_FILE"); val != "" {
		c.Scheduler.SchedulesFile = val
	}
	if val := os.Getenv("SPINE_WORKFLOWS_DIR"); val != "" {
		c.Workflows.Dir = val
	}

	if val := os.Getenv("SPINE_OTEL_EXPORTER"); val != "" {
		c.Observability.Exporter = strings.ToLower(val)
		if c.Observability.Exporter != "none" {
			c.Observability.Enabled = true
		}
	}
	if val := os.Getenv("SPINE_OTEL_ENDPOINT"); val != "" {
		c.Observability.Endpoint = val
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Database.URL == "" && c.Database.Path == "" {
		errs = append(errs, "database.url or database.path must be set")
	}
	if c.Database.URL != "" {
		scheme, _, found := strings.Cut(c.Database.URL, "://")
		if !found {
			errs = append(errs, fmt.Sprintf("database.url %q must include a scheme", c.Database.URL))
		} else {
			switch scheme {
			case "postgres", "postgresql", "sqlite", "file":
			default:
				errs = append(errs, fmt.Sprintf("database.url scheme %q is not supported (postgres, sqlite)", scheme))
			}
		}
	}

	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("server.shutdown_timeout must be positive, got %v", c.Server.ShutdownTimeout))
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [debug, info, warn, error], got %q", c.Log.Level))
	}
	validFormats := map[string]bool{"json": true, "console": true, "text": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, console], got %q", c.Log.Format))
	}

	switch c.Execution.Mode {
	case "sync", "async":
	default:
		errs = append(errs, fmt.Sprintf("execution.mode must be sync or async, got %q", c.Execution.Mode))
	}
	if c.Execution.Workers < 1 {
		errs = append(errs, fmt.Sprintf("execution.workers must be at least 1, got %d", c.Execution.Workers))
	}
	if c.Execution.MaxAttempts < 1 {
		errs = append(errs, fmt.Sprintf("execution.max_attempts must be at least 1, got %d", c.Execution.MaxAttempts))
	}
	if c.Execution.DefaultTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("execution.default_timeout must be positive, got %v", c.Execution.DefaultTimeout))
	}
	if c.Execution.RetryBackoffBase <= 0 {
		errs = append(errs, fmt.Sprintf("execution.retry_backoff_base must be positive, got %v", c.Execution.RetryBackoffBase))
	}
	if c.Execution.RetryBackoffCap < c.Execution.RetryBackoffBase {
		errs = append(errs, fmt.Sprintf("execution.retry_backoff_cap %v must be at least retry_backoff_base %v",
			c.Execution.RetryBackoffCap, c.Execution.RetryBackoffBase))
	}
	if c.Execution.StaleAfter <= c.Execution.HeartbeatInterval {
		errs = append(errs, fmt.Sprintf("execution.stale_after %v must exceed heartbeat_interval %v",
			c.Execution.StaleAfter, c.Execution.HeartbeatInterval))
	}

	if c.Scheduler.TickInterval < time.Second {
		errs = append(errs, fmt.Sprintf("scheduler.tick_interval must be at least 1s, got %v", c.Scheduler.TickInterval))
	}
	if c.Scheduler.LockTTL <= 0 {
		errs = append(errs, fmt.Sprintf("scheduler.lock_ttl must be positive, got %v", c.Scheduler.LockTTL))
	}

	switch c.Observability.Exporter {
	case "", "none", "stdout", "otlp-http", "otlp-grpc":
	default:
		errs = append(errs, fmt.Sprintf("observability.exporter must be one of [none, stdout, otlp-http, otlp-grpc], got %q", c.Observability.Exporter))
	}
	if (c.Observability.Exporter == "otlp-http" || c.Observability.Exporter == "otlp-grpc") && c.Observability.Endpoint == "" {
		errs = append(errs, "observability.endpoint is required for otlp exporters")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}

	return nil
}

// SyncMode reports whether submissions run inline in the caller.
func (c *Config) SyncMode() bool {
	return c.Execution.Mode == "sync"
}
