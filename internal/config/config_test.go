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
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearSpineEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"SPINE_DATABASE_URL", "SPINE_DATABASE_PATH", "SPINE_LISTEN_ADDR",
		"SPINE_LOG_LEVEL", "SPINE_LOG_FORMAT", "SPINE_LOG_SOURCE",
		"SPINE_EXECUTION_MODE", "SPINE_WORKERS", "SPINE_DEFAULT_TIMEOUT",
		"SPINE_DRAIN_TIMEOUT", "SPINE_SCHEDULER_ENABLED", "SPINE_SCHEDULES_FILE",
		"SPINE_OTEL_EXPORTER", "SPINE_OTEL_ENDPOINT",
	} {
		t.Setenv(key, "")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.ListenAddr != "127.0.0.1:8787" {
		t.Errorf("expected listen addr 127.0.0.1:8787, got %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("expected shutdown timeout 30s, got %v", cfg.Server.ShutdownTimeout)
	}

	if cfg.Log.Level != "info" {
		t.Errorf("expected log level 'info', got %q", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("expected log format 'json', got %q", cfg.Log.Format)
	}

	if cfg.Execution.Mode != "async" {
		t.Errorf("expected execution mode 'async', got %q", cfg.Execution.Mode)
	}
	if cfg.Execution.Workers != 4 {
		t.Errorf("expected 4 workers, got %d", cfg.Execution.Workers)
	}
	if cfg.Execution.DefaultTimeout != time.Hour {
		t.Errorf("expected default timeout 1h, got %v", cfg.Execution.DefaultTimeout)
	}
	if cfg.Execution.MaxAttempts != 3 {
		t.Errorf("expected 3 max attempts, got %d", cfg.Execution.MaxAttempts)
	}

	if !cfg.Scheduler.Enabled {
		t.Error("scheduler should be enabled by default")
	}
	if cfg.Scheduler.TickInterval != 15*time.Second {
		t.Errorf("expected tick interval 15s, got %v", cfg.Scheduler.TickInterval)
	}

	if cfg.Database.Path == "" {
		t.Error("database path should default to the data dir")
	}
	if !strings.HasSuffix(cfg.Database.Path, "spine.db") {
		t.Errorf("database path should end in spine.db, got %q", cfg.Database.Path)
	}
}

func TestLoad_NoFile(t *testing.T) {
	clearSpineEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") failed: %v", err)
	}
	if cfg.Execution.Mode != "async" {
		t.Errorf("expected defaults, got mode %q", cfg.Execution.Mode)
	}
}

func TestLoad_FromFile(t *testing.T) {
	clearSpineEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
database:
  path: /var/lib/spine/spine.db
server:
  listen_addr: 0.0.0.0:9000
execution:
  mode: sync
  workers: 2
scheduler:
  enabled: false
  tick_interval: 10s
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Database.Path != "/var/lib/spine/spine.db" {
		t.Errorf("database.path = %q", cfg.Database.Path)
	}
	if cfg.Server.ListenAddr != "0.0.0.0:9000" {
		t.Errorf("server.listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Execution.Mode != "sync" {
		t.Errorf("execution.mode = %q, want sync", cfg.Execution.Mode)
	}
	if cfg.Execution.Workers != 2 {
		t.Errorf("execution.workers = %d, want 2", cfg.Execution.Workers)
	}
	if cfg.Scheduler.Enabled {
		t.Error("scheduler should be disabled by file")
	}
	if cfg.Scheduler.TickInterval != 10*time.Second {
		t.Errorf("tick_interval = %v, want 10s", cfg.Scheduler.TickInterval)
	}

	// Unset fields still get defaults
	if cfg.Execution.MaxAttempts != 3 {
		t.Errorf("max_attempts should default to 3, got %d", cfg.Execution.MaxAttempts)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearSpineEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("execution:\n  mode: sync\n"), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	t.Setenv("SPINE_EXECUTION_MODE", "async")
	t.Setenv("SPINE_DATABASE_PATH", "/tmp/override.db")
	t.Setenv("SPINE_LOG_FORMAT", "console")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Execution.Mode != "async" {
		t.Errorf("env should override file: mode = %q", cfg.Execution.Mode)
	}
	if cfg.Database.Path != "/tmp/override.db" {
		t.Errorf("database.path = %q", cfg.Database.Path)
	}
	if cfg.Log.Format != "console" {
		t.Errorf("log.format = %q", cfg.Log.Format)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	clearSpineEnv(t)

	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("Load should fail for missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "valid default",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
		{
			name:    "bad execution mode",
			mutate:  func(c *Config) { c.Execution.Mode = "parallel" },
			wantErr: "execution.mode",
		},
		{
			name:    "zero workers",
			mutate:  func(c *Config) { c.Execution.Workers = -1 },
			wantErr: "execution.workers",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Log.Level = "loud" },
			wantErr: "log.level",
		},
		{
			name:    "bad database scheme",
			mutate:  func(c *Config) { c.Database.URL = "mysql://localhost/spine" },
			wantErr: "database.url scheme",
		},
		{
			name:    "url without scheme",
			mutate:  func(c *Config) { c.Database.URL = "localhost/spine" },
			wantErr: "must include a scheme",
		},
		{
			name: "cap below base",
			mutate: func(c *Config) {
				c.Execution.RetryBackoffBase = time.Minute
				c.Execution.RetryBackoffCap = time.Second
			},
			wantErr: "retry_backoff_cap",
		},
		{
			name:    "stale below heartbeat",
			mutate:  func(c *Config) { c.Execution.StaleAfter = time.Second },
			wantErr: "stale_after",
		},
		{
			name:    "otlp without endpoint",
			mutate:  func(c *Config) { c.Observability.Exporter = "otlp-http" },
			wantErr: "observability.endpoint",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestSyncMode(t *testing.T) {
	cfg := Default()
	if cfg.SyncMode() {
		t.Error("default mode should not be sync")
	}
	cfg.Execution.Mode = "sync"
	if !cfg.SyncMode() {
		t.Error("SyncMode() should be true for sync mode")
	}
}
