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
	"os"
	"path/filepath"
	"testing"

	"github.com/ryansmccoy/spine/internal/commands/shared"
	"github.com/ryansmccoy/spine/internal/config"
	"github.com/ryansmccoy/spine/internal/store"
	spineerrors "github.com/ryansmccoy/spine/pkg/errors"
)

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{"tier=T1", "week_ending=2025-12-19", "note=a=b"})
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if params["tier"] != "T1" || params["week_ending"] != "2025-12-19" {
		t.Errorf("params = %v", params)
	}
	// Values may contain '='; only the first one splits.
	if params["note"] != "a=b" {
		t.Errorf("note = %v, want a=b", params["note"])
	}

	for _, bad := range []string{"tier", "=value", ""} {
		if _, err := parseParams([]string{bad}); err == nil {
			t.Errorf("parseParams(%q) accepted malformed input", bad)
		}
	}
}

func runCLI(t *testing.T, dbPath string, args ...string) error {
	t.Helper()
	cmd := NewRootCommand("test")
	cmd.SetArgs(append(args, "--db", dbPath, "--json"))
	cmd.SetOut(testWriter{t})
	cmd.SetErr(testWriter{t})
	return cmd.ExecuteContext(context.Background())
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func TestRunCommand_EndToEnd(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "spine.db")

	err := runCLI(t, dbPath, "run", "finra.otc_transparency.ingest_week",
		"-p", "tier=T1", "-p", "week_ending=2025-12-19")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	st, err := store.Open(context.Background(), config.DatabaseConfig{Path: dbPath})
	if err != nil {
		t.Fatalf("reopening store: %v", err)
	}
	defer st.Close()

	execs, err := st.ListExecutions(context.Background(), store.ExecutionFilter{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(execs) != 1 || execs[0].Status != store.StatusCompleted {
		t.Fatalf("executions = %+v", execs)
	}
	// The T1 alias normalizes before admission.
	if execs[0].Params["tier"] != "NMS_TIER_1" {
		t.Errorf("tier = %v, want NMS_TIER_1", execs[0].Params["tier"])
	}
}

func TestRunCommand_MissingParamExitCode(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "spine.db")

	err := runCLI(t, dbPath, "run", "finra.otc_transparency.ingest_week", "-p", "tier=T1")
	if err == nil {
		t.Fatal("expected validation error")
	}
	if code := shared.CodeFor(err); code != shared.ExitInvalidParams {
		t.Errorf("exit code = %d, want %d", code, shared.ExitInvalidParams)
	}

	err = runCLI(t, dbPath, "run", "nope.missing")
	if code := shared.CodeFor(err); code != shared.ExitNotFound {
		t.Errorf("exit code = %d, want %d", code, shared.ExitNotFound)
	}
}

func TestDoctorCommand_FreshDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "spine.db")

	if err := runCLI(t, dbPath, "db", "init"); err != nil {
		t.Fatalf("db init failed: %v", err)
	}
	if err := runCLI(t, dbPath, "doctor"); err != nil {
		t.Fatalf("doctor failed on a fresh database: %v", err)
	}
}

func TestWorkflowsRunCommand(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "spine.db")
	def := `name: weekly
steps:
  - name: ingest
    kind: pipeline
    pipeline: finra.otc_transparency.ingest_week
    params:
      tier: T1
      week_ending: "2025-12-19"
  - name: certify
    kind: pipeline
    pipeline: finra.otc_transparency.certify_week
    params:
      tier: T1
      week_ending: "2025-12-19"
    depends_on: [ingest]
`
	wfDir := filepath.Join(dir, "workflows")
	if err := os.MkdirAll(wfDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(wfDir, "weekly.yaml"), []byte(def), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := runCLI(t, dbPath, "workflows", "list", "--dir", wfDir); err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if err := runCLI(t, dbPath, "workflows", "run", "weekly", "--dir", wfDir); err != nil {
		t.Fatalf("workflow run failed: %v", err)
	}

	st, err := store.Open(context.Background(), config.DatabaseConfig{Path: dbPath})
	if err != nil {
		t.Fatalf("reopening store: %v", err)
	}
	defer st.Close()

	runs, err := st.ListWorkflowRuns(context.Background(), "weekly", 10)
	if err != nil {
		t.Fatalf("list runs failed: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != store.WorkflowCompleted {
		t.Fatalf("runs = %+v", runs)
	}
	if runs[0].StepsCompleted != 2 {
		t.Errorf("steps completed = %d, want 2", runs[0].StepsCompleted)
	}
}

func TestQueryCommands_AfterIngest(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "spine.db")

	err := runCLI(t, dbPath, "run", "finra.otc_transparency.ingest_week",
		"-p", "tier=OTC", "-p", "week_ending=2025-12-19")
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	if err := runCLI(t, dbPath, "query", "weeks", "finra.otc_transparency"); err != nil {
		t.Fatalf("query weeks failed: %v", err)
	}
	err = runCLI(t, dbPath, "query", "symbols", "finra.otc_transparency",
		"--week", "2025-12-19", "--tier", "OTC_TIER")
	if err != nil {
		t.Fatalf("query symbols failed: %v", err)
	}

	// Missing --week is a validation failure, exit 3.
	err = runCLI(t, dbPath, "query", "symbols", "finra.otc_transparency")
	var ve *spineerrors.ValidationError
	if !spineerrors.As(err, &ve) {
		t.Errorf("expected validation error for missing week, got %v", err)
	}
}
