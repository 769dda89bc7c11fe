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

// Package cli builds the spine cobra command tree. Commands delegate to
// internal/commands and only do flag parsing and rendering here.
package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ryansmccoy/spine/internal/commands/shared"
)

// globalFlags are the persistent root flags every subcommand sees.
type globalFlags struct {
	configPath string
	dbPath     string
	json       bool
	quiet      bool
}

// NewRootCommand creates the spine root command.
func NewRootCommand(version string) *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:   "spine",
		Short: "Spine - data pipeline orchestration",
		Long: `Spine orchestrates data pipelines: admission with idempotency and
logical-key dedup, an append-only execution ledger with retries and a
dead-letter queue, cron/interval schedules, and workflow DAGs.

Every command works against the coordination database directly; no
daemon is required for the synchronous tier.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "Path to config file (default: XDG config dir)")
	pf.StringVar(&flags.dbPath, "db", "", "Override the coordination database path")
	pf.BoolVar(&flags.json, "json", false, "Output in JSON format")
	pf.BoolVarP(&flags.quiet, "quiet", "q", false, "Suppress non-error output")
	// Accept --dry_run and friends; flag names are canonically dashed.
	cmd.SetGlobalNormalizationFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	cmd.AddCommand(newVersionCommand(version))
	cmd.AddCommand(newDBCommand(flags))
	cmd.AddCommand(newPipelinesCommand(flags))
	cmd.AddCommand(newRunCommand(flags))
	cmd.AddCommand(newExecutionsCommand(flags))
	cmd.AddCommand(newDLQCommand(flags))
	cmd.AddCommand(newSchedulesCommand(flags))
	cmd.AddCommand(newWorkflowsCommand(flags))
	cmd.AddCommand(newQueryCommand(flags))
	cmd.AddCommand(newDoctorCommand(flags))

	return cmd
}

func newVersionCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the spine version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "spine %s\n", version)
		},
	}
}

// HandleExitError maps err to its exit code and terminates.
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
