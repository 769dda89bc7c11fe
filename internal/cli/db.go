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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ryansmccoy/spine/internal/commands"
	"github.com/ryansmccoy/spine/internal/commands/shared"
	"github.com/ryansmccoy/spine/internal/config"
)

func newDBCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Manage the coordination database",
	}
	cmd.AddCommand(newDBInitCommand(flags))
	return cmd
}

func newDBInitCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the database and apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			if flags.dbPath != "" {
				cfg.Database.Path = flags.dbPath
				cfg.Database.URL = ""
			}

			initCmd := &commands.InitDB{Config: cfg.Database}
			resp, err := initCmd.Execute(cmd.Context())
			if err != nil {
				return err
			}
			return render(flags, resp, "", func() {
				fmt.Printf("database ready (%s)\n", resp.Dialect)
			})
		},
	}
	return cmd
}

func newDoctorCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run operational diagnostics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer env.Close()

			doctor := &commands.Doctor{Store: env.store}
			report, err := doctor.Execute(cmd.Context())
			if err != nil {
				return err
			}
			if err := render(flags, report, "", func() {
				for _, check := range report.Checks {
					mark := "ok"
					if !check.OK {
						mark = "FAIL"
					}
					fmt.Printf("%-4s %-20s %s\n", mark, check.Name, check.Detail)
				}
			}); err != nil {
				return err
			}
			if !report.Healthy {
				return &shared.ExitError{Code: shared.ExitFailure, Message: "diagnostics failed"}
			}
			return nil
		},
	}
	return cmd
}
