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

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/ryansmccoy/spine/internal/commands"
)

func newSchedulesCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedules",
		Short: "Inspect and toggle schedules",
	}
	cmd.AddCommand(newSchedulesListCommand(flags))
	cmd.AddCommand(newSchedulesEnableCommand(flags, true))
	cmd.AddCommand(newSchedulesEnableCommand(flags, false))
	cmd.AddCommand(newSchedulesRunsCommand(flags))
	return cmd
}

func newSchedulesListCommand(flags *globalFlags) *cobra.Command {
	var jqExpr string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List schedules with next firing times",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer env.Close()

			list := &commands.ListSchedules{Store: env.store}
			resp, err := list.Execute(cmd.Context())
			if err != nil {
				return err
			}
			return render(flags, resp, jqExpr, func() {
				rows := lo.Map(resp.Schedules, func(s commands.ScheduleView, _ int) []string {
					trigger := s.CronExpr
					if trigger == "" {
						trigger = fmt.Sprintf("every %ds", s.EverySeconds)
					}
					state := "enabled"
					if !s.Enabled {
						state = "disabled"
					}
					return []string{s.Name, s.Pipeline, trigger, state, formatWhen(s.NextRunAt)}
				})
				printTable([]string{"NAME", "PIPELINE", "TRIGGER", "STATE", "NEXT RUN"}, rows)
			})
		},
	}

	cmd.Flags().StringVar(&jqExpr, "jq", "", "Filter output with a jq expression")
	return cmd
}

func newSchedulesEnableCommand(flags *globalFlags, enable bool) *cobra.Command {
	use, short := "enable <name>", "Resume a paused schedule"
	if !enable {
		use, short = "disable <name>", "Pause a schedule"
	}

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer env.Close()

			toggle := &commands.SetScheduleEnabled{Store: env.store}
			resp, err := toggle.Execute(cmd.Context(), commands.SetScheduleEnabledRequest{
				Name:    args[0],
				Enabled: enable,
			})
			if err != nil {
				return err
			}
			return render(flags, resp, "", func() {
				state := "disabled"
				if resp.Schedule.Enabled {
					state = "enabled"
				}
				fmt.Printf("%s %s\n", resp.Schedule.Name, state)
			})
		},
	}
	return cmd
}

func newSchedulesRunsCommand(flags *globalFlags) *cobra.Command {
	var limit int
	var jqExpr string

	cmd := &cobra.Command{
		Use:   "runs <name>",
		Short: "List recent firings of one schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer env.Close()

			list := &commands.ListScheduleRuns{Store: env.store}
			resp, err := list.Execute(cmd.Context(), commands.ListScheduleRunsRequest{
				Name:  args[0],
				Limit: limit,
			})
			if err != nil {
				return err
			}
			return render(flags, resp, jqExpr, func() {
				rows := lo.Map(resp.Runs, func(r commands.ScheduleRunView, _ int) []string {
					return []string{r.ScheduledFor, r.Status, r.ExecutionID, r.Reason}
				})
				printTable([]string{"SCHEDULED FOR", "STATUS", "EXECUTION", "REASON"}, rows)
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum rows")
	cmd.Flags().StringVar(&jqExpr, "jq", "", "Filter output with a jq expression")
	return cmd
}
