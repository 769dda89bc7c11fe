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
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/ryansmccoy/spine/internal/commands"
)

func newExecutionsCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "executions",
		Aliases: []string{"exec"},
		Short:   "Inspect and manage executions",
	}
	cmd.AddCommand(newExecutionsListCommand(flags))
	cmd.AddCommand(newExecutionsShowCommand(flags))
	cmd.AddCommand(newExecutionsCancelCommand(flags))
	return cmd
}

func newExecutionsListCommand(flags *globalFlags) *cobra.Command {
	var pipelineName, status, lane, jqExpr string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer env.Close()

			list := &commands.ListExecutions{Store: env.store}
			resp, err := list.Execute(cmd.Context(), commands.ListExecutionsRequest{
				Pipeline: pipelineName,
				Status:   status,
				Lane:     lane,
				Limit:    limit,
			})
			if err != nil {
				return err
			}
			return render(flags, resp, jqExpr, func() {
				rows := lo.Map(resp.Executions, func(e commands.ExecutionView, _ int) []string {
					return []string{
						e.ID, e.Pipeline, e.Status, e.Lane,
						fmt.Sprintf("%d/%d", e.Attempt, e.MaxAttempts),
						formatWhen(e.SubmittedAt),
					}
				})
				printTable([]string{"ID", "PIPELINE", "STATUS", "LANE", "ATTEMPT", "SUBMITTED"}, rows)
			})
		},
	}

	cmd.Flags().StringVar(&pipelineName, "pipeline", "", "Filter by pipeline name")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending, queued, running, completed, failed, cancelled, dlq)")
	cmd.Flags().StringVar(&lane, "lane", "", "Filter by lane")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows")
	cmd.Flags().StringVar(&jqExpr, "jq", "", "Filter output with a jq expression")
	return cmd
}

func newExecutionsShowCommand(flags *globalFlags) *cobra.Command {
	var jqExpr string

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one execution with its event trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer env.Close()

			show := &commands.ShowExecution{Store: env.store}
			resp, err := show.Execute(cmd.Context(), commands.ShowExecutionRequest{ID: args[0]})
			if err != nil {
				return err
			}
			return render(flags, resp, jqExpr, func() {
				e := resp.Execution
				fmt.Printf("%s  %s  %s\n", e.ID, e.Pipeline, e.Status)
				fmt.Printf("  lane=%s attempt=%d/%d trigger=%s\n",
					e.Lane, e.Attempt, e.MaxAttempts, e.TriggerSource)
				if e.LogicalKey != "" {
					fmt.Printf("  logical_key=%s\n", e.LogicalKey)
				}
				if e.ErrorMessage != "" {
					fmt.Printf("  [%s] %s\n", e.ErrorKind, e.ErrorMessage)
				}
				fmt.Println("events:")
				for _, ev := range resp.Events {
					fmt.Printf("  %s  %s", ev.CreatedAt.UTC().Format(time.RFC3339), ev.EventType)
					if ev.ToStatus != "" {
						fmt.Printf("  -> %s", ev.ToStatus)
					}
					fmt.Println()
				}
			})
		},
	}

	cmd.Flags().StringVar(&jqExpr, "jq", "", "Filter output with a jq expression")
	return cmd
}

func newExecutionsCancelCommand(flags *globalFlags) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Request a cooperative cancel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer env.Close()

			cancel := &commands.CancelExecution{Runtime: env.runtime, Store: env.store}
			resp, err := cancel.Execute(cmd.Context(), commands.CancelExecutionRequest{
				ID:     args[0],
				Reason: reason,
			})
			if err != nil {
				return err
			}
			return render(flags, resp, "", func() {
				if resp.Cancelled {
					fmt.Printf("%s cancelled\n", resp.Execution.ID)
				} else {
					fmt.Printf("%s already %s\n", resp.Execution.ID, resp.Execution.Status)
				}
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded on the cancel event")
	return cmd
}

func formatWhen(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
