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

func newDLQCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and drain the dead-letter queue",
	}
	cmd.AddCommand(newDLQListCommand(flags))
	cmd.AddCommand(newDLQRetryCommand(flags))
	cmd.AddCommand(newDLQResolveCommand(flags))
	return cmd
}

func newDLQListCommand(flags *globalFlags) *cobra.Command {
	var includeResolved bool
	var limit int
	var jqExpr string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered executions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer env.Close()

			list := &commands.ListDeadLetters{Store: env.store}
			resp, err := list.Execute(cmd.Context(), commands.ListDeadLettersRequest{
				IncludeResolved: includeResolved,
				Limit:           limit,
			})
			if err != nil {
				return err
			}
			return render(flags, resp, jqExpr, func() {
				rows := lo.Map(resp.DeadLetters, func(d commands.DeadLetterView, _ int) []string {
					resolved := ""
					if !d.ResolvedAt.IsZero() {
						resolved = "resolved"
					}
					return []string{
						d.ID, d.Pipeline, d.ErrorKind,
						fmt.Sprintf("%d", d.RetryCount),
						formatWhen(d.CreatedAt), resolved,
					}
				})
				printTable([]string{"ID", "PIPELINE", "KIND", "RETRIES", "CREATED", ""}, rows)
			})
		},
	}

	cmd.Flags().BoolVar(&includeResolved, "all", false, "Include resolved entries")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows")
	cmd.Flags().StringVar(&jqExpr, "jq", "", "Filter output with a jq expression")
	return cmd
}

func newDLQRetryCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry <id>",
		Short: "Admit a fresh execution for a dead-lettered chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer env.Close()

			retry := &commands.RetryDeadLetter{Ledger: env.ledger, Executor: env.executor}
			resp, err := retry.Execute(cmd.Context(), commands.RetryDeadLetterRequest{ID: args[0]})
			if err != nil {
				return err
			}
			return render(flags, resp, "", func() {
				e := resp.Execution
				fmt.Printf("%s  %s  %s\n", e.ID, e.Pipeline, e.Status)
				if e.ErrorMessage != "" {
					fmt.Printf("  [%s] %s\n", e.ErrorKind, e.ErrorMessage)
				}
			})
		},
	}
	return cmd
}

func newDLQResolveCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Close a dead-letter entry without retrying",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer env.Close()

			resolve := &commands.ResolveDeadLetter{Ledger: env.ledger}
			if err := resolve.Execute(cmd.Context(), commands.ResolveDeadLetterRequest{ID: args[0]}); err != nil {
				return err
			}
			if !flags.quiet {
				fmt.Printf("%s resolved\n", args[0])
			}
			return nil
		},
	}
	return cmd
}
