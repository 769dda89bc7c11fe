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
	"strings"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/ryansmccoy/spine/internal/commands"
	"github.com/ryansmccoy/spine/internal/commands/shared"
	"github.com/ryansmccoy/spine/internal/store"
	"github.com/ryansmccoy/spine/internal/workflow"
)

func newWorkflowsCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflows",
		Short: "Run and inspect workflow DAGs",
	}
	cmd.AddCommand(newWorkflowsListCommand(flags))
	cmd.AddCommand(newWorkflowsRunCommand(flags))
	cmd.AddCommand(newWorkflowsShowCommand(flags))
	cmd.AddCommand(newWorkflowsRunsCommand(flags))
	return cmd
}

// workflowCatalog loads env.workflows, preferring an explicit --dir.
func workflowCatalog(env *env, dir string) (*workflow.Catalog, error) {
	if dir == "" {
		return env.workflows, nil
	}
	catalog := workflow.NewCatalog()
	if err := catalog.LoadDir(dir); err != nil {
		return nil, err
	}
	return catalog, nil
}

func newWorkflowsListCommand(flags *globalFlags) *cobra.Command {
	var dir string
	var jqExpr string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List loaded workflow definitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer env.Close()

			catalog, err := workflowCatalog(env, dir)
			if err != nil {
				return err
			}
			list := &commands.ListWorkflows{Catalog: catalog}
			resp, err := list.Execute(cmd.Context())
			if err != nil {
				return err
			}
			return render(flags, resp, jqExpr, func() {
				rows := lo.Map(resp.Workflows, func(w commands.WorkflowDetail, _ int) []string {
					return []string{w.Name, fmt.Sprintf("%d", len(w.Steps)), strings.Join(w.Steps, ", ")}
				})
				printTable([]string{"NAME", "STEPS", "STEP NAMES"}, rows)
			})
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "Load definitions from this directory instead of the configured one")
	cmd.Flags().StringVar(&jqExpr, "jq", "", "Filter output with a jq expression")
	return cmd
}

func newWorkflowsRunCommand(flags *globalFlags) *cobra.Command {
	var dir string
	var paramFlags []string

	cmd := &cobra.Command{
		Use:   "run <workflow>",
		Short: "Execute a workflow DAG to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(paramFlags)
			if err != nil {
				return err
			}

			env, err := openEnv(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer env.Close()

			catalog, err := workflowCatalog(env, dir)
			if err != nil {
				return err
			}
			runner := env.runner
			if catalog != env.workflows {
				runner = workflow.NewRunner(env.store, env.dispatcher, catalog, env.log)
			}

			runCmd := &commands.RunWorkflow{Runner: runner}
			resp, err := runCmd.Execute(cmd.Context(), commands.RunWorkflowRequest{
				Name:   args[0],
				Params: params,
			})
			if err != nil {
				return err
			}
			if renderErr := render(flags, resp, "", func() {
				run := resp.Run
				fmt.Printf("run %s %s (%d/%d steps)\n",
					run.ID, run.Status, run.StepsCompleted, run.StepsTotal)
				if run.Error != "" {
					fmt.Printf("error: %s\n", run.Error)
				}
			}); renderErr != nil {
				return renderErr
			}
			// Scripts need the failure on the exit code.
			if resp.Run.Status != string(store.WorkflowCompleted) {
				return &shared.ExitError{
					Code:    shared.ExitFailure,
					Message: fmt.Sprintf("workflow run %s %s: %s", resp.Run.ID, resp.Run.Status, resp.Run.Error),
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "Load definitions from this directory instead of the configured one")
	cmd.Flags().StringArrayVarP(&paramFlags, "param", "p", nil, "Workflow parameter as key=value (repeatable)")
	return cmd
}

func newWorkflowsShowCommand(flags *globalFlags) *cobra.Command {
	var jqExpr string

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one workflow run with its step attempts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer env.Close()

			show := &commands.ShowWorkflowRun{Store: env.store}
			resp, err := show.Execute(cmd.Context(), commands.ShowWorkflowRunRequest{ID: args[0]})
			if err != nil {
				return err
			}
			return render(flags, resp, jqExpr, func() {
				run := resp.Run
				fmt.Printf("%s  %s  %s  %d/%d steps\n",
					run.ID, run.Workflow, run.Status, run.StepsCompleted, run.StepsTotal)
				if run.Error != "" {
					fmt.Printf("error: %s\n", run.Error)
				}
				rows := lo.Map(resp.Steps, func(s commands.WorkflowStepView, _ int) []string {
					return []string{s.StepName, s.Kind, fmt.Sprintf("%d", s.Attempt), s.Status, s.ExecutionID, s.Error}
				})
				printTable([]string{"STEP", "KIND", "ATTEMPT", "STATUS", "EXECUTION", "ERROR"}, rows)
			})
		},
	}

	cmd.Flags().StringVar(&jqExpr, "jq", "", "Filter output with a jq expression")
	return cmd
}

func newWorkflowsRunsCommand(flags *globalFlags) *cobra.Command {
	var workflowName string
	var limit int
	var jqExpr string

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent workflow runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer env.Close()

			list := &commands.ListWorkflowRuns{Store: env.store}
			resp, err := list.Execute(cmd.Context(), commands.ListWorkflowRunsRequest{
				Workflow: workflowName,
				Limit:    limit,
			})
			if err != nil {
				return err
			}
			return render(flags, resp, jqExpr, func() {
				rows := lo.Map(resp.Runs, func(r commands.WorkflowRunView, _ int) []string {
					return []string{r.ID, r.Workflow, r.Status,
						fmt.Sprintf("%d/%d", r.StepsCompleted, r.StepsTotal), formatWhen(r.StartedAt)}
				})
				printTable([]string{"RUN", "WORKFLOW", "STATUS", "STEPS", "STARTED"}, rows)
			})
		},
	}

	cmd.Flags().StringVar(&workflowName, "workflow", "", "Only runs of this workflow")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum rows")
	cmd.Flags().StringVar(&jqExpr, "jq", "", "Filter output with a jq expression")
	return cmd
}
