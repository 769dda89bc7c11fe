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

	"github.com/spf13/cobra"

	"github.com/ryansmccoy/spine/internal/commands"
	"github.com/ryansmccoy/spine/internal/commands/shared"
	"github.com/ryansmccoy/spine/internal/store"
	spineerrors "github.com/ryansmccoy/spine/pkg/errors"
)

func newRunCommand(flags *globalFlags) *cobra.Command {
	var params []string
	var lane string
	var dryRun bool
	var jqExpr string

	cmd := &cobra.Command{
		Use:   "run <pipeline>",
		Short: "Run a pipeline to completion",
		Long: `Run validates and normalizes parameters, admits one execution and
runs it inline. Resubmitting identical work returns the existing
execution instead of admitting a duplicate.`,
		Example: `  # Ingest one week
  spine run finra.otc_transparency.ingest_week -p tier=T1 -p week_ending=2025-12-19

  # Resolve the latest completed week without admitting anything
  spine run finra.otc_transparency.ingest_week -p tier=T1 -p week_ending=latest --dry-run`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseParams(params)
			if err != nil {
				return err
			}

			env, err := openEnv(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer env.Close()

			run := &commands.RunPipeline{Dispatcher: env.dispatcher}
			resp, err := run.Execute(cmd.Context(), commands.RunPipelineRequest{
				Name:   args[0],
				Params: parsed,
				Lane:   lane,
				DryRun: dryRun,
			})
			if err != nil {
				return err
			}

			exec := resp.Execution
			if err := render(flags, resp, jqExpr, func() {
				if exec.DryRun {
					fmt.Printf("dry run: %s would submit with logical key %s\n",
						exec.Pipeline, exec.LogicalKey)
					for k, v := range exec.Params {
						fmt.Printf("  %s = %v\n", k, v)
					}
					return
				}
				fmt.Printf("%s  %s  %s\n", exec.ID, exec.Pipeline, exec.Status)
				if exec.ErrorMessage != "" {
					fmt.Printf("  [%s] %s\n", exec.ErrorKind, exec.ErrorMessage)
				}
				for k, v := range exec.Result {
					fmt.Printf("  %s = %v\n", k, v)
				}
			}); err != nil {
				return err
			}

			// A terminal non-success still renders, but scripts need the
			// failure on the exit code.
			switch exec.Status {
			case string(store.StatusCompleted), "", string(store.StatusPending),
				string(store.StatusQueued), string(store.StatusRunning):
				return nil
			default:
				return &shared.ExitError{
					Code:    shared.ExitFailure,
					Message: fmt.Sprintf("execution %s %s: %s", exec.ID, exec.Status, exec.ErrorMessage),
				}
			}
		},
	}

	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "Pipeline parameter as key=value (repeatable)")
	cmd.Flags().StringVar(&lane, "lane", "", "Dispatch lane (normal, realtime, backfill)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Validate and normalize without admitting")
	cmd.Flags().StringVar(&jqExpr, "jq", "", "Filter output with a jq expression")
	return cmd
}

// parseParams turns repeated key=value flags into a raw parameter map.
// Values stay strings; pipeline declarations drive coercion.
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, &spineerrors.ValidationError{
				Field:      "param",
				Message:    fmt.Sprintf("malformed parameter %q", pair),
				Suggestion: "use -p key=value",
			}
		}
		params[key] = value
	}
	return params, nil
}
