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
	"github.com/ryansmccoy/spine/pkg/pipeline"
)

func newPipelinesCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipelines",
		Short: "Inspect registered pipelines",
	}
	cmd.AddCommand(newPipelinesListCommand(flags))
	cmd.AddCommand(newPipelinesDescribeCommand(flags))
	return cmd
}

func newPipelinesListCommand(flags *globalFlags) *cobra.Command {
	var prefix string
	var jqExpr string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered pipelines",
		Example: `  # All pipelines
  spine pipelines list

  # One domain
  spine pipelines list --prefix finra.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer env.Close()

			list := &commands.ListPipelines{Registry: env.registry}
			resp, err := list.Execute(cmd.Context(), commands.ListPipelinesRequest{Prefix: prefix})
			if err != nil {
				return err
			}
			return render(flags, resp, jqExpr, func() {
				rows := lo.Map(resp.Pipelines, func(d pipeline.Detail, _ int) []string {
					ingest := ""
					if d.IsIngest {
						ingest = "ingest"
					}
					return []string{d.Name, ingest, d.Description}
				})
				printTable([]string{"NAME", "KIND", "DESCRIPTION"}, rows)
			})
		},
	}

	cmd.Flags().StringVar(&prefix, "prefix", "", "Filter by name prefix")
	cmd.Flags().StringVar(&jqExpr, "jq", "", "Filter output with a jq expression")
	return cmd
}

func newPipelinesDescribeCommand(flags *globalFlags) *cobra.Command {
	var jqExpr string

	cmd := &cobra.Command{
		Use:   "describe <name>",
		Short: "Show a pipeline's parameters and behavior",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer env.Close()

			describe := &commands.DescribePipeline{Registry: env.registry}
			detail, err := describe.Execute(cmd.Context(), commands.DescribePipelineRequest{Name: args[0]})
			if err != nil {
				return err
			}
			return render(flags, detail, jqExpr, func() {
				fmt.Printf("%s\n", detail.Name)
				if detail.Description != "" {
					fmt.Printf("  %s\n", detail.Description)
				}
				printParams("Required", detail.RequiredParams)
				printParams("Optional", detail.OptionalParams)
				if detail.ExclusiveKey != "" {
					fmt.Printf("Exclusive key: %s\n", detail.ExclusiveKey)
				}
			})
		},
	}

	cmd.Flags().StringVar(&jqExpr, "jq", "", "Filter output with a jq expression")
	return cmd
}

func printParams(label string, defs []pipeline.ParamDef) {
	if len(defs) == 0 {
		return
	}
	fmt.Printf("%s parameters:\n", label)
	rows := lo.Map(defs, func(d pipeline.ParamDef, _ int) []string {
		return []string{"  " + d.Name, string(d.Type), d.Description}
	})
	printTable([]string{"  NAME", "TYPE", "DESCRIPTION"}, rows)
}
