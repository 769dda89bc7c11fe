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
)

func newQueryCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Read latest-capture views over domain data",
	}
	cmd.AddCommand(newQueryWeeksCommand(flags))
	cmd.AddCommand(newQuerySymbolsCommand(flags))
	return cmd
}

func newQueryWeeksCommand(flags *globalFlags) *cobra.Command {
	var tier string
	var limit int
	var jqExpr string

	cmd := &cobra.Command{
		Use:   "weeks <domain>",
		Short: "List reporting periods present for a domain, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer env.Close()

			weeks := &commands.QueryWeeks{Service: env.queries}
			resp, err := weeks.Execute(cmd.Context(), commands.QueryWeeksRequest{
				Domain: args[0],
				Tier:   tier,
				Limit:  limit,
			})
			if err != nil {
				return err
			}
			return render(flags, resp, jqExpr, func() {
				for _, week := range resp.Weeks {
					fmt.Println(week)
				}
			})
		},
	}

	cmd.Flags().StringVar(&tier, "tier", "", "Filter by tier")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum rows")
	cmd.Flags().StringVar(&jqExpr, "jq", "", "Filter output with a jq expression")
	return cmd
}

func newQuerySymbolsCommand(flags *globalFlags) *cobra.Command {
	var week, tier, symbol, filter string
	var limit int

	cmd := &cobra.Command{
		Use:   "symbols <domain>",
		Short: "Read latest-capture rows for one period",
		Example: `  # Full slice
  spine query symbols finra.otc_transparency --week 2025-12-19 --tier NMS_TIER_1

  # Top movers, reshaped
  spine query symbols finra.otc_transparency --week 2025-12-19 \
    --filter 'select(.total_shares > 1000000) | {symbol, total_shares}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer env.Close()

			symbols := &commands.QuerySymbols{Service: env.queries}
			resp, err := symbols.Execute(cmd.Context(), commands.QuerySymbolsRequest{
				Domain: args[0],
				Week:   week,
				Tier:   tier,
				Symbol: symbol,
				Limit:  limit,
				Filter: filter,
			})
			if err != nil {
				return err
			}
			// Rows are arbitrary shapes once filtered; always JSON.
			return printJSON(resp)
		},
	}

	cmd.Flags().StringVar(&week, "week", "", "Reporting period (required)")
	cmd.Flags().StringVar(&tier, "tier", "", "Filter by tier")
	cmd.Flags().StringVar(&symbol, "symbol", "", "Filter by symbol")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum rows")
	cmd.Flags().StringVar(&filter, "filter", "", "jq expression applied per row")
	return cmd
}
