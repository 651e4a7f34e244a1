// Copyright 2025 Tom Barlow
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

package flows

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/ledgerflow/internal/commands/shared"
	"github.com/tombee/ledgerflow/internal/jq"
	"github.com/tombee/ledgerflow/internal/scheduler"
)

func newListCommand(api *shared.APIFlags) *cobra.Command {
	var status, name, query string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List live flows",
		Long: `List the flows a node holds in memory: running, suspended and
hospitalized.

--query applies a jq expression to the JSON list and prints each result,
for example:

  ledgerflow flows list --query '.[] | select(.retries > 0) | .id'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := jq.Compile(query)
			if err != nil {
				return shared.NewInvalidInputError("bad --query", err)
			}

			flows, err := api.Client().ListFlows(cmd.Context(), status, name)
			if err != nil {
				return err
			}
			sort.Slice(flows, func(i, j int) bool {
				if !flows[i].StartedAt.Equal(flows[j].StartedAt) {
					return flows[i].StartedAt.Before(flows[j].StartedAt)
				}
				return flows[i].ID < flows[j].ID
			})

			out := cmd.OutOrStdout()
			if query != "" {
				results, err := filter.Run(cmd.Context(), flows)
				if err != nil {
					return shared.NewFailedError("query failed", err)
				}
				return printResults(out, results)
			}
			if shared.GetJSON() {
				return shared.EmitJSON(out, map[string][]scheduler.FlowInfo{"flows": flows})
			}
			if len(flows) == 0 {
				fmt.Fprintln(out, "No live flows.")
				return nil
			}
			return printTable(out, flows)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Only flows with this status (RUNNING, SUSPENDED, HOSPITALIZED)")
	cmd.Flags().StringVar(&name, "name", "", "Only flows of this definition")
	cmd.Flags().StringVar(&query, "query", "", "jq expression applied to the flow list")
	return cmd
}

func printTable(out io.Writer, flows []scheduler.FlowInfo) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tAWAITING\tSTEPS\tRETRIES\tSTARTED")
	for _, f := range flows {
		awaiting := f.Awaiting
		if f.Hospital != "" {
			awaiting = f.Hospital
		}
		if awaiting == "" {
			awaiting = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			f.ID, f.Name, f.Status, awaiting, f.Steps, f.Retries, f.StartedAt.UTC().Format(time.RFC3339))
	}
	return w.Flush()
}

// printResults writes strings bare and everything else as compact JSON,
// one result per line.
func printResults(out io.Writer, results []any) error {
	for _, r := range results {
		if s, ok := r.(string); ok {
			fmt.Fprintln(out, s)
			continue
		}
		raw, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
		fmt.Fprintln(out, string(raw))
	}
	return nil
}
