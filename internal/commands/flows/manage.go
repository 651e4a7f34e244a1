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
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/ledgerflow/internal/adminapi"
	"github.com/tombee/ledgerflow/internal/commands/shared"
	"github.com/tombee/ledgerflow/internal/flow"
)

func newStartCommand(api *shared.APIFlags) *cobra.Command {
	var (
		argsJSON string
		argsFile string
		wait     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "start <flow-name>",
		Short: "Start a registered flow",
		Long: `Start a flow by its registered name. Arguments are a JSON object given
inline with --args or read from a file with --args-file ("-" for stdin).

With --wait the command blocks until the flow finishes or the wait
elapses, and exits non-zero if the flow failed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readArgs(cmd.InOrStdin(), argsJSON, argsFile)
			if err != nil {
				return err
			}
			client := api.Client()
			id, err := client.StartFlow(cmd.Context(), args[0], raw)
			if err != nil {
				return err
			}
			if wait <= 0 {
				if shared.GetJSON() {
					return shared.EmitJSON(cmd.OutOrStdout(), adminapi.StartResponse{ID: id})
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			}
			resp, err := client.GetFlow(cmd.Context(), id, wait)
			if err != nil {
				return err
			}
			return report(cmd.OutOrStdout(), resp)
		},
	}

	cmd.Flags().StringVar(&argsJSON, "args", "", "Flow arguments as a JSON object")
	cmd.Flags().StringVar(&argsFile, "args-file", "", "Read flow arguments from a file")
	cmd.Flags().DurationVar(&wait, "wait", 0, "Wait up to this long for the flow to finish")
	cmd.MarkFlagsMutuallyExclusive("args", "args-file")
	return cmd
}

func readArgs(stdin io.Reader, inline, file string) (json.RawMessage, error) {
	var raw []byte
	switch {
	case inline != "":
		raw = []byte(inline)
	case file == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, shared.NewInvalidInputError("failed to read arguments from stdin", err)
		}
		raw = b
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, shared.NewInvalidInputError("failed to read arguments", err)
		}
		raw = b
	default:
		return nil, nil
	}
	if !json.Valid(raw) {
		return nil, shared.NewInvalidInputError("flow arguments are not valid JSON", nil)
	}
	return raw, nil
}

func newGetCommand(api *shared.APIFlags) *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "get <flow-id>",
		Short: "Show a flow's status or outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := api.Client().GetFlow(cmd.Context(), args[0], wait)
			if err != nil {
				return err
			}
			return report(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 0, "Wait up to this long for a live flow to finish")
	return cmd
}

// report prints a flow response. A failed flow is returned as an error
// after printing so the exit code reflects it.
func report(out io.Writer, resp *adminapi.FlowResponse) error {
	if shared.GetJSON() {
		if err := shared.EmitJSON(out, resp); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(out, "Flow:    %s\n", resp.ID)
		fmt.Fprintf(out, "Status:  %s\n", resp.Status)
		if info := resp.Info; info != nil {
			fmt.Fprintf(out, "Name:    %s\n", info.Name)
			if info.Awaiting != "" {
				fmt.Fprintf(out, "Waiting: %s\n", info.Awaiting)
			}
			if info.Hospital != "" {
				fmt.Fprintf(out, "Reason:  %s\n", info.Hospital)
			}
			fmt.Fprintf(out, "Steps:   %d\n", info.Steps)
		}
		if len(resp.Result) > 0 {
			fmt.Fprintf(out, "Result:  %s\n", resp.Result)
		}
		if e := resp.Error; e != nil {
			fmt.Fprintf(out, "Error:   %s (%s)\n", e.Message, e.Type)
			refs := make([]string, 0, len(e.Winners))
			for ref := range e.Winners {
				refs = append(refs, ref)
			}
			sort.Strings(refs)
			for _, ref := range refs {
				fmt.Fprintf(out, "  %s consumed by %s\n", ref, e.Winners[ref])
			}
		}
	}
	if resp.Status != flow.StatusFailed {
		return nil
	}
	code := shared.ExitFailed
	if resp.Error != nil && resp.Error.Type == "conflict" {
		code = shared.ExitConflict
	}
	return &shared.ExitError{Code: code, Message: fmt.Sprintf("flow %s failed", resp.ID)}
}

func newRetryCommand(api *shared.APIFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <flow-id>",
		Short: "Discharge a hospitalized flow and resume it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := api.Client().Retry(cmd.Context(), args[0]); err != nil {
				return err
			}
			if !shared.GetQuiet() {
				fmt.Fprintf(cmd.OutOrStdout(), "Flow %s scheduled for retry.\n", args[0])
			}
			return nil
		},
	}
}

func newKillCommand(api *shared.APIFlags) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "kill <flow-id>",
		Short: "Fail a flow",
		Long: `Fail a flow wherever it is suspended. Its counterparties receive a
session error.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := api.Client().Kill(cmd.Context(), args[0], reason); err != nil {
				return err
			}
			if !shared.GetQuiet() {
				fmt.Fprintf(cmd.OutOrStdout(), "Flow %s killed.\n", args[0])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded as the flow's error")
	return cmd
}
