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

// Package checkpoints implements offline inspection of a file checkpoint
// directory.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/ledgerflow/internal/checkpoint"
	"github.com/tombee/ledgerflow/internal/codec"
	"github.com/tombee/ledgerflow/internal/commands/shared"
	"github.com/tombee/ledgerflow/internal/jq"
)

// Summary is the printable form of a checkpoint.
type Summary struct {
	FlowID    string    `json:"flow_id"`
	FlowName  string    `json:"flow_name"`
	Version   string    `json:"flow_version"`
	Status    string    `json:"status"`
	Awaiting  string    `json:"awaiting,omitempty"`
	Codec     string    `json:"codec"`
	Revision  int64     `json:"revision"`
	FrameSize int       `json:"frame_size"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Frame     any       `json:"frame,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// NewCheckpointsCommand creates the checkpoints command group.
func NewCheckpointsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "Inspect flow checkpoints",
	}
	cmd.AddCommand(newInspectCommand())
	return cmd
}

func newInspectCommand() *cobra.Command {
	var (
		flowID    string
		query     string
		withFrame bool
	)

	cmd := &cobra.Command{
		Use:   "inspect <dir>",
		Short: "List the checkpoints in a file checkpoint directory",
		Long: `List the checkpoints a node has written to its file checkpoint directory.
The directory is only read, so it is safe to inspect a running node.

--frame decodes each engine frame with the codec it was written with.
--query applies a jq expression to the JSON form.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := jq.Compile(query)
			if err != nil {
				return shared.NewInvalidInputError("bad --query", err)
			}
			store, err := checkpoint.OpenFileStore(args[0])
			if err != nil {
				return shared.NewInvalidInputError("cannot open checkpoint directory", err)
			}
			all, err := store.All(cmd.Context())
			if err != nil {
				return err
			}

			summaries := make([]Summary, 0, len(all))
			for _, cp := range all {
				if flowID != "" && cp.FlowID != flowID {
					continue
				}
				summaries = append(summaries, summarize(cp, withFrame))
			}
			if flowID != "" && len(summaries) == 0 {
				return &shared.ExitError{Code: shared.ExitNotFound, Message: fmt.Sprintf("no checkpoint for flow %s", flowID)}
			}

			out := cmd.OutOrStdout()
			switch {
			case query != "":
				results, err := filter.Run(cmd.Context(), summaries)
				if err != nil {
					return shared.NewFailedError("query failed", err)
				}
				for _, r := range results {
					raw, err := json.Marshal(r)
					if err != nil {
						return err
					}
					fmt.Fprintln(out, string(raw))
				}
				return nil
			case shared.GetJSON() || withFrame:
				return shared.EmitJSON(out, summaries)
			case len(summaries) == 0:
				fmt.Fprintln(out, "No checkpoints.")
				return nil
			}
			return printTable(out, summaries)
		},
	}

	cmd.Flags().StringVar(&flowID, "flow", "", "Only this flow")
	cmd.Flags().StringVar(&query, "query", "", "jq expression applied to the checkpoint list")
	cmd.Flags().BoolVar(&withFrame, "frame", false, "Decode and include each engine frame")
	return cmd
}

func summarize(cp *checkpoint.Checkpoint, withFrame bool) Summary {
	s := Summary{
		FlowID:    cp.FlowID,
		FlowName:  cp.FlowName,
		Version:   cp.FlowVersion,
		Status:    string(cp.Status),
		Awaiting:  cp.Awaiting,
		Codec:     cp.Codec,
		Revision:  cp.Revision,
		FrameSize: len(cp.Frame),
		CreatedAt: cp.CreatedAt,
		UpdatedAt: cp.UpdatedAt,
	}
	if cp.FlowName == "" && len(cp.Frame) == 0 {
		s.Error = "unreadable checkpoint file"
		return s
	}
	if !withFrame {
		return s
	}
	c, err := codec.ByName(cp.Codec)
	if err != nil {
		s.Error = err.Error()
		return s
	}
	var frame any
	if err := c.Unmarshal(cp.Frame, &frame); err != nil {
		s.Error = fmt.Sprintf("cannot decode frame: %v", err)
		return s
	}
	s.Frame = frame
	return s
}

func printTable(out io.Writer, summaries []Summary) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FLOW ID\tNAME\tVERSION\tSTATUS\tREV\tAWAITING\tUPDATED")
	for _, s := range summaries {
		name, awaiting, updated := s.FlowName, s.Awaiting, "-"
		if s.Error != "" {
			name = "?"
			awaiting = s.Error
		}
		if awaiting == "" {
			awaiting = "-"
		}
		if !s.UpdatedAt.IsZero() {
			updated = s.UpdatedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			s.FlowID, name, s.Version, s.Status, s.Revision, awaiting, updated)
	}
	return w.Flush()
}
