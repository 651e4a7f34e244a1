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

// Package flows implements the flows command, a client of a node's admin
// API.
package flows

import (
	"github.com/spf13/cobra"

	"github.com/tombee/ledgerflow/internal/commands/shared"
)

// NewFlowsCommand creates the flows command group.
func NewFlowsCommand() *cobra.Command {
	api := &shared.APIFlags{}
	cmd := &cobra.Command{
		Use:   "flows",
		Short: "Manage flows on a running node",
		Long: `List, start, inspect, retry and kill flows through a node's admin API.

Hospitalized flows stay parked until retried or killed. Retrying one
resumes it from its last checkpoint.`,
	}
	api.Register(cmd)

	cmd.AddCommand(
		newListCommand(api),
		newStartCommand(api),
		newGetCommand(api),
		newRetryCommand(api),
		newKillCommand(api),
	)
	return cmd
}
