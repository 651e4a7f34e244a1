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


package cli

import (
	"github.com/spf13/cobra"

	"github.com/tombee/ledgerflow/internal/commands/shared"
)

// SetVersion stamps the build version reported by "ledgerflow version".
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand returns the ledgerflow command with the global flags
// every subcommand reads.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledgerflow",
		Short: "ledgerflow - operate ledger workflow nodes and notaries",
		Long: `ledgerflow talks to a running ledgerflowd node through its admin API
and works offline with notary keys, notary signatures and checkpoint
directories.

Set LEDGERFLOW_ADMIN_URL and LEDGERFLOW_ADMIN_TOKEN, or pass --server and
--token, to reach a node.`,
		// main maps errors to exit codes
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	shared.BindGlobalFlags(cmd)
	return cmd
}

// HandleExitError prints err and exits with the code its type maps to.
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
