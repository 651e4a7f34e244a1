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

/*
Package cli provides the root command for the ledgerflow operator CLI.

The command tree is:

	ledgerflow
	├── flows         List, start, inspect, retry and kill flows on a node
	├── keys          Generate and show notary signing keys
	├── proof         Verify notary signatures offline
	├── checkpoints   Inspect a file checkpoint directory
	└── version       Show version

From main.go:

	cli.SetVersion(version, commit, date)
	rootCmd := cli.NewRootCommand()
	rootCmd.AddCommand(flows.NewFlowsCommand())
	if err := rootCmd.Execute(); err != nil {
	    cli.HandleExitError(err)
	}

All commands inherit --quiet, --json and --config.
*/
package cli
