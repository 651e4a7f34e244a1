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


// Package shared holds state and helpers common to every CLI command.
package shared

import "github.com/spf13/cobra"

// Values of the root command's persistent flags.
var (
	jsonFlag   bool
	quietFlag  bool
	configFlag string

	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// BindGlobalFlags registers the persistent flags every subcommand reads.
func BindGlobalFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "Print machine-readable JSON instead of tables")
	cmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "Only print errors")
	cmd.PersistentFlags().StringVar(&configFlag, "config", "", "Node config file to read the admin address from (default: $LEDGERFLOW_CONFIG or ~/.config/ledgerflow/config.yaml)")
}

// SetVersion records the build stamp passed in from main.
func SetVersion(v, c, b string) {
	version = v
	commit = c
	buildDate = b
}

// GetQuiet reports whether --quiet was given.
func GetQuiet() bool {
	return quietFlag
}

// GetJSON reports whether --json was given.
func GetJSON() bool {
	return jsonFlag
}

// GetConfigPath returns --config, empty when unset.
func GetConfigPath() string {
	return configFlag
}

// SetJSONForTest toggles JSON output in tests.
func SetJSONForTest(v bool) {
	jsonFlag = v
}

func GetVersion() (string, string, string) {
	return version, commit, buildDate
}
