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

package shared

import (
	"net"
	"os"

	"github.com/spf13/cobra"

	"github.com/tombee/ledgerflow/internal/adminapi"
	"github.com/tombee/ledgerflow/internal/config"
)

// Environment variables read by API commands.
const (
	EnvAdminURL   = "LEDGERFLOW_ADMIN_URL"
	EnvAdminToken = "LEDGERFLOW_ADMIN_TOKEN"
)

// DefaultAdminURL is used when neither a flag, the environment nor the
// config file names the admin API.
const DefaultAdminURL = "http://127.0.0.1:7450"

// APIFlags are the connection flags of commands that call the admin API.
type APIFlags struct {
	Server string
	Token  string
}

// Register binds the flags to cmd.
func (f *APIFlags) Register(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&f.Server, "server", "", "Admin API base URL (env "+EnvAdminURL+")")
	cmd.PersistentFlags().StringVar(&f.Token, "token", "", "Bearer token (env "+EnvAdminToken+")")
}

// Client builds an admin API client. The server is taken from the flag,
// then the environment, then the config file's admin listen address.
func (f *APIFlags) Client() *adminapi.Client {
	server := f.Server
	if server == "" {
		server = os.Getenv(EnvAdminURL)
	}
	if server == "" {
		server = adminURLFromConfig()
	}
	token := f.Token
	if token == "" {
		token = os.Getenv(EnvAdminToken)
	}
	return adminapi.NewClient(server, token)
}

func adminURLFromConfig() string {
	path := GetConfigPath()
	if path == "" {
		p, err := config.ConfigPath()
		if err != nil {
			return DefaultAdminURL
		}
		if _, err := os.Stat(p); err != nil {
			return DefaultAdminURL
		}
		path = p
	}
	cfg, err := config.Load(path)
	if err != nil || cfg.Admin.ListenAddr == "" {
		return DefaultAdminURL
	}
	host, port, err := net.SplitHostPort(cfg.Admin.ListenAddr)
	if err != nil {
		return DefaultAdminURL
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}
