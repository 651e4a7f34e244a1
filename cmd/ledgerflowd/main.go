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

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/tombee/ledgerflow/internal/config"
	"github.com/tombee/ledgerflow/internal/log"
	"github.com/tombee/ledgerflow/internal/node"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to config file (default: $LEDGERFLOW_CONFIG or ~/.config/ledgerflow/config.yaml)")
		party       = flag.String("party", "", "Override node.party")
		listenAddr  = flag.String("listen", "", "Override transport.listen_addr")
		adminAddr   = flag.String("admin", "", "Override admin.listen_addr")
		showVersion = flag.Bool("version", false, "Show version information")
		printConfig = flag.Bool("print-config", false, "Print the effective configuration with secrets redacted and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("ledgerflowd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Bootstrap logger until the configured one exists
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	path := *configPath
	if path == "" {
		p, err := config.ConfigPath()
		if err == nil {
			if _, statErr := os.Stat(p); statErr == nil {
				path = p
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		logger.Error("Failed to load config", slog.String("path", path), slog.Any("error", err))
		os.Exit(1)
	}
	if *party != "" {
		cfg.Node.Party = *party
	}
	if *listenAddr != "" {
		cfg.Transport.ListenAddr = *listenAddr
	}
	if *adminAddr != "" {
		cfg.Admin.ListenAddr = *adminAddr
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}
	if *printConfig {
		if err := yaml.NewEncoder(os.Stdout).Encode(cfg.Redact()); err != nil {
			logger.Error("Failed to print config", slog.Any("error", err))
			os.Exit(1)
		}
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := node.New(ctx, cfg, node.Options{Version: version})
	if err != nil {
		logger.Error("Failed to create node", slog.Any("error", err))
		os.Exit(1)
	}

	if err := n.Run(ctx); err != nil {
		logger.Error("Node error", slog.Any("error", err))
		os.Exit(1)
	}
}
