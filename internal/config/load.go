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

package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	lferrors "github.com/tombee/ledgerflow/pkg/errors"
)

// Load reads configuration from the YAML file at path, if any, fills zero
// values with defaults, applies LEDGERFLOW_* environment overrides and
// validates the result. Environment variables take precedence over the
// file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, &lferrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", path),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// applyDefaults fills zero values left by a partial file.
func (c *Config) applyDefaults() {
	d := Default()

	if c.Node.DataDir == "" {
		c.Node.DataDir = d.Node.DataDir
	}
	if c.Node.Codec == "" {
		c.Node.Codec = d.Node.Codec
	}
	if c.Node.ShutdownTimeout == 0 {
		c.Node.ShutdownTimeout = d.Node.ShutdownTimeout
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	if c.Checkpoint.Backend == "" {
		c.Checkpoint.Backend = d.Checkpoint.Backend
	}
	if c.Transport.Kind == "" {
		c.Transport.Kind = d.Transport.Kind
	}

	s, ds := &c.Scheduler, d.Scheduler
	if s.MaxWorkers == 0 {
		s.MaxWorkers = ds.MaxWorkers
	}
	if s.MaxRetries == 0 {
		s.MaxRetries = ds.MaxRetries
	}
	if s.BackoffBase == 0 {
		s.BackoffBase = ds.BackoffBase
	}
	if s.BackoffMax == 0 {
		s.BackoffMax = ds.BackoffMax
	}
	if s.HospitalBackoff == 0 {
		s.HospitalBackoff = ds.HospitalBackoff
	}
	if s.RedeliveryInterval == 0 {
		s.RedeliveryInterval = ds.RedeliveryInterval
	}
	if s.SendTimeout == 0 {
		s.SendTimeout = ds.SendTimeout
	}
	if s.RetainFinished == 0 {
		s.RetainFinished = ds.RetainFinished
	}

	n, dn := &c.Notary, d.Notary
	if n.CommitLog.Backend == "" {
		n.CommitLog.Backend = dn.CommitLog.Backend
	}
	if n.BatchWindow == 0 {
		n.BatchWindow = dn.BatchWindow
	}
	if n.MaxBatch == 0 {
		n.MaxBatch = dn.MaxBatch
	}
	if n.HA.RetryInterval == 0 {
		n.HA.RetryInterval = dn.HA.RetryInterval
	}

	if c.Observability.Exporter == "" {
		c.Observability.Exporter = d.Observability.Exporter
	}
}

// loadFromEnv applies environment overrides. Unparseable numbers and
// durations are ignored.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("LEDGERFLOW_PARTY"); val != "" {
		c.Node.Party = val
	}
	if val := os.Getenv("LEDGERFLOW_DATA_DIR"); val != "" {
		c.Node.DataDir = val
	}
	if val := os.Getenv("LEDGERFLOW_CODEC"); val != "" {
		c.Node.Codec = strings.ToLower(val)
	}
	envDuration("LEDGERFLOW_SHUTDOWN_TIMEOUT", &c.Node.ShutdownTimeout)

	// LEDGERFLOW_LOG_LEVEL takes precedence over LOG_LEVEL
	if val := os.Getenv("LEDGERFLOW_LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	} else if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = envBool(val)
	}

	if val := os.Getenv("LEDGERFLOW_CHECKPOINT_BACKEND"); val != "" {
		c.Checkpoint.Backend = strings.ToLower(val)
	}
	if val := os.Getenv("LEDGERFLOW_CHECKPOINT_POSTGRES_URL"); val != "" {
		c.Checkpoint.Postgres.URL = val
	}
	if val := os.Getenv("LEDGERFLOW_CHECKPOINT_S3_BUCKET"); val != "" {
		c.Checkpoint.S3.Bucket = val
	}

	if val := os.Getenv("LEDGERFLOW_TRANSPORT"); val != "" {
		c.Transport.Kind = strings.ToLower(val)
	}
	if val := os.Getenv("LEDGERFLOW_LISTEN_ADDR"); val != "" {
		c.Transport.ListenAddr = val
	}
	if val := os.Getenv("LEDGERFLOW_NETWORK_MAP"); val != "" {
		c.Transport.NetworkMap = val
	}
	if val := os.Getenv("LEDGERFLOW_TRANSPORT_TOKEN"); val != "" {
		c.Transport.Token = val
	}

	envInt("LEDGERFLOW_MAX_WORKERS", &c.Scheduler.MaxWorkers)
	envInt("LEDGERFLOW_MAX_RETRIES", &c.Scheduler.MaxRetries)
	envDuration("LEDGERFLOW_REDELIVERY_INTERVAL", &c.Scheduler.RedeliveryInterval)

	if val := os.Getenv("LEDGERFLOW_NOTARY_ENABLED"); val != "" {
		c.Notary.Enabled = envBool(val)
	}
	if val := os.Getenv("LEDGERFLOW_NOTARY_KEY_FILE"); val != "" {
		c.Notary.KeyFile = val
	}
	if val := os.Getenv("LEDGERFLOW_NOTARY_COMMIT_LOG"); val != "" {
		c.Notary.CommitLog.Backend = strings.ToLower(val)
	}
	if val := os.Getenv("LEDGERFLOW_NOTARY_POSTGRES_URL"); val != "" {
		c.Notary.CommitLog.Postgres.URL = val
	}
	if val := os.Getenv("LEDGERFLOW_NOTARY_REDIS_ADDR"); val != "" {
		c.Notary.CommitLog.Redis.Addr = val
	}
	if val := os.Getenv("LEDGERFLOW_NOTARY_REDIS_PASSWORD"); val != "" {
		c.Notary.CommitLog.Redis.Password = val
	}
	envDuration("LEDGERFLOW_NOTARY_BATCH_WINDOW", &c.Notary.BatchWindow)
	if val := os.Getenv("LEDGERFLOW_NOTARY_HA"); val != "" {
		c.Notary.HA.Enabled = envBool(val)
	}

	if val := os.Getenv("LEDGERFLOW_ADMIN_ADDR"); val != "" {
		c.Admin.ListenAddr = val
	}
	if val := os.Getenv("LEDGERFLOW_ADMIN_JWT_SECRET"); val != "" {
		c.Admin.JWTSecret = val
	}

	if val := os.Getenv("LEDGERFLOW_OTEL_EXPORTER"); val != "" {
		c.Observability.Exporter = strings.ToLower(val)
	}
	if val := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); val != "" {
		c.Observability.Endpoint = val
	}
	if val := os.Getenv("LEDGERFLOW_OTEL_SAMPLE_RATE"); val != "" {
		if rate, err := strconv.ParseFloat(val, 64); err == nil {
			c.Observability.SampleRate = rate
		}
	}
}

func envBool(val string) bool {
	return val == "1" || strings.ToLower(val) == "true"
}

func envInt(key string, dst *int) {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			*dst = d
		}
	}
}
