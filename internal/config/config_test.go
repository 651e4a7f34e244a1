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
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lferrors "github.com/tombee/ledgerflow/pkg/errors"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func configKeys(err error) []string {
	var keys []string
	var walk func(error)
	walk = func(err error) {
		if joined, ok := err.(interface{ Unwrap() []error }); ok {
			for _, e := range joined.Unwrap() {
				walk(e)
			}
			return
		}
		var ce *lferrors.ConfigError
		if errors.As(err, &ce) {
			keys = append(keys, ce.Key)
		}
	}
	walk(err)
	return keys
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "json", cfg.Node.Codec)
	assert.Equal(t, 30*time.Second, cfg.Node.ShutdownTimeout)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, BackendFile, cfg.Checkpoint.Backend)
	assert.Equal(t, TransportGRPC, cfg.Transport.Kind)
	assert.Equal(t, 16, cfg.Scheduler.MaxWorkers)
	assert.Equal(t, 20*time.Millisecond, cfg.Notary.BatchWindow)
	assert.Equal(t, BackendSQLite, cfg.Notary.CommitLog.Backend)
	assert.Equal(t, filepath.Join(cfg.Node.DataDir, "checkpoints"), cfg.CheckpointDir())
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
node:
  party: notary
  data_dir: /var/lib/ledgerflow
transport:
  listen_addr: ":7100"
  network_map: /etc/ledgerflow/network.yaml
scheduler:
  max_workers: 8
notary:
  enabled: true
  key_file: /etc/ledgerflow/notary.key
  batch_window: 50ms
  admission: 'party != "mallory"'
  commit_log:
    backend: postgres
    postgres:
      url: postgres://notary@db/ledger
  ha:
    enabled: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "notary", cfg.Node.Party)
	assert.Equal(t, ":7100", cfg.Transport.ListenAddr)
	assert.Equal(t, 8, cfg.Scheduler.MaxWorkers)
	assert.Equal(t, 5, cfg.Scheduler.MaxRetries, "unset fields keep defaults")
	assert.Equal(t, 50*time.Millisecond, cfg.Notary.BatchWindow)
	assert.Equal(t, 256, cfg.Notary.MaxBatch)
	assert.True(t, cfg.Notary.HA.Enabled)
	assert.Equal(t, 5*time.Second, cfg.Notary.HA.RetryInterval)
	assert.Equal(t, "/var/lib/ledgerflow/commit-log.db", cfg.CommitLogDBPath())
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "node:\n  party: alice\n  colour: blue\n")
	_, err := Load(path)
	var ce *lferrors.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "config_file", ce.Key)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	var ce *lferrors.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "node:\n  party: alice\ntransport:\n  kind: memory\nlog:\n  level: debug\n")
	t.Setenv("LEDGERFLOW_PARTY", "bob")
	t.Setenv("LEDGERFLOW_LOG_LEVEL", "WARN")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("LEDGERFLOW_MAX_WORKERS", "3")
	t.Setenv("LEDGERFLOW_NOTARY_BATCH_WINDOW", "not-a-duration")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "bob", cfg.Node.Party)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 3, cfg.Scheduler.MaxWorkers)
	assert.Equal(t, 20*time.Millisecond, cfg.Notary.BatchWindow)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := Default()
		c.Node.Party = "alice"
		c.Transport.NetworkMap = "network.yaml"
		return c
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		modify func(*Config)
		keys   []string
	}{
		{"missing party", func(c *Config) { c.Node.Party = "" }, []string{"node.party"}},
		{"bad codec", func(c *Config) { c.Node.Codec = "xml" }, []string{"node.codec"}},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, []string{"log.level"}},
		{"postgres needs url", func(c *Config) { c.Checkpoint.Backend = BackendPostgres }, []string{"checkpoint.postgres.url"}},
		{"s3 needs bucket", func(c *Config) { c.Checkpoint.Backend = BackendS3 }, []string{"checkpoint.s3.bucket"}},
		{"grpc needs network map", func(c *Config) { c.Transport.NetworkMap = "" }, []string{"transport.network_map"}},
		{"half tls", func(c *Config) { c.Transport.TLS.CertFile = "node.pem" }, []string{"transport.tls"}},
		{"zero workers", func(c *Config) { c.Scheduler.MaxWorkers = 0 }, []string{"scheduler.max_workers"}},
		{"inverted backoff", func(c *Config) { c.Scheduler.BackoffMax = time.Millisecond }, []string{"scheduler.backoff"}},
		{"short jwt secret", func(c *Config) {
			c.Admin.ListenAddr = ":8080"
			c.Admin.JWTSecret = "short"
		}, []string{"admin.jwt_secret"}},
		{"otlp needs endpoint", func(c *Config) { c.Observability.Exporter = "otlp-grpc" }, []string{"observability.endpoint"}},
		{"notary needs key", func(c *Config) { c.Notary.Enabled = true }, []string{"notary.key_file"}},
		{"notary bad admission", func(c *Config) {
			c.Notary.Enabled = true
			c.Notary.KeyFile = "notary.key"
			c.Notary.Admission = "party =="
		}, []string{"notary.admission"}},
		{"ha needs postgres", func(c *Config) {
			c.Notary.Enabled = true
			c.Notary.KeyFile = "notary.key"
			c.Notary.HA.Enabled = true
		}, []string{"notary.ha.enabled"}},
		{"redis needs addr", func(c *Config) {
			c.Notary.Enabled = true
			c.Notary.KeyFile = "notary.key"
			c.Notary.CommitLog.Backend = BackendRedis
		}, []string{"notary.commit_log.redis.addr"}},
		{"several problems", func(c *Config) {
			c.Node.Party = ""
			c.Log.Format = "xml"
		}, []string{"node.party", "log.format"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.modify(c)
			assert.Equal(t, tt.keys, configKeys(c.Validate()))
		})
	}
}

func TestConfigPath(t *testing.T) {
	t.Setenv("LEDGERFLOW_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	p, err := ConfigPath()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/xdg/ledgerflow/config.yaml", p)

	t.Setenv("LEDGERFLOW_CONFIG", "/etc/ledgerflow.yaml")
	p, err = ConfigPath()
	require.NoError(t, err)
	assert.Equal(t, "/etc/ledgerflow.yaml", p)
}
