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
	"fmt"
	"slices"

	"github.com/expr-lang/expr"

	lferrors "github.com/tombee/ledgerflow/pkg/errors"
)

// Validate checks the configuration. The returned error joins one
// *errors.ConfigError per problem.
func (c *Config) Validate() error {
	var errs []error
	bad := func(key, format string, args ...any) {
		errs = append(errs, &lferrors.ConfigError{Key: key, Reason: fmt.Sprintf(format, args...)})
	}
	oneOf := func(key, val string, allowed ...string) {
		if !slices.Contains(allowed, val) {
			bad(key, "must be one of %v, got %q", allowed, val)
		}
	}

	if c.Node.Party == "" {
		bad("node.party", "party name is required")
	}
	oneOf("node.codec", c.Node.Codec, "json", "jcs", "msgpack")
	if c.Node.ShutdownTimeout <= 0 {
		bad("node.shutdown_timeout", "must be positive, got %v", c.Node.ShutdownTimeout)
	}

	oneOf("log.level", c.Log.Level, "trace", "debug", "info", "warn", "warning", "error")
	oneOf("log.format", c.Log.Format, "json", "text")

	oneOf("checkpoint.backend", c.Checkpoint.Backend, BackendFile, BackendMemory, BackendSQLite, BackendPostgres, BackendS3)
	switch c.Checkpoint.Backend {
	case BackendPostgres:
		if c.Checkpoint.Postgres.URL == "" {
			bad("checkpoint.postgres.url", "required for the postgres backend")
		}
	case BackendS3:
		if c.Checkpoint.S3.Bucket == "" {
			bad("checkpoint.s3.bucket", "required for the s3 backend")
		}
	}

	oneOf("transport.kind", c.Transport.Kind, TransportGRPC, TransportMemory)
	if c.Transport.Kind == TransportGRPC {
		if c.Transport.ListenAddr == "" {
			bad("transport.listen_addr", "required for the grpc transport")
		}
		if c.Transport.NetworkMap == "" {
			bad("transport.network_map", "required for the grpc transport")
		}
		if (c.Transport.TLS.CertFile == "") != (c.Transport.TLS.KeyFile == "") {
			bad("transport.tls", "cert_file and key_file must be set together")
		}
	}

	s := c.Scheduler
	if s.MaxWorkers < 1 {
		bad("scheduler.max_workers", "must be at least 1, got %d", s.MaxWorkers)
	}
	if s.MaxRetries < 0 {
		bad("scheduler.max_retries", "must not be negative, got %d", s.MaxRetries)
	}
	if s.BackoffBase <= 0 || s.BackoffMax < s.BackoffBase {
		bad("scheduler.backoff", "need 0 < backoff_base <= backoff_max, got %v and %v", s.BackoffBase, s.BackoffMax)
	}
	if s.HospitalRetries < 0 {
		bad("scheduler.hospital_retries", "must not be negative, got %d", s.HospitalRetries)
	}
	if s.RedeliveryInterval <= 0 {
		bad("scheduler.redelivery_interval", "must be positive, got %v", s.RedeliveryInterval)
	}

	if c.Notary.Enabled {
		errs = append(errs, c.validateNotary()...)
	}

	if c.Admin.ListenAddr != "" && len(c.Admin.JWTSecret) < 32 {
		bad("admin.jwt_secret", "must be at least 32 bytes when the admin API is enabled")
	}

	o := c.Observability
	oneOf("observability.exporter", o.Exporter, "none", "stdout", "otlp-grpc", "otlp-http")
	if (o.Exporter == "otlp-grpc" || o.Exporter == "otlp-http") && o.Endpoint == "" {
		bad("observability.endpoint", "required for the %s exporter", o.Exporter)
	}
	if o.SampleRate < 0 || o.SampleRate > 1 {
		bad("observability.sample_rate", "must be between 0 and 1, got %v", o.SampleRate)
	}

	return errors.Join(errs...)
}

func (c *Config) validateNotary() []error {
	var errs []error
	bad := func(key, format string, args ...any) {
		errs = append(errs, &lferrors.ConfigError{Key: key, Reason: fmt.Sprintf(format, args...)})
	}
	n := c.Notary

	if n.KeyFile == "" {
		bad("notary.key_file", "required when the notary is enabled")
	}
	switch n.CommitLog.Backend {
	case BackendMemory, BackendSQLite:
	case BackendPostgres:
		if n.CommitLog.Postgres.URL == "" {
			bad("notary.commit_log.postgres.url", "required for the postgres commit log")
		}
	case BackendRedis:
		if n.CommitLog.Redis.Addr == "" {
			bad("notary.commit_log.redis.addr", "required for the redis commit log")
		}
	default:
		bad("notary.commit_log.backend", "must be one of [memory sqlite postgres redis], got %q", n.CommitLog.Backend)
	}
	if n.BatchWindow <= 0 {
		bad("notary.batch_window", "must be positive, got %v", n.BatchWindow)
	}
	if n.MaxBatch < 1 {
		bad("notary.max_batch", "must be at least 1, got %d", n.MaxBatch)
	}
	if n.RatePerParty < 0 {
		bad("notary.rate_per_party", "must not be negative, got %v", n.RatePerParty)
	}
	if n.Admission != "" {
		if _, err := expr.Compile(n.Admission, expr.AsBool()); err != nil {
			errs = append(errs, &lferrors.ConfigError{Key: "notary.admission", Reason: "rule does not compile", Cause: err})
		}
	}
	if n.HA.Enabled && n.CommitLog.Backend != BackendPostgres {
		bad("notary.ha.enabled", "active/passive replicas need the postgres commit log")
	}
	return errs
}
