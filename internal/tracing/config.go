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

// Package tracing wires OpenTelemetry tracing and metrics for a node.
//
// A Provider owns the tracer provider, a meter provider backed by the
// Prometheus exporter and a MetricsCollector that the scheduler, the
// uniqueness provider and the notary service report into. Metrics are
// served from the Provider's own registry by Handler.
package tracing

import (
	"time"
)

// Exporter kinds.
const (
	ExporterNone     = "none"
	ExporterStdout   = "stdout"
	ExporterOTLPGRPC = "otlp-grpc"
	ExporterOTLPHTTP = "otlp-http"
)

// Config holds observability configuration.
type Config struct {
	// ServiceName identifies this node in traces.
	ServiceName string

	// ServiceVersion is the application version.
	ServiceVersion string

	// Exporter selects where spans go: none, stdout, otlp-grpc or otlp-http.
	Exporter ExporterConfig

	// SampleRate is the fraction of traces to sample (0.0 - 1.0).
	SampleRate float64

	// AlwaysSampleErrors samples spans started with an error attribute
	// regardless of SampleRate.
	AlwaysSampleErrors bool

	// BatchTimeout is how often batched spans are flushed (default: 5s).
	BatchTimeout time.Duration
}

// ExporterConfig defines a span export destination.
type ExporterConfig struct {
	// Kind is the exporter type.
	Kind string

	// Endpoint is the OTLP receiver, host:port for gRPC or a host for HTTP.
	Endpoint string

	// Insecure disables TLS.
	Insecure bool

	// CACertPath overrides the system roots used to verify the receiver.
	CACertPath string

	// Headers are sent with every export request.
	Headers map[string]string

	// Pretty indents stdout output.
	Pretty bool
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ServiceName:        "ledgerflow",
		ServiceVersion:     "unknown",
		Exporter:           ExporterConfig{Kind: ExporterNone},
		SampleRate:         1.0,
		AlwaysSampleErrors: true,
		BatchTimeout:       5 * time.Second,
	}
}
