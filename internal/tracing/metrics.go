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

package tracing

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsCollector records node metrics through an OpenTelemetry meter.
// It satisfies the metrics interfaces of the scheduler, the uniqueness
// provider and the notary service.
type MetricsCollector struct {
	meter metric.Meter

	// Counters
	flowsStarted    metric.Int64Counter
	flowsFinished   metric.Int64Counter
	steps           metric.Int64Counter
	hospitalized    metric.Int64Counter
	redelivered     metric.Int64Counter
	commitDecisions metric.Int64Counter
	signed          metric.Int64Counter

	// Histograms
	flowDuration  metric.Float64Histogram
	stepDuration  metric.Float64Histogram
	batchSize     metric.Int64Histogram
	batchDuration metric.Float64Histogram

	activeFlows atomic.Int64
}

// NewMetricsCollector creates a collector on the given meter provider.
func NewMetricsCollector(meterProvider metric.MeterProvider) (*MetricsCollector, error) {
	meter := meterProvider.Meter("ledgerflow")
	mc := &MetricsCollector{meter: meter}

	var err error
	mc.flowsStarted, err = meter.Int64Counter(
		"ledgerflow_flows_started_total",
		metric.WithDescription("Total number of flows started, initiators and responders"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, err
	}

	mc.flowsFinished, err = meter.Int64Counter(
		"ledgerflow_flows_finished_total",
		metric.WithDescription("Total number of flows that reached a terminal status"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, err
	}

	mc.steps, err = meter.Int64Counter(
		"ledgerflow_flow_steps_total",
		metric.WithDescription("Total number of flow steps executed"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		return nil, err
	}

	mc.hospitalized, err = meter.Int64Counter(
		"ledgerflow_hospitalizations_total",
		metric.WithDescription("Total number of flows moved to the hospital"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, err
	}

	mc.redelivered, err = meter.Int64Counter(
		"ledgerflow_redelivered_envelopes_total",
		metric.WithDescription("Total number of unacknowledged envelopes resent"),
		metric.WithUnit("{envelope}"),
	)
	if err != nil {
		return nil, err
	}

	mc.commitDecisions, err = meter.Int64Counter(
		"ledgerflow_notary_commits_total",
		metric.WithDescription("Commit log decisions by outcome"),
		metric.WithUnit("{batch}"),
	)
	if err != nil {
		return nil, err
	}

	mc.signed, err = meter.Int64Counter(
		"ledgerflow_notary_signed_total",
		metric.WithDescription("Total number of transactions covered by a batch signature"),
		metric.WithUnit("{transaction}"),
	)
	if err != nil {
		return nil, err
	}

	mc.flowDuration, err = meter.Float64Histogram(
		"ledgerflow_flow_duration_seconds",
		metric.WithDescription("Flow duration from start to terminal status"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mc.stepDuration, err = meter.Float64Histogram(
		"ledgerflow_step_duration_seconds",
		metric.WithDescription("Time spent advancing a flow to its next suspension"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mc.batchSize, err = meter.Int64Histogram(
		"ledgerflow_notary_batch_size",
		metric.WithDescription("Requests per notary batch"),
		metric.WithUnit("{request}"),
		metric.WithExplicitBucketBoundaries(1, 2, 4, 8, 16, 32, 64, 128, 256),
	)
	if err != nil {
		return nil, err
	}

	mc.batchDuration, err = meter.Float64Histogram(
		"ledgerflow_notary_batch_duration_seconds",
		metric.WithDescription("Time to commit and sign one notary batch"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"ledgerflow_active_flows",
		metric.WithDescription("Number of flows started and not yet finished"),
		metric.WithUnit("{flow}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			observer.Observe(mc.activeFlows.Load())
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return mc, nil
}

// RecordFlowStart records a flow entering the scheduler.
func (mc *MetricsCollector) RecordFlowStart(ctx context.Context, flowName string) {
	mc.activeFlows.Add(1)
	mc.flowsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("flow", flowName)))
}

// RecordFlowFinish records a flow reaching COMPLETED or FAILED.
func (mc *MetricsCollector) RecordFlowFinish(ctx context.Context, flowName, status string, duration time.Duration) {
	mc.activeFlows.Add(-1)
	attrs := metric.WithAttributes(
		attribute.String("flow", flowName),
		attribute.String("status", status),
	)
	mc.flowsFinished.Add(ctx, 1, attrs)
	mc.flowDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordSteps records the steps run between two suspensions.
func (mc *MetricsCollector) RecordSteps(ctx context.Context, flowName string, steps int, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("flow", flowName))
	mc.steps.Add(ctx, int64(steps), attrs)
	mc.stepDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordHospitalization records a flow being hospitalized.
func (mc *MetricsCollector) RecordHospitalization(ctx context.Context, flowName, class string) {
	mc.hospitalized.Add(ctx, 1, metric.WithAttributes(
		attribute.String("flow", flowName),
		attribute.String("class", class),
	))
}

// RecordRedelivery records envelopes resent by the redelivery sweep.
func (mc *MetricsCollector) RecordRedelivery(ctx context.Context, envelopes int) {
	mc.redelivered.Add(ctx, int64(envelopes))
}

// RecordCommit records one commit log decision.
func (mc *MetricsCollector) RecordCommit(ctx context.Context, outcome string, resources int) {
	mc.commitDecisions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordBatch records one notary batch.
func (mc *MetricsCollector) RecordBatch(ctx context.Context, requests, signed int, duration time.Duration) {
	mc.batchSize.Record(ctx, int64(requests))
	mc.signed.Add(ctx, int64(signed))
	mc.batchDuration.Record(ctx, duration.Seconds())
}
