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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/tombee/ledgerflow/internal/notary"
	"github.com/tombee/ledgerflow/internal/notary/uniqueness"
	"github.com/tombee/ledgerflow/internal/scheduler"
)

var (
	_ scheduler.MetricsCollector = (*MetricsCollector)(nil)
	_ uniqueness.Metrics         = (*MetricsCollector)(nil)
	_ notary.Metrics             = (*MetricsCollector)(nil)
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Aggregation{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumFor(t *testing.T, agg metricdata.Aggregation, key, value string) int64 {
	t.Helper()
	sum, ok := agg.(metricdata.Sum[int64])
	require.True(t, ok, "expected int64 sum, got %T", agg)
	var total int64
	for _, dp := range sum.DataPoints {
		if key == "" {
			total += dp.Value
			continue
		}
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			total += dp.Value
		}
	}
	return total
}

func newCollector(t *testing.T) (*MetricsCollector, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	mc, err := NewMetricsCollector(mp)
	require.NoError(t, err)
	return mc, reader
}

func TestFlowLifecycleMetrics(t *testing.T) {
	mc, reader := newCollector(t)
	ctx := context.Background()

	mc.RecordFlowStart(ctx, "pay")
	mc.RecordFlowStart(ctx, "pay")
	mc.RecordSteps(ctx, "pay", 3, time.Millisecond)
	mc.RecordFlowFinish(ctx, "pay", "COMPLETED", time.Second)
	mc.RecordHospitalization(ctx, "pay", "transient")
	mc.RecordRedelivery(ctx, 4)

	got := collect(t, reader)
	assert.Equal(t, int64(2), sumFor(t, got["ledgerflow_flows_started_total"], "flow", "pay"))
	assert.Equal(t, int64(1), sumFor(t, got["ledgerflow_flows_finished_total"], "status", "COMPLETED"))
	assert.Equal(t, int64(3), sumFor(t, got["ledgerflow_flow_steps_total"], "flow", "pay"))
	assert.Equal(t, int64(1), sumFor(t, got["ledgerflow_hospitalizations_total"], "class", "transient"))
	assert.Equal(t, int64(4), sumFor(t, got["ledgerflow_redelivered_envelopes_total"], "", ""))

	gauge, ok := got["ledgerflow_active_flows"].(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, int64(1), gauge.DataPoints[0].Value)
}

func TestNotaryMetrics(t *testing.T) {
	mc, reader := newCollector(t)
	ctx := context.Background()

	mc.RecordCommit(ctx, "success", 2)
	mc.RecordCommit(ctx, "conflict", 1)
	mc.RecordCommit(ctx, "success", 1)
	mc.RecordBatch(ctx, 3, 2, 10*time.Millisecond)

	got := collect(t, reader)
	assert.Equal(t, int64(2), sumFor(t, got["ledgerflow_notary_commits_total"], "outcome", "success"))
	assert.Equal(t, int64(1), sumFor(t, got["ledgerflow_notary_commits_total"], "outcome", "conflict"))
	assert.Equal(t, int64(2), sumFor(t, got["ledgerflow_notary_signed_total"], "", ""))

	hist, ok := got["ledgerflow_notary_batch_size"].(metricdata.Histogram[int64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
	assert.Equal(t, int64(3), hist.DataPoints[0].Sum)
}
