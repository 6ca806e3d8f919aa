package observe

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestNewMetricsRecords(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetrics(mp)
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordDrop(ctx, "display")
	m.RecordDrop(ctx, "display")
	m.RecordTaskFailure(ctx, "mic", "error")
	m.EncodeDuration.Record(ctx, 0.004)

	got := collect(t, reader)

	drops, ok := got["cap.frames.dropped"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, drops.DataPoints, 1)
	assert.Equal(t, int64(2), drops.DataPoints[0].Value)

	failures, ok := got["cap.task.failures"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, failures.DataPoints, 1)
	assert.Equal(t, int64(1), failures.DataPoints[0].Value)

	hist, ok := got["cap.encode.duration"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
}

func TestDefaultMetricsIsSingleton(t *testing.T) {
	assert.Same(t, DefaultMetrics(), DefaultMetrics())
}
