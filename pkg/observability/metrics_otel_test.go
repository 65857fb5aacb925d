package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMeterProvider creates a test meter provider with a manual reader
func setupTestMeterProvider(t *testing.T) *metric.ManualReader {
	t.Helper()
	reader := metric.NewManualReader()
	provider := metric.NewMeterProvider(metric.WithReader(reader))
	previous := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(previous)
		_ = provider.Shutdown(context.Background())
	})
	return reader
}

func collect(t *testing.T, reader *metric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestOTelMetrics_RecordDBQuery(t *testing.T) {
	reader := setupTestMeterProvider(t)

	m, err := NewOTelMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordDBQuery(ctx, "CreateMembership", 3*time.Millisecond, nil)
	m.RecordDBQuery(ctx, "CreateMembership", 5*time.Millisecond, errors.New("duplicate"))
	m.RecordDBQuery(ctx, "GetStudio", time.Millisecond, nil)

	got := collect(t, reader)

	total, ok := got["db.queries.total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	var sum int64
	for _, dp := range total.DataPoints {
		sum += dp.Value
	}
	assert.Equal(t, int64(3), sum)

	errs, ok := got["db.queries.errors"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, errs.DataPoints, 1)
	assert.Equal(t, int64(1), errs.DataPoints[0].Value)

	hist, ok := got["db.query.duration"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(3), count)
}

func TestOTelMetrics_NilSafe(t *testing.T) {
	var m *OTelMetrics
	assert.NotPanics(t, func() {
		m.RecordDBQuery(context.Background(), "GetStudio", time.Millisecond, nil)
	})
}
