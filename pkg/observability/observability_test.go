package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/countersign/countersign/pkg/contract"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "countersign", config.ServiceName)
	require.Equal(t, "development", config.Environment)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.False(t, config.Enabled)
	require.False(t, config.Insecure)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())

	// Disabled providers accept every call.
	ctx, finish := p.TrackOperation(context.Background(), "workflow.submit")
	require.NotNil(t, ctx)
	finish(errors.New("boom"))
	p.CountSignature(ctx, false)
	p.CountFinalization(ctx, true)
	require.NoError(t, p.Shutdown(ctx))
}

func TestNewProviderWithNilConfig(t *testing.T) {
	p, err := New(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, p)
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumOf(t *testing.T, agg metricdata.Aggregation) int64 {
	t.Helper()
	sum, ok := agg.(metricdata.Sum[int64])
	require.True(t, ok, "expected int64 sum, got %T", agg)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestTrackOperationRecordsRED(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = mp.Shutdown(context.Background()) }()

	p, err := NewWithMeter(mp.Meter("test"))
	require.NoError(t, err)

	_, finish := p.TrackOperation(context.Background(), "workflow.submit", attribute.String("contract.id", "ctr_1"))
	time.Sleep(time.Millisecond)
	finish(nil)

	_, finish = p.TrackOperation(context.Background(), "workflow.submit")
	finish(contract.Errorf(contract.KindStoreUnavailable, "op", "timeout"))

	p.CountSignature(context.Background(), false)
	p.CountSignature(context.Background(), true)
	p.CountFinalization(context.Background(), true)

	metrics := collect(t, reader)
	require.Equal(t, int64(2), sumOf(t, metrics["countersign.operations.total"]))
	require.Equal(t, int64(1), sumOf(t, metrics["countersign.errors.total"]))
	require.Equal(t, int64(0), sumOf(t, metrics["countersign.operations.active"]))
	require.Equal(t, int64(2), sumOf(t, metrics["countersign.signatures.total"]))
	require.Equal(t, int64(1), sumOf(t, metrics["countersign.finalizations.total"]))

	hist, ok := metrics["countersign.operation.duration"].(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	require.Equal(t, uint64(2), count)
}
