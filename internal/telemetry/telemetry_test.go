package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestDefaultConfigReadsEnvironment(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("OTEL_SERVICE_NAME", "stratum-test")
	t.Setenv("OTEL_RESOURCE_ENVIRONMENT", "")
	t.Setenv("STRATUM_ENV", "staging")
	t.Setenv("OTEL_ENABLED", "false")

	cfg := DefaultConfig()
	require.Equal(t, "collector:4318", cfg.OTLPEndpoint)
	require.Equal(t, "stratum-test", cfg.ServiceName)
	require.Equal(t, "staging", cfg.Environment)
	require.False(t, cfg.Enabled)
	require.Equal(t, 30*time.Second, cfg.MetricInterval)
}

func TestDisabledProviderIsNoop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	cfg.Environment = "PROD"

	provider, err := NewProvider(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, "prod", Environment())
	require.NotNil(t, provider.Meter("test"))
	require.NoError(t, provider.Shutdown(context.Background()))
}

func TestStripScheme(t *testing.T) {
	if got := stripScheme("https://otel:4318"); got != "otel:4318" {
		t.Fatalf("unexpected endpoint %q", got)
	}
	if got := stripScheme("otel:4318"); got != "otel:4318" {
		t.Fatalf("unexpected endpoint %q", got)
	}
}

func TestScopeOf(t *testing.T) {
	require.Equal(t, ScopeGlobal, ScopeOf(""))
	require.Equal(t, ScopeWallet, ScopeOf("eth|abc"))
}

func TestHistogramViewsApplyToInstruments(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithView(createHistogramViews()...))
	defer func() { _ = mp.Shutdown(ctx) }()
	meter := mp.Meter("test")

	delivery, err := meter.Int64Histogram(MetricNotifyDeliverySize, metric.WithUnit("{connection}"))
	require.NoError(t, err)
	delivery.Record(ctx, 3)
	fanout, err := meter.Int64Histogram(MetricBusFanoutSize, metric.WithUnit("{subscriber}"))
	require.NoError(t, err)
	fanout.Record(ctx, 2)
	swap, err := meter.Float64Histogram(MetricSwapDuration, metric.WithUnit("ms"))
	require.NoError(t, err)
	swap.Record(ctx, 12)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	bounds := make(map[string][]float64)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Histogram[int64]:
				bounds[m.Name] = data.DataPoints[0].Bounds
			case metricdata.Histogram[float64]:
				bounds[m.Name] = data.DataPoints[0].Bounds
			}
		}
	}
	require.Equal(t, []float64{0, 1, 2, 5, 10, 50, 100, 500, 1000}, bounds[MetricNotifyDeliverySize])
	require.Equal(t, []float64{1, 2, 5, 10, 20, 50, 100}, bounds[MetricBusFanoutSize])
	require.Equal(t, []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}, bounds[MetricSwapDuration])
}
