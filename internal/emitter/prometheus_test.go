package emitter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/yairfalse/vigil/analyzer"
	"github.com/yairfalse/vigil/baseline"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Gauge[float64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Gauge[float64])
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if g, ok := m.Data.(metricdata.Gauge[float64]); ok {
				out[m.Name] = g
			}
		}
	}
	return out
}

func pointFor(g metricdata.Gauge[float64], key, value string) (float64, bool) {
	for _, dp := range g.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value, true
		}
	}
	return 0, false
}

func TestPrometheusEmitter_ObservesLatestCycle(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	e, err := NewPrometheusEmitter(provider.Meter("test"))
	require.NoError(t, err)
	defer func() { _ = e.Close() }()

	assert.Empty(t, collect(t, reader), "nothing observed before the first cycle")

	err = e.Emit(context.Background(), Cycle{
		Insights: []analyzer.ResourceInsights{{
			ResourceID: "db-1",
			Latest:     map[string]float64{"cpu": 87},
			Trends:     map[string]analyzer.Trend{"cpu": {Direction: analyzer.TrendGrowing, RatePerDay: 8.4, Confidence: 0.97}},
			Forecasts:  map[string]*analyzer.CapacityForecast{"cpu": {ResourceID: "db-1", Metric: "cpu", DaysLeft: 1.5}},
		}},
		Anomalies: []baseline.Anomaly{{ResourceID: "web-1", Metric: "cpu", ZScore: 3.4, Severity: baseline.SeverityCritical}},
		Duration:  2 * time.Second,
	})
	require.NoError(t, err)

	gauges := collect(t, reader)

	v, ok := pointFor(gauges["vigil.metric.latest"], "resource_id", "db-1")
	require.True(t, ok)
	assert.Equal(t, 87.0, v)

	v, ok = pointFor(gauges["vigil.trend.rate_per_day"], "direction", "growing")
	require.True(t, ok)
	assert.Equal(t, 8.4, v)

	v, ok = pointFor(gauges["vigil.forecast.days_left"], "metric", "cpu")
	require.True(t, ok)
	assert.Equal(t, 1.5, v)

	v, ok = pointFor(gauges["vigil.anomaly.zscore"], "severity", "critical")
	require.True(t, ok)
	assert.Equal(t, 3.4, v)

	require.Len(t, gauges["vigil.learning.last_cycle.duration"].DataPoints, 1)
	assert.Equal(t, 2.0, gauges["vigil.learning.last_cycle.duration"].DataPoints[0].Value)
}

func TestPrometheusEmitter_ReplacesPreviousCycle(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	e, err := NewPrometheusEmitter(provider.Meter("test"))
	require.NoError(t, err)

	require.NoError(t, e.Emit(context.Background(), Cycle{
		Anomalies: []baseline.Anomaly{{ResourceID: "web-1", Metric: "cpu", ZScore: 2.5, Severity: baseline.SeverityWarning}},
	}))
	require.NoError(t, e.Emit(context.Background(), Cycle{}))

	gauges := collect(t, reader)
	assert.Empty(t, gauges["vigil.anomaly.zscore"].DataPoints)

	require.NoError(t, e.Close())
}
