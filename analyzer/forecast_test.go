package analyzer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/vigil/types"
)

type fakeHistory struct {
	samples map[string][]types.Sample
	err     error
	windows []time.Duration
}

func (f *fakeHistory) GetMetrics(_ context.Context, resourceID, metric string, window time.Duration) ([]types.Sample, error) {
	f.windows = append(f.windows, window)
	if f.err != nil {
		return nil, f.err
	}
	return f.samples[resourceID+"/"+metric], nil
}

func lastTimestamp(samples []types.Sample) time.Time {
	return samples[len(samples)-1].Timestamp
}

func TestForecastFromSamples_InsufficientData(t *testing.T) {
	samples := hourly(10, func(h float64) float64 { return 10 + h })

	forecast, err := ForecastFromSamples("vm-1", "disk", samples, 100, lastTimestamp(samples), DefaultForecastConfig())

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientData))
	assert.Nil(t, forecast)
}

func TestForecastFromSamples_NotGrowing(t *testing.T) {
	tests := []struct {
		name string
		fn   func(h float64) float64
	}{
		{"flat", func(float64) float64 { return 40 }},
		{"declining", func(h float64) float64 { return 90 - 0.2*h }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			samples := hourly(48, tt.fn)
			for _, limit := range []float64{1, 50, 100, 1e6} {
				forecast, err := ForecastFromSamples("vm-1", "disk", samples, limit, lastTimestamp(samples), DefaultForecastConfig())
				require.NoError(t, err)
				assert.Nil(t, forecast)
			}
		})
	}
}

func TestForecastFromSamples_Growing(t *testing.T) {
	samples := hourly(48, func(h float64) float64 { return 40 + 0.5*h })
	now := lastTimestamp(samples)

	forecast, err := ForecastFromSamples("vm-1", "disk", samples, 100, now, DefaultForecastConfig())

	require.NoError(t, err)
	require.NotNil(t, forecast)
	assert.Equal(t, 64.0, forecast.Current)
	assert.InDelta(t, 0.5, forecast.GrowthPerHour, 1e-9)
	assert.InDelta(t, 12.0, forecast.GrowthPerDay, 1e-9)
	assert.InDelta(t, 72.0, forecast.HoursLeft, 1e-6)
	assert.InDelta(t, 3.0, forecast.DaysLeft, 1e-6)
	assert.WithinDuration(t, now.Add(72*time.Hour), forecast.ETA, time.Second)
	assert.InDelta(t, 1.0, forecast.Confidence, 1e-9)
	assert.False(t, forecast.AtLimit)
	assert.Empty(t, forecast.Projection)
}

func TestForecastFromSamples_AlreadyAtLimit(t *testing.T) {
	samples := hourly(48, func(h float64) float64 { return 60 + h })
	now := lastTimestamp(samples)

	forecast, err := ForecastFromSamples("vm-1", "disk", samples, 100, now, DefaultForecastConfig())

	require.NoError(t, err)
	require.NotNil(t, forecast)
	assert.True(t, forecast.AtLimit)
	assert.Equal(t, now, forecast.ETA)
	assert.Zero(t, forecast.DaysLeft)
}

func TestForecastFromSamples_Projection(t *testing.T) {
	samples := hourly(48, func(h float64) float64 { return 40 + 0.5*h })
	now := lastTimestamp(samples)
	cfg := DefaultForecastConfig()
	cfg.ProjectionPoints = 5

	forecast, err := ForecastFromSamples("vm-1", "disk", samples, 100, now, cfg)

	require.NoError(t, err)
	require.Len(t, forecast.Projection, 5)
	assert.Equal(t, now, forecast.Projection[0].Timestamp)
	assert.InDelta(t, 64.0, forecast.Projection[0].Value, 1e-9)
	assert.InDelta(t, 100.0, forecast.Projection[4].Value, 1e-6)
}

func TestForecastFromSamples_InvalidLimit(t *testing.T) {
	samples := hourly(48, func(h float64) float64 { return h })
	_, err := ForecastFromSamples("vm-1", "disk", samples, 0, lastTimestamp(samples), DefaultForecastConfig())
	assert.Error(t, err)
}

func TestForecastFromSamples_WindowExcludesOldPoints(t *testing.T) {
	samples := hourly(30, func(h float64) float64 { return 10 + h })
	now := lastTimestamp(samples)
	cfg := ForecastConfig{Window: 10 * time.Hour, MinPoints: 20}

	_, err := ForecastFromSamples("vm-1", "disk", samples, 100, now, cfg)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestForecaster_UsesSourceAndClock(t *testing.T) {
	samples := hourly(48, func(h float64) float64 { return 40 + 0.5*h })
	source := &fakeHistory{samples: map[string][]types.Sample{"vm-1/disk": samples}}
	clock := clockwork.NewFakeClockAt(lastTimestamp(samples))

	f := NewForecaster(source, clock, ForecastConfig{})
	forecast, err := f.Forecast(context.Background(), "vm-1", "disk", 100)

	require.NoError(t, err)
	require.NotNil(t, forecast)
	assert.Equal(t, []time.Duration{7 * 24 * time.Hour}, source.windows)
	assert.WithinDuration(t, clock.Now().Add(72*time.Hour), forecast.ETA, time.Second)
}

func TestForecaster_SourceError(t *testing.T) {
	source := &fakeHistory{err: errors.New("connection refused")}
	f := NewForecaster(source, clockwork.NewFakeClock(), DefaultForecastConfig())

	_, err := f.Forecast(context.Background(), "vm-1", "disk", 100)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestBuildInsights(t *testing.T) {
	disk := hourly(48, func(h float64) float64 { return 40 + 0.5*h })
	cpu := hourly(48, func(float64) float64 { return 20 })
	now := lastTimestamp(disk)

	cfg := DefaultInsightConfig()
	cfg.Limits = map[string]float64{"disk": 100, "cpu": 100}

	ins, errs := BuildInsights("vm-1", map[string][]types.Sample{
		"disk": disk,
		"cpu":  cpu,
		"mem":  nil,
	}, now, cfg)

	assert.Empty(t, errs)
	assert.Equal(t, "vm-1", ins.ResourceID)
	assert.Len(t, ins.Trends, 2)
	assert.Equal(t, 64.0, ins.Latest["disk"])
	assert.Contains(t, ins.Forecasts, "disk")
	assert.NotContains(t, ins.Forecasts, "cpu", "flat metric is not growing")
	assert.Equal(t, now, ins.UpdatedAt)
}
