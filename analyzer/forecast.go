package analyzer

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/yairfalse/vigil/types"
)

// maxForecastHorizon caps ETA arithmetic so far-future projections stay representable
const maxForecastHorizon = 100 * 365 * 24 * time.Hour

// HistorySource supplies metric history for forecasting
type HistorySource interface {
	GetMetrics(ctx context.Context, resourceID, metric string, window time.Duration) ([]types.Sample, error)
}

// Forecaster pulls history from a source and projects it to a capacity limit.
type Forecaster struct {
	source HistorySource
	clock  clockwork.Clock
	config ForecastConfig
}

// NewForecaster creates a forecaster. A nil clock uses the real clock.
func NewForecaster(source HistorySource, clock clockwork.Clock, config ForecastConfig) *Forecaster {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if config.Window <= 0 {
		config.Window = DefaultForecastConfig().Window
	}
	if config.MinPoints <= 0 {
		config.MinPoints = DefaultForecastConfig().MinPoints
	}
	return &Forecaster{source: source, clock: clock, config: config}
}

// Forecast fetches the configured window for resourceID/metric and forecasts it.
// A nil forecast with a nil error means the metric is not growing.
func (f *Forecaster) Forecast(ctx context.Context, resourceID, metric string, limit float64) (*CapacityForecast, error) {
	samples, err := f.source.GetMetrics(ctx, resourceID, metric, f.config.Window)
	if err != nil {
		return nil, fmt.Errorf("fetch %s history for %s: %w", metric, resourceID, err)
	}
	return ForecastFromSamples(resourceID, metric, samples, limit, f.clock.Now(), f.config)
}

// ForecastFromSamples fits a line to the samples inside the configured window
// ending at now and extrapolates it to limit.
//
// Outcomes:
//   - fewer than MinPoints samples: ErrInsufficientData
//   - non-positive slope: nil forecast, nil error (not growing)
//   - current value at or over the limit: AtLimit set, ETA = now
//   - otherwise ETA = now + (limit - current) / slope
func ForecastFromSamples(resourceID, metric string, samples []types.Sample, limit float64, now time.Time, cfg ForecastConfig) (*CapacityForecast, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("forecast %s/%s: limit must be positive, got %v", resourceID, metric, limit)
	}

	points := types.NormalizeSamples(samples)
	if cfg.Window > 0 {
		points = types.SamplesSince(points, now.Add(-cfg.Window))
	}
	if len(points) < cfg.MinPoints || len(points) < 2 {
		return nil, fmt.Errorf("%w: %d points for %s/%s, need %d", ErrInsufficientData, len(points), resourceID, metric, cfg.MinPoints)
	}

	f := linearFit(points)
	if f.slope <= 0 {
		return nil, nil
	}

	current := points[len(points)-1].Value
	forecast := &CapacityForecast{
		ResourceID:    resourceID,
		Metric:        metric,
		Current:       current,
		Limit:         limit,
		GrowthPerHour: f.slope,
		GrowthPerDay:  f.slope * 24,
		Confidence:    f.r2,
		GeneratedAt:   now,
	}

	if current >= limit {
		forecast.AtLimit = true
		forecast.ETA = now
		return forecast, nil
	}

	hours := (limit - current) / f.slope
	forecast.HoursLeft = hours
	forecast.DaysLeft = hours / 24
	forecast.ETA = now.Add(hoursToDuration(hours))
	forecast.Projection = project(now, current, f.slope, hours, cfg.ProjectionPoints)

	return forecast, nil
}

func hoursToDuration(hours float64) time.Duration {
	if hours >= maxForecastHorizon.Hours() || math.IsInf(hours, 1) {
		return maxForecastHorizon
	}
	return time.Duration(hours * float64(time.Hour))
}

// project returns n evenly spaced points from now until the ETA
func project(now time.Time, current, slope, hours float64, n int) []types.Sample {
	if n <= 0 {
		return nil
	}
	if n == 1 {
		return []types.Sample{{Timestamp: now, Value: current}}
	}

	step := hours / float64(n-1)
	points := make([]types.Sample, n)
	for i := range points {
		h := step * float64(i)
		points[i] = types.Sample{
			Timestamp: now.Add(hoursToDuration(h)),
			Value:     current + slope*h,
		}
	}
	return points
}
