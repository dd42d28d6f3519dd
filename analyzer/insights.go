package analyzer

import (
	"errors"
	"time"

	"github.com/yairfalse/vigil/types"
)

// InsightConfig controls how BuildInsights derives trends and forecasts
type InsightConfig struct {
	Trend       TrendConfig
	TrendWindow time.Duration
	Forecast    ForecastConfig
	// Limits maps metric name to its capacity limit; metrics without a limit are not forecast
	Limits map[string]float64
}

// DefaultInsightConfig returns default trend and forecast settings with no limits
func DefaultInsightConfig() InsightConfig {
	return InsightConfig{
		Trend:       DefaultTrendConfig(),
		TrendWindow: 24 * time.Hour,
		Forecast:    DefaultForecastConfig(),
	}
}

// BuildInsights derives the cacheable view of one resource from its metric
// history. Forecast errors other than insufficient data are returned alongside
// the insights so callers can log them.
func BuildInsights(resourceID string, history map[string][]types.Sample, now time.Time, cfg InsightConfig) (ResourceInsights, []error) {
	ins := ResourceInsights{
		ResourceID: resourceID,
		Trends:     make(map[string]Trend, len(history)),
		Forecasts:  make(map[string]*CapacityForecast),
		Latest:     make(map[string]float64, len(history)),
		UpdatedAt:  now,
	}

	var errs []error
	for metric, samples := range history {
		ordered := types.NormalizeSamples(samples)
		if len(ordered) == 0 {
			continue
		}
		ins.Latest[metric] = ordered[len(ordered)-1].Value
		ins.Trends[metric] = cfg.Trend.Compute(ordered, cfg.TrendWindow)

		limit, ok := cfg.Limits[metric]
		if !ok {
			continue
		}
		forecast, err := ForecastFromSamples(resourceID, metric, ordered, limit, now, cfg.Forecast)
		switch {
		case errors.Is(err, ErrInsufficientData):
		case err != nil:
			errs = append(errs, err)
		case forecast != nil:
			ins.Forecasts[metric] = forecast
		}
	}

	return ins, errs
}
