package analyzer

import (
	"errors"
	"time"

	"github.com/yairfalse/vigil/types"
)

// ErrInsufficientData is returned when a series is too short to forecast
var ErrInsufficientData = errors.New("insufficient data")

// TrendDirection classifies the shape of a metric window
type TrendDirection string

const (
	TrendStable    TrendDirection = "stable"
	TrendGrowing   TrendDirection = "growing"
	TrendDeclining TrendDirection = "declining"
	TrendVolatile  TrendDirection = "volatile"
)

// Trend summarizes a metric window. It is derived on demand and never persisted.
type Trend struct {
	Direction TrendDirection `json:"direction"`
	// RatePerHour is the regression slope in metric units per hour
	RatePerHour float64 `json:"rate_per_hour"`
	RatePerDay  float64 `json:"rate_per_day"`
	// NormalizedRate is the slope as percent of the window mean per hour
	NormalizedRate float64 `json:"normalized_rate"`
	Current        float64 `json:"current"`
	Average        float64 `json:"average"`
	Min            float64 `json:"min"`
	Max            float64 `json:"max"`
	StdDev         float64 `json:"stddev"`
	SampleCount    int     `json:"sample_count"`
	// Confidence is the regression R², 0 when there is not enough data
	Confidence float64       `json:"confidence"`
	Window     time.Duration `json:"window"`
}

// TrendConfig holds the classification thresholds
type TrendConfig struct {
	// GrowthThreshold is the normalized rate (percent of mean per hour) above
	// which a window is growing and below whose negative it is declining
	GrowthThreshold float64
	// VolatilityRatio is the stddev/mean ratio above which a window is volatile
	VolatilityRatio float64
}

// DefaultTrendConfig returns the default thresholds: 1%/hour growth, 0.2 volatility
func DefaultTrendConfig() TrendConfig {
	return TrendConfig{
		GrowthThreshold: 1.0,
		VolatilityRatio: 0.2,
	}
}

// CapacityForecast projects when a growing metric reaches its limit.
type CapacityForecast struct {
	ResourceID    string         `json:"resource_id"`
	Metric        string         `json:"metric"`
	Current       float64        `json:"current"`
	Limit         float64        `json:"limit"`
	GrowthPerHour float64        `json:"growth_per_hour"`
	GrowthPerDay  float64        `json:"growth_per_day"`
	ETA           time.Time      `json:"eta"`
	HoursLeft     float64        `json:"hours_left"`
	DaysLeft      float64        `json:"days_left"`
	Confidence    float64        `json:"confidence"`
	AtLimit       bool           `json:"at_limit"`
	Projection    []types.Sample `json:"projection,omitempty"`
	GeneratedAt   time.Time      `json:"generated_at"`
}

// ForecastConfig controls capacity forecasting
type ForecastConfig struct {
	Window           time.Duration
	MinPoints        int
	ProjectionPoints int
}

// DefaultForecastConfig returns a 7 day window requiring 20 points
func DefaultForecastConfig() ForecastConfig {
	return ForecastConfig{
		Window:    7 * 24 * time.Hour,
		MinPoints: 20,
	}
}
