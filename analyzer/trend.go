package analyzer

import (
	"math"
	"time"

	"github.com/yairfalse/vigil/types"
)

// ComputeTrend classifies a window of samples using the default thresholds.
func ComputeTrend(points []types.Sample, window time.Duration) Trend {
	return DefaultTrendConfig().Compute(points, window)
}

// Compute classifies the samples in the trailing window ending at the newest
// sample. A window of zero uses every sample. Empty and single point input is
// stable with zero confidence.
func (c TrendConfig) Compute(points []types.Sample, window time.Duration) Trend {
	samples := types.NormalizeSamples(points)
	if window > 0 && len(samples) > 0 {
		samples = types.SamplesSince(samples, samples[len(samples)-1].Timestamp.Add(-window))
	}

	trend := Trend{
		Direction:   TrendStable,
		SampleCount: len(samples),
		Window:      window,
	}
	if len(samples) == 0 {
		return trend
	}

	s := summarize(samples)
	trend.Current = samples[len(samples)-1].Value
	trend.Average = s.mean
	trend.Min = s.min
	trend.Max = s.max
	trend.StdDev = s.stddev

	if len(samples) < 2 {
		return trend
	}

	f := linearFit(samples)
	trend.RatePerHour = f.slope
	trend.RatePerDay = f.slope * 24
	trend.Confidence = f.r2

	// zero mean would divide by zero; use 1.0 explicitly
	denom := math.Abs(s.mean)
	if denom == 0 {
		denom = 1.0
	}
	trend.NormalizedRate = f.slope / denom * 100

	switch {
	case s.stddev/denom > c.VolatilityRatio:
		trend.Direction = TrendVolatile
	case trend.NormalizedRate > c.GrowthThreshold:
		trend.Direction = TrendGrowing
	case trend.NormalizedRate < -c.GrowthThreshold:
		trend.Direction = TrendDeclining
	}

	return trend
}
