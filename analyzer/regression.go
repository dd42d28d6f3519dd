package analyzer

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/yairfalse/vigil/types"
)

// fit is an ordinary least squares line over (hours since first sample, value)
type fit struct {
	intercept float64
	slope     float64 // units per hour
	r2        float64
}

// linearFit regresses value on elapsed hours. Degenerate inputs (fewer than two
// points, all points at the same instant) produce a zero slope and zero R².
// A constant series with distinct timestamps is a perfect flat fit (R² = 1).
func linearFit(samples []types.Sample) fit {
	if len(samples) < 2 {
		return fit{}
	}

	origin := samples[0].Timestamp
	xs := make([]float64, len(samples))
	ys := make([]float64, len(samples))
	for i, s := range samples {
		xs[i] = s.Timestamp.Sub(origin).Hours()
		ys[i] = s.Value
	}

	if floats.Max(xs) == floats.Min(xs) {
		return fit{}
	}

	alpha, beta := stat.LinearRegression(xs, ys, nil, false)
	if math.IsNaN(beta) || math.IsInf(beta, 0) {
		return fit{}
	}

	if floats.Max(ys) == floats.Min(ys) {
		return fit{intercept: alpha, slope: 0, r2: 1}
	}

	r2 := stat.RSquared(xs, ys, nil, alpha, beta)
	return fit{intercept: alpha, slope: beta, r2: clamp01(r2)}
}

// summary holds descriptive statistics of a series
type summary struct {
	mean   float64
	stddev float64
	min    float64
	max    float64
}

func summarize(samples []types.Sample) summary {
	if len(samples) == 0 {
		return summary{}
	}
	ys := make([]float64, len(samples))
	for i, s := range samples {
		ys[i] = s.Value
	}
	mean, std := stat.PopMeanStdDev(ys, nil)
	if math.IsNaN(std) {
		std = 0
	}
	return summary{
		mean:   mean,
		stddev: std,
		min:    floats.Min(ys),
		max:    floats.Max(ys),
	}
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
