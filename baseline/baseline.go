package baseline

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/yairfalse/vigil/types"
)

// ErrCorruptRecord marks a persisted baseline that violates its invariants
var ErrCorruptRecord = errors.New("corrupt baseline record")

// Severity grades how far a value lies from its baseline
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Percentiles of the learning window
type Percentiles struct {
	P5  float64 `json:"p5"`
	P25 float64 `json:"p25"`
	P50 float64 `json:"p50"`
	P75 float64 `json:"p75"`
	P95 float64 `json:"p95"`
}

// MetricBaseline is the learned normal range of one metric on one resource.
// Records are never mutated after construction; relearning replaces them.
type MetricBaseline struct {
	ResourceID  string      `json:"resource_id"`
	Metric      string      `json:"metric"`
	Mean        float64     `json:"mean"`
	StdDev      float64     `json:"stddev"`
	Percentiles Percentiles `json:"percentiles"`
	SampleCount int         `json:"sample_count"`
	LearnedAt   time.Time   `json:"learned_at"`
	HourlyMean  [24]float64 `json:"hourly_mean"`
	HourlyCount [24]int     `json:"hourly_count"`
}

// HourMean returns the mean observed at the given UTC hour, if any samples fell in it
func (b MetricBaseline) HourMean(hour int) (float64, bool) {
	if hour < 0 || hour > 23 || b.HourlyCount[hour] == 0 {
		return 0, false
	}
	return b.HourlyMean[hour], true
}

func (b MetricBaseline) validate() error {
	switch {
	case b.ResourceID == "" || b.Metric == "":
		return fmt.Errorf("%w: missing resource or metric", ErrCorruptRecord)
	case b.SampleCount < 0:
		return fmt.Errorf("%w: negative sample count %d", ErrCorruptRecord, b.SampleCount)
	case math.IsNaN(b.Mean) || math.IsInf(b.Mean, 0):
		return fmt.Errorf("%w: mean is not finite", ErrCorruptRecord)
	case math.IsNaN(b.StdDev) || b.StdDev < 0:
		return fmt.Errorf("%w: invalid stddev %v", ErrCorruptRecord, b.StdDev)
	}
	for h, n := range b.HourlyCount {
		if n < 0 {
			return fmt.Errorf("%w: negative hourly count at hour %d", ErrCorruptRecord, h)
		}
	}
	return nil
}

// Anomaly is a single value compared against its baseline
type Anomaly struct {
	ResourceID  string    `json:"resource_id"`
	Metric      string    `json:"metric"`
	Value       float64   `json:"value"`
	Mean        float64   `json:"mean"`
	StdDev      float64   `json:"stddev"`
	ZScore      float64   `json:"z_score"`
	Severity    Severity  `json:"severity"`
	DetectedAt  time.Time `json:"detected_at"`
	Description string    `json:"description"`
}

// IsAnomalous reports whether the severity is above none
func (a Anomaly) IsAnomalous() bool {
	return a.Severity != SeverityNone
}

// zScore returns 0 when the baseline has no variance
func zScore(value, mean, stddev float64) float64 {
	if stddev == 0 {
		return 0
	}
	return (value - mean) / stddev
}

func classify(z, warning, critical float64) Severity {
	abs := math.Abs(z)
	switch {
	case abs >= critical:
		return SeverityCritical
	case abs >= warning:
		return SeverityWarning
	default:
		return SeverityNone
	}
}

func describe(metric string, value, mean, z float64, sev Severity) string {
	if sev == SeverityNone {
		return fmt.Sprintf("%s is within normal range (mean %.1f, now %.1f)", metric, mean, value)
	}
	dir := "above"
	if z < 0 {
		dir = "below"
	}
	return fmt.Sprintf("%s is %.1fσ %s baseline (mean %.1f, now %.1f)", metric, math.Abs(z), dir, mean, value)
}

// learnMetric builds a baseline from samples already restricted to the learning window
func learnMetric(resourceID, metric string, samples []types.Sample, learnedAt time.Time) MetricBaseline {
	b := MetricBaseline{
		ResourceID:  resourceID,
		Metric:      metric,
		SampleCount: len(samples),
		LearnedAt:   learnedAt,
	}
	if len(samples) == 0 {
		return b
	}

	values := make([]float64, len(samples))
	var hourlySum [24]float64
	for i, s := range samples {
		values[i] = s.Value
		h := s.Timestamp.UTC().Hour()
		hourlySum[h] += s.Value
		b.HourlyCount[h]++
	}
	for h := range hourlySum {
		if b.HourlyCount[h] > 0 {
			b.HourlyMean[h] = hourlySum[h] / float64(b.HourlyCount[h])
		}
	}

	b.Mean, b.StdDev = stat.PopMeanStdDev(values, nil)
	if math.IsNaN(b.StdDev) {
		b.StdDev = 0
	}

	sort.Float64s(values)
	b.Percentiles = Percentiles{
		P5:  stat.Quantile(0.05, stat.LinInterp, values, nil),
		P25: stat.Quantile(0.25, stat.LinInterp, values, nil),
		P50: stat.Quantile(0.50, stat.LinInterp, values, nil),
		P75: stat.Quantile(0.75, stat.LinInterp, values, nil),
		P95: stat.Quantile(0.95, stat.LinInterp, values, nil),
	}
	return b
}

// finiteSamples drops NaN and infinite values
func finiteSamples(samples []types.Sample) []types.Sample {
	out := samples[:0:0]
	for _, s := range samples {
		if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
			continue
		}
		out = append(out, s)
	}
	return out
}
