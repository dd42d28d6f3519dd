package types

import (
	"sort"
	"time"
)

// Sample is a single (timestamp, value) observation for one resource metric.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Well-known metric names
const (
	MetricCPU     = "cpu"
	MetricMemory  = "memory"
	MetricDisk    = "disk"
	MetricNetIn   = "netin"
	MetricNetOut  = "netout"
	MetricStorage = "storage"
)

// NormalizeSamples returns samples ordered by timestamp with duplicates at an
// identical timestamp collapsed to the last one written. The input is not modified.
func NormalizeSamples(samples []Sample) []Sample {
	if len(samples) == 0 {
		return nil
	}

	out := make([]Sample, len(samples))
	copy(out, samples)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})

	deduped := out[:0]
	for _, s := range out {
		n := len(deduped)
		if n > 0 && deduped[n-1].Timestamp.Equal(s.Timestamp) {
			deduped[n-1] = s
			continue
		}
		deduped = append(deduped, s)
	}
	return deduped
}

// SamplesSince returns the suffix of ordered samples at or after since.
func SamplesSince(samples []Sample, since time.Time) []Sample {
	idx := sort.Search(len(samples), func(i int) bool {
		return !samples[i].Timestamp.Before(since)
	})
	return samples[idx:]
}

// SplitSamples separates samples into parallel x (unix seconds) and y slices.
func SplitSamples(samples []Sample) (xs, ys []float64) {
	xs = make([]float64, len(samples))
	ys = make([]float64, len(samples))
	for i, s := range samples {
		xs[i] = float64(s.Timestamp.Unix())
		ys[i] = s.Value
	}
	return xs, ys
}
