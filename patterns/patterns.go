package patterns

import (
	"math"
	"sort"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/yairfalse/vigil/types"
)

// Pattern is the recurrence derived from one (resource, kind) event series
type Pattern struct {
	ResourceID     string          `json:"resource_id"`
	Kind           types.EventKind `json:"kind"`
	Occurrences    int             `json:"occurrences"`
	MedianInterval time.Duration   `json:"median_interval"`
	MeanInterval   time.Duration   `json:"mean_interval"`
	StdDevInterval time.Duration   `json:"stddev_interval"`
	Variation      float64         `json:"variation"`
	Confidence     float64         `json:"confidence"`
	LastOccurrence time.Time       `json:"last_occurrence"`
	NextExpected   time.Time       `json:"next_expected"`
}

// Prediction is a pattern evaluated at a point in time
type Prediction struct {
	Pattern
	Overdue bool          `json:"overdue"`
	Until   time.Duration `json:"until"`
}

func (p Pattern) at(now time.Time) Prediction {
	return Prediction{
		Pattern: p,
		Overdue: p.NextExpected.Before(now),
		Until:   p.NextExpected.Sub(now),
	}
}

// derive computes a pattern from ascending, de-duplicated event times.
// It returns false below minEvents.
func derive(resourceID string, kind types.EventKind, times []time.Time, minEvents int) (Pattern, bool) {
	if minEvents < 3 {
		minEvents = 3
	}
	if len(times) < minEvents {
		return Pattern{}, false
	}

	intervals := make([]float64, 0, len(times)-1)
	for i := 1; i < len(times); i++ {
		intervals = append(intervals, times[i].Sub(times[i-1]).Seconds())
	}

	mean, std := stat.PopMeanStdDev(intervals, nil)
	if mean <= 0 || math.IsNaN(mean) {
		return Pattern{}, false
	}
	median := medianOf(intervals)
	cv := std / mean

	last := times[len(times)-1]
	return Pattern{
		ResourceID:     resourceID,
		Kind:           kind,
		Occurrences:    len(times),
		MedianInterval: seconds(median),
		MeanInterval:   seconds(mean),
		StdDevInterval: seconds(std),
		Variation:      cv,
		Confidence:     confidence(cv, len(intervals)),
		LastOccurrence: last,
		NextExpected:   last.Add(seconds(median)),
	}, true
}

// confidence rewards consistent intervals (70%) and longer history (30%).
// It is strictly decreasing in cv below 1 and increasing in n.
func confidence(cv float64, intervals int) float64 {
	consistency := 1 - math.Min(cv, 1)
	history := 1 - 1/float64(intervals)
	c := 0.7*consistency + 0.3*history
	return math.Max(0, math.Min(1, c))
}

func medianOf(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

var alertKinds = map[string]types.EventKind{
	"memory_warning":  types.EventHighMemory,
	"memory_critical": types.EventHighMemory,
	"high_memory":     types.EventHighMemory,
	"cpu_warning":     types.EventHighCPU,
	"cpu_critical":    types.EventHighCPU,
	"high_cpu":        types.EventHighCPU,
	"disk_warning":    types.EventDiskFull,
	"disk_critical":   types.EventDiskFull,
	"disk_full":       types.EventDiskFull,
	"oom":             types.EventOOM,
	"out_of_memory":   types.EventOOM,
	"restart":         types.EventRestart,
	"restarted":       types.EventRestart,
	"unresponsive":    types.EventUnresponsive,
	"unreachable":     types.EventUnresponsive,
	"backup_failed":   types.EventBackupFailed,
}

// KindFromAlert maps an alert type (case and separator insensitive) to an event kind
func KindFromAlert(alertType string) (types.EventKind, bool) {
	key := strings.ToLower(strings.TrimSpace(alertType))
	key = strings.NewReplacer("-", "_", " ", "_").Replace(key)
	kind, ok := alertKinds[key]
	return kind, ok
}
