package baseline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/yairfalse/vigil/storage"
	"github.com/yairfalse/vigil/telemetry"
	"github.com/yairfalse/vigil/types"
)

// Config controls learning and anomaly classification
type Config struct {
	Window     time.Duration
	MinSamples int
	WarningZ   float64
	CriticalZ  float64

	Clock   clockwork.Clock
	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
}

// DefaultConfig returns a 7 day window, 100 sample minimum and 2σ/3σ thresholds
func DefaultConfig() Config {
	return Config{
		Window:     7 * 24 * time.Hour,
		MinSamples: 100,
		WarningZ:   2.0,
		CriticalZ:  3.0,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.MinSamples <= 0 {
		c.MinSamples = d.MinSamples
	}
	if c.WarningZ <= 0 {
		c.WarningZ = d.WarningZ
	}
	if c.CriticalZ <= 0 {
		c.CriticalZ = d.CriticalZ
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = telemetry.Nop()
	}
}

// Store owns learned baselines. Each resource's metric set is swapped as a
// whole, so readers see either the previous or the new complete set.
type Store struct {
	mu        sync.RWMutex
	baselines map[string]map[string]MetricBaseline
	// version counts mutations; saved is the version last written to kv
	version uint64
	saved   uint64

	// serializes flushes so an older copy never lands after a newer one
	persistMu sync.Mutex

	kv     storage.KV
	config Config
}

// NewStore creates a baseline store. kv may be nil for an in-memory store.
func NewStore(config Config, kv storage.KV) *Store {
	config.applyDefaults()
	return &Store{
		baselines: make(map[string]map[string]MetricBaseline),
		kv:        kv,
		config:    config,
	}
}

// Learn relearns every metric in history for one resource. Samples are
// restricted to the configured window ending at the newest sample. Metrics
// absent from history keep their previous baseline; only Forget removes them.
func (s *Store) Learn(resourceID string, history map[string][]types.Sample) error {
	if resourceID == "" {
		return errors.New("resource id is required")
	}
	if len(history) == 0 {
		return fmt.Errorf("no history for %s", resourceID)
	}

	now := s.config.Clock.Now()
	learned := make(map[string]MetricBaseline, len(history))
	mature := 0
	for metric, raw := range history {
		samples := finiteSamples(types.NormalizeSamples(raw))
		if len(samples) > 0 {
			samples = types.SamplesSince(samples, samples[len(samples)-1].Timestamp.Add(-s.config.Window))
		}
		b := learnMetric(resourceID, metric, samples, now)
		if b.SampleCount >= s.config.MinSamples {
			mature++
		}
		learned[metric] = b
	}

	s.mu.Lock()
	merged := make(map[string]MetricBaseline, len(s.baselines[resourceID])+len(learned))
	for metric, b := range s.baselines[resourceID] {
		merged[metric] = b
	}
	for metric, b := range learned {
		merged[metric] = b
	}
	s.baselines[resourceID] = merged
	s.version++
	s.mu.Unlock()

	s.config.Metrics.RecordBaselinesLearned(context.Background(), mature)
	return nil
}

// GetBaseline returns the baseline for a metric. Immature baselines are not found.
func (s *Store) GetBaseline(resourceID, metric string) (MetricBaseline, bool) {
	s.mu.RLock()
	b, ok := s.baselines[resourceID][metric]
	s.mu.RUnlock()

	if !ok || b.SampleCount < s.config.MinSamples {
		return MetricBaseline{}, false
	}
	return b, true
}

// IsAnomaly reports whether value is at least a warning away from the
// baseline, and its z-score. Without a mature baseline it reports (false, 0).
func (s *Store) IsAnomaly(resourceID, metric string, value float64) (bool, float64) {
	b, ok := s.GetBaseline(resourceID, metric)
	if !ok {
		return false, 0
	}
	z := zScore(value, b.Mean, b.StdDev)
	return classify(z, s.config.WarningZ, s.config.CriticalZ) != SeverityNone, z
}

// CheckAnomaly classifies value against the baseline. The bool is false when
// there is no mature baseline.
func (s *Store) CheckAnomaly(resourceID, metric string, value float64) (Anomaly, bool) {
	b, ok := s.GetBaseline(resourceID, metric)
	if !ok {
		return Anomaly{}, false
	}
	z := zScore(value, b.Mean, b.StdDev)
	sev := classify(z, s.config.WarningZ, s.config.CriticalZ)
	return Anomaly{
		ResourceID:  resourceID,
		Metric:      metric,
		Value:       value,
		Mean:        b.Mean,
		StdDev:      b.StdDev,
		ZScore:      z,
		Severity:    sev,
		DetectedAt:  s.config.Clock.Now(),
		Description: describe(metric, value, b.Mean, z, sev),
	}, true
}

// Metrics returns the metric names with a mature baseline for a resource, sorted
func (s *Store) Metrics(resourceID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for metric, b := range s.baselines[resourceID] {
		if b.SampleCount >= s.config.MinSamples {
			out = append(out, metric)
		}
	}
	sort.Strings(out)
	return out
}

// Snapshot lists every stored baseline, mature or not, ordered by resource then metric
func (s *Store) Snapshot() []MetricBaseline {
	s.mu.RLock()
	out := make([]MetricBaseline, 0, len(s.baselines))
	for _, metrics := range s.baselines {
		for _, b := range metrics {
			out = append(out, b)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ResourceID != out[j].ResourceID {
			return out[i].ResourceID < out[j].ResourceID
		}
		return out[i].Metric < out[j].Metric
	})
	return out
}

// Mature reports whether b has enough samples to classify anomalies
func (s *Store) Mature(b MetricBaseline) bool {
	return b.SampleCount >= s.config.MinSamples
}

// Forget removes every baseline for a resource
func (s *Store) Forget(resourceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.baselines[resourceID]; ok {
		delete(s.baselines, resourceID)
		s.version++
	}
}

// Persist writes all baselines to durable storage when anything changed
// since the last successful write.
func (s *Store) Persist(ctx context.Context) error {
	if s.kv == nil {
		return nil
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.RLock()
	if s.version == s.saved {
		s.mu.RUnlock()
		return nil
	}
	version := s.version
	records := make(map[string]MetricBaseline)
	for _, metrics := range s.baselines {
		for _, b := range metrics {
			records[recordKey(b.ResourceID, b.Metric)] = b
		}
	}
	s.mu.RUnlock()

	if err := storage.ReplaceJSON(ctx, s.kv, storage.BucketBaselines, records); err != nil {
		return fmt.Errorf("failed to persist baselines: %w", err)
	}

	s.mu.Lock()
	s.saved = version
	s.mu.Unlock()
	return nil
}

// Load replaces in-memory state with the persisted baselines. Records that
// fail to decode or validate are dropped and logged; the rest load normally.
func (s *Store) Load(ctx context.Context) (int, error) {
	if s.kv == nil {
		return 0, nil
	}

	loaded := make(map[string]map[string]MetricBaseline)
	count := 0
	onCorrupt := func(key string, err error) {
		s.config.Logger.LogCorruptRecord(ctx, storage.BucketBaselines, key, fmt.Errorf("%w: %v", ErrCorruptRecord, err))
	}
	err := storage.DecodeAll(ctx, s.kv, storage.BucketBaselines, func(key string, b MetricBaseline) error {
		if err := b.validate(); err != nil {
			s.config.Logger.LogCorruptRecord(ctx, storage.BucketBaselines, key, err)
			return nil
		}
		if loaded[b.ResourceID] == nil {
			loaded[b.ResourceID] = make(map[string]MetricBaseline)
		}
		loaded[b.ResourceID][b.Metric] = b
		count++
		return nil
	}, onCorrupt)
	if err != nil {
		return 0, fmt.Errorf("failed to load baselines: %w", err)
	}

	s.mu.Lock()
	s.baselines = loaded
	s.saved = s.version
	s.mu.Unlock()

	s.config.Logger.LogLoaded(ctx, storage.BucketBaselines, count)
	return count, nil
}

func recordKey(resourceID, metric string) string {
	return strings.Join([]string{resourceID, metric}, "/")
}
