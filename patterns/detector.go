package patterns

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/btree"
	"github.com/jonboulle/clockwork"

	"github.com/yairfalse/vigil/storage"
	"github.com/yairfalse/vigil/telemetry"
	"github.com/yairfalse/vigil/types"
)

// Config controls pattern derivation and retention
type Config struct {
	Retention time.Duration
	MinEvents int

	Clock   clockwork.Clock
	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
}

// DefaultConfig keeps 90 days of events and needs 3 events per pattern
func DefaultConfig() Config {
	return Config{
		Retention: 90 * 24 * time.Hour,
		MinEvents: 3,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.MinEvents < 3 {
		c.MinEvents = d.MinEvents
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = telemetry.Nop()
	}
}

type seriesKey struct {
	resourceID string
	kind       types.EventKind
}

// patternSet is never modified after it is published
type patternSet map[seriesKey]Pattern

// Detector owns the historical event log and the patterns derived from it.
// Writers serialize on mu; readers load the published pattern set without locking.
type Detector struct {
	mu       sync.Mutex
	events   map[seriesKey]*btree.BTreeG[types.HistoricalEvent]
	patterns atomic.Pointer[patternSet]

	// version counts event log mutations; saved is the version last written
	version   uint64
	saved     uint64
	persistMu sync.Mutex

	kv     storage.KV
	config Config
}

// NewDetector creates a detector. kv may be nil for an in-memory detector.
func NewDetector(config Config, kv storage.KV) *Detector {
	config.applyDefaults()
	d := &Detector{
		events: make(map[seriesKey]*btree.BTreeG[types.HistoricalEvent]),
		kv:     kv,
		config: config,
	}
	empty := patternSet{}
	d.patterns.Store(&empty)
	return d
}

func newSeries() *btree.BTreeG[types.HistoricalEvent] {
	return btree.NewG[types.HistoricalEvent](16, func(a, b types.HistoricalEvent) bool {
		return a.Timestamp.Before(b.Timestamp)
	})
}

// RecordEvent adds one occurrence. An event at an identical timestamp
// replaces the earlier one.
func (d *Detector) RecordEvent(resourceID string, kind types.EventKind, at time.Time, source types.EventSource) {
	if resourceID == "" || kind == "" || at.IsZero() {
		return
	}
	key := seriesKey{resourceID: resourceID, kind: kind}

	d.mu.Lock()
	defer d.mu.Unlock()

	series, ok := d.events[key]
	if !ok {
		series = newSeries()
		d.events[key] = series
	}
	series.ReplaceOrInsert(types.HistoricalEvent{
		ResourceID: resourceID,
		Kind:       kind,
		Timestamp:  at,
		Source:     source,
	})
	d.version++
	d.republish(key)

	d.config.Metrics.RecordPatternEvent(context.Background(), string(kind), string(source))
}

// RecordAlert records a fired alert. Alert types with no known event kind
// are ignored and reported as false.
func (d *Detector) RecordAlert(resourceID, alertType string, firedAt time.Time) bool {
	kind, ok := KindFromAlert(alertType)
	if !ok {
		return false
	}
	d.RecordEvent(resourceID, kind, firedAt, types.SourceAlert)
	return true
}

// Predict returns the prediction for one (resource, kind). It is false when
// fewer than the minimum number of events have been seen.
func (d *Detector) Predict(resourceID string, kind types.EventKind) (Prediction, bool) {
	set := *d.patterns.Load()
	p, ok := set[seriesKey{resourceID: resourceID, kind: kind}]
	if !ok {
		return Prediction{}, false
	}
	return p.at(d.config.Clock.Now()), true
}

// Predictions returns every prediction for a resource, soonest first
func (d *Detector) Predictions(resourceID string) []Prediction {
	now := d.config.Clock.Now()
	set := *d.patterns.Load()

	var out []Prediction
	for key, p := range set {
		if key.resourceID == resourceID {
			out = append(out, p.at(now))
		}
	}
	sortPredictions(out)
	return out
}

// AllPredictions returns every prediction across resources, soonest first
func (d *Detector) AllPredictions() []Prediction {
	now := d.config.Clock.Now()
	set := *d.patterns.Load()

	out := make([]Prediction, 0, len(set))
	for _, p := range set {
		out = append(out, p.at(now))
	}
	sortPredictions(out)
	return out
}

func sortPredictions(ps []Prediction) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].NextExpected.Equal(ps[j].NextExpected) {
			return ps[i].NextExpected.Before(ps[j].NextExpected)
		}
		if ps[i].ResourceID != ps[j].ResourceID {
			return ps[i].ResourceID < ps[j].ResourceID
		}
		return ps[i].Kind < ps[j].Kind
	})
}

// Events returns the recorded events for one series in time order
func (d *Detector) Events(resourceID string, kind types.EventKind) []types.HistoricalEvent {
	d.mu.Lock()
	defer d.mu.Unlock()

	series, ok := d.events[seriesKey{resourceID: resourceID, kind: kind}]
	if !ok {
		return nil
	}
	out := make([]types.HistoricalEvent, 0, series.Len())
	series.Ascend(func(e types.HistoricalEvent) bool {
		out = append(out, e)
		return true
	})
	return out
}

// EventCount returns the total number of retained events
func (d *Detector) EventCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, series := range d.events {
		n += series.Len()
	}
	return n
}

// Prune drops events older than the retention horizon and returns how many
// were removed. It runs from the persistence cycle, not from queries.
func (d *Detector) Prune(now time.Time) int {
	cutoff := now.Add(-d.config.Retention)

	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	var touched []seriesKey
	for key, series := range d.events {
		before := removed
		for {
			oldest, ok := series.Min()
			if !ok || !oldest.Timestamp.Before(cutoff) {
				break
			}
			series.DeleteMin()
			removed++
		}
		if removed > before {
			touched = append(touched, key)
		}
		if series.Len() == 0 {
			delete(d.events, key)
		}
	}
	if removed > 0 {
		d.version++
		d.republish(touched...)
	}
	return removed
}

// republish rederives the given series and swaps in a new pattern set.
// Callers hold d.mu.
func (d *Detector) republish(keys ...seriesKey) {
	old := *d.patterns.Load()
	next := make(patternSet, len(old)+len(keys))
	for k, p := range old {
		next[k] = p
	}
	for _, key := range keys {
		delete(next, key)
		if p, ok := d.deriveLocked(key); ok {
			next[key] = p
		}
	}
	d.patterns.Store(&next)
}

func (d *Detector) deriveLocked(key seriesKey) (Pattern, bool) {
	series, ok := d.events[key]
	if !ok {
		return Pattern{}, false
	}
	times := make([]time.Time, 0, series.Len())
	series.Ascend(func(e types.HistoricalEvent) bool {
		times = append(times, e.Timestamp)
		return true
	})
	return derive(key.resourceID, key.kind, times, d.config.MinEvents)
}

// seriesRecord is the persisted form of one event series and its pattern
type seriesRecord struct {
	ResourceID string                  `json:"resource_id"`
	Kind       types.EventKind         `json:"kind"`
	Events     []types.HistoricalEvent `json:"events"`
	Pattern    *Pattern                `json:"pattern,omitempty"`
}

// Persist prunes expired events and writes the event log with derived
// patterns. Nothing is written when nothing changed.
func (d *Detector) Persist(ctx context.Context) error {
	d.Prune(d.config.Clock.Now())
	if d.kv == nil {
		return nil
	}

	d.persistMu.Lock()
	defer d.persistMu.Unlock()

	d.mu.Lock()
	if d.version == d.saved {
		d.mu.Unlock()
		return nil
	}
	version := d.version
	set := *d.patterns.Load()
	records := make(map[string]seriesRecord, len(d.events))
	for key, series := range d.events {
		rec := seriesRecord{ResourceID: key.resourceID, Kind: key.kind}
		series.Ascend(func(e types.HistoricalEvent) bool {
			rec.Events = append(rec.Events, e)
			return true
		})
		if p, ok := set[key]; ok {
			rec.Pattern = &p
		}
		records[key.resourceID+"/"+string(key.kind)] = rec
	}
	d.mu.Unlock()

	if err := storage.ReplaceJSON(ctx, d.kv, storage.BucketEvents, records); err != nil {
		return fmt.Errorf("failed to persist events: %w", err)
	}

	d.mu.Lock()
	d.saved = version
	d.mu.Unlock()
	return nil
}

// Load restores the event log and rederives every pattern from it
func (d *Detector) Load(ctx context.Context) (int, error) {
	if d.kv == nil {
		return 0, nil
	}

	events := make(map[seriesKey]*btree.BTreeG[types.HistoricalEvent])
	count := 0
	err := storage.DecodeAll(ctx, d.kv, storage.BucketEvents, func(key string, rec seriesRecord) error {
		if rec.ResourceID == "" || rec.Kind == "" {
			d.config.Logger.LogCorruptRecord(ctx, storage.BucketEvents, key, fmt.Errorf("missing resource or kind"))
			return nil
		}
		sk := seriesKey{resourceID: rec.ResourceID, kind: rec.Kind}
		series := newSeries()
		for _, e := range rec.Events {
			if e.Timestamp.IsZero() {
				continue
			}
			e.ResourceID, e.Kind = rec.ResourceID, rec.Kind
			series.ReplaceOrInsert(e)
		}
		if series.Len() > 0 {
			events[sk] = series
			count += series.Len()
		}
		return nil
	}, func(key string, err error) {
		d.config.Logger.LogCorruptRecord(ctx, storage.BucketEvents, key, err)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to load events: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = events
	d.saved = d.version
	empty := patternSet{}
	d.patterns.Store(&empty)
	keys := make([]seriesKey, 0, len(events))
	for k := range events {
		keys = append(keys, k)
	}
	d.republish(keys...)

	d.config.Logger.LogLoaded(ctx, storage.BucketEvents, count)
	return count, nil
}
