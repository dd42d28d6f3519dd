// Package assembler builds bounded, read-only context for a resource or the
// whole infrastructure from already-computed state.
package assembler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/vigil/analyzer"
	"github.com/yairfalse/vigil/baseline"
	"github.com/yairfalse/vigil/patterns"
	"github.com/yairfalse/vigil/telemetry"
	"github.com/yairfalse/vigil/types"
)

// Config controls section limits and the per-section deadline
type Config struct {
	// Timeout bounds each section read. The caller's deadline still applies.
	Timeout         time.Duration
	MaxChanges      int
	MaxRemediations int
	MaxNotes        int
	MaxPredictions  int
	// ChangeLookback limits infrastructure-wide changes and remediations
	ChangeLookback time.Duration

	Clock   clockwork.Clock
	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
}

// DefaultConfig returns a 50ms section deadline and small section limits
func DefaultConfig() Config {
	return Config{
		Timeout:         50 * time.Millisecond,
		MaxChanges:      10,
		MaxRemediations: 5,
		MaxNotes:        5,
		MaxPredictions:  10,
		ChangeLookback:  24 * time.Hour,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxChanges <= 0 {
		c.MaxChanges = d.MaxChanges
	}
	if c.MaxRemediations <= 0 {
		c.MaxRemediations = d.MaxRemediations
	}
	if c.MaxNotes <= 0 {
		c.MaxNotes = d.MaxNotes
	}
	if c.MaxPredictions <= 0 {
		c.MaxPredictions = d.MaxPredictions
	}
	if c.ChangeLookback <= 0 {
		c.ChangeLookback = d.ChangeLookback
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = telemetry.Nop()
	}
}

// Assembler builds contexts. It only reads from its sources and is safe for
// concurrent use.
type Assembler struct {
	sources Sources
	config  Config
	tracer  trace.Tracer
}

// New creates an assembler over the given sources
func New(sources Sources, config Config) *Assembler {
	config.applyDefaults()
	return &Assembler{
		sources: sources,
		config:  config,
		tracer:  telemetry.Tracer,
	}
}

// BuildForResource assembles every section for one resource. It never fails;
// sections that cannot be read are marked unavailable and Degraded is set.
func (a *Assembler) BuildForResource(ctx context.Context, resourceID string) *ResourceContext {
	ctx, span := a.tracer.Start(ctx, "assembler.build_resource",
		trace.WithAttributes(attribute.String("resource.id", resourceID)))
	defer span.End()
	start := time.Now()

	rc := &ResourceContext{
		ResourceID:  resourceID,
		GeneratedAt: a.config.Clock.Now(),
	}

	var wg sync.WaitGroup
	run := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	run(func() { rc.Trends = a.resourceTrends(ctx, resourceID) })
	run(func() { rc.Anomalies = a.resourceAnomalies(ctx, resourceID) })
	run(func() { rc.Predictions = a.resourcePredictions(ctx, resourceID) })
	run(func() { rc.Changes = a.resourceChanges(ctx, resourceID) })
	run(func() { rc.Remediations = a.resourceRemediations(ctx, resourceID) })
	run(func() { rc.Notes = a.resourceNotes(ctx, resourceID) })
	wg.Wait()

	rc.Unavailable = a.collectUnavailable(ctx, span, map[string]Section{
		SectionTrends:       rc.Trends.Section,
		SectionAnomalies:    rc.Anomalies.Section,
		SectionPredictions:  rc.Predictions.Section,
		SectionChanges:      rc.Changes.Section,
		SectionRemediations: rc.Remediations.Section,
		SectionNotes:        rc.Notes.Section,
	})
	rc.Degraded = len(rc.Unavailable) > 0

	span.SetAttributes(attribute.Bool("context.degraded", rc.Degraded))
	a.config.Metrics.RecordContextBuild(ctx, "resource", time.Since(start), rc.Degraded)
	return rc
}

// BuildForInfrastructure assembles the fleet-wide view
func (a *Assembler) BuildForInfrastructure(ctx context.Context) *InfrastructureContext {
	ctx, span := a.tracer.Start(ctx, "assembler.build_infrastructure")
	defer span.End()
	start := time.Now()

	ic := &InfrastructureContext{GeneratedAt: a.config.Clock.Now()}

	var wg sync.WaitGroup
	run := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	run(func() { ic.Trends, ic.Resources = a.infraTrends(ctx) })
	run(func() { ic.Anomalies = a.infraAnomalies(ctx) })
	run(func() { ic.Predictions = a.infraPredictions(ctx) })
	run(func() { ic.Changes = a.infraChanges(ctx) })
	run(func() { ic.Remediations = a.infraRemediations(ctx) })
	wg.Wait()

	ic.Unavailable = a.collectUnavailable(ctx, span, map[string]Section{
		SectionTrends:       ic.Trends.Section,
		SectionAnomalies:    ic.Anomalies.Section,
		SectionPredictions:  ic.Predictions.Section,
		SectionChanges:      ic.Changes.Section,
		SectionRemediations: ic.Remediations.Section,
	})
	ic.Degraded = len(ic.Unavailable) > 0

	span.SetAttributes(attribute.Bool("context.degraded", ic.Degraded), attribute.Int("context.resources", ic.Resources))
	a.config.Metrics.RecordContextBuild(ctx, "infrastructure", time.Since(start), ic.Degraded)
	return ic
}

func (a *Assembler) collectUnavailable(ctx context.Context, span trace.Span, sections map[string]Section) []string {
	var names []string
	for name, s := range sections {
		if !s.Unavailable() {
			continue
		}
		names = append(names, name)
		telemetry.RecordSectionUnavailableEvent(span, name, s.Reason)
		a.config.Metrics.RecordSectionDegraded(ctx, name)
		a.config.Logger.WithContext(ctx).Warn().
			Str("section", name).
			Str("reason", s.Reason).
			Msg("context section unavailable")
	}
	sort.Strings(names)
	return names
}

// fetch runs fn with the section deadline. A read that errors, panics or
// misses the deadline yields ErrSectionUnavailable.
func fetch[T any](ctx context.Context, timeout time.Duration, fn func() T) (T, error) {
	if err := ctx.Err(); err != nil {
		var zero T
		return zero, fmt.Errorf("%w: %v", ErrSectionUnavailable, err)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("%w: panic: %v", ErrSectionUnavailable, r)}
			}
		}()
		ch <- result{value: fn()}
	}()

	select {
	case r := <-ch:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("%w: %v", ErrSectionUnavailable, ctx.Err())
	}
}

func unavailable(err error) Section {
	return Section{Status: StatusUnavailable, Reason: err.Error()}
}

// An unconfigured source leaves its section empty, not unavailable
func notConfigured() Section {
	return Section{Status: StatusEmpty, Reason: "source not configured"}
}

func statusFor(n int, emptyReason string) Section {
	if n == 0 {
		return Section{Status: StatusEmpty, Reason: emptyReason}
	}
	return Section{Status: StatusAvailable}
}

func (a *Assembler) resourceTrends(ctx context.Context, resourceID string) TrendSection {
	if a.sources.Insights == nil {
		return TrendSection{Section: notConfigured()}
	}
	type lookup struct {
		ins analyzer.ResourceInsights
		ok  bool
	}
	got, err := fetch(ctx, a.config.Timeout, func() lookup {
		ins, ok := a.sources.Insights.Get(resourceID)
		return lookup{ins, ok}
	})
	if err != nil {
		return TrendSection{Section: unavailable(err)}
	}
	if !got.ok {
		return TrendSection{Section: Section{Status: StatusEmpty, Reason: "no metric history learned yet"}}
	}

	sec := TrendSection{
		Trends:    trendsOf(got.ins, false),
		Forecasts: forecastsOf(got.ins),
	}
	sec.Section = statusFor(len(sec.Trends)+len(sec.Forecasts), "no metric history learned yet")
	return sec
}

func (a *Assembler) infraTrends(ctx context.Context) (TrendSection, int) {
	if a.sources.Insights == nil {
		return TrendSection{Section: notConfigured()}, 0
	}
	all, err := fetch(ctx, a.config.Timeout, a.sources.Insights.All)
	if err != nil {
		return TrendSection{Section: unavailable(err)}, 0
	}

	var sec TrendSection
	for _, ins := range all {
		sec.Trends = append(sec.Trends, trendsOf(ins, true)...)
		sec.Forecasts = append(sec.Forecasts, forecastsOf(ins)...)
	}
	sortForecasts(sec.Forecasts)
	sec.Section = statusFor(len(sec.Trends)+len(sec.Forecasts), "all metrics stable")
	return sec, len(all)
}

// trendsOf lists trends sorted by metric. notableOnly drops stable trends.
func trendsOf(ins analyzer.ResourceInsights, notableOnly bool) []MetricTrend {
	out := make([]MetricTrend, 0, len(ins.Trends))
	for metric, t := range ins.Trends {
		if notableOnly && t.Direction == analyzer.TrendStable {
			continue
		}
		out = append(out, MetricTrend{ResourceID: ins.ResourceID, Metric: metric, Trend: t})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ResourceID != out[j].ResourceID {
			return out[i].ResourceID < out[j].ResourceID
		}
		return out[i].Metric < out[j].Metric
	})
	return out
}

func forecastsOf(ins analyzer.ResourceInsights) []analyzer.CapacityForecast {
	out := make([]analyzer.CapacityForecast, 0, len(ins.Forecasts))
	for _, f := range ins.Forecasts {
		if f != nil {
			out = append(out, *f)
		}
	}
	sortForecasts(out)
	return out
}

func sortForecasts(fs []analyzer.CapacityForecast) {
	sort.Slice(fs, func(i, j int) bool {
		if !fs[i].ETA.Equal(fs[j].ETA) {
			return fs[i].ETA.Before(fs[j].ETA)
		}
		if fs[i].ResourceID != fs[j].ResourceID {
			return fs[i].ResourceID < fs[j].ResourceID
		}
		return fs[i].Metric < fs[j].Metric
	})
}

// checkLatest classifies each latest value. It returns the number of metrics
// with a mature baseline, the anomalous ones and the worst severity.
func checkLatest(b BaselineReader, ins analyzer.ResourceInsights) (int, []baseline.Anomaly, baseline.Severity) {
	metrics := make([]string, 0, len(ins.Latest))
	for m := range ins.Latest {
		metrics = append(metrics, m)
	}
	sort.Strings(metrics)

	checked := 0
	worst := baseline.SeverityNone
	var anomalies []baseline.Anomaly
	for _, m := range metrics {
		an, ok := b.CheckAnomaly(ins.ResourceID, m, ins.Latest[m])
		if !ok {
			continue
		}
		checked++
		if !an.IsAnomalous() {
			continue
		}
		anomalies = append(anomalies, an)
		if an.Severity == baseline.SeverityCritical || worst == baseline.SeverityNone {
			worst = an.Severity
		}
	}
	return checked, anomalies, worst
}

func (a *Assembler) resourceAnomalies(ctx context.Context, resourceID string) AnomalySection {
	if a.sources.Baselines == nil || a.sources.Insights == nil {
		return AnomalySection{Section: notConfigured()}
	}
	sec, err := fetch(ctx, a.config.Timeout, func() AnomalySection {
		ins, ok := a.sources.Insights.Get(resourceID)
		if !ok {
			return AnomalySection{}
		}
		checked, anomalies, _ := checkLatest(a.sources.Baselines, ins)
		return AnomalySection{Checked: checked, Anomalies: anomalies}
	})
	if err != nil {
		return AnomalySection{Section: unavailable(err)}
	}
	sec.Section = statusFor(sec.Checked, "no mature baseline yet")
	return sec
}

func (a *Assembler) infraAnomalies(ctx context.Context) AnomalySection {
	if a.sources.Baselines == nil || a.sources.Insights == nil {
		return AnomalySection{Section: notConfigured()}
	}
	sec, err := fetch(ctx, a.config.Timeout, func() AnomalySection {
		var s AnomalySection
		for _, ins := range a.sources.Insights.All() {
			checked, anomalies, worst := checkLatest(a.sources.Baselines, ins)
			s.Checked += checked
			s.Anomalies = append(s.Anomalies, anomalies...)
			switch worst {
			case baseline.SeverityCritical:
				s.Critical++
			case baseline.SeverityWarning:
				s.Warning++
			default:
				s.Healthy++
			}
		}
		return s
	})
	if err != nil {
		return AnomalySection{Section: unavailable(err)}
	}
	sort.SliceStable(sec.Anomalies, func(i, j int) bool {
		return abs(sec.Anomalies[i].ZScore) > abs(sec.Anomalies[j].ZScore)
	})
	sec.Section = statusFor(sec.Checked, "no mature baseline yet")
	return sec
}

func (a *Assembler) resourcePredictions(ctx context.Context, resourceID string) PredictionSection {
	if a.sources.Patterns == nil {
		return PredictionSection{Section: notConfigured()}
	}
	preds, err := fetch(ctx, a.config.Timeout, func() []patterns.Prediction {
		return a.sources.Patterns.Predictions(resourceID)
	})
	if err != nil {
		return PredictionSection{Section: unavailable(err)}
	}
	preds = head(preds, a.config.MaxPredictions)
	return PredictionSection{
		Section:     statusFor(len(preds), "no recurring events detected"),
		Predictions: preds,
	}
}

func (a *Assembler) infraPredictions(ctx context.Context) PredictionSection {
	if a.sources.Patterns == nil {
		return PredictionSection{Section: notConfigured()}
	}
	preds, err := fetch(ctx, a.config.Timeout, a.sources.Patterns.AllPredictions)
	if err != nil {
		return PredictionSection{Section: unavailable(err)}
	}
	preds = head(preds, a.config.MaxPredictions)
	return PredictionSection{
		Section:     statusFor(len(preds), "no recurring events detected"),
		Predictions: preds,
	}
}

func (a *Assembler) resourceChanges(ctx context.Context, resourceID string) ChangeSection {
	if a.sources.Changes == nil {
		return ChangeSection{Section: notConfigured()}
	}
	changes, err := fetch(ctx, a.config.Timeout, func() []types.Change {
		return a.sources.Changes.GetChangesForResource(resourceID, a.config.MaxChanges)
	})
	if err != nil {
		return ChangeSection{Section: unavailable(err)}
	}
	return ChangeSection{Section: statusFor(len(changes), "no changes recorded"), Changes: changes}
}

func (a *Assembler) infraChanges(ctx context.Context) ChangeSection {
	if a.sources.Changes == nil {
		return ChangeSection{Section: notConfigured()}
	}
	since := a.config.Clock.Now().Add(-a.config.ChangeLookback)
	changes, err := fetch(ctx, a.config.Timeout, func() []types.Change {
		return a.sources.Changes.GetRecentChanges(a.config.MaxChanges, since)
	})
	if err != nil {
		return ChangeSection{Section: unavailable(err)}
	}
	return ChangeSection{Section: statusFor(len(changes), "no recent changes"), Changes: changes}
}

func (a *Assembler) resourceRemediations(ctx context.Context, resourceID string) RemediationSection {
	if a.sources.Remediations == nil {
		return RemediationSection{Section: notConfigured()}
	}
	records, err := fetch(ctx, a.config.Timeout, func() []types.RemediationRecord {
		return a.sources.Remediations.GetForResource(resourceID, a.config.MaxRemediations)
	})
	if err != nil {
		return RemediationSection{Section: unavailable(err)}
	}
	return RemediationSection{Section: statusFor(len(records), "no remediations recorded"), Records: records}
}

func (a *Assembler) infraRemediations(ctx context.Context) RemediationSection {
	if a.sources.Remediations == nil {
		return RemediationSection{Section: notConfigured()}
	}
	since := a.config.Clock.Now().Add(-a.config.ChangeLookback)
	records, err := fetch(ctx, a.config.Timeout, func() []types.RemediationRecord {
		return a.sources.Remediations.GetRecent(a.config.MaxRemediations, since)
	})
	if err != nil {
		return RemediationSection{Section: unavailable(err)}
	}
	return RemediationSection{Section: statusFor(len(records), "no recent remediations"), Records: records}
}

func (a *Assembler) resourceNotes(ctx context.Context, resourceID string) NotesSection {
	if a.sources.Notes == nil {
		return NotesSection{Section: notConfigured()}
	}
	sec, err := fetch(ctx, a.config.Timeout, func() NotesSection {
		return NotesSection{
			Findings: a.sources.Notes.Findings(resourceID, a.config.MaxNotes),
			Notes:    a.sources.Notes.Notes(resourceID, a.config.MaxNotes),
		}
	})
	if err != nil {
		return NotesSection{Section: unavailable(err)}
	}
	sec.Section = statusFor(len(sec.Findings)+len(sec.Notes), "no findings or notes")
	return sec
}

func head[T any](list []T, limit int) []T {
	if limit > 0 && len(list) > limit {
		return list[:limit]
	}
	return list
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
