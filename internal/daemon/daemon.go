// Package daemon runs the background loops that keep the engine's stores
// current: baseline learning, change detection, alert polling and
// maintenance.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/oklog/run"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/yairfalse/vigil/analyzer"
	"github.com/yairfalse/vigil/baseline"
	"github.com/yairfalse/vigil/internal/emitter"
	"github.com/yairfalse/vigil/internal/filter"
	"github.com/yairfalse/vigil/memory"
	"github.com/yairfalse/vigil/patterns"
	"github.com/yairfalse/vigil/policy"
	"github.com/yairfalse/vigil/providers"
	"github.com/yairfalse/vigil/telemetry"
	"github.com/yairfalse/vigil/types"
)

// Loop names used in logs and metrics
const (
	LoopLearning    = "learning"
	LoopChanges     = "changes"
	LoopAlerts      = "alerts"
	LoopMaintenance = "maintenance"
)

// Config holds daemon configuration
type Config struct {
	LearningInterval    time.Duration
	LearningWindow      time.Duration
	ChangeInterval      time.Duration
	AlertInterval       time.Duration
	MaintenanceInterval time.Duration
	Concurrency         int

	// MetricNames are fetched for every resource on each learning cycle
	MetricNames []string
	Insights    analyzer.InsightConfig

	// MetricsAddr serves MetricsHandler when both are set
	MetricsAddr    string
	MetricsHandler http.Handler

	Clock         clockwork.Clock
	Logger        *telemetry.Logger
	Metrics       *telemetry.Metrics
	DaemonMetrics *DaemonMetrics
}

func (c *Config) applyDefaults() {
	if c.LearningInterval <= 0 {
		c.LearningInterval = time.Hour
	}
	if c.LearningWindow <= 0 {
		c.LearningWindow = 7 * 24 * time.Hour
	}
	if c.ChangeInterval <= 0 {
		c.ChangeInterval = 5 * time.Minute
	}
	if c.AlertInterval <= 0 {
		c.AlertInterval = time.Minute
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = 10 * time.Minute
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if len(c.MetricNames) == 0 {
		c.MetricNames = []string{types.MetricCPU, types.MetricMemory, types.MetricDisk}
	}
	if c.Insights.TrendWindow <= 0 {
		c.Insights = analyzer.DefaultInsightConfig()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = telemetry.Nop()
	}
}

// Components are the stores and sources the loops feed. Baselines, Patterns
// and Insights are required; a nil source disables the loop that reads it.
type Components struct {
	MetricSource providers.MetricSource
	Snapshots    providers.SnapshotProvider
	Alerts       providers.AlertSource

	Baselines    *baseline.Store
	Patterns     *patterns.Detector
	Changes      *memory.ChangeDetector
	Remediations *memory.RemediationLog
	Insights     *analyzer.Cache

	Policy  *policy.Engine
	Filter  *filter.Filter
	Emitter emitter.Emitter
}

// Daemon manages the continuous background loops
type Daemon struct {
	config Config
	c      Components

	startTime     time.Time
	learningCount atomic.Int64
	changeCount   atomic.Int64

	alertMu   sync.Mutex
	lastAlert time.Time
}

// NewDaemon creates a new daemon instance
func NewDaemon(config Config, components Components) (*Daemon, error) {
	if components.Baselines == nil || components.Patterns == nil || components.Insights == nil {
		return nil, errors.New("baselines, patterns and insights are required")
	}
	if components.Snapshots != nil && components.Changes == nil {
		return nil, errors.New("a snapshot provider needs a change detector")
	}
	config.applyDefaults()
	now := config.Clock.Now()
	return &Daemon{
		config:    config,
		c:         components,
		startTime: now,
		lastAlert: now,
	}, nil
}

// Start runs every configured loop until ctx is cancelled, a loop fails, or
// the process receives SIGINT or SIGTERM. State is persisted on the way out.
func (d *Daemon) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g run.Group

	g.Add(func() error {
		<-ctx.Done()
		return nil
	}, func(error) {
		cancel()
	})

	g.Add(run.SignalHandler(context.Background(), os.Interrupt, syscall.SIGTERM))

	if d.c.MetricSource != nil {
		d.addLoop(&g, ctx, LoopLearning, d.config.LearningInterval, true, d.RunLearningCycle)
	}
	if d.c.Snapshots != nil {
		d.addLoop(&g, ctx, LoopChanges, d.config.ChangeInterval, true, d.RunChangeCycle)
	}
	if d.c.Alerts != nil {
		d.addLoop(&g, ctx, LoopAlerts, d.config.AlertInterval, false, d.PollAlerts)
	}
	d.addLoop(&g, ctx, LoopMaintenance, d.config.MaintenanceInterval, false, d.RunMaintenance)

	if d.config.MetricsAddr != "" && d.config.MetricsHandler != nil {
		if err := d.addMetricsServer(&g); err != nil {
			return err
		}
	}

	d.config.Logger.Info().
		Dur("learning_interval", d.config.LearningInterval).
		Dur("change_interval", d.config.ChangeInterval).
		Str("metrics_addr", d.config.MetricsAddr).
		Msg("daemon started")

	err := g.Run()

	persistCtx, persistCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer persistCancel()
	if perr := d.RunMaintenance(persistCtx); perr != nil {
		d.config.Logger.Error().Err(perr).Msg("final persist failed")
	}

	var sig run.SignalError
	if errors.As(err, &sig) {
		d.config.Logger.Info().Str("signal", sig.Signal.String()).Msg("daemon stopping")
		return nil
	}
	return err
}

// addLoop runs fn every interval. Cycle errors are logged and never stop the loop.
func (d *Daemon) addLoop(g *run.Group, ctx context.Context, name string, interval time.Duration, immediate bool, fn func(context.Context) error) {
	loopCtx, cancel := context.WithCancel(ctx)
	g.Add(func() error {
		ticker := d.config.Clock.NewTicker(interval)
		defer ticker.Stop()

		if immediate {
			d.runCycle(loopCtx, name, fn)
		}
		for {
			select {
			case <-loopCtx.Done():
				return nil
			case <-ticker.Chan():
				d.runCycle(loopCtx, name, fn)
			}
		}
	}, func(error) {
		cancel()
	})
}

func (d *Daemon) runCycle(ctx context.Context, name string, fn func(context.Context) error) {
	start := d.config.Clock.Now()
	err := fn(ctx)
	status := "success"
	if err != nil {
		status = "failure"
		if ctx.Err() == nil {
			d.config.Logger.WithContext(ctx).Error().Err(err).Str("loop", name).Msg("cycle failed")
		}
	}
	d.config.DaemonMetrics.RecordCycle(ctx, name, status, d.config.Clock.Since(start))
}

func (d *Daemon) addMetricsServer(g *run.Group) error {
	ln, err := net.Listen("tcp", d.config.MetricsAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", d.config.MetricsAddr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", d.config.MetricsHandler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(d.Health().Status))
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g.Add(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	}, func(error) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	return nil
}

// RunLearningCycle relearns baselines and refreshes the insight cache for
// every resource the metric source reports. A resource whose history cannot
// be fetched is skipped; the cycle continues with the rest.
func (d *Daemon) RunLearningCycle(ctx context.Context) error {
	if d.c.MetricSource == nil {
		return nil
	}
	ctx, span := telemetry.Tracer.Start(ctx, "daemon.learning_cycle")
	defer span.End()

	start := d.config.Clock.Now()
	d.learningCount.Add(1)

	ids, err := d.c.MetricSource.GetResourceIDs(ctx)
	if err != nil {
		return fmt.Errorf("list resources: %w", err)
	}
	if d.c.Filter != nil {
		ids = d.c.Filter.FilterIDs(ids)
	}
	span.SetAttributes(attribute.Int("resource.count", len(ids)))
	d.config.DaemonMetrics.RecordResources(ctx, LoopLearning, len(ids))

	var learned, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.config.Concurrency)
	for _, id := range ids {
		g.Go(func() error {
			if d.learnResource(gctx, id) {
				learned.Add(1)
			} else {
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	d.forgetStale(ids)

	if err := d.c.Baselines.Persist(ctx); err != nil {
		d.config.Logger.LogPersistFailure(ctx, "baselines", err)
	}

	cycle := emitter.Cycle{
		Insights:  d.c.Insights.All(),
		Anomalies: d.detectAnomalies(ctx),
		Learned:   int(learned.Load()),
		Failed:    int(failed.Load()),
		Duration:  d.config.Clock.Since(start),
		At:        start,
	}
	d.config.Metrics.RecordLearningCycle(ctx, cycle.Duration)

	if d.c.Emitter != nil {
		if err := d.c.Emitter.Emit(ctx, cycle); err != nil {
			d.config.Logger.WithContext(ctx).Warn().Err(err).Msg("emit learning cycle failed")
		}
	}
	return ctx.Err()
}

func (d *Daemon) learnResource(ctx context.Context, id string) bool {
	history := make(map[string][]types.Sample, len(d.config.MetricNames))
	for _, metric := range d.config.MetricNames {
		samples, err := d.c.MetricSource.GetMetrics(ctx, id, metric, d.config.LearningWindow)
		if err != nil {
			d.config.Logger.LogLearningFailure(ctx, id, metric, err)
			d.config.Metrics.RecordLearningFailure(ctx, "fetch")
			continue
		}
		if len(samples) > 0 {
			history[metric] = samples
		}
	}
	if len(history) == 0 {
		return false
	}

	insights, errs := analyzer.BuildInsights(id, history, d.config.Clock.Now(), d.config.Insights)
	for _, err := range errs {
		d.config.Logger.WithContext(ctx).Debug().Err(err).Str("resource_id", id).Msg("forecast skipped")
	}
	refreshed := make([]string, 0, len(history))
	for metric := range history {
		refreshed = append(refreshed, metric)
	}
	d.c.Insights.Merge(insights, refreshed)

	if err := d.c.Baselines.Learn(id, history); err != nil {
		d.config.Logger.LogLearningFailure(ctx, id, "", err)
		d.config.Metrics.RecordLearningFailure(ctx, "learn")
		return false
	}
	return true
}

// forgetStale drops cached insights and baselines for resources the metric
// source no longer reports.
func (d *Daemon) forgetStale(current []string) {
	keep := make(map[string]struct{}, len(current))
	for _, id := range current {
		keep[id] = struct{}{}
	}
	for _, id := range d.c.Insights.ResourceIDs() {
		if _, ok := keep[id]; ok {
			continue
		}
		d.c.Insights.Delete(id)
		d.c.Baselines.Forget(id)
	}
}

// detectAnomalies classifies every cached latest value against its baseline
func (d *Daemon) detectAnomalies(ctx context.Context) []baseline.Anomaly {
	var out []baseline.Anomaly
	for _, ins := range d.c.Insights.All() {
		for metric, value := range ins.Latest {
			a, ok := d.c.Baselines.CheckAnomaly(ins.ResourceID, metric, value)
			if !ok || !a.IsAnomalous() {
				continue
			}
			out = append(out, a)
			d.config.Metrics.RecordAnomaly(ctx, string(a.Severity))
			telemetry.RecordAnomalyEvent(trace.SpanFromContext(ctx), a.ResourceID, a.Metric, string(a.Severity), a.ZScore, a.Value)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ResourceID != out[j].ResourceID {
			return out[i].ResourceID < out[j].ResourceID
		}
		return out[i].Metric < out[j].Metric
	})
	return out
}

// RunChangeCycle snapshots the infrastructure, diffs it against the previous
// snapshot, and records policy-selected changes as pattern events.
func (d *Daemon) RunChangeCycle(ctx context.Context) error {
	if d.c.Snapshots == nil {
		return nil
	}
	ctx, span := telemetry.Tracer.Start(ctx, "daemon.change_cycle")
	defer span.End()

	d.changeCount.Add(1)

	snaps, err := d.c.Snapshots.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot %s: %w", d.c.Snapshots.Name(), err)
	}
	if d.c.Filter != nil {
		snaps = d.c.Filter.FilterResources(snaps)
	}
	d.config.DaemonMetrics.RecordResources(ctx, LoopChanges, len(snaps))

	changes := d.c.Changes.Detect(ctx, snaps)
	span.SetAttributes(
		attribute.Int("resource.count", len(snaps)),
		attribute.Int("change.count", len(changes)),
	)

	recorded := 0
	for _, c := range changes {
		if d.c.Policy == nil {
			break
		}
		kind, ok := d.c.Policy.ClassifyChange(ctx, c)
		if !ok {
			continue
		}
		d.c.Patterns.RecordEvent(c.ResourceID, kind, c.DetectedAt, types.SourceChange)
		recorded++
	}

	if len(changes) > 0 {
		d.config.Logger.WithContext(ctx).Info().
			Int("changes", len(changes)).
			Int("events", recorded).
			Msg("infrastructure changes detected")
	}
	return nil
}

// PollAlerts records alerts that fired since the previous poll
func (d *Daemon) PollAlerts(ctx context.Context) error {
	if d.c.Alerts == nil {
		return nil
	}
	d.alertMu.Lock()
	defer d.alertMu.Unlock()

	alerts, err := d.c.Alerts.FetchAlerts(ctx, d.lastAlert)
	if err != nil {
		return fmt.Errorf("fetch alerts: %w", err)
	}

	for _, a := range alerts {
		if !d.c.Patterns.RecordAlert(a.ResourceID, a.AlertType, a.FiredAt) {
			d.config.Logger.WithContext(ctx).Debug().
				Str("resource_id", a.ResourceID).
				Str("alert_type", a.AlertType).
				Msg("alert type has no event kind")
		}
		if a.FiredAt.After(d.lastAlert) {
			d.lastAlert = a.FiredAt
		}
	}
	return nil
}

// RunMaintenance prunes expired pattern events and persists every store
func (d *Daemon) RunMaintenance(ctx context.Context) error {
	pruned := d.c.Patterns.Prune(d.config.Clock.Now())
	if pruned > 0 {
		d.config.Logger.WithContext(ctx).Debug().Int("pruned", pruned).Msg("pruned pattern events")
	}

	var errs []error
	if err := d.c.Patterns.Persist(ctx); err != nil {
		errs = append(errs, fmt.Errorf("persist patterns: %w", err))
	}
	if d.c.Changes != nil {
		if err := d.c.Changes.Persist(ctx); err != nil {
			errs = append(errs, fmt.Errorf("persist changes: %w", err))
		}
	}
	if d.c.Remediations != nil {
		if err := d.c.Remediations.Persist(ctx); err != nil {
			errs = append(errs, fmt.Errorf("persist remediations: %w", err))
		}
	}
	if err := d.c.Baselines.Persist(ctx); err != nil {
		errs = append(errs, fmt.Errorf("persist baselines: %w", err))
	}
	return errors.Join(errs...)
}

// Health returns daemon health status
func (d *Daemon) Health() HealthStatus {
	return HealthStatus{
		Status:         "healthy",
		Uptime:         int64(d.config.Clock.Since(d.startTime).Seconds()),
		LearningCycles: d.learningCount.Load(),
		ChangeCycles:   d.changeCount.Load(),
	}
}

// HealthStatus represents daemon health
type HealthStatus struct {
	Status         string
	Uptime         int64
	LearningCycles int64
	ChangeCycles   int64
}

// LearningCount returns total learning cycles run
func (d *Daemon) LearningCount() int64 {
	return d.learningCount.Load()
}

// ChangeCount returns total change cycles run
func (d *Daemon) ChangeCount() int64 {
	return d.changeCount.Load()
}
