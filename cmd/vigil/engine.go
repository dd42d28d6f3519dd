package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/yairfalse/vigil/analyzer"
	"github.com/yairfalse/vigil/assembler"
	"github.com/yairfalse/vigil/baseline"
	"github.com/yairfalse/vigil/internal/config"
	"github.com/yairfalse/vigil/internal/daemon"
	"github.com/yairfalse/vigil/internal/emitter"
	"github.com/yairfalse/vigil/internal/filter"
	"github.com/yairfalse/vigil/memory"
	"github.com/yairfalse/vigil/notes"
	"github.com/yairfalse/vigil/patterns"
	"github.com/yairfalse/vigil/policy"
	"github.com/yairfalse/vigil/providers"
	_ "github.com/yairfalse/vigil/providers/aws"
	"github.com/yairfalse/vigil/providers/prometheus"
	"github.com/yairfalse/vigil/storage"
	"github.com/yairfalse/vigil/telemetry"
)

// engine wires every store to the durable state in the data dir
type engine struct {
	cfg     *config.Config
	logger  *telemetry.Logger
	metrics *telemetry.Metrics

	store        *storage.Store
	baselines    *baseline.Store
	patterns     *patterns.Detector
	changes      *memory.ChangeDetector
	remediations *memory.RemediationLog
	insights     *analyzer.Cache
	notes        *notes.Store
	policy       *policy.Engine

	// nil when no Prometheus URL is configured
	source *prometheus.Source
}

// openEngine opens storage and restores every store. metrics may be nil.
func openEngine(ctx context.Context, cfg *config.Config, logger *telemetry.Logger, metrics *telemetry.Metrics) (*engine, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, err
	}

	e := &engine{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		store:    store,
		insights: analyzer.NewCache(),
		baselines: baseline.NewStore(baseline.Config{
			Window:     cfg.Learning.Window,
			MinSamples: cfg.Learning.MinSamples,
			WarningZ:   cfg.Learning.WarningZ,
			CriticalZ:  cfg.Learning.CriticalZ,
			Logger:     logger,
			Metrics:    metrics,
		}, store),
		patterns: patterns.NewDetector(patterns.Config{
			Retention: cfg.Patterns.Retention,
			MinEvents: cfg.Patterns.MinEvents,
			Logger:    logger,
			Metrics:   metrics,
		}, store),
		changes: memory.NewChangeDetector(memory.ChangeDetectorConfig{
			MaxRetained:     cfg.Changes.MaxRetained,
			MemoryThreshold: cfg.Changes.MemoryThreshold,
			Logger:          logger,
			Metrics:         metrics,
		}, store),
		remediations: memory.NewRemediationLog(memory.RemediationLogConfig{
			MaxRecords: cfg.Remediation.MaxRecords,
			Logger:     logger,
		}, store),
	}

	if err := e.load(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	if e.notes, err = notes.Open(cfg.Notes.Path); err != nil {
		_ = store.Close()
		return nil, err
	}

	if e.policy, err = policy.NewEngine(ctx, logger); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	if cfg.Policy.Dir != "" {
		n, err := e.policy.LoadDir(ctx, cfg.Policy.Dir)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		logger.Info().Int("policies", n).Str("dir", cfg.Policy.Dir).Msg("loaded user policies")
	}

	if cfg.Metrics.PrometheusURL != "" {
		e.source, err = prometheus.New(prometheus.Config{
			Address:       cfg.Metrics.PrometheusURL,
			ResourceLabel: cfg.Metrics.ResourceLabel,
			Step:          cfg.Metrics.Step,
			Queries:       cfg.Metrics.Queries,
			Logger:        logger,
		})
		if err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	return e, nil
}

func (e *engine) load(ctx context.Context) error {
	loaders := []struct {
		name string
		load func(context.Context) (int, error)
	}{
		{"baselines", e.baselines.Load},
		{"patterns", e.patterns.Load},
		{"changes", e.changes.Load},
		{"remediations", e.remediations.Load},
	}
	for _, l := range loaders {
		n, err := l.load(ctx)
		if err != nil {
			return fmt.Errorf("failed to load %s: %w", l.name, err)
		}
		e.logger.LogLoaded(ctx, l.name, n)
	}
	return nil
}

// persist writes every store back to disk
func (e *engine) persist(ctx context.Context) error {
	return errors.Join(
		e.baselines.Persist(ctx),
		e.patterns.Persist(ctx),
		e.changes.Persist(ctx),
		e.remediations.Persist(ctx),
	)
}

// Close closes the underlying storage
func (e *engine) Close() error {
	return e.store.Close()
}

func (e *engine) insightConfig() analyzer.InsightConfig {
	return analyzer.InsightConfig{
		Trend: analyzer.TrendConfig{
			GrowthThreshold: e.cfg.Trend.GrowthThreshold,
			VolatilityRatio: e.cfg.Trend.VolatilityRatio,
		},
		TrendWindow: e.cfg.Trend.Window,
		Forecast: analyzer.ForecastConfig{
			Window:           e.cfg.Forecast.Window,
			MinPoints:        e.cfg.Forecast.MinPoints,
			ProjectionPoints: e.cfg.Forecast.ProjectionPoints,
		},
		Limits: e.cfg.Metrics.Limits,
	}
}

func (e *engine) assembler() *assembler.Assembler {
	return assembler.New(assembler.Sources{
		Insights:     e.insights,
		Baselines:    e.baselines,
		Patterns:     e.patterns,
		Changes:      e.changes,
		Remediations: e.remediations,
		Notes:        e.notes,
	}, assembler.Config{
		Timeout:         e.cfg.Context.Timeout,
		MaxChanges:      e.cfg.Context.MaxChanges,
		MaxRemediations: e.cfg.Context.MaxRemediations,
		Logger:          e.logger,
		Metrics:         e.metrics,
	})
}

// snapshotProvider builds the configured snapshot provider, or nil when
// change detection is disabled.
func (e *engine) snapshotProvider(ctx context.Context) (providers.SnapshotProvider, error) {
	name := e.cfg.Snapshots.Provider
	if name == "" {
		return nil, nil
	}
	if name != "aws" {
		return providers.GetProvider(ctx, name, providers.ProviderConfig{Path: e.cfg.Snapshots.Path})
	}

	var all []providers.SnapshotProvider
	for _, region := range e.cfg.AWS.Regions {
		p, err := providers.GetProvider(ctx, name, providers.ProviderConfig{
			Region:  region,
			Profile: e.cfg.AWS.Profile,
		})
		if err != nil {
			return nil, err
		}
		all = append(all, p)
	}
	if len(all) == 1 {
		return all[0], nil
	}
	return providers.NewMultiProvider(all...), nil
}

// daemonOptions carries the parts of a daemon that only the long-running
// command sets up.
type daemonOptions struct {
	snapshots     providers.SnapshotProvider
	emitter       emitter.Emitter
	daemonMetrics *daemon.DaemonMetrics
	metricsAddr   string
	handler       http.Handler
}

func (e *engine) newDaemon(opts daemonOptions) (*daemon.Daemon, error) {
	c := daemon.Components{
		Snapshots:    opts.snapshots,
		Baselines:    e.baselines,
		Patterns:     e.patterns,
		Changes:      e.changes,
		Remediations: e.remediations,
		Insights:     e.insights,
		Policy:       e.policy,
		Filter:       filter.FromConfig(e.cfg.Filter),
		Emitter:      opts.emitter,
	}
	var metricNames []string
	if e.source != nil {
		c.MetricSource = e.source
		c.Alerts = e.source
		metricNames = e.source.Metrics()
	}

	return daemon.NewDaemon(daemon.Config{
		LearningInterval:    e.cfg.Learning.Interval,
		LearningWindow:      e.cfg.Learning.Window,
		ChangeInterval:      e.cfg.Changes.Interval,
		AlertInterval:       e.cfg.Patterns.AlertInterval,
		MaintenanceInterval: e.cfg.Patterns.MaintenanceInterval,
		Concurrency:         e.cfg.Learning.Concurrency,
		MetricNames:         metricNames,
		Insights:            e.insightConfig(),
		MetricsAddr:         opts.metricsAddr,
		MetricsHandler:      opts.handler,
		Logger:              e.logger,
		Metrics:             e.metrics,
		DaemonMetrics:       opts.daemonMetrics,
	}, c)
}
