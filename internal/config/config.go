// Package config handles TOML configuration for vigil.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Storage     StorageConfig      `toml:"storage" yaml:"storage"`
	Metrics     MetricSourceConfig `toml:"metrics" yaml:"metrics"`
	Learning    LearningConfig     `toml:"learning" yaml:"learning"`
	Trend       TrendConfig        `toml:"trend" yaml:"trend"`
	Forecast    ForecastConfig     `toml:"forecast" yaml:"forecast"`
	Patterns    PatternsConfig     `toml:"patterns" yaml:"patterns"`
	Changes     ChangesConfig      `toml:"changes" yaml:"changes"`
	Snapshots   SnapshotsConfig    `toml:"snapshots" yaml:"snapshots"`
	Remediation RemediationConfig  `toml:"remediation" yaml:"remediation"`
	Context     ContextConfig      `toml:"context" yaml:"context"`
	AWS         AWSConfig          `toml:"aws" yaml:"aws"`
	Filter      FilterConfig       `toml:"filter" yaml:"filter"`
	Policy      PolicyConfig       `toml:"policy" yaml:"policy"`
	Notes       NotesConfig        `toml:"notes" yaml:"notes"`
	OTEL        OTELConfig         `toml:"otel" yaml:"otel"`
	Server      ServerConfig       `toml:"server" yaml:"server"`
	Log         LogConfig          `toml:"log" yaml:"log"`
}

// StorageConfig holds the durable state location.
type StorageConfig struct {
	DataDir string `toml:"data_dir" yaml:"data_dir"`
}

// MetricSourceConfig holds Prometheus settings.
type MetricSourceConfig struct {
	PrometheusURL string             `toml:"prometheus_url" yaml:"prometheus_url"`
	ResourceLabel string             `toml:"resource_label" yaml:"resource_label"`
	StepStr       string             `toml:"step" yaml:"step"`
	Step          time.Duration      `toml:"-" yaml:"-"`
	Queries       map[string]string  `toml:"queries" yaml:"queries"`
	Limits        map[string]float64 `toml:"limits" yaml:"limits"`
}

// LearningConfig holds baseline learning settings.
type LearningConfig struct {
	IntervalStr string        `toml:"interval" yaml:"interval"`
	Interval    time.Duration `toml:"-" yaml:"-"`
	WindowStr   string        `toml:"window" yaml:"window"`
	Window      time.Duration `toml:"-" yaml:"-"`
	MinSamples  int           `toml:"min_samples" yaml:"min_samples"`
	WarningZ    float64       `toml:"warning_z" yaml:"warning_z"`
	CriticalZ   float64       `toml:"critical_z" yaml:"critical_z"`
	Concurrency int           `toml:"concurrency" yaml:"concurrency"`
}

// TrendConfig holds trend classification settings.
type TrendConfig struct {
	WindowStr       string        `toml:"window" yaml:"window"`
	Window          time.Duration `toml:"-" yaml:"-"`
	GrowthThreshold float64       `toml:"growth_threshold" yaml:"growth_threshold"`
	VolatilityRatio float64       `toml:"volatility_ratio" yaml:"volatility_ratio"`
}

// ForecastConfig holds capacity forecast settings.
type ForecastConfig struct {
	WindowStr        string        `toml:"window" yaml:"window"`
	Window           time.Duration `toml:"-" yaml:"-"`
	MinPoints        int           `toml:"min_points" yaml:"min_points"`
	ProjectionPoints int           `toml:"projection_points" yaml:"projection_points"`
}

// PatternsConfig holds pattern detection and maintenance settings.
type PatternsConfig struct {
	RetentionStr           string        `toml:"retention" yaml:"retention"`
	Retention              time.Duration `toml:"-" yaml:"-"`
	MinEvents              int           `toml:"min_events" yaml:"min_events"`
	MaintenanceIntervalStr string        `toml:"maintenance_interval" yaml:"maintenance_interval"`
	MaintenanceInterval    time.Duration `toml:"-" yaml:"-"`
	AlertIntervalStr       string        `toml:"alert_interval" yaml:"alert_interval"`
	AlertInterval          time.Duration `toml:"-" yaml:"-"`
}

// ChangesConfig holds change detection settings.
type ChangesConfig struct {
	IntervalStr     string        `toml:"interval" yaml:"interval"`
	Interval        time.Duration `toml:"-" yaml:"-"`
	MaxRetained     int           `toml:"max_retained" yaml:"max_retained"`
	MemoryThreshold float64       `toml:"memory_threshold" yaml:"memory_threshold"`
}

// SnapshotsConfig selects the infrastructure snapshot provider.
type SnapshotsConfig struct {
	// Provider is a registered provider name such as "aws" or "file". Empty disables change detection.
	Provider string `toml:"provider" yaml:"provider"`
	Path     string `toml:"path" yaml:"path"`
}

// RemediationConfig bounds the remediation log.
type RemediationConfig struct {
	MaxRecords int `toml:"max_records" yaml:"max_records"`
}

// ContextConfig holds context assembly settings.
type ContextConfig struct {
	TimeoutStr      string        `toml:"timeout" yaml:"timeout"`
	Timeout         time.Duration `toml:"-" yaml:"-"`
	MaxChars        int           `toml:"max_chars" yaml:"max_chars"`
	MaxChanges      int           `toml:"max_changes" yaml:"max_changes"`
	MaxRemediations int           `toml:"max_remediations" yaml:"max_remediations"`
}

// AWSConfig holds AWS provider settings.
type AWSConfig struct {
	Regions []string `toml:"regions" yaml:"regions"`
	Profile string   `toml:"profile" yaml:"profile"`
}

// FilterConfig limits which resources are tracked.
type FilterConfig struct {
	ExcludeTypes  []string          `toml:"exclude_types" yaml:"exclude_types"`
	IncludeLabels map[string]string `toml:"include_labels" yaml:"include_labels"`
	ExcludeLabels map[string]string `toml:"exclude_labels" yaml:"exclude_labels"`
	ExcludeIDs    []string          `toml:"exclude_ids" yaml:"exclude_ids"`
}

// PolicyConfig holds the user rego policy directory.
type PolicyConfig struct {
	Dir string `toml:"dir" yaml:"dir"`
}

// NotesConfig holds the findings and notes file.
type NotesConfig struct {
	Path string `toml:"path" yaml:"path"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string        `toml:"endpoint" yaml:"endpoint"`
	Insecure    bool          `toml:"insecure" yaml:"insecure"`
	ServiceName string        `toml:"service_name" yaml:"service_name"`
	Traces      TracesConfig  `toml:"traces" yaml:"traces"`
	Metrics     MetricsConfig `toml:"metrics" yaml:"metrics"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `toml:"enabled" yaml:"enabled"`
	SampleRate float64 `toml:"sample_rate" yaml:"sample_rate"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool `toml:"enabled" yaml:"enabled"`
}

// ServerConfig holds the metrics endpoint address.
type ServerConfig struct {
	MetricsAddr string `toml:"metrics_addr" yaml:"metrics_addr"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `toml:"level" yaml:"level"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	if err := parseDurations(cfg); err != nil {
		panic(fmt.Sprintf("invalid built-in defaults: %v", err))
	}
	return cfg
}

// Load reads and parses a config file. Files ending in .yaml or .yml are YAML,
// anything else is TOML. An empty path yields the defaults. Environment
// overrides are applied after the file.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, cfg)
		default:
			err = toml.Unmarshal(data, cfg)
		}
		if err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	applyDefaults(cfg)

	if err := parseDurations(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv overrides a small set of fields from VIGIL_* variables
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup("VIGIL_DATA_DIR"); ok && v != "" {
		cfg.Storage.DataDir = v
	}
	if v, ok := lookup("VIGIL_PROMETHEUS_URL"); ok && v != "" {
		cfg.Metrics.PrometheusURL = v
	}
	if v, ok := lookup("VIGIL_LOG_LEVEL"); ok && v != "" {
		cfg.Log.Level = v
	}
	if v, ok := lookup("VIGIL_OTEL_ENDPOINT"); ok && v != "" {
		cfg.OTEL.Endpoint = v
	}
	if v, ok := lookup("VIGIL_METRICS_ADDR"); ok && v != "" {
		cfg.Server.MetricsAddr = v
	}
	if v, ok := lookup("VIGIL_TRACE_SAMPLE_RATE"); ok && v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("parse VIGIL_TRACE_SAMPLE_RATE %q: %w", v, err)
		}
		cfg.OTEL.Traces.SampleRate = rate
	}
	return nil
}

func applyDefaults(cfg *Config) {
	setString(&cfg.Storage.DataDir, defaultDataDir())

	setString(&cfg.Metrics.ResourceLabel, "instance")
	setString(&cfg.Metrics.StepStr, "5m")

	setString(&cfg.Learning.IntervalStr, "1h")
	setString(&cfg.Learning.WindowStr, "168h")
	setInt(&cfg.Learning.MinSamples, 100)
	setFloat(&cfg.Learning.WarningZ, 2.0)
	setFloat(&cfg.Learning.CriticalZ, 3.0)
	setInt(&cfg.Learning.Concurrency, 4)

	setString(&cfg.Trend.WindowStr, "24h")
	setFloat(&cfg.Trend.GrowthThreshold, 1.0)
	setFloat(&cfg.Trend.VolatilityRatio, 0.2)

	setString(&cfg.Forecast.WindowStr, "168h")
	setInt(&cfg.Forecast.MinPoints, 20)

	setString(&cfg.Patterns.RetentionStr, "2160h")
	setInt(&cfg.Patterns.MinEvents, 3)
	setString(&cfg.Patterns.MaintenanceIntervalStr, "10m")
	setString(&cfg.Patterns.AlertIntervalStr, "1m")

	setString(&cfg.Changes.IntervalStr, "5m")
	setInt(&cfg.Changes.MaxRetained, 1000)
	setFloat(&cfg.Changes.MemoryThreshold, 0.05)

	setInt(&cfg.Remediation.MaxRecords, 500)

	setString(&cfg.Context.TimeoutStr, "50ms")
	setInt(&cfg.Context.MaxChars, 8000)
	setInt(&cfg.Context.MaxChanges, 10)
	setInt(&cfg.Context.MaxRemediations, 5)

	setString(&cfg.OTEL.ServiceName, "vigil")
	setString(&cfg.Server.MetricsAddr, ":9464")
	setString(&cfg.Log.Level, "info")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".vigil"
	}
	return filepath.Join(home, ".vigil")
}

func setString(field *string, def string) {
	if *field == "" {
		*field = def
	}
}

func setInt(field *int, def int) {
	if *field == 0 {
		*field = def
	}
}

func setFloat(field *float64, def float64) {
	if *field == 0 {
		*field = def
	}
}

func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"metrics.step", cfg.Metrics.StepStr, &cfg.Metrics.Step},
		{"learning.interval", cfg.Learning.IntervalStr, &cfg.Learning.Interval},
		{"learning.window", cfg.Learning.WindowStr, &cfg.Learning.Window},
		{"trend.window", cfg.Trend.WindowStr, &cfg.Trend.Window},
		{"forecast.window", cfg.Forecast.WindowStr, &cfg.Forecast.Window},
		{"patterns.retention", cfg.Patterns.RetentionStr, &cfg.Patterns.Retention},
		{"patterns.maintenance_interval", cfg.Patterns.MaintenanceIntervalStr, &cfg.Patterns.MaintenanceInterval},
		{"patterns.alert_interval", cfg.Patterns.AlertIntervalStr, &cfg.Patterns.AlertInterval},
		{"changes.interval", cfg.Changes.IntervalStr, &cfg.Changes.Interval},
		{"context.timeout", cfg.Context.TimeoutStr, &cfg.Context.Timeout},
	}
	for _, f := range fields {
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parse %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// Validate checks the configuration is valid.
func (c *Config) Validate() error {
	if c.Learning.WarningZ <= 0 || c.Learning.CriticalZ < c.Learning.WarningZ {
		return fmt.Errorf("learning: need 0 < warning_z <= critical_z (got %v, %v)", c.Learning.WarningZ, c.Learning.CriticalZ)
	}
	if c.Learning.MinSamples < 2 {
		return fmt.Errorf("learning: min_samples must be at least 2 (got %d)", c.Learning.MinSamples)
	}
	if c.Learning.Concurrency < 1 {
		return fmt.Errorf("learning: concurrency must be positive (got %d)", c.Learning.Concurrency)
	}
	if c.Patterns.MinEvents < 3 {
		return fmt.Errorf("patterns: min_events must be at least 3 (got %d)", c.Patterns.MinEvents)
	}
	if c.Changes.MemoryThreshold < 0 || c.Changes.MemoryThreshold >= 1 {
		return fmt.Errorf("changes: memory_threshold must be in [0, 1) (got %v)", c.Changes.MemoryThreshold)
	}
	durations := map[string]time.Duration{
		"metrics.step":                  c.Metrics.Step,
		"learning.interval":             c.Learning.Interval,
		"learning.window":               c.Learning.Window,
		"trend.window":                  c.Trend.Window,
		"forecast.window":               c.Forecast.Window,
		"patterns.retention":            c.Patterns.Retention,
		"patterns.maintenance_interval": c.Patterns.MaintenanceInterval,
		"patterns.alert_interval":       c.Patterns.AlertInterval,
		"changes.interval":              c.Changes.Interval,
		"context.timeout":               c.Context.Timeout,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive (got %v)", name, d)
		}
	}
	for metric, limit := range c.Metrics.Limits {
		if limit <= 0 {
			return fmt.Errorf("metrics: limit for %s must be positive (got %v)", metric, limit)
		}
	}
	if c.Snapshots.Provider == "aws" && len(c.AWS.Regions) == 0 {
		return fmt.Errorf("aws: at least one region required")
	}
	if c.OTEL.Traces.SampleRate < 0.0 || c.OTEL.Traces.SampleRate > 1.0 {
		return fmt.Errorf("otel: traces.sample_rate must be between 0.0 and 1.0 (got %v)", c.OTEL.Traces.SampleRate)
	}
	return nil
}
