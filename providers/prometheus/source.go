// Package prometheus reads metric history and fired alerts from a Prometheus
// HTTP API.
package prometheus

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	"github.com/yairfalse/vigil/providers"
	"github.com/yairfalse/vigil/telemetry"
	"github.com/yairfalse/vigil/types"
)

// maxPoints keeps range queries under the server's per-series point limit
const maxPoints = 11000

// API is the subset of the Prometheus v1 API used by Source
type API interface {
	QueryRange(ctx context.Context, query string, r v1.Range, opts ...v1.Option) (model.Value, v1.Warnings, error)
	LabelValues(ctx context.Context, label string, matches []string, startTime, endTime time.Time, opts ...v1.Option) (model.LabelValues, v1.Warnings, error)
	Alerts(ctx context.Context) (v1.AlertsResult, error)
}

// DefaultQueries are node_exporter percentages keyed by metric name. $resource
// is replaced by the quoted resource id.
var DefaultQueries = map[string]string{
	types.MetricCPU:    `100 * (1 - avg(rate(node_cpu_seconds_total{mode="idle",instance=$resource}[5m])))`,
	types.MetricMemory: `100 * (1 - node_memory_MemAvailable_bytes{instance=$resource} / node_memory_MemTotal_bytes{instance=$resource})`,
	types.MetricDisk:   `100 * (1 - node_filesystem_avail_bytes{instance=$resource,mountpoint="/"} / node_filesystem_size_bytes{instance=$resource,mountpoint="/"})`,
}

// Config for a Prometheus source
type Config struct {
	Address         string
	ResourceLabel   string
	ResourceMatcher string
	Step            time.Duration
	Queries         map[string]string

	Clock  clockwork.Clock
	Logger *telemetry.Logger
}

func (c *Config) applyDefaults() {
	if c.ResourceLabel == "" {
		c.ResourceLabel = "instance"
	}
	if c.ResourceMatcher == "" {
		c.ResourceMatcher = "up"
	}
	if c.Step <= 0 {
		c.Step = 5 * time.Minute
	}
	if len(c.Queries) == 0 {
		c.Queries = DefaultQueries
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = telemetry.Nop()
	}
}

// Source implements providers.MetricSource and providers.AlertSource
type Source struct {
	api    API
	config Config
}

var (
	_ providers.MetricSource = (*Source)(nil)
	_ providers.AlertSource  = (*Source)(nil)
)

// New connects to the Prometheus server at config.Address
func New(config Config) (*Source, error) {
	client, err := api.NewClient(api.Config{Address: config.Address})
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus client: %w", err)
	}
	return NewWithAPI(v1.NewAPI(client), config), nil
}

// NewWithAPI wraps an existing API client
func NewWithAPI(a API, config Config) *Source {
	config.applyDefaults()
	return &Source{api: a, config: config}
}

// Metrics returns the configured metric names, sorted
func (s *Source) Metrics() []string {
	names := make([]string, 0, len(s.config.Queries))
	for name := range s.config.Queries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetMetrics runs the metric's range query over the trailing window
func (s *Source) GetMetrics(ctx context.Context, resourceID, metric string, window time.Duration) ([]types.Sample, error) {
	tmpl, ok := s.config.Queries[metric]
	if !ok {
		return nil, fmt.Errorf("no query configured for metric %q", metric)
	}
	query := strings.ReplaceAll(tmpl, "$resource", quote(resourceID))

	end := s.config.Clock.Now()
	step := s.config.Step
	if n := window / step; n > maxPoints {
		step = window / maxPoints
	}

	value, warnings, err := s.api.QueryRange(ctx, query, v1.Range{
		Start: end.Add(-window),
		End:   end,
		Step:  step,
	})
	if err != nil {
		return nil, fmt.Errorf("query %s for %s: %w", metric, resourceID, err)
	}
	s.logWarnings(ctx, warnings)

	matrix, ok := value.(model.Matrix)
	if !ok {
		return nil, fmt.Errorf("query %s for %s: unexpected result type %s", metric, resourceID, value.Type())
	}

	var samples []types.Sample
	for _, stream := range matrix {
		for _, pair := range stream.Values {
			v := float64(pair.Value)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			samples = append(samples, types.Sample{Timestamp: pair.Timestamp.Time().UTC(), Value: v})
		}
	}
	return types.NormalizeSamples(samples), nil
}

// GetResourceIDs lists values of the resource label seen in the last hour
func (s *Source) GetResourceIDs(ctx context.Context) ([]string, error) {
	end := s.config.Clock.Now()
	values, warnings, err := s.api.LabelValues(ctx, s.config.ResourceLabel, []string{s.config.ResourceMatcher}, end.Add(-time.Hour), end)
	if err != nil {
		return nil, fmt.Errorf("list %s values: %w", s.config.ResourceLabel, err)
	}
	s.logWarnings(ctx, warnings)

	ids := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			ids = append(ids, string(v))
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// FetchAlerts returns firing alerts that became active after since
func (s *Source) FetchAlerts(ctx context.Context, since time.Time) ([]providers.Alert, error) {
	result, err := s.api.Alerts(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch alerts: %w", err)
	}

	var out []providers.Alert
	for _, a := range result.Alerts {
		if a.State != v1.AlertStateFiring || !a.ActiveAt.After(since) {
			continue
		}
		resourceID := string(a.Labels[model.LabelName(s.config.ResourceLabel)])
		if resourceID == "" {
			continue
		}
		alertType := string(a.Labels["alert_type"])
		if alertType == "" {
			alertType = snakeCase(string(a.Labels[model.AlertNameLabel]))
		}
		out = append(out, providers.Alert{
			ResourceID: resourceID,
			AlertType:  alertType,
			FiredAt:    a.ActiveAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FiredAt.Before(out[j].FiredAt) })
	return out, nil
}

func (s *Source) logWarnings(ctx context.Context, warnings v1.Warnings) {
	for _, w := range warnings {
		s.config.Logger.WithContext(ctx).Warn().Str("warning", w).Msg("prometheus query warning")
	}
}

// quote renders a PromQL string literal
func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)
	return `"` + r.Replace(s) + `"`
}

// snakeCase turns alert names like MemoryWarning into memory_warning
func snakeCase(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]))) && runes[i-1] != '_' {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
