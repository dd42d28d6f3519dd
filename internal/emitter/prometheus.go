package emitter

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/vigil/analyzer"
	"github.com/yairfalse/vigil/baseline"
)

// PrometheusEmitter exposes the latest cycle as OTEL observable gauges, which
// the Prometheus exporter serves on /metrics.
type PrometheusEmitter struct {
	meter metric.Meter

	latest       metric.Float64ObservableGauge
	trendRate    metric.Float64ObservableGauge
	trendConf    metric.Float64ObservableGauge
	forecastDays metric.Float64ObservableGauge
	anomalyZ     metric.Float64ObservableGauge
	lastCycle    metric.Float64ObservableGauge
	registration metric.Registration

	// State for observable gauges
	mu        sync.RWMutex
	insights  []analyzer.ResourceInsights
	anomalies []baseline.Anomaly
	cycleSecs float64
	hasCycle  bool
}

// NewPrometheusEmitter creates a Prometheus emitter on meter.
func NewPrometheusEmitter(meter metric.Meter) (*PrometheusEmitter, error) {
	e := &PrometheusEmitter{meter: meter}

	if err := e.initMetrics(); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	return e, nil
}

func (e *PrometheusEmitter) initMetrics() error {
	var err error

	e.latest, err = e.meter.Float64ObservableGauge(
		"vigil.metric.latest",
		metric.WithDescription("Latest observed value per resource metric"),
	)
	if err != nil {
		return fmt.Errorf("create metric_latest gauge: %w", err)
	}

	e.trendRate, err = e.meter.Float64ObservableGauge(
		"vigil.trend.rate_per_day",
		metric.WithDescription("Trend slope in metric units per day"),
	)
	if err != nil {
		return fmt.Errorf("create trend_rate gauge: %w", err)
	}

	e.trendConf, err = e.meter.Float64ObservableGauge(
		"vigil.trend.confidence",
		metric.WithDescription("Trend regression R squared"),
	)
	if err != nil {
		return fmt.Errorf("create trend_confidence gauge: %w", err)
	}

	e.forecastDays, err = e.meter.Float64ObservableGauge(
		"vigil.forecast.days_left",
		metric.WithDescription("Days until a growing metric reaches its limit"),
		metric.WithUnit("d"),
	)
	if err != nil {
		return fmt.Errorf("create forecast_days gauge: %w", err)
	}

	e.anomalyZ, err = e.meter.Float64ObservableGauge(
		"vigil.anomaly.zscore",
		metric.WithDescription("Z-score of anomalous latest values"),
	)
	if err != nil {
		return fmt.Errorf("create anomaly_zscore gauge: %w", err)
	}

	e.lastCycle, err = e.meter.Float64ObservableGauge(
		"vigil.learning.last_cycle.duration",
		metric.WithDescription("Duration of the most recent learning cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("create last_cycle gauge: %w", err)
	}

	e.registration, err = e.meter.RegisterCallback(e.observe,
		e.latest, e.trendRate, e.trendConf, e.forecastDays, e.anomalyZ, e.lastCycle)
	if err != nil {
		return fmt.Errorf("register callback: %w", err)
	}

	return nil
}

// Emit stores the cycle for the next collection.
func (e *PrometheusEmitter) Emit(_ context.Context, cycle Cycle) error {
	e.mu.Lock()
	e.insights = cycle.Insights
	e.anomalies = cycle.Anomalies
	e.cycleSecs = cycle.Duration.Seconds()
	e.hasCycle = true
	e.mu.Unlock()
	return nil
}

func (e *PrometheusEmitter) observe(_ context.Context, o metric.Observer) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.hasCycle {
		o.ObserveFloat64(e.lastCycle, e.cycleSecs)
	}

	for _, ins := range e.insights {
		for m, v := range ins.Latest {
			o.ObserveFloat64(e.latest, v, metric.WithAttributes(
				attribute.String("resource_id", ins.ResourceID),
				attribute.String("metric", m),
			))
		}
		for m, t := range ins.Trends {
			attrs := metric.WithAttributes(
				attribute.String("resource_id", ins.ResourceID),
				attribute.String("metric", m),
				attribute.String("direction", string(t.Direction)),
			)
			o.ObserveFloat64(e.trendRate, t.RatePerDay, attrs)
			o.ObserveFloat64(e.trendConf, t.Confidence, attrs)
		}
		for m, f := range ins.Forecasts {
			if f == nil {
				continue
			}
			o.ObserveFloat64(e.forecastDays, f.DaysLeft, metric.WithAttributes(
				attribute.String("resource_id", ins.ResourceID),
				attribute.String("metric", m),
			))
		}
	}

	for _, a := range e.anomalies {
		o.ObserveFloat64(e.anomalyZ, a.ZScore, metric.WithAttributes(
			attribute.String("resource_id", a.ResourceID),
			attribute.String("metric", a.Metric),
			attribute.String("severity", string(a.Severity)),
		))
	}

	return nil
}

// Close unregisters the gauge callback.
func (e *PrometheusEmitter) Close() error {
	if e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
