package daemon

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DaemonMetrics holds loop metrics using OTEL semantic conventions. A nil
// *DaemonMetrics records nothing.
type DaemonMetrics struct {
	cycles        metric.Int64Counter
	cycleDuration metric.Float64Histogram
	resources     metric.Int64Gauge
}

// NewDaemonMetrics creates daemon metrics on the global meter provider
func NewDaemonMetrics() (*DaemonMetrics, error) {
	return NewDaemonMetricsWithMeter(otel.Meter("vigil.daemon"))
}

// NewDaemonMetricsWithMeter creates daemon metrics on meter
func NewDaemonMetricsWithMeter(meter metric.Meter) (*DaemonMetrics, error) {
	cycles, err := meter.Int64Counter(
		"vigil.daemon.cycles",
		metric.WithDescription("Number of background loop cycles"),
		metric.WithUnit("{cycle}"),
	)
	if err != nil {
		return nil, err
	}

	cycleDuration, err := meter.Float64Histogram(
		"vigil.daemon.cycle.duration",
		metric.WithDescription("Duration of background loop cycles"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, err
	}

	resources, err := meter.Int64Gauge(
		"vigil.daemon.resources",
		metric.WithDescription("Resources seen by the last cycle of a loop"),
		metric.WithUnit("{resource}"),
	)
	if err != nil {
		return nil, err
	}

	return &DaemonMetrics{
		cycles:        cycles,
		cycleDuration: cycleDuration,
		resources:     resources,
	}, nil
}

// RecordCycle records one loop cycle with its status and duration
func (m *DaemonMetrics) RecordCycle(ctx context.Context, loop, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.cycles.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("loop", loop),
			attribute.String("status", status),
		),
	)
	m.cycleDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("loop", loop),
		),
	)
}

// RecordResources records how many resources a loop processed
func (m *DaemonMetrics) RecordResources(ctx context.Context, loop string, count int) {
	if m == nil {
		return
	}
	m.resources.Record(ctx, int64(count),
		metric.WithAttributes(
			attribute.String("loop", loop),
		),
	)
}
