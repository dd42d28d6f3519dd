package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Tracer is the engine-wide tracer; it follows the global provider
var Tracer = otel.Tracer("github.com/yairfalse/vigil")

// Metrics holds the engine instruments. A nil *Metrics records nothing.
type Metrics struct {
	baselinesLearned metric.Int64Counter
	learningFailures metric.Int64Counter
	learningDuration metric.Float64Histogram
	changesDetected  metric.Int64Counter
	patternEvents    metric.Int64Counter
	contextDuration  metric.Float64Histogram
	contextDegraded  metric.Int64Counter
	anomalies        metric.Int64Counter
}

// NewMetrics creates the instruments on meter
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.baselinesLearned, err = meter.Int64Counter("vigil.baselines.learned",
		metric.WithDescription("Baselines learned or relearned"),
		metric.WithUnit("{baseline}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create baselines_learned counter: %w", err)
	}

	if m.learningFailures, err = meter.Int64Counter("vigil.learning.failures",
		metric.WithDescription("Per-resource learning passes skipped after an error"),
		metric.WithUnit("{failure}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create learning_failures counter: %w", err)
	}

	if m.learningDuration, err = meter.Float64Histogram("vigil.learning.cycle.duration",
		metric.WithDescription("Duration of a full learning cycle"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create learning_duration histogram: %w", err)
	}

	if m.changesDetected, err = meter.Int64Counter("vigil.changes.detected",
		metric.WithDescription("Infrastructure changes detected"),
		metric.WithUnit("{change}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create changes_detected counter: %w", err)
	}

	if m.patternEvents, err = meter.Int64Counter("vigil.pattern.events",
		metric.WithDescription("Historical events recorded for pattern detection"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create pattern_events counter: %w", err)
	}

	if m.contextDuration, err = meter.Float64Histogram("vigil.context.build.duration",
		metric.WithDescription("Duration of context builds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create context_duration histogram: %w", err)
	}

	if m.contextDegraded, err = meter.Int64Counter("vigil.context.degraded",
		metric.WithDescription("Context sections omitted because a collaborator was unavailable"),
		metric.WithUnit("{section}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create context_degraded counter: %w", err)
	}

	if m.anomalies, err = meter.Int64Counter("vigil.anomalies",
		metric.WithDescription("Anomalies reported in assembled context"),
		metric.WithUnit("{anomaly}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create anomalies counter: %w", err)
	}

	return m, nil
}

// RecordBaselinesLearned counts baselines produced for a resource
func (m *Metrics) RecordBaselinesLearned(ctx context.Context, count int) {
	if m == nil || count == 0 {
		return
	}
	m.baselinesLearned.Add(ctx, int64(count))
}

// RecordLearningFailure counts a skipped learning pass
func (m *Metrics) RecordLearningFailure(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.learningFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordLearningCycle records the duration of a learning cycle
func (m *Metrics) RecordLearningCycle(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.learningDuration.Record(ctx, d.Seconds())
}

// RecordChange counts a detected change by type
func (m *Metrics) RecordChange(ctx context.Context, changeType string) {
	if m == nil {
		return
	}
	m.changesDetected.Add(ctx, 1, metric.WithAttributes(attribute.String("change_type", changeType)))
}

// RecordPatternEvent counts a recorded historical event
func (m *Metrics) RecordPatternEvent(ctx context.Context, kind, source string) {
	if m == nil {
		return
	}
	m.patternEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("source", source),
	))
}

// RecordContextBuild records a context build duration by scope (resource or infrastructure)
func (m *Metrics) RecordContextBuild(ctx context.Context, scope string, d time.Duration, degraded bool) {
	if m == nil {
		return
	}
	m.contextDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("scope", scope),
		attribute.Bool("degraded", degraded),
	))
}

// RecordSectionDegraded counts an omitted context section
func (m *Metrics) RecordSectionDegraded(ctx context.Context, section string) {
	if m == nil {
		return
	}
	m.contextDegraded.Add(ctx, 1, metric.WithAttributes(attribute.String("section", section)))
}

// RecordAnomaly counts an anomaly by severity
func (m *Metrics) RecordAnomaly(ctx context.Context, severity string) {
	if m == nil {
		return
	}
	m.anomalies.Add(ctx, 1, metric.WithAttributes(attribute.String("severity", severity)))
}
