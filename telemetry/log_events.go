package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/vigil/types"
)

// RecordChangeDetectedEvent adds a change.detected event to the span
func RecordChangeDetectedEvent(span trace.Span, change types.Change) {
	if span == nil {
		return
	}

	span.AddEvent("change.detected", trace.WithAttributes(
		attribute.String("event.type", "change.detected"),
		attribute.String("change.type", string(change.Type)),
		attribute.String("change.id", change.ID),
		attribute.String("resource.id", change.ResourceID),
		attribute.String("resource.type", change.ResourceType),
		attribute.String("message", change.Description),
	))
}

// RecordAnomalyEvent adds an anomaly.detected event to the span
func RecordAnomalyEvent(span trace.Span, resourceID, metric, severity string, zScore, value float64) {
	if span == nil {
		return
	}

	span.AddEvent("anomaly.detected", trace.WithAttributes(
		attribute.String("event.type", "anomaly.detected"),
		attribute.String("resource.id", resourceID),
		attribute.String("metric", metric),
		attribute.String("severity", severity),
		attribute.Float64("z_score", zScore),
		attribute.Float64("value", value),
	))
}

// RecordSectionUnavailableEvent marks a context section that was omitted
func RecordSectionUnavailableEvent(span trace.Span, section, reason string) {
	if span == nil {
		return
	}

	span.AddEvent("context.section.unavailable", trace.WithAttributes(
		attribute.String("section", section),
		attribute.String("reason", reason),
	))
}
