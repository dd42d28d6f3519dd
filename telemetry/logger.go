package telemetry

import (
	"context"
	"io"
	"os"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTELHook adds trace and span IDs to every log entry
type OTELHook struct{}

func (h OTELHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	ctx := e.GetCtx()
	if ctx == nil {
		return
	}

	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return
	}

	e.Str("trace_id", span.SpanContext().TraceID().String())
	e.Str("span_id", span.SpanContext().SpanID().String())

	if level == zerolog.ErrorLevel {
		span.SetStatus(codes.Error, msg)
	}
}

// Logger wraps zerolog with OTEL integration
type Logger struct {
	zerolog.Logger
}

// NewLogger creates a JSON logger on stderr tagged with the component name
func NewLogger(component string) *Logger {
	return NewLoggerTo(os.Stderr, component)
}

// NewLoggerTo creates a logger writing to w
func NewLoggerTo(w io.Writer, component string) *Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	logger := zerolog.New(w).
		With().
		Timestamp().
		Str("component", component).
		Logger().
		Hook(OTELHook{})

	return &Logger{Logger: logger}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{Logger: zerolog.Nop()}
}

// WithContext returns a logger with context (for trace propagation)
func (l *Logger) WithContext(ctx context.Context) *zerolog.Logger {
	logger := l.Logger.With().Ctx(ctx).Logger()
	return &logger
}

// LogLearningFailure records a skipped per-resource learning pass
func (l *Logger) LogLearningFailure(ctx context.Context, resourceID, metric string, err error) {
	l.WithContext(ctx).Warn().
		Err(err).
		Str("resource_id", resourceID).
		Str("metric", metric).
		Str("operation", "learn").
		Msg("learning pass skipped")
}

// LogPersistFailure records a failed persistence flush
func (l *Logger) LogPersistFailure(ctx context.Context, bucket string, err error) {
	l.WithContext(ctx).Error().
		Err(err).
		Str("bucket", bucket).
		Str("operation", "persist").
		Msg("persistence flush failed, retrying next cycle")
}

// LogCorruptRecord records a persisted record that was dropped on load
func (l *Logger) LogCorruptRecord(ctx context.Context, bucket, key string, err error) {
	l.WithContext(ctx).Error().
		Err(err).
		Str("bucket", bucket).
		Str("key", key).
		Str("operation", "load").
		Msg("dropping corrupt record")
}

// LogLoaded records how many records a component restored at startup
func (l *Logger) LogLoaded(ctx context.Context, bucket string, count int) {
	l.WithContext(ctx).Info().
		Str("bucket", bucket).
		Int("records", count).
		Str("operation", "load").
		Msg("restored persisted state")
}
