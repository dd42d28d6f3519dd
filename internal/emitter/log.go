package emitter

import (
	"context"
	"sort"

	"github.com/yairfalse/vigil/analyzer"
	"github.com/yairfalse/vigil/telemetry"
)

// LogEmitter writes a structured summary of each cycle, plus one line per
// anomaly and per forecast within the horizon.
type LogEmitter struct {
	logger *telemetry.Logger
	// HorizonDays limits logged forecasts; 0 logs all
	HorizonDays float64
}

// NewLogEmitter creates a log emitter.
func NewLogEmitter(logger *telemetry.Logger, horizonDays float64) *LogEmitter {
	if logger == nil {
		logger = telemetry.Nop()
	}
	return &LogEmitter{logger: logger, HorizonDays: horizonDays}
}

// Emit logs the cycle.
func (e *LogEmitter) Emit(ctx context.Context, cycle Cycle) error {
	log := e.logger.WithContext(ctx)

	for _, a := range cycle.Anomalies {
		log.Warn().
			Str("resource_id", a.ResourceID).
			Str("metric", a.Metric).
			Str("severity", string(a.Severity)).
			Float64("z_score", a.ZScore).
			Float64("value", a.Value).
			Msg(a.Description)
	}

	for _, f := range e.forecasts(cycle.Insights) {
		log.Info().
			Str("resource_id", f.ResourceID).
			Str("metric", f.Metric).
			Float64("current", f.Current).
			Float64("limit", f.Limit).
			Float64("days_left", f.DaysLeft).
			Bool("at_limit", f.AtLimit).
			Time("eta", f.ETA).
			Msg("capacity forecast")
	}

	log.Info().
		Int("resources", len(cycle.Insights)).
		Int("learned", cycle.Learned).
		Int("failed", cycle.Failed).
		Int("anomalies", len(cycle.Anomalies)).
		Dur("duration", cycle.Duration).
		Msg("learning cycle complete")

	return nil
}

func (e *LogEmitter) forecasts(insights []analyzer.ResourceInsights) []analyzer.CapacityForecast {
	var out []analyzer.CapacityForecast
	for _, ins := range insights {
		for _, f := range ins.Forecasts {
			if f == nil {
				continue
			}
			if e.HorizonDays > 0 && !f.AtLimit && f.DaysLeft > e.HorizonDays {
				continue
			}
			out = append(out, *f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DaysLeft < out[j].DaysLeft })
	return out
}

// Close is a no-op for the log emitter.
func (e *LogEmitter) Close() error {
	return nil
}
