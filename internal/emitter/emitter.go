// Package emitter publishes the results of each learning cycle.
package emitter

import (
	"context"
	"time"

	"github.com/yairfalse/vigil/analyzer"
	"github.com/yairfalse/vigil/baseline"
)

// Cycle is the outcome of one learning pass over every resource.
type Cycle struct {
	Insights  []analyzer.ResourceInsights
	Anomalies []baseline.Anomaly
	Learned   int
	Failed    int
	Duration  time.Duration
	At        time.Time
}

// Emitter outputs learning results to a backend.
type Emitter interface {
	// Emit publishes one completed cycle.
	Emit(ctx context.Context, cycle Cycle) error

	// Close cleans up resources.
	Close() error
}

// MultiEmitter fans out to multiple emitters.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter creates an emitter that sends to multiple backends.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	return &MultiEmitter{emitters: emitters}
}

// Emit sends to all emitters, returns first error.
func (m *MultiEmitter) Emit(ctx context.Context, cycle Cycle) error {
	for _, e := range m.emitters {
		if err := e.Emit(ctx, cycle); err != nil {
			return err
		}
	}
	return nil
}

// Close closes all emitters.
func (m *MultiEmitter) Close() error {
	for _, e := range m.emitters {
		if err := e.Close(); err != nil {
			return err
		}
	}
	return nil
}
