package policy

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/open-policy-agent/opa/v1/rego"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/vigil/telemetry"
	"github.com/yairfalse/vigil/types"
)

//go:embed default.rego
var defaultPolicy string

// DefaultPolicyName is the name of the embedded policy, always consulted last
const DefaultPolicyName = "default"

const query = "data.vigil.events"

// Source of a policy input
const (
	SourceChange      = "change"
	SourceRemediation = "remediation"
)

// Input is the document policies evaluate
type Input struct {
	Source      string                   `json:"source"`
	Change      *types.Change            `json:"change,omitempty"`
	Remediation *types.RemediationRecord `json:"remediation,omitempty"`
}

// Decision is the outcome of evaluating the loaded policies for one input
type Decision struct {
	Record   bool
	Suppress bool
	Kind     types.EventKind
	Reason   string
	Policy   string
}

type namedQuery struct {
	name  string
	query rego.PreparedEvalQuery
}

// Engine evaluates rego policies deciding which changes and remediations are
// recorded as historical events. It only classifies; it never acts.
type Engine struct {
	mu       sync.RWMutex
	user     []namedQuery
	fallback *namedQuery

	logger *telemetry.Logger
	tracer trace.Tracer
}

// NewEngine creates an engine with the embedded default policy loaded
func NewEngine(ctx context.Context, logger *telemetry.Logger) (*Engine, error) {
	if logger == nil {
		logger = telemetry.Nop()
	}
	e := &Engine{
		logger: logger,
		tracer: otel.Tracer("vigil.policy"),
	}

	prepared, err := compile(ctx, DefaultPolicyName, defaultPolicy)
	if err != nil {
		return nil, err
	}
	e.fallback = &namedQuery{name: DefaultPolicyName, query: prepared}
	return e, nil
}

func compile(ctx context.Context, name, code string) (rego.PreparedEvalQuery, error) {
	prepared, err := rego.New(
		rego.Query(query),
		rego.Module(name+".rego", code),
	).PrepareForEval(ctx)
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("failed to compile policy %s: %w", name, err)
	}
	return prepared, nil
}

// LoadPolicy compiles a user policy. A policy with the same name is replaced.
func (e *Engine) LoadPolicy(ctx context.Context, name, code string) error {
	if name == "" || name == DefaultPolicyName {
		return fmt.Errorf("invalid policy name %q", name)
	}

	ctx, span := e.tracer.Start(ctx, "policy.load",
		trace.WithAttributes(attribute.String("policy.name", name)))
	defer span.End()

	prepared, err := compile(ctx, name, code)
	if err != nil {
		e.logger.WithContext(ctx).Error().Err(err).Str("policy_name", name).Msg("policy rejected")
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.user {
		if e.user[i].name == name {
			e.user[i].query = prepared
			return nil
		}
	}
	e.user = append(e.user, namedQuery{name: name, query: prepared})
	sort.Slice(e.user, func(i, j int) bool { return e.user[i].name < e.user[j].name })

	e.logger.WithContext(ctx).Info().Str("policy_name", name).Msg("policy loaded")
	return nil
}

// Policies returns the loaded policy names in evaluation order
func (e *Engine) Policies() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.user)+1)
	for _, q := range e.user {
		names = append(names, q.name)
	}
	return append(names, DefaultPolicyName)
}

// Evaluate consults user policies in name order, then the default policy.
// The first policy that records or suppresses decides.
func (e *Engine) Evaluate(ctx context.Context, input Input) (Decision, error) {
	ctx, span := e.tracer.Start(ctx, "policy.evaluate",
		trace.WithAttributes(attribute.String("input.source", input.Source)))
	defer span.End()

	e.mu.RLock()
	queries := append(append([]namedQuery(nil), e.user...), *e.fallback)
	e.mu.RUnlock()

	var errs []error
	for _, q := range queries {
		results, err := q.query.Eval(ctx, rego.EvalInput(input))
		if err != nil {
			errs = append(errs, fmt.Errorf("policy %s: %w", q.name, err))
			continue
		}
		d := parseResults(results)
		d.Policy = q.name
		if d.Suppress {
			return Decision{Suppress: true, Policy: q.name, Reason: d.Reason}, nil
		}
		if d.Record && d.Kind != "" {
			span.SetAttributes(attribute.String("policy.matched", q.name), attribute.String("event.kind", string(d.Kind)))
			return d, nil
		}
	}
	return Decision{}, errors.Join(errs...)
}

// ClassifyChange returns the event kind a change should be recorded as
func (e *Engine) ClassifyChange(ctx context.Context, c types.Change) (types.EventKind, bool) {
	d, err := e.Evaluate(ctx, Input{Source: SourceChange, Change: &c})
	if err != nil {
		e.logger.WithContext(ctx).Warn().Err(err).Str("resource_id", c.ResourceID).Msg("change policy evaluation failed")
	}
	return d.Kind, d.Record
}

// ClassifyRemediation returns the event kind a remediation should be recorded as
func (e *Engine) ClassifyRemediation(ctx context.Context, r types.RemediationRecord) (types.EventKind, bool) {
	d, err := e.Evaluate(ctx, Input{Source: SourceRemediation, Remediation: &r})
	if err != nil {
		e.logger.WithContext(ctx).Warn().Err(err).Str("resource_id", r.ResourceID).Msg("remediation policy evaluation failed")
	}
	return d.Kind, d.Record
}

func parseResults(results rego.ResultSet) Decision {
	var d Decision
	for _, res := range results {
		if len(res.Expressions) == 0 {
			continue
		}
		doc, ok := res.Expressions[0].Value.(map[string]interface{})
		if !ok {
			continue
		}
		for key, value := range doc {
			bindField(key, value, &d)
		}
	}
	return d
}

func bindField(key string, value interface{}, d *Decision) {
	switch key {
	case "kind":
		if s, ok := value.(string); ok {
			d.Kind = types.EventKind(s)
		}
	case "reason":
		if s, ok := value.(string); ok {
			d.Reason = s
		}
	case "record":
		if b, ok := value.(bool); ok {
			d.Record = b
		}
	case "suppress":
		if b, ok := value.(bool); ok {
			d.Suppress = b
		}
	}
}
