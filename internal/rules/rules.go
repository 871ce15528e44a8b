// Package rules applies per-event-type CEL expressions to trace event payloads.
//
// Each expression sees the payload as the map variable `data` and must
// evaluate to true, e.g.
//
//	HARVESTED:
//	  - has(data.quantity_kg) && double(data.quantity_kg) > 0.0
package rules

import (
	"fmt"
	"sort"

	"github.com/google/cel-go/cel"

	"github.com/jmerrifield20/agritrace/internal/tracechain"
)

type rule struct {
	expr string
	prg  cel.Program
}

// Engine holds compiled payload rules. It implements tracechain.PayloadValidator.
type Engine struct {
	rules map[tracechain.EventType][]rule
}

// Compile builds an Engine from expressions keyed by event type. Unknown
// event types and expressions that fail to compile are errors.
func Compile(exprs map[string][]string) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("data", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	e := &Engine{rules: make(map[tracechain.EventType][]rule)}
	keys := make([]string, 0, len(exprs))
	for k := range exprs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		typ := tracechain.EventType(k)
		if !typ.Valid() {
			return nil, fmt.Errorf("rules: unknown event type %q", k)
		}
		for _, expr := range exprs[k] {
			ast, issues := env.Compile(expr)
			if issues != nil && issues.Err() != nil {
				return nil, fmt.Errorf("rules: compile %s %q: %w", k, expr, issues.Err())
			}
			prg, err := env.Program(ast,
				cel.InterruptCheckFrequency(100),
				cel.CostLimit(10000),
			)
			if err != nil {
				return nil, fmt.Errorf("rules: program %s %q: %w", k, expr, err)
			}
			e.rules[typ] = append(e.rules[typ], rule{expr: expr, prg: prg})
		}
	}
	return e, nil
}

// Len returns the total number of compiled rules.
func (e *Engine) Len() int {
	n := 0
	for _, rs := range e.rules {
		n += len(rs)
	}
	return n
}

// ValidatePayload implements tracechain.PayloadValidator. The first rule that
// is false or fails to evaluate rejects the payload.
func (e *Engine) ValidatePayload(eventType tracechain.EventType, data map[string]any) error {
	for _, r := range e.rules[eventType] {
		out, _, err := r.prg.Eval(map[string]any{"data": data})
		if err != nil {
			return &tracechain.ValidationError{
				Field:  "event_data",
				Reason: fmt.Sprintf("rule %q: %v", r.expr, err),
			}
		}
		ok, isBool := out.Value().(bool)
		if !isBool {
			return &tracechain.ValidationError{
				Field:  "event_data",
				Reason: fmt.Sprintf("rule %q did not return a boolean", r.expr),
			}
		}
		if !ok {
			return &tracechain.ValidationError{
				Field:  "event_data",
				Reason: fmt.Sprintf("rule %q not satisfied", r.expr),
			}
		}
	}
	return nil
}
