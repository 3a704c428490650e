// Package filter decides which user events the relay forwards to consensus, using a
// CEL expression evaluated against each event.
//
// The expression sees one variable, `event`, a map with:
//
//	event.name    string
//	event.payload the payload parsed as JSON, or the raw text when it is not JSON
//	event.source  string  (serf-rpc, serf-monitor, redis-stream, api)
//	event.size    int     payload length in bytes
//
// Example: `event.name.startsWith("transfer") && event.size < 4096`
package filter

import (
	"encoding/json"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/Edge-Emulator/Edge-Emulator/pkg/events"
)

// Filter is a compiled relay filter. The zero value and a nil *Filter allow everything.
type Filter struct {
	expr string
	prg  cel.Program
}

// Compile builds a Filter. An empty expression allows every event.
func Compile(expr string) (*Filter, error) {
	if expr == "" {
		return &Filter{}, nil
	}
	env, err := cel.NewEnv(cel.Variable("event", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("filter compile: %w", issues.Err())
	}
	if ot := ast.OutputType(); !ot.IsExactType(cel.BoolType) && !ot.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("filter compile: expression returns %s, want bool", ot)
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("filter program: %w", err)
	}
	return &Filter{expr: expr, prg: prg}, nil
}

func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.expr
}

// Allow evaluates the filter against ev.
func (f *Filter) Allow(ev events.Event) (bool, error) {
	if f == nil || f.prg == nil {
		return true, nil
	}
	out, _, err := f.prg.Eval(map[string]any{"event": activation(ev)})
	if err != nil {
		return false, fmt.Errorf("filter eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("filter eval: result not bool")
	}
	return val, nil
}

func activation(ev events.Event) map[string]any {
	var payload any = string(ev.Payload)
	var parsed any
	if json.Unmarshal(ev.Payload, &parsed) == nil {
		payload = parsed
	}
	return map[string]any{
		"name":    ev.Name,
		"payload": payload,
		"source":  ev.Source,
		"size":    int64(len(ev.Payload)),
	}
}
