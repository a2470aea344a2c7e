package expressions

import "context"

// Engine evaluates expressions against pipeline run state.
// Three implementations: Expr (default conditions), CEL ("cel:" conditions),
// GoJQ (result transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Scope holds all data available to conditions and ${{...}} interpolation
// during one pipeline run.
type Scope struct {
	Vars    map[string]any // run variables bound via storeResultAs
	Steps   map[string]any // named step results
	Inputs  map[string]any // run input params
	Context map[string]any // userId, sessionId, pass-through context
}

// Data flattens the scope into the top-level environment used by the
// expression engines: vars, steps, inputs, context.
func (s *Scope) Data() map[string]any {
	data := make(map[string]any, 4)
	for _, ns := range []struct {
		key string
		m   map[string]any
	}{
		{"vars", s.Vars},
		{"steps", s.Steps},
		{"inputs", s.Inputs},
		{"context", s.Context},
	} {
		if ns.m != nil {
			data[ns.key] = ns.m
		} else {
			data[ns.key] = map[string]any{}
		}
	}
	return data
}
