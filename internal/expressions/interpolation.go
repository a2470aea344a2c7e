package expressions

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/quantorhq/quantor/pkg/schema"
)

// Interpolator resolves ${{...}} references in step args before dispatch.
// Supported namespaces: vars.*, steps.*, inputs.*, context.*.
type Interpolator struct{}

// NewInterpolator creates a new Interpolator.
func NewInterpolator() *Interpolator {
	return &Interpolator{}
}

// HasInterpolation checks if an args map contains any ${{...}} references.
func HasInterpolation(args map[string]any) bool {
	if len(args) == 0 {
		return false
	}
	b, err := json.Marshal(args)
	if err != nil {
		return false
	}
	return strings.Contains(string(b), "${{")
}

// ResolveArgs interpolates every ${{...}} reference in the args map against
// the scope and returns the resolved map. Args without references are
// returned unchanged.
func (interp *Interpolator) ResolveArgs(args map[string]any, scope *Scope) (map[string]any, error) {
	if !HasInterpolation(args) {
		return args, nil
	}

	raw, err := json.Marshal(args)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExpression, "serialize args for interpolation").WithCause(err)
	}

	resolved, err := interp.resolve(string(raw), scope)
	if err != nil {
		return nil, err
	}

	out := make(map[string]any)
	if err := json.Unmarshal([]byte(resolved), &out); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"interpolation produced invalid JSON: %s", err.Error()).WithCause(err)
	}
	return out, nil
}

// resolve scans for ${{...}} tokens and replaces them with resolved values.
func (interp *Interpolator) resolve(input string, scope *Scope) (string, error) {
	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "${{")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}

		// Write everything before the marker.
		result.WriteString(input[i : i+idx])
		start := i + idx + 3 // skip "${{".

		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeExpression, "unclosed ${{ expression")
		}
		end += start

		expr := strings.TrimSpace(input[start:end])

		// Reject recursive interpolation: no nested ${{ inside the expression.
		if strings.Contains(expr, "${{") {
			return "", schema.NewError(schema.ErrCodeExpression,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}

		if expr == "" {
			return "", schema.NewError(schema.ErrCodeExpression, "empty variable reference: ${{  }}")
		}

		val, err := interp.resolveExpr(expr, scope)
		if err != nil {
			return "", err
		}

		result.WriteString(marshalInline(val))

		i = end + 2 // skip "}}".
	}

	return result.String(), nil
}

// resolveExpr resolves a single reference path like "vars.quote.price".
func (interp *Interpolator) resolveExpr(expr string, scope *Scope) (any, error) {
	parts := strings.SplitN(expr, ".", 2)
	namespace := parts[0]
	if len(parts) < 2 || parts[1] == "" {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"invalid reference %q: expected <namespace>.<field>", expr).
			WithDetails(map[string]any{"expression": expr})
	}
	fieldPath := parts[1]

	var data map[string]any
	switch namespace {
	case "vars":
		data = scope.Vars
	case "steps":
		data = scope.Steps
	case "inputs":
		data = scope.Inputs
	case "context":
		data = scope.Context
	default:
		available := []string{"vars", "steps", "inputs", "context"}
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"unknown namespace %q in ${{%s}}; available: %s", namespace, expr, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": expr, "available_namespaces": available})
	}

	if data == nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"cannot resolve %q: %s scope is empty", expr, namespace).
			WithDetails(map[string]any{"expression": expr})
	}

	// Try direct key lookup first (supports keys with dots).
	if val, ok := data[fieldPath]; ok {
		return val, nil
	}

	return traversePath(data, fieldPath, expr)
}

// traversePath navigates into nested maps using a dot-delimited path.
func traversePath(root any, path, expr string) (any, error) {
	segments := strings.Split(path, ".")
	current := root

	for i, seg := range segments {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"empty segment in path %q at position %d", expr, i).
				WithDetails(map[string]any{"expression": expr})
		}

		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				availableKeys := mapKeys(v)
				return nil, schema.NewErrorf(schema.ErrCodeExpression,
					"field %q not found in %q; available: [%s]", seg, expr, strings.Join(availableKeys, ", ")).
					WithDetails(map[string]any{"expression": expr, "available_fields": availableKeys})
			}
			current = val
		default:
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"cannot traverse into non-object at %q in %q (type: %T)", seg, expr, current).
				WithDetails(map[string]any{"expression": expr})
		}
	}

	return current, nil
}

// marshalInline converts a resolved value into its inline JSON representation.
// Strings are embedded bare so references inside larger strings concatenate
// naturally; complex values are JSON-encoded inline.
func marshalInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// mapKeys returns sorted keys from a map[string]any.
func mapKeys(m map[string]any) []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		key := keys[i]
		j := i - 1
		for j >= 0 && keys[j] > key {
			keys[j+1] = keys[j]
			j--
		}
		keys[j+1] = key
	}
	return keys
}
