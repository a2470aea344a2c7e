package expressions

import (
	"context"
	"strings"

	"github.com/quantorhq/quantor/pkg/schema"
)

// celPrefix selects the CEL engine for a step condition.
const celPrefix = "cel:"

// ConditionEvaluator routes step conditions to the right engine and coerces
// the outcome to a boolean. Empty conditions are always true.
type ConditionEvaluator struct {
	expr *ExprEngine
	cel  *CELEngine
}

// NewConditionEvaluator creates a ConditionEvaluator with both engines ready.
func NewConditionEvaluator() (*ConditionEvaluator, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &ConditionEvaluator{
		expr: NewExprEngine(),
		cel:  celEngine,
	}, nil
}

// Evaluate runs a condition against the scope. The default language is expr;
// a "cel:" prefix switches to CEL. The result must be a boolean (nil counts
// as false); anything else is an expression error.
func (c *ConditionEvaluator) Evaluate(ctx context.Context, condition string, scope *Scope) (bool, error) {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return true, nil
	}

	var engine Engine = c.expr
	if strings.HasPrefix(condition, celPrefix) {
		engine = c.cel
		condition = strings.TrimSpace(strings.TrimPrefix(condition, celPrefix))
	}

	out, err := engine.Evaluate(ctx, condition, scope.Data())
	if err != nil {
		return false, err
	}

	switch v := out.(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeExpression,
			"condition %q evaluated to %T, want bool", condition, out).
			WithDetails(map[string]any{"expression": condition})
	}
}
