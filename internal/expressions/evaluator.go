package expressions

import (
	"context"
	"strings"

	"github.com/taskdeck/workflow/pkg/schema"
)

// Expression language prefixes. Unprefixed expressions evaluate as CEL.
const (
	prefixJQ   = "jq:"
	prefixExpr = "expr:"
)

// Evaluator routes expressions to the right engine based on an optional
// language prefix. Gate conditions, loop sources, and acceptance criteria all
// go through here so every call site accepts the same three languages.
type Evaluator struct {
	cel  *CELEngine
	expr *ExprEngine
	jq   *GoJQEngine
}

// NewEvaluator creates an Evaluator with all three engines initialized.
func NewEvaluator() (*Evaluator, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Evaluator{
		cel:  celEngine,
		expr: NewExprEngine(),
		jq:   NewGoJQEngine(),
	}, nil
}

// Evaluate dispatches on the expression's language prefix and evaluates it
// against the data map. Data carries the fixed top-level namespaces
// "context" and "run".
func (ev *Evaluator) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	expression = strings.TrimSpace(expression)
	switch {
	case strings.HasPrefix(expression, prefixJQ):
		return ev.jq.Evaluate(ctx, strings.TrimSpace(strings.TrimPrefix(expression, prefixJQ)), data)
	case strings.HasPrefix(expression, prefixExpr):
		return ev.expr.Evaluate(ctx, strings.TrimSpace(strings.TrimPrefix(expression, prefixExpr)), data)
	default:
		return ev.cel.Evaluate(ctx, expression, data)
	}
}

// EvaluateBool evaluates an expression that must produce a boolean.
// Non-boolean results are an evaluation error, never a silent coercion.
func (ev *Evaluator) EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	out, err := ev.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeEvaluation,
			"expression %q must evaluate to a boolean, got %T", expression, out).
			WithDetails(map[string]any{"expression": expression, "result": out})
	}
	return b, nil
}

// EvaluateList evaluates an expression that must produce an array, such as a
// loop's iteration source.
func (ev *Evaluator) EvaluateList(ctx context.Context, expression string, data map[string]any) ([]any, error) {
	out, err := ev.Evaluate(ctx, expression, data)
	if err != nil {
		return nil, err
	}
	switch v := out.(type) {
	case []any:
		return v, nil
	case nil:
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
			"expression %q must evaluate to an array, got null", expression).
			WithDetails(map[string]any{"expression": expression})
	default:
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
			"expression %q must evaluate to an array, got %T", expression, out).
			WithDetails(map[string]any{"expression": expression, "result": out})
	}
}

// Transform applies a jq program directly to a step's structured output.
// Unlike Evaluate, the output itself is the jq input document.
func (ev *Evaluator) Transform(ctx context.Context, program string, output map[string]any) (any, error) {
	program = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(program), prefixJQ))
	return ev.jq.Evaluate(ctx, program, output)
}
