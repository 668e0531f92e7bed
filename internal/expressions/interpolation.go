package expressions

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/taskdeck/workflow/pkg/schema"
)

// InterpolationScope holds all data available for ${{...}} resolution in
// step input templates.
type InterpolationScope struct {
	Context map[string]any // the run's accumulated context
	Run     map[string]any // run metadata (run_id, workflow_id, task_id)
}

// Interpolator resolves ${{...}} references in step input templates.
type Interpolator struct{}

// NewInterpolator creates a new Interpolator.
func NewInterpolator() *Interpolator {
	return &Interpolator{}
}

// Resolve scans the template for ${{...}} tokens and replaces each with the
// referenced value. Supported namespaces: context.*, run.*. Strings embed
// as-is; structured values embed as inline JSON.
func (interp *Interpolator) Resolve(template string, scope *InterpolationScope) (string, error) {
	if !strings.Contains(template, "${{") {
		return template, nil
	}

	var result strings.Builder
	result.Grow(len(template))

	i := 0
	for i < len(template) {
		idx := strings.Index(template[i:], "${{")
		if idx == -1 {
			result.WriteString(template[i:])
			break
		}

		result.WriteString(template[i : i+idx])
		start := i + idx + 3 // skip "${{".

		end := strings.Index(template[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeEvaluation, "unclosed ${{ expression")
		}
		end += start

		expr := strings.TrimSpace(template[start:end])

		// Reject recursive interpolation: no nested ${{ inside the expression.
		if strings.Contains(expr, "${{") {
			return "", schema.NewError(schema.ErrCodeEvaluation,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}

		if expr == "" {
			return "", schema.NewError(schema.ErrCodeEvaluation, "empty variable reference: ${{  }}")
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

// resolveExpr resolves a single reference like "context.plan.files".
func (interp *Interpolator) resolveExpr(expr string, scope *InterpolationScope) (any, error) {
	parts := strings.SplitN(expr, ".", 2)
	namespace := parts[0]

	var data map[string]any
	switch namespace {
	case "context":
		data = scope.Context
	case "run":
		data = scope.Run
	default:
		available := []string{"context", "run"}
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
			"unknown namespace %q in ${{%s}}; available: %s", namespace, expr, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": expr, "available_namespaces": available})
	}

	if len(parts) < 2 || parts[1] == "" {
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
			"invalid reference %q: expected %s.<field>", expr, namespace).
			WithDetails(map[string]any{"expression": expr})
	}

	return interp.resolveFromMap(data, parts[1], expr, namespace)
}

// resolveFromMap resolves a dot-delimited field path from a map.
func (interp *Interpolator) resolveFromMap(data map[string]any, fieldPath, expr, namespace string) (any, error) {
	if data == nil {
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
			"cannot resolve %q: %s scope is empty", expr, namespace).
			WithDetails(map[string]any{"expression": expr})
	}

	// Try direct key lookup first (supports keys with dots).
	if val, ok := data[fieldPath]; ok {
		return val, nil
	}

	return interp.traversePath(data, fieldPath, expr)
}

// traversePath navigates into nested maps using a dot-delimited path.
func (interp *Interpolator) traversePath(root any, path, expr string) (any, error) {
	segments := strings.Split(path, ".")
	current := root

	for i, seg := range segments {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
				"empty segment in path %q at position %d", expr, i).
				WithDetails(map[string]any{"expression": expr})
		}

		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				availableKeys := mapKeys(v)
				return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
					"field %q not found in %q; available: [%s]", seg, expr, strings.Join(availableKeys, ", ")).
					WithDetails(map[string]any{"expression": expr, "available_fields": availableKeys})
			}
			current = val
		default:
			return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
				"cannot traverse into non-object at %q in %q (type: %T)", seg, expr, current).
				WithDetails(map[string]any{"expression": expr})
		}
	}

	return current, nil
}

// marshalInline converts a resolved value into its inline representation.
// Strings embed without extra quotes; structured values JSON-encode inline.
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
	sort.Strings(keys)
	return keys
}

// HasInterpolation checks if a template contains any ${{...}} references.
func HasInterpolation(s string) bool {
	return strings.Contains(s, "${{")
}
