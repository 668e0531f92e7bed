package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskdeck/workflow/pkg/schema"
)

func newEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	ev, err := NewEvaluator()
	require.NoError(t, err)
	return ev
}

func TestEvaluator_DefaultsToCEL(t *testing.T) {
	ev := newEvaluator(t)

	out, err := ev.Evaluate(context.Background(), `context.ok`, map[string]any{
		"context": map[string]any{"ok": true},
	})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestEvaluator_JQPrefix(t *testing.T) {
	ev := newEvaluator(t)

	out, err := ev.Evaluate(context.Background(), `jq: .context.items | length`, map[string]any{
		"context": map[string]any{"items": []any{"a", "b", "c"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, out)
}

func TestEvaluator_ExprPrefix(t *testing.T) {
	ev := newEvaluator(t)

	out, err := ev.Evaluate(context.Background(), `expr: len(context.items) > 1`, map[string]any{
		"context": map[string]any{"items": []any{"a", "b"}},
	})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestEvaluator_EvaluateBool(t *testing.T) {
	ev := newEvaluator(t)
	data := map[string]any{"context": map[string]any{"count": int64(4)}}

	ok, err := ev.EvaluateBool(context.Background(), `context.count > 2`, data)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ev.EvaluateBool(context.Background(), `context.count > 10`, data)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluator_EvaluateBool_NonBooleanIsError(t *testing.T) {
	ev := newEvaluator(t)

	_, err := ev.EvaluateBool(context.Background(), `context.count`, map[string]any{
		"context": map[string]any{"count": int64(4)},
	})
	require.Error(t, err)
	engErr, ok := err.(*schema.EngineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeEvaluation, engErr.Code)
}

func TestEvaluator_EvaluateList(t *testing.T) {
	ev := newEvaluator(t)

	items, err := ev.EvaluateList(context.Background(), `context.files`, map[string]any{
		"context": map[string]any{"files": []any{"a.go", "b.go"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"a.go", "b.go"}, items)
}

func TestEvaluator_EvaluateList_EmptyArray(t *testing.T) {
	ev := newEvaluator(t)

	items, err := ev.EvaluateList(context.Background(), `context.files`, map[string]any{
		"context": map[string]any{"files": []any{}},
	})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestEvaluator_EvaluateList_NonArrayIsError(t *testing.T) {
	ev := newEvaluator(t)

	_, err := ev.EvaluateList(context.Background(), `context.files`, map[string]any{
		"context": map[string]any{"files": "not an array"},
	})
	require.Error(t, err)
	engErr, ok := err.(*schema.EngineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeEvaluation, engErr.Code)
}

func TestEvaluator_EvaluateList_JQFilter(t *testing.T) {
	ev := newEvaluator(t)

	items, err := ev.EvaluateList(context.Background(),
		`jq: [.context.files[] | select(.size > 10)]`,
		map[string]any{
			"context": map[string]any{"files": []any{
				map[string]any{"name": "a", "size": 20},
				map[string]any{"name": "b", "size": 5},
			}},
		})
	require.NoError(t, err)
	require.Len(t, items, 1)
}

func TestEvaluator_Transform(t *testing.T) {
	ev := newEvaluator(t)

	out, err := ev.Transform(context.Background(), `{total: (.items | length)}`, map[string]any{
		"items": []any{1, 2, 3},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"total": 3}, out)
}
