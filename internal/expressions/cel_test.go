package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskdeck/workflow/pkg/schema"
)

func TestNewCELEngine(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	assert.NotNil(t, e)
	assert.Equal(t, "cel", e.Name())
}

func TestCELEngine_ImplementsEngine(t *testing.T) {
	var _ Engine = (*CELEngine)(nil)
}

func TestCEL_BooleanLiteral(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), "true", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCEL_ContextAccess(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := map[string]any{
		"context": map[string]any{
			"approved": true,
			"count":    int64(5),
		},
	}

	t.Run("boolean field", func(t *testing.T) {
		out, err := e.Evaluate(context.Background(), `context.approved == true`, data)
		require.NoError(t, err)
		assert.Equal(t, true, out)
	})

	t.Run("numeric comparison", func(t *testing.T) {
		out, err := e.Evaluate(context.Background(), `context.count > 3`, data)
		require.NoError(t, err)
		assert.Equal(t, true, out)
	})

	t.Run("numeric comparison false", func(t *testing.T) {
		out, err := e.Evaluate(context.Background(), `context.count > 10`, data)
		require.NoError(t, err)
		assert.Equal(t, false, out)
	})
}

func TestCEL_RunMetadataAccess(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := map[string]any{
		"run": map[string]any{"workflow_id": "deploy", "run_id": "r-1"},
	}

	out, err := e.Evaluate(context.Background(), `run.workflow_id == "deploy"`, data)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCEL_MissingNamespacesDefaultToEmptyMaps(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `"approved" in context`, nil)
	require.NoError(t, err)
	assert.Equal(t, false, out)
}

func TestCEL_EmptyExpression(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), "", map[string]any{})
	require.Error(t, err)
	engErr, ok := err.(*schema.EngineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, engErr.Code)
}

func TestCEL_CompileError(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), "context.count >", map[string]any{})
	require.Error(t, err)
	engErr, ok := err.(*schema.EngineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, engErr.Code)
}

func TestCEL_RuntimeErrorIsEvaluationError(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	// Field access on a missing key fails at runtime, not at compile time.
	_, err = e.Evaluate(context.Background(), `context.missing.field == 1`, map[string]any{
		"context": map[string]any{},
	})
	require.Error(t, err)
	engErr, ok := err.(*schema.EngineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeEvaluation, engErr.Code)
}

func TestCEL_ProgramCacheIsConcurrencySafe(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := map[string]any{"context": map[string]any{"n": int64(2)}}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.Evaluate(context.Background(), `context.n * 2`, data)
			assert.NoError(t, err)
			assert.Equal(t, int64(4), out)
		}()
	}
	wg.Wait()
}

func TestCEL_DeterministicAcrossCalls(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := map[string]any{
		"context": map[string]any{"score": int64(7), "threshold": int64(5)},
	}

	for i := 0; i < 5; i++ {
		out, err := e.Evaluate(context.Background(), `context.score >= context.threshold`, data)
		require.NoError(t, err)
		assert.Equal(t, true, out)
	}
}
