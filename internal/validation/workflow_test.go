package validation

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskdeck/workflow/pkg/schema"
)

func newValidator(t *testing.T) *WorkflowValidator {
	t.Helper()
	wv, err := NewWorkflowValidator()
	require.NoError(t, err)
	return wv
}

func validDefinition() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:   "code-review",
		Name: "Code Review",
		Agents: []schema.WorkflowAgent{
			{ID: "planner", Role: "plan"},
			{ID: "coder", Role: "implement"},
			{ID: "reviewer", Role: "review"},
		},
		Steps: []schema.WorkflowStep{
			{ID: "plan", Type: schema.StepTypeAgent, Agent: "planner", Input: "plan ${{context.task}}"},
			{
				ID: "implement", Type: schema.StepTypeLoop, Agent: "coder",
				Loop: &schema.LoopConfig{Over: "context.plan.files", VerifyEach: true, VerifyStep: "verify"},
			},
			{ID: "verify", Type: schema.StepTypeAgent, Agent: "reviewer"},
			{
				ID: "check", Type: schema.StepTypeGate, Condition: "context.tests_passed == true",
				OnFalse: &schema.EscalationPolicy{EscalateTo: "agent:coder"},
			},
			{
				ID: "review", Type: schema.StepTypeParallel,
				Parallel: &schema.ParallelConfig{
					Steps: []schema.ParallelSubStep{
						{ID: "security", Agent: "reviewer"},
						{ID: "style", Agent: "reviewer"},
					},
					Completion: schema.ParallelCompletion{Any: true},
				},
			},
		},
	}
}

func TestValidate_ValidDefinition(t *testing.T) {
	wv := newValidator(t)
	result := wv.Validate(validDefinition())
	assert.True(t, result.Valid(), "errors: %v", result.Errors)
}

func TestValidate_ShippedExampleDefinition(t *testing.T) {
	raw, err := os.ReadFile(filepath.Join("..", "..", "examples", "code-review", "workflow.json"))
	require.NoError(t, err)

	var def schema.WorkflowDefinition
	require.NoError(t, json.Unmarshal(raw, &def))

	wv := newValidator(t)
	result := wv.Validate(&def)
	assert.True(t, result.Valid(), "errors: %v", result.Errors)
}

func TestValidate_NilDefinition(t *testing.T) {
	wv := newValidator(t)
	assert.False(t, wv.Validate(nil).Valid())
}

func TestValidate_MissingRequiredFields(t *testing.T) {
	wv := newValidator(t)
	def := validDefinition()
	def.Name = ""
	result := wv.Validate(def)
	assert.False(t, result.Valid())
}

func TestValidate_UnknownStepType(t *testing.T) {
	wv := newValidator(t)
	def := validDefinition()
	def.Steps[0].Type = "subroutine"
	assert.False(t, wv.Validate(def).Valid())
}

func TestValidate_BadTimeoutFormat(t *testing.T) {
	wv := newValidator(t)
	def := validDefinition()
	def.Steps[0].Timeout = "five minutes"
	assert.False(t, wv.Validate(def).Valid())
}

func TestValidate_DuplicateStepIDs(t *testing.T) {
	wv := newValidator(t)
	def := validDefinition()
	def.Steps[2].ID = "plan"
	result := wv.Validate(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "duplicate step id")
}

func TestValidate_UndeclaredAgent(t *testing.T) {
	wv := newValidator(t)
	def := validDefinition()
	def.Steps[0].Agent = "ghost"
	result := wv.Validate(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "undeclared agent")
}

func TestValidate_LoopRequiresConfig(t *testing.T) {
	wv := newValidator(t)
	def := validDefinition()
	def.Steps[1].Loop = nil
	assert.False(t, wv.Validate(def).Valid())
}

func TestValidate_VerifyEachRequiresVerifyStep(t *testing.T) {
	wv := newValidator(t)
	def := validDefinition()
	def.Steps[1].Loop.VerifyStep = ""
	result := wv.Validate(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "verify_step")
}

func TestValidate_VerifyStepMustExist(t *testing.T) {
	wv := newValidator(t)
	def := validDefinition()
	def.Steps[1].Loop.VerifyStep = "nonexistent"
	assert.False(t, wv.Validate(def).Valid())
}

func TestValidate_GateRequiresCondition(t *testing.T) {
	wv := newValidator(t)
	def := validDefinition()
	def.Steps[3].Condition = ""
	assert.False(t, wv.Validate(def).Valid())
}

func TestValidate_EscalationTargetFormat(t *testing.T) {
	wv := newValidator(t)

	def := validDefinition()
	def.Steps[3].OnFalse.EscalateTo = "manager"
	result := wv.Validate(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "invalid escalation target")

	def = validDefinition()
	def.Steps[3].OnFalse.EscalateTo = "agent:ghost"
	assert.False(t, wv.Validate(def).Valid())

	for _, target := range []string{"human", "skip", "agent:coder"} {
		def = validDefinition()
		def.Steps[3].OnFalse.EscalateTo = target
		assert.True(t, wv.Validate(def).Valid(), "target %q should be valid", target)
	}
}

func TestValidate_RetryStepMustExist(t *testing.T) {
	wv := newValidator(t)
	def := validDefinition()
	def.Steps[0].OnFail = &schema.FailurePolicy{Retry: 2, RetryStep: "nonexistent"}
	assert.False(t, wv.Validate(def).Valid())
}

func TestValidate_RetryStepMustPrecedeFailingStep(t *testing.T) {
	wv := newValidator(t)

	// Forward redirect: the target comes after the failing step.
	def := validDefinition()
	def.Steps[0].OnFail = &schema.FailurePolicy{Retry: 1, RetryStep: "verify"}
	result := wv.Validate(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "does not precede")

	// Self redirect is rejected too.
	def = validDefinition()
	def.Steps[2].OnFail = &schema.FailurePolicy{Retry: 1, RetryStep: "verify"}
	assert.False(t, wv.Validate(def).Valid())

	// Rewinding to an earlier step is the supported shape.
	def = validDefinition()
	def.Steps[2].OnFail = &schema.FailurePolicy{Retry: 1, RetryStep: "plan"}
	assert.True(t, wv.Validate(def).Valid())
}

func TestValidate_QuorumBounds(t *testing.T) {
	wv := newValidator(t)
	def := validDefinition()
	def.Steps[4].Parallel.Completion = schema.ParallelCompletion{Count: 3}
	result := wv.Validate(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "quorum")

	def.Steps[4].Parallel.Completion = schema.ParallelCompletion{Count: 2}
	assert.True(t, wv.Validate(def).Valid())
}

func TestValidate_OutputSchemaRefMustExist(t *testing.T) {
	wv := newValidator(t)
	def := validDefinition()
	def.Steps[0].Output = &schema.OutputSpec{File: "plan.json", Schema: "plan_schema"}
	result := wv.Validate(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "undefined schema")

	def.Schemas = map[string]json.RawMessage{"plan_schema": json.RawMessage(`{"type":"object"}`)}
	assert.True(t, wv.Validate(def).Valid())
}

func TestValidateDefinition_ReturnsDefinitionError(t *testing.T) {
	wv := newValidator(t)
	def := validDefinition()
	def.Steps[0].Agent = "ghost"

	err := wv.ValidateDefinition(def)
	require.Error(t, err)
	engErr, ok := err.(*schema.EngineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeDefinition, engErr.Code)
}

func TestValidateOutput(t *testing.T) {
	wv := newValidator(t)
	outputSchema := []byte(`{
		"type": "object",
		"required": ["files"],
		"properties": {"files": {"type": "array", "items": {"type": "string"}}}
	}`)

	err := wv.ValidateOutput(map[string]any{"files": []any{"a.go"}}, outputSchema)
	assert.NoError(t, err)

	err = wv.ValidateOutput(map[string]any{"files": "a.go"}, outputSchema)
	require.Error(t, err)
	engErr, ok := err.(*schema.EngineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, engErr.Code)

	// No schema means no validation.
	assert.NoError(t, wv.ValidateOutput(map[string]any{"anything": 1}, nil))
}
