package validation

import "github.com/taskdeck/workflow/pkg/schema"

// WorkflowValidator orchestrates the two-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (agent refs, step refs, per-variant config, escalation targets)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
}

// NewWorkflowValidator creates a WorkflowValidator.
func NewWorkflowValidator() (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{jsonSchema: jsv}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: the semantic stage is skipped.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	result := validateStructural(wv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def))
	return result
}

// ValidateDefinition returns a DEFINITION_ERROR when the definition is invalid.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	result := wv.Validate(def)
	if result.Valid() {
		return nil
	}
	err := result.ToError()
	if engErr, ok := err.(*schema.EngineError); ok {
		engErr.Code = schema.ErrCodeDefinition
	}
	return err
}

// ValidateOutput delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateOutput(output map[string]any, outputSchema []byte) error {
	return wv.jsonSchema.ValidateOutput(output, outputSchema)
}

// validateStructural wraps JSONSchemaValidator.ValidateDefinition, converting
// its error output into ValidationResult.
func validateStructural(v *JSONSchemaValidator, def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	engErr, ok := err.(*schema.EngineError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if engErr.Details != nil {
		if violations, ok := engErr.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError("/", schema.ErrCodeValidation, v)
			}
			return result
		}
	}
	result.AddError("/", schema.ErrCodeValidation, engErr.Message)
	return result
}
