package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/taskdeck/workflow/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for WorkflowDefinition validation.
// Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://taskdeck.dev/schemas/workflow.json",
  "type": "object",
  "required": ["id", "name", "agents", "steps"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "name": { "type": "string", "minLength": 1 },
    "version": { "type": "integer", "minimum": 0 },
    "agents": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/agent" }
    },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "variables": { "type": "object" },
    "schemas": {
      "type": "object",
      "additionalProperties": { "type": "object" }
    },
    "policies": {
      "type": "object",
      "additionalProperties": { "$ref": "#/$defs/tool_policy" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "agent": {
      "type": "object",
      "required": ["id", "role"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "name": { "type": "string" },
        "role": { "type": "string", "minLength": 1 },
        "model": { "type": "string" }
      },
      "additionalProperties": false
    },
    "tool_policy": {
      "type": "object",
      "properties": {
        "allowed": { "type": "array", "items": { "type": "string" } },
        "denied": { "type": "array", "items": { "type": "string" } }
      },
      "additionalProperties": false
    },
    "duration": {
      "type": "string",
      "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
    },
    "step": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "name": { "type": "string" },
        "type": {
          "type": "string",
          "enum": ["agent", "loop", "gate", "parallel"]
        },
        "agent": { "type": "string" },
        "input": { "type": "string" },
        "output": { "$ref": "#/$defs/output" },
        "acceptance_criteria": { "type": "string" },
        "on_fail": { "$ref": "#/$defs/failure_policy" },
        "timeout": { "$ref": "#/$defs/duration" },
        "session": { "$ref": "#/$defs/session" },
        "loop": { "$ref": "#/$defs/loop" },
        "condition": { "type": "string" },
        "on_false": { "$ref": "#/$defs/escalation" },
        "parallel": { "$ref": "#/$defs/parallel" }
      },
      "additionalProperties": false
    },
    "output": {
      "type": "object",
      "required": ["file"],
      "properties": {
        "file": { "type": "string", "minLength": 1 },
        "schema": { "type": "string" },
        "transform": { "type": "string" }
      },
      "additionalProperties": false
    },
    "failure_policy": {
      "type": "object",
      "properties": {
        "retry": { "type": "integer", "minimum": 0 },
        "retry_delay_ms": { "type": "integer", "minimum": 0 },
        "retry_step": { "type": "string" },
        "escalate_to": { "type": "string" },
        "escalate_message": { "type": "string" },
        "on_exhausted": { "$ref": "#/$defs/escalation" }
      },
      "additionalProperties": false
    },
    "escalation": {
      "type": "object",
      "required": ["escalate_to"],
      "properties": {
        "escalate_to": { "type": "string", "minLength": 1 },
        "escalate_message": { "type": "string" }
      },
      "additionalProperties": false
    },
    "session": {
      "type": "object",
      "properties": {
        "mode": { "type": "string", "enum": ["fresh", "reuse"] },
        "context": { "type": "string", "enum": ["minimal", "full", "custom"] },
        "includeOutputsFrom": { "type": "array", "items": { "type": "string" } },
        "cleanup": { "type": "string", "enum": ["delete", "keep"] },
        "timeout": { "$ref": "#/$defs/duration" }
      },
      "additionalProperties": false
    },
    "loop": {
      "type": "object",
      "required": ["over"],
      "properties": {
        "over": { "type": "string", "minLength": 1 },
        "item_var": { "type": "string" },
        "index_var": { "type": "string" },
        "completion": {
          "type": "string",
          "enum": ["all_done", "any_done", "first_success"]
        },
        "fresh_session_per_iteration": { "type": "boolean" },
        "verify_each": { "type": "boolean" },
        "verify_step": { "type": "string" },
        "max_iterations": { "type": "integer", "minimum": 0 },
        "continue_on_error": { "type": "boolean" }
      },
      "additionalProperties": false
    },
    "parallel": {
      "type": "object",
      "required": ["steps"],
      "properties": {
        "steps": {
          "type": "array",
          "minItems": 1,
          "items": { "$ref": "#/$defs/parallel_step" }
        },
        "completion": {
          "oneOf": [
            { "type": "string", "enum": ["all", "any"] },
            { "type": "string", "pattern": "^[1-9][0-9]*$" },
            { "type": "integer", "minimum": 1 }
          ]
        },
        "fail_fast": { "type": "boolean" },
        "timeout": { "$ref": "#/$defs/duration" }
      },
      "additionalProperties": false
    },
    "parallel_step": {
      "type": "object",
      "required": ["id", "agent"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "agent": { "type": "string", "minLength": 1 },
        "input": { "type": "string" },
        "output": { "$ref": "#/$defs/output" },
        "timeout": { "$ref": "#/$defs/duration" }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates definitions and step outputs using JSON
// Schema Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema

	// mu guards the cache for dynamic schema compilation.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a validator with the workflow schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource("https://taskdeck.dev/schemas/workflow.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}

	wfSchema, err := c.Compile("https://taskdeck.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &JSONSchemaValidator{
		workflowSchema: wfSchema,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition validates a WorkflowDefinition against the workflow JSON Schema.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow definition").WithCause(err)
	}

	if err := v.workflowSchema.Validate(doc); err != nil {
		return toEngineError(err)
	}

	return nil
}

// ValidateOutput validates a step's structured output against a JSON Schema
// provided as raw bytes. The schema is compiled and cached for subsequent calls.
func (v *JSONSchemaValidator) ValidateOutput(output map[string]any, outputSchema []byte) error {
	if len(outputSchema) == 0 {
		return nil // no schema means no validation needed
	}

	compiled, err := v.getOrCompile(outputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid output schema").WithCause(err)
	}

	// Convert output to JSON-compatible value (json.Number for numbers).
	doc, err := toJSONValue(output)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize output").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toEngineError(err)
	}

	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("taskdeck://output-schema/%d", len(v.cache))

	// Use a fresh compiler per dynamic schema to avoid resource collision.
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toEngineError converts a jsonschema.ValidationError into an EngineError
// with clear, actionable messages.
func toEngineError(err error) *schema.EngineError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
