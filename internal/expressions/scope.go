package expressions

import (
	"encoding/json"

	"github.com/taskdeck/workflow/pkg/schema"
)

// BuildData assembles the evaluation data map exposing the fixed top-level
// namespaces used by every engine: "context" and "run". The context snapshot
// is used as-is; callers pass a frozen copy when isolation matters.
func BuildData(contextSnapshot map[string]any, run *schema.WorkflowRun) map[string]any {
	return map[string]any{
		"context": contextSnapshot,
		"run":     RunMeta(run),
	}
}

// RunMeta exposes run metadata to expressions and templates. Only stable
// identifying fields are included, never the mutable step history.
func RunMeta(run *schema.WorkflowRun) map[string]any {
	if run == nil {
		return map[string]any{}
	}
	return map[string]any{
		"run_id":           run.ID,
		"workflow_id":      run.WorkflowID,
		"workflow_version": run.WorkflowVersion,
		"task_id":          run.TaskID,
		"requested_by":     run.RequestedBy,
		"status":           string(run.Status),
	}
}

// NewScope builds an InterpolationScope over a context snapshot and run metadata.
func NewScope(contextSnapshot map[string]any, run *schema.WorkflowRun) *InterpolationScope {
	return &InterpolationScope{
		Context: contextSnapshot,
		Run:     RunMeta(run),
	}
}

// DeepCopyMap creates a deep copy of a map[string]any.
func DeepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = DeepCopyAny(v)
	}
	return cp
}

// DeepCopyAny recursively deep-copies a value.
// Handles maps, slices, and primitives (which are inherently immutable).
func DeepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return DeepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = DeepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		// Primitives (string, float64, bool, nil, int, int64) are value types.
		return v
	}
}
