package validation

import (
	"fmt"
	"time"

	"github.com/taskdeck/workflow/pkg/schema"
)

// validateSemantic performs semantic analysis on the workflow definition.
// Checks: agent refs declared, unique step ids, per-variant config presence,
// escalation target format, retry/verify step refs, schema refs, quorums.
func validateSemantic(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	agentIDs := make(map[string]bool, len(def.Agents))
	for i, a := range def.Agents {
		if agentIDs[a.ID] {
			result.AddError(fmt.Sprintf("agents[%d].id", i), schema.ErrCodeValidation,
				fmt.Sprintf("duplicate agent id %q", a.ID))
		}
		agentIDs[a.ID] = true
	}

	stepIndex := make(map[string]int, len(def.Steps))
	for i, s := range def.Steps {
		if _, dup := stepIndex[s.ID]; dup {
			result.AddError(fmt.Sprintf("steps[%d].id", i), schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step id %q", s.ID))
			continue
		}
		stepIndex[s.ID] = i
	}

	for i := range def.Steps {
		validateStepSemantic(def, &def.Steps[i], i, fmt.Sprintf("steps[%d]", i), agentIDs, stepIndex, result)
	}

	return result
}

func validateStepSemantic(def *schema.WorkflowDefinition, step *schema.WorkflowStep, index int, path string,
	agentIDs map[string]bool, stepIndex map[string]int, result *schema.ValidationResult) {

	validateTimeout(step.Timeout, path+".timeout", result)
	validateOutputRef(def, step.Output, path+".output", result)

	if step.OnFail != nil {
		validateFailurePolicy(step, index, path+".on_fail", agentIDs, stepIndex, result)
	}
	if step.AcceptanceCriteria != "" && step.Type == schema.StepTypeGate {
		result.AddWarning(path+".acceptance_criteria", schema.ErrCodeValidation,
			"acceptance_criteria has no effect on gate steps")
	}

	switch step.Type {
	case schema.StepTypeAgent:
		requireAgent(step.Agent, path, agentIDs, result)

	case schema.StepTypeLoop:
		requireAgent(step.Agent, path, agentIDs, result)
		if step.Loop == nil {
			result.AddError(path+".loop", schema.ErrCodeValidation,
				fmt.Sprintf("loop step %q requires a loop config", step.ID))
			return
		}
		if step.Loop.VerifyEach && step.Loop.VerifyStep == "" {
			result.AddError(path+".loop.verify_step", schema.ErrCodeValidation,
				"verify_each requires verify_step")
		}
		if vs := step.Loop.VerifyStep; vs != "" {
			if _, ok := stepIndex[vs]; !ok {
				result.AddError(path+".loop.verify_step", schema.ErrCodeValidation,
					fmt.Sprintf("references non-existent step %q", vs))
			} else if vs == step.ID {
				result.AddError(path+".loop.verify_step", schema.ErrCodeValidation,
					"verify_step cannot reference the loop itself")
			}
		}

	case schema.StepTypeGate:
		if step.Condition == "" {
			result.AddError(path+".condition", schema.ErrCodeValidation,
				fmt.Sprintf("gate step %q requires a condition", step.ID))
		}
		if step.OnFalse != nil {
			validateEscalationTarget(step.OnFalse.EscalateTo, path+".on_false.escalate_to", agentIDs, result)
		}

	case schema.StepTypeParallel:
		if step.Parallel == nil {
			result.AddError(path+".parallel", schema.ErrCodeValidation,
				fmt.Sprintf("parallel step %q requires a parallel config", step.ID))
			return
		}
		subIDs := make(map[string]bool, len(step.Parallel.Steps))
		for j, sub := range step.Parallel.Steps {
			subPath := fmt.Sprintf("%s.parallel.steps[%d]", path, j)
			if subIDs[sub.ID] {
				result.AddError(subPath+".id", schema.ErrCodeValidation,
					fmt.Sprintf("duplicate sub-step id %q", sub.ID))
			}
			subIDs[sub.ID] = true
			requireAgent(sub.Agent, subPath, agentIDs, result)
			validateTimeout(sub.Timeout, subPath+".timeout", result)
			validateOutputRef(def, sub.Output, subPath+".output", result)
		}
		if n := step.Parallel.Completion.Count; n > len(step.Parallel.Steps) {
			result.AddError(path+".parallel.completion", schema.ErrCodeValidation,
				fmt.Sprintf("quorum %d exceeds sub-step count %d", n, len(step.Parallel.Steps)))
		}
		validateTimeout(step.Parallel.Timeout, path+".parallel.timeout", result)
	}
}

func requireAgent(agentID, path string, agentIDs map[string]bool, result *schema.ValidationResult) {
	if agentID == "" {
		result.AddError(path+".agent", schema.ErrCodeValidation, "agent is required")
		return
	}
	if !agentIDs[agentID] {
		result.AddError(path+".agent", schema.ErrCodeValidation,
			fmt.Sprintf("references undeclared agent %q", agentID))
	}
}

func validateFailurePolicy(step *schema.WorkflowStep, index int, path string,
	agentIDs map[string]bool, stepIndex map[string]int, result *schema.ValidationResult) {

	p := step.OnFail
	if p.RetryStep != "" {
		target, ok := stepIndex[p.RetryStep]
		switch {
		case !ok:
			result.AddError(path+".retry_step", schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent step %q", p.RetryStep))
		case target >= index:
			// The supervisor can only rewind; a redirect forward (or to the
			// failing step itself) would be rejected at runtime.
			result.AddError(path+".retry_step", schema.ErrCodeValidation,
				fmt.Sprintf("step %q does not precede step %q", p.RetryStep, step.ID))
		}
	}
	if p.EscalateTo != "" {
		validateEscalationTarget(p.EscalateTo, path+".escalate_to", agentIDs, result)
	}
	if p.OnExhausted != nil {
		validateEscalationTarget(p.OnExhausted.EscalateTo, path+".on_exhausted.escalate_to", agentIDs, result)
	}
}

// validateEscalationTarget accepts "human", "skip", or "agent:<declared id>".
func validateEscalationTarget(target, path string, agentIDs map[string]bool, result *schema.ValidationResult) {
	switch target {
	case schema.EscalateHuman, schema.EscalateSkip:
		return
	}
	if id, ok := schema.EscalationAgent(target); ok {
		if !agentIDs[id] {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("escalation references undeclared agent %q", id))
		}
		return
	}
	result.AddError(path, schema.ErrCodeValidation,
		fmt.Sprintf("invalid escalation target %q: expected human, skip, or agent:<id>", target))
}

func validateOutputRef(def *schema.WorkflowDefinition, out *schema.OutputSpec, path string, result *schema.ValidationResult) {
	if out == nil || out.Schema == "" {
		return
	}
	if _, ok := def.Schemas[out.Schema]; !ok {
		result.AddError(path+".schema", schema.ErrCodeValidation,
			fmt.Sprintf("references undefined schema %q", out.Schema))
	}
}

func validateTimeout(timeout, path string, result *schema.ValidationResult) {
	if timeout == "" {
		return
	}
	if _, err := time.ParseDuration(timeout); err != nil {
		result.AddError(path, schema.ErrCodeValidation,
			fmt.Sprintf("invalid duration %q", timeout))
	}
}
