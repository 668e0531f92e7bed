package engine

import (
	"context"

	"github.com/taskdeck/workflow/internal/expressions"
	"github.com/taskdeck/workflow/internal/logging"
	"github.com/taskdeck/workflow/pkg/schema"
)

// runGateStep evaluates a gate condition against the current context. A true
// result completes the gate; a false result (or an evaluation error) routes
// through the gate's on_false policy. When on_false escalates to an agent,
// the fallback agent runs and the condition is re-evaluated against the
// updated context, repeating until the gate passes, the agent fails, or the
// run is cancelled.
func (s *Supervisor) runGateStep(ctx context.Context, run *schema.WorkflowRun, def *schema.WorkflowDefinition, cs *ContextStore, step *schema.WorkflowStep) error {
	ctx = logging.WithStepID(ctx, step.ID)
	sr := run.EnsureStepRun(step.ID, "")
	if err := s.stepFSM.Transition(ctx, run, sr, schema.StepStatusRunning); err != nil {
		return err
	}
	if err := s.checkpoint(ctx, run, cs); err != nil {
		return err
	}

	for {
		if cerr := ctx.Err(); cerr != nil {
			return schema.NewError(schema.ErrCodeCancelled, "gate evaluation cancelled").
				WithStep(step.ID).WithCause(cerr)
		}

		ok, evalErr := s.evaluator.EvaluateBool(ctx, step.Condition,
			expressions.BuildData(cs.Snapshot(), run))

		changes := map[string]any{"condition": step.Condition, "result": ok}
		if evalErr != nil {
			changes["result"] = "error"
			changes["error"] = evalErr.Error()
		}
		if err := s.raiseAudit(ctx, run, step.ID, schema.AuditGateEvaluated, changes); err != nil {
			return err
		}

		if evalErr == nil && ok {
			if err := s.stepFSM.Transition(ctx, run, sr, schema.StepStatusCompleted); err != nil {
				return err
			}
			return s.checkpoint(ctx, run, cs)
		}

		decision := ClassifyGate(step, evalErr)
		switch decision.Action {
		case SkipStep:
			if err := s.stepFSM.Transition(ctx, run, sr, schema.StepStatusSkipped); err != nil {
				return err
			}
			return s.checkpoint(ctx, run, cs)

		case EscalateHuman:
			sr.Error = decision.Message
			if err := s.stepFSM.Transition(ctx, run, sr, schema.StepStatusFailed); err != nil {
				return err
			}
			return s.raiseEscalation(ctx, run, cs, step.ID, schema.EscalateHuman, decision.Message)

		case EscalateAgent:
			if err := s.gateFallback(ctx, run, def, cs, step, decision); err != nil {
				sr.Error = err.Error()
				if ferr := s.stepFSM.Transition(ctx, run, sr, schema.StepStatusFailed); ferr != nil {
					return ferr
				}
				if ferr := s.checkpoint(ctx, run, cs); ferr != nil {
					return ferr
				}
				return err
			}
			// Fallback output is committed; loop back and re-check the gate.

		default:
			gateErr := evalErr
			if gateErr == nil {
				gateErr = schema.NewError(schema.ErrCodeEvaluation, "gate condition not satisfied").
					WithStep(step.ID).
					WithDetails(map[string]any{"condition": step.Condition})
			}
			sr.Error = gateErr.Error()
			if err := s.stepFSM.Transition(ctx, run, sr, schema.StepStatusFailed); err != nil {
				return err
			}
			if err := s.checkpoint(ctx, run, cs); err != nil {
				return err
			}
			return gateErr
		}
	}
}

// gateFallback dispatches the gate's on_false agent and merges its output so
// the next condition evaluation sees the remediation.
func (s *Supervisor) gateFallback(ctx context.Context, run *schema.WorkflowRun, def *schema.WorkflowDefinition, cs *ContextStore, step *schema.WorkflowStep, decision FailureDecision) error {
	if err := s.raiseAudit(ctx, run, step.ID, schema.AuditEscalationRaised,
		map[string]any{"target": "agent:" + decision.Target, "message": decision.Message}); err != nil {
		return err
	}

	input := step.Input
	if input == "" {
		input = decision.Message
	}
	out, _, err := s.dispatchWork(ctx, run, cs, def, dispatch{
		stepID:  step.ID,
		agentID: decision.Target,
		input:   input,
		session: step.Session,
		timeout: stepTimeout(step),
		attempt: 1,
	})
	if err != nil {
		return err
	}
	cs.Set(step.ID, step.ID, out)
	return s.checkpoint(ctx, run, cs)
}
