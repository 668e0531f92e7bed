package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/taskdeck/workflow/internal/expressions"
	"github.com/taskdeck/workflow/internal/logging"
	"github.com/taskdeck/workflow/pkg/schema"
)

// errIterationSkipped marks an iteration resolved by a skip escalation. It
// counts toward neither completed nor failed iterations.
var errIterationSkipped = errors.New("iteration skipped")

// runLoopStep iterates an agent over the items of an evaluated collection,
// strictly sequentially. Each iteration is its own dispatch with its own
// retry budget under the step's failure policy; iteration outputs are
// committed one at a time and the whole ordered list becomes the loop's
// context entry on completion.
func (s *Supervisor) runLoopStep(ctx context.Context, run *schema.WorkflowRun, def *schema.WorkflowDefinition, cs *ContextStore, step *schema.WorkflowStep) error {
	ctx = logging.WithStepID(ctx, step.ID)
	cfg := step.Loop
	sr := run.EnsureStepRun(step.ID, step.Agent)
	if err := s.stepFSM.Transition(ctx, run, sr, schema.StepStatusRunning); err != nil {
		return err
	}
	if err := s.checkpoint(ctx, run, cs); err != nil {
		return err
	}

	items, err := s.evaluator.EvaluateList(ctx, cfg.Over, expressions.BuildData(cs.Snapshot(), run))
	if err != nil {
		return s.failLoop(ctx, run, cs, sr, wrapStepErr(err, step.ID))
	}
	if cfg.MaxIterations > 0 && len(items) > cfg.MaxIterations {
		items = items[:cfg.MaxIterations]
	}

	state := &schema.LoopState{TotalIterations: len(items)}
	sr.LoopState = state
	results := make([]any, 0, len(items))

	for idx, item := range items {
		state.CurrentIteration = idx + 1
		overlay := map[string]any{
			cfg.ItemVarName():  item,
			cfg.IndexVarName(): idx,
		}
		if err := s.raiseAudit(ctx, run, step.ID, schema.AuditLoopIteration,
			map[string]any{"iteration": idx, "total": len(items)}); err != nil {
			return err
		}

		out, iterErr := s.runIteration(ctx, run, def, cs, step, sr, overlay, idx)
		switch {
		case iterErr == nil:
			state.CompletedIterations++
			results = append(results, out)
		case errors.Is(iterErr, errIterationSkipped):
			// No output, no failure.
		case errors.Is(iterErr, errRunBlocked):
			return iterErr
		default:
			state.FailedIterations++
			if !cfg.ContinueOnError {
				return s.failLoop(ctx, run, cs, sr, iterErr)
			}
			s.logger.WarnContext(ctx, "loop iteration failed, continuing",
				slog.Int("iteration", idx), slog.String("error", iterErr.Error()))
		}

		if err := s.checkpoint(ctx, run, cs); err != nil {
			return err
		}
		if cfg.CompletionPolicy().ShortCircuits() && state.CompletedIterations >= 1 {
			break
		}
	}

	succeeded := state.CompletedIterations >= 1
	if cfg.CompletionPolicy() == schema.LoopAllDone {
		succeeded = state.FailedIterations == 0
	}
	if err := s.raiseAudit(ctx, run, step.ID, schema.AuditLoopCompleted, map[string]any{
		"completed": state.CompletedIterations,
		"failed":    state.FailedIterations,
		"total":     state.TotalIterations,
		"succeeded": succeeded,
	}); err != nil {
		return err
	}
	if !succeeded {
		return s.failLoop(ctx, run, cs, sr, schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"%d of %d loop iterations failed", state.FailedIterations, state.TotalIterations).
			WithStep(step.ID))
	}

	cs.Set(step.ID, step.ID, results)
	if err := s.stepFSM.Transition(ctx, run, sr, schema.StepStatusCompleted); err != nil {
		return err
	}
	return s.checkpoint(ctx, run, cs)
}

// runIteration executes one loop iteration, including its verify pass, under
// the step's failure policy. Redirect targets make no sense inside a loop
// body, so redirect policies degrade to plain retries here.
func (s *Supervisor) runIteration(ctx context.Context, run *schema.WorkflowRun, def *schema.WorkflowDefinition, cs *ContextStore, step *schema.WorkflowStep, sr *schema.StepRun, overlay map[string]any, idx int) (map[string]any, error) {
	failures := 0
	for {
		out, err := s.attemptIteration(ctx, run, def, cs, step, overlay, idx, failures+1)
		if err == nil {
			return out, nil
		}

		failures++
		decision := Classify(step, failures, err)
		switch decision.Action {
		case Retry, Redirect:
			if werr := WaitForRetry(ctx, decision.Delay); werr != nil {
				return nil, werr
			}

		case EscalateHuman:
			sr.Error = err.Error()
			return nil, s.raiseEscalation(ctx, run, cs, step.ID, schema.EscalateHuman, decision.Message)

		case EscalateAgent:
			out, ferr := s.attemptIterationWith(ctx, run, def, cs, step, decision.Target, overlay, idx, failures+1)
			if ferr != nil {
				return nil, schema.NewErrorf(schema.ErrCodeRetryExhausted,
					"escalation agent %q failed on iteration %d: %s", decision.Target, idx, ferr.Error()).
					WithStep(step.ID).WithCause(ferr)
			}
			return out, nil

		case SkipStep:
			return nil, errIterationSkipped

		default:
			return nil, err
		}
	}
}

func (s *Supervisor) attemptIteration(ctx context.Context, run *schema.WorkflowRun, def *schema.WorkflowDefinition, cs *ContextStore, step *schema.WorkflowStep, overlay map[string]any, idx, attempt int) (map[string]any, error) {
	return s.attemptIterationWith(ctx, run, def, cs, step, step.Agent, overlay, idx, attempt)
}

// attemptIterationWith runs the loop body once with the given agent and, if
// configured, dispatches the verify step against the iteration's output. A
// verify failure fails the whole attempt so a retry redoes work and
// verification together.
func (s *Supervisor) attemptIterationWith(ctx context.Context, run *schema.WorkflowRun, def *schema.WorkflowDefinition, cs *ContextStore, step *schema.WorkflowStep, agentID string, overlay map[string]any, idx, attempt int) (map[string]any, error) {
	cfg := step.Loop
	sessionCfg := step.Session
	if cfg.FreshSessionPerIteration {
		sessionCfg = freshSession(sessionCfg)
	}

	out, _, err := s.dispatchWork(ctx, run, cs, def, dispatch{
		stepID:     step.ID,
		agentID:    agentID,
		input:      step.Input,
		output:     step.Output,
		session:    sessionCfg,
		acceptance: step.AcceptanceCriteria,
		timeout:    stepTimeout(step),
		overlay:    overlay,
		iteration:  idx,
		attempt:    attempt,
	})
	if err != nil {
		return nil, err
	}

	if cfg.VerifyEach && cfg.VerifyStep != "" {
		vstep := def.Step(cfg.VerifyStep)
		if vstep == nil {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition,
				"verify_step %q is not defined", cfg.VerifyStep).WithStep(step.ID)
		}
		// The verifier sees the iteration's uncommitted output under the
		// loop step's own key.
		verifyOverlay := make(map[string]any, len(overlay)+1)
		for k, v := range overlay {
			verifyOverlay[k] = v
		}
		verifyOverlay[step.ID] = out

		_, _, verr := s.dispatchWork(ctx, run, cs, def, dispatch{
			stepID:     vstep.ID,
			agentID:    vstep.Agent,
			input:      vstep.Input,
			output:     vstep.Output,
			session:    vstep.Session,
			acceptance: vstep.AcceptanceCriteria,
			timeout:    stepTimeout(vstep),
			overlay:    verifyOverlay,
			iteration:  idx,
			attempt:    attempt,
		})
		if verr != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecutorFailure,
				"iteration %d failed verification: %s", idx, verr.Error()).
				WithStep(step.ID).WithCause(verr)
		}
	}
	return out, nil
}

func (s *Supervisor) failLoop(ctx context.Context, run *schema.WorkflowRun, cs *ContextStore, sr *schema.StepRun, err error) error {
	sr.Error = err.Error()
	if ferr := s.stepFSM.Transition(ctx, run, sr, schema.StepStatusFailed); ferr != nil {
		return ferr
	}
	if ferr := s.checkpoint(ctx, run, cs); ferr != nil {
		return ferr
	}
	return err
}

func freshSession(cfg *schema.StepSessionConfig) *schema.StepSessionConfig {
	if cfg == nil {
		return &schema.StepSessionConfig{Mode: schema.SessionFresh}
	}
	cp := *cfg
	cp.Mode = schema.SessionFresh
	return &cp
}
