package engine

import (
	"context"
	"time"

	"github.com/taskdeck/workflow/internal/logging"
	"github.com/taskdeck/workflow/pkg/schema"
)

type branchResult struct {
	sub      schema.ParallelSubStep
	output   map[string]any
	artifact string
	err      error
}

// runParallelStep fans a fixed set of sub-steps out over the worker pool and
// collects their results. Only this coordinator goroutine touches the run
// record and the shared context; branches report over a channel and each
// fans out against a context snapshot frozen before dispatch. The group
// resolves by its completion quorum; with fail_fast (the default) the first
// branch failure cancels the rest.
func (s *Supervisor) runParallelStep(ctx context.Context, run *schema.WorkflowRun, def *schema.WorkflowDefinition, cs *ContextStore, sched *Scheduler, step *schema.WorkflowStep) error {
	ctx = logging.WithStepID(ctx, step.ID)
	sr := run.EnsureStepRun(step.ID, "")
	return s.runWithPolicy(ctx, run, def, cs, sched, step, sr, func(attempt int) error {
		return s.attemptParallel(ctx, run, def, cs, step, sr, attempt)
	})
}

func (s *Supervisor) attemptParallel(ctx context.Context, run *schema.WorkflowRun, def *schema.WorkflowDefinition, cs *ContextStore, step *schema.WorkflowStep, sr *schema.StepRun, attempt int) error {
	cfg := step.Parallel
	size := len(cfg.Steps)
	quorum := cfg.Completion.Quorum(size)

	if err := s.raiseAudit(ctx, run, step.ID, schema.AuditParallelStarted, map[string]any{
		"branches": size,
		"quorum":   quorum,
	}); err != nil {
		return err
	}

	groupCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if cfg.Timeout != "" {
		if d, err := time.ParseDuration(cfg.Timeout); err == nil {
			groupCtx, cancel = context.WithTimeout(groupCtx, d)
			defer cancel()
		}
	}

	sr.SubSteps = sr.SubSteps[:0]
	subRecords := make(map[string]*schema.StepRun, size)
	for _, sub := range cfg.Steps {
		rec := &schema.StepRun{StepID: sub.ID, Agent: sub.Agent, Status: schema.StepStatusRunning}
		now := time.Now().UTC()
		rec.StartedAt = &now
		sr.SubSteps = append(sr.SubSteps, rec)
		subRecords[sub.ID] = rec
	}
	if err := s.checkpoint(ctx, run, cs); err != nil {
		return err
	}

	results := make(chan branchResult, size)
	for _, sub := range cfg.Steps {
		sub := sub
		err := s.pool.Submit(groupCtx, func() {
			out, artifact, err := s.dispatchWork(groupCtx, run, cs, def, dispatch{
				stepID:  sub.ID,
				agentID: sub.Agent,
				input:   sub.Input,
				output:  sub.Output,
				timeout: branchTimeout(sub),
				attempt: attempt,
			})
			results <- branchResult{sub: sub, output: out, artifact: artifact, err: err}
		})
		if err != nil {
			results <- branchResult{sub: sub, err: err}
		}
	}

	completed, failed := 0, 0
	var firstErr error
	resolved := false
	for i := 0; i < size; i++ {
		res := <-results
		rec := subRecords[res.sub.ID]

		if res.err != nil {
			if resolved && cfg.FailFastEnabled() {
				// Quorum was already met; losing branches were cancelled.
				if err := s.stepFSM.Transition(ctx, run, rec, schema.StepStatusSkipped); err != nil {
					return err
				}
			} else {
				failed++
				rec.Error = res.err.Error()
				if err := s.stepFSM.Transition(ctx, run, rec, schema.StepStatusFailed); err != nil {
					return err
				}
				if firstErr == nil {
					firstErr = res.err
				}
				if !resolved && cfg.FailFastEnabled() {
					cancel()
				}
			}
		} else {
			completed++
			rec.Output = res.artifact
			if err := s.stepFSM.Transition(ctx, run, rec, schema.StepStatusCompleted); err != nil {
				return err
			}
			// Merge in arrival order; only this goroutine writes.
			cs.Set(step.ID, res.sub.ID, res.output)
			if completed >= quorum && !resolved {
				resolved = true
				// Without fail_fast the remaining branches run to completion
				// and their real outcomes are recorded.
				if cfg.FailFastEnabled() {
					cancel()
				}
			}
		}

		if err := s.checkpoint(ctx, run, cs); err != nil {
			return err
		}
	}

	succeeded := completed >= quorum
	if err := s.raiseAudit(ctx, run, step.ID, schema.AuditParallelCompleted, map[string]any{
		"completed": completed,
		"failed":    failed,
		"quorum":    quorum,
		"succeeded": succeeded,
	}); err != nil {
		return err
	}
	if !succeeded {
		if firstErr != nil {
			return wrapStepErr(firstErr, step.ID)
		}
		return schema.NewErrorf(schema.ErrCodeExecutorFailure,
			"parallel group completed %d of %d required branches", completed, quorum).
			WithStep(step.ID)
	}
	return nil
}

func branchTimeout(sub schema.ParallelSubStep) time.Duration {
	if sub.Timeout == "" {
		return 0
	}
	d, err := time.ParseDuration(sub.Timeout)
	if err != nil {
		return 0
	}
	return d
}
