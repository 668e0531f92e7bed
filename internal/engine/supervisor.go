package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskdeck/workflow/internal/acl"
	"github.com/taskdeck/workflow/internal/expressions"
	"github.com/taskdeck/workflow/internal/logging"
	"github.com/taskdeck/workflow/internal/session"
	"github.com/taskdeck/workflow/internal/store"
	"github.com/taskdeck/workflow/internal/validation"
	"github.com/taskdeck/workflow/pkg/schema"
)

// errRunBlocked signals the drive loop that the run raised a human
// escalation and must park until resolved. Never escapes the supervisor.
var errRunBlocked = errors.New("run blocked on escalation")

// Supervisor owns the run lifecycle: it starts runs, drives their step
// progression, persists a checkpoint after every state transition, and
// arbitrates escalations. One supervisor serves many concurrent runs; each
// run is driven by exactly one goroutine.
type Supervisor struct {
	store     store.Store
	exec      StepExecutor
	sessions  *session.Manager
	evaluator *expressions.Evaluator
	interp    *expressions.Interpolator
	validator *validation.WorkflowValidator
	acl       acl.Checker
	logger    *slog.Logger
	pool      *WorkerPool
	runFSM    *RunFSM
	stepFSM   *StepFSM

	mu     sync.Mutex
	active map[string]context.CancelFunc // run id -> cancel for the driving goroutine
}

// Options configures supervisor construction.
type Options struct {
	Store    store.Store
	Executor StepExecutor
	ACL      acl.Checker
	Logger   *slog.Logger
	PoolSize int // concurrent step dispatch bound, default 8
}

// NewSupervisor wires a supervisor from its collaborators.
func NewSupervisor(opts Options) (*Supervisor, error) {
	if opts.Store == nil {
		return nil, schema.NewError(schema.ErrCodeStore, "supervisor requires a store")
	}
	if opts.Executor == nil {
		return nil, schema.NewError(schema.ErrCodeExecutorFailure, "supervisor requires an executor")
	}
	evaluator, err := expressions.NewEvaluator()
	if err != nil {
		return nil, err
	}
	validator, err := validation.NewWorkflowValidator()
	if err != nil {
		return nil, err
	}
	checker := opts.ACL
	if checker == nil {
		checker = acl.AllowAll{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = 8
	}
	return &Supervisor{
		store:     opts.Store,
		exec:      opts.Executor,
		sessions:  session.NewManager(),
		evaluator: evaluator,
		interp:    expressions.NewInterpolator(),
		validator: validator,
		acl:       checker,
		logger:    logger,
		pool:      NewWorkerPool(poolSize),
		runFSM:    NewRunFSM(opts.Store),
		stepFSM:   NewStepFSM(opts.Store),
		active:    make(map[string]context.CancelFunc),
	}, nil
}

// StartOptions parameterizes a new run.
type StartOptions struct {
	Version     int // 0 means latest published
	TaskID      string
	RequestedBy string
	Context     map[string]any
	// Detach returns as soon as the run is checkpointed pending and drives it
	// in the background.
	Detach bool
}

// StartRun creates a run against a published definition and drives it. The
// definition version is pinned at start and never changes for the run's
// lifetime. The returned run reflects the final state in synchronous mode
// and the initial pending state when detached.
func (s *Supervisor) StartRun(ctx context.Context, workflowID string, opts StartOptions) (*schema.WorkflowRun, error) {
	if err := s.acl.Require(ctx, workflowID, opts.RequestedBy, schema.PermissionRun); err != nil {
		return nil, err
	}
	def, err := s.store.GetDefinition(ctx, workflowID, opts.Version)
	if err != nil {
		return nil, err
	}
	if err := s.validator.ValidateDefinition(def); err != nil {
		return nil, err
	}

	seed := expressions.DeepCopyMap(def.Variables)
	if seed == nil {
		seed = make(map[string]any)
	}
	for k, v := range opts.Context {
		seed[k] = expressions.DeepCopyAny(v)
	}

	run := &schema.WorkflowRun{
		ID:              uuid.NewString(),
		WorkflowID:      def.ID,
		WorkflowVersion: def.Version,
		TaskID:          opts.TaskID,
		RequestedBy:     opts.RequestedBy,
		Status:          schema.RunStatusPending,
		StartedAt:       time.Now().UTC(),
	}
	cs := NewContextStore(seed)
	if err := s.checkpoint(ctx, run, cs); err != nil {
		return nil, err
	}

	if opts.Detach {
		go s.drive(context.Background(), run, def, cs)
		return run, nil
	}
	if err := s.drive(ctx, run, def, cs); err != nil {
		return run, err
	}
	return run, nil
}

// ResumeRun recovers a run from its last checkpoint after an engine crash.
// Steps that were mid-flight are reset to pending and re-dispatched, so step
// execution is at-least-once. Blocked and terminal runs are returned as-is.
func (s *Supervisor) ResumeRun(ctx context.Context, runID string) (*schema.WorkflowRun, error) {
	run, err := s.store.LoadCheckpoint(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() || run.Status == schema.RunStatusBlocked {
		return run, nil
	}
	def, err := s.store.GetDefinition(ctx, run.WorkflowID, run.WorkflowVersion)
	if err != nil {
		return nil, err
	}

	for _, sr := range run.Steps {
		if sr.Status == schema.StepStatusRunning {
			sr.Status = schema.StepStatusPending
			sr.StartedAt = nil
			resetSubSteps(sr)
		}
	}
	cs := Restore(run.Context, run.ContextOwners)
	if err := s.checkpoint(ctx, run, cs); err != nil {
		return nil, err
	}
	if run.Status == schema.RunStatusRunning {
		if err := s.store.AppendAudit(ctx, &schema.WorkflowAuditEvent{
			Action:          schema.AuditRunResumed,
			WorkflowID:      run.WorkflowID,
			WorkflowVersion: run.WorkflowVersion,
			RunID:           run.ID,
			Actor:           "engine",
			Timestamp:       time.Now().UTC(),
		}); err != nil {
			return nil, err
		}
	}
	if err := s.drive(ctx, run, def, cs); err != nil {
		return run, err
	}
	return run, nil
}

func resetSubSteps(sr *schema.StepRun) {
	for _, sub := range sr.SubSteps {
		if sub.Status == schema.StepStatusRunning {
			sub.Status = schema.StepStatusPending
			sub.StartedAt = nil
		}
	}
}

// Status returns a run's latest checkpointed state.
func (s *Supervisor) Status(ctx context.Context, runID, userID string) (*schema.WorkflowRun, error) {
	run, err := s.store.LoadCheckpoint(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := s.acl.Require(ctx, run.WorkflowID, userID, schema.PermissionView); err != nil {
		return nil, err
	}
	return run, nil
}

// CancelRun aborts a run. The driving goroutine, if any, is cancelled; the
// checkpoint is marked failed and every non-terminal step is skipped.
func (s *Supervisor) CancelRun(ctx context.Context, runID, userID string) (*schema.WorkflowRun, error) {
	run, err := s.store.LoadCheckpoint(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := s.acl.Require(ctx, run.WorkflowID, userID, schema.PermissionRun); err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "run %s is already %s", runID, run.Status)
	}

	s.mu.Lock()
	if cancel, ok := s.active[runID]; ok {
		cancel()
	}
	s.mu.Unlock()

	now := time.Now().UTC()
	run.Status = schema.RunStatusFailed
	run.Error = "run cancelled"
	run.CompletedAt = &now
	for _, sr := range run.Steps {
		if !sr.Status.Terminal() && sr.Status != schema.StepStatusFailed {
			sr.Status = schema.StepStatusSkipped
		}
	}
	if err := s.store.AppendAudit(ctx, &schema.WorkflowAuditEvent{
		Action:          schema.AuditRunCancelled,
		WorkflowID:      run.WorkflowID,
		WorkflowVersion: run.WorkflowVersion,
		RunID:           run.ID,
		Actor:           userID,
		Timestamp:       now,
	}); err != nil {
		return nil, err
	}
	if err := s.store.SaveCheckpoint(ctx, run); err != nil {
		return nil, err
	}
	s.sessions.ReleaseRun(runID)
	return run, nil
}

// ResolveEscalation answers a blocked run's escalation and continues driving
// it according to the resolution action.
func (s *Supervisor) ResolveEscalation(ctx context.Context, runID string, res schema.Resolution) (*schema.WorkflowRun, error) {
	run, err := s.store.LoadCheckpoint(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != schema.RunStatusBlocked || run.Escalation == nil {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "run %s is not blocked", runID)
	}
	if err := s.acl.Require(ctx, run.WorkflowID, res.By, schema.PermissionResolve); err != nil {
		return nil, err
	}
	def, err := s.store.GetDefinition(ctx, run.WorkflowID, run.WorkflowVersion)
	if err != nil {
		return nil, err
	}

	cs := Restore(run.Context, run.ContextOwners)
	// Resolution context merges as seed values so minimal-scope sessions see it.
	cs.Merge("", res.Context)

	blocked := run.StepRun(run.Escalation.StepID)
	if err := s.store.AppendAudit(ctx, &schema.WorkflowAuditEvent{
		Action:          schema.AuditEscalationResolved,
		WorkflowID:      run.WorkflowID,
		WorkflowVersion: run.WorkflowVersion,
		RunID:           run.ID,
		StepID:          run.Escalation.StepID,
		Actor:           res.By,
		Timestamp:       time.Now().UTC(),
	}); err != nil {
		return nil, err
	}
	run.Escalation = nil

	switch res.Action {
	case schema.ResolutionFail:
		if err := s.runFSM.Transition(ctx, run, schema.RunStatusFailed); err != nil {
			return nil, err
		}
		run.Error = "escalation resolved as failure"
		if res.Note != "" {
			run.Error = res.Note
		}
		if err := s.checkpoint(ctx, run, cs); err != nil {
			return nil, err
		}
		s.sessions.ReleaseRun(run.ID)
		return run, nil

	case schema.ResolutionContinue:
		if blocked != nil && blocked.Status == schema.StepStatusFailed {
			if err := s.stepFSM.Transition(ctx, run, blocked, schema.StepStatusSkipped); err != nil {
				return nil, err
			}
		}

	case schema.ResolutionRetry:
		if blocked != nil {
			blocked.Retries = 0
			blocked.Error = ""
		}

	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown resolution action %q", res.Action)
	}

	if err := s.runFSM.Transition(ctx, run, schema.RunStatusRunning); err != nil {
		return nil, err
	}
	if err := s.checkpoint(ctx, run, cs); err != nil {
		return nil, err
	}
	if err := s.drive(ctx, run, def, cs); err != nil {
		return run, err
	}
	return run, nil
}

// drive takes a pending run to completion, blockage, or failure. The run's
// error outcome is recorded on the run itself; a non-nil return means an
// infrastructure failure (store or audit), not a workflow failure.
func (s *Supervisor) drive(ctx context.Context, run *schema.WorkflowRun, def *schema.WorkflowDefinition, cs *ContextStore) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.active[run.ID] = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.active, run.ID)
		s.mu.Unlock()
	}()

	ctx = logging.WithRunID(ctx, run.ID)
	// A crash-recovered run is already checkpointed as running.
	if run.Status != schema.RunStatusRunning {
		if err := s.runFSM.Transition(ctx, run, schema.RunStatusRunning); err != nil {
			return err
		}
		if err := s.checkpoint(ctx, run, cs); err != nil {
			return err
		}
	}
	return s.driveLoop(ctx, run, def, cs)
}

func (s *Supervisor) driveLoop(ctx context.Context, run *schema.WorkflowRun, def *schema.WorkflowDefinition, cs *ContextStore) error {
	sched := NewScheduler(def)
	for {
		if run.Status.Terminal() {
			return nil
		}
		d := sched.Next(run)
		if d.Kind == RunComplete {
			run.CurrentStep = ""
			if err := s.runFSM.Transition(ctx, run, schema.RunStatusCompleted); err != nil {
				return err
			}
			if err := s.checkpoint(ctx, run, cs); err != nil {
				return err
			}
			s.sessions.ReleaseRun(run.ID)
			s.logger.InfoContext(ctx, "run completed", slog.String("workflow", run.WorkflowID))
			return nil
		}

		run.CurrentStep = d.Step.ID
		var err error
		switch d.Kind {
		case DispatchAgent:
			err = s.runAgentStep(ctx, run, def, cs, sched, d.Step)
		case DispatchLoop:
			err = s.runLoopStep(ctx, run, def, cs, d.Step)
		case DispatchGate:
			err = s.runGateStep(ctx, run, def, cs, d.Step)
		case DispatchParallel:
			err = s.runParallelStep(ctx, run, def, cs, sched, d.Step)
		}

		switch {
		case err == nil:
			continue
		case errors.Is(err, errRunBlocked):
			if ferr := s.runFSM.Transition(ctx, run, schema.RunStatusBlocked); ferr != nil {
				return ferr
			}
			if ferr := s.checkpoint(ctx, run, cs); ferr != nil {
				return ferr
			}
			s.logger.WarnContext(ctx, "run blocked awaiting resolution",
				slog.String("step", d.Step.ID))
			return nil
		default:
			return s.failRun(ctx, run, cs, err)
		}
	}
}

func (s *Supervisor) failRun(ctx context.Context, run *schema.WorkflowRun, cs *ContextStore, cause error) error {
	if run.Status.Terminal() {
		return nil
	}
	run.Error = cause.Error()
	if err := s.runFSM.Transition(ctx, run, schema.RunStatusFailed); err != nil {
		return err
	}
	if err := s.checkpoint(ctx, run, cs); err != nil {
		return err
	}
	s.sessions.ReleaseRun(run.ID)
	s.logger.ErrorContext(ctx, "run failed", slog.String("error", cause.Error()))
	return nil
}

// checkpoint syncs the context store into the run record and persists the
// whole run. Called after every state transition; the checkpoint is always a
// consistent snapshot a resume can start from.
func (s *Supervisor) checkpoint(ctx context.Context, run *schema.WorkflowRun, cs *ContextStore) error {
	run.Context = cs.Snapshot()
	run.ContextOwners = cs.Owners()
	return s.store.SaveCheckpoint(ctx, run)
}

// runAgentStep drives a plain agent step through its attempts under the
// step's failure policy.
func (s *Supervisor) runAgentStep(ctx context.Context, run *schema.WorkflowRun, def *schema.WorkflowDefinition, cs *ContextStore, sched *Scheduler, step *schema.WorkflowStep) error {
	sr := run.EnsureStepRun(step.ID, step.Agent)
	return s.runWithPolicy(ctx, run, def, cs, sched, step, sr, func(attempt int) error {
		out, artifact, err := s.dispatchWork(ctx, run, cs, def, dispatch{
			stepID:     step.ID,
			agentID:    step.Agent,
			input:      step.Input,
			output:     step.Output,
			session:    step.Session,
			acceptance: step.AcceptanceCriteria,
			timeout:    stepTimeout(step),
			attempt:    attempt,
		})
		if err != nil {
			return err
		}
		cs.Set(step.ID, step.ID, out)
		sr.Output = artifact
		return nil
	})
}

// runWithPolicy wraps one step's attempt function in the retry and
// escalation policy loop. attempt must perform a single execution and leave
// committed context changes behind only on success.
func (s *Supervisor) runWithPolicy(ctx context.Context, run *schema.WorkflowRun, def *schema.WorkflowDefinition, cs *ContextStore, sched *Scheduler, step *schema.WorkflowStep, sr *schema.StepRun, attempt func(attempt int) error) error {
	ctx = logging.WithStepID(ctx, step.ID)
	for {
		if err := s.stepFSM.Transition(ctx, run, sr, schema.StepStatusRunning); err != nil {
			return err
		}
		if err := s.checkpoint(ctx, run, cs); err != nil {
			return err
		}

		err := attempt(sr.Retries + 1)
		if err == nil {
			sr.Error = ""
			if ferr := s.stepFSM.Transition(ctx, run, sr, schema.StepStatusCompleted); ferr != nil {
				return ferr
			}
			return s.checkpoint(ctx, run, cs)
		}

		sr.Error = err.Error()
		if ferr := s.stepFSM.Transition(ctx, run, sr, schema.StepStatusFailed); ferr != nil {
			return ferr
		}
		if ferr := s.checkpoint(ctx, run, cs); ferr != nil {
			return ferr
		}

		// Retries counts re-dispatches, not failures: the final failed
		// attempt is not a retry, so after exhaustion Retries == policy.Retry.
		decision := Classify(step, sr.Retries+1, err)
		switch decision.Action {
		case Retry:
			sr.Retries++
			s.logger.WarnContext(ctx, "retrying step",
				slog.Int("attempt", sr.Retries+1), slog.String("error", err.Error()))
			if werr := WaitForRetry(ctx, decision.Delay); werr != nil {
				return werr
			}

		case Redirect:
			sr.Retries++
			if rerr := s.redirect(ctx, run, cs, sched, decision.Target, step.ID); rerr != nil {
				return rerr
			}
			if werr := WaitForRetry(ctx, decision.Delay); werr != nil {
				return werr
			}
			// The scheduler re-enters at the redirect target.
			return nil

		case EscalateHuman:
			return s.raiseEscalation(ctx, run, cs, step.ID, schema.EscalateHuman, decision.Message)

		case EscalateAgent:
			if eerr := s.escalateToAgent(ctx, run, def, cs, step, sr, decision.Target, decision.Message); eerr != nil {
				return eerr
			}
			return nil

		case SkipStep:
			if ferr := s.stepFSM.Transition(ctx, run, sr, schema.StepStatusSkipped); ferr != nil {
				return ferr
			}
			return s.checkpoint(ctx, run, cs)

		default:
			return err
		}
	}
}

// redirect rewinds execution to an earlier step: every step record from the
// target through the failing step is reset to pending so the scheduler
// re-dispatches the whole stretch. Retry counters survive the reset so the
// failing step still exhausts its budget.
func (s *Supervisor) redirect(ctx context.Context, run *schema.WorkflowRun, cs *ContextStore, sched *Scheduler, targetID, failingID string) error {
	from := sched.StepIndex(targetID)
	to := sched.StepIndex(failingID)
	if from < 0 || to < 0 || from > to {
		return schema.NewErrorf(schema.ErrCodeDefinition,
			"retry_step %q does not precede step %q", targetID, failingID)
	}
	for i := from; i <= to; i++ {
		stepID := sched.def.Steps[i].ID
		if sr := run.StepRun(stepID); sr != nil {
			sr.Status = schema.StepStatusPending
			sr.StartedAt = nil
			sr.CompletedAt = nil
			sr.Error = ""
		}
	}
	return s.checkpoint(ctx, run, cs)
}

// raiseEscalation parks the run for a human decision.
func (s *Supervisor) raiseEscalation(ctx context.Context, run *schema.WorkflowRun, cs *ContextStore, stepID, target, message string) error {
	run.Escalation = &schema.Escalation{
		StepID:   stepID,
		Target:   target,
		Message:  message,
		RaisedAt: time.Now().UTC(),
	}
	if err := s.store.AppendAudit(ctx, &schema.WorkflowAuditEvent{
		Action:          schema.AuditEscalationRaised,
		WorkflowID:      run.WorkflowID,
		WorkflowVersion: run.WorkflowVersion,
		RunID:           run.ID,
		StepID:          stepID,
		Actor:           "engine",
		Changes:         mustJSON(map[string]any{"target": target, "message": message}),
		Timestamp:       time.Now().UTC(),
	}); err != nil {
		return err
	}
	return errRunBlocked
}

// escalateToAgent hands a failed step to a fallback agent. The fallback runs
// once with the step's input; its output replaces the step's output and the
// step completes. A fallback failure fails the run.
func (s *Supervisor) escalateToAgent(ctx context.Context, run *schema.WorkflowRun, def *schema.WorkflowDefinition, cs *ContextStore, step *schema.WorkflowStep, sr *schema.StepRun, agentID, message string) error {
	if err := s.raiseAudit(ctx, run, step.ID, schema.AuditEscalationRaised,
		map[string]any{"target": "agent:" + agentID, "message": message}); err != nil {
		return err
	}
	if err := s.stepFSM.Transition(ctx, run, sr, schema.StepStatusRunning); err != nil {
		return err
	}

	input := step.Input
	if input == "" {
		input = message
	}
	out, artifact, err := s.dispatchWork(ctx, run, cs, def, dispatch{
		stepID:     step.ID,
		agentID:    agentID,
		input:      input,
		output:     step.Output,
		session:    step.Session,
		acceptance: step.AcceptanceCriteria,
		timeout:    stepTimeout(step),
		attempt:    sr.Retries + 1,
	})
	if err != nil {
		sr.Error = err.Error()
		if ferr := s.stepFSM.Transition(ctx, run, sr, schema.StepStatusFailed); ferr != nil {
			return ferr
		}
		if ferr := s.checkpoint(ctx, run, cs); ferr != nil {
			return ferr
		}
		return schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"escalation agent %q failed: %s", agentID, err.Error()).
			WithStep(step.ID).WithCause(err)
	}

	cs.Set(step.ID, step.ID, out)
	sr.Output = artifact
	sr.Error = ""
	if err := s.raiseAudit(ctx, run, step.ID, schema.AuditEscalationResolved,
		map[string]any{"resolved_by": "agent:" + agentID}); err != nil {
		return err
	}
	if err := s.stepFSM.Transition(ctx, run, sr, schema.StepStatusCompleted); err != nil {
		return err
	}
	return s.checkpoint(ctx, run, cs)
}

func (s *Supervisor) raiseAudit(ctx context.Context, run *schema.WorkflowRun, stepID, action string, changes map[string]any) error {
	return s.store.AppendAudit(ctx, &schema.WorkflowAuditEvent{
		Action:          action,
		WorkflowID:      run.WorkflowID,
		WorkflowVersion: run.WorkflowVersion,
		RunID:           run.ID,
		StepID:          stepID,
		Actor:           "engine",
		Changes:         mustJSON(changes),
		Timestamp:       time.Now().UTC(),
	})
}

// dispatch describes one unit of agent work to execute: a step, a loop
// iteration, a parallel branch, or a verify pass.
type dispatch struct {
	stepID     string
	agentID    string
	input      string
	output     *schema.OutputSpec
	session    *schema.StepSessionConfig
	acceptance string
	timeout    time.Duration
	overlay    map[string]any // loop iteration variables
	iteration  int
	attempt    int
}

// dispatchWork runs the full single-attempt pipeline: resolve the input
// template, lease a session, execute under timeout, then validate,
// transform, and accept the structured output. Nothing is committed to the
// shared context here; the caller merges on success.
func (s *Supervisor) dispatchWork(ctx context.Context, run *schema.WorkflowRun, cs *ContextStore, def *schema.WorkflowDefinition, d dispatch) (map[string]any, string, error) {
	agent := def.Agent(d.agentID)
	if agent == nil {
		return nil, "", schema.NewErrorf(schema.ErrCodeDefinition, "undeclared agent %q", d.agentID).
			WithStep(d.stepID)
	}
	ctx = logging.WithAgent(ctx, agent.ID)

	snapshot := cs.Overlay(d.overlay)
	input, err := s.interp.Resolve(d.input, expressions.NewScope(snapshot, run))
	if err != nil {
		return nil, "", wrapStepErr(err, d.stepID)
	}

	lease := s.sessions.Acquire(run.ID, agent.ID, d.session, d.iteration)
	defer s.sessions.Release(lease, d.session.EffectiveCleanup())

	req := ExecuteRequest{
		RunID:          run.ID,
		StepID:         d.stepID,
		Agent:          *agent,
		Input:          input,
		SessionKey:     lease.Key,
		SessionFresh:   lease.Fresh,
		SessionContext: session.ScopeContext(snapshot, cs.Owners(), d.session),
		ToolPolicy:     def.PolicyForRole(agent.Role),
		Attempt:        d.attempt,
	}
	if d.output != nil {
		req.OutputFile = d.output.File
	}

	s.logger.InfoContext(ctx, "dispatching step",
		slog.String("session", lease.Key), slog.Int("attempt", d.attempt))
	res, err := execWithTimeout(ctx, s.exec, req, d.timeout)
	if err != nil {
		return nil, "", err
	}

	out, err := s.finishOutput(ctx, run, def, snapshot, d, res)
	if err != nil {
		return nil, "", err
	}
	return out, res.ArtifactPath, nil
}

// finishOutput applies the post-execution output pipeline: schema
// validation, jq transform, and acceptance criteria, in that order.
func (s *Supervisor) finishOutput(ctx context.Context, run *schema.WorkflowRun, def *schema.WorkflowDefinition, snapshot map[string]any, d dispatch, res *ExecuteResult) (map[string]any, error) {
	out := res.Output
	needsStructured := d.output != nil && (d.output.Schema != "" || d.output.Transform != "")
	if out == nil && needsStructured && res.ArtifactPath != "" {
		parsed, err := parseStructuredOutput(res.ArtifactPath)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecutorFailure,
				"step produced no parsable structured output: %s", err.Error()).
				WithStep(d.stepID).WithCause(err)
		}
		out = parsed
	}

	if d.output != nil && d.output.Schema != "" {
		raw, ok := def.Schemas[d.output.Schema]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition,
				"output schema %q is not defined", d.output.Schema).WithStep(d.stepID)
		}
		if err := s.validator.ValidateOutput(out, raw); err != nil {
			// Invalid executor output is an attempt failure, not a run defect.
			return nil, schema.NewErrorf(schema.ErrCodeExecutorFailure,
				"output failed schema %q: %s", d.output.Schema, err.Error()).
				WithStep(d.stepID).WithCause(err)
		}
	}

	if d.output != nil && d.output.Transform != "" {
		transformed, err := s.evaluator.Transform(ctx, d.output.Transform, out)
		if err != nil {
			return nil, wrapStepErr(err, d.stepID)
		}
		if m, ok := transformed.(map[string]any); ok {
			out = m
		} else {
			out = map[string]any{"result": transformed}
		}
	}

	if d.acceptance != "" {
		// Evaluate against the would-be context so criteria can reference the
		// step's own uncommitted output.
		preview := expressions.DeepCopyMap(snapshot)
		preview[d.stepID] = expressions.DeepCopyAny(out)
		ok, err := s.evaluator.EvaluateBool(ctx, d.acceptance, expressions.BuildData(preview, run))
		if err != nil {
			return nil, wrapStepErr(err, d.stepID)
		}
		if !ok {
			return nil, schema.NewError(schema.ErrCodeExecutorFailure,
				"acceptance criteria not satisfied").WithStep(d.stepID).
				WithDetails(map[string]any{"criteria": d.acceptance})
		}
	}
	return out, nil
}

func mustJSON(v map[string]any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

func wrapStepErr(err error, stepID string) error {
	var engErr *schema.EngineError
	if errors.As(err, &engErr) {
		if engErr.StepID == "" {
			engErr.StepID = stepID
		}
		return engErr
	}
	return schema.NewErrorf(schema.ErrCodeExecutorFailure, "%s", err.Error()).WithStep(stepID).WithCause(err)
}

func stepTimeout(step *schema.WorkflowStep) time.Duration {
	if step.Timeout != "" {
		if d, err := time.ParseDuration(step.Timeout); err == nil {
			return d
		}
	}
	if step.Session != nil && step.Session.Timeout != "" {
		if d, err := time.ParseDuration(step.Session.Timeout); err == nil {
			return d
		}
	}
	return 0
}
