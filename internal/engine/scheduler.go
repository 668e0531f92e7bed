package engine

import (
	"github.com/taskdeck/workflow/pkg/schema"
)

// DirectiveKind tells the supervisor what to do next with a run.
type DirectiveKind int

const (
	// RunComplete means every schedulable step is terminal.
	RunComplete DirectiveKind = iota
	DispatchAgent
	DispatchLoop
	DispatchGate
	DispatchParallel
)

// Directive is the scheduler's answer to "what happens next".
type Directive struct {
	Kind DirectiveKind
	Step *schema.WorkflowStep
}

// Scheduler walks a definition's steps in declaration order and picks the
// first non-terminal one. Steps that exist only as a loop's verify_step are
// excluded from top-level scheduling; the loop coordinator dispatches them
// per iteration.
type Scheduler struct {
	def        *schema.WorkflowDefinition
	verifyOnly map[string]bool
}

// NewScheduler builds a scheduler for one pinned definition version.
func NewScheduler(def *schema.WorkflowDefinition) *Scheduler {
	verifyOnly := make(map[string]bool)
	for _, step := range def.Steps {
		if step.Type == schema.StepTypeLoop && step.Loop != nil && step.Loop.VerifyStep != "" {
			verifyOnly[step.Loop.VerifyStep] = true
		}
	}
	return &Scheduler{def: def, verifyOnly: verifyOnly}
}

// Next returns the directive for the run's current state. Deterministic:
// the same run state always yields the same directive.
func (s *Scheduler) Next(run *schema.WorkflowRun) Directive {
	for i := range s.def.Steps {
		step := &s.def.Steps[i]
		if s.verifyOnly[step.ID] {
			continue
		}
		sr := run.StepRun(step.ID)
		if sr != nil && sr.Status.Terminal() {
			continue
		}
		return Directive{Kind: dispatchKind(step.Type), Step: step}
	}
	return Directive{Kind: RunComplete}
}

// VerifyOnly reports whether a step is reachable only through a loop's
// verify_each dispatch.
func (s *Scheduler) VerifyOnly(stepID string) bool {
	return s.verifyOnly[stepID]
}

// StepIndex returns a step's declaration position, or -1.
func (s *Scheduler) StepIndex(stepID string) int {
	for i := range s.def.Steps {
		if s.def.Steps[i].ID == stepID {
			return i
		}
	}
	return -1
}

func dispatchKind(t schema.StepType) DirectiveKind {
	switch t {
	case schema.StepTypeLoop:
		return DispatchLoop
	case schema.StepTypeGate:
		return DispatchGate
	case schema.StepTypeParallel:
		return DispatchParallel
	default:
		return DispatchAgent
	}
}
