package engine

import (
	"context"
	"time"

	"github.com/taskdeck/workflow/pkg/schema"
)

// AuditAppender is the slice of the store the state machines need to record
// transitions. Satisfied by store.Store.
type AuditAppender interface {
	AppendAudit(ctx context.Context, event *schema.WorkflowAuditEvent) error
}

var runTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusPending: {schema.RunStatusRunning, schema.RunStatusFailed},
	schema.RunStatusRunning: {schema.RunStatusBlocked, schema.RunStatusCompleted, schema.RunStatusFailed},
	schema.RunStatusBlocked: {schema.RunStatusRunning, schema.RunStatusFailed},
}

var stepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending: {schema.StepStatusRunning, schema.StepStatusSkipped},
	schema.StepStatusRunning: {schema.StepStatusCompleted, schema.StepStatusFailed, schema.StepStatusSkipped},
	schema.StepStatusFailed:  {schema.StepStatusRunning, schema.StepStatusSkipped},
}

// RunFSM validates and applies run status transitions, emitting an audit
// event for each one. Every transition the engine makes flows through here
// so the audit log is a complete trace of the run lifecycle.
type RunFSM struct {
	audit AuditAppender
}

// NewRunFSM creates a run state machine backed by the given audit sink.
func NewRunFSM(audit AuditAppender) *RunFSM {
	return &RunFSM{audit: audit}
}

// Transition moves a run to the target status, or returns INVALID_TRANSITION.
func (f *RunFSM) Transition(ctx context.Context, run *schema.WorkflowRun, to schema.RunStatus) error {
	from := run.Status
	if !allowed(runTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"run %s cannot transition %s -> %s", run.ID, from, to)
	}

	run.Status = to
	now := time.Now().UTC()
	switch to {
	case schema.RunStatusCompleted, schema.RunStatusFailed:
		run.CompletedAt = &now
	}

	return f.audit.AppendAudit(ctx, &schema.WorkflowAuditEvent{
		Action:          runAuditAction(from, to),
		WorkflowID:      run.WorkflowID,
		WorkflowVersion: run.WorkflowVersion,
		RunID:           run.ID,
		Actor:           "engine",
		Timestamp:       now,
	})
}

func runAuditAction(from, to schema.RunStatus) string {
	switch to {
	case schema.RunStatusRunning:
		if from == schema.RunStatusBlocked {
			return schema.AuditRunResumed
		}
		return schema.AuditRunStarted
	case schema.RunStatusBlocked:
		return schema.AuditRunBlocked
	case schema.RunStatusCompleted:
		return schema.AuditRunCompleted
	default:
		return schema.AuditRunFailed
	}
}

// StepFSM validates and applies step status transitions within a run.
type StepFSM struct {
	audit AuditAppender
}

// NewStepFSM creates a step state machine backed by the given audit sink.
func NewStepFSM(audit AuditAppender) *StepFSM {
	return &StepFSM{audit: audit}
}

// Transition moves a step record to the target status, stamping timestamps
// and duration, or returns INVALID_TRANSITION.
func (f *StepFSM) Transition(ctx context.Context, run *schema.WorkflowRun, sr *schema.StepRun, to schema.StepStatus) error {
	from := sr.Status
	if !allowed(stepTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"step %s cannot transition %s -> %s", sr.StepID, from, to).
			WithStep(sr.StepID)
	}

	sr.Status = to
	now := time.Now().UTC()
	switch to {
	case schema.StepStatusRunning:
		if sr.StartedAt == nil {
			sr.StartedAt = &now
		}
	case schema.StepStatusCompleted, schema.StepStatusFailed, schema.StepStatusSkipped:
		sr.CompletedAt = &now
		if sr.StartedAt != nil {
			sr.DurationMS = now.Sub(*sr.StartedAt).Milliseconds()
		}
	}

	return f.audit.AppendAudit(ctx, &schema.WorkflowAuditEvent{
		Action:          stepAuditAction(from, to),
		WorkflowID:      run.WorkflowID,
		WorkflowVersion: run.WorkflowVersion,
		RunID:           run.ID,
		StepID:          sr.StepID,
		Actor:           "engine",
		Timestamp:       now,
	})
}

func stepAuditAction(from, to schema.StepStatus) string {
	switch to {
	case schema.StepStatusRunning:
		if from == schema.StepStatusFailed {
			return schema.AuditStepRetrying
		}
		return schema.AuditStepStarted
	case schema.StepStatusCompleted:
		return schema.AuditStepCompleted
	case schema.StepStatusSkipped:
		return schema.AuditStepSkipped
	default:
		return schema.AuditStepFailed
	}
}

func allowed[T comparable](targets []T, to T) bool {
	for _, t := range targets {
		if t == to {
			return true
		}
	}
	return false
}
