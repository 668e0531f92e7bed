package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskdeck/workflow/pkg/schema"
)

// auditRecorder captures audit events in memory for transition assertions.
type auditRecorder struct {
	mu     sync.Mutex
	events []*schema.WorkflowAuditEvent
}

func (r *auditRecorder) AppendAudit(_ context.Context, e *schema.WorkflowAuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *auditRecorder) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Action
	}
	return out
}

func TestRunFSM_HappyPath(t *testing.T) {
	rec := &auditRecorder{}
	fsm := NewRunFSM(rec)
	run := &schema.WorkflowRun{ID: "r-1", WorkflowID: "wf", Status: schema.RunStatusPending}

	require.NoError(t, fsm.Transition(context.Background(), run, schema.RunStatusRunning))
	require.NoError(t, fsm.Transition(context.Background(), run, schema.RunStatusCompleted))
	assert.Equal(t, []string{schema.AuditRunStarted, schema.AuditRunCompleted}, rec.actions())
	assert.NotNil(t, run.CompletedAt)
}

func TestRunFSM_BlockedResumes(t *testing.T) {
	rec := &auditRecorder{}
	fsm := NewRunFSM(rec)
	run := &schema.WorkflowRun{ID: "r-1", Status: schema.RunStatusRunning}

	require.NoError(t, fsm.Transition(context.Background(), run, schema.RunStatusBlocked))
	require.NoError(t, fsm.Transition(context.Background(), run, schema.RunStatusRunning))
	assert.Equal(t, []string{schema.AuditRunBlocked, schema.AuditRunResumed}, rec.actions())
}

func TestRunFSM_InvalidTransitions(t *testing.T) {
	fsm := NewRunFSM(&auditRecorder{})
	cases := []struct {
		from, to schema.RunStatus
	}{
		{schema.RunStatusPending, schema.RunStatusCompleted},
		{schema.RunStatusPending, schema.RunStatusBlocked},
		{schema.RunStatusCompleted, schema.RunStatusRunning},
		{schema.RunStatusFailed, schema.RunStatusRunning},
		{schema.RunStatusBlocked, schema.RunStatusCompleted},
	}
	for _, tc := range cases {
		run := &schema.WorkflowRun{ID: "r-1", Status: tc.from}
		err := fsm.Transition(context.Background(), run, tc.to)
		require.Error(t, err, "%s -> %s", tc.from, tc.to)
		var engErr *schema.EngineError
		require.ErrorAs(t, err, &engErr)
		assert.Equal(t, schema.ErrCodeInvalidTransition, engErr.Code)
		assert.Equal(t, tc.from, run.Status, "status must not change on rejection")
	}
}

func TestStepFSM_LifecycleAndRetry(t *testing.T) {
	rec := &auditRecorder{}
	fsm := NewStepFSM(rec)
	run := &schema.WorkflowRun{ID: "r-1", Status: schema.RunStatusRunning}
	sr := &schema.StepRun{StepID: "build", Status: schema.StepStatusPending}

	ctx := context.Background()
	require.NoError(t, fsm.Transition(ctx, run, sr, schema.StepStatusRunning))
	require.NoError(t, fsm.Transition(ctx, run, sr, schema.StepStatusFailed))
	require.NoError(t, fsm.Transition(ctx, run, sr, schema.StepStatusRunning))
	require.NoError(t, fsm.Transition(ctx, run, sr, schema.StepStatusCompleted))

	assert.Equal(t, []string{
		schema.AuditStepStarted,
		schema.AuditStepFailed,
		schema.AuditStepRetrying,
		schema.AuditStepCompleted,
	}, rec.actions())
	assert.NotNil(t, sr.StartedAt)
	assert.NotNil(t, sr.CompletedAt)
}

func TestStepFSM_SkipFromPendingAndFailed(t *testing.T) {
	fsm := NewStepFSM(&auditRecorder{})
	run := &schema.WorkflowRun{ID: "r-1"}
	ctx := context.Background()

	sr := &schema.StepRun{StepID: "a", Status: schema.StepStatusPending}
	require.NoError(t, fsm.Transition(ctx, run, sr, schema.StepStatusSkipped))

	sr = &schema.StepRun{StepID: "b", Status: schema.StepStatusFailed}
	require.NoError(t, fsm.Transition(ctx, run, sr, schema.StepStatusSkipped))
}

func TestStepFSM_CompletedIsTerminal(t *testing.T) {
	fsm := NewStepFSM(&auditRecorder{})
	run := &schema.WorkflowRun{ID: "r-1"}
	sr := &schema.StepRun{StepID: "a", Status: schema.StepStatusCompleted}

	err := fsm.Transition(context.Background(), run, sr, schema.StepStatusRunning)
	require.Error(t, err)
}
