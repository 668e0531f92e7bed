package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskdeck/workflow/pkg/schema"
)

func schedulerDef() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID: "wf",
		Steps: []schema.WorkflowStep{
			{ID: "plan", Type: schema.StepTypeAgent, Agent: "planner"},
			{
				ID: "implement", Type: schema.StepTypeLoop, Agent: "coder",
				Loop: &schema.LoopConfig{Over: "context.files", VerifyEach: true, VerifyStep: "verify"},
			},
			{ID: "verify", Type: schema.StepTypeAgent, Agent: "reviewer"},
			{ID: "check", Type: schema.StepTypeGate, Condition: "true"},
			{
				ID: "review", Type: schema.StepTypeParallel,
				Parallel: &schema.ParallelConfig{Steps: []schema.ParallelSubStep{{ID: "a", Agent: "reviewer"}}},
			},
		},
	}
}

func TestScheduler_DeclarationOrder(t *testing.T) {
	sched := NewScheduler(schedulerDef())
	run := &schema.WorkflowRun{ID: "r-1"}

	d := sched.Next(run)
	require.Equal(t, DispatchAgent, d.Kind)
	assert.Equal(t, "plan", d.Step.ID)

	run.EnsureStepRun("plan", "planner").Status = schema.StepStatusCompleted
	d = sched.Next(run)
	require.Equal(t, DispatchLoop, d.Kind)
	assert.Equal(t, "implement", d.Step.ID)
}

func TestScheduler_VerifyOnlyStepsAreNotScheduled(t *testing.T) {
	sched := NewScheduler(schedulerDef())
	run := &schema.WorkflowRun{ID: "r-1"}
	run.EnsureStepRun("plan", "planner").Status = schema.StepStatusCompleted
	run.EnsureStepRun("implement", "coder").Status = schema.StepStatusCompleted

	// "verify" exists only as the loop's verify step; the gate comes next.
	d := sched.Next(run)
	require.Equal(t, DispatchGate, d.Kind)
	assert.Equal(t, "check", d.Step.ID)
	assert.True(t, sched.VerifyOnly("verify"))
}

func TestScheduler_SkippedCountsAsTerminal(t *testing.T) {
	sched := NewScheduler(schedulerDef())
	run := &schema.WorkflowRun{ID: "r-1"}
	run.EnsureStepRun("plan", "planner").Status = schema.StepStatusSkipped

	d := sched.Next(run)
	assert.Equal(t, "implement", d.Step.ID)
}

func TestScheduler_FailedStepIsReDispatched(t *testing.T) {
	sched := NewScheduler(schedulerDef())
	run := &schema.WorkflowRun{ID: "r-1"}
	run.EnsureStepRun("plan", "planner").Status = schema.StepStatusFailed

	d := sched.Next(run)
	assert.Equal(t, "plan", d.Step.ID)
}

func TestScheduler_RunComplete(t *testing.T) {
	sched := NewScheduler(schedulerDef())
	run := &schema.WorkflowRun{ID: "r-1"}
	for _, id := range []string{"plan", "implement", "check", "review"} {
		run.EnsureStepRun(id, "").Status = schema.StepStatusCompleted
	}

	d := sched.Next(run)
	assert.Equal(t, RunComplete, d.Kind)
	assert.Nil(t, d.Step)
}

func TestScheduler_Determinism(t *testing.T) {
	sched := NewScheduler(schedulerDef())
	run := &schema.WorkflowRun{ID: "r-1"}
	run.EnsureStepRun("plan", "planner").Status = schema.StepStatusCompleted

	first := sched.Next(run)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, sched.Next(run))
	}
}

func TestScheduler_StepIndex(t *testing.T) {
	sched := NewScheduler(schedulerDef())
	assert.Equal(t, 0, sched.StepIndex("plan"))
	assert.Equal(t, 3, sched.StepIndex("check"))
	assert.Equal(t, -1, sched.StepIndex("ghost"))
}
