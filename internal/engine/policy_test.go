package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskdeck/workflow/pkg/schema"
)

func retryableErr() error {
	return schema.NewError(schema.ErrCodeExecutorFailure, "boom")
}

func TestClassify_NoPolicyFailsRun(t *testing.T) {
	step := &schema.WorkflowStep{ID: "build"}
	d := Classify(step, 1, retryableErr())
	assert.Equal(t, FailRun, d.Action)
}

func TestClassify_RetryBudgetGivesNPlusOneAttempts(t *testing.T) {
	step := &schema.WorkflowStep{ID: "build", OnFail: &schema.FailurePolicy{Retry: 2}}

	// Failures 1 and 2 retry, so attempts 2 and 3 happen. Failure 3 exhausts.
	assert.Equal(t, Retry, Classify(step, 1, retryableErr()).Action)
	assert.Equal(t, Retry, Classify(step, 2, retryableErr()).Action)
	assert.Equal(t, FailRun, Classify(step, 3, retryableErr()).Action)
}

func TestClassify_RetryDelay(t *testing.T) {
	step := &schema.WorkflowStep{ID: "build", OnFail: &schema.FailurePolicy{Retry: 1, RetryDelayMS: 250}}
	d := Classify(step, 1, retryableErr())
	assert.Equal(t, Retry, d.Action)
	assert.Equal(t, 250*time.Millisecond, d.Delay)
}

func TestClassify_RetryStepRedirects(t *testing.T) {
	step := &schema.WorkflowStep{ID: "verify", OnFail: &schema.FailurePolicy{Retry: 1, RetryStep: "implement"}}
	d := Classify(step, 1, retryableErr())
	assert.Equal(t, Redirect, d.Action)
	assert.Equal(t, "implement", d.Target)
}

func TestClassify_NonRetryableBypassesPolicy(t *testing.T) {
	step := &schema.WorkflowStep{ID: "build", OnFail: &schema.FailurePolicy{Retry: 5, EscalateTo: "human"}}

	for _, code := range []string{schema.ErrCodePermission, schema.ErrCodeDefinition} {
		err := schema.NewError(code, "nope")
		d := Classify(step, 1, err)
		assert.Equal(t, FailRun, d.Action, "code %s must not retry", code)
	}
}

func TestClassify_ExhaustedEscalation(t *testing.T) {
	cases := []struct {
		target string
		action FailureAction
		agent  string
	}{
		{"human", EscalateHuman, ""},
		{"skip", SkipStep, ""},
		{"agent:fixer", EscalateAgent, "fixer"},
		{"", FailRun, ""},
	}
	for _, tc := range cases {
		step := &schema.WorkflowStep{ID: "build", OnFail: &schema.FailurePolicy{Retry: 1, EscalateTo: tc.target}}
		d := Classify(step, 2, retryableErr())
		assert.Equal(t, tc.action, d.Action, "target %q", tc.target)
		assert.Equal(t, tc.agent, d.Target)
	}
}

func TestClassify_OnExhaustedOverridesEscalateTo(t *testing.T) {
	step := &schema.WorkflowStep{ID: "build", OnFail: &schema.FailurePolicy{
		Retry:      1,
		EscalateTo: "human",
		OnExhausted: &schema.EscalationPolicy{
			EscalateTo:      "skip",
			EscalateMessage: "budget spent",
		},
	}}
	d := Classify(step, 2, retryableErr())
	assert.Equal(t, SkipStep, d.Action)
	assert.Equal(t, "budget spent", d.Message)
}

func TestClassifyGate(t *testing.T) {
	gate := &schema.WorkflowStep{ID: "check", Type: schema.StepTypeGate}
	assert.Equal(t, FailRun, ClassifyGate(gate, nil).Action)

	gate.OnFalse = &schema.EscalationPolicy{EscalateTo: "agent:coder", EscalateMessage: "tests red"}
	d := ClassifyGate(gate, nil)
	assert.Equal(t, EscalateAgent, d.Action)
	assert.Equal(t, "coder", d.Target)
	assert.Equal(t, "tests red", d.Message)

	gate.OnFalse = &schema.EscalationPolicy{EscalateTo: "skip"}
	assert.Equal(t, SkipStep, ClassifyGate(gate, errors.New("bad expr")).Action)
}

func TestWaitForRetry_CancelAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WaitForRetry(ctx, time.Minute)
	require.Error(t, err)
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeCancelled, engErr.Code)
}

func TestWaitForRetry_ZeroDelayReturnsImmediately(t *testing.T) {
	assert.NoError(t, WaitForRetry(context.Background(), 0))
}
