package engine

import (
	"context"
	"errors"
	"time"

	"github.com/taskdeck/workflow/pkg/schema"
)

// FailureAction is the policy engine's verdict on a failed attempt.
type FailureAction int

const (
	// FailRun stops the run with the step's error.
	FailRun FailureAction = iota
	// Retry re-dispatches the same step.
	Retry
	// Redirect rewinds execution to an earlier step before retrying.
	Redirect
	// EscalateHuman blocks the run until a human resolves the escalation.
	EscalateHuman
	// EscalateAgent hands the failure to a fallback agent.
	EscalateAgent
	// SkipStep marks the step skipped and continues the run.
	SkipStep
)

// FailureDecision tells the supervisor how to react to a failed attempt.
type FailureDecision struct {
	Action  FailureAction
	Target  string // redirect step id, or escalation agent id
	Message string
	Delay   time.Duration
}

// Classify maps a failed attempt to a policy decision. attempt counts
// failures so far, starting at 1 for the first failure, so a policy with
// retry=N allows N+1 total attempts. Non-retryable errors fail the run
// regardless of policy.
func Classify(step *schema.WorkflowStep, attempt int, err error) FailureDecision {
	var engErr *schema.EngineError
	if errors.As(err, &engErr) && !engErr.IsRetryable() {
		return FailureDecision{Action: FailRun, Message: engErr.Message}
	}

	policy := step.OnFail
	if policy == nil {
		return FailureDecision{Action: FailRun, Message: err.Error()}
	}

	if attempt <= policy.Retry {
		delay := time.Duration(policy.RetryDelayMS) * time.Millisecond
		if policy.RetryStep != "" {
			return FailureDecision{Action: Redirect, Target: policy.RetryStep, Delay: delay}
		}
		return FailureDecision{Action: Retry, Delay: delay}
	}

	target := policy.EscalateTo
	message := policy.EscalateMessage
	if policy.OnExhausted != nil {
		target = policy.OnExhausted.EscalateTo
		if policy.OnExhausted.EscalateMessage != "" {
			message = policy.OnExhausted.EscalateMessage
		}
	}
	return escalationDecision(target, message, err)
}

// ClassifyGate maps a false gate condition (or a condition evaluation error)
// to a policy decision. Gates never retry; on_false is the whole policy.
func ClassifyGate(step *schema.WorkflowStep, err error) FailureDecision {
	if step.OnFalse == nil {
		msg := "gate condition not satisfied"
		if err != nil {
			msg = err.Error()
		}
		return FailureDecision{Action: FailRun, Message: msg}
	}
	return escalationDecision(step.OnFalse.EscalateTo, step.OnFalse.EscalateMessage, err)
}

func escalationDecision(target, message string, err error) FailureDecision {
	if message == "" && err != nil {
		message = err.Error()
	}
	switch target {
	case "":
		return FailureDecision{Action: FailRun, Message: message}
	case schema.EscalateHuman:
		return FailureDecision{Action: EscalateHuman, Message: message}
	case schema.EscalateSkip:
		return FailureDecision{Action: SkipStep, Message: message}
	default:
		if agent, ok := schema.EscalationAgent(target); ok {
			return FailureDecision{Action: EscalateAgent, Target: agent, Message: message}
		}
		// Unknown targets are rejected at publish time.
		return FailureDecision{Action: FailRun, Message: "unknown escalation target " + target}
	}
}

// WaitForRetry sleeps out a retry delay, aborting early if the run context
// is cancelled.
func WaitForRetry(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return schema.NewError(schema.ErrCodeCancelled, "retry wait cancelled").WithCause(ctx.Err())
	case <-timer.C:
		return nil
	}
}
