package schema

import (
	"encoding/json"
	"time"
)

// Audit actions emitted on lifecycle transitions.
const (
	AuditRunStarted   = "run_started"
	AuditRunCompleted = "run_completed"
	AuditRunFailed    = "run_failed"
	AuditRunBlocked   = "run_blocked"
	AuditRunResumed   = "run_resumed"
	AuditRunCancelled = "run_cancelled"

	AuditStepStarted   = "step_started"
	AuditStepCompleted = "step_completed"
	AuditStepFailed    = "step_failed"
	AuditStepSkipped   = "step_skipped"
	AuditStepRetrying  = "step_retrying"

	AuditGateEvaluated      = "gate_evaluated"
	AuditLoopIteration      = "loop_iteration"
	AuditLoopCompleted      = "loop_completed"
	AuditParallelStarted    = "parallel_started"
	AuditParallelCompleted  = "parallel_completed"
	AuditEscalationRaised   = "escalation_raised"
	AuditEscalationResolved = "escalation_resolved"

	AuditDefinitionPublished = "definition_published"
	AuditScheduledRunStarted = "scheduled_run_started"
)

// WorkflowAuditEvent is an immutable entry in the append-only audit log.
// Sequence is monotonically increasing per run.
type WorkflowAuditEvent struct {
	ID              int64           `json:"id"`
	Action          string          `json:"action"`
	WorkflowID      string          `json:"workflow_id"`
	WorkflowVersion int             `json:"workflow_version,omitempty"`
	RunID           string          `json:"run_id,omitempty"`
	StepID          string          `json:"step_id,omitempty"`
	Actor           string          `json:"actor,omitempty"`
	Changes         json.RawMessage `json:"changes,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
	Sequence        int64           `json:"sequence"`
}
