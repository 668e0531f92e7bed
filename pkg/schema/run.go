package schema

import "time"

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusBlocked   RunStatus = "blocked"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// StepStatus represents the lifecycle state of a step execution.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// Terminal reports whether the status admits no further transitions.
// A failed step may still be re-dispatched by the retry path.
func (s StepStatus) Terminal() bool {
	return s == StepStatusCompleted || s == StepStatusSkipped
}

// WorkflowRun is one execution instance of a workflow definition. It
// exclusively owns its step history and context map and is the unit of
// checkpoint persistence and crash recovery. The definition is referenced
// by id+version, never embedded; the pinned version never changes after
// the run starts.
type WorkflowRun struct {
	ID              string    `json:"id"`
	WorkflowID      string    `json:"workflowId"`
	WorkflowVersion int       `json:"workflowVersion"`
	TaskID          string    `json:"taskId,omitempty"`
	RequestedBy     string    `json:"requestedBy,omitempty"`
	Status          RunStatus `json:"status"`
	CurrentStep     string    `json:"currentStep,omitempty"`

	// Context grows monotonically as steps emit outputs. ContextOwners maps
	// each context key to the step that last wrote it, so custom session
	// scoping survives a resume.
	Context       map[string]any    `json:"context"`
	ContextOwners map[string]string `json:"contextOwners,omitempty"`

	StartedAt      time.Time   `json:"startedAt"`
	CompletedAt    *time.Time  `json:"completedAt,omitempty"`
	LastCheckpoint *time.Time  `json:"lastCheckpoint,omitempty"`
	Error          string      `json:"error,omitempty"`
	Steps          []*StepRun  `json:"steps"`
	Escalation     *Escalation `json:"escalation,omitempty"` // set while blocked
}

// StepRun returns the run's record for a step id, or nil. Records are
// append-only per step id: a retried step mutates its existing record.
func (r *WorkflowRun) StepRun(stepID string) *StepRun {
	for _, sr := range r.Steps {
		if sr.StepID == stepID {
			return sr
		}
	}
	return nil
}

// EnsureStepRun returns the record for a step id, appending a pending one
// if the step has not been attempted yet.
func (r *WorkflowRun) EnsureStepRun(stepID, agent string) *StepRun {
	if sr := r.StepRun(stepID); sr != nil {
		return sr
	}
	sr := &StepRun{StepID: stepID, Agent: agent, Status: StepStatusPending}
	r.Steps = append(r.Steps, sr)
	return sr
}

// StepRun records one step's execution within a run. Loop iterations are
// aggregated under LoopState; parallel sub-executions are nested SubSteps.
type StepRun struct {
	StepID      string     `json:"stepId"`
	Status      StepStatus `json:"status"`
	Agent       string     `json:"agent,omitempty"`
	SessionKey  string     `json:"sessionKey,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	DurationMS  int64      `json:"duration,omitempty"`
	Retries     int        `json:"retries"`
	Output      string     `json:"output,omitempty"` // artifact path
	Error       string     `json:"error,omitempty"`
	LoopState   *LoopState `json:"loopState,omitempty"`
	SubSteps    []*StepRun `json:"subSteps,omitempty"`
}

// LoopState summarizes a loop step's iteration progress.
type LoopState struct {
	TotalIterations     int `json:"totalIterations"`
	CurrentIteration    int `json:"currentIteration"`
	CompletedIterations int `json:"completedIterations"`
	FailedIterations    int `json:"failedIterations"`
}

// Escalation records why a run is blocked awaiting external input.
type Escalation struct {
	StepID   string    `json:"stepId"`
	Target   string    `json:"target"`
	Message  string    `json:"message,omitempty"`
	RaisedAt time.Time `json:"raisedAt"`
}

// ResolutionAction selects how a blocked run continues after a human
// resolves an escalation.
type ResolutionAction string

const (
	ResolutionContinue ResolutionAction = "continue" // skip past the blocking step
	ResolutionRetry    ResolutionAction = "retry"    // re-dispatch the blocking step
	ResolutionFail     ResolutionAction = "fail"     // fail the run
)

// Resolution is the external answer to a blocked run's escalation.
// Context entries are merged into the run context before continuing.
type Resolution struct {
	Action  ResolutionAction `json:"action"`
	Note    string           `json:"note,omitempty"`
	Context map[string]any   `json:"context,omitempty"`
	By      string           `json:"by,omitempty"`
}

// RunFilter specifies criteria for listing persisted runs.
type RunFilter struct {
	WorkflowID string     `json:"workflow_id,omitempty"`
	TaskID     string     `json:"task_id,omitempty"`
	Status     *RunStatus `json:"status,omitempty"`
	Limit      int        `json:"limit,omitempty"`
	Offset     int        `json:"offset,omitempty"`
}

// WorkflowPermission is an ACL capability checked before engine actions.
type WorkflowPermission string

const (
	PermissionView    WorkflowPermission = "view"
	PermissionRun     WorkflowPermission = "run"
	PermissionEdit    WorkflowPermission = "edit"
	PermissionResolve WorkflowPermission = "resolve"
)
