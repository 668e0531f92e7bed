package schema

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// WorkflowDefinition is the immutable, versioned description of a workflow:
// the agents it may dispatch, the ordered steps it executes, and optional
// seed variables and output schemas. Published versions are never mutated;
// runs pin the version they started with.
type WorkflowDefinition struct {
	ID        string                     `json:"id"`
	Name      string                     `json:"name"`
	Version   int                        `json:"version"`
	Agents    []WorkflowAgent            `json:"agents"`
	Steps     []WorkflowStep             `json:"steps"`
	Variables map[string]any             `json:"variables,omitempty"`
	Schemas   map[string]json.RawMessage `json:"schemas,omitempty"`
	Policies  map[string]ToolPolicy      `json:"policies,omitempty"` // role -> tool policy
}

// Agent returns the declared agent with the given id, or nil.
func (d *WorkflowDefinition) Agent(id string) *WorkflowAgent {
	for i := range d.Agents {
		if d.Agents[i].ID == id {
			return &d.Agents[i]
		}
	}
	return nil
}

// Step returns the declared step with the given id, or nil.
func (d *WorkflowDefinition) Step(id string) *WorkflowStep {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// PolicyForRole resolves the tool policy for an agent role.
// Roles without an explicit policy get an empty (allow-all) policy.
func (d *WorkflowDefinition) PolicyForRole(role string) ToolPolicy {
	if p, ok := d.Policies[role]; ok {
		return p
	}
	return ToolPolicy{}
}

// WorkflowAgent declares an agent a workflow may dispatch steps to.
// Role maps to a ToolPolicy via the definition's Policies table.
type WorkflowAgent struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Role  string `json:"role"`
	Model string `json:"model,omitempty"`
}

// ToolPolicy is an allow/deny list of tool names an agent role may invoke
// during step execution. Denied takes precedence over Allowed; an empty
// Allowed list permits every tool not explicitly denied.
type ToolPolicy struct {
	Allowed []string `json:"allowed,omitempty"`
	Denied  []string `json:"denied,omitempty"`
}

// Allows reports whether the policy permits invoking the named tool.
func (p ToolPolicy) Allows(tool string) bool {
	for _, d := range p.Denied {
		if d == tool {
			return false
		}
	}
	if len(p.Allowed) == 0 {
		return true
	}
	for _, a := range p.Allowed {
		if a == tool {
			return true
		}
	}
	return false
}

// StepType discriminates the step variants. The scheduler switches
// exhaustively over these values.
type StepType string

const (
	StepTypeAgent    StepType = "agent"
	StepTypeLoop     StepType = "loop"
	StepTypeGate     StepType = "gate"
	StepTypeParallel StepType = "parallel"
)

// WorkflowStep is a tagged variant over Type. Common fields apply to every
// variant; Session and Agent are required for agent/loop steps, Loop for
// loop steps, Condition/OnFalse for gate steps, Parallel for parallel steps.
type WorkflowStep struct {
	ID                 string             `json:"id"`
	Name               string             `json:"name,omitempty"`
	Type               StepType           `json:"type"`
	Agent              string             `json:"agent,omitempty"`
	Input              string             `json:"input,omitempty"` // template resolved against context
	Output             *OutputSpec        `json:"output,omitempty"`
	AcceptanceCriteria string             `json:"acceptance_criteria,omitempty"`
	OnFail             *FailurePolicy     `json:"on_fail,omitempty"`
	Timeout            string             `json:"timeout,omitempty"`
	Session            *StepSessionConfig `json:"session,omitempty"`

	Loop      *LoopConfig       `json:"loop,omitempty"`
	Condition string            `json:"condition,omitempty"`
	OnFalse   *EscalationPolicy `json:"on_false,omitempty"`
	Parallel  *ParallelConfig   `json:"parallel,omitempty"`
}

// OutputSpec names the artifact a step produces and how its structured
// output is post-processed before merging into the run context.
type OutputSpec struct {
	File      string `json:"file"`
	Schema    string `json:"schema,omitempty"`    // id into WorkflowDefinition.Schemas
	Transform string `json:"transform,omitempty"` // jq program applied to the output
}

// FailurePolicy configures retry and escalation for a failing step.
type FailurePolicy struct {
	Retry           int               `json:"retry"`
	RetryDelayMS    int               `json:"retry_delay_ms,omitempty"`
	RetryStep       string            `json:"retry_step,omitempty"`
	EscalateTo      string            `json:"escalate_to,omitempty"`
	EscalateMessage string            `json:"escalate_message,omitempty"`
	OnExhausted     *EscalationPolicy `json:"on_exhausted,omitempty"`
}

// EscalationPolicy is the retry-free escalation shape used by gate steps
// (on_false) and by FailurePolicy.OnExhausted.
type EscalationPolicy struct {
	EscalateTo      string `json:"escalate_to"`
	EscalateMessage string `json:"escalate_message,omitempty"`
}

// Escalation targets. An agent target is written "agent:<id>".
const (
	EscalateHuman       = "human"
	EscalateSkip        = "skip"
	escalateAgentPrefix = "agent:"
)

// EscalationAgent extracts the agent id from an "agent:<id>" escalation
// target. ok is false for human/skip/empty targets.
func EscalationAgent(target string) (id string, ok bool) {
	if strings.HasPrefix(target, escalateAgentPrefix) {
		id = strings.TrimPrefix(target, escalateAgentPrefix)
		return id, id != ""
	}
	return "", false
}

// LoopCompletion selects how iteration outcomes aggregate to the loop's
// overall status.
type LoopCompletion string

const (
	LoopAllDone LoopCompletion = "all_done"
	LoopAnyDone LoopCompletion = "any_done"
	// LoopFirstSuccess is treated identically to LoopAnyDone. The distinct
	// literal is kept for definition readability.
	LoopFirstSuccess LoopCompletion = "first_success"
)

// ShortCircuits reports whether the completion policy stops the loop at the
// first completed iteration.
func (c LoopCompletion) ShortCircuits() bool {
	return c == LoopAnyDone || c == LoopFirstSuccess
}

// LoopConfig configures a loop step. Iterations are strictly sequential.
type LoopConfig struct {
	Over                     string         `json:"over"` // expression producing an array
	ItemVar                  string         `json:"item_var,omitempty"`
	IndexVar                 string         `json:"index_var,omitempty"`
	Completion               LoopCompletion `json:"completion,omitempty"` // default all_done
	FreshSessionPerIteration bool           `json:"fresh_session_per_iteration,omitempty"`
	VerifyEach               bool           `json:"verify_each,omitempty"`
	VerifyStep               string         `json:"verify_step,omitempty"`
	MaxIterations            int            `json:"max_iterations,omitempty"` // 0 = unbounded
	ContinueOnError          bool           `json:"continue_on_error,omitempty"`
}

// ItemVarName returns the configured item variable name, defaulting to "item".
func (c *LoopConfig) ItemVarName() string {
	if c.ItemVar != "" {
		return c.ItemVar
	}
	return "item"
}

// IndexVarName returns the configured index variable name, defaulting to "index".
func (c *LoopConfig) IndexVarName() string {
	if c.IndexVar != "" {
		return c.IndexVar
	}
	return "index"
}

// CompletionPolicy returns the configured completion, defaulting to all_done.
func (c *LoopConfig) CompletionPolicy() LoopCompletion {
	if c.Completion != "" {
		return c.Completion
	}
	return LoopAllDone
}

// ParallelCompletion is "all", "any", or an integer quorum N. It marshals
// to the literal string or JSON number it was declared with.
type ParallelCompletion struct {
	Any   bool
	Count int // 0 with Any=false means all
}

// Quorum returns the number of completed sub-steps required to resolve the
// group, given the group size.
func (c ParallelCompletion) Quorum(size int) int {
	switch {
	case c.Any:
		return 1
	case c.Count > 0:
		return c.Count
	default:
		return size
	}
}

func (c ParallelCompletion) MarshalJSON() ([]byte, error) {
	switch {
	case c.Any:
		return []byte(`"any"`), nil
	case c.Count > 0:
		return []byte(strconv.Itoa(c.Count)), nil
	default:
		return []byte(`"all"`), nil
	}
}

func (c *ParallelCompletion) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		if n <= 0 {
			return fmt.Errorf("parallel completion quorum must be positive, got %d", n)
		}
		*c = ParallelCompletion{Count: n}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("parallel completion must be \"all\", \"any\", or an integer")
	}
	switch s {
	case "all", "":
		*c = ParallelCompletion{}
	case "any":
		*c = ParallelCompletion{Any: true}
	default:
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return fmt.Errorf("unknown parallel completion %q", s)
		}
		*c = ParallelCompletion{Count: n}
	}
	return nil
}

// ParallelConfig configures a parallel step: a fixed set of sub-steps fanned
// out concurrently.
type ParallelConfig struct {
	Steps      []ParallelSubStep  `json:"steps"`
	Completion ParallelCompletion `json:"completion,omitempty"`
	FailFast   *bool              `json:"fail_fast,omitempty"` // default true
	Timeout    string             `json:"timeout,omitempty"`
}

// FailFastEnabled reports the effective fail_fast setting (default true).
func (c *ParallelConfig) FailFastEnabled() bool {
	return c.FailFast == nil || *c.FailFast
}

// ParallelSubStep is one branch of a parallel step. Each sub-step gets its
// own session; sessions are never shared across branches.
type ParallelSubStep struct {
	ID      string      `json:"id"`
	Agent   string      `json:"agent"`
	Input   string      `json:"input,omitempty"`
	Output  *OutputSpec `json:"output,omitempty"`
	Timeout string      `json:"timeout,omitempty"`
}

// SessionMode selects whether a step gets a new execution session or reuses
// the run's existing session for its agent.
type SessionMode string

const (
	SessionFresh SessionMode = "fresh"
	SessionReuse SessionMode = "reuse"
)

// SessionContextScope selects how much run context the executor sees.
type SessionContextScope string

const (
	SessionContextMinimal SessionContextScope = "minimal"
	SessionContextFull    SessionContextScope = "full"
	SessionContextCustom  SessionContextScope = "custom"
)

// SessionCleanup selects what happens to a session when the step finishes.
type SessionCleanup string

const (
	SessionCleanupDelete SessionCleanup = "delete"
	SessionCleanupKeep   SessionCleanup = "keep"
)

// StepSessionConfig governs the per-step execution session.
type StepSessionConfig struct {
	Mode               SessionMode         `json:"mode,omitempty"`    // default fresh
	Context            SessionContextScope `json:"context,omitempty"` // default minimal
	IncludeOutputsFrom []string            `json:"includeOutputsFrom,omitempty"`
	Cleanup            SessionCleanup      `json:"cleanup,omitempty"` // default delete
	Timeout            string              `json:"timeout,omitempty"`
}

// EffectiveMode returns the session mode, defaulting to fresh.
func (c *StepSessionConfig) EffectiveMode() SessionMode {
	if c != nil && c.Mode != "" {
		return c.Mode
	}
	return SessionFresh
}

// EffectiveScope returns the context scope, defaulting to minimal.
func (c *StepSessionConfig) EffectiveScope() SessionContextScope {
	if c != nil && c.Context != "" {
		return c.Context
	}
	return SessionContextMinimal
}

// EffectiveCleanup returns the cleanup policy, defaulting to delete.
func (c *StepSessionConfig) EffectiveCleanup() SessionCleanup {
	if c != nil && c.Cleanup != "" {
		return c.Cleanup
	}
	return SessionCleanupDelete
}
