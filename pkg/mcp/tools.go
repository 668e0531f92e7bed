package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/taskdeck/workflow/internal/engine"
	"github.com/taskdeck/workflow/internal/store"
	"github.com/taskdeck/workflow/pkg/schema"
)

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("workflow.define",
		mcp.WithDescription("Validate and publish a workflow definition. Publishing the same id again creates a new immutable version"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object (id, name, agents, steps, ...)")),
		mcp.WithString("requested_by", mcp.Required(), mcp.Description("ID of the publishing user or agent")),
	)
}

func startTool() mcp.Tool {
	return mcp.NewTool("workflow.start",
		mcp.WithDescription("Start a run of a published workflow definition"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow definition")),
		mcp.WithNumber("version", mcp.Description("Definition version to run (default: latest published)")),
		mcp.WithString("task_id", mcp.Description("External task this run belongs to")),
		mcp.WithString("requested_by", mcp.Required(), mcp.Description("ID of the requesting user or agent")),
		mcp.WithObject("context", mcp.Description("Initial run context, merged over the definition's variables")),
		mcp.WithBoolean("detach", mcp.Description("Return immediately and drive the run in the background (default: false)")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("workflow.status",
		mcp.WithDescription("Get the checkpointed state of a workflow run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
		mcp.WithString("requested_by", mcp.Required(), mcp.Description("ID of the requesting user or agent")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("workflow.resume",
		mcp.WithDescription("Resume an interrupted run from its last checkpoint. Steps that were mid-flight are re-dispatched"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to resume")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("workflow.cancel",
		mcp.WithDescription("Cancel a non-terminal workflow run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to cancel")),
		mcp.WithString("requested_by", mcp.Required(), mcp.Description("ID of the requesting user or agent")),
	)
}

func resolveTool() mcp.Tool {
	return mcp.NewTool("workflow.resolve",
		mcp.WithDescription("Resolve a blocked run's human escalation"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the blocked run")),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("continue", "retry", "fail"),
			mcp.Description("continue skips past the blocking step, retry re-dispatches it, fail ends the run"),
		),
		mcp.WithString("note", mcp.Description("Free-form resolution note")),
		mcp.WithObject("context", mcp.Description("Context entries merged into the run before continuing")),
		mcp.WithString("requested_by", mcp.Required(), mcp.Description("ID of the resolving user or agent")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("workflow.query",
		mcp.WithDescription("Query runs, definitions, audit events, or schedules"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("runs", "definitions", "audit", "schedules"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (workflow_id, task_id, status, limit, run_id, since, enabled)")),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("workflow.schedule",
		mcp.WithDescription("Manage cron-triggered recurring runs of a workflow definition"),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("create", "delete", "enable", "disable"),
			mcp.Description("Schedule operation"),
		),
		mcp.WithString("schedule_id", mcp.Description("Schedule ID (required for delete/enable/disable, generated for create if omitted)")),
		mcp.WithString("workflow_id", mcp.Description("Workflow definition to run (create only)")),
		mcp.WithString("cron", mcp.Description("Standard 5-field cron expression (create only)")),
		mcp.WithObject("context", mcp.Description("Initial run context for triggered runs (create only)")),
		mcp.WithString("requested_by", mcp.Description("ID of the user the triggered runs act as (create only)")),
	)
}

// --- Handlers ---

// handleDefine validates a definition and stores it as a new version.
func (s *EngineServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	requestedBy, err := req.RequireString("requested_by")
	if err != nil {
		return mcp.NewToolResultError("requested_by is required"), nil
	}
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	defBytes, marshalErr := json.Marshal(defRaw)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", marshalErr)), nil
	}
	var def schema.WorkflowDefinition
	if unmarshalErr := json.Unmarshal(defBytes, &def); unmarshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", unmarshalErr)), nil
	}

	if result := s.validator.Validate(&def); !result.Valid() {
		return marshalResult(map[string]any{
			"valid":  false,
			"errors": result.Errors,
		})
	}

	s.captureSession(ctx, requestedBy)

	version, storeErr := s.store.PutDefinition(ctx, &def)
	if storeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to store definition: %v", storeErr)), nil
	}
	return marshalResult(map[string]any{
		"id":      def.ID,
		"version": version,
		"valid":   true,
	})
}

// handleStart launches a run. Detached runs are watched in the background so
// the requester gets a push notification when the run blocks or finishes.
func (s *EngineServer) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	requestedBy, err := req.RequireString("requested_by")
	if err != nil {
		return mcp.NewToolResultError("requested_by is required"), nil
	}
	detach := req.GetBool("detach", false)

	s.captureSession(ctx, requestedBy)

	run, startErr := s.supervisor.StartRun(ctx, workflowID, engine.StartOptions{
		Version:     req.GetInt("version", 0),
		TaskID:      req.GetString("task_id", ""),
		RequestedBy: requestedBy,
		Context:     mcp.ParseStringMap(req, "context", nil),
		Detach:      detach,
	})
	if startErr != nil && run == nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to start run: %v", startErr)), nil
	}
	if detach {
		go s.watchRun(run.ID, requestedBy)
	}
	return marshalResult(run)
}

// handleStatus returns a run's last checkpoint.
func (s *EngineServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	requestedBy, err := req.RequireString("requested_by")
	if err != nil {
		return mcp.NewToolResultError("requested_by is required"), nil
	}

	run, statusErr := s.supervisor.Status(ctx, runID, requestedBy)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}
	return marshalResult(run)
}

// handleResume recovers an interrupted run from its checkpoint.
func (s *EngineServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	run, resumeErr := s.supervisor.ResumeRun(ctx, runID)
	if run == nil && resumeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", resumeErr)), nil
	}
	return marshalResult(run)
}

// handleCancel aborts a non-terminal run.
func (s *EngineServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	requestedBy, err := req.RequireString("requested_by")
	if err != nil {
		return mcp.NewToolResultError("requested_by is required"), nil
	}

	run, cancelErr := s.supervisor.CancelRun(ctx, runID, requestedBy)
	if cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}
	return marshalResult(run)
}

// handleResolve answers a blocked run's escalation and drives it onward.
func (s *EngineServer) handleResolve(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}
	requestedBy, err := req.RequireString("requested_by")
	if err != nil {
		return mcp.NewToolResultError("requested_by is required"), nil
	}

	s.captureSession(ctx, requestedBy)

	run, resolveErr := s.supervisor.ResolveEscalation(ctx, runID, schema.Resolution{
		Action:  schema.ResolutionAction(action),
		Note:    req.GetString("note", ""),
		Context: mcp.ParseStringMap(req, "context", nil),
		By:      requestedBy,
	})
	if run == nil && resolveErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resolve failed: %v", resolveErr)), nil
	}
	return marshalResult(run)
}

// handleQuery lists runs, definitions, audit events, or schedules.
func (s *EngineServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "runs":
		return s.queryRuns(ctx, filter)
	case "definitions":
		return s.queryDefinitions(ctx)
	case "audit":
		return s.queryAudit(ctx, filter)
	case "schedules":
		return s.querySchedules(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// handleSchedule manages cron triggers for a definition.
func (s *EngineServer) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.schedules == nil {
		return mcp.NewToolResultError("scheduling is disabled on this server"), nil
	}
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}

	switch action {
	case "create":
		return s.createSchedule(ctx, req)
	case "delete":
		scheduleID := req.GetString("schedule_id", "")
		if scheduleID == "" {
			return mcp.NewToolResultError("schedule_id is required for delete"), nil
		}
		if delErr := s.store.DeleteScheduledRun(ctx, scheduleID); delErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("delete failed: %v", delErr)), nil
		}
		return marshalResult(map[string]any{"deleted": scheduleID})
	case "enable", "disable":
		scheduleID := req.GetString("schedule_id", "")
		if scheduleID == "" {
			return mcp.NewToolResultError("schedule_id is required for " + action), nil
		}
		enabled := action == "enable"
		if updErr := s.store.UpdateScheduledRun(ctx, scheduleID, store.ScheduledRunUpdate{Enabled: &enabled}); updErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", action, updErr)), nil
		}
		return marshalResult(map[string]any{"id": scheduleID, "enabled": enabled})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown schedule action: %s", action)), nil
	}
}

func (s *EngineServer) createSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID := req.GetString("workflow_id", "")
	cronExpr := req.GetString("cron", "")
	if workflowID == "" || cronExpr == "" {
		return mcp.NewToolResultError("workflow_id and cron are required for create"), nil
	}

	now := time.Now().UTC()
	next, cronErr := s.schedules.NextRun(cronExpr, now)
	if cronErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid cron expression: %v", cronErr)), nil
	}

	sr := &store.ScheduledRun{
		ID:             req.GetString("schedule_id", ""),
		WorkflowID:     workflowID,
		CronExpression: cronExpr,
		RequestedBy:    req.GetString("requested_by", ""),
		Enabled:        true,
		NextRunAt:      &next,
	}
	if sr.ID == "" {
		sr.ID = uuid.NewString()
	}
	if runContext := mcp.ParseStringMap(req, "context", nil); runContext != nil {
		raw, rawErr := json.Marshal(runContext)
		if rawErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid context: %v", rawErr)), nil
		}
		sr.Context = raw
	}

	if putErr := s.store.PutScheduledRun(ctx, sr); putErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to store schedule: %v", putErr)), nil
	}
	return marshalResult(sr)
}

// --- Query helpers ---

func (s *EngineServer) queryRuns(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	rf := schema.RunFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if workflowID, ok := filter["workflow_id"].(string); ok {
		rf.WorkflowID = workflowID
	}
	if taskID, ok := filter["task_id"].(string); ok {
		rf.TaskID = taskID
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		rs := schema.RunStatus(status)
		rf.Status = &rs
	}

	runs, err := s.store.ListRuns(ctx, rf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

func (s *EngineServer) queryDefinitions(ctx context.Context) (*mcp.CallToolResult, error) {
	defs, err := s.store.ListDefinitions(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"definitions": defs})
}

func (s *EngineServer) queryAudit(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	runID, _ := filter["run_id"].(string)
	if runID == "" {
		return mcp.NewToolResultError("audit query requires 'run_id' in filter"), nil
	}
	since := int64(extractInt(filter, "since", 0))

	events, err := s.store.ListAudit(ctx, runID, since)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

func (s *EngineServer) querySchedules(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	sf := store.ScheduledRunFilter{}
	if workflowID, ok := filter["workflow_id"].(string); ok {
		sf.WorkflowID = workflowID
	}
	if enabled, ok := filter["enabled"].(bool); ok {
		sf.Enabled = &enabled
	}

	schedules, err := s.store.ListScheduledRuns(ctx, sf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"schedules": schedules})
}

// --- Internal helpers ---

// watchRun polls a detached run's checkpoint and pushes a notification to the
// requester when it blocks or reaches a terminal state. Best-effort; gives up
// after 24 hours.
func (s *EngineServer) watchRun(runID, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 24*time.Hour)
	defer cancel()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		run, err := s.store.LoadCheckpoint(ctx, runID)
		if err != nil {
			continue
		}
		if run.Status != schema.RunStatusBlocked && !run.Status.Terminal() {
			continue
		}

		payload := map[string]any{
			"run_id":      run.ID,
			"workflow_id": run.WorkflowID,
			"status":      string(run.Status),
		}
		if run.Error != "" {
			payload["error"] = run.Error
		}
		if run.Escalation != nil {
			payload["escalation"] = run.Escalation
		}
		if notifyErr := s.notifier.Notify(ctx, userID, payload); notifyErr != nil {
			s.logger.Warn("run notification failed",
				"run_id", runID, "error", notifyErr.Error())
		}
		return
	}
}

// captureSession maps the caller's ID to its current MCP session so run
// notifications can be pushed back to it.
func (s *EngineServer) captureSession(ctx context.Context, userID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(userID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	switch val := filter[key].(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}
