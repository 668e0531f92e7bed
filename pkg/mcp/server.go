package mcp

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/taskdeck/workflow/internal/engine"
	"github.com/taskdeck/workflow/internal/store"
	"github.com/taskdeck/workflow/internal/validation"
	"github.com/taskdeck/workflow/pkg/schema"
)

// RunSupervisor is the engine surface the MCP tools drive.
type RunSupervisor interface {
	StartRun(ctx context.Context, workflowID string, opts engine.StartOptions) (*schema.WorkflowRun, error)
	ResumeRun(ctx context.Context, runID string) (*schema.WorkflowRun, error)
	Status(ctx context.Context, runID, userID string) (*schema.WorkflowRun, error)
	CancelRun(ctx context.Context, runID, userID string) (*schema.WorkflowRun, error)
	ResolveEscalation(ctx context.Context, runID string, res schema.Resolution) (*schema.WorkflowRun, error)
}

// CronPlanner computes the next trigger time for a cron expression. Satisfied
// by the scheduler; nil disables the workflow.schedule tool.
type CronPlanner interface {
	NextRun(cronExpr string, from time.Time) (time.Time, error)
}

// ServerDeps holds the dependencies for creating an EngineServer.
type ServerDeps struct {
	Supervisor RunSupervisor
	Store      store.Store
	Schedules  CronPlanner
	Logger     *slog.Logger
}

// EngineServer exposes the workflow engine over MCP stdio.
type EngineServer struct {
	supervisor RunSupervisor
	store      store.Store
	schedules  CronPlanner
	validator  *validation.WorkflowValidator
	logger     *slog.Logger
	sessions   *SessionRegistry
	notifier   Notifier
	mcpServer  *server.MCPServer
}

// NewEngineServer creates an EngineServer with all tools registered.
func NewEngineServer(deps ServerDeps) (*EngineServer, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	validator, err := validation.NewWorkflowValidator()
	if err != nil {
		return nil, err
	}

	s := &EngineServer{
		supervisor: deps.Supervisor,
		store:      deps.Store,
		schedules:  deps.Schedules,
		validator:  validator,
		logger:     logger,
		sessions:   NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"taskdeck-workflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Workflow execution engine for multi-agent task delegation. Use workflow.define to publish a definition, workflow.start to launch a run, workflow.status to inspect it, workflow.resolve to answer a blocked escalation, workflow.resume to recover an interrupted run, workflow.cancel to abort, workflow.query to list runs/definitions/audit/schedules, and workflow.schedule to manage cron triggers."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewPushNotifier(mcpSrv, s.sessions)
	return s, nil
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *EngineServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *EngineServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *EngineServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: resolveTool(), Handler: s.handleResolve},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: scheduleTool(), Handler: s.handleSchedule},
	}
}
