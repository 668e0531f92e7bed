package store

import (
	"context"

	"github.com/taskdeck/workflow/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Definitions (immutable, versioned)
	PutDefinition(ctx context.Context, def *schema.WorkflowDefinition) (version int, err error)
	GetDefinition(ctx context.Context, id string, version int) (*schema.WorkflowDefinition, error)
	ListDefinitions(ctx context.Context) ([]*schema.WorkflowDefinition, error)

	// Run checkpoints
	SaveCheckpoint(ctx context.Context, run *schema.WorkflowRun) error
	LoadCheckpoint(ctx context.Context, runID string) (*schema.WorkflowRun, error)
	ListRuns(ctx context.Context, filter schema.RunFilter) ([]*schema.WorkflowRun, error)

	// Audit log (append-only)
	AppendAudit(ctx context.Context, event *schema.WorkflowAuditEvent) error
	ListAudit(ctx context.Context, runID string, since int64) ([]*schema.WorkflowAuditEvent, error)

	// Scheduled runs (cron triggers)
	PutScheduledRun(ctx context.Context, sr *ScheduledRun) error
	GetScheduledRun(ctx context.Context, id string) (*ScheduledRun, error)
	ListScheduledRuns(ctx context.Context, filter ScheduledRunFilter) ([]*ScheduledRun, error)
	UpdateScheduledRun(ctx context.Context, id string, upd ScheduledRunUpdate) error
	DeleteScheduledRun(ctx context.Context, id string) error

	// Permissions
	Grant(ctx context.Context, workflowID, userID string, perm schema.WorkflowPermission) error
	Revoke(ctx context.Context, workflowID, userID string, perm schema.WorkflowPermission) error
	CheckPermission(ctx context.Context, workflowID, userID string, perm schema.WorkflowPermission) (bool, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}

// LatestVersion requests the newest published version from GetDefinition.
const LatestVersion = 0
