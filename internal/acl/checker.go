package acl

import (
	"context"

	"github.com/taskdeck/workflow/internal/store"
	"github.com/taskdeck/workflow/pkg/schema"
)

// Checker authorizes a user action against a workflow before the engine
// performs it. Implementations return a PERMISSION_ERROR, which bypasses the
// failure policy engine entirely.
type Checker interface {
	Require(ctx context.Context, workflowID, userID string, perm schema.WorkflowPermission) error
}

// StoreChecker enforces grants persisted in the store.
type StoreChecker struct {
	store store.Store
}

// NewStoreChecker creates a Checker backed by the persistence layer.
func NewStoreChecker(s store.Store) *StoreChecker {
	return &StoreChecker{store: s}
}

// Require returns nil when the user holds the permission, a PERMISSION_ERROR
// otherwise. An empty user id is always denied.
func (c *StoreChecker) Require(ctx context.Context, workflowID, userID string, perm schema.WorkflowPermission) error {
	if userID == "" {
		return schema.NewErrorf(schema.ErrCodePermission,
			"no user identity for %s on workflow %q", perm, workflowID)
	}
	ok, err := c.store.CheckPermission(ctx, workflowID, userID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return schema.NewErrorf(schema.ErrCodePermission,
			"user %q lacks %s permission on workflow %q", userID, perm, workflowID).
			WithDetails(map[string]any{"workflow_id": workflowID, "user_id": userID, "permission": string(perm)})
	}
	return nil
}

// AllowAll is a Checker that grants everything. Used in single-user setups
// and tests where access control is not configured.
type AllowAll struct{}

// Require always returns nil.
func (AllowAll) Require(ctx context.Context, workflowID, userID string, perm schema.WorkflowPermission) error {
	return nil
}

var (
	_ Checker = (*StoreChecker)(nil)
	_ Checker = AllowAll{}
)
