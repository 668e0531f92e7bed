package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"
)

// ScheduledRun is a cron-triggered workflow start. The scheduler polls these
// rows and starts a run whenever next_run_at is due.
type ScheduledRun struct {
	ID              string          `json:"id"`
	WorkflowID      string          `json:"workflow_id"`
	WorkflowVersion int             `json:"workflow_version,omitempty"` // 0 pins latest at trigger time
	CronExpression  string          `json:"cron_expression"`
	Context         json.RawMessage `json:"context,omitempty"`
	RequestedBy     string          `json:"requested_by,omitempty"`
	Enabled         bool            `json:"enabled"`
	LastRunAt       *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus   string          `json:"last_run_status,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// ScheduledRunFilter narrows ListScheduledRuns.
type ScheduledRunFilter struct {
	WorkflowID string
	Enabled    *bool
}

// ScheduledRunUpdate carries post-trigger bookkeeping. Nil fields are left
// untouched.
type ScheduledRunUpdate struct {
	LastRunAt     *time.Time
	NextRunAt     *time.Time
	LastRunStatus string
	Enabled       *bool
}

// PutScheduledRun inserts or replaces a schedule.
func (s *LibSQLStore) PutScheduledRun(ctx context.Context, sr *ScheduledRun) error {
	now := time.Now().UTC()
	if sr.CreatedAt.IsZero() {
		sr.CreatedAt = now
	}
	sr.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_runs
		   (id, workflow_id, workflow_version, cron_expression, context, requested_by,
		    enabled, last_run_at, next_run_at, last_run_status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   workflow_id=excluded.workflow_id, workflow_version=excluded.workflow_version,
		   cron_expression=excluded.cron_expression, context=excluded.context,
		   requested_by=excluded.requested_by, enabled=excluded.enabled,
		   next_run_at=excluded.next_run_at, updated_at=excluded.updated_at`,
		sr.ID, sr.WorkflowID, sr.WorkflowVersion, sr.CronExpression,
		nullRaw(sr.Context), nullStr(sr.RequestedBy), boolInt(sr.Enabled),
		nullTime(sr.LastRunAt), nullTime(sr.NextRunAt), nullStr(sr.LastRunStatus),
		sr.CreatedAt, sr.UpdatedAt,
	)
	if err != nil {
		return storeErr("put scheduled run", err)
	}
	return nil
}

// GetScheduledRun loads one schedule by id.
func (s *LibSQLStore) GetScheduledRun(ctx context.Context, id string) (*ScheduledRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, workflow_version, cron_expression, context, requested_by,
		        enabled, last_run_at, next_run_at, last_run_status, created_at, updated_at
		 FROM scheduled_runs WHERE id = ?`, id)
	sr, err := scanScheduledRun(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled run", id)
	}
	if err != nil {
		return nil, storeErr("get scheduled run", err)
	}
	return sr, nil
}

// ListScheduledRuns returns schedules matching the filter, ordered by id.
func (s *LibSQLStore) ListScheduledRuns(ctx context.Context, filter ScheduledRunFilter) ([]*ScheduledRun, error) {
	var where []string
	var args []any
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolInt(*filter.Enabled))
	}

	query := `SELECT id, workflow_id, workflow_version, cron_expression, context, requested_by,
	                 enabled, last_run_at, next_run_at, last_run_status, created_at, updated_at
	          FROM scheduled_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list scheduled runs", err)
	}
	defer rows.Close()

	var out []*ScheduledRun
	for rows.Next() {
		sr, err := scanScheduledRun(rows)
		if err != nil {
			return nil, storeErr("scan scheduled run", err)
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

// UpdateScheduledRun applies post-trigger bookkeeping to a schedule.
func (s *LibSQLStore) UpdateScheduledRun(ctx context.Context, id string, upd ScheduledRunUpdate) error {
	var sets []string
	var args []any
	if upd.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *upd.LastRunAt)
	}
	if upd.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *upd.NextRunAt)
	}
	if upd.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, upd.LastRunStatus)
	}
	if upd.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*upd.Enabled))
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_runs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return storeErr("update scheduled run", err)
	}
	return checkRowsAffected(res, "scheduled run", id)
}

// DeleteScheduledRun removes a schedule.
func (s *LibSQLStore) DeleteScheduledRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_runs WHERE id = ?`, id)
	if err != nil {
		return storeErr("delete scheduled run", err)
	}
	return checkRowsAffected(res, "scheduled run", id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScheduledRun(row rowScanner) (*ScheduledRun, error) {
	sr := &ScheduledRun{}
	var (
		contextRaw sql.NullString
		reqBy      sql.NullString
		status     sql.NullString
		enabled    int
		lastRun    sql.NullTime
		nextRun    sql.NullTime
	)
	err := row.Scan(&sr.ID, &sr.WorkflowID, &sr.WorkflowVersion, &sr.CronExpression,
		&contextRaw, &reqBy, &enabled, &lastRun, &nextRun, &status,
		&sr.CreatedAt, &sr.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sr.Context = rawOrNil(contextRaw)
	sr.RequestedBy = reqBy.String
	sr.LastRunStatus = status.String
	sr.Enabled = enabled != 0
	if lastRun.Valid {
		t := lastRun.Time
		sr.LastRunAt = &t
	}
	if nextRun.Valid {
		t := nextRun.Time
		sr.NextRunAt = &t
	}
	return sr, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
