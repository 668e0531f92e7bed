package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/taskdeck/workflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Definitions ---

// PutDefinition publishes a new immutable version of a definition. The
// version is assigned inside the transaction as latest+1 and written back
// onto the definition.
func (s *LibSQLStore) PutDefinition(ctx context.Context, def *schema.WorkflowDefinition) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var version int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM workflow_definitions WHERE id = ?`, def.ID,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("next version: %w", err)
	}
	def.Version = version

	payload, err := json.Marshal(def)
	if err != nil {
		return 0, fmt.Errorf("marshal definition: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflow_definitions (id, version, name, definition, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		def.ID, version, def.Name, string(payload), time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert definition: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit definition: %w", err)
	}
	return version, nil
}

// GetDefinition loads a definition by id and version. Version <= 0 means
// the latest published version.
func (s *LibSQLStore) GetDefinition(ctx context.Context, id string, version int) (*schema.WorkflowDefinition, error) {
	var payload string
	var err error
	if version <= 0 {
		err = s.db.QueryRowContext(ctx,
			`SELECT definition FROM workflow_definitions WHERE id = ? ORDER BY version DESC LIMIT 1`, id,
		).Scan(&payload)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT definition FROM workflow_definitions WHERE id = ? AND version = ?`, id, version,
		).Scan(&payload)
	}
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow definition", id)
	}
	if err != nil {
		return nil, storeErr("get definition", err)
	}

	def := &schema.WorkflowDefinition{}
	if err := json.Unmarshal([]byte(payload), def); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"unmarshal definition %q: %s", id, err.Error()).WithCause(err)
	}
	return def, nil
}

// ListDefinitions returns the latest version of every definition.
func (s *LibSQLStore) ListDefinitions(ctx context.Context) ([]*schema.WorkflowDefinition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT d.definition FROM workflow_definitions d
		 JOIN (SELECT id, MAX(version) AS version FROM workflow_definitions GROUP BY id) latest
		   ON d.id = latest.id AND d.version = latest.version
		 ORDER BY d.id`,
	)
	if err != nil {
		return nil, storeErr("list definitions", err)
	}
	defer rows.Close()

	var defs []*schema.WorkflowDefinition
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, storeErr("scan definition", err)
		}
		def := &schema.WorkflowDefinition{}
		if err := json.Unmarshal([]byte(payload), def); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"unmarshal definition: %s", err.Error()).WithCause(err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// --- Run checkpoints ---

// SaveCheckpoint persists the full run state. The run's LastCheckpoint is
// stamped before serialization so a resumed run knows when it was saved.
func (s *LibSQLStore) SaveCheckpoint(ctx context.Context, run *schema.WorkflowRun) error {
	now := time.Now().UTC()
	run.LastCheckpoint = &now

	payload, err := json.Marshal(run)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore,
			"marshal run %q: %s", run.ID, err.Error()).WithCause(err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_runs (id, workflow_id, workflow_version, task_id, status, payload, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   status=excluded.status, payload=excluded.payload,
		   completed_at=excluded.completed_at, updated_at=excluded.updated_at`,
		run.ID, run.WorkflowID, run.WorkflowVersion, nullStr(run.TaskID),
		string(run.Status), string(payload),
		run.StartedAt, nullTime(run.CompletedAt), now,
	)
	if err != nil {
		return storeErr("save checkpoint", err)
	}
	return nil
}

// LoadCheckpoint restores a run from its latest checkpoint. A payload that
// no longer unmarshals is surfaced as CORRUPT_CHECKPOINT, never silently
// repaired.
func (s *LibSQLStore) LoadCheckpoint(ctx context.Context, runID string) (*schema.WorkflowRun, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM workflow_runs WHERE id = ?`, runID,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", runID)
	}
	if err != nil {
		return nil, storeErr("load checkpoint", err)
	}

	run := &schema.WorkflowRun{}
	if err := json.Unmarshal([]byte(payload), run); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCorruptCheckpoint,
			"checkpoint for run %q is corrupt: %s", runID, err.Error()).WithCause(err)
	}
	return run, nil
}

// ListRuns returns run checkpoints matching the filter, newest first.
func (s *LibSQLStore) ListRuns(ctx context.Context, filter schema.RunFilter) ([]*schema.WorkflowRun, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, filter.TaskID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := `SELECT payload FROM workflow_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list runs", err)
	}
	defer rows.Close()

	var runs []*schema.WorkflowRun
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, storeErr("scan run", err)
		}
		run := &schema.WorkflowRun{}
		if err := json.Unmarshal([]byte(payload), run); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeCorruptCheckpoint,
				"checkpoint is corrupt: %s", err.Error()).WithCause(err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- Audit log ---

// AppendAudit appends an event with the next per-run sequence number.
func (s *LibSQLStore) AppendAudit(ctx context.Context, event *schema.WorkflowAuditEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM audit_events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO audit_events (run_id, workflow_id, workflow_version, step_id, action, actor, changes, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, event.WorkflowID, event.WorkflowVersion,
		nullStr(event.StepID), event.Action, nullStr(event.Actor),
		nullRaw(event.Changes), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}

	return tx.Commit()
}

// ListAudit returns a run's audit events with sequence greater than since,
// in sequence order.
func (s *LibSQLStore) ListAudit(ctx context.Context, runID string, since int64) ([]*schema.WorkflowAuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, workflow_id, workflow_version, step_id, action, actor, changes, timestamp, sequence
		 FROM audit_events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, storeErr("list audit", err)
	}
	defer rows.Close()

	var events []*schema.WorkflowAuditEvent
	for rows.Next() {
		e := &schema.WorkflowAuditEvent{}
		var stepID, actor, changes sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.WorkflowID, &e.WorkflowVersion,
			&stepID, &e.Action, &actor, &changes, &e.Timestamp, &e.Sequence); err != nil {
			return nil, storeErr("scan audit event", err)
		}
		e.StepID = stepID.String
		e.Actor = actor.String
		e.Changes = rawOrNil(changes)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Permissions ---

func (s *LibSQLStore) Grant(ctx context.Context, workflowID, userID string, perm schema.WorkflowPermission) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_permissions (workflow_id, user_id, permission)
		 VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
		workflowID, userID, string(perm),
	)
	if err != nil {
		return storeErr("grant permission", err)
	}
	return nil
}

func (s *LibSQLStore) Revoke(ctx context.Context, workflowID, userID string, perm schema.WorkflowPermission) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_permissions WHERE workflow_id = ? AND user_id = ? AND permission = ?`,
		workflowID, userID, string(perm),
	)
	if err != nil {
		return storeErr("revoke permission", err)
	}
	return checkRowsAffected(res, "permission", workflowID+"/"+userID)
}

func (s *LibSQLStore) CheckPermission(ctx context.Context, workflowID, userID string, perm schema.WorkflowPermission) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM workflow_permissions WHERE workflow_id = ? AND user_id = ? AND permission = ?`,
		workflowID, userID, string(perm),
	).Scan(&n)
	if err != nil {
		return false, storeErr("check permission", err)
	}
	return n > 0, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeErr(op string, err error) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
