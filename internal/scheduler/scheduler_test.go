package scheduler

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskdeck/workflow/internal/engine"
	"github.com/taskdeck/workflow/internal/store"
	"github.com/taskdeck/workflow/pkg/schema"
)

// recordingStarter tracks StartRun calls without running anything.
type recordingStarter struct {
	mu    sync.Mutex
	calls []startCall
	err   error
}

type startCall struct {
	WorkflowID string
	Opts       engine.StartOptions
}

func (r *recordingStarter) StartRun(_ context.Context, workflowID string, opts engine.StartOptions) (*schema.WorkflowRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, startCall{WorkflowID: workflowID, Opts: opts})
	if r.err != nil {
		return nil, r.err
	}
	return &schema.WorkflowRun{
		ID:              "run-" + workflowID,
		WorkflowID:      workflowID,
		WorkflowVersion: 1,
		Status:          schema.RunStatusPending,
	}, nil
}

func (r *recordingStarter) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newSchedulerStore(t *testing.T) *store.LibSQLStore {
	t.Helper()
	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "sched.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestTickTriggersDueSchedule(t *testing.T) {
	ctx := context.Background()
	st := newSchedulerStore(t)
	starter := &recordingStarter{}
	sched := NewScheduler(st, starter, nil)

	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, st.PutScheduledRun(ctx, &store.ScheduledRun{
		ID:             "nightly",
		WorkflowID:     "code-review",
		CronExpression: "0 3 * * *",
		Context:        json.RawMessage(`{"task":"nightly sweep"}`),
		RequestedBy:    "ops",
		Enabled:        true,
		NextRunAt:      &past,
	}))

	sched.Tick(ctx)

	require.Equal(t, 1, starter.callCount())
	call := starter.calls[0]
	assert.Equal(t, "code-review", call.WorkflowID)
	assert.Equal(t, "schedule:nightly", call.Opts.TaskID)
	assert.Equal(t, "ops", call.Opts.RequestedBy)
	assert.Equal(t, "nightly sweep", call.Opts.Context["task"])
	assert.True(t, call.Opts.Detach)

	got, err := st.GetScheduledRun(ctx, "nightly")
	require.NoError(t, err)
	assert.Equal(t, "success", got.LastRunStatus)
	assert.NotNil(t, got.LastRunAt)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now().UTC()))

	events, err := st.ListAudit(ctx, "run-code-review", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, schema.AuditScheduledRunStarted, events[0].Action)
	assert.Equal(t, "scheduler:nightly", events[0].Actor)
}

func TestTickSkipsFutureSchedule(t *testing.T) {
	ctx := context.Background()
	st := newSchedulerStore(t)
	starter := &recordingStarter{}
	sched := NewScheduler(st, starter, nil)

	future := time.Now().UTC().Add(time.Hour)
	require.NoError(t, st.PutScheduledRun(ctx, &store.ScheduledRun{
		ID: "later", WorkflowID: "wf", CronExpression: "0 * * * *",
		Enabled: true, NextRunAt: &future,
	}))

	sched.Tick(ctx)
	assert.Equal(t, 0, starter.callCount())
}

func TestTickSkipsDisabledSchedule(t *testing.T) {
	ctx := context.Background()
	st := newSchedulerStore(t)
	starter := &recordingStarter{}
	sched := NewScheduler(st, starter, nil)

	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, st.PutScheduledRun(ctx, &store.ScheduledRun{
		ID: "off", WorkflowID: "wf", CronExpression: "0 * * * *",
		Enabled: false, NextRunAt: &past,
	}))

	sched.Tick(ctx)
	assert.Equal(t, 0, starter.callCount())
}

func TestTickNilNextRunTriggersImmediately(t *testing.T) {
	ctx := context.Background()
	st := newSchedulerStore(t)
	starter := &recordingStarter{}
	sched := NewScheduler(st, starter, nil)

	require.NoError(t, st.PutScheduledRun(ctx, &store.ScheduledRun{
		ID: "fresh", WorkflowID: "wf", CronExpression: "*/5 * * * *", Enabled: true,
	}))

	sched.Tick(ctx)
	assert.Equal(t, 1, starter.callCount())

	// Bookkeeping set on first trigger, so the next tick skips it.
	sched.Tick(ctx)
	assert.Equal(t, 1, starter.callCount())
}

func TestTickMultipleSchedulesSomeDue(t *testing.T) {
	ctx := context.Background()
	st := newSchedulerStore(t)
	starter := &recordingStarter{}
	sched := NewScheduler(st, starter, nil)

	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)
	require.NoError(t, st.PutScheduledRun(ctx, &store.ScheduledRun{
		ID: "due-1", WorkflowID: "alpha", CronExpression: "0 * * * *",
		Enabled: true, NextRunAt: &past,
	}))
	require.NoError(t, st.PutScheduledRun(ctx, &store.ScheduledRun{
		ID: "not-due", WorkflowID: "beta", CronExpression: "0 * * * *",
		Enabled: true, NextRunAt: &future,
	}))
	require.NoError(t, st.PutScheduledRun(ctx, &store.ScheduledRun{
		ID: "due-2", WorkflowID: "gamma", CronExpression: "0 * * * *",
		Enabled: true,
	}))

	sched.Tick(ctx)

	require.Equal(t, 2, starter.callCount())
	var workflows []string
	for _, c := range starter.calls {
		workflows = append(workflows, c.WorkflowID)
	}
	assert.Contains(t, workflows, "alpha")
	assert.Contains(t, workflows, "gamma")
	assert.NotContains(t, workflows, "beta")
}

func TestTickStartFailureRecordsError(t *testing.T) {
	ctx := context.Background()
	st := newSchedulerStore(t)
	starter := &recordingStarter{err: schema.NewError(schema.ErrCodeNotFound, "workflow not found: ghost")}
	sched := NewScheduler(st, starter, nil)

	require.NoError(t, st.PutScheduledRun(ctx, &store.ScheduledRun{
		ID: "broken", WorkflowID: "ghost", CronExpression: "0 * * * *", Enabled: true,
	}))

	sched.Tick(ctx)

	got, err := st.GetScheduledRun(ctx, "broken")
	require.NoError(t, err)
	assert.Equal(t, "error", got.LastRunStatus)
	// Failed triggers still advance so a broken schedule cannot hot-loop.
	assert.NotNil(t, got.NextRunAt)
}

func TestTickBadContextRecordsError(t *testing.T) {
	ctx := context.Background()
	st := newSchedulerStore(t)
	starter := &recordingStarter{}
	sched := NewScheduler(st, starter, nil)

	require.NoError(t, st.PutScheduledRun(ctx, &store.ScheduledRun{
		ID: "mangled", WorkflowID: "wf", CronExpression: "0 * * * *",
		Context: json.RawMessage(`{not json`), Enabled: true,
	}))

	sched.Tick(ctx)

	assert.Equal(t, 0, starter.callCount())
	got, err := st.GetScheduledRun(ctx, "mangled")
	require.NoError(t, err)
	assert.Equal(t, "error", got.LastRunStatus)
}

func TestDedupPreventsDoubleTrigger(t *testing.T) {
	ctx := context.Background()
	st := newSchedulerStore(t)
	starter := &recordingStarter{}
	sched := NewScheduler(st, starter, nil)

	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, st.PutScheduledRun(ctx, &store.ScheduledRun{
		ID: "dedup", WorkflowID: "wf", CronExpression: "0 * * * *",
		Enabled: true, NextRunAt: &past,
	}))

	require.True(t, sched.tryAcquire("dedup"))
	sched.Tick(ctx)
	assert.Equal(t, 0, starter.callCount())

	sched.release("dedup")
	sched.Tick(ctx)
	assert.Equal(t, 1, starter.callCount())
}

func TestNextRun(t *testing.T) {
	sched := NewScheduler(newSchedulerStore(t), &recordingStarter{}, nil)
	from := time.Date(2026, 8, 23, 2, 30, 0, 0, time.UTC)

	next, err := sched.NextRun("0 3 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 23, 3, 0, 0, 0, time.UTC), next)

	next, err = sched.NextRun("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 23, 2, 45, 0, 0, time.UTC), next)

	_, err = sched.NextRun("not a cron", from)
	require.Error(t, err)
}

func TestStartStop(t *testing.T) {
	sched := NewScheduler(newSchedulerStore(t), &recordingStarter{}, nil)
	ctx := context.Background()

	require.NoError(t, sched.Start(ctx))

	err := sched.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")

	require.NoError(t, sched.Stop())
	require.NoError(t, sched.Stop())
}
