package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskdeck/workflow/pkg/schema"
)

func testSchedule(id, workflowID string) *ScheduledRun {
	return &ScheduledRun{
		ID:             id,
		WorkflowID:     workflowID,
		CronExpression: "0 3 * * *",
		Context:        json.RawMessage(`{"task":"sweep"}`),
		RequestedBy:    "ops",
		Enabled:        true,
	}
}

func TestPutAndGetScheduledRun(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	next := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	sr := testSchedule("nightly", "code-review")
	sr.NextRunAt = &next
	require.NoError(t, st.PutScheduledRun(ctx, sr))

	got, err := st.GetScheduledRun(ctx, "nightly")
	require.NoError(t, err)
	assert.Equal(t, "code-review", got.WorkflowID)
	assert.Equal(t, "0 3 * * *", got.CronExpression)
	assert.JSONEq(t, `{"task":"sweep"}`, string(got.Context))
	assert.Equal(t, "ops", got.RequestedBy)
	assert.True(t, got.Enabled)
	require.NotNil(t, got.NextRunAt)
	assert.Equal(t, next.Unix(), got.NextRunAt.Unix())
	assert.Nil(t, got.LastRunAt)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestPutScheduledRun_UpsertsExisting(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.PutScheduledRun(ctx, testSchedule("nightly", "code-review")))

	updated := testSchedule("nightly", "code-review")
	updated.CronExpression = "0 6 * * *"
	updated.Enabled = false
	require.NoError(t, st.PutScheduledRun(ctx, updated))

	got, err := st.GetScheduledRun(ctx, "nightly")
	require.NoError(t, err)
	assert.Equal(t, "0 6 * * *", got.CronExpression)
	assert.False(t, got.Enabled)
}

func TestGetScheduledRun_NotFound(t *testing.T) {
	st := newTestStore(t)

	_, err := st.GetScheduledRun(context.Background(), "ghost")
	require.Error(t, err)
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeNotFound, engErr.Code)
}

func TestListScheduledRuns_Filters(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	a := testSchedule("a", "code-review")
	b := testSchedule("b", "code-review")
	b.Enabled = false
	c := testSchedule("c", "deploy")
	require.NoError(t, st.PutScheduledRun(ctx, a))
	require.NoError(t, st.PutScheduledRun(ctx, b))
	require.NoError(t, st.PutScheduledRun(ctx, c))

	all, err := st.ListScheduledRuns(ctx, ScheduledRunFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].ID)

	enabled := true
	on, err := st.ListScheduledRuns(ctx, ScheduledRunFilter{Enabled: &enabled})
	require.NoError(t, err)
	require.Len(t, on, 2)

	byWorkflow, err := st.ListScheduledRuns(ctx, ScheduledRunFilter{WorkflowID: "deploy"})
	require.NoError(t, err)
	require.Len(t, byWorkflow, 1)
	assert.Equal(t, "c", byWorkflow[0].ID)
}

func TestUpdateScheduledRun_Bookkeeping(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.PutScheduledRun(ctx, testSchedule("nightly", "code-review")))

	last := time.Now().UTC().Truncate(time.Second)
	next := last.Add(24 * time.Hour)
	disabled := false
	require.NoError(t, st.UpdateScheduledRun(ctx, "nightly", ScheduledRunUpdate{
		LastRunAt:     &last,
		NextRunAt:     &next,
		LastRunStatus: "success",
		Enabled:       &disabled,
	}))

	got, err := st.GetScheduledRun(ctx, "nightly")
	require.NoError(t, err)
	require.NotNil(t, got.LastRunAt)
	assert.Equal(t, last.Unix(), got.LastRunAt.Unix())
	require.NotNil(t, got.NextRunAt)
	assert.Equal(t, next.Unix(), got.NextRunAt.Unix())
	assert.Equal(t, "success", got.LastRunStatus)
	assert.False(t, got.Enabled)
}

func TestUpdateScheduledRun_EmptyUpdateIsNoop(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.PutScheduledRun(ctx, testSchedule("nightly", "code-review")))
	require.NoError(t, st.UpdateScheduledRun(ctx, "nightly", ScheduledRunUpdate{}))
}

func TestUpdateScheduledRun_NotFound(t *testing.T) {
	st := newTestStore(t)

	status := "success"
	err := st.UpdateScheduledRun(context.Background(), "ghost", ScheduledRunUpdate{LastRunStatus: status})
	require.Error(t, err)
}

func TestDeleteScheduledRun(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.PutScheduledRun(ctx, testSchedule("nightly", "code-review")))
	require.NoError(t, st.DeleteScheduledRun(ctx, "nightly"))

	_, err := st.GetScheduledRun(ctx, "nightly")
	require.Error(t, err)

	require.Error(t, st.DeleteScheduledRun(ctx, "nightly"))
}
