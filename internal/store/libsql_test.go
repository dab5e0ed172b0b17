package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmill/taskmill/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func seedPlan(t *testing.T, s *LibSQLStore) *PlanRecord {
	t.Helper()
	rec := &PlanRecord{
		ID: uuid.New().String(),
		Plan: &schema.Plan{
			Goal: "provision environment",
			Steps: []schema.Step{
				{ID: "fetch", Order: 1, Action: "http.request"},
				{ID: "apply", Order: 2, Action: "echo", Dependencies: []string{"fetch"}},
			},
		},
	}
	require.NoError(t, s.CreatePlan(context.Background(), rec))
	return rec
}

func seedTask(t *testing.T, s *LibSQLStore, planID string) *Task {
	t.Helper()
	task := &Task{
		ID:            uuid.New().String(),
		PlanID:        planID,
		AgentConfigID: "cfg-test",
		Status:        schema.TaskStatusPending,
		StepStatuses:  map[string]schema.StepStatus{"fetch": schema.StepStatusPending, "apply": schema.StepStatusPending},
		TimeoutMs:     30000,
		MaxRetries:    3,
		Concurrency:   1,
	}
	require.NoError(t, s.CreateTask(context.Background(), task))
	return task
}

// --- Plan Tests ---

func TestCreateAndGetPlan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := seedPlan(t, s)

	got, err := s.GetPlan(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "provision environment", got.Plan.Goal)
	assert.Len(t, got.Plan.Steps, 2)
	assert.Equal(t, []string{"fetch"}, got.Plan.Steps[1].Dependencies)
}

func TestGetPlan_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetPlan(context.Background(), "nonexistent")
	require.Error(t, err)
	taskErr, ok := err.(*schema.TaskError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, taskErr.Code)
}

func TestListPlans(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedPlan(t, s)
	seedPlan(t, s)
	seedPlan(t, s)

	list, err := s.ListPlans(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, list, 3)

	list, err = s.ListPlans(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

// --- Task Tests ---

func TestCreateAndGetTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	plan := seedPlan(t, s)

	task := seedTask(t, s, plan.ID)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, plan.ID, got.PlanID)
	assert.Equal(t, "cfg-test", got.AgentConfigID)
	assert.Equal(t, schema.TaskStatusPending, got.Status)
	assert.Equal(t, schema.StepStatusPending, got.StepStatuses["fetch"])
	assert.Equal(t, int64(1), got.LockToken)
	assert.Equal(t, int64(30000), got.TimeoutMs)
}

func TestGetTask_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetTask(context.Background(), "nonexistent")
	require.Error(t, err)
	taskErr, ok := err.(*schema.TaskError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, taskErr.Code)
}

func TestUpdateTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	plan := seedPlan(t, s)
	task := seedTask(t, s, plan.ID)

	now := time.Now().UTC()
	task.Status = schema.TaskStatusInProgress
	task.StepStatuses["fetch"] = schema.StepStatusCompleted
	task.StepOutputs = map[string]json.RawMessage{"fetch": json.RawMessage(`{"code":200}`)}
	task.StartedAt = &now
	require.NoError(t, s.UpdateTask(ctx, task))

	// Token advances in-place on success.
	assert.Equal(t, int64(2), task.LockToken)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusInProgress, got.Status)
	assert.Equal(t, schema.StepStatusCompleted, got.StepStatuses["fetch"])
	assert.JSONEq(t, `{"code":200}`, string(got.StepOutputs["fetch"]))
	assert.Equal(t, int64(2), got.LockToken)
	assert.NotNil(t, got.StartedAt)
}

func TestUpdateTask_StaleToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	plan := seedPlan(t, s)
	task := seedTask(t, s, plan.ID)

	// Two snapshots of the same row.
	first, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	second, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)

	first.Status = schema.TaskStatusInProgress
	require.NoError(t, s.UpdateTask(ctx, first))

	second.Status = schema.TaskStatusCancelled
	err = s.UpdateTask(ctx, second)
	require.Error(t, err)
	taskErr, ok := err.(*schema.TaskError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeConflict, taskErr.Code)

	// The first writer's state won.
	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusInProgress, got.Status)
}

func TestUpdateTask_NotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateTask(context.Background(), &Task{ID: "nonexistent", LockToken: 1})
	require.Error(t, err)
	taskErr, ok := err.(*schema.TaskError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, taskErr.Code)
}

func TestListTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	plan := seedPlan(t, s)

	for i := 0; i < 3; i++ {
		seedTask(t, s, plan.ID)
	}

	list, err := s.ListTasks(ctx, TaskFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 3)

	pending := schema.TaskStatusPending
	list, err = s.ListTasks(ctx, TaskFilter{Status: &pending, PlanID: plan.ID, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

// --- History Tests ---

func TestAppendAndGetHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	plan := seedPlan(t, s)
	task := seedTask(t, s, plan.ID)

	statuses := []string{schema.HistoryStarted, schema.HistoryCompleted, schema.HistoryFailed}
	for i, status := range statuses {
		e := &HistoryEntry{
			TaskID: task.ID,
			StepID: "fetch",
			Status: status,
		}
		require.NoError(t, s.AppendHistory(ctx, e))
		assert.Equal(t, int64(i+1), e.Sequence)
	}

	entries, err := s.GetHistory(ctx, task.ID, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
	assert.Equal(t, int64(1), entries[0].Sequence)
	assert.Equal(t, int64(3), entries[2].Sequence)

	entries, err = s.GetHistory(ctx, task.ID, 2)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, schema.HistoryFailed, entries[0].Status)
}

func TestHistorySequenceIsPerTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	plan := seedPlan(t, s)
	a := seedTask(t, s, plan.ID)
	b := seedTask(t, s, plan.ID)

	require.NoError(t, s.AppendHistory(ctx, &HistoryEntry{TaskID: a.ID, StepID: "fetch", Status: schema.HistoryStarted}))
	require.NoError(t, s.AppendHistory(ctx, &HistoryEntry{TaskID: a.ID, StepID: "fetch", Status: schema.HistoryCompleted}))

	e := &HistoryEntry{TaskID: b.ID, StepID: "fetch", Status: schema.HistoryStarted}
	require.NoError(t, s.AppendHistory(ctx, e))
	assert.Equal(t, int64(1), e.Sequence)
}

func TestHistoryPreservesOutput(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	plan := seedPlan(t, s)
	task := seedTask(t, s, plan.ID)

	require.NoError(t, s.AppendHistory(ctx, &HistoryEntry{
		TaskID:     task.ID,
		StepID:     "fetch",
		Status:     schema.HistoryCompleted,
		Output:     json.RawMessage(`{"rows":42}`),
		DurationMs: 120,
	}))

	entries, err := s.GetHistory(ctx, task.ID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.JSONEq(t, `{"rows":42}`, string(entries[0].Output))
	assert.Equal(t, int64(120), entries[0].DurationMs)
}

// --- Scheduled Run Tests ---

func TestCreateAndGetScheduledRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	plan := seedPlan(t, s)

	run := &ScheduledRun{
		ID:             uuid.New().String(),
		PlanID:         plan.ID,
		AgentConfigID:  "cfg-sched",
		CronExpression: "0 3 * * *",
		Enabled:        true,
	}
	require.NoError(t, s.CreateScheduledRun(ctx, run))

	got, err := s.GetScheduledRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "cfg-sched", got.AgentConfigID)
	assert.Equal(t, "0 3 * * *", got.CronExpression)
	assert.True(t, got.Enabled)
}

func TestUpdateScheduledRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	plan := seedPlan(t, s)

	run := &ScheduledRun{
		ID:             uuid.New().String(),
		PlanID:         plan.ID,
		CronExpression: "*/5 * * * *",
		Enabled:        true,
	}
	require.NoError(t, s.CreateScheduledRun(ctx, run))

	now := time.Now().UTC()
	next := now.Add(5 * time.Minute)
	require.NoError(t, s.UpdateScheduledRun(ctx, run.ID, ScheduledRunUpdate{
		LastRunAt:     &now,
		NextRunAt:     &next,
		LastRunStatus: "ok",
	}))

	got, err := s.GetScheduledRun(ctx, run.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.LastRunAt)
	assert.Equal(t, "ok", got.LastRunStatus)
}

func TestListScheduledRuns_EnabledOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	plan := seedPlan(t, s)

	require.NoError(t, s.CreateScheduledRun(ctx, &ScheduledRun{
		ID: uuid.New().String(), PlanID: plan.ID, CronExpression: "@hourly", Enabled: true,
	}))
	require.NoError(t, s.CreateScheduledRun(ctx, &ScheduledRun{
		ID: uuid.New().String(), PlanID: plan.ID, CronExpression: "@daily", Enabled: false,
	}))

	runs, err := s.ListScheduledRuns(ctx, ScheduledRunFilter{EnabledOnly: true})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
	assert.Equal(t, "@hourly", runs[0].CronExpression)
}

func TestDeleteScheduledRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	plan := seedPlan(t, s)

	run := &ScheduledRun{
		ID: uuid.New().String(), PlanID: plan.ID, CronExpression: "@daily", Enabled: true,
	}
	require.NoError(t, s.CreateScheduledRun(ctx, run))
	require.NoError(t, s.DeleteScheduledRun(ctx, run.ID))

	_, err := s.GetScheduledRun(ctx, run.ID)
	require.Error(t, err)
}

// --- Migration Tests ---

func TestMigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	// Migrate was already called in newTestStore; calling again should be a no-op.
	require.NoError(t, s.Migrate(ctx))
}

func TestVacuum(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Vacuum(context.Background()))
}
