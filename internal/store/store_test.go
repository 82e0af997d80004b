package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yesterday/internal/core"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func openTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	st, err := Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	st.Now = clock.Now
	return st, clock
}

func testGraph() core.Graph {
	return core.Graph{
		"3": {ClassType: "KSampler", Inputs: map[string]any{"seed": float64(42)}},
		"6": {ClassType: "CLIPTextEncode", Inputs: map[string]any{"text": "a cat"}},
	}
}

func createWorkflow(t *testing.T, st *Store, name string, tags ...string) *core.Workflow {
	t.Helper()
	wf, err := st.CreateWorkflow(context.Background(), core.CreateWorkflowInput{
		Name:     name,
		FileName: name + ".json",
		Graph:    testGraph(),
		Tags:     tags,
	})
	require.NoError(t, err)
	return wf
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	first, err := Open(ctx, dir)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(ctx, dir)
	require.NoError(t, err)
	defer second.Close()
	var applied int
	require.NoError(t, second.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM schema_migrations`).Scan(&applied))
	assert.Equal(t, 1, applied)
}

func TestWorkflowLibrary(t *testing.T) {
	st, clock := openTestStore(t)
	ctx := context.Background()

	portrait := createWorkflow(t, st, "Portrait", "people", "sdxl")
	clock.now = clock.now.Add(time.Minute)
	landscape := createWorkflow(t, st, "Landscape", "nature")

	t.Run("Get", func(t *testing.T) {
		got, err := st.GetWorkflow(ctx, portrait.ID)
		require.NoError(t, err)
		assert.Equal(t, "Portrait", got.Name)
		assert.Equal(t, 2, got.Metadata.NodeCount)
		assert.Equal(t, []string{"people", "sdxl"}, got.Tags)
		assert.Equal(t, "a cat", got.Graph["6"].Inputs["text"])

		_, err = st.GetWorkflow(ctx, "missing")
		assert.ErrorIs(t, err, ErrWorkflowNotFound)
	})

	t.Run("ListNewestFirst", func(t *testing.T) {
		all, err := st.ListWorkflows(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, landscape.ID, all[0].ID)
	})

	t.Run("ByTags", func(t *testing.T) {
		got, err := st.ListWorkflowsByTags(ctx, []string{"nature", "unknown"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, landscape.ID, got[0].ID)

		all, err := st.ListWorkflowsByTags(ctx, nil)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("Search", func(t *testing.T) {
		got, err := st.SearchWorkflows(ctx, "PORT")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, portrait.ID, got[0].ID)
	})

	t.Run("Tags", func(t *testing.T) {
		tags, err := st.AllTags(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"nature", "people", "sdxl"}, tags)
	})

	t.Run("Update", func(t *testing.T) {
		name := "Portrait v2"
		tags := []string{"people"}
		updated, err := st.UpdateWorkflow(ctx, portrait.ID, core.UpdateWorkflowInput{Name: &name, Tags: &tags})
		require.NoError(t, err)
		assert.Equal(t, name, updated.Name)

		got, err := st.GetWorkflow(ctx, portrait.ID)
		require.NoError(t, err)
		assert.Equal(t, tags, got.Tags)

		blank := " "
		_, err = st.UpdateWorkflow(ctx, portrait.ID, core.UpdateWorkflowInput{Name: &blank})
		assert.True(t, core.IsValidation(err))
	})

	t.Run("Export", func(t *testing.T) {
		data, err := st.ExportWorkflows(ctx, []string{landscape.ID, "missing"})
		require.NoError(t, err)
		var exported []core.CreateWorkflowInput
		require.NoError(t, json.Unmarshal(data, &exported))
		require.Len(t, exported, 1)
		assert.Equal(t, "Landscape", exported[0].Name)
		assert.Len(t, exported[0].Graph, 2)
	})

	t.Run("RecordExecution", func(t *testing.T) {
		at := clock.now.Add(time.Hour)
		require.NoError(t, st.RecordWorkflowExecution(ctx, landscape.ID, at))
		got, err := st.GetWorkflow(ctx, landscape.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.Metadata.ExecutionCount)
		require.NotNil(t, got.Metadata.LastExecuted)
		assert.True(t, at.Equal(*got.Metadata.LastExecuted))
	})

	t.Run("Validation", func(t *testing.T) {
		_, err := st.CreateWorkflow(ctx, core.CreateWorkflowInput{Name: "empty"})
		assert.True(t, core.IsValidation(err))
	})
}

func TestBulkImportIsAtomic(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	_, err := st.BulkImportWorkflows(ctx, []core.CreateWorkflowInput{
		{Name: "ok", Graph: testGraph()},
		{Name: "", Graph: testGraph()},
	})
	require.Error(t, err)
	all, err := st.ListWorkflows(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	imported, err := st.BulkImportWorkflows(ctx, []core.CreateWorkflowInput{
		{Name: "a", Graph: testGraph()},
		{Name: "b", Graph: testGraph()},
	})
	require.NoError(t, err)
	assert.Len(t, imported, 2)
}

func TestDeleteWorkflowInUse(t *testing.T) {
	st, clock := openTestStore(t)
	ctx := context.Background()
	wf := createWorkflow(t, st, "Portrait")
	_, err := st.CreateTask(ctx, core.CreateTaskInput{WorkflowID: wf.ID, ScheduledTime: clock.now.Add(time.Hour)})
	require.NoError(t, err)

	err = st.DeleteWorkflow(ctx, wf.ID)
	assert.ErrorIs(t, err, core.ErrWorkflowInUse)

	n, err := st.DeleteTasksByWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, st.DeleteWorkflow(ctx, wf.ID))
	assert.ErrorIs(t, st.DeleteWorkflow(ctx, wf.ID), ErrWorkflowNotFound)
}

func TestCreateTaskDefaults(t *testing.T) {
	st, clock := openTestStore(t)
	ctx := context.Background()
	wf := createWorkflow(t, st, "Portrait")
	at := clock.now.Add(time.Hour)

	task, err := st.CreateTask(ctx, core.CreateTaskInput{WorkflowID: wf.ID, ScheduledTime: at})
	require.NoError(t, err)
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, core.TaskStatusPending, task.Status)
	assert.Equal(t, core.PriorityNormal, task.Priority)
	assert.Equal(t, DefaultMaxRetries, task.MaxRetries)
	assert.Equal(t, core.RecurrenceNone, task.RecurrenceType)
	assert.Equal(t, "Portrait", task.WorkflowName)

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, at.Equal(got.ScheduledTime))
	assert.True(t, clock.now.Equal(got.CreatedAt))
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.ParameterOverrides)

	_, err = st.CreateTask(ctx, core.CreateTaskInput{WorkflowID: "missing", ScheduledTime: at})
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
	_, err = st.GetTask(ctx, "missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestTaskKeepsWorkflowNameSnapshot(t *testing.T) {
	st, clock := openTestStore(t)
	ctx := context.Background()
	wf := createWorkflow(t, st, "Portrait")

	task, err := st.CreateTask(ctx, core.CreateTaskInput{WorkflowID: wf.ID, ScheduledTime: clock.now.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, "Portrait", task.WorkflowName)

	renamed := "Portrait v2"
	_, err = st.UpdateWorkflow(ctx, wf.ID, core.UpdateWorkflowInput{Name: &renamed})
	require.NoError(t, err)

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "Portrait", got.WorkflowName)

	later, err := st.CreateTask(ctx, core.CreateTaskInput{WorkflowID: wf.ID, ScheduledTime: clock.now.Add(2 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, renamed, later.WorkflowName)
}

func TestScheduleTasksExpandsRecurrence(t *testing.T) {
	st, clock := openTestStore(t)
	ctx := context.Background()
	wf := createWorkflow(t, st, "Portrait")
	prio := core.PriorityHigh

	start := clock.now.Add(time.Hour)
	want := core.RecurrenceCount(start, core.RecurrenceWeekly)

	tasks, err := st.ScheduleTasks(ctx, core.CreateTaskInput{
		WorkflowID:         wf.ID,
		ScheduledTime:      start,
		Priority:           &prio,
		RecurrenceType:     core.RecurrenceWeekly,
		ParameterOverrides: &core.ParameterOverrides{RandomizeSeeds: true, PromptOverrides: map[string]string{"6": "a dog"}},
	})
	require.NoError(t, err)
	require.Len(t, tasks, want)

	series, err := st.ListTasks(ctx, core.TaskFilter{WorkflowID: wf.ID})
	require.NoError(t, err)
	require.Len(t, series, want)
	for i, task := range series {
		require.NotNil(t, task.SeriesID)
		assert.Equal(t, *tasks[0].SeriesID, *task.SeriesID)
		assert.Equal(t, core.PriorityHigh, task.Priority)
		assert.Equal(t, core.RecurrenceWeekly, task.RecurrenceType)
		require.NotNil(t, task.ParameterOverrides)
		assert.Equal(t, "a dog", task.ParameterOverrides.PromptOverrides["6"])
		if i > 0 {
			assert.True(t, task.ScheduledTime.After(series[i-1].ScheduledTime))
		}
	}

	t.Run("RejectsPast", func(t *testing.T) {
		_, err := st.ScheduleTasks(ctx, core.CreateTaskInput{WorkflowID: wf.ID, ScheduledTime: clock.now.Add(-time.Minute)})
		assert.True(t, core.IsValidation(err))
	})

	t.Run("MissingWorkflowCreatesNothing", func(t *testing.T) {
		_, err := st.ScheduleTasks(ctx, core.CreateTaskInput{WorkflowID: "missing", ScheduledTime: clock.now.Add(time.Hour), RecurrenceType: core.RecurrenceDaily})
		assert.ErrorIs(t, err, ErrWorkflowNotFound)
		all, err := st.ListAllTasks(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 13)
	})
}

func TestTaskQueries(t *testing.T) {
	st, clock := openTestStore(t)
	ctx := context.Background()
	wf := createWorkflow(t, st, "Portrait")
	other := createWorkflow(t, st, "Other")

	mk := func(workflowID string, offset time.Duration) *core.Task {
		task, err := st.CreateTask(ctx, core.CreateTaskInput{WorkflowID: workflowID, ScheduledTime: clock.now.Add(offset)})
		require.NoError(t, err)
		return task
	}
	overdue := mk(wf.ID, -2*time.Hour)
	soon := mk(wf.ID, 30*time.Minute)
	tomorrow := mk(other.ID, 24*time.Hour)
	done := mk(wf.ID, -time.Hour)
	_, err := st.UpdateTaskStatus(ctx, done.ID, core.TaskStatusCompleted, core.StatusMetadata{})
	require.NoError(t, err)

	t.Run("Statuses", func(t *testing.T) {
		got, err := st.ListTasks(ctx, core.TaskFilter{Statuses: []core.TaskStatus{core.TaskStatusCompleted}})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, done.ID, got[0].ID)
	})

	t.Run("InclusiveRange", func(t *testing.T) {
		start := overdue.ScheduledTime
		end := soon.ScheduledTime
		got, err := st.ListTasks(ctx, core.TaskFilter{StartDate: &start, EndDate: &end})
		require.NoError(t, err)
		assert.Len(t, got, 3)
		assert.Equal(t, overdue.ID, got[0].ID)
	})

	t.Run("Workflow", func(t *testing.T) {
		got, err := st.ListTasks(ctx, core.TaskFilter{WorkflowID: other.ID})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, tomorrow.ID, got[0].ID)
	})

	t.Run("ForDate", func(t *testing.T) {
		got, err := st.TasksForDate(ctx, clock.now.AddDate(0, 0, 1))
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, tomorrow.ID, got[0].ID)
	})

	t.Run("UpcomingAndOverdue", func(t *testing.T) {
		upcoming, err := st.UpcomingTasks(ctx, 1)
		require.NoError(t, err)
		require.Len(t, upcoming, 1)
		assert.Equal(t, soon.ID, upcoming[0].ID)

		late, err := st.OverdueTasks(ctx)
		require.NoError(t, err)
		require.Len(t, late, 1)
		assert.Equal(t, overdue.ID, late[0].ID)
	})

	t.Run("Statistics", func(t *testing.T) {
		stats, err := st.Statistics(ctx)
		require.NoError(t, err)
		assert.Equal(t, core.TaskStatistics{Total: 4, Pending: 3, Completed: 1}, stats)
	})
}

func TestUpdateTaskStatusStamps(t *testing.T) {
	st, clock := openTestStore(t)
	ctx := context.Background()
	wf := createWorkflow(t, st, "Portrait")
	task, err := st.CreateTask(ctx, core.CreateTaskInput{WorkflowID: wf.ID, ScheduledTime: clock.now})
	require.NoError(t, err)

	running, err := st.UpdateTaskStatus(ctx, task.ID, core.TaskStatusRunning, core.StatusMetadata{})
	require.NoError(t, err)
	require.NotNil(t, running.StartedAt)
	startedAt := *running.StartedAt

	clock.now = clock.now.Add(time.Minute)
	msg := "boom"
	retries := 1
	pending, err := st.UpdateTaskStatus(ctx, task.ID, core.TaskStatusPending, core.StatusMetadata{Error: &msg, RetryCount: &retries})
	require.NoError(t, err)
	assert.Nil(t, pending.CompletedAt)

	_, err = st.UpdateTaskStatus(ctx, task.ID, core.TaskStatusRunning, core.StatusMetadata{})
	require.NoError(t, err)
	promptID := "p-1"
	completed, err := st.UpdateTaskStatus(ctx, task.ID, core.TaskStatusCompleted, core.StatusMetadata{PromptID: &promptID})
	require.NoError(t, err)

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusCompleted, got.Status)
	assert.True(t, startedAt.Equal(*got.StartedAt), "startedAt is write-once")
	require.NotNil(t, got.CompletedAt)
	assert.True(t, clock.now.Equal(*got.CompletedAt))
	assert.Equal(t, "p-1", *got.PromptID)
	assert.Equal(t, "boom", *got.Error)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, completed.Status, got.Status)

	_, err = st.UpdateTaskStatus(ctx, "missing", core.TaskStatusCancelled, core.StatusMetadata{})
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestUpdateTaskPatch(t *testing.T) {
	st, clock := openTestStore(t)
	ctx := context.Background()
	wf := createWorkflow(t, st, "Portrait")
	task, err := st.CreateTask(ctx, core.CreateTaskInput{
		WorkflowID:         wf.ID,
		ScheduledTime:      clock.now.Add(time.Hour),
		ParameterOverrides: &core.ParameterOverrides{RandomizeSeeds: true},
	})
	require.NoError(t, err)

	later := clock.now.Add(2 * time.Hour)
	urgent := core.PriorityUrgent
	updated, err := st.UpdateTask(ctx, task.ID, core.TaskPatch{ScheduledTime: &later, Priority: &urgent})
	require.NoError(t, err)
	assert.True(t, later.Equal(updated.ScheduledTime))
	assert.Equal(t, core.PriorityUrgent, updated.Priority)
	assert.NotNil(t, updated.ParameterOverrides)

	cleared, err := st.UpdateTask(ctx, task.ID, core.TaskPatch{ClearOverrides: true})
	require.NoError(t, err)
	assert.Nil(t, cleared.ParameterOverrides)

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ParameterOverrides)
	assert.Equal(t, core.PriorityUrgent, got.Priority)
}

func TestDeleteAndCleanup(t *testing.T) {
	st, clock := openTestStore(t)
	ctx := context.Background()
	wf := createWorkflow(t, st, "Portrait")

	mk := func() *core.Task {
		task, err := st.CreateTask(ctx, core.CreateTaskInput{WorkflowID: wf.ID, ScheduledTime: clock.now})
		require.NoError(t, err)
		return task
	}
	old := mk()
	recent := mk()
	failed := mk()
	removed := mk()

	oldDone := clock.now.AddDate(0, 0, -40)
	_, err := st.UpdateTaskStatus(ctx, old.ID, core.TaskStatusCompleted, core.StatusMetadata{CompletedAt: &oldDone})
	require.NoError(t, err)
	_, err = st.UpdateTaskStatus(ctx, recent.ID, core.TaskStatusCompleted, core.StatusMetadata{})
	require.NoError(t, err)
	_, err = st.UpdateTaskStatus(ctx, failed.ID, core.TaskStatusFailed, core.StatusMetadata{CompletedAt: &oldDone})
	require.NoError(t, err)

	require.NoError(t, st.DeleteTask(ctx, removed.ID))
	err = st.DeleteTask(ctx, removed.ID)
	assert.True(t, errors.Is(err, ErrTaskNotFound))

	n, err := st.CleanupOldTasks(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	left, err := st.ListAllTasks(ctx)
	require.NoError(t, err)
	ids := []string{}
	for _, task := range left {
		ids = append(ids, task.ID)
	}
	assert.ElementsMatch(t, []string{recent.ID, failed.ID}, ids)
}
