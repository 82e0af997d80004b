package mcp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yesterday/internal/core"
	"yesterday/internal/store"
)

type stubClient struct{ err error }

func (c stubClient) Submit(context.Context, core.Graph) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	return "prompt-7", nil
}

func newTestServer(t *testing.T, client core.ExecutionClient) (*MCPServer, *store.Store) {
	t.Helper()
	st, err := store.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	scheduler := core.NewScheduler(st, client, nil, logger, core.SchedulerOptions{Location: time.UTC})
	t.Cleanup(func() { scheduler.Stop() })
	return NewMCPServer(st, scheduler, logger, time.UTC), st
}

func createWorkflow(t *testing.T, st *store.Store, name string, tags ...string) *core.Workflow {
	t.Helper()
	graph, err := core.ParseGraph([]byte(`{
		"3": {"class_type": "KSampler", "inputs": {"seed": 42}},
		"6": {"class_type": "CLIPTextEncode", "inputs": {"text": "a cat"}, "_meta": {"title": "Positive"}}
	}`))
	require.NoError(t, err)
	wf, err := st.CreateWorkflow(context.Background(), core.CreateWorkflowInput{
		Name:     name,
		FileName: name + ".json",
		Graph:    graph,
		Tags:     tags,
	})
	require.NoError(t, err)
	return wf
}

func callTool(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "unexpected content %T", res.Content[0])
	return text.Text
}

func TestWorkflowTools(t *testing.T) {
	s, st := newTestServer(t, stubClient{})
	ctx := context.Background()

	res, err := s.handleListWorkflows(ctx, callTool(nil))
	require.NoError(t, err)
	assert.Equal(t, "No workflows found", resultText(t, res))

	portrait := createWorkflow(t, st, "Portrait", "people")
	createWorkflow(t, st, "Landscape", "nature")

	res, err = s.handleListWorkflows(ctx, callTool(map[string]any{"tag": "people"}))
	require.NoError(t, err)
	text := resultText(t, res)
	assert.Contains(t, text, "Found 1 workflow(s)")
	assert.Contains(t, text, portrait.ID)
	assert.Contains(t, text, "Tags: people")

	res, err = s.handleListWorkflows(ctx, callTool(map[string]any{"query": "land"}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, res), "Name: Landscape")

	res, err = s.handleWorkflowParameters(ctx, callTool(map[string]any{"workflow_id": portrait.ID}))
	require.NoError(t, err)
	text = resultText(t, res)
	assert.Contains(t, text, "seed  node 3 (KSampler): 42")
	assert.Contains(t, text, "text  node 6 (Positive): a cat")

	res, err = s.handleWorkflowParameters(ctx, callTool(map[string]any{"workflow_id": "missing"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "workflow not found", resultText(t, res))
}

func TestTaskTools(t *testing.T) {
	s, st := newTestServer(t, stubClient{})
	ctx := context.Background()
	wf := createWorkflow(t, st, "Portrait")
	at := time.Now().Add(2 * time.Hour).UTC().Truncate(time.Second)

	t.Run("ScheduleValidation", func(t *testing.T) {
		res, err := s.handleScheduleTask(ctx, callTool(map[string]any{"workflow_id": wf.ID, "scheduled_time": "tomorrow"}))
		require.NoError(t, err)
		assert.True(t, res.IsError)

		res, err = s.handleScheduleTask(ctx, callTool(map[string]any{
			"workflow_id": wf.ID, "scheduled_time": at.Format(time.RFC3339), "priority": "critical",
		}))
		require.NoError(t, err)
		assert.True(t, res.IsError)

		res, err = s.handleScheduleTask(ctx, callTool(map[string]any{
			"workflow_id": "missing", "scheduled_time": at.Format(time.RFC3339),
		}))
		require.NoError(t, err)
		assert.Equal(t, "workflow not found", resultText(t, res))
	})

	res, err := s.handleScheduleTask(ctx, callTool(map[string]any{
		"workflow_id":     wf.ID,
		"scheduled_time":  at.Format(time.RFC3339),
		"priority":        "urgent",
		"recurrence":      "weekly",
		"max_retries":     float64(1),
		"randomize_seeds": true,
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))
	text := resultText(t, res)
	assert.Contains(t, text, "for Portrait")
	assert.Contains(t, text, "(weekly)")
	assert.Contains(t, text, "Series: ")

	tasks, err := st.ListAllTasks(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(tasks), 13)
	first := tasks[0]
	assert.Equal(t, core.PriorityUrgent, first.Priority)
	assert.Equal(t, 1, first.MaxRetries)
	require.NotNil(t, first.ParameterOverrides)
	assert.True(t, first.ParameterOverrides.RandomizeSeeds)

	res, err = s.handleListTasks(ctx, callTool(map[string]any{"status": "pending", "workflow_id": wf.ID}))
	require.NoError(t, err)
	text = resultText(t, res)
	assert.Contains(t, text, first.ID)
	assert.Contains(t, text, "Recurrence: Weekly")

	res, err = s.handleRunTask(ctx, callTool(map[string]any{"task_id": first.ID}))
	require.NoError(t, err)
	text = resultText(t, res)
	assert.Contains(t, text, "is completed")
	assert.Contains(t, text, "Prompt ID: prompt-7")

	res, err = s.handleCancelTask(ctx, callTool(map[string]any{"task_id": first.ID}))
	require.NoError(t, err)
	assert.Equal(t, "task is not pending", resultText(t, res))

	second := tasks[1]
	res, err = s.handleCancelTask(ctx, callTool(map[string]any{"task_id": second.ID}))
	require.NoError(t, err)
	assert.Equal(t, "Task "+second.ID+" cancelled", resultText(t, res))

	res, err = s.handleCancelTask(ctx, callTool(map[string]any{"task_id": "missing"}))
	require.NoError(t, err)
	assert.Equal(t, "task not found", resultText(t, res))

	res, err = s.handleListTasks(ctx, callTool(map[string]any{"status": "cancelled"}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, res), "🚫 "+second.ID)
}

func TestRunTaskReportsFailure(t *testing.T) {
	s, st := newTestServer(t, stubClient{err: errors.New("connection refused")})
	ctx := context.Background()
	wf := createWorkflow(t, st, "Portrait")
	zero := 0
	task, err := st.CreateTask(ctx, core.CreateTaskInput{
		WorkflowID:    wf.ID,
		ScheduledTime: time.Now().Add(time.Hour),
		MaxRetries:    &zero,
	})
	require.NoError(t, err)

	res, err := s.handleRunTask(ctx, callTool(map[string]any{"task_id": task.ID}))
	require.NoError(t, err)
	text := resultText(t, res)
	assert.Contains(t, text, "is failed")
	assert.Contains(t, text, "connection refused")
}

func TestSchedulerStatusTool(t *testing.T) {
	s, _ := newTestServer(t, stubClient{})
	res, err := s.handleSchedulerStatus(context.Background(), callTool(nil))
	require.NoError(t, err)
	text := resultText(t, res)
	assert.Contains(t, text, "Scheduler: stopped, checking every 1m0s")
	assert.Contains(t, text, "Queue: 0 total")
	assert.NotContains(t, text, "Next:")
}

func TestSchedulerStatusShowsNextTask(t *testing.T) {
	s, st := newTestServer(t, stubClient{})
	ctx := context.Background()
	wf := createWorkflow(t, st, "Portrait")
	_, err := st.CreateTask(ctx, core.CreateTaskInput{WorkflowID: wf.ID, ScheduledTime: time.Now().Add(2 * time.Minute)})
	require.NoError(t, err)

	s.scheduler.Start(ctx)
	res, err := s.handleSchedulerStatus(ctx, callTool(nil))
	require.NoError(t, err)
	text := resultText(t, res)
	assert.Contains(t, text, "Scheduler: running")
	assert.Contains(t, text, "Next: Portrait at ")
	assert.Contains(t, text, "Due in the next 5 minutes:")
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitTags(" a, ,b "))
	assert.Nil(t, splitTags(""))
	assert.Equal(t, "abcd...", truncateString("abcdefghij", 7))
	assert.Equal(t, "short", truncateString("short", 7))
	assert.Equal(t, "-", formatTime(nil, time.UTC))
	assert.Len(t, statusNames(), len(core.AllTaskStatuses))
}
