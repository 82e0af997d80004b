package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"yesterday/internal/core"
	"yesterday/internal/store"
)

const (
	serverName    = "yesterday"
	serverVersion = "1.0.0"
)

// MCPServer exposes the library and the scheduler as MCP tools.
type MCPServer struct {
	store     *store.Store
	scheduler *core.Scheduler
	logger    *slog.Logger
	location  *time.Location
	mcp       *server.MCPServer
}

// NewMCPServer creates the server and registers its tools.
func NewMCPServer(store *store.Store, scheduler *core.Scheduler, logger *slog.Logger, location *time.Location) *MCPServer {
	s := &MCPServer{
		store:     store,
		scheduler: scheduler,
		logger:    logger,
		location:  location,
		mcp: server.NewMCPServer(
			serverName,
			serverVersion,
			server.WithToolCapabilities(true),
		),
	}
	s.registerTools()
	return s
}

// Run serves the tools over stdio until stdin closes.
func (s *MCPServer) Run() error {
	s.logger.Info("MCP server starting on stdio")
	return server.ServeStdio(s.mcp)
}

// HTTPHandler serves the tools over the streamable HTTP transport.
func (s *MCPServer) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcp)
}

func (s *MCPServer) registerTools() {
	s.mcp.AddTool(mcp.NewTool("workflow_list",
		mcp.WithDescription("List workflows in the library, optionally filtered by tag or a search query"),
		mcp.WithString("tag",
			mcp.Description("Only workflows carrying any of these comma separated tags"),
		),
		mcp.WithString("query",
			mcp.Description("Case-insensitive match on name, file name and description"),
		),
	), s.handleListWorkflows)

	s.mcp.AddTool(mcp.NewTool("workflow_parameters",
		mcp.WithDescription("Show the seed and prompt parameters of a workflow that can be overridden per task"),
		mcp.WithString("workflow_id",
			mcp.Required(),
			mcp.Description("Workflow ID"),
		),
	), s.handleWorkflowParameters)

	s.mcp.AddTool(mcp.NewTool("task_schedule",
		mcp.WithDescription("Schedule a workflow to run at a time, optionally recurring for the next three months"),
		mcp.WithString("workflow_id",
			mcp.Required(),
			mcp.Description("Workflow ID"),
		),
		mcp.WithString("scheduled_time",
			mcp.Required(),
			mcp.Description("RFC 3339 time, e.g. 2025-01-02T09:00:00+01:00"),
		),
		mcp.WithString("priority",
			mcp.Description("Dispatch priority, default normal"),
			mcp.Enum("low", "normal", "high", "urgent"),
		),
		mcp.WithString("recurrence",
			mcp.Description("Recurrence, default none"),
			mcp.Enum("none", "daily", "weekly", "monthly"),
		),
		mcp.WithNumber("max_retries",
			mcp.Description("Submission attempts before the task fails, default 3"),
			mcp.Min(0),
			mcp.Max(10),
		),
		mcp.WithBoolean("randomize_seeds",
			mcp.Description("Draw fresh seeds at execution time"),
		),
	), s.handleScheduleTask)

	s.mcp.AddTool(mcp.NewTool("task_list",
		mcp.WithDescription("List scheduled tasks"),
		mcp.WithString("status",
			mcp.Description("Filter by status"),
			mcp.Enum(statusNames()...),
		),
		mcp.WithString("workflow_id",
			mcp.Description("Filter by workflow"),
		),
	), s.handleListTasks)

	s.mcp.AddTool(mcp.NewTool("task_run",
		mcp.WithDescription("Run a pending task now"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleRunTask)

	s.mcp.AddTool(mcp.NewTool("task_cancel",
		mcp.WithDescription("Cancel a pending task"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleCancelTask)

	s.mcp.AddTool(mcp.NewTool("scheduler_status",
		mcp.WithDescription("Show whether the scheduler runs, its queue and the tasks due soon"),
	), s.handleSchedulerStatus)

	s.logger.Info("MCP tools registered", "count", 7)
}

func (s *MCPServer) handleListWorkflows(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var (
		workflows []*core.Workflow
		err       error
	)
	if query := strings.TrimSpace(mcp.ParseString(request, "query", "")); query != "" {
		workflows, err = s.store.SearchWorkflows(ctx, query)
	} else {
		workflows, err = s.store.ListWorkflowsByTags(ctx, splitTags(mcp.ParseString(request, "tag", "")))
	}
	if err != nil {
		s.logger.Error("list workflows", "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("failed to list workflows: %v", err)), nil
	}
	if len(workflows) == 0 {
		return mcp.NewToolResultText("No workflows found"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d workflow(s):\n\n", len(workflows))
	for _, wf := range workflows {
		fmt.Fprintf(&b, "%s\n", wf.ID)
		fmt.Fprintf(&b, "  Name: %s\n", wf.Name)
		fmt.Fprintf(&b, "  Nodes: %d, runs: %d\n", wf.Metadata.NodeCount, wf.Metadata.ExecutionCount)
		if len(wf.Tags) > 0 {
			fmt.Fprintf(&b, "  Tags: %s\n", strings.Join(wf.Tags, ", "))
		}
		if wf.Metadata.Description != "" {
			fmt.Fprintf(&b, "  Description: %s\n", truncateString(wf.Metadata.Description, 80))
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleWorkflowParameters(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcp.ParseString(request, "workflow_id", "")
	wf, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return toolError("load workflow", err), nil
	}
	analysis := core.AnalyzeParameters(wf.Graph)
	if !analysis.HasSeedNodes && !analysis.HasPromptNodes {
		return mcp.NewToolResultText(fmt.Sprintf("%s has no editable parameters", wf.Name)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Parameters of %s:\n", wf.Name)
	for _, seed := range analysis.Seeds {
		fmt.Fprintf(&b, "  seed  node %s (%s): %d\n", seed.NodeID, seed.NodeName, seed.CurrentValue)
	}
	for _, prompt := range analysis.Prompts {
		fmt.Fprintf(&b, "  text  node %s (%s): %s\n", prompt.NodeID, prompt.NodeName, truncateString(prompt.CurrentValue, 80))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleScheduleTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	at, err := time.Parse(time.RFC3339, mcp.ParseString(request, "scheduled_time", ""))
	if err != nil {
		return mcp.NewToolResultError("scheduled_time must be an RFC 3339 time"), nil
	}
	priority, err := core.ParsePriority(mcp.ParseString(request, "priority", "normal"))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	recurrence := core.RecurrenceType(mcp.ParseString(request, "recurrence", string(core.RecurrenceNone)))
	maxRetries := int(mcp.ParseFloat64(request, "max_retries", store.DefaultMaxRetries))

	input := core.CreateTaskInput{
		WorkflowID:     mcp.ParseString(request, "workflow_id", ""),
		ScheduledTime:  at,
		Priority:       &priority,
		MaxRetries:     &maxRetries,
		RecurrenceType: recurrence,
	}
	if mcp.ParseBoolean(request, "randomize_seeds", false) {
		input.ParameterOverrides = &core.ParameterOverrides{RandomizeSeeds: true}
	}

	tasks, err := s.store.ScheduleTasks(ctx, input)
	if err != nil {
		return toolError("schedule task", err), nil
	}
	s.logger.Info("tasks scheduled via mcp", "workflow_id", input.WorkflowID, "count", len(tasks))

	var b strings.Builder
	fmt.Fprintf(&b, "Scheduled %d task(s) for %s\n", len(tasks), tasks[0].WorkflowName)
	fmt.Fprintf(&b, "%s\n", core.RecurrenceSummary(at, recurrence))
	fmt.Fprintf(&b, "First: %s at %s\n", tasks[0].ID, formatTime(&tasks[0].ScheduledTime, s.location))
	if tasks[0].SeriesID != nil {
		fmt.Fprintf(&b, "Series: %s\n", *tasks[0].SeriesID)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var filter core.TaskFilter
	if status := mcp.ParseString(request, "status", ""); status != "" {
		filter.Statuses = []core.TaskStatus{core.TaskStatus(status)}
	}
	filter.WorkflowID = mcp.ParseString(request, "workflow_id", "")

	tasks, err := s.store.ListTasks(ctx, filter)
	if err != nil {
		s.logger.Error("list tasks", "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("failed to list tasks: %v", err)), nil
	}
	if len(tasks) == 0 {
		return mcp.NewToolResultText("No tasks found"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d task(s):\n\n", len(tasks))
	for _, t := range tasks {
		fmt.Fprintf(&b, "%s %s\n", statusToIcon(t.Status), t.ID)
		fmt.Fprintf(&b, "  Workflow: %s\n", t.WorkflowName)
		fmt.Fprintf(&b, "  Scheduled: %s (%s)\n", formatTime(&t.ScheduledTime, s.location), t.Priority)
		if t.RecurrenceType != core.RecurrenceNone {
			fmt.Fprintf(&b, "  Recurrence: %s\n", core.RecurrenceLabel(t.RecurrenceType))
		}
		if t.RetryCount > 0 {
			fmt.Fprintf(&b, "  Retries: %d/%d\n", t.RetryCount, t.MaxRetries)
		}
		if t.Error != nil {
			fmt.Fprintf(&b, "  Error: %s\n", truncateString(*t.Error, 100))
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleRunTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	task, err := s.scheduler.ExecuteTaskNow(ctx, taskID)
	if err != nil {
		return toolError("run task", err), nil
	}
	result := fmt.Sprintf("Task %s is %s", task.ID, task.Status)
	if task.PromptID != nil {
		result += fmt.Sprintf("\nPrompt ID: %s", *task.PromptID)
	}
	if task.Error != nil {
		result += fmt.Sprintf("\nError: %s", *task.Error)
	}
	return mcp.NewToolResultText(result), nil
}

func (s *MCPServer) handleCancelTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	task, err := s.scheduler.CancelTask(ctx, taskID)
	if err != nil {
		return toolError("cancel task", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task %s cancelled", task.ID)), nil
}

func (s *MCPServer) handleSchedulerStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats := s.scheduler.Stats()
	state := "stopped"
	if stats.Running {
		state = "running"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Scheduler: %s, checking every %s\n", state, stats.CheckInterval)
	q := stats.QueueStats
	fmt.Fprintf(&b, "Queue: %d total, %d ready, %d upcoming\n", q.Total, q.Ready, q.Upcoming)
	fmt.Fprintf(&b, "Priorities: urgent %d, high %d, normal %d, low %d\n",
		q.PriorityCounts.Urgent, q.PriorityCounts.High, q.PriorityCounts.Normal, q.PriorityCounts.Low)

	if stats.Next != nil {
		fmt.Fprintf(&b, "Next: %s at %s\n", stats.Next.WorkflowName, formatTime(&stats.Next.ScheduledTime, s.location))
	}

	upcoming := s.scheduler.Upcoming()
	if len(upcoming) > 0 {
		fmt.Fprintf(&b, "\nDue in the next %d minutes:\n", stats.LookAheadMinutes)
		for _, t := range upcoming {
			fmt.Fprintf(&b, "  %s %s\n", formatTime(&t.ScheduledTime, s.location), t.WorkflowName)
		}
	}
	return mcp.NewToolResultText(b.String()), nil
}

func toolError(action string, err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, core.ErrTaskNotFound):
		return mcp.NewToolResultError("task not found")
	case errors.Is(err, core.ErrWorkflowNotFound):
		return mcp.NewToolResultError("workflow not found")
	case errors.Is(err, core.ErrTaskNotPending):
		return mcp.NewToolResultError("task is not pending")
	default:
		return mcp.NewToolResultError(fmt.Sprintf("failed to %s: %v", action, err))
	}
}

func formatTime(t *time.Time, loc *time.Location) string {
	if t == nil {
		return "-"
	}
	return t.In(loc).Format("2006-01-02 15:04:05")
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func splitTags(value string) []string {
	var tags []string
	for _, tag := range strings.Split(value, ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}

func statusNames() []string {
	names := make([]string, 0, len(core.AllTaskStatuses))
	for _, st := range core.AllTaskStatuses {
		names = append(names, string(st))
	}
	return names
}

func statusToIcon(status core.TaskStatus) string {
	switch status {
	case core.TaskStatusPending:
		return "⏳"
	case core.TaskStatusRunning:
		return "▶️"
	case core.TaskStatusCompleted:
		return "✅"
	case core.TaskStatusFailed:
		return "❌"
	case core.TaskStatusCancelled:
		return "🚫"
	case core.TaskStatusMissed:
		return "⏭️"
	default:
		return "❓"
	}
}
