package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"yesterday/internal/core"
)

type createTaskResponse struct {
	Tasks   []*core.Task `json:"tasks"`
	Count   int          `json:"count"`
	Summary string       `json:"summary"`
}

type updateTaskRequest struct {
	ScheduledTime      *time.Time      `json:"scheduledTime"`
	Priority           *core.Priority  `json:"priority"`
	MaxRetries         *int            `json:"maxRetries"`
	ParameterOverrides json.RawMessage `json:"parameterOverrides"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req core.CreateTaskInput
	if !decodeJSON(w, r, &req) {
		return
	}
	req.WorkflowID = strings.TrimSpace(req.WorkflowID)
	tasks, err := s.store.ScheduleTasks(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, err, "schedule task", "workflow_id", req.WorkflowID)
		return
	}
	recurrence := req.RecurrenceType
	if recurrence == "" {
		recurrence = core.RecurrenceNone
	}
	s.logger.Info("tasks scheduled", "workflow_id", req.WorkflowID, "count", len(tasks), "recurrence", recurrence)
	writeJSON(w, http.StatusCreated, createTaskResponse{
		Tasks:   tasks,
		Count:   len(tasks),
		Summary: core.RecurrenceSummary(req.ScheduledTime, recurrence),
	})
}

// handleListTasks filters by status (repeatable or comma separated), start,
// end and workflow_id. date=YYYY-MM-DD selects one local calendar day instead.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if date := strings.TrimSpace(query.Get("date")); date != "" {
		day, err := time.ParseInLocation(time.DateOnly, date, s.location)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "date must be YYYY-MM-DD")
			return
		}
		tasks, err := s.store.TasksForDate(r.Context(), day)
		if err != nil {
			s.writeDomainError(w, err, "list tasks")
			return
		}
		writeJSON(w, http.StatusOK, nonNilTasks(tasks))
		return
	}

	var filter core.TaskFilter
	for _, st := range splitList(query["status"]) {
		status := core.TaskStatus(st)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "invalid_input", "unknown status "+st)
			return
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	for key, dst := range map[string]**time.Time{"start": &filter.StartDate, "end": &filter.EndDate} {
		value := strings.TrimSpace(query.Get(key))
		if value == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, value)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", key+" must be an RFC 3339 time")
			return
		}
		*dst = &t
	}
	filter.WorkflowID = strings.TrimSpace(query.Get("workflow_id"))

	tasks, err := s.store.ListTasks(r.Context(), filter)
	if err != nil {
		s.writeDomainError(w, err, "list tasks")
		return
	}
	writeJSON(w, http.StatusOK, nonNilTasks(tasks))
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Statistics(r.Context())
	if err != nil {
		s.writeDomainError(w, err, "load statistics")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleUpcomingTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.UpcomingTasks(r.Context(), parseIntDefault(r.URL.Query().Get("limit"), 10))
	if err != nil {
		s.writeDomainError(w, err, "list upcoming tasks")
		return
	}
	writeJSON(w, http.StatusOK, nonNilTasks(tasks))
}

func (s *Server) handleOverdueTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.OverdueTasks(r.Context())
	if err != nil {
		s.writeDomainError(w, err, "list overdue tasks")
		return
	}
	writeJSON(w, http.StatusOK, nonNilTasks(tasks))
}

func (s *Server) handleCleanupTasks(w http.ResponseWriter, r *http.Request) {
	days := parseIntDefault(r.URL.Query().Get("days"), 30)
	if days < 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", "days must be non-negative")
		return
	}
	n, err := s.store.CleanupOldTasks(r.Context(), days)
	if err != nil {
		s.writeDomainError(w, err, "clean up tasks")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		s.writeDomainError(w, err, "load task", "task_id", taskID)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleUpdateTask edits a pending task. parameterOverrides: null removes the
// overrides.
func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		s.writeDomainError(w, err, "load task", "task_id", taskID)
		return
	}
	if task.Status != core.TaskStatusPending {
		s.writeDomainError(w, core.ErrTaskNotPending, "update task", "task_id", taskID)
		return
	}

	var req updateTaskRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	patch := core.TaskPatch{
		ScheduledTime: req.ScheduledTime,
		Priority:      req.Priority,
		MaxRetries:    req.MaxRetries,
	}
	if req.ScheduledTime != nil && req.ScheduledTime.Before(s.now()) {
		writeError(w, http.StatusBadRequest, "invalid_input", "scheduledTime: cannot schedule a task in the past")
		return
	}
	if req.Priority != nil && !req.Priority.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_input", "priority: unknown priority")
		return
	}
	if req.MaxRetries != nil && *req.MaxRetries < 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", "maxRetries: must be non-negative")
		return
	}
	if len(req.ParameterOverrides) > 0 {
		if bytes.Equal(bytes.TrimSpace(req.ParameterOverrides), []byte("null")) {
			patch.ClearOverrides = true
		} else {
			var overrides core.ParameterOverrides
			if err := json.Unmarshal(req.ParameterOverrides, &overrides); err != nil {
				writeError(w, http.StatusBadRequest, "invalid_json", "invalid parameterOverrides")
				return
			}
			for nodeID, text := range overrides.PromptOverrides {
				if err := core.ValidatePromptText(text); err != nil {
					writeError(w, http.StatusBadRequest, "invalid_input", "promptOverrides."+nodeID+": "+err.Error())
					return
				}
			}
			patch.ParameterOverrides = &overrides
		}
	}

	updated, err := s.store.UpdateTask(r.Context(), taskID, patch)
	if err != nil {
		s.writeDomainError(w, err, "update task", "task_id", taskID)
		return
	}
	s.scheduler.Forget(taskID)
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := s.store.DeleteTask(r.Context(), taskID); err != nil {
		s.writeDomainError(w, err, "delete task", "task_id", taskID)
		return
	}
	s.scheduler.Forget(taskID)
	w.WriteHeader(http.StatusNoContent)
}

// handleRunTask executes a pending task synchronously. The request context is
// detached so a disconnecting client cannot abort a submission halfway.
func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	task, err := s.scheduler.ExecuteTaskNow(context.WithoutCancel(r.Context()), taskID)
	if err != nil {
		s.writeDomainError(w, err, "run task", "task_id", taskID)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	task, err := s.scheduler.CancelTask(r.Context(), taskID)
	if err != nil {
		s.writeDomainError(w, err, "cancel task", "task_id", taskID)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func nonNilTasks(tasks []*core.Task) []*core.Task {
	if tasks == nil {
		return []*core.Task{}
	}
	return tasks
}
