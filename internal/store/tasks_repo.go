package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"yesterday/internal/core"
)

const taskColumns = `id, workflow_id, workflow_name, scheduled_time, status, created_at, started_at, completed_at,
	prompt_id, error, retry_count, max_retries, priority, parameter_overrides, recurrence_type, series_id`

// CreateTask stores a new pending task. The workflow must exist; its current
// name is copied onto the task.
func (s *Store) CreateTask(ctx context.Context, input core.CreateTaskInput) (*core.Task, error) {
	var task *core.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		name, err := workflowName(ctx, tx, input.WorkflowID)
		if err != nil {
			return err
		}
		task = s.newTask(input, name)
		return insertTask(ctx, tx, task)
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// BulkCreateTasks stores every input atomically: either all tasks are created
// or none are.
func (s *Store) BulkCreateTasks(ctx context.Context, inputs []core.CreateTaskInput) ([]*core.Task, error) {
	tasks := make([]*core.Task, 0, len(inputs))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		names := make(map[string]string)
		for _, input := range inputs {
			name, ok := names[input.WorkflowID]
			if !ok {
				var err error
				if name, err = workflowName(ctx, tx, input.WorkflowID); err != nil {
					return err
				}
				names[input.WorkflowID] = name
			}
			task := s.newTask(input, name)
			if err := insertTask(ctx, tx, task); err != nil {
				return err
			}
			tasks = append(tasks, task)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *Store) newTask(input core.CreateTaskInput, workflowName string) *core.Task {
	task := &core.Task{
		ID:                 core.NewID(),
		WorkflowID:         input.WorkflowID,
		WorkflowName:       workflowName,
		ScheduledTime:      input.ScheduledTime,
		Status:             core.TaskStatusPending,
		CreatedAt:          s.now(),
		MaxRetries:         s.MaxRetries,
		Priority:           core.PriorityNormal,
		ParameterOverrides: input.ParameterOverrides,
		RecurrenceType:     input.RecurrenceType,
		SeriesID:           input.SeriesID,
	}
	if input.MaxRetries != nil {
		task.MaxRetries = *input.MaxRetries
	}
	if input.Priority != nil {
		task.Priority = *input.Priority
	}
	if task.RecurrenceType == "" {
		task.RecurrenceType = core.RecurrenceNone
	}
	return task
}

// GetTask returns the task with the given id or ErrTaskNotFound.
func (s *Store) GetTask(ctx context.Context, id string) (*core.Task, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		return nil, err
	}
	return task, nil
}

// ListAllTasks returns every task ordered by scheduled time.
func (s *Store) ListAllTasks(ctx context.Context) ([]*core.Task, error) {
	return s.ListTasks(ctx, core.TaskFilter{})
}

// ListTasks returns the tasks matching filter ordered by scheduled time. Date
// bounds are inclusive.
func (s *Store) ListTasks(ctx context.Context, filter core.TaskFilter) ([]*core.Task, error) {
	var (
		where []string
		args  []any
	)
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.StartDate != nil {
		where = append(where, "scheduled_time >= ?")
		args = append(args, formatTime(*filter.StartDate))
	}
	if filter.EndDate != nil {
		where = append(where, "scheduled_time <= ?")
		args = append(args, formatTime(*filter.EndDate))
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	return s.queryTasks(ctx, strings.Join(where, " AND "), "", args...)
}

// TasksForDate returns the tasks scheduled within the calendar day of date,
// evaluated in date's location.
func (s *Store) TasksForDate(ctx context.Context, date time.Time) ([]*core.Task, error) {
	start := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	end := start.AddDate(0, 0, 1)
	return s.queryTasks(ctx, "scheduled_time >= ? AND scheduled_time < ?", "",
		formatTime(start), formatTime(end))
}

// UpcomingTasks returns up to limit pending tasks scheduled after now.
func (s *Store) UpcomingTasks(ctx context.Context, limit int) ([]*core.Task, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.queryTasks(ctx, "status = ? AND scheduled_time > ?", fmt.Sprintf("LIMIT %d", limit),
		string(core.TaskStatusPending), formatTime(s.now()))
}

// OverdueTasks returns pending tasks whose scheduled time has passed.
func (s *Store) OverdueTasks(ctx context.Context) ([]*core.Task, error) {
	return s.queryTasks(ctx, "status = ? AND scheduled_time < ?", "",
		string(core.TaskStatusPending), formatTime(s.now()))
}

func (s *Store) queryTasks(ctx context.Context, where, suffix string, args ...any) ([]*core.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY scheduled_time ASC, created_at ASC, id ASC"
	if suffix != "" {
		query += " " + suffix
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	var tasks []*core.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

// UpdateTask applies a partial update and returns the stored result.
func (s *Store) UpdateTask(ctx context.Context, id string, patch core.TaskPatch) (*core.Task, error) {
	var task *core.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if task, err = getTaskTx(ctx, tx, id); err != nil {
			return err
		}
		if patch.ScheduledTime != nil {
			task.ScheduledTime = *patch.ScheduledTime
		}
		if patch.Status != nil {
			task.Status = *patch.Status
		}
		if patch.Priority != nil {
			task.Priority = *patch.Priority
		}
		if patch.MaxRetries != nil {
			task.MaxRetries = *patch.MaxRetries
		}
		if patch.RetryCount != nil {
			task.RetryCount = *patch.RetryCount
		}
		if patch.ClearOverrides {
			task.ParameterOverrides = nil
		} else if patch.ParameterOverrides != nil {
			task.ParameterOverrides = patch.ParameterOverrides
		}
		if patch.PromptID != nil {
			task.PromptID = patch.PromptID
		}
		if patch.Error != nil {
			task.Error = patch.Error
		}
		return writeTask(ctx, tx, task)
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// UpdateTaskStatus moves a task to status and merges meta. startedAt is stamped
// on the transition to running and completedAt on any terminal transition,
// unless supplied. Neither is ever overwritten once set.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status core.TaskStatus, meta core.StatusMetadata) (*core.Task, error) {
	var task *core.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if task, err = getTaskTx(ctx, tx, id); err != nil {
			return err
		}
		now := s.now()
		task.Status = status
		if task.StartedAt == nil {
			switch {
			case meta.StartedAt != nil:
				task.StartedAt = meta.StartedAt
			case status == core.TaskStatusRunning:
				task.StartedAt = &now
			}
		}
		if task.CompletedAt == nil {
			switch {
			case meta.CompletedAt != nil:
				task.CompletedAt = meta.CompletedAt
			case status.IsTerminal():
				task.CompletedAt = &now
			}
		}
		if meta.PromptID != nil {
			task.PromptID = meta.PromptID
		}
		if meta.Error != nil {
			task.Error = meta.Error
		}
		if meta.RetryCount != nil {
			task.RetryCount = *meta.RetryCount
		}
		return writeTask(ctx, tx, task)
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// DeleteTask removes a task regardless of its status.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return nil
}

// DeleteTasksByWorkflow removes every task referencing workflowID.
func (s *Store) DeleteTasksByWorkflow(ctx context.Context, workflowID string) (int, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM tasks WHERE workflow_id = ?`, workflowID)
	if err != nil {
		return 0, fmt.Errorf("delete tasks for workflow: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(rows), nil
}

// CleanupOldTasks deletes completed tasks that finished more than daysOld days ago.
func (s *Store) CleanupOldTasks(ctx context.Context, daysOld int) (int, error) {
	cutoff := s.now().AddDate(0, 0, -daysOld)
	res, err := s.DB.ExecContext(ctx, `
		DELETE FROM tasks
		WHERE status = ? AND completed_at IS NOT NULL AND completed_at < ?
	`, string(core.TaskStatusCompleted), formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("cleanup old tasks: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(rows), nil
}

// Statistics counts tasks per status.
func (s *Store) Statistics(ctx context.Context) (core.TaskStatistics, error) {
	var stats core.TaskStatistics
	rows, err := s.DB.QueryContext(ctx, `SELECT status, COUNT(1) FROM tasks GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("task statistics: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return stats, err
		}
		stats.Add(core.TaskStatus(status), count)
	}
	return stats, rows.Err()
}

func workflowName(ctx context.Context, tx *sql.Tx, workflowID string) (string, error) {
	var name string
	err := tx.QueryRowContext(ctx, `SELECT name FROM workflows WHERE id = ?`, workflowID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	if err != nil {
		return "", fmt.Errorf("lookup workflow: %w", err)
	}
	return name, nil
}

func getTaskTx(ctx context.Context, tx *sql.Tx, id string) (*core.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		return nil, err
	}
	return task, nil
}

func insertTask(ctx context.Context, tx *sql.Tx, task *core.Task) error {
	overrides, err := encodeOverrides(task.ParameterOverrides)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.WorkflowID, task.WorkflowName, formatTime(task.ScheduledTime), string(task.Status),
		formatTime(task.CreatedAt), nullableTime(task.StartedAt), nullableTime(task.CompletedAt),
		nullableString(task.PromptID), nullableString(task.Error), task.RetryCount, task.MaxRetries,
		int(task.Priority), overrides, string(task.RecurrenceType), nullableString(task.SeriesID))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func writeTask(ctx context.Context, tx *sql.Tx, task *core.Task) error {
	overrides, err := encodeOverrides(task.ParameterOverrides)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET scheduled_time = ?, status = ?, started_at = ?, completed_at = ?, prompt_id = ?, error = ?,
			retry_count = ?, max_retries = ?, priority = ?, parameter_overrides = ?
		WHERE id = ?
	`, formatTime(task.ScheduledTime), string(task.Status), nullableTime(task.StartedAt),
		nullableTime(task.CompletedAt), nullableString(task.PromptID), nullableString(task.Error),
		task.RetryCount, task.MaxRetries, int(task.Priority), overrides, task.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, task.ID)
	}
	return nil
}

func encodeOverrides(o *core.ParameterOverrides) (any, error) {
	if o == nil {
		return nil, nil
	}
	data, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("encode parameter overrides: %w", err)
	}
	return string(data), nil
}

func scanTask(scanner rowScanner) (*core.Task, error) {
	var (
		task          core.Task
		status        string
		scheduledTime string
		createdAt     string
		startedAt     sql.NullString
		completedAt   sql.NullString
		promptID      sql.NullString
		errMsg        sql.NullString
		priority      int
		overrides     sql.NullString
		recurrence    string
		seriesID      sql.NullString
	)
	if err := scanner.Scan(&task.ID, &task.WorkflowID, &task.WorkflowName, &scheduledTime, &status, &createdAt,
		&startedAt, &completedAt, &promptID, &errMsg, &task.RetryCount, &task.MaxRetries, &priority,
		&overrides, &recurrence, &seriesID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task.Status = core.TaskStatus(status)
	task.Priority = core.Priority(priority)
	task.RecurrenceType = core.RecurrenceType(recurrence)
	task.PromptID = nullStringPtr(promptID)
	task.Error = nullStringPtr(errMsg)
	task.SeriesID = nullStringPtr(seriesID)

	var err error
	if task.ScheduledTime, err = parseTime(scheduledTime); err != nil {
		return nil, err
	}
	if task.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if task.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, err
	}
	if task.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	if overrides.Valid && overrides.String != "" {
		var o core.ParameterOverrides
		if err := json.Unmarshal([]byte(overrides.String), &o); err != nil {
			return nil, fmt.Errorf("decode parameter overrides of %s: %w", task.ID, err)
		}
		task.ParameterOverrides = &o
	}
	return &task, nil
}
