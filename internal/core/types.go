package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TaskStatus describes the lifecycle state of a scheduled task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
	TaskStatusMissed    TaskStatus = "missed"
)

// AllTaskStatuses lists every status in display order.
var AllTaskStatuses = []TaskStatus{
	TaskStatusPending,
	TaskStatusRunning,
	TaskStatusCompleted,
	TaskStatusFailed,
	TaskStatusCancelled,
	TaskStatusMissed,
}

// IsTerminal reports whether a task in this status can never run again.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled, TaskStatusMissed:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	for _, st := range AllTaskStatuses {
		if s == st {
			return true
		}
	}
	return false
}

// Priority orders dispatch of tasks that are ready at the same time.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid reports whether p is one of the four known levels.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityUrgent
}

// ParsePriority accepts either the level name or its ordinal.
func ParsePriority(value string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "low", "0":
		return PriorityLow, nil
	case "normal", "1", "":
		return PriorityNormal, nil
	case "high", "2":
		return PriorityHigh, nil
	case "urgent", "3":
		return PriorityUrgent, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", value)
}

// UnmarshalJSON accepts the ordinal or the level name.
func (p *Priority) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*p = Priority(n)
		return nil
	}
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("priority must be a number or a name: %w", err)
	}
	parsed, err := ParsePriority(name)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// RecurrenceType selects how a scheduling request expands into tasks.
type RecurrenceType string

const (
	RecurrenceNone    RecurrenceType = "none"
	RecurrenceDaily   RecurrenceType = "daily"
	RecurrenceWeekly  RecurrenceType = "weekly"
	RecurrenceMonthly RecurrenceType = "monthly"
)

// Valid reports whether r is a known recurrence type.
func (r RecurrenceType) Valid() bool {
	switch r {
	case RecurrenceNone, RecurrenceDaily, RecurrenceWeekly, RecurrenceMonthly:
		return true
	default:
		return false
	}
}

// ParameterOverrides customise a workflow at execution time without touching
// the stored library copy.
type ParameterOverrides struct {
	RandomizeSeeds  bool              `json:"randomizeSeeds"`
	PromptOverrides map[string]string `json:"promptOverrides,omitempty"`
}

// Task is one scheduled execution of a library workflow.
type Task struct {
	ID                 string              `json:"id"`
	WorkflowID         string              `json:"workflowId"`
	WorkflowName       string              `json:"workflowName"`
	ScheduledTime      time.Time           `json:"scheduledTime"`
	Status             TaskStatus          `json:"status"`
	CreatedAt          time.Time           `json:"createdAt"`
	StartedAt          *time.Time          `json:"startedAt,omitempty"`
	CompletedAt        *time.Time          `json:"completedAt,omitempty"`
	PromptID           *string             `json:"promptId,omitempty"`
	Error              *string             `json:"error,omitempty"`
	RetryCount         int                 `json:"retryCount"`
	MaxRetries         int                 `json:"maxRetries"`
	Priority           Priority            `json:"priority"`
	ParameterOverrides *ParameterOverrides `json:"parameterOverrides,omitempty"`
	RecurrenceType     RecurrenceType      `json:"recurrenceType"`
	SeriesID           *string             `json:"seriesId,omitempty"`
}

// Clone returns a copy that shares no mutable state with t.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.StartedAt = cloneTime(t.StartedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	c.PromptID = cloneString(t.PromptID)
	c.Error = cloneString(t.Error)
	c.SeriesID = cloneString(t.SeriesID)
	if t.ParameterOverrides != nil {
		o := *t.ParameterOverrides
		if t.ParameterOverrides.PromptOverrides != nil {
			o.PromptOverrides = make(map[string]string, len(t.ParameterOverrides.PromptOverrides))
			for k, v := range t.ParameterOverrides.PromptOverrides {
				o.PromptOverrides[k] = v
			}
		}
		c.ParameterOverrides = &o
	}
	return &c
}

// CreateTaskInput describes a task to be created. Nil optional fields take
// the store defaults.
type CreateTaskInput struct {
	WorkflowID         string              `json:"workflowId"`
	ScheduledTime      time.Time           `json:"scheduledTime"`
	Priority           *Priority           `json:"priority,omitempty"`
	MaxRetries         *int                `json:"maxRetries,omitempty"`
	ParameterOverrides *ParameterOverrides `json:"parameterOverrides,omitempty"`
	RecurrenceType     RecurrenceType      `json:"recurrenceType,omitempty"`
	SeriesID           *string             `json:"seriesId,omitempty"`
}

// TaskPatch carries a partial update. Nil fields are left untouched.
type TaskPatch struct {
	ScheduledTime      *time.Time
	Status             *TaskStatus
	Priority           *Priority
	MaxRetries         *int
	RetryCount         *int
	ParameterOverrides *ParameterOverrides
	ClearOverrides     bool
	PromptID           *string
	Error              *string
}

// StatusMetadata accompanies a status transition.
type StatusMetadata struct {
	StartedAt   *time.Time
	CompletedAt *time.Time
	PromptID    *string
	Error       *string
	RetryCount  *int
}

// TaskFilter narrows task queries. Zero values mean "any".
type TaskFilter struct {
	Statuses   []TaskStatus
	StartDate  *time.Time
	EndDate    *time.Time
	WorkflowID string
}

// TaskStatistics counts tasks per status.
type TaskStatistics struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Missed    int `json:"missed"`
}

// Add counts n tasks in the given status.
func (s *TaskStatistics) Add(status TaskStatus, n int) {
	s.Total += n
	switch status {
	case TaskStatusPending:
		s.Pending += n
	case TaskStatusRunning:
		s.Running += n
	case TaskStatusCompleted:
		s.Completed += n
	case TaskStatusFailed:
		s.Failed += n
	case TaskStatusCancelled:
		s.Cancelled += n
	case TaskStatusMissed:
		s.Missed += n
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func ptrString(v string) *string {
	return &v
}

func ptrTime(v time.Time) *time.Time {
	return &v
}
