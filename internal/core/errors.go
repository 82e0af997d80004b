package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	ErrTaskNotFound     = errors.New("task not found")
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrTaskNotPending   = errors.New("task is not pending")
	ErrWorkflowInUse    = errors.New("workflow is used by scheduled tasks")
)

const maxPromptLength = 10000

// ValidationError rejects input at the boundary before anything is stored.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateCreateTask checks a scheduling request against the current time.
func ValidateCreateTask(input CreateTaskInput, now time.Time) error {
	if strings.TrimSpace(input.WorkflowID) == "" {
		return &ValidationError{Field: "workflowId", Message: "a workflow must be selected"}
	}
	if input.ScheduledTime.IsZero() {
		return &ValidationError{Field: "scheduledTime", Message: "scheduled time is required"}
	}
	if input.ScheduledTime.Before(now) {
		return &ValidationError{Field: "scheduledTime", Message: "cannot schedule a task in the past"}
	}
	if input.Priority != nil && !input.Priority.Valid() {
		return &ValidationError{Field: "priority", Message: "unknown priority"}
	}
	if input.MaxRetries != nil && *input.MaxRetries < 0 {
		return &ValidationError{Field: "maxRetries", Message: "must be non-negative"}
	}
	if input.RecurrenceType != "" && !input.RecurrenceType.Valid() {
		return &ValidationError{Field: "recurrenceType", Message: "unknown recurrence type"}
	}
	if input.ParameterOverrides != nil {
		for nodeID, text := range input.ParameterOverrides.PromptOverrides {
			if err := ValidatePromptText(text); err != nil {
				return &ValidationError{Field: "promptOverrides." + nodeID, Message: err.Error()}
			}
		}
	}
	return nil
}

// ValidatePromptText rejects empty or oversized prompt text.
func ValidatePromptText(text string) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("prompt cannot be empty")
	}
	if utf8.RuneCountInString(text) > maxPromptLength {
		return fmt.Errorf("prompt is too long (max %d characters)", maxPromptLength)
	}
	return nil
}

// ValidateCreateWorkflow checks a library upload.
func ValidateCreateWorkflow(input CreateWorkflowInput) error {
	if strings.TrimSpace(input.Name) == "" {
		return &ValidationError{Field: "name", Message: "name is required"}
	}
	if len(input.Graph) == 0 {
		return &ValidationError{Field: "workflow", Message: "workflow has no nodes"}
	}
	return nil
}

// IsValidation reports whether err is a boundary validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
