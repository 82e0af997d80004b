package store

import (
	"context"

	"yesterday/internal/core"
)

// ScheduleTasks validates a scheduling request, expands its recurrence and
// stores every occurrence atomically.
func (s *Store) ScheduleTasks(ctx context.Context, input core.CreateTaskInput) ([]*core.Task, error) {
	if err := core.ValidateCreateTask(input, s.now()); err != nil {
		return nil, err
	}
	recurrence := input.RecurrenceType
	if recurrence == "" {
		recurrence = core.RecurrenceNone
	}
	return s.BulkCreateTasks(ctx, core.GenerateRecurringTasks(input, recurrence))
}
