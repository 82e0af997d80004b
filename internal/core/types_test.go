package core

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePriority(t *testing.T) {
	cases := map[string]Priority{
		"low":    PriorityLow,
		"0":      PriorityLow,
		"Normal": PriorityNormal,
		"":       PriorityNormal,
		"HIGH":   PriorityHigh,
		"3":      PriorityUrgent,
	}
	for in, want := range cases {
		got, err := ParsePriority(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParsePriority("extreme")
	assert.Error(t, err)
}

func TestPriorityUnmarshalJSON(t *testing.T) {
	var in CreateTaskInput
	require.NoError(t, json.Unmarshal([]byte(`{"priority": "urgent"}`), &in))
	assert.Equal(t, PriorityUrgent, *in.Priority)

	require.NoError(t, json.Unmarshal([]byte(`{"priority": 0}`), &in))
	assert.Equal(t, PriorityLow, *in.Priority)

	assert.Error(t, json.Unmarshal([]byte(`{"priority": "loud"}`), &in))
}

func TestTaskStatusTerminal(t *testing.T) {
	assert.False(t, TaskStatusPending.IsTerminal())
	assert.False(t, TaskStatusRunning.IsTerminal())
	for _, s := range []TaskStatus{TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled, TaskStatusMissed} {
		assert.True(t, s.IsTerminal(), s)
	}
	assert.False(t, TaskStatus("paused").Valid())
}

func TestTaskCloneIsDeep(t *testing.T) {
	started := time.Now()
	task := &Task{
		ID:                 "t",
		StartedAt:          &started,
		Error:              ptrString("boom"),
		ParameterOverrides: &ParameterOverrides{PromptOverrides: map[string]string{"6": "a"}},
	}
	c := task.Clone()
	*c.Error = "changed"
	c.ParameterOverrides.PromptOverrides["6"] = "b"
	*c.StartedAt = started.Add(time.Hour)

	assert.Equal(t, "boom", *task.Error)
	assert.Equal(t, "a", task.ParameterOverrides.PromptOverrides["6"])
	assert.Equal(t, started, *task.StartedAt)
	assert.Nil(t, (*Task)(nil).Clone())
}

func TestValidateCreateTask(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	valid := CreateTaskInput{WorkflowID: "wf", ScheduledTime: now.Add(time.Minute)}
	require.NoError(t, ValidateCreateTask(valid, now))

	bad := func(mutate func(*CreateTaskInput)) error {
		in := valid
		mutate(&in)
		return ValidateCreateTask(in, now)
	}
	negative := -1
	loud := Priority(9)

	tests := map[string]error{
		"workflowId":       bad(func(in *CreateTaskInput) { in.WorkflowID = "  " }),
		"scheduledTime":    bad(func(in *CreateTaskInput) { in.ScheduledTime = now.Add(-time.Second) }),
		"maxRetries":       bad(func(in *CreateTaskInput) { in.MaxRetries = &negative }),
		"priority":         bad(func(in *CreateTaskInput) { in.Priority = &loud }),
		"recurrenceType":   bad(func(in *CreateTaskInput) { in.RecurrenceType = "yearly" }),
		"promptOverrides.": bad(func(in *CreateTaskInput) { in.ParameterOverrides = &ParameterOverrides{PromptOverrides: map[string]string{"6": " "}} }),
	}
	for field, err := range tests {
		require.Error(t, err, field)
		assert.True(t, IsValidation(err), field)
		assert.True(t, strings.HasPrefix(err.Error(), field), "%s: %v", field, err)
	}
}

func TestValidatePromptText(t *testing.T) {
	assert.NoError(t, ValidatePromptText("a cat"))
	assert.Error(t, ValidatePromptText(""))
	assert.Error(t, ValidatePromptText(strings.Repeat("x", maxPromptLength+1)))

	// The limit counts characters, not bytes.
	assert.NoError(t, ValidatePromptText(strings.Repeat("猫", maxPromptLength)))
	assert.Error(t, ValidatePromptText(strings.Repeat("猫", maxPromptLength+1)))
}
