package core

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// executeTask runs one task to completion: running, submit, completed. It is
// dequeued before anything else so a manual trigger racing a tick cannot
// dispatch it twice, and the store copy is re-checked once the executor is
// free. Submission failures are retried while the budget lasts. Events are
// delivered after execMu is released.
func (s *Scheduler) executeTask(ctx context.Context, task *Task) (*Task, error) {
	s.queue.Dequeue(task.ID)

	var events pendingEvents
	defer s.deliver(&events)
	s.execMu.Lock()
	defer s.execMu.Unlock()

	current, err := s.store.GetTask(ctx, task.ID)
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	if current.Status != TaskStatusPending {
		s.logger.Debug("skipping task no longer pending", "task_id", task.ID, "status", current.Status)
		return current, fmt.Errorf("execute %s: %w", task.ID, ErrTaskNotPending)
	}

	s.logger.Info("executing task", "task_id", current.ID, "workflow", current.WorkflowName)
	running, err := s.store.UpdateTaskStatus(ctx, current.ID, TaskStatusRunning, StatusMetadata{
		StartedAt: ptrTime(s.now()),
	})
	if err != nil {
		return nil, fmt.Errorf("mark task running: %w", err)
	}
	events.add(running, EventStarted)

	promptID, err := s.submit(ctx, running)
	if err != nil {
		return s.handleFailure(ctx, running, err, &events)
	}

	completedAt := s.now()
	completed, err := s.store.UpdateTaskStatus(ctx, running.ID, TaskStatusCompleted, StatusMetadata{
		PromptID:    ptrString(promptID),
		CompletedAt: ptrTime(completedAt),
	})
	if err != nil {
		return nil, fmt.Errorf("mark task completed: %w", err)
	}
	if err := s.store.RecordWorkflowExecution(ctx, running.WorkflowID, completedAt); err != nil {
		s.logger.Warn("record workflow execution", "workflow_id", running.WorkflowID, "err", err)
	}

	s.logger.Info("task completed", "task_id", completed.ID, "prompt_id", promptID)
	events.add(completed, EventCompleted)
	s.notifier.Notify(
		"Task completed: "+completed.WorkflowName,
		"Executed at "+completedAt.In(s.location).Format(time.Kitchen),
	)
	return completed, nil
}

// submit resolves the workflow, applies overrides and hands the graph to the
// execution client.
func (s *Scheduler) submit(ctx context.Context, task *Task) (string, error) {
	wf, err := s.store.GetWorkflow(ctx, task.WorkflowID)
	if err != nil {
		if errors.Is(err, ErrWorkflowNotFound) {
			return "", fmt.Errorf("%w: %s", ErrWorkflowNotFound, task.WorkflowID)
		}
		return "", fmt.Errorf("load workflow: %w", err)
	}
	graph := wf.Graph
	if task.ParameterOverrides != nil {
		s.logger.Debug("applying parameter overrides", "task_id", task.ID, "summary", OverridesSummary(task.ParameterOverrides))
		graph = ApplyParameterOverrides(graph, *task.ParameterOverrides)
	}
	promptID, err := s.client.Submit(ctx, graph)
	if err != nil {
		return "", fmt.Errorf("submit workflow: %w", err)
	}
	return promptID, nil
}

// handleFailure records a failed attempt. The attempt is counted first; the
// task goes back to pending only while attempts < maxRetries. A missing
// workflow is never retried.
func (s *Scheduler) handleFailure(ctx context.Context, task *Task, cause error, events *pendingEvents) (*Task, error) {
	msg := cause.Error()
	attempts := task.RetryCount + 1
	s.logger.Error("task execution failed", "task_id", task.ID, "attempt", attempts, "max_retries", task.MaxRetries, "err", cause)

	if !errors.Is(cause, ErrWorkflowNotFound) && attempts < task.MaxRetries {
		pending, err := s.store.UpdateTaskStatus(ctx, task.ID, TaskStatusPending, StatusMetadata{
			RetryCount: &attempts,
			Error:      &msg,
		})
		if err != nil {
			return nil, fmt.Errorf("revert task to pending: %w", err)
		}
		s.queue.Enqueue(pending)
		s.notifier.Notify(
			"Task will be retried: "+task.WorkflowName,
			fmt.Sprintf("Retry %d/%d", attempts, task.MaxRetries),
		)
		return pending, nil
	}

	failed, err := s.store.UpdateTaskStatus(ctx, task.ID, TaskStatusFailed, StatusMetadata{
		CompletedAt: ptrTime(s.now()),
		Error:       &msg,
		RetryCount:  &attempts,
	})
	if err != nil {
		return nil, fmt.Errorf("mark task failed: %w", err)
	}
	events.add(failed, EventFailed)
	s.notifier.Notify("Task failed: "+task.WorkflowName, msg)
	return failed, nil
}
