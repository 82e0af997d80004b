package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultCheckInterval    = 60 * time.Second
	MinCheckInterval        = 10 * time.Second
	DefaultLookAheadMinutes = 5

	// missedLookBack bounds how far back the missed-task pass looks.
	missedLookBack = time.Hour
	missedMessage  = "Task execution was missed"
)

// Store abstracts the persistence the scheduler reads and writes through.
type Store interface {
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status TaskStatus, meta StatusMetadata) (*Task, error)

	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	RecordWorkflowExecution(ctx context.Context, id string, at time.Time) error
}

// ExecutionClient submits a graph to the generation server and returns the
// server's correlation id. It does not report completion.
type ExecutionClient interface {
	Submit(ctx context.Context, graph Graph) (string, error)
}

// Notifier is a fire-and-forget sink for user-facing notices.
type Notifier interface {
	Notify(title, body string)
}

// SchedulerOptions tunes a Scheduler. Zero values take the defaults.
type SchedulerOptions struct {
	CheckInterval    time.Duration
	LookAheadMinutes int
	Location         *time.Location
	Now              func() time.Time
}

// SchedulerStats is a read-only snapshot of the scheduler.
type SchedulerStats struct {
	Running          bool          `json:"running"`
	QueueStats       QueueStats    `json:"queueStats"`
	CheckInterval    time.Duration `json:"-"`
	CheckIntervalMs  int64         `json:"checkInterval"`
	LookAheadMinutes int           `json:"lookAheadMinutes"`
	// Next is the task at the head of the queue, if any.
	Next *Task `json:"next,omitempty"`
}

// Scheduler polls the store for pending tasks and dispatches due ones one at
// a time. The queue it keeps is a cache refreshed on every tick.
type Scheduler struct {
	store    Store
	client   ExecutionClient
	notifier Notifier
	logger   *slog.Logger
	location *time.Location
	now      func() time.Time

	queue     *TaskQueue
	listeners listenerSet

	mu            sync.Mutex
	running       bool
	timer         *cron.Cron
	checkInterval time.Duration
	lookAhead     int
	ctx           context.Context

	// execMu serialises task bodies across ticks and manual triggers.
	execMu sync.Mutex
}

// NewScheduler constructs a stopped scheduler with the given dependencies.
func NewScheduler(store Store, client ExecutionClient, notifier Notifier, logger *slog.Logger, opts SchedulerOptions) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = DefaultCheckInterval
	}
	if opts.LookAheadMinutes <= 0 {
		opts.LookAheadMinutes = DefaultLookAheadMinutes
	}
	s := &Scheduler{
		store:         store,
		client:        client,
		notifier:      notifier,
		logger:        logger,
		location:      opts.Location,
		now:           opts.Now,
		queue:         NewTaskQueue(opts.Now),
		checkInterval: clampInterval(opts.CheckInterval),
		lookAhead:     opts.LookAheadMinutes,
	}
	s.listeners.logger = logger
	return s
}

// Start loads the queue and arms the periodic tick. ctx is used for the
// background store and submission calls made by ticks. Starting a running
// scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.logger.Debug("scheduler already running")
		return
	}
	s.ctx = ctx
	s.startLocked()
}

// Stop disarms the timer and clears the in-memory queue. The store is left
// untouched. The returned context is done once an in-flight tick finishes.
// Stop may be called from a task listener.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

// Shutdown stops the scheduler and waits for an in-flight tick until ctx ends.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	done := s.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether the periodic tick is armed.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SetCheckInterval changes the tick period, clamped to MinCheckInterval. A
// running scheduler is restarted so the new period applies immediately.
func (s *Scheduler) SetCheckInterval(d time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkInterval = clampInterval(d)
	if s.running {
		s.stopLocked()
		s.startLocked()
	}
	return s.checkInterval
}

// Stats returns a snapshot without side effects.
func (s *Scheduler) Stats() SchedulerStats {
	s.mu.Lock()
	running, interval, lookAhead := s.running, s.checkInterval, s.lookAhead
	s.mu.Unlock()
	stats := SchedulerStats{
		Running:          running,
		QueueStats:       s.queue.Stats(),
		CheckInterval:    interval,
		CheckIntervalMs:  interval.Milliseconds(),
		LookAheadMinutes: lookAhead,
	}
	if next, ok := s.queue.Peek(); ok {
		stats.Next = next
	}
	return stats
}

// Upcoming returns queued tasks due within the look-ahead window.
func (s *Scheduler) Upcoming() []*Task {
	s.mu.Lock()
	lookAhead := s.lookAhead
	s.mu.Unlock()
	return s.queue.WithinWindow(lookAhead)
}

// Queued returns the current queue content in dispatch order.
func (s *Scheduler) Queued() []*Task {
	return s.queue.All()
}

// Forget drops a task from the queue after it was deleted or edited elsewhere.
// The next refresh restores it if it is still pending.
func (s *Scheduler) Forget(id string) bool {
	return s.queue.Remove(id)
}

// RefreshQueue reloads every pending task from the store into the queue.
func (s *Scheduler) RefreshQueue(ctx context.Context) error {
	tasks, err := s.store.ListTasks(ctx, TaskFilter{Statuses: []TaskStatus{TaskStatusPending}})
	if err != nil {
		return fmt.Errorf("list pending tasks: %w", err)
	}
	s.queue.Replace(tasks)
	s.logger.Debug("queue refreshed", "pending", len(tasks))
	return nil
}

func (s *Scheduler) startLocked() {
	s.running = true
	ctx := s.ctxOrBackground()
	if err := s.RefreshQueue(ctx); err != nil {
		s.logger.Error("initial queue refresh", "err", err)
	}
	s.timer = newTickTimer(s.checkInterval, s.location, s.logger, func() {
		s.tick(s.ctxOrBackground())
	})
	s.logger.Info("scheduler started", "check_interval", s.checkInterval, "queued", s.queue.Len())
}

func (s *Scheduler) stopLocked() context.Context {
	if !s.running {
		return doneContext()
	}
	s.running = false
	timer := s.timer
	s.timer = nil
	s.queue.Clear()
	s.logger.Info("scheduler stopped")
	if timer == nil {
		return doneContext()
	}
	return timer.Stop()
}

func doneContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

// tick refreshes the queue, dispatches ready tasks serially and flags missed
// ones. Each phase is guarded on its own so one failure never suppresses the
// others.
func (s *Scheduler) tick(ctx context.Context) {
	if !s.IsRunning() {
		return
	}
	s.runPhase("refresh", func() error { return s.RefreshQueue(ctx) })
	s.runPhase("dispatch", func() error { return s.dispatchReady(ctx) })
	s.runPhase("missed", func() error { return s.checkMissedTasks(ctx) })
}

func (s *Scheduler) runPhase(phase string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler phase panicked", "phase", phase, "panic", r)
		}
	}()
	if err := fn(); err != nil {
		s.logger.Error("scheduler phase failed", "phase", phase, "err", err)
	}
}

func (s *Scheduler) dispatchReady(ctx context.Context) error {
	ready := s.queue.Ready()
	if len(ready) > 0 {
		s.logger.Info("dispatching ready tasks", "count", len(ready))
	}
	for _, task := range ready {
		if !s.IsRunning() {
			s.logger.Info("scheduler stopped during dispatch", "remaining", len(ready))
			return nil
		}
		if _, err := s.executeTask(ctx, task); err != nil {
			s.logger.Warn("execute task", "task_id", task.ID, "err", err)
		}
	}
	return nil
}

// checkMissedTasks flags pending tasks whose time passed within the last hour
// as missed. Older ones are left for manual handling. Tasks waiting for a
// retry are not flagged.
func (s *Scheduler) checkMissedTasks(ctx context.Context) error {
	var events pendingEvents
	defer s.deliver(&events)
	s.execMu.Lock()
	defer s.execMu.Unlock()

	now := s.now()
	since := now.Add(-missedLookBack)
	tasks, err := s.store.ListTasks(ctx, TaskFilter{
		Statuses:  []TaskStatus{TaskStatusPending},
		StartDate: &since,
		EndDate:   &now,
	})
	if err != nil {
		return fmt.Errorf("list recently due tasks: %w", err)
	}
	for _, task := range tasks {
		if !task.ScheduledTime.Before(now) || !task.ScheduledTime.After(since) {
			continue
		}
		if task.RetryCount > 0 {
			continue
		}
		s.queue.Remove(task.ID)
		missed, err := s.store.UpdateTaskStatus(ctx, task.ID, TaskStatusMissed, StatusMetadata{
			CompletedAt: ptrTime(now),
			Error:       ptrString(missedMessage),
		})
		if err != nil {
			s.logger.Error("mark task missed", "task_id", task.ID, "err", err)
			continue
		}
		s.logger.Warn("task missed", "task_id", task.ID, "scheduled_time", task.ScheduledTime)
		events.add(missed, EventMissed)
		s.notifier.Notify(
			"Task missed: "+task.WorkflowName,
			"Was scheduled for "+task.ScheduledTime.In(s.location).Format(time.Kitchen),
		)
	}
	return nil
}

// ExecuteTaskNow runs a pending task immediately, outside the tick cadence.
func (s *Scheduler) ExecuteTaskNow(ctx context.Context, id string) (*Task, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status != TaskStatusPending {
		return task, fmt.Errorf("execute %s: %w", id, ErrTaskNotPending)
	}
	return s.executeTask(ctx, task)
}

// CancelTask moves a pending task to cancelled and drops it from the queue.
func (s *Scheduler) CancelTask(ctx context.Context, id string) (*Task, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status != TaskStatusPending {
		return task, fmt.Errorf("cancel %s: %w", id, ErrTaskNotPending)
	}
	s.queue.Remove(id)
	cancelled, err := s.store.UpdateTaskStatus(ctx, id, TaskStatusCancelled, StatusMetadata{
		CompletedAt: ptrTime(s.now()),
	})
	if err != nil {
		return nil, fmt.Errorf("mark task cancelled: %w", err)
	}
	s.logger.Info("task cancelled", "task_id", id)
	s.emit(cancelled, EventCancelled)
	s.notifier.Notify("Task cancelled: "+task.WorkflowName, "Scheduled for "+task.ScheduledTime.In(s.location).Format(time.Kitchen))
	return cancelled, nil
}

func (s *Scheduler) ctxOrBackground() context.Context {
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}

func clampInterval(d time.Duration) time.Duration {
	if d < MinCheckInterval {
		return MinCheckInterval
	}
	return d
}

type nopNotifier struct{}

func (nopNotifier) Notify(string, string) {}
