package core

import (
	"cmp"
	"slices"
	"sync"
	"time"
)

// PriorityCounts breaks the queue down by priority level.
type PriorityCounts struct {
	Urgent int `json:"urgent"`
	High   int `json:"high"`
	Normal int `json:"normal"`
	Low    int `json:"low"`
}

// QueueStats is a derived snapshot of the queue.
type QueueStats struct {
	Total          int            `json:"total"`
	Ready          int            `json:"ready"`
	Upcoming       int            `json:"upcoming"`
	PriorityCounts PriorityCounts `json:"priorityCounts"`
}

// TaskQueue is the in-memory dispatch order of pending tasks: priority
// descending, then scheduled time ascending. It holds copies mirrored from the
// store and is never authoritative.
type TaskQueue struct {
	mu    sync.Mutex
	items []*Task
	ids   map[string]struct{}
	now   func() time.Time
}

// NewTaskQueue creates an empty queue. now may be nil to use the wall clock.
func NewTaskQueue(now func() time.Time) *TaskQueue {
	if now == nil {
		now = time.Now
	}
	return &TaskQueue{
		ids: make(map[string]struct{}),
		now: now,
	}
}

// Enqueue inserts a pending task that is not already queued.
func (q *TaskQueue) Enqueue(task *Task) {
	if task == nil || task.Status != TaskStatusPending {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.ids[task.ID]; ok {
		return
	}
	q.items = append(q.items, task.Clone())
	q.ids[task.ID] = struct{}{}
	q.sortLocked()
}

// EnqueueBatch inserts every pending, not yet queued task and sorts once.
func (q *TaskQueue) EnqueueBatch(tasks []*Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueueBatchLocked(tasks)
}

// Replace swaps the whole queue content for tasks in one step.
func (q *TaskQueue) Replace(tasks []*Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	q.ids = make(map[string]struct{})
	q.enqueueBatchLocked(tasks)
}

func (q *TaskQueue) enqueueBatchLocked(tasks []*Task) {
	added := false
	for _, task := range tasks {
		if task == nil || task.Status != TaskStatusPending {
			continue
		}
		if _, ok := q.ids[task.ID]; ok {
			continue
		}
		q.items = append(q.items, task.Clone())
		q.ids[task.ID] = struct{}{}
		added = true
	}
	if added {
		q.sortLocked()
	}
}

// Dequeue removes and returns the task with the given id.
func (q *TaskQueue) Dequeue(id string) (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexLocked(id)
	if idx < 0 {
		return nil, false
	}
	task := q.items[idx]
	q.items = slices.Delete(q.items, idx, idx+1)
	delete(q.ids, id)
	return task, true
}

// Remove drops the task with the given id and reports whether it was queued.
func (q *TaskQueue) Remove(id string) bool {
	_, ok := q.Dequeue(id)
	return ok
}

// Contains reports whether id is queued.
func (q *TaskQueue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.ids[id]
	return ok
}

// Peek returns the head of the queue without removing it.
func (q *TaskQueue) Peek() (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	return q.items[0].Clone(), true
}

// All returns every queued task in dispatch order.
func (q *TaskQueue) All() []*Task {
	return q.filter(func(*Task) bool { return true })
}

// Ready returns queued tasks whose scheduled time has passed, in dispatch order.
func (q *TaskQueue) Ready() []*Task {
	now := q.now()
	return q.filter(func(t *Task) bool { return !t.ScheduledTime.After(now) })
}

// WithinWindow returns tasks scheduled in [now, now+minutes].
func (q *TaskQueue) WithinWindow(minutes int) []*Task {
	now := q.now()
	end := now.Add(time.Duration(minutes) * time.Minute)
	return q.filter(func(t *Task) bool {
		return !t.ScheduledTime.Before(now) && !t.ScheduledTime.After(end)
	})
}

// Clear empties the queue.
func (q *TaskQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	q.ids = make(map[string]struct{})
}

// Len returns the number of queued tasks.
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stats derives counts from the current content.
func (q *TaskQueue) Stats() QueueStats {
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := QueueStats{Total: len(q.items)}
	for _, t := range q.items {
		if t.ScheduledTime.After(now) {
			stats.Upcoming++
		} else {
			stats.Ready++
		}
		switch t.Priority {
		case PriorityUrgent:
			stats.PriorityCounts.Urgent++
		case PriorityHigh:
			stats.PriorityCounts.High++
		case PriorityNormal:
			stats.PriorityCounts.Normal++
		case PriorityLow:
			stats.PriorityCounts.Low++
		}
	}
	return stats
}

func (q *TaskQueue) filter(keep func(*Task) bool) []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Task, 0, len(q.items))
	for _, t := range q.items {
		if keep(t) {
			out = append(out, t.Clone())
		}
	}
	return out
}

func (q *TaskQueue) indexLocked(id string) int {
	if _, ok := q.ids[id]; !ok {
		return -1
	}
	return slices.IndexFunc(q.items, func(t *Task) bool { return t.ID == id })
}

func (q *TaskQueue) sortLocked() {
	slices.SortStableFunc(q.items, compareDispatchOrder)
}

func compareDispatchOrder(a, b *Task) int {
	if a.Priority != b.Priority {
		return cmp.Compare(b.Priority, a.Priority)
	}
	return a.ScheduledTime.Compare(b.ScheduledTime)
}
