package core

import (
	"log/slog"
	"sync"
	"time"
)

// TaskEvent names a lifecycle transition observed by the scheduler.
type TaskEvent string

const (
	EventStarted   TaskEvent = "started"
	EventCompleted TaskEvent = "completed"
	EventFailed    TaskEvent = "failed"
	EventCancelled TaskEvent = "cancelled"
	EventMissed    TaskEvent = "missed"
)

// TaskListener receives a snapshot of the task after each transition.
type TaskListener func(task *Task, event TaskEvent)

// TaskEventMessage is the channel form of a lifecycle event.
type TaskEventMessage struct {
	Event TaskEvent `json:"event"`
	Task  *Task     `json:"task"`
	Time  time.Time `json:"time"`
}

type listenerEntry struct {
	id uint64
	fn TaskListener
}

// listenerSet calls listeners in registration order. A panicking listener is
// logged and skipped; it never reaches the caller or the remaining listeners.
type listenerSet struct {
	mu      sync.Mutex
	seq     uint64
	entries []listenerEntry
	logger  *slog.Logger
}

func (ls *listenerSet) add(fn TaskListener) func() {
	ls.mu.Lock()
	ls.seq++
	id := ls.seq
	ls.entries = append(ls.entries, listenerEntry{id: id, fn: fn})
	ls.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			ls.mu.Lock()
			defer ls.mu.Unlock()
			for i, e := range ls.entries {
				if e.id == id {
					ls.entries = append(ls.entries[:i:i], ls.entries[i+1:]...)
					return
				}
			}
		})
	}
}

func (ls *listenerSet) emit(task *Task, event TaskEvent) {
	ls.mu.Lock()
	snapshot := make([]listenerEntry, len(ls.entries))
	copy(snapshot, ls.entries)
	ls.mu.Unlock()

	for _, e := range snapshot {
		ls.call(e, task.Clone(), event)
	}
}

func (ls *listenerSet) call(e listenerEntry, task *Task, event TaskEvent) {
	defer func() {
		if r := recover(); r != nil {
			ls.logger.Error("task listener panicked", "listener", e.id, "event", event, "task_id", task.ID, "panic", r)
		}
	}()
	e.fn(task, event)
}

// On registers a listener and returns its unsubscribe handle. Listeners are
// never called with a scheduler lock held, so they may call back into the
// scheduler, including ExecuteTaskNow and Stop.
func (s *Scheduler) On(listener TaskListener) (unsubscribe func()) {
	return s.listeners.add(listener)
}

// Subscribe delivers events on a buffered channel. Delivery never blocks the
// scheduler: when the buffer is full the event is dropped for that subscriber.
func (s *Scheduler) Subscribe(buffer int) (<-chan TaskEventMessage, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan TaskEventMessage, buffer)
	var (
		mu     sync.Mutex
		closed bool
	)
	remove := s.listeners.add(func(task *Task, event TaskEvent) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- TaskEventMessage{Event: event, Task: task, Time: s.now()}:
		default:
		}
	})
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			remove()
			mu.Lock()
			closed = true
			close(ch)
			mu.Unlock()
		})
	}
}

func (s *Scheduler) emit(task *Task, event TaskEvent) {
	s.listeners.emit(task, event)
}

// pendingEvents collects events raised while execMu is held.
type pendingEvents struct {
	items []pendingEvent
}

type pendingEvent struct {
	task  *Task
	event TaskEvent
}

func (p *pendingEvents) add(task *Task, event TaskEvent) {
	p.items = append(p.items, pendingEvent{task: task, event: event})
}

func (s *Scheduler) deliver(p *pendingEvents) {
	for _, e := range p.items {
		s.emit(e.task, e.event)
	}
	p.items = nil
}
