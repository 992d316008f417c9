// Package task represents long-running group operations as observable
// objects with a monotonically increasing, waitable progress log: the
// mechanism CLI/API callers long-poll to watch a create/delete/heal
// operation progress.
package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/herd/pkg/events"
	"github.com/cuemby/herd/pkg/log"
	"github.com/cuemby/herd/pkg/metrics"
	"github.com/google/uuid"
)

// Status is one of a task's lifecycle states.
type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusWarning Status = "warning"
	StatusError   Status = "error"
)

// LogEntry is one appended progress line.
type LogEntry struct {
	Index     int
	Timestamp time.Time
	Message   string
}

// Task tracks one long-running group operation.
type Task struct {
	ID   string
	Type string

	mu      sync.Mutex
	status  Status
	log     []LogEntry
	waiters chan struct{} // closed and replaced whenever the index advances
}

// New creates a Task of the given type in the running state.
func New(taskType string) *Task {
	return &Task{
		ID:      uuid.New().String(),
		Type:    taskType,
		status:  StatusRunning,
		waiters: make(chan struct{}),
	}
}

// Log appends a message to the task's progress log, advances its index, and
// wakes any goroutine blocked in Wait.
func (t *Task) Log(msg string) {
	t.mu.Lock()
	t.log = append(t.log, LogEntry{Index: len(t.log), Timestamp: time.Now(), Message: msg})
	ch := t.waiters
	t.waiters = make(chan struct{})
	t.mu.Unlock()
	close(ch)
}

// Logf appends a formatted message.
func (t *Task) Logf(format string, args ...interface{}) {
	t.Log(fmt.Sprintf(format, args...))
}

// Succeed marks the task successful and logs msg.
func (t *Task) Succeed(msg string) { t.setStatus(StatusSuccess, msg) }

// Warn marks the task warning (completed with a caveat) and logs msg.
func (t *Task) Warn(msg string) { t.setStatus(StatusWarning, msg) }

// Fail marks the task errored and logs msg.
func (t *Task) Fail(msg string) { t.setStatus(StatusError, msg) }

func (t *Task) setStatus(s Status, msg string) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
	t.Log(msg)
}

// Status returns the task's current status.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Index returns the current log length (the next Wait argument a caller
// that has already seen everything up to here should pass).
func (t *Task) Index() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.log)
}

// Entries returns a copy of every log entry from index onward.
func (t *Task) Entries(from int) []LogEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	if from < 0 || from >= len(t.log) {
		return nil
	}
	out := make([]LogEntry, len(t.log)-from)
	copy(out, t.log[from:])
	return out
}

// Wait blocks until the log index no longer equals index or timeout
// elapses, then returns the new index and any entries appended since.
func (t *Task) Wait(ctx context.Context, index int, timeout time.Duration) (int, []LogEntry) {
	t.mu.Lock()
	if len(t.log) != index {
		// Copy inline: Entries would re-lock t.mu.
		idx := len(t.log)
		var entries []LogEntry
		if index >= 0 && index < idx {
			entries = make([]LogEntry, idx-index)
			copy(entries, t.log[index:])
		}
		t.mu.Unlock()
		return idx, entries
	}
	ch := t.waiters
	t.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
	case <-timer.C:
	case <-ctx.Done():
	}
	return t.Index(), t.Entries(index)
}

// WaitForCompletion loops Wait until the task leaves the running state.
func (t *Task) WaitForCompletion(ctx context.Context, pollTimeout time.Duration) Status {
	index := 0
	for {
		if s := t.Status(); s != StatusRunning {
			return s
		}
		newIndex, _ := t.Wait(ctx, index, pollTimeout)
		index = newIndex
		select {
		case <-ctx.Done():
			return t.Status()
		default:
		}
	}
}

// Registry hands out Task handles keyed by id and publishes lifecycle
// events on the shared event broker.
type Registry struct {
	mu     sync.RWMutex
	tasks  map[string]*Task
	broker *events.Broker
}

// NewRegistry builds a Registry that announces task.created/task.completed
// on broker (may be nil to skip event publication, e.g. in tests).
func NewRegistry(broker *events.Broker) *Registry {
	return &Registry{tasks: make(map[string]*Task), broker: broker}
}

// Spawn creates and registers a new Task of taskType, running fn in its own
// goroutine. fn is responsible for calling Succeed/Warn/Fail exactly once.
func (r *Registry) Spawn(taskType string, fn func(t *Task)) *Task {
	t := New(taskType)

	r.mu.Lock()
	r.tasks[t.ID] = t
	r.mu.Unlock()

	if r.broker != nil {
		r.broker.Publish(&events.Event{Type: events.EventTaskCreated, Message: t.ID})
	}
	metrics.TasksTotal.WithLabelValues(string(StatusRunning)).Inc()

	logger := log.WithTask(t.ID)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				t.Fail(fmt.Sprintf("panic: %v", rec))
			}
			metrics.TasksTotal.WithLabelValues(string(StatusRunning)).Dec()
			metrics.TasksTotal.WithLabelValues(string(t.Status())).Inc()
			if r.broker != nil {
				evType := events.EventTaskCompleted
				if t.Status() == StatusError {
					evType = events.EventTaskFailed
				}
				r.broker.Publish(&events.Event{Type: evType, Message: t.ID})
			}
		}()
		logger.Info().Str("task_type", taskType).Msg("task started")
		fn(t)
	}()

	return t
}

// Get returns the task with id, or nil if unknown.
func (r *Registry) Get(id string) *Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tasks[id]
}
