package worker

import (
	"fmt"
	"sync"
	"time"

	"github.com/jobnik/worker-sdk/core"
	"github.com/jobnik/worker-sdk/jobmanager"
)

// EventKind names one of the Worker's observable lifecycle events (§4.5).
type EventKind string

const (
	EventStarted              EventKind = "started"
	EventStopping             EventKind = "stopping"
	EventStopped              EventKind = "stopped"
	EventTaskStarted          EventKind = "taskStarted"
	EventTaskCompleted        EventKind = "taskCompleted"
	EventTaskFailed           EventKind = "taskFailed"
	EventError                EventKind = "error"
	EventCircuitBreakerOpened EventKind = "circuitBreakerOpened"
	EventCircuitBreakerClosed EventKind = "circuitBreakerClosed"
	EventQueueEmpty           EventKind = "queueEmpty"
)

// Event is the payload delivered to every listener; only the fields
// relevant to Kind are populated.
type Event struct {
	Kind      EventKind
	StageType string

	Concurrency int // started

	RunningTasks int // stopping

	TaskID   jobmanager.TaskId // taskStarted, taskCompleted, taskFailed
	Duration time.Duration     // taskCompleted

	Error    error  // taskFailed, error
	Location string // error: "dequeue", "markTaskCompleted", "markTaskFailed"

	Breaker string // circuitBreakerOpened/Closed: "taskHandler" or "dequeueTask"

	ConsecutiveEmptyPolls int // queueEmpty
}

// Listener receives Events synchronously from the Worker's own goroutine.
type Listener func(Event)

// eventBus is a minimal on/off/once/removeAllListeners dispatcher. Dispatch
// is synchronous and panic-isolated per listener, mirroring the circuit
// breaker's own StateChangeListener notification (resilience/circuit_breaker.go).
type eventBus struct {
	mu        sync.Mutex
	listeners map[EventKind][]*registration
	logger    core.Logger
}

type registration struct {
	fn   Listener
	once bool
}

func newEventBus(logger core.Logger) *eventBus {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &eventBus{
		listeners: make(map[EventKind][]*registration),
		logger:    logger,
	}
}

// On registers fn to run on every future occurrence of kind.
func (b *eventBus) On(kind EventKind, fn Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[kind] = append(b.listeners[kind], &registration{fn: fn})
}

// Once registers fn to run on only the next occurrence of kind.
func (b *eventBus) Once(kind EventKind, fn Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[kind] = append(b.listeners[kind], &registration{fn: fn, once: true})
}

// Off removes every registration of fn for kind. Listeners are compared by
// the address fmt's %p prints for a func value, which is its code pointer:
// every registration of the same named function, or of any closure built
// from the same function literal, is removed.
func (b *eventBus) Off(kind EventKind, fn Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	regs := b.listeners[kind]
	filtered := regs[:0]
	for _, r := range regs {
		if fmt.Sprintf("%p", r.fn) != fmt.Sprintf("%p", fn) {
			filtered = append(filtered, r)
		}
	}
	b.listeners[kind] = filtered
}

// RemoveAllListeners clears every registration, or only those for kind when
// kind is non-empty.
func (b *eventBus) RemoveAllListeners(kind EventKind) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if kind == "" {
		b.listeners = make(map[EventKind][]*registration)
		return
	}
	delete(b.listeners, kind)
}

// Emit dispatches ev to every registered listener for ev.Kind. Listener
// panics are caught, logged, and never propagate into the caller.
func (b *eventBus) Emit(ev Event) {
	b.mu.Lock()
	regs := append([]*registration(nil), b.listeners[ev.Kind]...)
	remaining := make([]*registration, 0, len(b.listeners[ev.Kind]))
	for _, r := range b.listeners[ev.Kind] {
		if !r.once {
			remaining = append(remaining, r)
		}
	}
	b.listeners[ev.Kind] = remaining
	b.mu.Unlock()

	for _, r := range regs {
		b.invoke(r.fn, ev)
	}
}

func (b *eventBus) invoke(fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("worker event listener panicked", map[string]interface{}{
				"event": string(ev.Kind),
				"panic": fmt.Sprintf("%v", r),
			})
		}
	}()
	fn(ev)
}
