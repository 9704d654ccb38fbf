package pool

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// EventKind identifies a task or worker lifecycle transition.
type EventKind string

const (
	EventQueued     EventKind = "queued"
	EventDispatched EventKind = "dispatched"
	EventSettled    EventKind = "settled"
	EventRecycled   EventKind = "recycled"
)

// Recycle reasons reported with EventRecycled.
const (
	ReasonTimeout = "timeout"
	ReasonFault   = "fault"
)

// Event describes one lifecycle transition. Task fields are empty for
// EventRecycled; Worker is -1 for events not tied to a worker.
type Event struct {
	Kind        EventKind
	TaskID      string
	TaskType    string
	BatchID     string
	Seq         uint64
	DispatchSeq uint64
	Worker      int
	Timeout     time.Duration
	Result      json.RawMessage
	Err         error
	Reason      string
	QueuedAt    time.Time
	StartedAt   time.Time
	At          time.Time
	QueueDepth  int
	Busy        int
}

// Observer receives pool events. Observe is called from a single goroutine
// in event order and should return promptly.
type Observer interface {
	Observe(ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev Event)

// Observe implements Observer.
func (f ObserverFunc) Observe(ev Event) { f(ev) }

// eventPump delivers events to observers in the order they were pushed.
// push never blocks, so the pool can emit while holding its mutex.
type eventPump struct {
	observers []Observer
	logger    *slog.Logger

	mu      sync.Mutex
	pending []Event
	closed  bool
	notify  chan struct{}
	done    chan struct{}
}

func newEventPump(observers []Observer, logger *slog.Logger) *eventPump {
	e := &eventPump{
		observers: observers,
		logger:    logger,
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *eventPump) push(ev Event) {
	if len(e.observers) == 0 {
		return
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.pending = append(e.pending, ev)
	e.mu.Unlock()
	e.wake()
}

func (e *eventPump) wake() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

func (e *eventPump) run() {
	defer close(e.done)
	for {
		e.mu.Lock()
		batch := e.pending
		e.pending = nil
		closed := e.closed
		e.mu.Unlock()

		for _, ev := range batch {
			e.deliver(ev)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-e.notify
	}
}

// deliver calls every observer, recovering panics so one failing observer
// does not starve the others.
func (e *eventPump) deliver(ev Event) {
	for _, o := range e.observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("observer panic", "event", ev.Kind, "task_id", ev.TaskID, "panic", r)
				}
			}()
			o.Observe(ev)
		}()
	}
}

// close flushes pending events and stops the pump.
func (e *eventPump) close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.wake()
	<-e.done
}
