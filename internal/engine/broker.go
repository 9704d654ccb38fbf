package engine

import (
	"sync"

	"github.com/seantiz/csop/internal/model"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 16

// EventBroker fans task lifecycle events out to per-task subscribers. It
// remembers the latest event of every task, so a subscriber always starts
// from the task's current state, including after it settled.
type EventBroker struct {
	mu     sync.Mutex
	topics map[string]*eventTopic
}

type eventTopic struct {
	subs    map[int]chan model.TaskEvent
	nextID  int
	latest  *model.TaskEvent
	settled bool
}

// NewEventBroker creates an empty broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{
		topics: make(map[string]*eventTopic),
	}
}

func (b *EventBroker) topicLocked(taskID string) *eventTopic {
	t, ok := b.topics[taskID]
	if !ok {
		t = &eventTopic{subs: make(map[int]chan model.TaskEvent)}
		b.topics[taskID] = t
	}
	return t
}

// Subscribe returns a channel of events for taskID and an unsubscribe func.
// The task's latest event, if any, is delivered first. For a settled task
// that is its final event, after which the channel is closed.
func (b *EventBroker) Subscribe(taskID string) (<-chan model.TaskEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topicLocked(taskID)
	ch := make(chan model.TaskEvent, subscriberBufferSize)
	if t.latest != nil {
		ch <- *t.latest
	}
	if t.settled {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Latest returns the most recent event published for taskID.
func (b *EventBroker) Latest(taskID string) (model.TaskEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[taskID]
	if !ok || t.latest == nil {
		return model.TaskEvent{}, false
	}
	return *t.latest, true
}

// Publish records ev as its task's latest state and sends it to current
// subscribers. Subscribers with full buffers miss the event. Events after
// Close are ignored.
func (b *EventBroker) Publish(ev model.TaskEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topicLocked(ev.TaskID)
	if t.settled {
		return
	}
	t.latest = &ev

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// The pool's event pump must never block on a reader.
		}
	}
}

// Close marks taskID settled and closes its subscriber channels. The topic
// and its final event stay until Forget.
func (b *EventBroker) Close(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topicLocked(taskID)
	t.settled = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// Forget drops the topics of tasks that left the history. Open subscriber
// channels are closed.
func (b *EventBroker) Forget(taskIDs ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, id := range taskIDs {
		t, ok := b.topics[id]
		if !ok {
			continue
		}
		for _, ch := range t.subs {
			close(ch)
		}
		delete(b.topics, id)
	}
}

// Len reports how many task topics the broker holds.
func (b *EventBroker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}
