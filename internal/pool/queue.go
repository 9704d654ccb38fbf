package pool

const (
	defaultQueueCap     = 16
	compactMinCap       = 64 // Don't compact if capacity is less than this
	compactShrinkFactor = 4  // Trigger compaction when len < cap/4
)

// pendingQueue is the FIFO of admitted tasks awaiting a worker. It is owned
// by the Pool and only touched under the pool mutex.
type pendingQueue struct {
	tasks []*task
}

func newPendingQueue() *pendingQueue {
	return &pendingQueue{tasks: make([]*task, 0, defaultQueueCap)}
}

func (q *pendingQueue) Len() int { return len(q.tasks) }

func (q *pendingQueue) Push(t *task) {
	q.tasks = append(q.tasks, t)
}

// PushFront returns a task to the head of the queue after a dispatch that
// could not be delivered, keeping its place in admission order.
func (q *pendingQueue) PushFront(t *task) {
	q.tasks = append(q.tasks, nil)
	copy(q.tasks[1:], q.tasks)
	q.tasks[0] = t
}

func (q *pendingQueue) Pop() (*task, bool) {
	if len(q.tasks) == 0 {
		return nil, false
	}
	t := q.tasks[0]
	// Zero out the element in the underlying array to prevent memory leak
	q.tasks[0] = nil
	q.tasks = q.tasks[1:]
	q.maybeCompact()
	return t, true
}

// Drain removes and returns every queued task in order.
func (q *pendingQueue) Drain() []*task {
	out := q.tasks
	q.tasks = make([]*task, 0, defaultQueueCap)
	return out
}

func (q *pendingQueue) maybeCompact() {
	n := len(q.tasks)
	c := cap(q.tasks)

	if c < compactMinCap {
		return
	}
	if n == 0 {
		q.tasks = make([]*task, 0, defaultQueueCap)
		return
	}
	if n*compactShrinkFactor >= c {
		return
	}

	newCap := max(max(c/2, defaultQueueCap), n)
	compacted := make([]*task, n, newCap)
	copy(compacted, q.tasks)
	q.tasks = compacted
}
