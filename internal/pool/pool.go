package pool

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/seantiz/csop/internal/worker"
)

// Config configures a Pool.
type Config struct {
	// NumWorkers is the fixed number of workers. Zero means DefaultNumWorkers.
	NumWorkers int

	// DefaultTimeout applies to tasks submitted without a timeout. Zero means
	// DefaultTimeout.
	DefaultTimeout time.Duration

	// Spawner creates the workers' execution contexts.
	Spawner worker.Spawner

	Logger    *slog.Logger
	Observers []Observer
}

// DefaultNumWorkers returns the host's reported parallelism, or 4 if it
// reports none.
func DefaultNumWorkers() int {
	if n := runtime.NumCPU(); n > 0 {
		return n
	}
	return 4
}

// Stats is a point-in-time snapshot of a pool.
type Stats struct {
	Workers   int    `json:"workers"`
	Busy      int    `json:"busy"`
	Idle      int    `json:"idle"`
	Recycling int    `json:"recycling"`
	Queued    int    `json:"queued"`
	Closed    bool   `json:"closed"`
	Spawner   string `json:"spawner"`
}

// Pool is a bounded worker pool. It is safe for concurrent use; create one
// with New and release it with Shutdown.
type Pool struct {
	spawner        worker.Spawner
	defaultTimeout time.Duration
	logger         *slog.Logger
	events         *eventPump

	mu          sync.Mutex
	workers     *workerSet
	queue       *pendingQueue
	closed      bool
	closing     chan struct{}
	seq         uint64
	dispatchSeq uint64
}

// New initializes a pool with cfg.NumWorkers idle workers.
func New(cfg Config) (*Pool, error) {
	if cfg.Spawner == nil {
		return nil, errors.New("pool: spawner is required")
	}
	n := cfg.NumWorkers
	if n == 0 {
		n = DefaultNumWorkers()
	}
	if n < 0 {
		return nil, fmt.Errorf("pool: invalid worker count %d", n)
	}
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	instances := make([]worker.Instance, 0, n)
	for i := range n {
		inst, err := cfg.Spawner.Spawn(i)
		if err != nil {
			for _, started := range instances {
				started.Terminate()
			}
			return nil, fmt.Errorf("pool: spawn worker %d: %w", i, err)
		}
		instances = append(instances, inst)
	}

	p := &Pool{
		spawner:        cfg.Spawner,
		defaultTimeout: timeout,
		logger:         logger,
		events:         newEventPump(cfg.Observers, logger),
		workers:        newWorkerSet(instances),
		queue:          newPendingQueue(),
		closing:        make(chan struct{}),
	}
	for _, w := range p.workers.workers {
		go p.drain(w, w.gen, w.inst)
	}

	logger.Info("pool initialized", "workers", n, "spawner", cfg.Spawner.Name(), "default_timeout", timeout)
	return p, nil
}

// Execute admits a task and returns its completion handle without waiting
// for a worker. payload is JSON-encoded unless it already is a
// json.RawMessage.
func (p *Pool) Execute(taskType string, payload any, opts Options) (*Handle, error) {
	if taskType == "" {
		return nil, ErrMissingTaskType
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}
	if opts.Timeout <= 0 {
		opts.Timeout = p.defaultTimeout
	}
	t := newTask(taskType, raw, opts)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	p.admitLocked(t)
	p.matchLocked()
	return t.handle, nil
}

// Stats returns a snapshot of worker and queue occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	total, busy := p.workers.counts()
	return Stats{
		Workers:   total,
		Busy:      busy,
		Idle:      total - busy,
		Recycling: p.workers.recycling(),
		Queued:    p.queue.Len(),
		Closed:    p.closed,
		Spawner:   p.spawner.Name(),
	}
}

// Shutdown terminates every execution context and rejects all queued and
// in-flight tasks with ErrPoolClosed. It is idempotent; once it returns,
// observers have received every event.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.closing)

	var orphaned []*task
	for _, w := range p.workers.workers {
		if w.task != nil {
			p.disarmLocked(w)
			orphaned = append(orphaned, w.task)
		}
	}
	instances := p.workers.shutdown()
	orphaned = append(orphaned, p.queue.Drain()...)
	for _, t := range orphaned {
		p.rejectLocked(t, -1, newTaskError(t, ErrPoolClosed, ""))
	}
	p.mu.Unlock()

	for _, inst := range instances {
		if err := inst.Terminate(); err != nil {
			p.logger.Warn("terminate worker", "error", err)
		}
	}
	p.events.close()
	p.logger.Info("pool shut down", "rejected", len(orphaned))
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// emitLocked stamps occupancy onto ev and hands it to the event pump.
func (p *Pool) emitLocked(ev Event) {
	ev.At = time.Now()
	ev.QueueDepth = p.queue.Len()
	_, ev.Busy = p.workers.counts()
	p.events.push(ev)
}

func (p *Pool) taskEvent(kind EventKind, t *task, workerIndex int) Event {
	return Event{
		Kind:      kind,
		TaskID:    t.id,
		TaskType:  t.taskType,
		BatchID:   t.opts.BatchID,
		Seq:       t.seq,
		Worker:    workerIndex,
		Timeout:   t.opts.Timeout,
		QueuedAt:  t.queuedAt,
		StartedAt: t.started,
	}
}

// resolveLocked settles t successfully if it is still open.
func (p *Pool) resolveLocked(t *task, workerIndex int, result []byte) {
	if !t.handle.settle(result, nil) {
		return
	}
	ev := p.taskEvent(EventSettled, t, workerIndex)
	ev.Result = result
	p.emitLocked(ev)
}

// rejectLocked fails t if it is still open.
func (p *Pool) rejectLocked(t *task, workerIndex int, err *TaskError) {
	if !t.handle.settle(nil, err) {
		return
	}
	ev := p.taskEvent(EventSettled, t, workerIndex)
	ev.Err = err
	p.emitLocked(ev)
}
