package pool

import (
	"fmt"
	"time"

	"github.com/seantiz/csop/internal/worker"
)

// Respawn backoff when a replacement execution context fails to start.
const (
	spawnBaseBackoff = 100 * time.Millisecond
	spawnMaxBackoff  = 5 * time.Second
)

// armLocked starts the deadline timer for t running on w.
func (p *Pool) armLocked(w *Worker, t *task) {
	gen, id := w.gen, t.id
	w.timer = time.AfterFunc(t.opts.Timeout, func() {
		p.expire(w, gen, id)
	})
}

// disarmLocked cancels w's deadline timer. A timer that already fired is
// handled by expire seeing that the task moved on.
func (p *Pool) disarmLocked(w *Worker) {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// expire fails the task whose deadline fired and recycles its worker. It is
// a no-op if the task settled first.
func (p *Pool) expire(w *Worker, gen uint64, taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t := w.task
	if p.closed || w.gen != gen || t == nil || t.id != taskID {
		return
	}
	w.timer = nil
	p.logger.Warn("task timed out", "task_id", t.id, "task_type", t.taskType, "worker", w.index, "timeout", t.opts.Timeout)
	p.rejectLocked(t, w.index, newTaskError(t, ErrTaskTimeout, fmt.Sprintf("task timed out after %s", t.opts.Timeout)))
	p.recycleLocked(w, ReasonTimeout)
}

// recycleLocked takes w out of rotation and replaces its execution context
// in the background. The old context is discarded, not awaited.
func (p *Pool) recycleLocked(w *Worker, reason string) {
	old := p.workers.detach(w)
	ev := Event{Kind: EventRecycled, Worker: w.index, Reason: reason}
	p.emitLocked(ev)
	go p.recreate(w, w.gen, old)
}

// recreate terminates old, spawns a replacement for w and returns w to the
// idle set. Spawn failures are retried with backoff until the pool closes.
func (p *Pool) recreate(w *Worker, gen uint64, old worker.Instance) {
	if old != nil {
		if err := old.Terminate(); err != nil {
			p.logger.Warn("terminate worker", "worker", w.index, "error", err)
		}
	}

	backoff := spawnBaseBackoff
	for {
		inst, err := p.spawner.Spawn(w.index)
		if err == nil {
			p.mu.Lock()
			if p.closed || w.gen != gen {
				p.mu.Unlock()
				inst.Terminate()
				return
			}
			p.workers.install(w, inst)
			go p.drain(w, gen, inst)
			p.logger.Debug("worker recreated", "worker", w.index)
			p.matchLocked()
			p.mu.Unlock()
			return
		}

		p.logger.Error("respawn worker", "worker", w.index, "error", err, "retry_in", backoff)
		select {
		case <-time.After(backoff):
		case <-p.closing:
			return
		}
		backoff = min(backoff*2, spawnMaxBackoff)
	}
}
