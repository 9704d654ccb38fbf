package pool

import (
	"time"

	"github.com/seantiz/csop/internal/worker"
)

// Worker is one slot of the pool. Its index is stable for the pool's
// lifetime; its execution context is replaced on every recreate, which also
// bumps gen so events from a discarded context can be recognised as stale.
type Worker struct {
	index     int
	gen       uint64
	busy      bool
	recycling bool
	inst      worker.Instance
	task      *task
	timer     *time.Timer
}

// workerSet is the fixed set of workers. Like pendingQueue it is only
// touched under the pool mutex.
type workerSet struct {
	workers []*Worker
}

func newWorkerSet(instances []worker.Instance) *workerSet {
	s := &workerSet{workers: make([]*Worker, len(instances))}
	for i, inst := range instances {
		s.workers[i] = &Worker{index: i, inst: inst}
	}
	return s
}

// acquireIdle returns the lowest-index idle worker. It never blocks.
func (s *workerSet) acquireIdle() (*Worker, bool) {
	for _, w := range s.workers {
		if !w.busy {
			return w, true
		}
	}
	return nil, false
}

// assign marks w busy with t.
func (s *workerSet) assign(w *Worker, t *task) {
	w.busy = true
	w.task = t
}

// release marks w idle. The caller re-runs matching.
func (s *workerSet) release(w *Worker) {
	w.busy = false
	w.task = nil
	w.timer = nil
}

// detach takes w out of rotation for recreation and returns the context to
// discard. w stays busy until install.
func (s *workerSet) detach(w *Worker) worker.Instance {
	old := w.inst
	w.gen++
	w.busy = true
	w.recycling = true
	w.inst = nil
	w.task = nil
	w.timer = nil
	return old
}

// install puts a fresh context into w and makes it idle again.
func (s *workerSet) install(w *Worker, inst worker.Instance) {
	w.inst = inst
	w.recycling = false
	w.busy = false
}

// shutdown clears the set and returns every live context for termination.
func (s *workerSet) shutdown() []worker.Instance {
	var out []worker.Instance
	for _, w := range s.workers {
		w.gen++
		if w.inst != nil {
			out = append(out, w.inst)
			w.inst = nil
		}
	}
	s.workers = nil
	return out
}

func (s *workerSet) counts() (total, busy int) {
	for _, w := range s.workers {
		if w.busy {
			busy++
		}
	}
	return len(s.workers), busy
}

// recycling counts workers waiting for a replacement context. They also
// count as busy.
func (s *workerSet) recycling() int {
	n := 0
	for _, w := range s.workers {
		if w.recycling {
			n++
		}
	}
	return n
}
