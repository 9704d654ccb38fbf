package pool

import (
	"fmt"
	"time"

	"github.com/seantiz/csop/internal/handler"
	"github.com/seantiz/csop/internal/worker"
)

// admitLocked appends t to the pending queue in admission order.
func (p *Pool) admitLocked(t *task) {
	p.seq++
	t.seq = p.seq
	t.queuedAt = time.Now()
	p.queue.Push(t)
	p.emitLocked(p.taskEvent(EventQueued, t, -1))
}

// matchLocked hands queued tasks to idle workers until one side runs out.
// It is safe to call redundantly.
func (p *Pool) matchLocked() {
	if p.closed {
		return
	}
	for p.queue.Len() > 0 {
		w, ok := p.workers.acquireIdle()
		if !ok {
			return
		}
		t, _ := p.queue.Pop()
		p.dispatchLocked(w, t)
	}
}

func (p *Pool) dispatchLocked(w *Worker, t *task) {
	p.workers.assign(w, t)
	t.started = time.Now()

	err := w.inst.Send(worker.Request{
		ID:       t.id,
		TaskType: t.taskType,
		Payload:  t.payload,
	})
	if err != nil {
		// The context died under us. Put the task back at the head and
		// replace the context; matching continues with other workers.
		p.logger.Warn("dispatch failed, recycling worker", "worker", w.index, "task_id", t.id, "error", err)
		t.started = time.Time{}
		p.queue.PushFront(t)
		p.recycleLocked(w, ReasonFault)
		return
	}

	p.armLocked(w, t)
	p.dispatchSeq++
	ev := p.taskEvent(EventDispatched, t, w.index)
	ev.DispatchSeq = p.dispatchSeq
	p.emitLocked(ev)
	p.logger.Debug("task dispatched", "task_id", t.id, "task_type", t.taskType, "worker", w.index)
}

// drain forwards the responses of one execution context generation until
// that context is done.
func (p *Pool) drain(w *Worker, gen uint64, inst worker.Instance) {
	for {
		select {
		case resp := <-inst.Responses():
			p.settle(w, gen, resp)
		case <-inst.Done():
			// A response may have landed just before the fault.
			select {
			case resp := <-inst.Responses():
				p.settle(w, gen, resp)
			default:
			}
			p.fault(w, gen, inst.Err())
			return
		}
	}
}

// settle completes the in-flight task of w with resp. Responses from a
// discarded context, or for a task already failed by its timeout, are dropped.
func (p *Pool) settle(w *Worker, gen uint64, resp worker.Response) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t := w.task
	if p.closed || w.gen != gen || t == nil || t.id != resp.ID {
		p.logger.Debug("dropping stale response", "task_id", resp.ID, "worker", w.index)
		return
	}

	p.disarmLocked(w)
	p.workers.release(w)
	if resp.Success {
		p.resolveLocked(t, w.index, resp.Result)
	} else {
		p.rejectLocked(t, w.index, newTaskError(t, responseError(resp), resp.Error))
	}
	p.matchLocked()
}

// fault handles an execution context that closed without being told to.
// Its in-flight task fails and the worker is recreated.
func (p *Pool) fault(w *Worker, gen uint64, cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || w.gen != gen {
		return
	}
	p.logger.Error("execution context failed", "worker", w.index, "error", cause)
	if t := w.task; t != nil {
		p.disarmLocked(w)
		p.rejectLocked(t, w.index, newTaskError(t, ErrHandlerExecution, fmt.Sprintf("execution context failed: %v", cause)))
	}
	p.recycleLocked(w, ReasonFault)
}

func responseError(resp worker.Response) error {
	if resp.Kind == handler.KindUnknownTask {
		return ErrUnknownTask
	}
	return ErrHandlerExecution
}
