package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
)

// Handle is the single-assignment completion handle of a submitted task. It
// is either resolved with a result or rejected with an error, exactly once.
type Handle struct {
	id       string
	taskType string
	done     chan struct{}
	settled  atomic.Bool
	result   json.RawMessage
	err      error
}

func newHandle(id, taskType string) *Handle {
	return &Handle{
		id:       id,
		taskType: taskType,
		done:     make(chan struct{}),
	}
}

// ID returns the task id.
func (h *Handle) ID() string { return h.id }

// TaskType returns the task type name.
func (h *Handle) TaskType() string { return h.taskType }

// Done is closed once the task has settled.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result returns the settled outcome. It must only be called after Done is
// closed; before that it returns nil, nil.
func (h *Handle) Result() (json.RawMessage, error) {
	select {
	case <-h.done:
		return h.result, h.err
	default:
		return nil, nil
	}
}

// Wait blocks until the task settles or ctx is done. Cancelling ctx stops
// the wait only; the task keeps running.
func (h *Handle) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// settle assigns the outcome if the handle is still open and reports whether
// it did. Later attempts are no-ops.
func (h *Handle) settle(result json.RawMessage, err error) bool {
	if !h.settled.CompareAndSwap(false, true) {
		return false
	}
	h.result = result
	h.err = err
	close(h.done)
	return true
}

// Await waits for h and decodes its result into T.
func Await[T any](ctx context.Context, h *Handle) (T, error) {
	var v T
	raw, err := h.Wait(ctx)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode result of task %s: %w", h.id, err)
	}
	return v, nil
}
