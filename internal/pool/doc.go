// Package pool implements a bounded worker pool for named compute tasks.
//
// A Pool owns a fixed set of workers, each backed by an isolated execution
// context from a worker.Spawner. Tasks are admitted to a strict FIFO queue
// and handed to idle workers in admission order. Every dispatched task is
// guarded by a one-shot deadline; when it fires the task fails with
// ErrTaskTimeout and the worker's execution context is discarded and
// replaced, so a stuck task never permanently costs the pool a worker.
//
// All queue, worker and timer bookkeeping is mutated under a single mutex.
// Observers are notified from one goroutine in the order events occurred.
package pool
