package worker

import "errors"

var (
	// ErrTerminated is returned when sending to an instance that has been terminated.
	ErrTerminated = errors.New("execution context terminated")

	// ErrBusy is returned when sending to an instance that already holds a request.
	ErrBusy = errors.New("execution context busy")
)

// Instance is one isolated execution context. It accepts at most one
// outstanding request and delivers the matching Response on Responses.
type Instance interface {
	// Send forwards a request without blocking.
	Send(req Request) error

	// Responses delivers one Response per accepted request.
	Responses() <-chan Response

	// Done is closed once the instance is terminated or has faulted.
	Done() <-chan struct{}

	// Err reports why Done was closed. It is nil after a deliberate Terminate.
	Err() error

	// Terminate discards the instance without waiting for in-flight work.
	// It is safe to call more than once.
	Terminate() error
}

// Spawner creates fresh execution contexts for pool worker slots.
type Spawner interface {
	// Spawn starts a new instance for the worker with the given index.
	Spawn(index int) (Instance, error)

	// Name identifies the spawner kind, e.g. "local" or "process".
	Name() string
}
