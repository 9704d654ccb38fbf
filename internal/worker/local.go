package worker

import (
	"bytes"
	"sync"

	"github.com/seantiz/csop/internal/handler"
)

// LocalSpawner runs each execution context on its own goroutine in this
// process. Requests and results cross the boundary as encoded bytes only.
type LocalSpawner struct {
	registry *handler.Registry
}

// NewLocalSpawner creates a spawner whose instances dispatch on reg. reg is
// sealed; handlers must be registered before this call.
func NewLocalSpawner(reg *handler.Registry) *LocalSpawner {
	reg.Seal()
	return &LocalSpawner{registry: reg}
}

// Name implements Spawner.
func (s *LocalSpawner) Name() string { return "local" }

// Spawn implements Spawner.
func (s *LocalSpawner) Spawn(_ int) (Instance, error) {
	l := &localInstance{
		registry:  s.registry,
		requests:  make(chan Request, 1),
		responses: make(chan Response, 1),
		done:      make(chan struct{}),
	}
	go l.run()
	return l, nil
}

type localInstance struct {
	registry  *handler.Registry
	requests  chan Request
	responses chan Response
	done      chan struct{}
	once      sync.Once
}

// run serves requests until terminated. A handler that never returns keeps
// this goroutine alive after Terminate, but its response is dropped.
func (l *localInstance) run() {
	for {
		select {
		case <-l.done:
			return
		case req := <-l.requests:
			resp := Handle(l.registry, req)
			select {
			case l.responses <- resp:
			case <-l.done:
				return
			}
		}
	}
}

func (l *localInstance) Send(req Request) error {
	req.Payload = bytes.Clone(req.Payload)
	select {
	case <-l.done:
		return ErrTerminated
	default:
	}
	select {
	case l.requests <- req:
		return nil
	default:
		return ErrBusy
	}
}

func (l *localInstance) Responses() <-chan Response { return l.responses }

func (l *localInstance) Done() <-chan struct{} { return l.done }

func (l *localInstance) Err() error { return nil }

func (l *localInstance) Terminate() error {
	l.once.Do(func() { close(l.done) })
	return nil
}
