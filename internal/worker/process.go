package worker

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
)

// ProcessSpawner runs each execution context as a child process that serves
// framed requests on stdin and answers on stdout (see Serve). The child's
// stderr is inherited.
type ProcessSpawner struct {
	path   string
	args   []string
	env    []string
	logger *slog.Logger
}

// NewProcessSpawner creates a spawner that starts path with args. env is
// appended to the parent environment.
func NewProcessSpawner(path string, args, env []string, logger *slog.Logger) *ProcessSpawner {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ProcessSpawner{
		path:   path,
		args:   args,
		env:    env,
		logger: logger,
	}
}

// Name implements Spawner.
func (s *ProcessSpawner) Name() string { return "process" }

// Spawn implements Spawner.
func (s *ProcessSpawner) Spawn(index int) (Instance, error) {
	cmd := exec.Command(s.path, s.args...)
	cmd.Env = append(os.Environ(), s.env...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker process: %w", err)
	}

	p := &processInstance{
		cmd:       cmd,
		stdin:     stdin,
		stdout:    bufio.NewReader(stdout),
		requests:  make(chan Request, 1),
		responses: make(chan Response, 1),
		done:      make(chan struct{}),
		logger:    s.logger.With("worker", index, "pid", cmd.Process.Pid),
	}
	go p.writeLoop()
	go p.readLoop()

	p.logger.Debug("worker process started")
	return p, nil
}

type processInstance struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    *bufio.Reader
	requests  chan Request
	responses chan Response
	done      chan struct{}
	logger    *slog.Logger

	once sync.Once
	mu   sync.Mutex
	err  error
}

// writeLoop forwards queued requests to the child so Send never blocks on
// the pipe.
func (p *processInstance) writeLoop() {
	for {
		select {
		case <-p.done:
			return
		case req := <-p.requests:
			if err := WriteMessage(p.stdin, &req); err != nil {
				p.fail(fmt.Errorf("write request: %w", err))
				return
			}
		}
	}
}

// readLoop delivers responses until the child's stdout closes, then reaps
// the child.
func (p *processInstance) readLoop() {
	defer p.reap()
	for {
		var resp Response
		if err := ReadMessage(p.stdout, &resp); err != nil {
			if errors.Is(err, io.EOF) {
				err = errors.New("worker process exited")
			}
			p.fail(err)
			return
		}
		select {
		case p.responses <- resp:
		case <-p.done:
			return
		}
	}
}

func (p *processInstance) reap() {
	err := p.cmd.Wait()
	p.logger.Debug("worker process reaped", "exit", err)
}

func (p *processInstance) Send(req Request) error {
	select {
	case <-p.done:
		return ErrTerminated
	default:
	}
	select {
	case p.requests <- req:
		return nil
	default:
		return ErrBusy
	}
}

func (p *processInstance) Responses() <-chan Response { return p.responses }

func (p *processInstance) Done() <-chan struct{} { return p.done }

func (p *processInstance) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *processInstance) Terminate() error {
	p.shutdown(nil)
	return nil
}

func (p *processInstance) fail(err error) {
	p.shutdown(err)
}

// shutdown closes the instance once. Killing the child closes its stdout,
// which ends readLoop and lets reap collect the exit status.
func (p *processInstance) shutdown(cause error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.err = cause
		p.mu.Unlock()
		close(p.done)

		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.logger.Warn("kill worker process", "error", err)
		}
		p.stdin.Close()
		if cause != nil {
			p.logger.Warn("worker process faulted", "error", cause)
		}
	})
}
