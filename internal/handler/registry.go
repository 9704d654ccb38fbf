package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// CustomTaskType is the task type that dispatches to allow-listed custom functions.
const CustomTaskType = "custom"

// Error kind codes carried on the wire between execution contexts and the pool.
const (
	KindUnknownTask = "unknown_task"
	KindHandler     = "handler_error"
)

var (
	// ErrUnknownTask is returned when no handler is registered for a task type.
	ErrUnknownTask = errors.New("unknown task")

	// ErrSealed is returned when registering into a registry already in use by a pool.
	ErrSealed = errors.New("handler registry is sealed")

	// ErrInvalidName is returned when registering a handler without a name.
	ErrInvalidName = errors.New("handler name is required")
)

// Func is a pure task handler. It must not retain the payload or share
// mutable state with other invocations.
type Func func(payload json.RawMessage) (any, error)

// Registry maps task type names to handlers. It is safe for concurrent use.
// Registration is only allowed until Seal is called.
type Registry struct {
	mu     sync.RWMutex
	funcs  map[string]Func
	custom map[string]Func
	sealed bool
}

// NewRegistry creates an empty registry with the custom dispatcher installed.
func NewRegistry() *Registry {
	r := &Registry{
		funcs:  make(map[string]Func),
		custom: make(map[string]Func),
	}
	r.funcs[CustomTaskType] = r.invokeCustom
	return r
}

// Default returns a registry holding the built-in compute handlers.
func Default() *Registry {
	r := NewRegistry()
	for name, fn := range builtins {
		r.funcs[name] = fn
	}
	return r
}

// Register adds a handler under the given task type, replacing any existing one.
func (r *Registry) Register(name string, fn Func) error {
	if name == "" || fn == nil {
		return ErrInvalidName
	}
	if name == CustomTaskType {
		return fmt.Errorf("task type %q is reserved", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrSealed
	}
	r.funcs[name] = fn
	return nil
}

// RegisterCustom adds a function to the allow-list reachable through the
// custom task type as {"fn": name, "args": {...}}.
func (r *Registry) RegisterCustom(name string, fn Func) error {
	if name == "" || fn == nil {
		return ErrInvalidName
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrSealed
	}
	r.custom[name] = fn
	return nil
}

// Seal freezes the registry. Pools seal the registry they are built from so
// every execution context sees the same handler table for its lifetime.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Names returns the registered task types, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.funcs)
}

// CustomNames returns the allow-listed custom function names, sorted.
func (r *Registry) CustomNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.custom)
}

// Invoke runs the handler registered for taskType and returns its JSON-encoded
// result. Panics inside the handler are recovered and returned as errors.
func (r *Registry) Invoke(taskType string, payload json.RawMessage) (result json.RawMessage, err error) {
	r.mu.RLock()
	fn, ok := r.funcs[taskType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, taskType)
	}

	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()

	v, err := fn(payload)
	if err != nil {
		return nil, err
	}
	result, err = json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return result, nil
}

// Kind classifies an Invoke error into its wire kind code.
func Kind(err error) string {
	if errors.Is(err, ErrUnknownTask) {
		return KindUnknownTask
	}
	return KindHandler
}

type customPayload struct {
	Fn   string          `json:"fn"`
	Args json.RawMessage `json:"args"`
}

func (r *Registry) invokeCustom(payload json.RawMessage) (any, error) {
	var p customPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	if p.Fn == "" {
		return nil, errors.New("custom task requires fn parameter")
	}

	r.mu.RLock()
	fn, ok := r.custom[p.Fn]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("custom function %q is not registered", p.Fn)
	}
	return fn(p.Args)
}

func sortedKeys(m map[string]Func) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
