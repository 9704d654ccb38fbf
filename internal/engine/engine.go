package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/csop/internal/handler"
	"github.com/seantiz/csop/internal/model"
	"github.com/seantiz/csop/internal/pool"
	"github.com/seantiz/csop/internal/store"
)

// DefaultHistoryLimit is the number of task records kept when no limit is
// configured.
const DefaultHistoryLimit = 10000

// Option configures an Engine.
type Option func(*Engine)

// WithHistoryLimit keeps at most n task records, dropping the oldest settled
// ones first. n <= 0 keeps every record.
func WithHistoryLimit(n int) Option {
	return func(e *Engine) { e.historyLimit = n }
}

// Stats combines task history aggregates with a live pool snapshot.
type Stats struct {
	History *store.TaskStats `json:"history"`
	Pool    pool.Stats       `json:"pool"`
}

// Engine owns a worker pool and keeps the task history in step with it.
type Engine struct {
	pool     *pool.Pool
	store    store.Store
	registry *handler.Registry
	broker   *EventBroker
	logger   *slog.Logger

	historyLimit int

	// live holds tasks admitted through Submit until their queued record
	// reaches the store.
	mu   sync.Mutex
	live map[string]*model.Task
}

// New creates the engine and its pool. The engine registers itself as a pool
// observer in addition to cfg.Observers.
func New(s store.Store, reg *handler.Registry, cfg pool.Config, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	e := &Engine{
		store:        s,
		registry:     reg,
		broker:       NewEventBroker(),
		logger:       logger,
		historyLimit: DefaultHistoryLimit,
		live:         make(map[string]*model.Task),
	}
	for _, opt := range opts {
		opt(e)
	}

	if cfg.Logger == nil {
		cfg.Logger = logger
	}
	cfg.Observers = append([]pool.Observer{e}, cfg.Observers...)
	p, err := pool.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	e.pool = p
	return e, nil
}

// Broker returns the engine's event broker for SSE subscription.
func (e *Engine) Broker() *EventBroker {
	return e.broker
}

// Submit admits a task and returns its handle without waiting.
func (e *Engine) Submit(taskType string, payload any, opts pool.Options) (*pool.Handle, error) {
	// Holding mu across Execute keeps the queued observer from running
	// before the live entry exists.
	e.mu.Lock()
	defer e.mu.Unlock()

	h, err := e.pool.Execute(taskType, payload, opts)
	if err != nil {
		return nil, err
	}
	e.live[h.ID()] = &model.Task{
		ID:       h.ID(),
		TaskType: taskType,
		BatchID:  opts.BatchID,
		Status:   model.StatusQueued,
		QueuedAt: time.Now().UTC(),
	}
	return h, nil
}

// RunBatch runs tasks as one batch and waits for all of them.
func (e *Engine) RunBatch(ctx context.Context, tasks []pool.BatchTask, opts pool.Options) (pool.BatchSummary, error) {
	return e.pool.RunBatch(ctx, tasks, opts)
}

// GetTask returns the history record of a task.
func (e *Engine) GetTask(ctx context.Context, id string) (*model.Task, error) {
	t, err := e.store.GetTask(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		e.mu.Lock()
		pending, ok := e.live[id]
		e.mu.Unlock()
		if ok {
			cp := *pending
			return &cp, nil
		}
	}
	return t, err
}

// ListTasks returns a page of task history, newest first.
func (e *Engine) ListTasks(ctx context.Context, limit, offset int) ([]*model.Task, int, error) {
	return e.store.ListTasks(ctx, limit, offset)
}

// Stats returns history aggregates and the pool snapshot.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	history, err := e.store.GetTaskStats(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{History: history, Pool: e.pool.Stats()}, nil
}

// PoolStats returns the live pool snapshot.
func (e *Engine) PoolStats() pool.Stats {
	return e.pool.Stats()
}

// Handlers lists the task types and custom functions that can be invoked.
func (e *Engine) Handlers() (tasks, custom []string) {
	return e.registry.Names(), e.registry.CustomNames()
}

// Shutdown closes the pool. Tasks still queued or running fail with
// pool.ErrPoolClosed and are recorded before Shutdown returns.
func (e *Engine) Shutdown() {
	e.pool.Shutdown()
}

// Observe implements pool.Observer. Events arrive in order from the pool's
// event pump, so store transitions happen in lifecycle order.
func (e *Engine) Observe(ev pool.Event) {
	ctx := context.Background()

	switch ev.Kind {
	case pool.EventQueued:
		t := &model.Task{
			ID:        ev.TaskID,
			Seq:       ev.Seq,
			TaskType:  ev.TaskType,
			BatchID:   ev.BatchID,
			Status:    model.StatusQueued,
			TimeoutMS: ev.Timeout.Milliseconds(),
			QueuedAt:  ev.QueuedAt.UTC(),
		}
		if err := e.store.CreateTask(ctx, t); err != nil {
			e.logger.Error("failed to record queued task", "task_id", ev.TaskID, "error", err)
		}
		e.mu.Lock()
		delete(e.live, ev.TaskID)
		e.mu.Unlock()
		e.publish(ev, model.StatusQueued)

	case pool.EventDispatched:
		if err := e.store.MarkRunning(ctx, ev.TaskID, ev.Worker, ev.StartedAt); err != nil {
			e.logger.Error("failed to transition to running", "task_id", ev.TaskID, "error", err)
		}
		e.publish(ev, model.StatusRunning)

	case pool.EventSettled:
		e.settled(ctx, ev)

	case pool.EventRecycled:
		e.logger.Info("worker recycled", "worker", ev.Worker, "reason", ev.Reason)
	}
}

func (e *Engine) settled(ctx context.Context, ev pool.Event) {

	out := store.Outcome{
		Status:     model.StatusCompleted,
		Result:     ev.Result,
		FinishedAt: ev.At,
	}
	if ev.Err != nil {
		out.Status = model.StatusFailed
		out.Error = ev.Err.Error()
		out.ErrorKind = pool.ErrorKind(ev.Err)
	}

	if err := e.store.FinishTask(ctx, ev.TaskID, out); err != nil {
		e.logger.Error("failed to record settled task", "task_id", ev.TaskID, "error", err)
	}

	attrs := []any{"task_id", ev.TaskID, "task_type", ev.TaskType, "status", out.Status}
	if !ev.StartedAt.IsZero() {
		attrs = append(attrs, "duration_ms", ev.At.Sub(ev.StartedAt).Milliseconds())
	}
	if ev.Err != nil {
		e.logger.Warn("task failed", append(attrs, "error_kind", out.ErrorKind, "error", out.Error)...)
	} else {
		e.logger.Info("task completed", attrs...)
	}

	e.publishStatus(ev, out.Status, out.Error)
	e.broker.Close(ev.TaskID)
	e.trimHistory(ctx)
}

// trimHistory enforces the history limit and forgets the event topics of
// the dropped tasks.
func (e *Engine) trimHistory(ctx context.Context) {
	if e.historyLimit <= 0 {
		return
	}
	removed, err := e.store.TrimHistory(ctx, e.historyLimit)
	if err != nil {
		e.logger.Error("failed to trim task history", "error", err)
		return
	}
	if len(removed) > 0 {
		e.broker.Forget(removed...)
		e.logger.Debug("trimmed task history", "removed", len(removed), "limit", e.historyLimit)
	}
}

func (e *Engine) publish(ev pool.Event, status string) {
	e.publishStatus(ev, status, "")
}

func (e *Engine) publishStatus(ev pool.Event, status, errMsg string) {
	te := model.TaskEvent{
		TaskID: ev.TaskID,
		Status: status,
		Error:  errMsg,
		At:     ev.At.UTC(),
	}
	if ev.Worker >= 0 {
		w := ev.Worker
		te.Worker = &w
	}
	e.broker.Publish(te)
}
