// Package metrics exports pool and HTTP activity as Prometheus collectors.
package metrics

import (
	"errors"
	"fmt"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/csop/internal/model"
	"github.com/seantiz/csop/internal/pool"
)

// DefaultNamespace prefixes every collector name.
const DefaultNamespace = "csop"

// unknownTaskType labels tasks whose type has no handler. Callers choose task
// type names, so they are never used as label values unless a handler
// accepted them.
const unknownTaskType = "unknown"

// Exporter records pool events into Prometheus collectors.
type Exporter struct {
	tasksTotal     *prom.CounterVec
	taskDuration   *prom.HistogramVec
	queueWait      prom.Histogram
	workerRecycles *prom.CounterVec
	queueDepth     prom.Gauge
	busyWorkers    prom.Gauge
}

var _ pool.Observer = (*Exporter)(nil)

// NewExporter creates the collectors and registers them with reg, reusing
// collectors already registered under the same names. A nil reg means the
// default registerer.
func NewExporter(namespace string, reg prom.Registerer) (*Exporter, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}

	tasksTotal := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_total",
		Help:      "Total number of settled tasks.",
	}, []string{"task_type", "status"})
	taskDuration := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "task_duration_seconds",
		Help:      "Time from dispatch to settlement in seconds.",
		Buckets:   prom.DefBuckets,
	}, []string{"task_type"})
	queueWait := prom.NewHistogram(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "queue_wait_seconds",
		Help:      "Time tasks spent queued before dispatch in seconds.",
		Buckets:   prom.DefBuckets,
	})
	workerRecycles := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "worker_recycles_total",
		Help:      "Total number of execution contexts replaced.",
	}, []string{"reason"})
	queueDepth := prom.NewGauge(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Tasks waiting for a worker.",
	})
	busyWorkers := prom.NewGauge(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "busy_workers",
		Help:      "Workers currently running or recycling.",
	})

	var err error
	if tasksTotal, err = registerCollector(reg, tasksTotal); err != nil {
		return nil, err
	}
	if taskDuration, err = registerCollector(reg, taskDuration); err != nil {
		return nil, err
	}
	if queueWait, err = registerCollector(reg, queueWait); err != nil {
		return nil, err
	}
	if workerRecycles, err = registerCollector(reg, workerRecycles); err != nil {
		return nil, err
	}
	if queueDepth, err = registerCollector(reg, queueDepth); err != nil {
		return nil, err
	}
	if busyWorkers, err = registerCollector(reg, busyWorkers); err != nil {
		return nil, err
	}

	return &Exporter{
		tasksTotal:     tasksTotal,
		taskDuration:   taskDuration,
		queueWait:      queueWait,
		workerRecycles: workerRecycles,
		queueDepth:     queueDepth,
		busyWorkers:    busyWorkers,
	}, nil
}

// Observe implements pool.Observer.
func (e *Exporter) Observe(ev pool.Event) {
	if e == nil {
		return
	}
	e.queueDepth.Set(float64(ev.QueueDepth))
	e.busyWorkers.Set(float64(ev.Busy))

	switch ev.Kind {
	case pool.EventDispatched:
		if !ev.QueuedAt.IsZero() {
			e.queueWait.Observe(ev.StartedAt.Sub(ev.QueuedAt).Seconds())
		}
	case pool.EventSettled:
		status := model.StatusCompleted
		if ev.Err != nil {
			status = model.StatusFailed
		}
		taskType := taskTypeLabel(ev)
		e.tasksTotal.WithLabelValues(taskType, status).Inc()
		if !ev.StartedAt.IsZero() {
			e.taskDuration.WithLabelValues(taskType).Observe(ev.At.Sub(ev.StartedAt).Seconds())
		}
	case pool.EventRecycled:
		e.workerRecycles.WithLabelValues(normalizeLabel(ev.Reason, "unknown")).Inc()
	}
}

func taskTypeLabel(ev pool.Event) string {
	if errors.Is(ev.Err, pool.ErrUnknownTask) {
		return unknownTaskType
	}
	return normalizeLabel(ev.TaskType, unknownTaskType)
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
