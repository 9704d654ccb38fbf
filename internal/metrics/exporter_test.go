package metrics

import (
	"errors"
	"fmt"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/seantiz/csop/internal/pool"
)

func TestExporterObserve(t *testing.T) {
	reg := prom.NewRegistry()
	exporter, err := NewExporter("", reg)
	if err != nil {
		t.Fatalf("NewExporter failed: %v", err)
	}

	queued := time.Now()
	started := queued.Add(20 * time.Millisecond)
	exporter.Observe(pool.Event{Kind: pool.EventQueued, TaskType: "sum", QueueDepth: 1})
	exporter.Observe(pool.Event{Kind: pool.EventDispatched, TaskType: "sum", QueuedAt: queued, StartedAt: started, Busy: 1})
	exporter.Observe(pool.Event{Kind: pool.EventSettled, TaskType: "sum", StartedAt: started, At: started.Add(time.Second)})
	exporter.Observe(pool.Event{Kind: pool.EventSettled, TaskType: "sum", Err: errors.New("boom"), StartedAt: started, At: started})
	exporter.Observe(pool.Event{Kind: pool.EventRecycled, Reason: pool.ReasonTimeout, Busy: 2, QueueDepth: 3})

	if got := testutil.ToFloat64(exporter.tasksTotal.WithLabelValues("sum", "completed")); got != 1 {
		t.Fatalf("completed total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(exporter.tasksTotal.WithLabelValues("sum", "failed")); got != 1 {
		t.Fatalf("failed total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(exporter.workerRecycles.WithLabelValues("timeout")); got != 1 {
		t.Fatalf("recycles = %v, want 1", got)
	}
	if got := testutil.ToFloat64(exporter.queueDepth); got != 3 {
		t.Fatalf("queue depth = %v, want 3", got)
	}
	if got := testutil.ToFloat64(exporter.busyWorkers); got != 2 {
		t.Fatalf("busy workers = %v, want 2", got)
	}
	if got := testutil.CollectAndCount(reg, "csop_task_duration_seconds"); got != 1 {
		t.Fatalf("duration series = %d, want 1", got)
	}
	if got := testutil.CollectAndCount(reg, "csop_queue_wait_seconds"); got != 1 {
		t.Fatalf("queue wait series = %d, want 1", got)
	}
}

func TestExporterAlreadyRegisteredReuse(t *testing.T) {
	reg := prom.NewRegistry()
	first, err := NewExporter("csop", reg)
	if err != nil {
		t.Fatalf("first NewExporter failed: %v", err)
	}
	second, err := NewExporter("csop", reg)
	if err != nil {
		t.Fatalf("second NewExporter failed: %v", err)
	}

	first.Observe(pool.Event{Kind: pool.EventRecycled, Reason: pool.ReasonFault})
	second.Observe(pool.Event{Kind: pool.EventRecycled, Reason: pool.ReasonFault})

	if got := testutil.ToFloat64(first.workerRecycles.WithLabelValues("fault")); got != 2 {
		t.Fatalf("shared recycle counter = %v, want 2", got)
	}
}

func TestExporterBoundsUnknownTaskTypes(t *testing.T) {
	reg := prom.NewRegistry()
	exporter, err := NewExporter("", reg)
	if err != nil {
		t.Fatalf("NewExporter failed: %v", err)
	}

	started := time.Now()
	for i := range 1000 {
		taskType := fmt.Sprintf("bogus-%d", i)
		exporter.Observe(pool.Event{
			Kind:      pool.EventSettled,
			TaskType:  taskType,
			Err:       &pool.TaskError{TaskType: taskType, Err: pool.ErrUnknownTask},
			StartedAt: started,
			At:        started.Add(time.Millisecond),
		})
	}
	exporter.Observe(pool.Event{Kind: pool.EventSettled, TaskType: "sum", StartedAt: started, At: started})

	if got := testutil.CollectAndCount(reg, "csop_tasks_total"); got != 2 {
		t.Fatalf("tasks_total series = %d, want 2", got)
	}
	if got := testutil.CollectAndCount(reg, "csop_task_duration_seconds"); got != 2 {
		t.Fatalf("duration series = %d, want 2", got)
	}
	if got := testutil.ToFloat64(exporter.tasksTotal.WithLabelValues("unknown", "failed")); got != 1000 {
		t.Fatalf("unknown failed total = %v, want 1000", got)
	}
}

func TestExporterNilSafe(t *testing.T) {
	var e *Exporter
	e.Observe(pool.Event{Kind: pool.EventSettled})
}

func TestHTTPMetrics(t *testing.T) {
	reg := prom.NewRegistry()
	m, err := NewHTTP("", reg)
	if err != nil {
		t.Fatalf("NewHTTP failed: %v", err)
	}

	done := m.Start("GET")
	if got := testutil.ToFloat64(m.inFlight); got != 1 {
		t.Fatalf("in flight = %v, want 1", got)
	}
	done("/v1/tasks/{id}", 200)
	m.Start("POST")("", 404)

	if got := testutil.ToFloat64(m.inFlight); got != 0 {
		t.Fatalf("in flight after done = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.requests.WithLabelValues("GET", "/v1/tasks/{id}", "200")); got != 1 {
		t.Fatalf("GET requests = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.requests.WithLabelValues("POST", "unmatched", "404")); got != 1 {
		t.Fatalf("unmatched requests = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(reg, "csop_http_request_duration_seconds"); got != 2 {
		t.Fatalf("duration series = %d, want 2", got)
	}

	again, err := NewHTTP("", reg)
	if err != nil {
		t.Fatalf("second NewHTTP failed: %v", err)
	}
	if again.requests != m.requests {
		t.Fatal("expected registered request counter to be reused")
	}
}

func TestHTTPMetricsNilSafe(t *testing.T) {
	var m *HTTP
	m.Start("GET")("/healthz", 200)
}
