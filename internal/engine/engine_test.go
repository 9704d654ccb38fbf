package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/seantiz/csop/internal/engine"
	"github.com/seantiz/csop/internal/handler"
	"github.com/seantiz/csop/internal/model"
	"github.com/seantiz/csop/internal/pool"
	"github.com/seantiz/csop/internal/store"
	"github.com/seantiz/csop/internal/worker"
)

func newTestEngine(t *testing.T, workers int, opts ...engine.Option) (*engine.Engine, store.Store, chan struct{}) {
	t.Helper()
	s, err := store.NewSQLiteStore(store.MemoryPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	release := make(chan struct{})
	reg := handler.Default()
	if err := reg.Register("block", func(json.RawMessage) (any, error) {
		<-release
		return "released", nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.RegisterCustom("double", func(args json.RawMessage) (any, error) {
		var n int
		if err := json.Unmarshal(args, &n); err != nil {
			return nil, err
		}
		return n * 2, nil
	}); err != nil {
		t.Fatalf("RegisterCustom: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	eng, err := engine.New(s, reg, pool.Config{
		NumWorkers: workers,
		Spawner:    worker.NewLocalSpawner(reg),
	}, logger, opts...)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(func() {
		eng.Shutdown()
		select {
		case <-release:
		default:
			close(release)
		}
	})
	return eng, s, release
}

// waitForStatus polls the store until the task reaches the expected status.
func waitForStatus(t *testing.T, s store.Store, id, expected string, timeout time.Duration) *model.Task {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		task, err := s.GetTask(context.Background(), id)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("GetTask: %v", err)
		}
		if task != nil && task.Status == expected {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach status %q within %v", id, expected, timeout)
	return nil
}

func TestSubmitRecordsCompletedTask(t *testing.T) {
	eng, s, _ := newTestEngine(t, 2)

	h, err := eng.Submit("fibonacci", map[string]int{"n": 10}, pool.Options{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Visible immediately, even before the history write lands.
	if _, err := eng.GetTask(context.Background(), h.ID()); err != nil {
		t.Fatalf("GetTask right after Submit: %v", err)
	}

	task := waitForStatus(t, s, h.ID(), model.StatusCompleted, 5*time.Second)
	if string(task.Result) != "55" {
		t.Errorf("result = %s, want 55", task.Result)
	}
	if task.TaskType != "fibonacci" {
		t.Errorf("task type = %q, want fibonacci", task.TaskType)
	}
	if task.Worker == nil {
		t.Error("worker not recorded")
	}
	if task.TimeoutMS != pool.DefaultTimeout.Milliseconds() {
		t.Errorf("timeout_ms = %d, want %d", task.TimeoutMS, pool.DefaultTimeout.Milliseconds())
	}
	if task.DurationMS == nil || task.StartedAt == nil || task.FinishedAt == nil {
		t.Errorf("run timing not recorded: %+v", task)
	}
}

func TestSubmitRecordsFailureKinds(t *testing.T) {
	eng, s, _ := newTestEngine(t, 1)

	tests := []struct {
		taskType string
		payload  any
		opts     pool.Options
		kind     string
	}{
		{"nope", nil, pool.Options{}, model.ErrorKindUnknownTask},
		{"custom", map[string]any{"fn": "missing"}, pool.Options{}, model.ErrorKindHandler},
		{"block", nil, pool.Options{Timeout: 50 * time.Millisecond}, model.ErrorKindTimeout},
	}
	for _, tt := range tests {
		h, err := eng.Submit(tt.taskType, tt.payload, tt.opts)
		if err != nil {
			t.Fatalf("Submit %s: %v", tt.taskType, err)
		}
		task := waitForStatus(t, s, h.ID(), model.StatusFailed, 5*time.Second)
		if task.ErrorKind != tt.kind {
			t.Errorf("%s: error kind = %q, want %q", tt.taskType, task.ErrorKind, tt.kind)
		}
		if task.Error == "" {
			t.Errorf("%s: error message not recorded", tt.taskType)
		}
	}
}

func TestCustomFunctionThroughEngine(t *testing.T) {
	eng, _, _ := newTestEngine(t, 1)

	h, err := eng.Submit("custom", map[string]any{"fn": "double", "args": 21}, pool.Options{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	got, err := pool.Await[int](context.Background(), h)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if got != 42 {
		t.Errorf("double(21) = %d, want 42", got)
	}
}

func TestSubscribeReceivesLifecycle(t *testing.T) {
	eng, _, release := newTestEngine(t, 1)

	h, err := eng.Submit("block", nil, pool.Options{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ch, unsub := eng.Broker().Subscribe(h.ID())
	defer unsub()
	close(release)

	var statuses []string
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case ev, ok := <-ch:
			if !ok {
				done = true
				break
			}
			statuses = append(statuses, ev.Status)
		case <-timeout:
			t.Fatal("event stream did not close")
		}
	}

	// The subscription may start after queued or running were published.
	if len(statuses) == 0 || statuses[len(statuses)-1] != model.StatusCompleted {
		t.Errorf("statuses = %v, want stream ending in completed", statuses)
	}
}

func TestShutdownRecordsPoolClosed(t *testing.T) {
	eng, s, _ := newTestEngine(t, 1)

	running, err := eng.Submit("block", nil, pool.Options{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	queued, err := eng.Submit("sum", nil, pool.Options{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	eng.Shutdown()

	for _, h := range []*pool.Handle{running, queued} {
		task, err := s.GetTask(context.Background(), h.ID())
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if task.Status != model.StatusFailed || task.ErrorKind != model.ErrorKindPoolClosed {
			t.Errorf("task %s = %s/%s, want failed/pool_closed", h.ID(), task.Status, task.ErrorKind)
		}
	}

	if _, err := eng.Submit("sum", nil, pool.Options{}); !errors.Is(err, pool.ErrPoolClosed) {
		t.Errorf("Submit after shutdown error = %v, want ErrPoolClosed", err)
	}
}

func TestRunBatchRecordsEveryTask(t *testing.T) {
	eng, s, _ := newTestEngine(t, 2)

	summary, err := eng.RunBatch(context.Background(), []pool.BatchTask{
		{Task: "factorial", Data: map[string]int{"n": 5}},
		{Task: "nope"},
	}, pool.Options{})
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if summary.Completed != 1 || summary.Failed != 1 {
		t.Fatalf("summary = %+v, want 1 completed 1 failed", summary)
	}

	eng.Shutdown()
	for _, r := range summary.Results {
		task, err := s.GetTask(context.Background(), r.ID)
		if err != nil {
			t.Fatalf("GetTask %s: %v", r.ID, err)
		}
		if task.BatchID != summary.ID {
			t.Errorf("batch id = %q, want %q", task.BatchID, summary.ID)
		}
	}
}

func TestStatsAndHandlers(t *testing.T) {
	eng, _, _ := newTestEngine(t, 3)

	h, err := eng.Submit("isPrime", map[string]int{"n": 7}, pool.Options{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := h.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	eng.Shutdown()

	stats, err := eng.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.History.Total != 1 || stats.History.CountByStatus[model.StatusCompleted] != 1 {
		t.Errorf("history = %+v, want one completed task", stats.History)
	}
	if !stats.Pool.Closed {
		t.Error("pool snapshot should report closed")
	}

	tasks, custom := eng.Handlers()
	if len(tasks) == 0 || tasks[0] != "block" {
		t.Errorf("tasks = %v, want sorted list starting with block", tasks)
	}
	if len(custom) != 1 || custom[0] != "double" {
		t.Errorf("custom = %v, want [double]", custom)
	}
}

func TestHistoryLimitDropsOldestSettledTasks(t *testing.T) {
	eng, s, _ := newTestEngine(t, 1, engine.WithHistoryLimit(3))
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		h, err := eng.Submit("fibonacci", map[string]int{"n": i}, pool.Options{})
		if err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
		waitForStatus(t, s, h.ID(), model.StatusCompleted, 5*time.Second)
		ids = append(ids, h.ID())
	}

	// The trim follows the final history write.
	deadline := time.Now().Add(2 * time.Second)
	var total int
	for {
		var err error
		_, total, err = s.ListTasks(ctx, 10, 0)
		if err != nil {
			t.Fatalf("ListTasks: %v", err)
		}
		if total == 3 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if total != 3 {
		t.Fatalf("history total = %d, want 3", total)
	}
	for _, id := range ids[:2] {
		if _, err := eng.GetTask(ctx, id); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("GetTask(%s) error = %v, want ErrNotFound", id, err)
		}
	}
	for _, id := range ids[2:] {
		if _, err := eng.GetTask(ctx, id); err != nil {
			t.Errorf("GetTask(%s): %v", id, err)
		}
	}
	if n := eng.Broker().Len(); n != 3 {
		t.Errorf("broker topics = %d, want 3", n)
	}
}
