package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/seantiz/csop/internal/model"
)

// ErrInvalidTransition is returned when a task status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// TaskStats holds aggregate execution statistics.
type TaskStats struct {
	Total            int            `json:"total"`
	CountByStatus    map[string]int `json:"count_by_status"`
	CountByTaskType  map[string]int `json:"count_by_task_type"`
	CountByErrorKind map[string]int `json:"count_by_error_kind"`
	AvgDurationMS    float64        `json:"avg_duration_ms"`
}

// Outcome is the terminal state recorded by FinishTask.
type Outcome struct {
	Status     string
	Result     json.RawMessage
	Error      string
	ErrorKind  string
	FinishedAt time.Time
}

// Store defines the history operations for tasks.
type Store interface {
	CreateTask(ctx context.Context, t *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasks(ctx context.Context, limit, offset int) ([]*model.Task, int, error)
	MarkRunning(ctx context.Context, id string, worker int, startedAt time.Time) error
	FinishTask(ctx context.Context, id string, out Outcome) error
	TrimHistory(ctx context.Context, maxRows int) ([]string, error)
	GetTaskStats(ctx context.Context) (*TaskStats, error)
	Close() error
}
