package model

import (
	"encoding/json"
	"time"
)

// Task status constants.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Error kind constants recorded for failed tasks.
const (
	ErrorKindUnknownTask = "unknown_task"
	ErrorKindHandler     = "handler_error"
	ErrorKindTimeout     = "timeout"
	ErrorKindPoolClosed  = "pool_closed"
)

// validTransitions maps each status to the set of statuses it may transition to.
// A queued task can fail without ever running when its pool shuts down.
var validTransitions = map[string]map[string]bool{
	StatusQueued: {
		StatusRunning: true,
		StatusFailed:  true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether status is a final task status.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// Task is the history record of a task submitted to a pool.
type Task struct {
	ID         string          `json:"id"`
	Seq        uint64          `json:"seq"`
	TaskType   string          `json:"task"`
	BatchID    string          `json:"batch_id,omitempty"`
	Status     string          `json:"status"`
	Worker     *int            `json:"worker,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	ErrorKind  string          `json:"error_kind,omitempty"`
	TimeoutMS  int64           `json:"timeout_ms"`
	DurationMS *int64          `json:"duration_ms,omitempty"`
	QueuedAt   time.Time       `json:"queued_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// TaskEvent is a lifecycle notification for a single task, streamed to
// subscribers while the task is live.
type TaskEvent struct {
	TaskID string    `json:"task_id"`
	Status string    `json:"status"`
	Worker *int      `json:"worker,omitempty"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}
