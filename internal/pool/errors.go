package pool

import (
	"errors"

	"github.com/seantiz/csop/internal/handler"
	"github.com/seantiz/csop/internal/model"
)

var (
	// ErrMissingTaskType is returned by Execute when no task type is given.
	ErrMissingTaskType = errors.New("task type is required")

	// ErrEmptyBatch is returned by RunBatch when the batch holds no tasks.
	ErrEmptyBatch = errors.New("batch requires at least one task")

	// ErrUnknownTask rejects tasks whose type has no registered handler.
	ErrUnknownTask = handler.ErrUnknownTask

	// ErrHandlerExecution rejects tasks whose handler failed or whose
	// execution context faulted.
	ErrHandlerExecution = errors.New("handler execution failed")

	// ErrTaskTimeout rejects tasks that exceeded their deadline.
	ErrTaskTimeout = errors.New("task timeout")

	// ErrPoolClosed is returned for operations on a shut down pool, and
	// rejects tasks still queued or running at shutdown.
	ErrPoolClosed = errors.New("pool is closed")
)

// TaskError is the rejection of a single task. Err is one of the package
// sentinel errors; Message is the failure as reported by the execution
// context, when there is one.
type TaskError struct {
	TaskID   string
	TaskType string
	Err      error
	Message  string
}

func (e *TaskError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

func newTaskError(t *task, err error, msg string) *TaskError {
	return &TaskError{
		TaskID:   t.id,
		TaskType: t.taskType,
		Err:      err,
		Message:  msg,
	}
}

// ErrorKind classifies a task rejection for history records. It returns ""
// for nil and model.ErrorKindHandler for errors outside the pool taxonomy.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnknownTask):
		return model.ErrorKindUnknownTask
	case errors.Is(err, ErrTaskTimeout):
		return model.ErrorKindTimeout
	case errors.Is(err, ErrPoolClosed):
		return model.ErrorKindPoolClosed
	default:
		return model.ErrorKindHandler
	}
}
