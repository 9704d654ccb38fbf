package pool

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/seantiz/csop/internal/model"
)

// DefaultTimeout is the per-task deadline when none is configured.
const DefaultTimeout = 30 * time.Second

// Options tune a single submission.
type Options struct {
	// Timeout is the task deadline, measured from dispatch. Zero means the
	// pool default.
	Timeout time.Duration

	// BatchID tags the task as part of a batch.
	BatchID string
}

// merge returns o with every field set in override replacing it.
func (o Options) merge(override Options) Options {
	if override.Timeout > 0 {
		o.Timeout = override.Timeout
	}
	if override.BatchID != "" {
		o.BatchID = override.BatchID
	}
	return o
}

type task struct {
	id       string
	taskType string
	payload  json.RawMessage
	opts     Options
	seq      uint64
	queuedAt time.Time
	started  time.Time
	handle   *Handle
}

func newTask(taskType string, payload json.RawMessage, opts Options) *task {
	id := model.NewID()
	return &task{
		id:       id,
		taskType: taskType,
		payload:  payload,
		opts:     opts,
		handle:   newHandle(id, taskType),
	}
}

// encodePayload converts a caller payload to the bytes sent to a worker.
func encodePayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(v) == 0 {
			return nil, nil
		}
		if !json.Valid(v) {
			return nil, fmt.Errorf("encode payload: invalid JSON")
		}
		return v, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		return data, nil
	}
}
