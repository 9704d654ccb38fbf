package pool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Settle record statuses.
const (
	StatusFulfilled = "fulfilled"
	StatusRejected  = "rejected"
)

// BatchTask is one entry of a batch. Options set here override the batch's
// common options.
type BatchTask struct {
	Task    string
	Data    any
	Options Options
}

// SettleRecord is the outcome of one batch entry.
type SettleRecord struct {
	Status string          `json:"status"`
	Task   string          `json:"task"`
	ID     string          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`

	// Err is the rejection error; nil for fulfilled records.
	Err error `json:"-"`
}

// BatchSummary aggregates a batch. Results are in input order.
type BatchSummary struct {
	ID        string         `json:"id"`
	Total     int            `json:"total"`
	Completed int            `json:"completed"`
	Failed    int            `json:"failed"`
	Results   []SettleRecord `json:"results"`
}

// RunBatch submits every task and waits for all of them. A task's failure is
// recorded in its SettleRecord and never affects its siblings. ctx bounds the
// wait only; cancelling it returns ctx's error while the tasks run on.
func (p *Pool) RunBatch(ctx context.Context, tasks []BatchTask, opts Options) (BatchSummary, error) {
	if len(tasks) == 0 {
		return BatchSummary{}, ErrEmptyBatch
	}
	if p.isClosed() {
		return BatchSummary{}, ErrPoolClosed
	}
	if opts.BatchID == "" {
		opts.BatchID = uuid.NewString()
	}

	summary := BatchSummary{
		ID:      opts.BatchID,
		Total:   len(tasks),
		Results: make([]SettleRecord, len(tasks)),
	}
	handles := make([]*Handle, len(tasks))
	for i, bt := range tasks {
		h, err := p.Execute(bt.Task, bt.Data, opts.merge(bt.Options))
		if err != nil {
			summary.Results[i] = rejected(bt.Task, "", err)
			continue
		}
		handles[i] = h
	}

	for i, h := range handles {
		if h == nil {
			continue
		}
		select {
		case <-h.Done():
		case <-ctx.Done():
			return BatchSummary{}, fmt.Errorf("await batch %s: %w", summary.ID, ctx.Err())
		}
		result, err := h.Result()
		if err != nil {
			summary.Results[i] = rejected(h.TaskType(), h.ID(), err)
			continue
		}
		summary.Results[i] = SettleRecord{
			Status: StatusFulfilled,
			Task:   h.TaskType(),
			ID:     h.ID(),
			Result: result,
		}
	}

	for _, r := range summary.Results {
		if r.Status == StatusFulfilled {
			summary.Completed++
		} else {
			summary.Failed++
		}
	}
	return summary, nil
}

func rejected(taskType, id string, err error) SettleRecord {
	return SettleRecord{
		Status: StatusRejected,
		Task:   taskType,
		ID:     id,
		Error:  err.Error(),
		Err:    err,
	}
}
