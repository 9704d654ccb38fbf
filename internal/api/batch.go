package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/seantiz/csop/internal/pool"
)

// batchRequest is the JSON body for POST /v1/batches. Per-task options
// override the batch options.
type batchRequest struct {
	Tasks   []taskRequest   `json:"tasks"`
	Options *optionsRequest `json:"options"`
}

func (s *Server) handleRunBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	tasks := make([]pool.BatchTask, len(req.Tasks))
	for i, t := range req.Tasks {
		tasks[i] = pool.BatchTask{
			Task:    t.Task,
			Data:    t.Data,
			Options: t.Options.toOptions(),
		}
	}

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("clear write deadline", "error", err)
	}

	summary, err := s.engine.RunBatch(r.Context(), tasks, req.Options.toOptions())
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		s.writeTaskError(w, "", err)
		return
	}

	s.writeJSON(w, http.StatusOK, summary)
}
