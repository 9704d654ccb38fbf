package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/csop/internal/model"
	"github.com/seantiz/csop/internal/pool"
	"github.com/seantiz/csop/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// taskRequest is the JSON body for POST /v1/tasks and /v1/tasks/async.
type taskRequest struct {
	Task    string          `json:"task"`
	Data    json.RawMessage `json:"data"`
	Options *optionsRequest `json:"options"`
}

// optionsRequest carries per-task options. Timeout is in milliseconds;
// timeout_ms is accepted as an alias and loses to timeout when both are set.
type optionsRequest struct {
	Timeout   int64 `json:"timeout"`
	TimeoutMS int64 `json:"timeout_ms"`
}

func (o *optionsRequest) toOptions() pool.Options {
	if o == nil {
		return pool.Options{}
	}
	ms := o.Timeout
	if ms <= 0 {
		ms = o.TimeoutMS
	}
	if ms <= 0 {
		return pool.Options{}
	}
	return pool.Options{Timeout: time.Duration(ms) * time.Millisecond}
}

// taskResponse is returned by POST /v1/tasks on success.
type taskResponse struct {
	ID     string          `json:"id"`
	Task   string          `json:"task"`
	Result json.RawMessage `json:"result"`
}

// acceptedResponse is returned by POST /v1/tasks/async.
type acceptedResponse struct {
	ID     string `json:"id"`
	Task   string `json:"task"`
	Status string `json:"status"`
}

// errorResponse is the JSON body of every error. Kind and ID are set for
// task rejections.
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"error_kind,omitempty"`
	ID    string `json:"id,omitempty"`
}

// listTasksResponse wraps the paginated list response.
type listTasksResponse struct {
	Tasks  []*model.Task `json:"tasks"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

func (s *Server) decodeTaskRequest(w http.ResponseWriter, r *http.Request) (taskRequest, bool) {
	var req taskRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return req, false
	}
	if req.Task == "" {
		s.writeError(w, http.StatusBadRequest, pool.ErrMissingTaskType.Error())
		return req, false
	}
	return req, true
}

func (s *Server) handleExecuteTask(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeTaskRequest(w, r)
	if !ok {
		return
	}

	h, err := s.engine.Submit(req.Task, req.Data, req.Options.toOptions())
	if err != nil {
		s.writeTaskError(w, "", err)
		return
	}

	// The response waits for the task, which may outlive the server's
	// default write timeout.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("clear write deadline", "error", err)
	}

	result, err := h.Wait(r.Context())
	if err != nil {
		if r.Context().Err() != nil {
			return // Client disconnected; the task keeps running.
		}
		s.writeTaskError(w, h.ID(), err)
		return
	}

	s.writeJSON(w, http.StatusOK, taskResponse{
		ID:     h.ID(),
		Task:   h.TaskType(),
		Result: result,
	})
}

func (s *Server) handleAsyncTask(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeTaskRequest(w, r)
	if !ok {
		return
	}

	h, err := s.engine.Submit(req.Task, req.Data, req.Options.toOptions())
	if err != nil {
		s.writeTaskError(w, "", err)
		return
	}

	w.Header().Set("Location", "/v1/tasks/"+h.ID())
	s.writeJSON(w, http.StatusAccepted, acceptedResponse{
		ID:     h.ID(),
		Task:   h.TaskType(),
		Status: model.StatusQueued,
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !model.ValidID(id) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}

	t, err := s.engine.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("get task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	s.writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	tasks, total, err := s.engine.ListTasks(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list tasks", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}

	if tasks == nil {
		tasks = []*model.Task{}
	}

	s.writeJSON(w, http.StatusOK, listTasksResponse{
		Tasks:  tasks,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// statusForError maps pool errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, pool.ErrMissingTaskType), errors.Is(err, pool.ErrEmptyBatch):
		return http.StatusBadRequest
	case errors.Is(err, pool.ErrUnknownTask), errors.Is(err, pool.ErrHandlerExecution):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pool.ErrTaskTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, pool.ErrPoolClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeTaskError writes a rejected or refused task. id is empty when the
// task was never admitted.
func (s *Server) writeTaskError(w http.ResponseWriter, id string, err error) {
	status := statusForError(err)
	resp := errorResponse{Error: err.Error(), ID: id}
	if status == http.StatusInternalServerError {
		s.logger.Error("task request", "task_id", id, "error", err)
		resp.Error = "internal error"
	} else if id != "" {
		resp.Kind = pool.ErrorKind(err)
	}
	s.writeJSON(w, status, resp)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorResponse{Error: message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
