package api

import (
	"net/http"

	"github.com/seantiz/csop/internal/pool"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	ByTaskType    map[string]int `json:"by_task_type"`
	ByErrorKind   map[string]int `json:"by_error_kind"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
	Pool          pool.Stats     `json:"pool"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context())
	if err != nil {
		s.logger.Error("get task stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:         stats.History.Total,
		ByStatus:      stats.History.CountByStatus,
		ByTaskType:    stats.History.CountByTaskType,
		ByErrorKind:   stats.History.CountByErrorKind,
		AvgDurationMS: stats.History.AvgDurationMS,
		Pool:          stats.Pool,
	})
}
