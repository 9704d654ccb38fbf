package api

import (
	"encoding/json"
	"net/http"
)

type healthResponse struct {
	Status  string `json:"status"`
	Workers int    `json:"workers"`
	Idle    int    `json:"idle"`
}

// handleHealthz reports ok while the pool accepts work.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	stats := s.engine.PoolStats()
	resp := healthResponse{Status: "ok", Workers: stats.Workers, Idle: stats.Idle}
	status := http.StatusOK
	if stats.Closed {
		resp.Status = "closed"
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("encode healthz response", "error", err)
	}
}
