package api

import "net/http"

type handlersResponse struct {
	Tasks  []string `json:"tasks"`
	Custom []string `json:"custom"`
}

func (s *Server) handleListHandlers(w http.ResponseWriter, _ *http.Request) {
	tasks, custom := s.engine.Handlers()
	s.writeJSON(w, http.StatusOK, handlersResponse{Tasks: tasks, Custom: custom})
}
