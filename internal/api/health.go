package api

import (
	"net/http"
)

type healthResponse struct {
	Status    string `json:"status"`
	Functions int    `json:"functions"`
	Apps      int    `json:"apps"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Functions: len(s.functions.List()),
		Apps:      len(s.fleet.Apps()),
	})
}
