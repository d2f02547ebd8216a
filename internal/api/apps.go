package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/funclite/internal/model"
)

func (s *Server) handleListApps(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.fleet.Apps())
}

func (s *Server) handleCreateApp(w http.ResponseWriter, r *http.Request) {
	var template model.ReplicaGroup
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&template); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	groups, err := s.fleet.CreateApp(r.Context(), chi.URLParam(r, "app"), template)
	if err != nil {
		s.writeFailure(w, r, "create app", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, groups)
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.fleet.Groups(chi.URLParam(r, "app"))
	if err != nil {
		s.writeFailure(w, r, "list groups", err)
		return
	}
	s.writeJSON(w, http.StatusOK, groups)
}

func (s *Server) handleDeleteApp(w http.ResponseWriter, r *http.Request) {
	if err := s.fleet.DeleteApp(r.Context(), chi.URLParam(r, "app")); err != nil {
		s.writeFailure(w, r, "delete app", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInvokeApp(w http.ResponseWriter, r *http.Request) {
	payload, err := readPayload(w, r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := s.fleet.Invoke(r.Context(), chi.URLParam(r, "app"), chi.URLParam(r, "function"), payload)
	if err != nil {
		s.writeFailure(w, r, "invoke app", err)
		return
	}
	s.writeRaw(w, http.StatusOK, resp)
}
