package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/funclite/internal/model"
)

// readPayload reads a JSON invocation payload. An empty body is sent as null.
func readPayload(w http.ResponseWriter, r *http.Request) (json.RawMessage, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(body) {
		return nil, errors.New("payload is not valid JSON")
	}
	return body, nil
}

func (s *Server) handleCreateFunction(w http.ResponseWriter, r *http.Request) {
	tag, err := model.ParseTag(r.URL.Query().Get("tag"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	pkg, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPackageSize))
	if err != nil {
		s.writeError(w, http.StatusRequestEntityTooLarge, "package too large")
		return
	}
	if len(pkg) == 0 {
		s.writeError(w, http.StatusBadRequest, "package body is required")
		return
	}

	info, err := s.functions.Create(r.Context(), chi.URLParam(r, "name"), tag, pkg)
	if err != nil {
		s.writeFailure(w, r, "create function", err)
		return
	}
	s.logger.Info("function version created", "function", info.Name, "tag", info.Tag, "versions", len(info.Versions))
	s.writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleListFunctions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.functions.List())
}

func (s *Server) handleGetFunction(w http.ResponseWriter, r *http.Request) {
	info, err := s.functions.Describe(chi.URLParam(r, "name"))
	if err != nil {
		s.writeFailure(w, r, "describe function", err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.functions.Versions(chi.URLParam(r, "name"))
	if err != nil {
		s.writeFailure(w, r, "list versions", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string][]int{"versions": versions})
}

func (s *Server) handleRunFunction(w http.ResponseWriter, r *http.Request) {
	version := 0
	if raw := r.URL.Query().Get("version"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			s.writeError(w, http.StatusBadRequest, "version must be a positive integer")
			return
		}
		version = v
	}

	payload, err := readPayload(w, r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := s.functions.Run(r.Context(), chi.URLParam(r, "name"), version, payload)
	if err != nil {
		s.writeFailure(w, r, "run function", err)
		return
	}
	s.writeRaw(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteFunction(w http.ResponseWriter, r *http.Request) {
	if err := s.functions.DeleteFunction(r.Context(), chi.URLParam(r, "name")); err != nil {
		s.writeFailure(w, r, "delete function", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteVersion(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil || version < 1 {
		s.writeError(w, http.StatusBadRequest, "version must be a positive integer")
		return
	}
	if err := s.functions.DeleteVersion(r.Context(), chi.URLParam(r, "name"), version); err != nil {
		s.writeFailure(w, r, "delete version", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
