package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/seantiz/funclite/internal/fleet"
	"github.com/seantiz/funclite/internal/function"
	"github.com/seantiz/funclite/internal/pkgstore"
	"github.com/seantiz/funclite/internal/pool"
	"github.com/seantiz/funclite/internal/provisioner"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20  // 1 MB
	maxPackageSize   = 64 << 20 // 64 MB
)

// errorStatus maps the control plane's sentinel errors onto HTTP statuses.
var errorStatus = []struct {
	err    error
	status int
}{
	{function.ErrNotFound, http.StatusNotFound},
	{fleet.ErrNotFound, http.StatusNotFound},
	{pkgstore.ErrNotFound, http.StatusNotFound},
	{function.ErrTagMismatch, http.StatusConflict},
	{fleet.ErrExists, http.StatusConflict},
	{function.ErrInvalidName, http.StatusBadRequest},
	{fleet.ErrInvalidDefinition, http.StatusBadRequest},
	{pool.ErrUnknownTag, http.StatusBadRequest},
	{provisioner.ErrNoRuntime, http.StatusBadRequest},
	{pool.ErrNoCapacity, http.StatusServiceUnavailable},
	{context.DeadlineExceeded, http.StatusGatewayTimeout},
	{provisioner.ErrProvisioning, http.StatusBadGateway},
}

func statusFor(err error) int {
	for _, m := range errorStatus {
		if errors.Is(err, m.err) {
			return m.status
		}
	}
	return http.StatusInternalServerError
}

// writeFailure reports err with the status its sentinel maps to. Server-side
// failures are logged; internal ones are not echoed to the client.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(op, "error", err, "path", r.URL.Path)
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = op + " failed"
	}
	s.writeError(w, status, msg)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeRaw writes a payload that is already JSON.
func (s *Server) writeRaw(w http.ResponseWriter, status int, body json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		s.logger.Error("write response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
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
