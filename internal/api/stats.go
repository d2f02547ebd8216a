package api

import (
	"net/http"

	"github.com/seantiz/funclite/internal/model"
)

// listInvocationsResponse is the JSON response for GET /v1/invocations.
type listInvocationsResponse struct {
	Invocations []*model.Invocation `json:"invocations"`
	Total       int                 `json:"total"`
	Limit       int                 `json:"limit"`
	Offset      int                 `json:"offset"`
}

func (s *Server) handleListPools(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.pools.Status())
}

func (s *Server) handleListInvocations(w http.ResponseWriter, r *http.Request) {
	limit := min(max(parseIntQuery(r, "limit", defaultListLimit), 1), maxListLimit)
	offset := max(parseIntQuery(r, "offset", 0), 0)

	invocations, total, err := s.store.ListInvocations(r.Context(), r.URL.Query().Get("function"), limit, offset)
	if err != nil {
		s.writeFailure(w, r, "list invocations", err)
		return
	}
	if invocations == nil {
		invocations = []*model.Invocation{}
	}

	s.writeJSON(w, http.StatusOK, listInvocationsResponse{
		Invocations: invocations,
		Total:       total,
		Limit:       limit,
		Offset:      offset,
	})
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetInvocationStats(r.Context())
	if err != nil {
		s.writeFailure(w, r, "get stats", err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}
