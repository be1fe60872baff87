package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) ListSettlements(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	items, err := s.Settlements.List(r.Context(), status, queryLimit(r))
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type markFailedReq struct {
	Error string `json:"error"`
}

func (s *Server) MarkSettlementFailed(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "settlementId")
	var req markFailedReq
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Error == "" {
		req.Error = "failed"
	}
	if err := s.Settlements.MarkFailed(r.Context(), id, req.Error); err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
