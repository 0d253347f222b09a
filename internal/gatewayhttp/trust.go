package gatewayhttp

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

type trustStatusResponse struct {
	Active  bool   `json:"active"`
	TrustID string `json:"trust_id,omitempty"`
}

func (s *Server) handleTrustStatus(w http.ResponseWriter, r *http.Request) {
	trustScope := chi.URLParam(r, "trust_scope")
	accountID := chi.URLParam(r, "account_id")

	trustID, active, err := s.trustMgr.ActiveSessionID(r.Context(), trustScope, accountID, time.Now())
	if err != nil {
		writeError(w, r, InternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, trustStatusResponse{Active: active, TrustID: trustID})
}

func (s *Server) handleRevokeTrust(w http.ResponseWriter, r *http.Request) {
	trustID := chi.URLParam(r, "trust_id")
	if err := s.trustMgr.Revoke(r.Context(), trustID); err != nil {
		writeError(w, r, InternalError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
