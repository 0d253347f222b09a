package gatewayhttp

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/bgdnvk/bouncer/internal/model"
	"github.com/bgdnvk/bouncer/internal/pipeline"
	"github.com/bgdnvk/bouncer/internal/store"
)

// submitRequest is the Submit body defines for the command variant.
type submitRequest struct {
	Command        string `json:"command"`
	TemplateJSON   string `json:"template_json,omitempty"`
	Reason         string `json:"reason"`
	Source         string `json:"source"`
	TrustScope     string `json:"trust_scope,omitempty"`
	AccountID      string `json:"account_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// submitResponse is the shape every Submit call returns regardless of which
// status the record landed on.
type submitResponse struct {
	Status         string `json:"status"`
	RequestID      string `json:"request_id"`
	DisplaySummary string `json:"display_summary"`
	ExpiresAt      string `json:"expires_at,omitempty"`
	Result         string `json:"result,omitempty"`
	ExitCode       *int   `json:"exit_code,omitempty"`
	BlockReason    string `json:"block_reason,omitempty"`
	Suggestion     string `json:"suggestion,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, ParseError, "malformed JSON body")
		return
	}
	if req.Command == "" || req.Source == "" {
		writeError(w, r, ParseError, "command and source are required")
		return
	}

	record, err := s.pipeline.Admit(r.Context(), pipeline.AdmitInput{
		Command:        req.Command,
		TemplateJSON:   req.TemplateJSON,
		Reason:         req.Reason,
		Source:         req.Source,
		TrustScope:     req.TrustScope,
		AccountID:      req.AccountID,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		if errors.Is(err, pipeline.ErrParse) {
			writeError(w, r, ParseError, "command failed to tokenize")
			return
		}
		writeError(w, r, InternalError, err.Error())
		return
	}

	writeJSON(w, httpStatusFor(record.Status), submitResponse{
		Status:         statusLabel(record.Status),
		RequestID:      record.RequestID,
		DisplaySummary: record.DisplaySummary,
		ExpiresAt:      record.ExpiresAt.Format(timeFormat),
		Result:         record.Result,
		ExitCode:       record.ExitCode,
		BlockReason:    record.BlockReason,
		Suggestion:     record.BlockSuggestion,
	})
}

const timeFormat = "2006-01-02T15:04:05Z07:00"

// httpStatusFor maps a landed record's Status to the HTTP status Submit
// responds with: pending is a normal 202, every terminal status that isn't
// an error condition is 200, and the handful that mirror a rejection kind
// share ErrorKind's status table.
func httpStatusFor(status model.Status) int {
	switch status {
	case model.StatusPending:
		return http.StatusAccepted
	case model.StatusBlocked:
		return Blocked.httpStatus()
	case model.StatusComplianceRejected:
		return ComplianceRejected.httpStatus()
	case model.StatusRateLimited:
		return RateLimited.httpStatus()
	default:
		return http.StatusOK
	}
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "request_id")
	record, err := s.requests.Get(r.Context(), requestID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, r, NotFound, "request not found")
			return
		}
		writeError(w, r, InternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("source")
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	records, err := s.requests.ListPending(r.Context(), source, limit)
	if err != nil {
		writeError(w, r, InternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, records)
}
