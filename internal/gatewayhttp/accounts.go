package gatewayhttp

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bgdnvk/bouncer/internal/idgen"
	"github.com/bgdnvk/bouncer/internal/model"
	"github.com/bgdnvk/bouncer/internal/notifier"
)

const accountChangeTTL = 15 * time.Minute

type addAccountRequest struct {
	Reason  string        `json:"reason"`
	Source  string        `json:"source"`
	Account model.Account `json:"account"`
}

// handleAddAccount never mutates the account store directly: routes
// account_add through the same approve/deny callback kinds as any other
// privileged action, so it only parks a pending ApprovalRequest the
// dispatcher's account-mutation path (Kind ActionAddAccount) later applies.
func (s *Server) handleAddAccount(w http.ResponseWriter, r *http.Request) {
	var req addAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, ParseError, "malformed JSON body")
		return
	}
	if req.Account.AccountID == "" || req.Source == "" {
		writeError(w, r, ParseError, "account.account_id and source are required")
		return
	}

	now := time.Now()
	record := &model.ApprovalRequest{
		RequestID:      idgen.RequestID(),
		Kind:           model.ActionAddAccount,
		AccountSpec:    &req.Account,
		DisplaySummary: "add account " + req.Account.AccountID,
		Source:         req.Source,
		AccountID:      req.Account.AccountID,
		Reason:         req.Reason,
		Status:         model.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(accountChangeTTL),
		TTL:            accountChangeTTL,
	}
	s.notifyPending(r.Context(), record, notifier.ButtonsStandard)
	if err := s.requests.Put(r.Context(), record); err != nil {
		writeError(w, r, InternalError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{
		Status:         statusLabel(record.Status),
		RequestID:      record.RequestID,
		DisplaySummary: record.DisplaySummary,
		ExpiresAt:      record.ExpiresAt.Format(timeFormat),
	})
}

type removeAccountRequest struct {
	Reason string `json:"reason"`
	Source string `json:"source"`
}

func (s *Server) handleRemoveAccount(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "account_id")
	var req removeAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, ParseError, "malformed JSON body")
		return
	}
	if accountID == "" || req.Source == "" {
		writeError(w, r, ParseError, "account_id and source are required")
		return
	}

	now := time.Now()
	record := &model.ApprovalRequest{
		RequestID:      idgen.RequestID(),
		Kind:           model.ActionRemoveAccount,
		DisplaySummary: "remove account " + accountID,
		Source:         req.Source,
		AccountID:      accountID,
		Reason:         req.Reason,
		Status:         model.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(accountChangeTTL),
		TTL:            accountChangeTTL,
	}
	s.notifyPending(r.Context(), record, notifier.ButtonsStandard)
	if err := s.requests.Put(r.Context(), record); err != nil {
		writeError(w, r, InternalError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{
		Status:         statusLabel(record.Status),
		RequestID:      record.RequestID,
		DisplaySummary: record.DisplaySummary,
		ExpiresAt:      record.ExpiresAt.Format(timeFormat),
	})
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.accounts.ListAccounts(r.Context())
	if err != nil {
		writeError(w, r, InternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, accounts)
}

func (s *Server) handleListSafelist(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"prefixes": s.tables.Safelist.Prefixes})
}
