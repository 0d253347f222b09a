package gatewayhttp

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bgdnvk/bouncer/internal/compliance"
	"github.com/bgdnvk/bouncer/internal/grant"
	"github.com/bgdnvk/bouncer/internal/model"
)

// grantIndex is the cross-grant command index pipeline.GrantLookup needs
// (internal/pipeline: "the grant manager itself does not index by command
// across grants, so the caller owns that index"). It tracks every approved
// session's compiled entries keyed by (source, trust_scope, account_id) and
// is kept in sync by the grant handlers below as sessions are created,
// approved, denied, and revoked.
type grantIndex struct {
	mu         sync.RWMutex
	sessions   map[string]*model.GrantSession
	messageIDs map[string]string // grant_id -> chat message id, for the webhook handler to edit on approve/deny
}

func newGrantIndex() *grantIndex {
	return &grantIndex{sessions: map[string]*model.GrantSession{}, messageIDs: map[string]string{}}
}

func (g *grantIndex) track(session *model.GrantSession) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessions[session.GrantID] = session
}

func (g *grantIndex) setMessageID(grantID, messageID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.messageIDs[grantID] = messageID
}

func (g *grantIndex) messageID(grantID string) string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.messageIDs[grantID]
}

func (g *grantIndex) untrack(grantID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.sessions, grantID)
	delete(g.messageIDs, grantID)
}

// lookup scans every tracked session matching (source, trustScope,
// accountID) for an active, unconsumed entry matching command, returning
// its grant_id on the first hit.
func (g *grantIndex) lookup(source, trustScope, accountID, command string) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	now := time.Now()
	for _, session := range g.sessions {
		if session.Source != source || session.TrustScope != trustScope || session.AccountID != accountID {
			continue
		}
		if !session.Active(now) {
			continue
		}
		for _, entry := range session.Entries {
			if entry.Consumed {
				continue
			}
			compiled, err := grant.CompilePattern(entry.Pattern)
			if err != nil {
				continue
			}
			if compiled.Matches(command) {
				return session.GrantID, true
			}
		}
	}
	return "", false
}

type createGrantRequest struct {
	Commands    []string `json:"commands"`
	Reason      string   `json:"reason"`
	Source      string   `json:"source"`
	TrustScope  string   `json:"trust_scope,omitempty"`
	AccountID   string   `json:"account_id,omitempty"`
	TTLMinutes  int      `json:"ttl_minutes"`
	AllowRepeat bool     `json:"allow_repeat"`
}

func (s *Server) handleCreateGrant(w http.ResponseWriter, r *http.Request) {
	var req createGrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, ParseError, "malformed JSON body")
		return
	}
	if len(req.Commands) == 0 || req.Source == "" {
		writeError(w, r, ParseError, "commands and source are required")
		return
	}

	session, err := s.grantMgr.Request(r.Context(), req.Commands, req.Reason, req.Source, req.TrustScope,
		req.AccountID, req.TTLMinutes, req.AllowRepeat, s.highestComplianceSeverity)
	if err != nil {
		switch {
		case errors.Is(err, grant.ErrContainsBlocked):
			writeBlocked(w, "request contains a blocked command", "remove the blocked command and resubmit")
		case errors.Is(err, grant.ErrContainsCritical):
			writeComplianceRejected(w, "", err.Error())
		case errors.Is(err, grant.ErrTTLTooLong):
			writeError(w, r, ParseError, err.Error())
		default:
			writeError(w, r, ParseError, err.Error())
		}
		return
	}

	record := &model.ApprovalRequest{
		RequestID:      session.GrantID,
		Kind:           model.ActionGrant,
		DisplaySummary: req.Reason,
		Source:         req.Source,
		TrustScope:     req.TrustScope,
		AccountID:      req.AccountID,
		Reason:         req.Reason,
		Status:         model.StatusPending,
		CreatedAt:      session.CreatedAt,
		UpdatedAt:      session.CreatedAt,
		ExpiresAt:      session.CreatedAt.Add(time.Duration(req.TTLMinutes) * time.Minute),
	}
	s.notifyGrant(r.Context(), record)
	s.grantIndex.track(session)
	if record.MessageID != "" {
		s.grantIndex.setMessageID(session.GrantID, record.MessageID)
	}

	writeJSON(w, http.StatusAccepted, session)
}

func (s *Server) highestComplianceSeverity(command string) string {
	outcome := compliance.Check(command, "", s.tables.Compliance)
	for _, finding := range outcome.Findings {
		if finding.Severity == "CRITICAL" {
			return "CRITICAL"
		}
	}
	return ""
}

func (s *Server) handleGetGrant(w http.ResponseWriter, r *http.Request) {
	grantID := chi.URLParam(r, "grant_id")
	session, err := s.grantMgr.Get(r.Context(), grantID)
	if err != nil {
		writeError(w, r, NotFound, "grant not found")
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleExecuteGrant(w http.ResponseWriter, r *http.Request) {
	grantID := chi.URLParam(r, "grant_id")
	var req struct {
		Command string `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, ParseError, "malformed JSON body")
		return
	}

	session, err := s.grantMgr.Execute(r.Context(), grantID, req.Command, time.Now())
	if err != nil {
		switch {
		case errors.Is(err, grant.ErrGrantNotActive):
			writeError(w, r, Conflict, err.Error())
		case errors.Is(err, grant.ErrBudgetExhausted):
			writeError(w, r, Conflict, err.Error())
		case errors.Is(err, grant.ErrCommandNotInGrant), errors.Is(err, grant.ErrEntryAlreadyUsed):
			writeError(w, r, Blocked, err.Error())
		default:
			writeError(w, r, InternalError, err.Error())
		}
		return
	}
	s.grantIndex.track(session)
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleRevokeGrant(w http.ResponseWriter, r *http.Request) {
	grantID := chi.URLParam(r, "grant_id")
	if err := s.grantMgr.Revoke(r.Context(), grantID); err != nil {
		writeError(w, r, InternalError, err.Error())
		return
	}
	s.grantIndex.untrack(grantID)
	w.WriteHeader(http.StatusNoContent)
}
