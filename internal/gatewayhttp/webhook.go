package gatewayhttp

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/bgdnvk/bouncer/internal/dispatcher"
)

// webhookCallback is the body a chat platform's callback relay posts: the
// opaque kind/target pair the dispatcher is the sole parser of. The
// signature itself is already verified by requireCallbackSignature before
// this handler runs.
type webhookCallback struct {
	Kind       dispatcher.Kind `json:"kind"`
	RequestID  string          `json:"request_id,omitempty"`
	TrustID    string          `json:"trust_id,omitempty"`
	GrantID    string          `json:"grant_id,omitempty"`
	ApproverID string          `json:"approver_id"`
}

type webhookResponse struct {
	Toast      string `json:"toast,omitempty"`
	EditedText string `json:"edited_text,omitempty"`
}

// handleWebhookCallback is the single entry point for every approver
// callback kind. rule 6 requires answering the callback exactly once; this
// handler's one JSON response is that answer.
func (s *Server) handleWebhookCallback(w http.ResponseWriter, r *http.Request) {
	var cb webhookCallback
	if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
		writeError(w, r, ParseError, "malformed JSON body")
		return
	}
	if cb.ApproverID == "" {
		writeError(w, r, ParseError, "approver_id is required")
		return
	}

	outcome, err := s.dispatcher.Dispatch(r.Context(), dispatcher.Event{
		Kind:       cb.Kind,
		RequestID:  cb.RequestID,
		TrustID:    cb.TrustID,
		GrantID:    cb.GrantID,
		ApproverID: cb.ApproverID,
	})
	if err != nil {
		writeError(w, r, InternalError, err.Error())
		return
	}

	s.refreshGrantIndex(r.Context(), cb)
	s.editGrantMessage(r.Context(), cb, outcome.EditedText)

	writeJSON(w, http.StatusOK, webhookResponse{Toast: outcome.Toast, EditedText: outcome.EditedText})
}

// refreshGrantIndex re-reads a dispatched grant's state so the lookup index
// pipeline.GrantLookup depends on reflects an approve/deny/revoke the
// dispatcher just applied directly against the grant store.
func (s *Server) refreshGrantIndex(ctx context.Context, cb webhookCallback) {
	if cb.GrantID == "" {
		return
	}
	session, err := s.grantMgr.Get(ctx, cb.GrantID)
	if err != nil {
		return
	}
	s.grantIndex.track(session)
}

// editGrantMessage applies a grant-kind outcome's edited text to the chat
// message gatewayhttp tracked when the grant was created, since
// dispatcher.Dispatch has no message id to edit for a GrantSession (unlike
// a plain ApprovalRequest, which carries its own MessageID field).
func (s *Server) editGrantMessage(ctx context.Context, cb webhookCallback, editedText string) {
	if cb.GrantID == "" || editedText == "" || s.notify == nil {
		return
	}
	messageID := s.grantIndex.messageID(cb.GrantID)
	if messageID == "" {
		return
	}
	_ = s.notify.Edit(ctx, messageID, editedText)
}
