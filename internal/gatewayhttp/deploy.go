package gatewayhttp

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/bgdnvk/bouncer/internal/deployorch"
	"github.com/bgdnvk/bouncer/internal/idgen"
	"github.com/bgdnvk/bouncer/internal/model"
	"github.com/bgdnvk/bouncer/internal/notifier"
)

const deployTTL = 15 * time.Minute

type deployRequest struct {
	ProjectID string `json:"project_id"`
	Reason    string `json:"reason"`
	Source    string `json:"source"`
	Branch    string `json:"branch,omitempty"`
}

// handleDeploy resolves the commit a deploy would ship (or reports a
// conflict if one is already running for the project) and, on a clean
// resolve, parks a pending ApprovalRequest the dispatcher's deploy hook
// later triggers.
func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	if s.deployOrch == nil {
		writeError(w, r, InternalError, "deploy orchestrator not configured")
		return
	}

	var req deployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, ParseError, "malformed JSON body")
		return
	}
	if req.ProjectID == "" || req.Source == "" {
		writeError(w, r, ParseError, "project_id and source are required")
		return
	}

	result, err := s.deployOrch.Resolve(r.Context(), req.ProjectID, req.Branch)
	if err != nil {
		writeError(w, r, InternalError, err.Error())
		return
	}
	if result.Status == deployorch.StatusConflict {
		writeJSON(w, http.StatusConflict, result)
		return
	}

	now := time.Now()
	record := &model.ApprovalRequest{
		RequestID:      idgen.RequestID(),
		Kind:           model.ActionDeploy,
		ProjectID:      req.ProjectID,
		DisplaySummary: "deploy " + req.ProjectID + "@" + result.CommitShort,
		Source:         req.Source,
		Reason:         req.Reason,
		Status:         model.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(deployTTL),
		TTL:            deployTTL,
	}
	s.notifyPending(r.Context(), record, notifier.ButtonsStandard)
	if err := s.requests.Put(r.Context(), record); err != nil {
		writeError(w, r, InternalError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, struct {
		*deployorch.Result
		RequestID string `json:"request_id"`
	}{Result: result, RequestID: record.RequestID})
}
