package gatewayhttp

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bgdnvk/bouncer/internal/store"
	"github.com/bgdnvk/bouncer/internal/upload"
)

type presignRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Reason      string `json:"reason"`
	Source      string `json:"source"`
	AccountID   string `json:"account_id,omitempty"`
	ExpiresIn   int    `json:"expires_in"`
}

func (s *Server) handlePresign(w http.ResponseWriter, r *http.Request) {
	var req presignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, ParseError, "malformed JSON body")
		return
	}
	if req.Filename == "" || req.Source == "" {
		writeError(w, r, ParseError, "filename and source are required")
		return
	}

	result, err := s.uploads.RequestPresignedUrl(r.Context(), upload.File{
		Filename:    req.Filename,
		ContentType: req.ContentType,
	}, req.Reason, req.Source, req.AccountID, time.Duration(req.ExpiresIn)*time.Second)
	if err != nil {
		writeUploadError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type presignBatchRequest struct {
	Files     []presignFile `json:"files"`
	Reason    string        `json:"reason"`
	Source    string        `json:"source"`
	AccountID string        `json:"account_id,omitempty"`
	ExpiresIn int           `json:"expires_in"`
}

type presignFile struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
}

func (s *Server) handlePresignBatch(w http.ResponseWriter, r *http.Request) {
	var req presignBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, ParseError, "malformed JSON body")
		return
	}
	if len(req.Files) == 0 || req.Source == "" {
		writeError(w, r, ParseError, "files and source are required")
		return
	}

	files := make([]upload.File, len(req.Files))
	for i, f := range req.Files {
		files[i] = upload.File{Filename: f.Filename, ContentType: f.ContentType}
	}

	result, err := s.uploads.RequestPresignedBatch(r.Context(), files, req.Reason, req.Source, req.AccountID,
		time.Duration(req.ExpiresIn)*time.Second)
	if err != nil {
		writeUploadError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type confirmUploadRequest struct {
	AccountID string   `json:"account_id,omitempty"`
	BatchID   string   `json:"batch_id"`
	Keys      []string `json:"keys"`
}

func (s *Server) handleConfirmUpload(w http.ResponseWriter, r *http.Request) {
	var req confirmUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, ParseError, "malformed JSON body")
		return
	}

	result, err := s.uploads.ConfirmUpload(r.Context(), req.AccountID, req.BatchID, req.Keys)
	if err != nil {
		writeUploadError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeUploadError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, upload.ErrExpiryTooLong), errors.Is(err, upload.ErrTooManyFiles), errors.Is(err, upload.ErrUnknownAccount):
		writeError(w, r, ParseError, err.Error())
	case errors.Is(err, upload.ErrRateLimited):
		writeError(w, r, RateLimited, err.Error())
	default:
		writeError(w, r, InternalError, err.Error())
	}
}

func (s *Server) handleGetPage(w http.ResponseWriter, r *http.Request) {
	pageID := chi.URLParam(r, "page_id")
	content, err := s.pager.Get(r.Context(), pageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, r, NotFound, "page not found")
			return
		}
		writeError(w, r, InternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"page_id": pageID, "content": content})
}
