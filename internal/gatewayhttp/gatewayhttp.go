// Package gatewayhttp is the agent-facing and approver-callback-facing HTTP
// surface. It is a thin chi router translating requests into pipeline.Admit
// / upload.Service / grant.Manager / trust.Manager / dispatcher.Dispatcher
// calls and back into JSON. Middleware order is RequestID, RealIP, a request
// logger, then Recoverer; routes are grouped by which secret gates them.
package gatewayhttp

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/bgdnvk/bouncer/internal/deployorch"
	"github.com/bgdnvk/bouncer/internal/dispatcher"
	"github.com/bgdnvk/bouncer/internal/grant"
	"github.com/bgdnvk/bouncer/internal/model"
	"github.com/bgdnvk/bouncer/internal/notifier"
	"github.com/bgdnvk/bouncer/internal/paging"
	"github.com/bgdnvk/bouncer/internal/pipeline"
	"github.com/bgdnvk/bouncer/internal/rules"
	"github.com/bgdnvk/bouncer/internal/store"
	"github.com/bgdnvk/bouncer/internal/trust"
	"github.com/bgdnvk/bouncer/internal/upload"
)

// Server holds every collaborator a handler needs. It has no behavior of
// its own beyond wiring: every real decision is made by the package it
// delegates to.
type Server struct {
	pipeline   *pipeline.Pipeline
	uploads    *upload.Service
	pager      *paging.Pager
	grantMgr   *grant.Manager
	grantIndex *grantIndex
	trustMgr   *trust.Manager
	dispatcher *dispatcher.Dispatcher
	requests   store.RequestStore
	accounts   store.AccountStore
	tables     *rules.Tables
	notify     notifier.Notifier // optional; nil disables direct notifications (grant/account/deploy prompts)
	deployOrch *deployorch.Orchestrator

	requestSecret  string
	callbackSecret string

	log zerolog.Logger
}

// Config is every non-collaborator knob Routes' middleware needs.
type Config struct {
	RequestSecret  string
	CallbackSecret string
}

func New(
	p *pipeline.Pipeline,
	uploads *upload.Service,
	pager *paging.Pager,
	grantMgr *grant.Manager,
	trustMgr *trust.Manager,
	d *dispatcher.Dispatcher,
	requests store.RequestStore,
	accounts store.AccountStore,
	tables *rules.Tables,
	n notifier.Notifier,
	deployOrch *deployorch.Orchestrator,
	log zerolog.Logger,
	cfg Config,
) *Server {
	return &Server{
		pipeline:       p,
		uploads:        uploads,
		pager:          pager,
		grantMgr:       grantMgr,
		grantIndex:     newGrantIndex(),
		trustMgr:       trustMgr,
		dispatcher:     d,
		requests:       requests,
		accounts:       accounts,
		tables:         tables,
		notify:         n,
		deployOrch:     deployOrch,
		requestSecret:  cfg.RequestSecret,
		callbackSecret: cfg.CallbackSecret,
		log:            log,
	}
}

// GrantLookup is the pipeline.GrantLookup this server owns, per
// internal/pipeline's doc comment ("the grant manager itself does not
// index by command across grants, so the caller owns that index").
func (s *Server) GrantLookup(ctx context.Context, source, trustScope, accountID, command string) (string, bool) {
	return s.grantIndex.lookup(source, trustScope, accountID, command)
}

// Routes builds the full router: unauthenticated health check, request-
// secret-authenticated agent routes, and callback-secret-authenticated
// webhook route.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.requireRequestSecret)

		r.Post("/v1/submit", s.handleSubmit)
		r.Get("/v1/requests/{request_id}", s.handleGetRequest)
		r.Get("/v1/requests", s.handleListPending)

		r.Post("/v1/uploads/presign", s.handlePresign)
		r.Post("/v1/uploads/presign-batch", s.handlePresignBatch)
		r.Post("/v1/uploads/confirm", s.handleConfirmUpload)

		r.Get("/v1/pages/{page_id}", s.handleGetPage)

		r.Post("/v1/grants", s.handleCreateGrant)
		r.Post("/v1/grants/{grant_id}/execute", s.handleExecuteGrant)
		r.Get("/v1/grants/{grant_id}", s.handleGetGrant)
		r.Post("/v1/grants/{grant_id}/revoke", s.handleRevokeGrant)

		r.Get("/v1/trust/{trust_scope}/{account_id}", s.handleTrustStatus)
		r.Post("/v1/trust/{trust_id}/revoke", s.handleRevokeTrust)

		r.Post("/v1/accounts", s.handleAddAccount)
		r.Delete("/v1/accounts/{account_id}", s.handleRemoveAccount)
		r.Get("/v1/accounts", s.handleListAccounts)
		r.Get("/v1/safelist", s.handleListSafelist)

		r.Post("/v1/deploy", s.handleDeploy)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireCallbackSignature)
		r.Post("/v1/webhook/callback", s.handleWebhookCallback)
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// requestLogger emits one structured line per request: method, path,
// status, and latency, the HTTP-layer counterpart to an admission decision
// log line.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("latency", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

// requireRequestSecret enforces the agent-facing bearer auth check.
func (s *Server) requireRequestSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header || !constantTimeEqual(token, s.requestSecret) {
			writeError(w, r, AuthError, "missing or invalid request secret")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireCallbackSignature verifies the X-Bouncer-Signature HMAC header
// notifier callbacks carry, using idgen's derived-key signer on the raw
// body.
func (s *Server) requireCallbackSignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig := r.Header.Get("X-Bouncer-Signature")
		if sig == "" {
			writeError(w, r, AuthError, "missing callback signature")
			return
		}
		body, err := readAndRestoreBody(r)
		if err != nil {
			writeError(w, r, ParseError, "could not read request body")
			return
		}
		key := signatureKey(s.callbackSecret)
		if !verifySignature(key, body, sig) {
			writeError(w, r, AuthError, "invalid callback signature")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// statusLabel maps an internal model.Status to the response's status string;
// identical today, kept as an indirection point since enumerates response
// statuses as its own closed set.
func statusLabel(status model.Status) string {
	return string(status)
}
