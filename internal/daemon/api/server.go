// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api exposes the inbound HTTP surface (spec §6.1):
// POST /v1/actions/{webhook,code,format}, plus health/readiness.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/hubactions/actioncore/internal/core/cryptox"
	"github.com/hubactions/actioncore/internal/core/dispatch"
	"github.com/hubactions/actioncore/internal/core/ratelimit"
	"github.com/hubactions/actioncore/internal/core/signature"
	"github.com/hubactions/actioncore/internal/core/store"
	"github.com/hubactions/actioncore/internal/daemon/httputil"
	corelog "github.com/hubactions/actioncore/internal/log"
)

const maxRequestBodyBytes = 5 * 1024 * 1024

// Server wires the chi router to the dispatcher and action handlers.
type Server struct {
	dispatcher    *dispatch.Dispatcher
	repo          *store.Repo
	limiter       *ratelimit.Pool
	cipher        *cryptox.Cipher
	log           *slog.Logger
	publicBaseURL string
	environment   string
	devBypass     bool
	readyFn       func() error

	webhookHandler dispatch.Handler
	codeHandler    dispatch.Handler
	formatHandler  dispatch.Handler
}

// New builds a Server. The three handlers are injected so this package
// never imports the action-specific packages directly — it only knows the
// dispatch.Handler shape. environment/devBypass gate the development-only
// missing-signature bypass (spec §4.1): both must be set for a request with
// no signature header to be let through.
func New(d *dispatch.Dispatcher, repo *store.Repo, limiter *ratelimit.Pool, cipher *cryptox.Cipher, log *slog.Logger, publicBaseURL, environment string, devBypass bool, readyFn func() error,
	webhookHandler, codeHandler, formatHandler dispatch.Handler) *Server {
	return &Server{
		dispatcher: d, repo: repo, limiter: limiter, cipher: cipher, log: log, publicBaseURL: publicBaseURL,
		environment: environment, devBypass: devBypass, readyFn: readyFn,
		webhookHandler: webhookHandler, codeHandler: codeHandler, formatHandler: formatHandler,
	}
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	r.Route("/v1/actions", func(r chi.Router) {
		r.Post("/webhook", s.handleAction(dispatch.ActionWebhook, s.webhookHandler))
		r.Post("/code", s.handleAction(dispatch.ActionCode, s.codeHandler))
		r.Post("/format", s.handleAction(dispatch.ActionFormat, s.formatHandler))
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.readyFn != nil {
		if err := s.readyFn(); err != nil {
			httputil.WriteError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// handleAction wraps a dispatch.Handler with the signature-verification and
// raw-body-tee step required by spec §4.1/§6.1: the body must be read once,
// verified against the exact bytes that were sent, and then handed
// unmodified to JSON decoding.
func (s *Server) handleAction(actionType dispatch.ActionType, handler dispatch.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
		if err != nil {
			httputil.WriteJSON(w, http.StatusOK, dispatch.ErrorResponse(s.dispatcher.Prefix(), "failed to read request body"))
			return
		}

		fullURI := s.publicBaseURL + r.URL.RequestURI()
		sigReq := signature.Request{
			Method:    r.Method,
			FullURI:   fullURI,
			Body:      body,
			Version:   r.Header.Get("X-Hubspot-Signature-Version"),
			Signature: r.Header.Get("X-Hubspot-Signature"),
			Timestamp: r.Header.Get("X-Hubspot-Request-Timestamp"),
		}

		tenantID, clientSecret, err := s.tenantForRequest(r.Context(), body)
		if err != nil {
			httputil.WriteJSON(w, http.StatusOK, dispatch.ErrorResponse(s.dispatcher.Prefix(), "tenant not found or inactive"))
			return
		}

		reqLog := corelog.WithRequestID(corelog.WithComponent(s.log, string(actionType)), chimw.GetReqID(r.Context()))

		if err := signature.Verify(sigReq, clientSecret, time.Now()); err != nil {
			bypassed := errors.Is(err, signature.ErrMissingSignature) && signature.DevBypassAllowed(s.devBypass, s.environment)
			if !bypassed {
				reqLog.Warn("signature verification failed", "error", err)
				// Authentication failure is the one HTTP-level error the core
				// exposes (spec §4.1, §7): HTTP 401, no outputFields -- never
				// downgraded to the always-200 contract the other error kinds use.
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			reqLog.Warn("signature missing, allowed by development bypass", "environment", s.environment)
		}

		if s.limiter != nil && !s.limiter.Allow(tenantID) {
			httputil.WriteJSON(w, http.StatusOK, dispatch.ErrorResponse(s.dispatcher.Prefix(), "per-tenant rate limit exceeded"))
			return
		}

		resp := s.dispatcher.Dispatch(r.Context(), actionType, body, requestedTimeout(body), handler)
		httputil.WriteJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) tenantForRequest(ctx context.Context, body []byte) (uuid.UUID, string, error) {
	var peek struct {
		Origin struct {
			PortalID int64 `json:"portalId"`
		} `json:"origin"`
	}
	if err := json.Unmarshal(body, &peek); err != nil {
		return uuid.Nil, "", err
	}
	tenant, err := s.repo.GetTenantByPortalID(ctx, peek.Origin.PortalID)
	if err != nil {
		return uuid.Nil, "", err
	}
	if !tenant.Active {
		return uuid.Nil, "", fmt.Errorf("tenant suspended")
	}
	plaintext, err := s.cipher.Decrypt(cryptox.Sealed{
		Ciphertext: tenant.ClientSecretCiphertext,
		Nonce:      tenant.ClientSecretNonce,
		Tag:        tenant.ClientSecretTag,
	})
	if err != nil {
		return uuid.Nil, "", err
	}
	return tenant.ID, string(plaintext), nil
}

// requestedTimeout peeks inputFields.timeoutMs out of the raw envelope body
// without fully decoding it, so the dispatcher can honor spec §4.2/§5's
// "min(input-specified, tenant-cap)" deadline derivation instead of always
// running at the tenant cap. A missing or non-positive value defers to the
// tenant cap (dispatch.effectiveTimeout's zero-value behavior).
func requestedTimeout(body []byte) time.Duration {
	var peek struct {
		InputFields map[string]any `json:"inputFields"`
	}
	if err := json.Unmarshal(body, &peek); err != nil {
		return 0
	}
	ms := intField(peek.InputFields, "timeoutMs", 0)
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
