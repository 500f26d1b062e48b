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

// Package dispatch implements the always-200 dispatcher contract (spec
// §4.2, §6.1): envelope parsing, tenant resolution, effective-timeout
// derivation, action routing, and output-field shaping.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	coreerrors "github.com/hubactions/actioncore/internal/core/errors"
	"github.com/hubactions/actioncore/internal/core/recorder"
	"github.com/hubactions/actioncore/internal/core/store"
	"github.com/hubactions/actioncore/internal/daemon/metrics"
)

// ActionType is one of the three inbound action kinds (spec §6.1).
type ActionType string

const (
	ActionWebhook ActionType = "webhook"
	ActionCode    ActionType = "code"
	ActionFormat  ActionType = "format"
)

// Envelope is the inbound request body, common to all three action types.
type Envelope struct {
	CallbackID string `json:"callbackId"`
	Origin     struct {
		PortalID int64 `json:"portalId"`
	} `json:"origin"`
	Context struct {
		WorkflowID string `json:"workflowId"`
	} `json:"context"`
	Object struct {
		ObjectType string         `json:"objectType"`
		ObjectID   string         `json:"objectId"`
		Properties map[string]any `json:"properties"`
	} `json:"object"`
	InputFields map[string]any `json:"inputFields"`
}

// Response is always marshaled with HTTP 200 (spec §6.1): handler errors
// never become a non-2xx status, they become an outputFields entry.
type Response struct {
	OutputFields map[string]any `json:"outputFields"`
}

// ActionResult is the outcome an action-specific handler hands back to the
// dispatcher for shaping into output fields.
type ActionResult struct {
	Kind             ResultKind
	Outputs          map[string]any
	Err              error
	RequestSnapshot  string
	ResponseSnapshot string
	Attempts         any
}

type ResultKind string

const (
	ResultSuccess   ResultKind = "success"
	ResultUserError ResultKind = "user_error"
	ResultTimeout   ResultKind = "timeout"
	ResultInternal  ResultKind = "internal"
)

// Handler runs one action type against a resolved envelope and deadline.
type Handler func(ctx context.Context, env Envelope, tenant *store.Tenant) ActionResult

// Dispatcher ties tenant resolution, deadline derivation, handler
// invocation, output shaping, and best-effort recording into the fixed
// sequence spec §5 mandates: "verify → dispatch → template → SSRF-guard →
// attempt-loop → record".
type Dispatcher struct {
	repo              *store.Repo
	recorder          *recorder.Recorder
	log               *slog.Logger
	outputFieldPrefix string
	defaultTimeout    time.Duration
}

func New(repo *store.Repo, rec *recorder.Recorder, log *slog.Logger, outputFieldPrefix string, defaultTimeout time.Duration) *Dispatcher {
	return &Dispatcher{repo: repo, recorder: rec, log: log, outputFieldPrefix: outputFieldPrefix, defaultTimeout: defaultTimeout}
}

// Prefix exposes the configured outputFields prefix so the HTTP layer can
// shape its own pre-dispatch error responses (body read failures, tenant
// lookups ahead of signature verification) consistently with every
// handler-produced response.
func (d *Dispatcher) Prefix() string {
	return d.outputFieldPrefix
}

// ErrorResponse shapes a sanitized message into the always-200 envelope
// outside of a full Dispatch call, for failures the HTTP layer detects
// before a handler ever runs.
func ErrorResponse(prefix, message string) Response {
	return errorResponse(prefix, message)
}

// Dispatch resolves the tenant, derives the effective deadline, invokes
// handler, and shapes the result into the always-200 Response.
func (d *Dispatcher) Dispatch(ctx context.Context, actionType ActionType, body []byte, requestedTimeout time.Duration, handler Handler) Response {
	start := time.Now()

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return errorResponse(d.outputFieldPrefix, coreerrors.Sanitize("malformed envelope: "+err.Error()))
	}

	tenant, err := d.repo.GetTenantByPortalID(ctx, env.Origin.PortalID)
	if err != nil {
		return errorResponse(d.outputFieldPrefix, "tenant not found or inactive")
	}
	if !tenant.Active {
		return errorResponse(d.outputFieldPrefix, "tenant not found or inactive")
	}

	go d.touchActivity(tenant.ID)

	deadline := d.effectiveTimeout(requestedTimeout, tenantCapMS(tenant, actionType))
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	result := handler(runCtx, env, tenant)
	duration := time.Since(start)

	metrics.RecordAction(ctx, string(actionType), result.Kind == ResultSuccess, duration)

	outputs := shapeOutputs(d.outputFieldPrefix, actionType, result)

	if d.recorder != nil {
		d.recorder.Record(context.WithoutCancel(ctx), recorder.Invocation{
			TenantID:         tenant.ID,
			WorkflowID:       env.Context.WorkflowID,
			CallbackID:       env.CallbackID,
			ActionType:       string(actionType),
			Status:           recordedStatus(result.Kind),
			Success:          result.Kind == ResultSuccess,
			Duration:         duration,
			Error:            errString(result.Err),
			RequestSnapshot:  result.RequestSnapshot,
			ResponseSnapshot: result.ResponseSnapshot,
			Attempts:         result.Attempts,
		})
	}

	return Response{OutputFields: outputs}
}

// effectiveTimeout implements spec §5's "deadline = min(tenant-cap,
// input-requested)".
func (d *Dispatcher) effectiveTimeout(requested time.Duration, tenantCapMS int64) time.Duration {
	capDur := time.Duration(tenantCapMS) * time.Millisecond
	if capDur <= 0 {
		capDur = d.defaultTimeout
	}
	if requested <= 0 || requested > capDur {
		return capDur
	}
	return requested
}

// tenantCapMS selects the per-action-type cap spec §3's data model names
// ("per-tenant caps {webhook-timeout, code-timeout, ...}"): a tenant can run
// a tight webhook timeout alongside a looser code timeout. The format
// action has no configurable cap of its own — it falls through to
// effectiveTimeout's zero-value handling, which applies the dispatcher's
// default instead.
func tenantCapMS(tenant *store.Tenant, actionType ActionType) int64 {
	switch actionType {
	case ActionWebhook:
		return tenant.WebhookTimeoutCapMS
	case ActionCode:
		return tenant.CodeTimeoutCapMS
	default:
		return 0
	}
}

func (d *Dispatcher) touchActivity(tenantID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.repo.TouchLastActivity(ctx, tenantID, time.Now().UTC()); err != nil {
		d.log.Debug("last-activity touch failed", "error", err, "tenant_id", tenantID)
	}
}

func shapeOutputs(prefix string, actionType ActionType, result ActionResult) map[string]any {
	out := map[string]any{}
	success := result.Kind == ResultSuccess

	out[prefix+"_success"] = success
	if result.Err != nil {
		out[prefix+"_error"] = coreerrors.SanitizeErr(result.Err)
	} else {
		out[prefix+"_error"] = ""
	}

	// Per spec §6.1, the webhook action's remaining fields are also
	// prefixed (<prefix>_status_code, <prefix>_retries_used); code and
	// format actions expose their remaining fields under the names the
	// author/script chose (code) or the fixed result/result_number (format).
	for k, v := range result.Outputs {
		if actionType == ActionWebhook {
			out[prefix+"_"+k] = v
		} else {
			out[k] = v
		}
	}

	return out
}

func errorResponse(prefix, message string) Response {
	return Response{OutputFields: map[string]any{
		prefix + "_success": false,
		prefix + "_error":   message,
	}}
}

// recordedStatus maps a handler's result variant onto the Execution Record's
// status field (spec §3: "status {success, error, timeout}"). Internal
// failures are recorded as errors too — the distinction between "user code
// errored" and "storage errored" lives in the error string, not the status.
func recordedStatus(kind ResultKind) string {
	switch kind {
	case ResultSuccess:
		return "success"
	case ResultTimeout:
		return "timeout"
	default:
		return "error"
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return coreerrors.SanitizeErr(err)
}
