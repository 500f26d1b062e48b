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

package api

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/hubactions/actioncore/internal/core/audit"
	"github.com/hubactions/actioncore/internal/core/cryptox"
	"github.com/hubactions/actioncore/internal/core/dispatch"
	"github.com/hubactions/actioncore/internal/core/formula"
	"github.com/hubactions/actioncore/internal/core/retry"
	"github.com/hubactions/actioncore/internal/core/sandbox"
	"github.com/hubactions/actioncore/internal/core/store"
	"github.com/hubactions/actioncore/internal/core/webhook"
)

// NewWebhookHandler adapts webhook.Executor to dispatch.Handler, reading
// the webhook-specific fields out of the envelope's inputFields.
func NewWebhookHandler(executor *webhook.Executor) dispatch.Handler {
	return func(ctx context.Context, env dispatch.Envelope, tenant *store.Tenant) dispatch.ActionResult {
		f := env.InputFields

		req := webhook.Request{
			Method:         stringField(f, "method", "POST"),
			URL:            stringField(f, "url", ""),
			Body:           stringField(f, "body", ""),
			Headers:        stringMapField(f, "headers"),
			RetryOnFailure: boolField(f, "retryOnFailure", false),
			RetryConfig:    retry.DefaultConfig(),
			Timeout:        time.Duration(intField(f, "timeoutMs", 30000)) * time.Millisecond,
		}

		inputs := stringSliceField(f, "inputs")

		result, err := executor.Execute(ctx, req, env.Object.Properties, inputs)
		if err != nil {
			return dispatch.ActionResult{Kind: dispatch.ResultInternal, Err: err}
		}

		kind := dispatch.ResultSuccess
		if !result.Success {
			kind = dispatch.ResultUserError
		}

		return dispatch.ActionResult{
			Kind: kind,
			Outputs: map[string]any{
				"status_code":  result.StatusCode,
				"retries_used": result.RetriesUsed,
			},
			Err:              errorFromMessage(result.Error),
			RequestSnapshot:  result.RequestSnapshot,
			ResponseSnapshot: result.ResponseSnapshot,
			Attempts:         result.Attempts,
		}
	}
}

// NewCodeHandler adapts the sandbox Code Executor to dispatch.Handler,
// looking up the snippet by callback id, resolving only the secrets the
// source textually references, and bulk-incrementing their usage counters.
func NewCodeHandler(repo *store.Repo, cipher *cryptox.Cipher, auditLog *audit.Logger, log *slog.Logger) dispatch.Handler {
	return func(ctx context.Context, env dispatch.Envelope, tenant *store.Tenant) dispatch.ActionResult {
		snippet, err := repo.GetSnippetByCallbackID(ctx, tenant.ID, env.CallbackID)
		if err != nil {
			return dispatch.ActionResult{Kind: dispatch.ResultUserError, Err: fmt.Errorf("snippet not found")}
		}

		referenced := sandbox.ReferencedSecrets(snippet.Source)
		secrets, secretIDs, err := resolveSecrets(ctx, repo, cipher, auditLog, tenant.ID, env.CallbackID, referenced)
		if err != nil {
			return dispatch.ActionResult{Kind: dispatch.ResultInternal, Err: err}
		}

		if len(secretIDs) > 0 {
			if err := repo.IncrementSecretUsageBulk(ctx, secretIDs); err != nil {
				log.Warn("secret usage bulk increment failed", "error", err, "tenant_id", tenant.ID)
			}
		}
		if err := repo.IncrementSnippetUsage(ctx, snippet.ID); err != nil {
			log.Warn("snippet usage increment failed", "error", err, "snippet_id", snippet.ID)
		}

		deadline, ok := ctx.Deadline()
		deadlineMS := int64(30000)
		if ok {
			deadlineMS = time.Until(deadline).Milliseconds()
		}

		inputs := map[string]any{}
		if v, ok := env.InputFields["inputs"].(map[string]any); ok {
			inputs = v
		}

		result := sandbox.Execute(ctx, sandbox.Job{
			Source:     snippet.Source,
			Inputs:     inputs,
			Secrets:    secrets,
			Context:    map[string]any{"workflowId": env.Context.WorkflowID, "objectId": env.Object.ObjectID},
			DeadlineMS: deadlineMS,
		})

		outputs := map[string]any{}
		for k, v := range result.Outputs {
			outputs[k] = v
		}

		switch result.Status {
		case sandbox.StatusSuccess:
			return dispatch.ActionResult{Kind: dispatch.ResultSuccess, Outputs: outputs}
		case sandbox.StatusTimeout:
			return dispatch.ActionResult{Kind: dispatch.ResultTimeout, Outputs: outputs, Err: fmt.Errorf("%s", result.Error)}
		default:
			return dispatch.ActionResult{Kind: dispatch.ResultUserError, Outputs: outputs, Err: fmt.Errorf("%s", result.Error)}
		}
	}
}

// NewFormatHandler adapts the Formula Evaluator to dispatch.Handler.
func NewFormatHandler() dispatch.Handler {
	return func(ctx context.Context, env dispatch.Envelope, tenant *store.Tenant) dispatch.ActionResult {
		f := env.InputFields
		formulaStr := stringField(f, "formula", "")
		inputs := stringSliceField(f, "inputs")

		result, err := formula.Evaluate(formulaStr, env.Object.Properties, inputs)
		if err != nil {
			return dispatch.ActionResult{Kind: dispatch.ResultUserError, Err: err}
		}

		outputs := map[string]any{"result": result}
		if n, err := strconv.ParseFloat(result, 64); err == nil {
			outputs["result_number"] = n
		} else {
			outputs["result_number"] = nil
		}

		return dispatch.ActionResult{Kind: dispatch.ResultSuccess, Outputs: outputs}
	}
}

func resolveSecrets(ctx context.Context, repo *store.Repo, cipher *cryptox.Cipher, auditLog *audit.Logger, tenantID uuid.UUID, callbackID string, names []string) (map[string]string, []uuid.UUID, error) {
	if len(names) == 0 {
		return nil, nil, nil
	}
	records, err := repo.GetSecretsByName(ctx, tenantID, names)
	if err != nil {
		return nil, nil, err
	}
	secrets := make(map[string]string, len(records))
	ids := make([]uuid.UUID, len(records))
	for i, rec := range records {
		plaintext, err := cipher.Decrypt(cryptox.Sealed{Ciphertext: rec.Ciphertext, Nonce: rec.Nonce, Tag: rec.Tag})
		if auditLog != nil {
			auditLog.LogSecretAccess(tenantID, rec.Name, callbackID, err)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("decrypt secret %q: %w", rec.Name, err)
		}
		secrets[rec.Name] = string(plaintext)
		ids[i] = rec.ID
	}
	return secrets, ids, nil
}

func errorFromMessage(msg string) error {
	if msg == "" {
		return nil
	}
	return fmt.Errorf("%s", msg)
}

func stringField(m map[string]any, key, def string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return def
}

func boolField(m map[string]any, key string, def bool) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return def
}

func intField(m map[string]any, key string, def int64) int64 {
	switch v := m[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return def
}

func stringMapField(m map[string]any, key string) map[string]string {
	raw, ok := m[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func stringSliceField(m map[string]any, key string) []string {
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, len(raw))
	for i, v := range raw {
		if s, ok := v.(string); ok {
			out[i] = s
		}
	}
	return out
}
