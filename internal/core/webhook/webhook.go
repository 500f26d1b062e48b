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

// Package webhook implements the Webhook Executor (spec §4.3): template
// substitution, SSRF-guarded outbound HTTP, and response shaping.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	coreerrors "github.com/hubactions/actioncore/internal/core/errors"
	"github.com/hubactions/actioncore/internal/core/retry"
	"github.com/hubactions/actioncore/internal/core/ssrf"
	"github.com/hubactions/actioncore/internal/core/webhook/template"
	"github.com/hubactions/actioncore/internal/daemon/metrics"
)

const (
	serviceUserAgent        = "hubactions-core/1.0"
	maxResponseCaptureBytes = 100 * 1024
	maxAuditSnapshotBytes   = 10 * 1024
	maxOutputFieldBytes     = 500
)

// Request is everything the Dispatcher has already resolved for this
// webhook action invocation.
type Request struct {
	Method         string
	URL            string
	Headers        map[string]string
	Body           string // already template-substituted
	RetryOnFailure bool
	RetryConfig    retry.Config
	Timeout        time.Duration
}

// AttemptSnapshot is the audit-record-facing view of a single attempt.
type AttemptSnapshot struct {
	Index      int
	StatusCode int
	Duration   time.Duration
	Error      string
}

// Result is what the dispatcher turns into outputFields and an Execution
// Record.
type Result struct {
	Success         bool
	StatusCode      int
	RetriesUsed     int
	Error           string
	Attempts        []AttemptSnapshot
	RequestSnapshot string // truncated, redacted — for the audit record
	ResponseSnapshot string
}

var authHeaderNames = map[string]struct{}{
	"authorization": {}, "x-api-key": {}, "x-auth-token": {}, "proxy-authorization": {},
}

// Executor performs outbound webhook calls behind the SSRF guard and retry
// engine.
type Executor struct {
	guard *ssrf.Guard
}

// New builds an Executor using guard for every outbound URL.
func New(guard *ssrf.Guard) *Executor {
	return &Executor{guard: guard}
}

// Execute substitutes placeholders, validates the URL once, and runs the
// attempt loop. The deadline carried by ctx bounds DNS resolution, every
// attempt, and every backoff sleep (spec §5).
func (e *Executor) Execute(ctx context.Context, req Request, properties map[string]any, inputs []string) (Result, error) {
	url := template.Substitute(req.URL, properties, inputs)
	body := template.Substitute(req.Body, properties, inputs)
	headers := make(map[string]string, len(req.Headers))
	for k, v := range req.Headers {
		headers[k] = template.Substitute(v, properties, inputs)
	}

	pinned, err := e.guard.Validate(ctx, url)
	if err != nil {
		metrics.RecordSSRFRejection(ctx, coreerrors.Sanitize(err.Error()))
		return Result{Success: false, Error: coreerrors.SanitizeErr(err)}, coreerrors.Wrap(coreerrors.KindSSRF, err, "ssrf validation failed")
	}

	method := strings.ToUpper(req.Method)
	assembled, err := assembleRequest(method, url, body, headers)
	if err != nil {
		return Result{Success: false, Error: coreerrors.SanitizeErr(err)}, coreerrors.Wrap(coreerrors.KindValidation, err, "request assembly failed")
	}

	client := newPinnedClient(e.guard, pinned, req.Timeout)

	cfg := req.RetryConfig
	cfg.RetryOnFailure = req.RetryOnFailure

	var finalStatus int
	var finalBody []byte
	var finalErr error

	result := retry.Run(ctx, cfg, func(ctx context.Context, attemptIndex int) (retry.Outcome, error) {
		httpReq, err := buildHTTPRequest(ctx, assembled)
		if err != nil {
			return retry.Outcome{}, err
		}

		resp, err := client.Do(httpReq)
		if err != nil {
			finalErr = err
			return retry.Outcome{Retryable: isRetryableTransportErr(err)}, err
		}
		defer resp.Body.Close()

		limited := io.LimitReader(resp.Body, maxResponseCaptureBytes)
		data, _ := io.ReadAll(limited)

		finalStatus = resp.StatusCode
		finalBody = data
		finalErr = nil

		return retry.Outcome{StatusCode: resp.StatusCode}, nil
	})

	attempts := make([]AttemptSnapshot, len(result.Attempts))
	for i, a := range result.Attempts {
		attempts[i] = AttemptSnapshot{Index: a.Index, StatusCode: a.StatusCode, Duration: a.Duration, Error: coreerrors.Sanitize(a.Error)}
		if i > 0 {
			metrics.RecordRetryAttempt(ctx, a.StatusCode)
		}
	}

	out := Result{
		StatusCode:       finalStatus,
		RetriesUsed:      result.RetriesUsed,
		Attempts:         attempts,
		Success:          result.Succeeded,
		RequestSnapshot:  truncate(redactAuthHeaders(assembled.Snapshot()), maxAuditSnapshotBytes),
		ResponseSnapshot: truncate(string(finalBody), maxAuditSnapshotBytes),
	}

	if !result.Succeeded {
		errMsg := ""
		if result.FinalErr != nil {
			errMsg = result.FinalErr.Error()
		} else if finalErr != nil {
			errMsg = finalErr.Error()
		}
		out.Error = coreerrors.Sanitize(errMsg)
	}

	return out, nil
}

type assembledRequest struct {
	Method      string
	URL         string
	Body        []byte
	ContentType string
	Headers     map[string]string
}

func (a assembledRequest) Snapshot() string {
	var headerLines strings.Builder
	for k, v := range a.Headers {
		headerLines.WriteString(k)
		headerLines.WriteString(": ")
		headerLines.WriteString(v)
		headerLines.WriteString("\n")
	}
	return fmt.Sprintf("%s %s\n%s\n%s", a.Method, a.URL, headerLines.String(), string(a.Body))
}

// assembleRequest implements spec §4.3.3: default content type, GET-body
// promoted to query params, JSON serialization when the body parses as
// JSON, otherwise sent as-is.
func assembleRequest(method, rawURL, body string, headers map[string]string) (assembledRequest, error) {
	contentType := headers["Content-Type"]
	if contentType == "" {
		contentType = "application/json"
	}

	if method == http.MethodGet {
		finalURL, err := promoteBodyToQuery(rawURL, body)
		if err != nil {
			return assembledRequest{}, err
		}
		return assembledRequest{Method: method, URL: finalURL, ContentType: contentType, Headers: headers}, nil
	}

	// Body is already the template-substituted source text; whether or not it
	// parses as JSON it is sent verbatim, per spec §4.3.3 ("serialized JSON
	// when it parses as JSON, otherwise sent as-is" — both cases are a
	// byte-for-byte passthrough once substitution has already happened).
	return assembledRequest{Method: method, URL: rawURL, Body: []byte(body), ContentType: contentType, Headers: headers}, nil
}

func promoteBodyToQuery(rawURL, body string) (string, error) {
	if body == "" {
		return rawURL, nil
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(body), &fields); err != nil {
		return rawURL, nil // not JSON — nothing to promote, leave URL untouched
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL, nil
	}

	query := parsed.Query()
	for k, v := range fields {
		query.Set(k, fmt.Sprintf("%v", v))
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func buildHTTPRequest(ctx context.Context, a assembledRequest) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, a.Method, a.URL, bytes.NewReader(a.Body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", a.ContentType)
	req.Header.Set("User-Agent", serviceUserAgent)
	for k, v := range a.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

func newPinnedClient(guard *ssrf.Guard, pinned *ssrf.Pinned, timeout time.Duration) *http.Client {
	if timeout <= 0 || timeout > 30*time.Second {
		timeout = 30 * time.Second
	}

	transport := &http.Transport{DialContext: ssrf.PinnedDialer(pinned, &net.Dialer{Timeout: timeout})}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("ssrf: too many redirects")
			}
			revalidated, err := guard.ValidateRedirect(req.Context(), req.URL.String())
			if err != nil {
				metrics.RecordSSRFRejection(req.Context(), "redirect: "+coreerrors.Sanitize(err.Error()))
				return err
			}
			// Re-pin the transport's dialer to the redirect target's freshly
			// validated addresses so subsequent attempts on this connection
			// cannot be steered to an address the guard never saw.
			transport.DialContext = ssrf.PinnedDialer(revalidated, &net.Dialer{Timeout: timeout})
			return nil
		},
	}
}

func isRetryableTransportErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for frag := range retry.RetryableTransportErrors {
		if strings.Contains(msg, strings.ReplaceAll(frag, "-", " ")) {
			return true
		}
	}
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "reset") || strings.Contains(msg, "refused") || strings.Contains(msg, "no such host")
}

func redactAuthHeaders(snapshot string) string {
	lines := strings.Split(snapshot, "\n")
	for i, l := range lines {
		parts := strings.SplitN(l, ":", 2)
		if len(parts) == 2 {
			if _, blocked := authHeaderNames[strings.ToLower(strings.TrimSpace(parts[0]))]; blocked {
				lines[i] = parts[0] + ": [REDACTED]"
			}
		}
	}
	return strings.Join(lines, "\n")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// OutputFieldError shapes an error into the ≤500-byte output-field form.
func OutputFieldError(err string) string {
	return truncate(err, maxOutputFieldBytes)
}
