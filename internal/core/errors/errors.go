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

// Package errors defines the execution-core error taxonomy. Every failure that
// can reach the dispatcher boundary or an Execution Record is one of these kinds.
package errors

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Kind classifies an error for dispatch and audit purposes.
type Kind string

const (
	KindAuthentication Kind = "authentication"
	KindTenant         Kind = "tenant"
	KindValidation     Kind = "validation"
	KindSSRF           Kind = "ssrf"
	KindTransport      Kind = "transport"
	KindUpstream       Kind = "upstream"
	KindSandbox        Kind = "sandbox"
	KindTimeout        Kind = "timeout"
	KindInternal       Kind = "internal"
)

// CoreError is a structured, classified error that carries enough information
// for the dispatcher to decide the HTTP status and outputFields shape, and for
// the retry engine to decide whether an attempt is retryable.
type CoreError struct {
	Kind       Kind
	Message    string
	StatusCode int // HTTP status from an upstream response, 0 if not applicable
	Retryable  bool
	Cause      error
}

func (e *CoreError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

func (e *CoreError) Unwrap() error { return e.Cause }

func (e *CoreError) IsRetryable() bool { return e.Retryable }

func New(kind Kind, message string) *CoreError {
	return &CoreError{Kind: kind, Message: message}
}

func Wrap(kind Kind, err error, message string) *CoreError {
	return &CoreError{Kind: kind, Message: message, Cause: err}
}

// RetryableUpstream builds a KindUpstream error for a retryable HTTP status.
func RetryableUpstream(statusCode int, message string) *CoreError {
	return &CoreError{Kind: KindUpstream, StatusCode: statusCode, Message: message, Retryable: true}
}

// sanitize filters removing filesystem paths, DB connection strings, and stack
// frames before an error string is allowed to leave the process, per the
// dispatcher's error sanitization contract.
var (
	unixPathPattern  = regexp.MustCompile(`(?:/[\w.\-]+){2,}`)
	winPathPattern   = regexp.MustCompile(`[A-Za-z]:\\(?:[\w.\-]+\\)*[\w.\-]+`)
	connStringRegex  = regexp.MustCompile(`(?i)(postgres|postgresql|mysql|mongodb(\+srv)?|redis)://\S+`)
	stackFramePrefix = regexp.MustCompile(`(?m)^\s*(at |goroutine \d|\t\S+\.go:\d+).*$`)
	urlWithQuery     = regexp.MustCompile(`https?://\S+\?\S+`)
)

const maxSanitizedLength = 500

// sensitiveQueryParams mirrors the set of query-parameter names a webhook
// target URL might carry a credential in.
var sensitiveQueryParams = []string{"api_key", "apikey", "token", "password", "auth", "secret", "key", "credential"}

// Sanitize strips filesystem paths, connection strings, stack frames, and
// sensitive URL query parameters from an error message, then truncates it to
// the caller-safe length. It is applied to every error string before it
// reaches the caller or an Execution Record.
func Sanitize(msg string) string {
	msg = stackFramePrefix.ReplaceAllString(msg, "")
	msg = connStringRegex.ReplaceAllString(msg, "[redacted-connection-string]")
	msg = urlWithQuery.ReplaceAllStringFunc(msg, redactURLQuery)
	msg = winPathPattern.ReplaceAllString(msg, "[redacted-path]")
	msg = unixPathPattern.ReplaceAllString(msg, "[redacted-path]")
	msg = strings.TrimSpace(msg)
	if len(msg) > maxSanitizedLength {
		msg = msg[:maxSanitizedLength]
	}
	return msg
}

// redactURLQuery replaces sensitive query-parameter values in a URL found
// inside an error message, e.g. a failed webhook delivery's target URL.
func redactURLQuery(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	for param := range q {
		lower := strings.ToLower(param)
		for _, sensitive := range sensitiveQueryParams {
			if strings.Contains(lower, sensitive) {
				q.Set(param, "[REDACTED]")
				break
			}
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// SanitizeErr is a convenience wrapper around Sanitize for error values.
func SanitizeErr(err error) string {
	if err == nil {
		return ""
	}
	return Sanitize(err.Error())
}

// Of extracts the Kind of err if it is (or wraps) a *CoreError, defaulting to
// KindInternal for anything else — unclassified failures are never assumed
// safe to retry or expose verbatim.
func Of(err error) Kind {
	var ce *CoreError
	for e := err; e != nil; {
		if c, ok := e.(*CoreError); ok {
			ce = c
			break
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	if ce == nil {
		return KindInternal
	}
	return ce.Kind
}
