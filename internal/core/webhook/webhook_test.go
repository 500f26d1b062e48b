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

package webhook

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hubactions/actioncore/internal/core/ssrf"
)

func TestExecute_SSRFRejectionNeverDialsOut(t *testing.T) {
	guard := ssrf.New(nil)
	e := New(guard)

	result, err := e.Execute(context.Background(), Request{
		Method: "GET",
		URL:    "http://localhost/admin",
	}, nil, nil)

	require.Error(t, err)
	require.False(t, result.Success)
	require.NotEmpty(t, result.Error)
}

func TestExecute_DisallowedSchemeRejected(t *testing.T) {
	guard := ssrf.New(nil)
	e := New(guard)

	result, err := e.Execute(context.Background(), Request{
		Method: "GET",
		URL:    "file:///etc/passwd",
	}, nil, nil)

	require.Error(t, err)
	require.False(t, result.Success)
}

func TestAssembleRequest_GETPromotesJSONBodyToQuery(t *testing.T) {
	assembled, err := assembleRequest(http.MethodGet, "https://example.com/hook", `{"a":"1"}`, nil)
	require.NoError(t, err)
	require.Equal(t, "https://example.com/hook?a=1", assembled.URL)
	require.Empty(t, assembled.Body)
}

func TestAssembleRequest_GETWithNonJSONBodyLeavesURLUntouched(t *testing.T) {
	assembled, err := assembleRequest(http.MethodGet, "https://example.com/hook", "not-json", nil)
	require.NoError(t, err)
	require.Equal(t, "https://example.com/hook", assembled.URL)
}

func TestAssembleRequest_POSTSendsBodyVerbatim(t *testing.T) {
	assembled, err := assembleRequest(http.MethodPost, "https://example.com/hook", `{"a":1}`, nil)
	require.NoError(t, err)
	require.Equal(t, []byte(`{"a":1}`), assembled.Body)
	require.Equal(t, "application/json", assembled.ContentType)
}

func TestAssembleRequest_RespectsExplicitContentType(t *testing.T) {
	assembled, err := assembleRequest(http.MethodPost, "https://example.com/hook", "a=1", map[string]string{"Content-Type": "application/x-www-form-urlencoded"})
	require.NoError(t, err)
	require.Equal(t, "application/x-www-form-urlencoded", assembled.ContentType)
}

func TestPromoteBodyToQuery_EscapesSpecialCharacters(t *testing.T) {
	got, err := promoteBodyToQuery("https://example.com/hook", `{"q":"a&b=c#d"}`)
	require.NoError(t, err)
	require.Equal(t, "https://example.com/hook?q=a%26b%3Dc%23d", got)
}

func TestPromoteBodyToQuery_EmptyBodyNoop(t *testing.T) {
	got, err := promoteBodyToQuery("https://example.com/hook", "")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/hook", got)
}

func TestBuildHTTPRequest_SetsHeadersAndUserAgent(t *testing.T) {
	assembled := assembledRequest{
		Method:      http.MethodPost,
		URL:         "https://example.com/hook",
		Body:        []byte(`{}`),
		ContentType: "application/json",
		Headers:     map[string]string{"Authorization": "Bearer xyz"},
	}
	req, err := buildHTTPRequest(context.Background(), assembled)
	require.NoError(t, err)
	require.Equal(t, "application/json", req.Header.Get("Content-Type"))
	require.Equal(t, serviceUserAgent, req.Header.Get("User-Agent"))
	require.Equal(t, "Bearer xyz", req.Header.Get("Authorization"))
}

func TestRedactAuthHeaders(t *testing.T) {
	snapshot := "POST https://example.com\nAuthorization: Bearer secret-token\nX-Custom: keep-me"
	got := redactAuthHeaders(snapshot)
	require.Contains(t, got, "Authorization: [REDACTED]")
	require.NotContains(t, got, "secret-token")
	require.Contains(t, got, "X-Custom: keep-me")
}

func TestTruncate(t *testing.T) {
	require.Equal(t, "hello", truncate("hello", 10))
	require.Equal(t, "hel", truncate("hello", 3))
}

func TestOutputFieldError_TruncatesToMaxLength(t *testing.T) {
	long := make([]byte, maxOutputFieldBytes+50)
	for i := range long {
		long[i] = 'x'
	}
	got := OutputFieldError(string(long))
	require.Len(t, got, maxOutputFieldBytes)
}

func TestIsRetryableTransportErr(t *testing.T) {
	require.False(t, isRetryableTransportErr(nil))
	require.True(t, isRetryableTransportErr(errors.New("dial tcp: connection refused")))
	require.True(t, isRetryableTransportErr(errors.New("context deadline exceeded (Client.Timeout exceeded while awaiting headers): timeout")))
	require.False(t, isRetryableTransportErr(errors.New("unexpected EOF while parsing body")))
}

func TestAssembledRequest_SnapshotIncludesMethodURLAndBody(t *testing.T) {
	a := assembledRequest{Method: "POST", URL: "https://example.com/hook", Body: []byte(`{"x":1}`)}
	snap := a.Snapshot()
	require.Contains(t, snap, "POST https://example.com/hook")
	require.Contains(t, snap, `{"x":1}`)
}
