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
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/hubactions/actioncore/internal/core/cryptox"
	"github.com/hubactions/actioncore/internal/core/dispatch"
	"github.com/hubactions/actioncore/internal/core/ratelimit"
	"github.com/hubactions/actioncore/internal/core/store"
)

const (
	testClientSecret = "super-shared-secret"
	testCipherKey    = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
)

func tenantCols() []string {
	return []string{"id", "portal_id", "active", "client_secret_ciphertext", "client_secret_nonce",
		"client_secret_tag", "oauth_token_ciphertext", "oauth_token_nonce", "oauth_token_tag",
		"webhook_timeout_cap_ms", "code_timeout_cap_ms", "last_activity_at", "created_at", "updated_at"}
}

// serverFixture wires a Server against a sqlmock-backed repo seeded with one
// active tenant whose client secret decrypts to testClientSecret. queryRows
// controls how many times the tenant-lookup query is expected to be issued:
// once for requests the signature or rate-limit check rejects before
// dispatch, twice for requests that reach dispatch.Dispatch, which resolves
// the tenant a second time.
func serverFixture(t *testing.T, environment string, devBypass bool, limiter *ratelimit.Pool, queryRows int, handler dispatch.Handler) *Server {
	t.Helper()

	cipher, err := cryptox.NewCipher(testCipherKey)
	require.NoError(t, err)
	sealed, err := cipher.Encrypt([]byte(testClientSecret))
	require.NoError(t, err)

	sqlDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{})
	require.NoError(t, err)
	repo := store.NewFromDB(gdb)

	tenantID := uuid.New()
	now := time.Now()
	for i := 0; i < queryRows; i++ {
		rows := sqlmock.NewRows(tenantCols()).
			AddRow(tenantID, int64(42), true, sealed.Ciphertext, sealed.Nonce, sealed.Tag,
				[]byte("ot"), []byte("on"), []byte("otag"), int64(30000), int64(30000), now, now, now)
		mock.ExpectQuery(`(?i)SELECT .* FROM "tenants"`).WillReturnRows(rows)
	}
	// A request that reaches Dispatch also fires the fire-and-forget
	// last-activity touch; its outcome is swallowed by the dispatcher, so the
	// expectation here only needs to exist, not be asserted.
	mock.ExpectExec(`(?i)UPDATE "tenants" SET`).WillReturnResult(sqlmock.NewResult(0, 1))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := dispatch.New(repo, nil, logger, "hubactions", 30*time.Second)

	return New(d, repo, limiter, cipher, logger, "https://actions.example.com", environment, devBypass, nil,
		handler, handler, handler)
}

func v1Signature(body []byte) string {
	h := sha256.New()
	h.Write([]byte(testClientSecret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func postAction(srv *Server, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/actions/format", bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func envelopeBody(portalID int64) []byte {
	b, err := json.Marshal(map[string]any{"origin": map[string]any{"portalId": portalID}})
	if err != nil {
		panic(err)
	}
	return b
}

func decodeOutputFields(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp dispatch.Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp.OutputFields
}

func TestHandleAction_MissingSignatureRejectedWithoutDevBypass(t *testing.T) {
	called := false
	handler := func(_ context.Context, _ dispatch.Envelope, _ *store.Tenant) dispatch.ActionResult {
		called = true
		return dispatch.ActionResult{Kind: dispatch.ResultSuccess}
	}

	srv := serverFixture(t, "production", false, ratelimit.New(ratelimit.DefaultConfig(), 10), 1, handler)
	rec := postAction(srv, envelopeBody(42), nil)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.False(t, called, "handler must not run when the signature is missing and no dev bypass applies")
}

func TestHandleAction_InvalidSignatureRejected(t *testing.T) {
	called := false
	handler := func(_ context.Context, _ dispatch.Envelope, _ *store.Tenant) dispatch.ActionResult {
		called = true
		return dispatch.ActionResult{Kind: dispatch.ResultSuccess}
	}

	// The rate limiter is wide open here: if it were consulted before the
	// signature, this request would still be allowed through, so a 401
	// response demonstrates the signature check runs (and rejects) first.
	srv := serverFixture(t, "production", false, ratelimit.New(ratelimit.DefaultConfig(), 10), 1, handler)
	rec := postAction(srv, envelopeBody(42), map[string]string{
		"X-Hubspot-Signature-Version": "v1",
		"X-Hubspot-Signature":         "0000000000000000000000000000000000000000000000000000000000000000",
	})

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.False(t, called, "handler must not run when the signature fails to verify")
}

func TestHandleAction_MissingSignatureAllowedByDevBypass(t *testing.T) {
	called := false
	handler := func(_ context.Context, _ dispatch.Envelope, _ *store.Tenant) dispatch.ActionResult {
		called = true
		return dispatch.ActionResult{Kind: dispatch.ResultSuccess, Outputs: map[string]any{"result": "ok"}}
	}

	srv := serverFixture(t, "development", true, ratelimit.New(ratelimit.DefaultConfig(), 10), 2, handler)
	rec := postAction(srv, envelopeBody(42), nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, called, "handler must run once the missing signature is excused by the development bypass")

	outputs := decodeOutputFields(t, rec)
	require.Equal(t, true, outputs["hubactions_success"])
	require.Equal(t, "ok", outputs["result"])
}

func TestHandleAction_RateLimitExceededBlocksBeforeHandler(t *testing.T) {
	called := false
	handler := func(_ context.Context, _ dispatch.Envelope, _ *store.Tenant) dispatch.ActionResult {
		called = true
		return dispatch.ActionResult{Kind: dispatch.ResultSuccess}
	}

	drained := ratelimit.New(ratelimit.Config{RequestsPerSecond: 1, Burst: 1}, 10)
	body := envelopeBody(42)
	sig := v1Signature(body)
	headers := map[string]string{
		"X-Hubspot-Signature-Version": "v1",
		"X-Hubspot-Signature":         sig,
	}

	// Two requests share one fixture so the first request's lookup and the
	// second request's lookup both hit the mock, but only the first ever
	// reaches the handler: the pool's single token is consumed by it, and the
	// second is rejected by the limiter before dispatch.
	srv := serverFixture(t, "production", false, drained, 3, handler)

	first := postAction(srv, body, headers)
	require.Equal(t, http.StatusOK, first.Code)
	require.True(t, called)

	called = false
	second := postAction(srv, body, headers)
	require.Equal(t, http.StatusOK, second.Code)
	require.False(t, called, "handler must not run once the per-tenant token bucket is exhausted")

	outputs := decodeOutputFields(t, second)
	require.Equal(t, false, outputs["hubactions_success"])
	require.Equal(t, "per-tenant rate limit exceeded", outputs["hubactions_error"])
}

func TestHandleHealthz_AlwaysOK(t *testing.T) {
	srv := serverFixture(t, "production", false, nil, 0, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleReadyz_ReflectsReadyFnError(t *testing.T) {
	cipher, err := cryptox.NewCipher(testCipherKey)
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(nil, nil, nil, cipher, logger, "https://actions.example.com", "production", false,
		func() error { return errors.New("database unreachable") }, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
