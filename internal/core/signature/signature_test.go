package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func v1Sig(secret string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(secret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func v3Sig(secret, method, uri string, body []byte, ts string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(method))
	mac.Write([]byte(uri))
	mac.Write(body)
	mac.Write([]byte(ts))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestVerifyV1_Valid(t *testing.T) {
	body := []byte(`{"hello":"world"}`)
	req := Request{Body: body, Version: V1, Signature: v1Sig("secret", body)}
	require.NoError(t, Verify(req, "secret", time.Now()))
}

func TestVerifyV1_BitFlip(t *testing.T) {
	body := []byte(`{"hello":"world"}`)
	sig := v1Sig("secret", body)
	req := Request{Body: []byte(`{"hello":"worle"}`), Version: V1, Signature: sig}
	require.ErrorIs(t, Verify(req, "secret", time.Now()), ErrInvalidSignature)
}

func TestVerifyV3_Valid(t *testing.T) {
	now := time.Now()
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	body := []byte(`{}`)
	req := Request{
		Method: "POST", FullURI: "https://app.example.com/v1/actions/webhook",
		Body: body, Version: V3, Timestamp: ts,
		Signature: v3Sig("secret", "POST", "https://app.example.com/v1/actions/webhook", body, ts),
	}
	require.NoError(t, Verify(req, "secret", now))
}

func TestVerifyV3_StaleTimestamp(t *testing.T) {
	now := time.Now()
	stale := now.Add(-301 * time.Second)
	ts := strconv.FormatInt(stale.UnixMilli(), 10)
	body := []byte(`{}`)
	uri := "https://app.example.com/v1/actions/webhook"
	req := Request{
		Method: "POST", FullURI: uri, Body: body, Version: V3, Timestamp: ts,
		Signature: v3Sig("secret", "POST", uri, body, ts),
	}
	require.ErrorIs(t, Verify(req, "secret", now), ErrStaleTimestamp)
}

func TestVerifyV3_WithinSkew(t *testing.T) {
	now := time.Now()
	ts := strconv.FormatInt(now.Add(-299*time.Second).UnixMilli(), 10)
	body := []byte(`{}`)
	uri := "https://app.example.com/v1/actions/webhook"
	req := Request{
		Method: "POST", FullURI: uri, Body: body, Version: V3, Timestamp: ts,
		Signature: v3Sig("secret", "POST", uri, body, ts),
	}
	require.NoError(t, Verify(req, "secret", now))
}

func TestVerify_MissingSignature(t *testing.T) {
	req := Request{Version: V1, Body: []byte("x")}
	require.ErrorIs(t, Verify(req, "secret", time.Now()), ErrMissingSignature)
}

func TestVerify_UnsupportedScheme(t *testing.T) {
	req := Request{Version: "v9", Signature: "x", Body: []byte("x")}
	require.ErrorIs(t, Verify(req, "secret", time.Now()), ErrUnsupportedScheme)
}

func TestDevBypassAllowed(t *testing.T) {
	require.True(t, DevBypassAllowed(true, "development"))
	require.False(t, DevBypassAllowed(true, "production"))
	require.False(t, DevBypassAllowed(false, "development"))
	require.False(t, DevBypassAllowed(true, ""))
}
