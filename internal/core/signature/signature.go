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

// Package signature verifies inbound action requests against the three HMAC
// schemes the calling automation platform may use (spec §4.1). Verification
// is the only HTTP-level error the dispatcher exposes; every other failure is
// reported inline as success:false.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Version identifies which signature scheme a request used.
type Version string

const (
	V1 Version = "v1"
	V2 Version = "v2"
	V3 Version = "v3"
)

// MaxTimestampSkew bounds how far a v3 request's timestamp may drift from the
// verifier's clock in either direction (spec §4.1).
const MaxTimestampSkew = 300 * time.Second

var (
	ErrMissingSignature  = errors.New("signature: missing signature header")
	ErrInvalidSignature  = errors.New("signature: signature mismatch")
	ErrUnsupportedScheme = errors.New("signature: unsupported signature version")
	ErrStaleTimestamp    = errors.New("signature: timestamp outside allowed skew")
	ErrMalformedHeader   = errors.New("signature: malformed header value")
)

// Request carries exactly the bytes and metadata the verifier is allowed to
// use. FullURI must be the externally-visible absolute URL of the deployment
// (scheme+host+path+query) — never derived from the inbound request's Host
// header, which is attacker-controlled (spec §4.1). Body must be the raw,
// unparsed bytes the HTTP layer received.
type Request struct {
	Method    string
	FullURI   string
	Body      []byte
	Version   Version
	Signature string // as received: hex for v1/v2, base64 for v3
	Timestamp string // Unix milliseconds, v3 only
}

// Verify checks req against clientSecret using the scheme named in
// req.Version. All byte comparisons are constant-time; the function never
// returns early in a way that creates a measurable timing oracle between
// "wrong secret" and "wrong everything else" — every scheme always computes
// its expected value before comparing.
func Verify(req Request, clientSecret string, now time.Time) error {
	if req.Signature == "" {
		return ErrMissingSignature
	}

	switch req.Version {
	case V1:
		return verifyV1(req, clientSecret)
	case V2:
		return verifyV2(req, clientSecret)
	case V3:
		return verifyV3(req, clientSecret, now)
	default:
		return ErrUnsupportedScheme
	}
}

func verifyV1(req Request, secret string) error {
	h := sha256.New()
	h.Write([]byte(secret))
	h.Write(req.Body)
	expected := hex.EncodeToString(h.Sum(nil))

	if !constantTimeHexEqual(expected, req.Signature) {
		return ErrInvalidSignature
	}
	return nil
}

func verifyV2(req Request, secret string) error {
	h := sha256.New()
	h.Write([]byte(secret))
	h.Write([]byte(req.Method))
	h.Write([]byte(req.FullURI))
	h.Write(req.Body)
	expected := hex.EncodeToString(h.Sum(nil))

	if !constantTimeHexEqual(expected, req.Signature) {
		return ErrInvalidSignature
	}
	return nil
}

func verifyV3(req Request, secret string, now time.Time) error {
	tsMillis, err := strconv.ParseInt(req.Timestamp, 10, 64)
	if err != nil {
		return ErrMalformedHeader
	}
	ts := time.UnixMilli(tsMillis)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(req.Method))
	mac.Write([]byte(req.FullURI))
	mac.Write(req.Body)
	mac.Write([]byte(req.Timestamp))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	sigOK := constantTimeBase64Equal(expected, req.Signature)

	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	tsOK := skew <= MaxTimestampSkew

	// Both checks must pass; a stale timestamp is rejected even with a
	// mathematically valid signature (spec §4.1, testable property 1).
	if !sigOK || !tsOK {
		if !tsOK {
			return ErrStaleTimestamp
		}
		return ErrInvalidSignature
	}
	return nil
}

// constantTimeHexEqual decodes two hex strings and compares them in constant
// time. A decode failure on the supplied signature is treated as a mismatch
// rather than a distinct error path, so malformed input never short-circuits
// ahead of a proper comparison.
func constantTimeHexEqual(expectedHex, gotHex string) bool {
	expected, err1 := hex.DecodeString(expectedHex)
	got, err2 := hex.DecodeString(gotHex)
	if err1 != nil || err2 != nil {
		return false
	}
	return hmac.Equal(expected, got)
}

func constantTimeBase64Equal(expectedB64, gotB64 string) bool {
	expected, err1 := base64.StdEncoding.DecodeString(expectedB64)
	got, err2 := base64.StdEncoding.DecodeString(gotB64)
	if err1 != nil || err2 != nil {
		return false
	}
	return hmac.Equal(expected, got)
}

// DevBypassAllowed reports whether the development-only signature bypass may
// be consulted. It is unreachable unless both the deployment flag and a
// non-production environment are explicit, per spec §4.1.
func DevBypassAllowed(flagEnabled bool, environment string) bool {
	return flagEnabled && environment != "" && environment != "production"
}

// HeaderScheme maps the inbound X-Hubspot-Signature-Version header value (or
// equivalent) onto a Version, returning an error for anything unrecognized.
func HeaderScheme(raw string) (Version, error) {
	switch Version(raw) {
	case V1, V2, V3:
		return Version(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, raw)
	}
}
