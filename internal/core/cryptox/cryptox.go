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

// Package cryptox implements the AES-256-GCM encryption primitive the core
// depends on for Secret and Tenant OAuth-token ciphertext (spec §6.5). It is
// the only place in the process permitted to hold a decryption key.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

const keyLengthBytes = 32 // AES-256
const nonceLengthBytes = 12

// ErrInvalidKey is returned when the configured encryption key is not exactly
// 64 hex characters (32 raw bytes), per the boot-time contract in spec §6.4.
var ErrInvalidKey = errors.New("cryptox: encryption key must be a 64-character hex string")

// Sealed is the at-rest representation of an encrypted value: ciphertext, the
// nonce ("IV" in the data model's vocabulary) it was sealed with, and the GCM
// authentication tag. Secret and Tenant records persist exactly these three
// fields, never plaintext (invariant I1).
type Sealed struct {
	Ciphertext []byte
	Nonce      []byte
	Tag        []byte
}

// Cipher wraps a single AES-256-GCM key. Construct one at boot from the
// configured ENCRYPTION_KEY and thread it through the store layer; it holds
// no other state and is safe for concurrent use.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from a 64-hex-character key string.
func NewCipher(hexKey string) (*Cipher, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil || len(key) != keyLengthBytes {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptox: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptox: %w", err)
	}

	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext under a freshly generated random nonce. The GCM tag
// is appended to the ciphertext by Go's AEAD implementation; Encrypt splits it
// back out so callers can persist {ciphertext, nonce, tag} as three distinct
// columns, matching the data model.
func (c *Cipher) Encrypt(plaintext []byte) (Sealed, error) {
	nonce := make([]byte, nonceLengthBytes)
	if _, err := rand.Read(nonce); err != nil {
		return Sealed{}, fmt.Errorf("cryptox: generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nil, nonce, plaintext, nil)
	tagStart := len(sealed) - c.aead.Overhead()

	return Sealed{
		Ciphertext: sealed[:tagStart],
		Nonce:      nonce,
		Tag:        sealed[tagStart:],
	}, nil
}

// Decrypt recombines ciphertext and tag and opens the seal. It returns an
// error — never a zero-value plaintext — on any authentication failure, so a
// tampered or wrong-key record cannot be silently misread as empty.
func (c *Cipher) Decrypt(s Sealed) ([]byte, error) {
	combined := make([]byte, 0, len(s.Ciphertext)+len(s.Tag))
	combined = append(combined, s.Ciphertext...)
	combined = append(combined, s.Tag...)

	plaintext, err := c.aead.Open(nil, s.Nonce, combined, nil)
	if err != nil {
		return nil, fmt.Errorf("cryptox: decrypt: %w", err)
	}
	return plaintext, nil
}
