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

// Package config loads the daemon's environment-based configuration
// (spec §6.4).
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"
)

// Config is every environment-sourced setting the daemon needs at boot.
type Config struct {
	DatabaseURL             string
	HubSpotClientID         string
	HubSpotClientSecret     string
	JWTSigningSecret        string
	EncryptionKeyHex        string
	PublicBaseURL           string
	OutputFieldPrefix       string
	ListenAddr              string
	LogLevel                string
	LogFormat               string
	DefaultTimeout          time.Duration
	Environment             string
	AllowDevSignatureBypass bool
}

// requiredEncryptionKeyHexLen is 64 hex characters = 32 bytes = AES-256.
const requiredEncryptionKeyHexLen = 64

// Load reads the environment and validates required fields, exiting the
// process on failure — a misconfigured boot should never serve traffic
// (spec §6.4).
func Load() Config {
	cfg := Config{
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		HubSpotClientID:         os.Getenv("HUBSPOT_CLIENT_ID"),
		HubSpotClientSecret:     os.Getenv("HUBSPOT_CLIENT_SECRET"),
		JWTSigningSecret:        os.Getenv("JWT_SIGNING_SECRET"),
		EncryptionKeyHex:        os.Getenv("ENCRYPTION_KEY"),
		PublicBaseURL:           os.Getenv("PUBLIC_BASE_URL"),
		OutputFieldPrefix:       getenv("OUTPUT_FIELD_PREFIX", "hubactions"),
		ListenAddr:              getenv("LISTEN_ADDR", ":8080"),
		LogLevel:                getenv("LOG_LEVEL", "info"),
		LogFormat:               getenv("LOG_FORMAT", "json"),
		DefaultTimeout:          30 * time.Second,
		Environment:             getenv("ENVIRONMENT", "production"),
		AllowDevSignatureBypass: os.Getenv("ALLOW_DEV_SIGNATURE_BYPASS") == "true",
	}

	if err := cfg.validate(); err != nil {
		fmt.Fprintln(os.Stderr, "config: "+err.Error())
		os.Exit(1)
	}

	return cfg
}

func (c Config) validate() error {
	required := map[string]string{
		"DATABASE_URL":          c.DatabaseURL,
		"HUBSPOT_CLIENT_ID":     c.HubSpotClientID,
		"HUBSPOT_CLIENT_SECRET": c.HubSpotClientSecret,
		"JWT_SIGNING_SECRET":    c.JWTSigningSecret,
		"ENCRYPTION_KEY":        c.EncryptionKeyHex,
		"PUBLIC_BASE_URL":       c.PublicBaseURL,
	}
	for name, v := range required {
		if v == "" {
			return fmt.Errorf("missing required environment variable %s", name)
		}
	}

	if len(c.EncryptionKeyHex) != requiredEncryptionKeyHexLen {
		return fmt.Errorf("ENCRYPTION_KEY must be %d hex characters (32 bytes), got %d", requiredEncryptionKeyHexLen, len(c.EncryptionKeyHex))
	}
	if _, err := hex.DecodeString(c.EncryptionKeyHex); err != nil {
		return fmt.Errorf("ENCRYPTION_KEY is not valid hex: %w", err)
	}

	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
