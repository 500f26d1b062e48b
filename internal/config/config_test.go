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

package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		DatabaseURL:         "postgres://localhost/db",
		HubSpotClientID:     "client-id",
		HubSpotClientSecret: "client-secret",
		JWTSigningSecret:    "jwt-secret",
		EncryptionKeyHex:    "0102030405060708090a0b0c0d0e0f100102030405060708090a0b0c0d0e0f10",
		PublicBaseURL:       "https://actions.example.com",
	}
}

func TestValidate_AllRequiredFieldsPresent(t *testing.T) {
	require.NoError(t, validConfig().validate())
}

func TestValidate_MissingRequiredField(t *testing.T) {
	cfg := validConfig()
	cfg.DatabaseURL = ""
	err := cfg.validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "DATABASE_URL")
}

func TestValidate_EncryptionKeyWrongLength(t *testing.T) {
	cfg := validConfig()
	cfg.EncryptionKeyHex = "abcd"
	err := cfg.validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "ENCRYPTION_KEY")
}

func TestValidate_EncryptionKeyNotHex(t *testing.T) {
	cfg := validConfig()
	cfg.EncryptionKeyHex = "zz" + cfg.EncryptionKeyHex[2:]
	err := cfg.validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "not valid hex")
}

func TestGetenv_ReturnsEnvValueWhenSet(t *testing.T) {
	t.Setenv("ACTIONCORE_TEST_VAR", "from-env")
	require.Equal(t, "from-env", getenv("ACTIONCORE_TEST_VAR", "fallback"))
}

func TestGetenv_ReturnsFallbackWhenUnset(t *testing.T) {
	require.Equal(t, "fallback", getenv("ACTIONCORE_TEST_VAR_UNSET", "fallback"))
}
