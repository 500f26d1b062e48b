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

// Package store is the persistence layer behind the collaborator
// interfaces in spec §6.5: Tenant, Snippet, Secret, Execution Record, and
// Usage Counter.
package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Tenant is a connected HubSpot portal.
type Tenant struct {
	ID                     uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	PortalID               int64     `gorm:"uniqueIndex;not null" json:"portal_id"`
	Active                 bool      `gorm:"not null;default:true" json:"active"`
	ClientSecretCiphertext []byte    `gorm:"not null" json:"-"`
	ClientSecretNonce      []byte    `gorm:"not null" json:"-"`
	ClientSecretTag        []byte    `gorm:"not null" json:"-"`

	// OAuthTokenCiphertext/Nonce/Tag hold the platform's refresh/access
	// tokens under the same envelope-encryption scheme as Secret.Ciphertext.
	// Refreshed in place by UpdateTokens; never read back as plaintext
	// outside the cryptox boundary.
	OAuthTokenCiphertext []byte `gorm:"column:oauth_token_ciphertext;not null" json:"-"`
	OAuthTokenNonce      []byte `gorm:"column:oauth_token_nonce;not null" json:"-"`
	OAuthTokenTag        []byte `gorm:"column:oauth_token_tag;not null" json:"-"`

	// WebhookTimeoutCapMS and CodeTimeoutCapMS cap the effective per-request
	// deadline independently per action type (spec §3): a tenant can run a
	// tight webhook timeout alongside a looser code timeout.
	WebhookTimeoutCapMS int64 `gorm:"not null;default:30000" json:"webhook_timeout_cap_ms"`
	CodeTimeoutCapMS    int64 `gorm:"not null;default:30000" json:"code_timeout_cap_ms"`

	LastActivityAt time.Time `json:"last_activity_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Snippet is a stored code-action source body, addressable by callback id.
type Snippet struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID   uuid.UUID `gorm:"type:uuid;index:idx_snippets_tenant_id;not null" json:"tenant_id"`
	CallbackID string    `gorm:"index:idx_snippets_callback_id;not null" json:"callback_id"`
	Source     string    `gorm:"type:text;not null" json:"source"`
	UsageCount int64     `gorm:"not null;default:0" json:"usage_count"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Secret is an encrypted-at-rest credential scoped to a tenant.
type Secret struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID   uuid.UUID `gorm:"type:uuid;index:idx_secrets_tenant_id;not null" json:"tenant_id"`
	Name       string    `gorm:"index:idx_secrets_tenant_name,unique,composite:tenant_name;not null" json:"name"`
	Ciphertext []byte    `gorm:"not null" json:"-"`
	Nonce      []byte    `gorm:"not null" json:"-"`
	Tag        []byte    `gorm:"not null" json:"-"`
	UsageCount int64     `gorm:"not null;default:0" json:"usage_count"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Execution is one best-effort audit record of an action invocation.
type Execution struct {
	ID               uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID         uuid.UUID      `gorm:"type:uuid;index:idx_executions_tenant_id;not null" json:"tenant_id"`
	WorkflowID       string         `gorm:"index:idx_executions_workflow_id" json:"workflow_id"`
	CallbackID       string         `gorm:"not null" json:"callback_id"`
	ActionType       string         `gorm:"not null" json:"action_type"`                        // webhook|code|format
	Status           string         `gorm:"not null;index:idx_executions_status" json:"status"` // success|error|timeout
	Success          bool           `gorm:"not null" json:"success"`
	DurationMS       int64          `gorm:"not null" json:"duration_ms"`
	RequestSnapshot  string         `gorm:"type:text" json:"request_snapshot,omitempty"`
	ResponseSnapshot string         `gorm:"type:text" json:"response_snapshot,omitempty"`
	Error            string         `gorm:"type:text" json:"error,omitempty"`
	Attempts         datatypes.JSON `gorm:"type:jsonb" json:"attempts,omitempty"`
	CreatedAt        time.Time      `gorm:"index:idx_executions_created_at;not null" json:"created_at"`
}

// UsageCounter is one tenant-day rollup, upserted atomically per
// invocation (spec §4.6).
type UsageCounter struct {
	TenantID    uuid.UUID      `gorm:"type:uuid;primaryKey" json:"tenant_id"`
	Day         time.Time      `gorm:"primaryKey;type:date" json:"day"`
	ActionType  string         `gorm:"primaryKey" json:"action_type"`
	Count       int64          `gorm:"not null;default:0" json:"count"`
	SuccessSum  int64          `gorm:"not null;default:0" json:"success_sum"`
	DurationSum int64          `gorm:"not null;default:0" json:"duration_sum_ms"`
	DurationMax int64          `gorm:"not null;default:0" json:"duration_max_ms"`
	WorkflowIDs datatypes.JSON `gorm:"type:jsonb" json:"workflow_ids,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}
