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

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/hubactions/actioncore/internal/core/cryptox"
)

// Repo is the single persistence gateway for every collaborator interface
// named in spec §6.5.
type Repo struct {
	db *gorm.DB
}

// OpenPostgres opens a connection using dsn as-is (the caller assembles it
// from config, which already validates the required fields).
func OpenPostgres(dsn string) (*gorm.DB, error) {
	gormLogger := logger.New(
		log.New(os.Stdout, "", log.LstdFlags),
		logger.Config{SlowThreshold: time.Second, LogLevel: logger.Warn, IgnoreRecordNotFoundError: true},
	)
	return gorm.Open(postgres.New(postgres.Config{DSN: dsn}), &gorm.Config{Logger: gormLogger})
}

// New wraps db, ensuring the schema exists.
func New(db *gorm.DB) (*Repo, error) {
	if err := ensureSchema(db); err != nil {
		return nil, err
	}
	return &Repo{db: db}, nil
}

// NewFromDB wraps db without touching the schema, for callers (tests, a
// migration tool run ahead of the daemon) that already know the schema is
// in the state they expect.
func NewFromDB(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// ensureSchema creates missing tables explicitly rather than calling
// AutoMigrate, whose column-drift heuristics are a poor fit for a schema
// this small and stable.
func ensureSchema(db *gorm.DB) error {
	m := db.Migrator()
	tables := []any{&Tenant{}, &Snippet{}, &Secret{}, &Execution{}, &UsageCounter{}}
	for _, t := range tables {
		if !m.HasTable(t) {
			if err := m.CreateTable(t); err != nil {
				return fmt.Errorf("store: create table for %T: %w", t, err)
			}
		}
	}
	return nil
}

// Ping verifies the database connection is reachable, for readiness probes.
func (r *Repo) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// --- Tenant ---

func (r *Repo) GetTenantByPortalID(ctx context.Context, portalID int64) (*Tenant, error) {
	var t Tenant
	if err := r.db.WithContext(ctx).First(&t, "portal_id = ?", portalID).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// TouchLastActivity throttles the write to once every 5 minutes per tenant
// (spec §5: "to avoid write amplification under hot-portal traffic").
func (r *Repo) TouchLastActivity(ctx context.Context, tenantID uuid.UUID, now time.Time) error {
	cutoff := now.Add(-5 * time.Minute)
	return r.db.WithContext(ctx).
		Model(&Tenant{}).
		Where("id = ? AND last_activity_at < ?", tenantID, cutoff).
		Update("last_activity_at", now).Error
}

// UpdateTokens refreshes a tenant's encrypted OAuth tokens in place, the
// collaborator method spec §6.5 names alongside find (the Tenant store is
// otherwise read-only to the core).
func (r *Repo) UpdateTokens(ctx context.Context, tenantID uuid.UUID, sealed cryptox.Sealed) error {
	return r.db.WithContext(ctx).Model(&Tenant{}).Where("id = ?", tenantID).Updates(map[string]any{
		"oauth_token_ciphertext": sealed.Ciphertext,
		"oauth_token_nonce":      sealed.Nonce,
		"oauth_token_tag":        sealed.Tag,
	}).Error
}

// --- Snippet ---

func (r *Repo) GetSnippetByCallbackID(ctx context.Context, tenantID uuid.UUID, callbackID string) (*Snippet, error) {
	var s Snippet
	if err := r.db.WithContext(ctx).First(&s, "tenant_id = ? AND callback_id = ?", tenantID, callbackID).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *Repo) IncrementSnippetUsage(ctx context.Context, snippetID uuid.UUID) error {
	return r.db.WithContext(ctx).Model(&Snippet{}).Where("id = ?", snippetID).
		Update("usage_count", gorm.Expr("usage_count + 1")).Error
}

// --- Secret ---

func (r *Repo) GetSecretsByName(ctx context.Context, tenantID uuid.UUID, names []string) ([]Secret, error) {
	if len(names) == 0 {
		return nil, nil
	}
	var secrets []Secret
	if err := r.db.WithContext(ctx).Where("tenant_id = ? AND name IN ?", tenantID, names).Find(&secrets).Error; err != nil {
		return nil, err
	}
	return secrets, nil
}

// IncrementSecretUsageBulk bumps usage_count for every referenced secret in
// one statement, implementing spec §4.4.3's "single bulk update (not
// one-per-secret)".
func (r *Repo) IncrementSecretUsageBulk(ctx context.Context, secretIDs []uuid.UUID) error {
	if len(secretIDs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(&Secret{}).Where("id IN ?", secretIDs).
		Update("usage_count", gorm.Expr("usage_count + 1")).Error
}

func (r *Repo) UpsertSecret(ctx context.Context, s *Secret) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"ciphertext", "nonce", "tag", "updated_at"}),
	}).Create(s).Error
}

// --- Execution Record ---

// RecordExecution writes one Execution row. Failure is the caller's to log
// and swallow: per spec §4.6 it must never alter the response already sent
// to the automation platform.
func (r *Repo) RecordExecution(ctx context.Context, e *Execution) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(e).Error
}

// PruneExecutionsOlderThan deletes Execution Records past the retention
// window (default 30 days, spec's supplemented TTL sweep).
func (r *Repo) PruneExecutionsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&Execution{})
	return res.RowsAffected, res.Error
}

// --- Usage Counter ---

// UpsertUsageCounter performs the atomic aggregation-pipeline-style upsert
// described in spec §4.6: count, success sum, duration sum/max, and the
// workflow-id set are all recomputed inside the same statement so
// concurrent executions for the same tenant-day never race on a
// read-modify-write cycle.
func (r *Repo) UpsertUsageCounter(ctx context.Context, tenantID uuid.UUID, day time.Time, actionType string, success bool, durationMS int64, workflowID string) error {
	successInc := int64(0)
	if success {
		successInc = 1
	}

	// workflow_ids is stored as a jsonb array; jsonb_set/union logic is
	// expressed directly in the upsert so the set membership check and the
	// write happen atomically under the row lock Postgres takes for
	// ON CONFLICT DO UPDATE.
	const sql = `
INSERT INTO usage_counters (tenant_id, day, action_type, count, success_sum, duration_sum, duration_max, workflow_ids, updated_at)
VALUES (?, ?, ?, 1, ?, ?, ?, ?, ?)
ON CONFLICT (tenant_id, day, action_type) DO UPDATE SET
  count = usage_counters.count + 1,
  success_sum = usage_counters.success_sum + EXCLUDED.success_sum,
  duration_sum = usage_counters.duration_sum + EXCLUDED.duration_sum,
  duration_max = GREATEST(usage_counters.duration_max, EXCLUDED.duration_max),
  workflow_ids = CASE
    WHEN usage_counters.workflow_ids @> EXCLUDED.workflow_ids THEN usage_counters.workflow_ids
    ELSE (
      SELECT jsonb_agg(DISTINCT elem)
      FROM jsonb_array_elements(usage_counters.workflow_ids || EXCLUDED.workflow_ids) AS elem
    )
  END,
  updated_at = EXCLUDED.updated_at
`
	workflowIDs := `[]`
	if workflowID != "" {
		encoded, err := json.Marshal([]string{workflowID})
		if err != nil {
			return fmt.Errorf("store: encode workflow id: %w", err)
		}
		workflowIDs = string(encoded)
	}

	return r.db.WithContext(ctx).Exec(sql, tenantID, day.Truncate(24*time.Hour), actionType,
		successInc, durationMS, durationMS, workflowIDs, time.Now().UTC()).Error
}

// PruneUsageCountersOlderThan deletes Usage Counters past the retention
// window (default 90 days, spec's supplemented TTL sweep).
func (r *Repo) PruneUsageCountersOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("day < ?", cutoff).Delete(&UsageCounter{})
	return res.RowsAffected, res.Error
}
