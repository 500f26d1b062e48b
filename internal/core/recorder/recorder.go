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

// Package recorder implements the Execution Recorder (spec §4.6): one
// best-effort Execution Record plus one atomic Usage Counter upsert per
// action invocation.
package recorder

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hubactions/actioncore/internal/core/store"
)

// Invocation is everything the dispatcher already knows about a completed
// action by the time it is ready to record it.
type Invocation struct {
	TenantID        uuid.UUID
	WorkflowID      string
	CallbackID      string
	ActionType      string
	Status          string // success|error|timeout, spec §3
	Success         bool
	Duration        time.Duration
	RequestSnapshot string
	ResponseSnapshot string
	Error           string
	Attempts        any // JSON-marshalable attempt list, action-specific
}

// Recorder writes Execution Records and Usage Counters without ever
// propagating a storage failure back to the caller.
type Recorder struct {
	repo *store.Repo
	log  *slog.Logger
}

func New(repo *store.Repo, log *slog.Logger) *Recorder {
	return &Recorder{repo: repo, log: log}
}

// Record performs both writes. Both are best-effort: a failure is logged
// and otherwise swallowed, per spec §4.6.
func (r *Recorder) Record(ctx context.Context, inv Invocation) {
	attemptsJSON, err := json.Marshal(inv.Attempts)
	if err != nil {
		attemptsJSON = nil
	}

	status := inv.Status
	if status == "" {
		status = "error"
		if inv.Success {
			status = "success"
		}
	}

	execution := &store.Execution{
		TenantID:         inv.TenantID,
		WorkflowID:       inv.WorkflowID,
		CallbackID:       inv.CallbackID,
		ActionType:       inv.ActionType,
		Status:           status,
		Success:          inv.Success,
		DurationMS:       inv.Duration.Milliseconds(),
		RequestSnapshot:  inv.RequestSnapshot,
		ResponseSnapshot: inv.ResponseSnapshot,
		Error:            inv.Error,
		Attempts:         attemptsJSON,
	}

	if err := r.repo.RecordExecution(ctx, execution); err != nil {
		r.log.Warn("execution record write failed", "error", err, "tenant_id", inv.TenantID, "callback_id", inv.CallbackID)
	}

	day := time.Now().UTC().Truncate(24 * time.Hour)
	if err := r.repo.UpsertUsageCounter(ctx, inv.TenantID, day, inv.ActionType, inv.Success, inv.Duration.Milliseconds(), inv.WorkflowID); err != nil {
		r.log.Warn("usage counter upsert failed", "error", err, "tenant_id", inv.TenantID, "action_type", inv.ActionType)
	}
}
