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

// Package sweep runs the background TTL sweeps for Execution Records and
// Usage Counters, supplementing spec §4.6's per-invocation writes with the
// retention policy a production deployment needs.
package sweep

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hubactions/actioncore/internal/core/store"
)

const (
	// ExecutionRetention is how long an Execution Record is kept.
	ExecutionRetention = 30 * 24 * time.Hour
	// UsageCounterRetention is how long a Usage Counter rollup is kept.
	UsageCounterRetention = 90 * 24 * time.Hour
)

// Sweeper owns the cron schedule for both TTL sweeps.
type Sweeper struct {
	repo *store.Repo
	log  *slog.Logger
	cron *cron.Cron
}

func New(repo *store.Repo, log *slog.Logger) *Sweeper {
	return &Sweeper{repo: repo, log: log, cron: cron.New()}
}

// Start schedules both sweeps to run once daily, offset from each other so
// they don't contend for the same table lock windows.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc("15 2 * * *", s.sweepExecutions); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("45 2 * * *", s.sweepUsageCounters); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

func (s *Sweeper) Stop() {
	s.cron.Stop()
}

func (s *Sweeper) sweepExecutions() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().UTC().Add(-ExecutionRetention)
	n, err := s.repo.PruneExecutionsOlderThan(ctx, cutoff)
	if err != nil {
		s.log.Warn("execution record sweep failed", "error", err)
		return
	}
	s.log.Info("execution record sweep complete", "rows_deleted", n, "cutoff", cutoff)
}

func (s *Sweeper) sweepUsageCounters() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().UTC().Add(-UsageCounterRetention)
	n, err := s.repo.PruneUsageCountersOlderThan(ctx, cutoff)
	if err != nil {
		s.log.Warn("usage counter sweep failed", "error", err)
		return
	}
	s.log.Info("usage counter sweep complete", "rows_deleted", n, "cutoff", cutoff)
}
