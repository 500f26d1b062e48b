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

// Package ratelimit generalizes the single-bucket token limiter to a
// per-tenant limiter pool, bounded so a long-running multi-tenant process
// cannot accumulate one bucket per portal forever.
package ratelimit

import (
	"container/list"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Config mirrors the single-bucket shape used elsewhere in the stack, now
// applied per tenant rather than process-wide.
type Config struct {
	RequestsPerSecond float64
	Burst             int
}

// DefaultConfig allows a steady 10 req/s with bursts to 20, a reasonable
// per-tenant ceiling for a webhook/code-action backend.
func DefaultConfig() Config {
	return Config{RequestsPerSecond: 10, Burst: 20}
}

type entry struct {
	limiter *rate.Limiter
	elem    *list.Element
}

// Pool holds one token-bucket limiter per tenant, evicting the
// least-recently-used entry once maxTenants is exceeded.
type Pool struct {
	mu         sync.Mutex
	cfg        Config
	maxTenants int
	entries    map[uuid.UUID]*entry
	order      *list.List // front = most recently used
}

func New(cfg Config, maxTenants int) *Pool {
	if maxTenants <= 0 {
		maxTenants = 10000
	}
	return &Pool{
		cfg:        cfg,
		maxTenants: maxTenants,
		entries:    make(map[uuid.UUID]*entry),
		order:      list.New(),
	}
}

// Allow reports whether tenantID may proceed now, consuming a token if so.
func (p *Pool) Allow(tenantID uuid.UUID) bool {
	return p.limiterFor(tenantID).Allow()
}

// Wait reserves a token for tenantID and sleeps until it is available. If
// that wait would run past deadline, it cancels the reservation and returns
// ErrWouldExceedDeadline at once instead of sleeping.
func (p *Pool) Wait(tenantID uuid.UUID, deadline time.Time) error {
	l := p.limiterFor(tenantID)
	r := l.ReserveN(time.Now(), 1)
	if !r.OK() {
		return nil
	}
	delay := r.Delay()
	if time.Now().Add(delay).After(deadline) {
		r.Cancel()
		return ErrWouldExceedDeadline
	}
	time.Sleep(delay)
	return nil
}

func (p *Pool) limiterFor(tenantID uuid.UUID) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[tenantID]; ok {
		p.order.MoveToFront(e.elem)
		return e.limiter
	}

	l := rate.NewLimiter(rate.Limit(p.cfg.RequestsPerSecond), p.cfg.Burst)
	e := &entry{limiter: l}
	e.elem = p.order.PushFront(tenantID)
	p.entries[tenantID] = e

	if len(p.entries) > p.maxTenants {
		oldest := p.order.Back()
		if oldest != nil {
			p.order.Remove(oldest)
			delete(p.entries, oldest.Value.(uuid.UUID))
		}
	}

	return l
}

// ErrWouldExceedDeadline is returned by Wait when the wait required to
// obtain a token would itself exceed the caller's remaining deadline —
// the same deadline-aware stance the retry engine takes.
var ErrWouldExceedDeadline = rateLimitError("ratelimit: wait would exceed deadline")

type rateLimitError string

func (e rateLimitError) Error() string { return string(e) }
