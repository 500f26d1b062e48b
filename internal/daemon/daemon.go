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

// Package daemon wires the full server together: config, persistence,
// action executors, the HTTP surface, metrics, and TTL sweeps.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hubactions/actioncore/internal/config"
	"github.com/hubactions/actioncore/internal/core/audit"
	"github.com/hubactions/actioncore/internal/core/cryptox"
	"github.com/hubactions/actioncore/internal/core/dispatch"
	"github.com/hubactions/actioncore/internal/core/ratelimit"
	"github.com/hubactions/actioncore/internal/core/recorder"
	"github.com/hubactions/actioncore/internal/core/ssrf"
	"github.com/hubactions/actioncore/internal/core/store"
	"github.com/hubactions/actioncore/internal/core/webhook"
	"github.com/hubactions/actioncore/internal/daemon/api"
	"github.com/hubactions/actioncore/internal/daemon/metrics"
	"github.com/hubactions/actioncore/internal/daemon/sweep"
)

// Options holds build-time metadata surfaced in logs.
type Options struct {
	Version string
	Commit  string
}

// Daemon is the running server: the HTTP surface, the metrics scrape
// endpoint, and the background TTL sweepers.
type Daemon struct {
	cfg    config.Config
	opts   Options
	logger *slog.Logger

	repo    *store.Repo
	sweeper *sweep.Sweeper

	server          *http.Server
	metricsServer   *http.Server
	metricsShutdown func(context.Context) error

	mu      sync.Mutex
	started bool
}

// New builds every collaborator (persistence, cipher, SSRF guard, webhook
// executor, dispatcher) and wires the HTTP surface to them.
func New(cfg config.Config, opts Options, logger *slog.Logger) (*Daemon, error) {
	cipher, err := cryptox.NewCipher(cfg.EncryptionKeyHex)
	if err != nil {
		return nil, fmt.Errorf("daemon: invalid encryption key: %w", err)
	}

	db, err := store.OpenPostgres(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("daemon: open database: %w", err)
	}
	repo, err := store.New(db)
	if err != nil {
		return nil, fmt.Errorf("daemon: init schema: %w", err)
	}

	rec := recorder.New(repo, logger)
	limiter := ratelimit.New(ratelimit.DefaultConfig(), 50000)
	guard := ssrf.New(nil)
	webhookExecutor := webhook.New(guard)
	auditLog := audit.NewStdoutLogger()

	d := dispatch.New(repo, rec, logger, cfg.OutputFieldPrefix, cfg.DefaultTimeout)

	srv := api.New(d, repo, limiter, cipher, logger, cfg.PublicBaseURL, cfg.Environment, cfg.AllowDevSignatureBypass, readinessProbe(repo),
		api.NewWebhookHandler(webhookExecutor),
		api.NewCodeHandler(repo, cipher, auditLog, logger),
		api.NewFormatHandler(),
	)

	metricsHandler, metricsShutdown, err := metrics.Init()
	if err != nil {
		return nil, fmt.Errorf("daemon: init metrics: %w", err)
	}

	return &Daemon{
		cfg:     cfg,
		opts:    opts,
		logger:  logger,
		repo:    repo,
		sweeper: sweep.New(repo, logger),
		server: &http.Server{
			Addr:         cfg.ListenAddr,
			Handler:      srv.Router(),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		metricsServer:   &http.Server{Addr: ":9090", Handler: metricsHandler},
		metricsShutdown: metricsShutdown,
	}, nil
}

func readinessProbe(repo *store.Repo) func() error {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return repo.Ping(ctx)
	}
}

// Start blocks until ctx is cancelled or either HTTP server errors.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	if err := d.sweeper.Start(); err != nil {
		return fmt.Errorf("daemon: start sweeper: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		if err := d.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		if err := d.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	d.logger.Info("actioncore starting", "listen_addr", d.cfg.ListenAddr, "version", d.opts.Version)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown drains and closes every server-owned resource.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return nil
	}

	d.sweeper.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if err := d.server.Shutdown(shutdownCtx); err != nil {
		d.logger.Error("http server shutdown error", "error", err)
	}
	if err := d.metricsServer.Shutdown(shutdownCtx); err != nil {
		d.logger.Error("metrics server shutdown error", "error", err)
	}
	if d.metricsShutdown != nil {
		if err := d.metricsShutdown(shutdownCtx); err != nil {
			d.logger.Error("metrics provider shutdown error", "error", err)
		}
	}

	d.started = false
	d.logger.Info("daemon stopped")
	return nil
}
