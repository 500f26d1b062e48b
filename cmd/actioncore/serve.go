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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hubactions/actioncore/internal/config"
	"github.com/hubactions/actioncore/internal/daemon"
	"github.com/hubactions/actioncore/internal/log"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the action execution HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg := config.Load()

	d, err := daemon.New(cfg, daemon.Options{Version: version, Commit: commit}, logger)
	if err != nil {
		logger.Error("failed to create daemon", slog.Any("error", err))
		return fmt.Errorf("create daemon: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Start(ctx)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
		return d.Shutdown(context.Background())
	case err := <-errCh:
		if err != nil {
			logger.Error("daemon error", slog.Any("error", err))
			return fmt.Errorf("daemon: %w", err)
		}
		return nil
	}
}
