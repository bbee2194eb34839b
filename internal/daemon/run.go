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

package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tombee/forge/internal/daemon/config"
	"github.com/tombee/forge/internal/log"
)

// shutdownGrace bounds how long Shutdown waits for in-flight runs.
const shutdownGrace = 30 * time.Second

// RunOptions configures daemon execution. Non-zero fields override the
// loaded configuration.
type RunOptions struct {
	// ConfigPath is the configuration file. Empty uses defaults.
	ConfigPath string

	// Config overrides
	Addr         string
	PipelinesDir string
	WorkDir      string
	BackendType  string
	BackendPath  string
	Workers      int
}

// Run starts the daemon and blocks until a shutdown signal or a fatal
// listener error.
func Run(opts RunOptions) error {
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if opts.Addr != "" {
		cfg.Listen.Addr = opts.Addr
	}
	if opts.PipelinesDir != "" {
		cfg.PipelinesDir = opts.PipelinesDir
	}
	if opts.WorkDir != "" {
		cfg.WorkDir = opts.WorkDir
	}
	if opts.BackendType != "" {
		cfg.Backend.Type = opts.BackendType
	}
	if opts.BackendPath != "" {
		cfg.Backend.Path = opts.BackendPath
	}
	if opts.Workers > 0 {
		cfg.Workers = opts.Workers
	}

	d, err := New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
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
		logger.Info("signal received, shutting down", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer shutdownCancel()
		if err := d.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("daemon error: %w", err)
		}
		return nil
	}
}
