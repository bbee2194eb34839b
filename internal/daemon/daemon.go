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

// Package daemon wires the forged components together: pipeline scanning,
// the run queue, workers, scheduling, webhooks, and the HTTP API.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/forge/internal/daemon/api"
	"github.com/tombee/forge/internal/daemon/backend"
	"github.com/tombee/forge/internal/daemon/config"
	"github.com/tombee/forge/internal/daemon/queue"
	"github.com/tombee/forge/internal/daemon/scheduler"
	"github.com/tombee/forge/internal/daemon/trigger"
	"github.com/tombee/forge/internal/daemon/webhook"
	"github.com/tombee/forge/internal/engine"
	"github.com/tombee/forge/internal/log"
	"github.com/tombee/forge/internal/secrets"
	"github.com/tombee/forge/internal/tracing"
)

// Daemon is the forged server.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	queue     *queue.Memory
	backend   backend.Backend
	engine    *engine.Engine
	metrics   *engine.Metrics
	scanner   *trigger.Scanner
	scheduler *scheduler.Scheduler
	webhook   *webhook.Handler
	api       *api.Server
	server    *http.Server
	tracer    *tracing.Provider

	wg sync.WaitGroup

	mu            sync.Mutex
	started       bool
	indexSnapshot *trigger.Index
}

// New builds a daemon from the configuration.
func New(cfg *config.Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := log.WithComponent(log.New(log.FromEnv()), "daemon")

	var be backend.Backend
	switch cfg.Backend.Type {
	case "sqlite":
		sqliteBackend, err := backend.NewSQLite(cfg.Backend.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite backend: %w", err)
		}
		be = sqliteBackend
	default:
		be = backend.NewMemory()
	}

	var tracer *tracing.Provider
	if cfg.Tracing.Enabled {
		tracingCfg := tracing.Config{ServiceName: "forged"}
		if cfg.Tracing.Stdout {
			tracingCfg.Stdout = os.Stdout
		}
		provider, err := tracing.NewProvider(tracingCfg)
		if err != nil {
			logger.Warn("failed to initialize tracing, spans disabled", log.Error(err))
		} else {
			tracer = provider
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics := engine.NewMetrics(registry)

	eng, err := engine.New(engine.Options{
		WorkDir:     cfg.WorkDir,
		PipelineDir: cfg.PipelinesDir,
		Repository:  cfg.Repository,
		MaxParallel: cfg.MaxParallel,
		Logger:      logger,
		Tracer:      tracer,
		Metrics:     metrics,
	})
	if err != nil {
		return nil, err
	}

	scanner := trigger.NewScanner(cfg.PipelinesDir, logger)
	index, err := scanner.Scan()
	if err != nil {
		return nil, fmt.Errorf("failed to scan pipelines: %w", err)
	}

	q := queue.NewMemory()
	sched := scheduler.New(q, logger)
	sched.SetEntries(scheduleEntries(index, logger))

	webhookSecret, err := resolveWebhookSecret(cfg.Webhook.Secret)
	if err != nil {
		return nil, err
	}
	wh, err := webhook.NewHandler(webhook.Config{
		Secret:        webhookSecret,
		BranchQuery:   cfg.Webhook.BranchQuery,
		InputQueries:  cfg.Webhook.InputQueries,
		RatePerSecond: cfg.Webhook.RatePerSecond,
		Burst:         cfg.Webhook.Burst,
	}, q, index, logger)
	if err != nil {
		return nil, err
	}

	apiServer := api.NewServer(api.Options{
		Queue:   q,
		Backend: be,
		Index:   index,
		Logger:  logger,
		Metrics: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Webhook: wh,
	})

	return &Daemon{
		cfg:           cfg,
		logger:        logger,
		indexSnapshot: index,
		queue:         q,
		backend:       be,
		engine:        eng,
		metrics:       metrics,
		scanner:       scanner,
		scheduler:     sched,
		webhook:       wh,
		api:           apiServer,
		tracer:        tracer,
		server: &http.Server{
			Addr:              cfg.Listen.Addr,
			Handler:           apiServer,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Start runs the daemon until the context is cancelled or the listener
// fails. It serves HTTP, executes queued runs, ticks schedules, and rescans
// the pipelines directory on change.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go func(worker int) {
			defer d.wg.Done()
			d.runWorker(ctx, worker)
		}(i)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.scheduler.Run(ctx)
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.scanner.Watch(ctx, d.onIndexChange); err != nil {
			d.logger.Warn("pipeline watcher stopped", log.Error(err))
		}
	}()

	d.logger.Info("forged listening",
		"addr", d.cfg.Listen.Addr,
		"pipelines_dir", d.cfg.PipelinesDir,
		"backend", d.cfg.Backend.Type,
		"workers", d.cfg.Workers,
	)

	err := d.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, closes the queue, and waits for
// in-flight runs to finish.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.logger.Info("shutting down")

	var firstErr error
	if err := d.server.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if err := d.queue.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if firstErr == nil {
			firstErr = ctx.Err()
		}
	}

	if d.tracer != nil {
		if err := d.tracer.Shutdown(context.Background()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := d.backend.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// runWorker executes queued runs until the queue closes or the context is
// cancelled.
func (d *Daemon) runWorker(ctx context.Context, worker int) {
	logger := d.logger.With("worker", worker)
	for {
		item, err := d.queue.Dequeue(ctx)
		if err != nil {
			if !errors.Is(err, queue.ErrQueueClosed) && !errors.Is(err, context.Canceled) {
				logger.Error("dequeue failed", log.Error(err))
			}
			return
		}
		d.metrics.QueueDepth.Set(float64(d.queue.Len()))
		d.executeItem(ctx, logger, item)
	}
}

// executeItem resolves the queued item to a pipeline definition, executes
// it, and persists the result.
func (d *Daemon) executeItem(ctx context.Context, logger *slog.Logger, item *queue.Item) {
	entry, ok := d.currentIndex().Get(item.Pipeline)
	if !ok {
		logger.Warn("queued pipeline no longer exists", "pipeline", item.Pipeline)
		return
	}

	logger.Info("run starting",
		"pipeline", item.Pipeline,
		"trigger", string(item.Trigger),
		"queued_for_ms", time.Since(item.EnqueuedAt).Milliseconds(),
	)

	run, err := d.engine.Execute(ctx, entry.Def, item.Trigger, item.Inputs)
	if err != nil {
		logger.Error("run failed", "pipeline", item.Pipeline, log.Error(err))
	}
	if run == nil {
		return
	}
	if err := d.backend.SaveRun(context.WithoutCancel(ctx), run.Snapshot()); err != nil {
		logger.Error("failed to persist run", "run_id", run.ID, log.Error(err))
	}
}

// onIndexChange swaps the fresh index into every consumer.
func (d *Daemon) onIndexChange(index *trigger.Index) {
	d.mu.Lock()
	d.indexSnapshot = index
	d.mu.Unlock()

	d.api.SetIndex(index)
	d.webhook.SetIndex(index)
	d.scheduler.SetEntries(scheduleEntries(index, d.logger))
	d.logger.Info("pipeline index reloaded", "pipelines", len(index.Names()))
}

func (d *Daemon) currentIndex() *trigger.Index {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.indexSnapshot
}

// scheduleEntries parses the index's cron expressions, skipping invalid ones
// so a bad schedule never blocks the rest.
func scheduleEntries(index *trigger.Index, logger *slog.Logger) []scheduler.Entry {
	var entries []scheduler.Entry
	for _, schedule := range index.Schedules() {
		cron, err := scheduler.ParseCron(schedule.Cron)
		if err != nil {
			logger.Warn("skipping invalid cron expression",
				"pipeline", schedule.Pipeline, "cron", schedule.Cron, log.Error(err))
			continue
		}
		entries = append(entries, scheduler.Entry{
			Pipeline: schedule.Pipeline,
			Cron:     cron,
			Inputs:   schedule.Inputs,
		})
	}
	return entries
}

// resolveWebhookSecret resolves the configured secret through the secret
// backends so config files can hold a reference instead of the value.
func resolveWebhookSecret(reference string) (string, error) {
	if reference == "" {
		return "", nil
	}
	resolver, err := secrets.DefaultResolver()
	if err != nil {
		return "", err
	}
	value, err := resolver.Resolve(context.Background(), reference)
	if err != nil {
		// A literal secret is allowed; references that resolve win.
		return reference, nil
	}
	return value, nil
}
