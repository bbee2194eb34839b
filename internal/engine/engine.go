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

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/forge/internal/artifact"
	"github.com/tombee/forge/internal/log"
	"github.com/tombee/forge/internal/publish"
	"github.com/tombee/forge/internal/secrets"
	"github.com/tombee/forge/internal/tracing"
	"github.com/tombee/forge/pkg/pipeline"
	"github.com/tombee/forge/pkg/pipeline/expression"
)

// DefaultMaxParallel bounds concurrent matrix cells when neither the job's
// strategy nor the engine options set a limit.
const DefaultMaxParallel = 4

// Options configures an Engine.
type Options struct {
	// WorkDir is the root directory for per-job workspaces
	WorkDir string

	// PipelineDir is the base directory for resolving shared runner references
	PipelineDir string

	// Repository is the default checkout source when a step names none
	Repository string

	// MaxParallel is the default matrix cell concurrency (0 = DefaultMaxParallel)
	MaxParallel int

	Logger   *slog.Logger
	Store    artifact.Store
	Secrets  *secrets.Resolver
	Issuer   *publish.Issuer
	Uploader *publish.Uploader
	Tracer   *tracing.Provider
	Metrics  *Metrics
}

// Engine executes pipeline runs.
type Engine struct {
	workDir     string
	pipelineDir string
	repository  string
	maxParallel int

	logger    *slog.Logger
	store     artifact.Store
	secrets   *secrets.Resolver
	issuer    *publish.Issuer
	uploader  *publish.Uploader
	tracer    *tracing.Provider
	metrics   *Metrics
	evaluator *expression.Evaluator
}

// New creates an engine, filling in defaults for unset options.
func New(opts Options) (*Engine, error) {
	if opts.WorkDir == "" {
		opts.WorkDir = filepath.Join(os.TempDir(), "forge")
	}
	if err := os.MkdirAll(opts.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = DefaultMaxParallel
	}
	if opts.Logger == nil {
		opts.Logger = log.New(log.FromEnv())
	}
	logger := log.WithComponent(opts.Logger, "engine")

	if opts.Store == nil {
		store, err := artifact.NewFSStore(filepath.Join(opts.WorkDir, "artifacts"))
		if err != nil {
			return nil, err
		}
		opts.Store = store
	}
	if opts.Secrets == nil {
		resolver, err := secrets.DefaultResolver()
		if err != nil {
			return nil, err
		}
		opts.Secrets = resolver
	}
	if opts.Issuer == nil {
		issuer, err := publish.NewIssuer()
		if err != nil {
			return nil, err
		}
		opts.Issuer = issuer
	}
	if opts.Uploader == nil {
		uploader, err := publish.NewUploader(opts.Logger)
		if err != nil {
			return nil, err
		}
		opts.Uploader = uploader
	}

	return &Engine{
		workDir:     opts.WorkDir,
		pipelineDir: opts.PipelineDir,
		repository:  opts.Repository,
		maxParallel: opts.MaxParallel,
		logger:      logger,
		store:       opts.Store,
		secrets:     opts.Secrets,
		issuer:      opts.Issuer,
		uploader:    opts.Uploader,
		tracer:      opts.Tracer,
		metrics:     opts.Metrics,
		evaluator:   expression.New(),
	}, nil
}

// Store exposes the engine's artifact store.
func (e *Engine) Store() artifact.Store {
	return e.store
}

// Cleanup removes a finished run's workspaces and artifacts. Callers decide
// the retention horizon; the engine never purges on its own.
func (e *Engine) Cleanup(ctx context.Context, runID string) error {
	if err := os.RemoveAll(filepath.Join(e.workDir, runID)); err != nil {
		return fmt.Errorf("failed to remove run workspaces: %w", err)
	}
	return e.store.DeleteRun(ctx, runID)
}

// Execute runs a pipeline to completion and returns the finished run.
//
// Jobs are scheduled over their dependency graph: a job starts only after
// every job it needs has completed successfully, and a failed, cancelled, or
// skipped dependency marks the job skipped. Matrix jobs fan out into
// independent cells; with fail_fast disabled (the default) a failing cell
// never cancels its siblings.
func (e *Engine) Execute(ctx context.Context, def *pipeline.Definition, trigger pipeline.TriggerType, inputs map[string]interface{}) (*Run, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	resolved, err := resolveInputs(def, trigger, inputs)
	if err != nil {
		return nil, err
	}

	run := NewRun(def.Name, trigger, resolved)
	logger := log.WithRunContext(e.logger, run.ID, def.Name)

	ctx, span := e.startRunSpan(ctx, run)
	defer span.End()

	if e.metrics != nil {
		e.metrics.ActiveRuns.Inc()
		defer e.metrics.ActiveRuns.Dec()
	}

	logger.Info("run started", "trigger", string(trigger))
	run.start()

	err = e.schedule(ctx, run, def)

	status := StatusCompleted
	switch {
	case ctx.Err() != nil:
		status = StatusCancelled
	case err != nil || runFailed(run):
		status = StatusFailed
	}
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	run.finish(status, errMsg)
	e.metrics.observeRun(run)

	if status == StatusFailed {
		tracing.RecordError(span, fmt.Errorf("run failed"))
	}
	logger.Info("run finished", "status", string(status))

	return run, nil
}

// schedule drives the job dependency graph to completion.
func (e *Engine) schedule(ctx context.Context, run *Run, def *pipeline.Definition) error {
	type outcome struct {
		id     string
		status Status
	}

	statuses := make(map[string]Status, len(def.Jobs))
	started := make(map[string]bool, len(def.Jobs))
	outcomes := make(chan outcome)

	remaining := len(def.Jobs)
	inflight := 0

	for remaining > 0 {
		progressed := false

		for _, id := range def.JobOrder() {
			if started[id] {
				continue
			}
			job := def.Jobs[id]

			ready := true
			depFailed := false
			for _, dep := range job.Needs {
				st, done := statuses[dep]
				if !done {
					ready = false
					break
				}
				if st != StatusCompleted {
					depFailed = true
				}
			}
			if !ready {
				continue
			}

			started[id] = true
			progressed = true

			if depFailed {
				jr := newJobRun(id, nil)
				run.update(func() {
					jr.finish(StatusSkipped, "required job did not complete")
				})
				run.addJob(jr)
				e.metrics.observeJob(run.Pipeline, jr)
				statuses[id] = StatusSkipped
				remaining--
				continue
			}

			needsCopy := make(map[string]Status, len(job.Needs))
			for _, dep := range job.Needs {
				needsCopy[dep] = statuses[dep]
			}

			inflight++
			go func(id string, job *pipeline.JobDefinition, needs map[string]Status) {
				outcomes <- outcome{id: id, status: e.executeJob(ctx, run, def, job, needs)}
			}(id, job, needsCopy)
		}

		if remaining == 0 {
			break
		}
		if inflight == 0 {
			if progressed {
				continue
			}
			// Unreachable for validated definitions (the graph is acyclic).
			return fmt.Errorf("scheduling deadlock: %d jobs cannot start", remaining)
		}

		out := <-outcomes
		statuses[out.id] = out.status
		inflight--
		remaining--
	}

	return nil
}

// executeJob runs one job, fanning matrix jobs out into cells, and returns
// the job's aggregate status.
func (e *Engine) executeJob(ctx context.Context, run *Run, def *pipeline.Definition, job *pipeline.JobDefinition, needs map[string]Status) Status {
	logger := log.WithJobContext(e.logger, run.ID, job.ID)

	if job.If != "" {
		ok, err := e.evaluator.Evaluate(job.If, e.exprContext(run, nil, needs, false))
		if err != nil {
			jr := newJobRun(job.ID, nil)
			run.update(func() {
				jr.finish(StatusFailed, fmt.Sprintf("invalid if condition: %v", err))
			})
			run.addJob(jr)
			e.metrics.observeJob(run.Pipeline, jr)
			return StatusFailed
		}
		if !ok {
			jr := newJobRun(job.ID, nil)
			run.update(func() {
				jr.finish(StatusSkipped, "if condition evaluated to false")
			})
			run.addJob(jr)
			e.metrics.observeJob(run.Pipeline, jr)
			return StatusSkipped
		}
	}

	cells := []*pipeline.Cell{nil}
	failFast := false
	maxParallel := e.maxParallel
	if job.Strategy != nil {
		failFast = job.Strategy.FailFast
		if job.Strategy.MaxParallel > 0 {
			maxParallel = job.Strategy.MaxParallel
		}
		if job.Strategy.Matrix != nil {
			expanded, err := job.Strategy.Matrix.Expand()
			if err != nil {
				jr := newJobRun(job.ID, nil)
				run.update(func() {
					jr.finish(StatusFailed, fmt.Sprintf("matrix expansion failed: %v", err))
				})
				run.addJob(jr)
				e.metrics.observeJob(run.Pipeline, jr)
				return StatusFailed
			}
			cells = cells[:0]
			for i := range expanded {
				cells = append(cells, &expanded[i])
			}
		}
	}

	cellCtx := ctx
	var cancelSiblings context.CancelFunc
	if failFast {
		cellCtx, cancelSiblings = context.WithCancel(ctx)
		defer cancelSiblings()
	}

	sem := make(chan struct{}, maxParallel)
	var wg sync.WaitGroup
	var mu sync.Mutex
	anyFailed := false
	anyCancelled := false

	for _, cell := range cells {
		jr := newJobRun(job.ID, cell)
		run.addJob(jr)

		wg.Add(1)
		go func(jr *JobRun) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			e.executeCell(cellCtx, run, def, job, jr, needs)
			e.metrics.observeJob(run.Pipeline, jr)

			mu.Lock()
			switch jr.Status {
			case StatusFailed:
				anyFailed = true
				if cancelSiblings != nil {
					cancelSiblings()
				}
			case StatusCancelled:
				anyCancelled = true
			}
			mu.Unlock()
		}(jr)
	}
	wg.Wait()

	switch {
	case anyFailed:
		logger.Warn("job failed", "cells", len(cells))
		return StatusFailed
	case anyCancelled:
		return StatusCancelled
	default:
		logger.Info("job completed", "cells", len(cells))
		return StatusCompleted
	}
}

// executeCell runs a single job run (one matrix cell, or the whole job for
// non-matrix jobs) in its own isolated workspace.
func (e *Engine) executeCell(ctx context.Context, run *Run, def *pipeline.Definition, job *pipeline.JobDefinition, jr *JobRun, needs map[string]Status) {
	ctx, span := e.startJobSpan(ctx, job.ID, jr.CellKey)
	defer span.End()

	run.update(jr.start)

	if job.TimeoutMinutes > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, jobTimeout(job))
		defer cancel()
	}

	workspace := filepath.Join(e.workDir, run.ID, jr.ID)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		run.update(func() {
			jr.finish(StatusFailed, fmt.Sprintf("failed to create workspace: %v", err))
		})
		return
	}

	ec, err := e.newExecContext(ctx, run, def, job, jr, workspace, needs)
	if err != nil {
		tracing.RecordError(span, err)
		run.update(func() {
			jr.finish(StatusFailed, err.Error())
		})
		return
	}

	if job.Uses != "" {
		err = e.executeRunnerCall(ctx, ec)
	} else {
		err = e.executeSteps(ctx, ec, job.Steps)
	}

	switch {
	case ctx.Err() != nil && err != nil:
		run.update(func() {
			jr.finish(StatusCancelled, ec.masker.Mask(err.Error()))
		})
	case err != nil:
		tracing.RecordError(span, err)
		run.update(func() {
			jr.finish(StatusFailed, ec.masker.Mask(err.Error()))
		})
	default:
		run.update(func() {
			jr.finish(StatusCompleted, "")
		})
	}
}

// runFailed reports whether any job run ended failed or cancelled.
func runFailed(run *Run) bool {
	snapshot := run.Snapshot()
	for _, job := range snapshot.Jobs {
		if job.Status == StatusFailed || job.Status == StatusCancelled {
			return true
		}
	}
	return false
}

// resolveInputs validates provided inputs against the pipeline's dispatch
// trigger and fills in declared defaults. Push and pull_request runs carry
// event metadata instead of typed inputs and pass through unchanged.
func resolveInputs(def *pipeline.Definition, trigger pipeline.TriggerType, provided map[string]interface{}) (map[string]interface{}, error) {
	merged := make(map[string]interface{}, len(provided))
	for k, v := range provided {
		merged[k] = v
	}

	if trigger == pipeline.TriggerTypePush || trigger == pipeline.TriggerTypePullRequest {
		return merged, nil
	}
	if def.On == nil || def.On.Dispatch == nil {
		return merged, nil
	}

	for i := range def.On.Dispatch.Inputs {
		input := &def.On.Dispatch.Inputs[i]
		if _, ok := merged[input.Name]; !ok && input.Default != nil {
			merged[input.Name] = input.Default
		}
		if err := input.CheckValue(merged[input.Name]); err != nil {
			return nil, err
		}
	}

	return merged, nil
}

// exprContext builds the evaluation context for if conditions and templates.
func (e *Engine) exprContext(run *Run, cell map[string]interface{}, needs map[string]Status, stepFailed bool) map[string]interface{} {
	needsCtx := make(map[string]interface{}, len(needs))
	for id, st := range needs {
		needsCtx[id] = map[string]interface{}{"result": string(st)}
	}
	matrix := cell
	if matrix == nil {
		matrix = map[string]interface{}{}
	}
	return map[string]interface{}{
		"inputs":   run.Inputs,
		"matrix":   matrix,
		"needs":    needsCtx,
		"run_id":   run.ID,
		"pipeline": run.Pipeline,
		"success":  func() bool { return !stepFailed },
		"failure":  func() bool { return stepFailed },
		"always":   func() bool { return true },
	}
}

func (e *Engine) startRunSpan(ctx context.Context, run *Run) (context.Context, trace.Span) {
	if e.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return e.tracer.StartRunSpan(ctx, run.ID, run.Pipeline, string(run.Trigger))
}

func (e *Engine) startJobSpan(ctx context.Context, jobID, cellKey string) (context.Context, trace.Span) {
	if e.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return e.tracer.StartJobSpan(ctx, jobID, cellKey)
}

func (e *Engine) startStepSpan(ctx context.Context, stepID string) (context.Context, trace.Span) {
	if e.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return e.tracer.StartStepSpan(ctx, stepID)
}
