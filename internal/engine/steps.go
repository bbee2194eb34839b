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
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tombee/forge/internal/log"
	"github.com/tombee/forge/internal/secrets"
	"github.com/tombee/forge/internal/tracing"
	"github.com/tombee/forge/pkg/errors"
	"github.com/tombee/forge/pkg/pipeline"
)

// execContext carries the state of one job run through its steps.
type execContext struct {
	run       *Run
	def       *pipeline.Definition
	job       *pipeline.JobDefinition
	jobRun    *JobRun
	workspace string
	needs     map[string]Status
	masker    *secrets.Masker

	// env is the merged pipeline + job environment, plus resolved secrets
	env map[string]string

	logger *slog.Logger
}

// newExecContext prepares the environment and secrets for a job run.
func (e *Engine) newExecContext(ctx context.Context, run *Run, def *pipeline.Definition, job *pipeline.JobDefinition, jr *JobRun, workspace string, needs map[string]Status) (*execContext, error) {
	ec := &execContext{
		run:       run,
		def:       def,
		job:       job,
		jobRun:    jr,
		workspace: workspace,
		needs:     needs,
		masker:    secrets.NewMasker(),
		env:       make(map[string]string),
		logger:    log.WithJobContext(e.logger, run.ID, job.ID),
	}

	ectx := e.exprContext(run, jr.Cell, needs, false)
	for _, envMap := range []map[string]string{def.Env, job.Env} {
		interpolated, err := e.evaluator.InterpolateStringMap(envMap, ectx)
		if err != nil {
			return nil, fmt.Errorf("invalid env template: %w", err)
		}
		for k, v := range interpolated {
			ec.env[k] = v
		}
	}

	// Job secrets resolve up front so a missing credential fails the job
	// before any step runs.
	if len(job.Secrets) > 0 {
		values, err := e.secrets.ResolveAll(ctx, job.Secrets)
		if err != nil {
			return nil, err
		}
		for name, value := range values {
			ec.masker.Add(value)
			ec.env[name] = value
		}
	}

	return ec, nil
}

// cellValues returns the matrix cell values, never nil.
func (ec *execContext) cellValues() map[string]interface{} {
	if ec.jobRun.Cell != nil {
		return ec.jobRun.Cell
	}
	return map[string]interface{}{}
}

// environ builds the process environment for a command step.
func (ec *execContext) environ(stepEnv map[string]string) []string {
	env := os.Environ()
	env = append(env, "FORGE_RUN_ID="+ec.run.ID, "FORGE_JOB_ID="+ec.job.ID)
	keys := make([]string, 0, len(ec.env)+len(stepEnv))
	merged := make(map[string]string, len(ec.env)+len(stepEnv))
	for k, v := range ec.env {
		merged[k] = v
	}
	for k, v := range stepEnv {
		merged[k] = v
	}
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}

// executeSteps runs the steps of a job sequentially. Once a step fails,
// subsequent steps are skipped unless gated by failure() or always().
func (e *Engine) executeSteps(ctx context.Context, ec *execContext, steps []pipeline.StepDefinition) error {
	failed := false
	var firstErr error

	for i := range steps {
		step := &steps[i]
		sr := &StepResult{StepID: step.ID, Name: step.Name, Status: StatusPending}
		ec.run.update(func() {
			ec.jobRun.Steps = append(ec.jobRun.Steps, sr)
		})

		ectx := e.exprContext(ec.run, ec.cellValues(), ec.needs, failed)

		if step.If != "" {
			ok, err := e.evaluator.Evaluate(step.If, ectx)
			if err != nil {
				markStep(ec, sr, StatusFailed, "", fmt.Sprintf("invalid if condition: %v", err))
				if firstErr == nil {
					firstErr = err
				}
				failed = true
				continue
			}
			if !ok {
				markStep(ec, sr, StatusSkipped, "", "")
				continue
			}
		} else if failed {
			markStep(ec, sr, StatusSkipped, "", "")
			continue
		}

		ec.run.update(func() {
			now := time.Now().UTC()
			sr.Status = StatusRunning
			sr.StartedAt = &now
		})

		stepCtx := ctx
		cancel := context.CancelFunc(func() {})
		if step.Timeout > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, time.Duration(step.Timeout)*time.Second)
		}

		output, err := e.executeStep(stepCtx, ec, step, sr)
		timedOut := stepCtx.Err() == context.DeadlineExceeded
		cancel()
		if err != nil {
			if timedOut {
				err = &errors.TimeoutError{
					Operation: fmt.Sprintf("step %s", step.ID),
					Duration:  time.Duration(step.Timeout) * time.Second,
					Cause:     err,
				}
			}
			markStep(ec, sr, StatusFailed, output, ec.masker.Mask(err.Error()))
			if step.ContinueOnError {
				ec.logger.Warn("step failed, continuing", "step_id", step.ID, log.Error(err))
				continue
			}
			failed = true
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		markStep(ec, sr, StatusCompleted, output, "")
	}

	if failed {
		return firstErr
	}
	return nil
}

// executeStep dispatches one step to its action executor and returns the
// captured (masked) output.
func (e *Engine) executeStep(ctx context.Context, ec *execContext, step *pipeline.StepDefinition, sr *StepResult) (string, error) {
	ctx, span := e.startStepSpan(ctx, step.ID)
	defer span.End()

	ectx := e.exprContext(ec.run, ec.cellValues(), ec.needs, false)

	var output string
	var err error
	switch {
	case step.Run != "":
		output, err = e.runShell(ctx, ec, step, sr, ectx)
	case step.Checkout != nil:
		output, err = e.checkoutStep(ctx, ec, step.Checkout, ectx)
	case step.Build != nil:
		output, err = e.buildStep(ctx, ec, step.Build)
	case step.UploadArtifact != nil:
		output, err = e.uploadArtifactStep(ctx, ec, step.UploadArtifact, ectx)
	case step.DownloadArtifact != nil:
		output, err = e.downloadArtifactStep(ctx, ec, step.DownloadArtifact, ectx)
	case step.Publish != nil:
		output, err = e.publishStep(ctx, ec, step.Publish, ectx)
	default:
		err = fmt.Errorf("step %s has no action", step.ID)
	}

	if err != nil {
		tracing.RecordError(span, err)
	}
	return output, err
}

// runShell executes a shell command in the job workspace.
func (e *Engine) runShell(ctx context.Context, ec *execContext, step *pipeline.StepDefinition, sr *StepResult, ectx map[string]interface{}) (string, error) {
	script, err := e.evaluator.Interpolate(step.Run, ectx)
	if err != nil {
		return "", fmt.Errorf("invalid run template: %w", err)
	}
	stepEnv, err := e.evaluator.InterpolateStringMap(step.Env, ectx)
	if err != nil {
		return "", fmt.Errorf("invalid step env template: %w", err)
	}

	dir := ec.workspace
	if step.WorkingDirectory != "" {
		dir = filepath.Join(ec.workspace, step.WorkingDirectory)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", script)
	cmd.Dir = dir
	cmd.Env = ec.environ(stepEnv)

	out, err := cmd.CombinedOutput()
	output := ec.masker.Mask(string(out))
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			ec.run.update(func() {
				sr.ExitCode = exitErr.ExitCode()
			})
			return output, fmt.Errorf("command exited with code %d", exitErr.ExitCode())
		}
		return output, err
	}
	return output, nil
}

// checkoutStep clones the repository into the workspace and checks out the
// requested ref.
func (e *Engine) checkoutStep(ctx context.Context, ec *execContext, cs *pipeline.CheckoutStep, ectx map[string]interface{}) (string, error) {
	repo := cs.Repository
	if repo == "" {
		repo = e.repository
	}
	if repo == "" {
		return "", &errors.ConfigError{
			Key:    "repository",
			Reason: "checkout step has no repository and the engine has no default",
		}
	}

	ref, err := e.evaluator.Interpolate(cs.Ref, ectx)
	if err != nil {
		return "", fmt.Errorf("invalid checkout ref template: %w", err)
	}

	if out, err := runGit(ctx, ec.workspace, "clone", "--quiet", repo, "."); err != nil {
		return out, fmt.Errorf("git clone failed: %w", err)
	}
	if ref != "" {
		if out, err := runGit(ctx, ec.workspace, "-c", "advice.detachedHead=false", "checkout", "--quiet", "--detach", ref); err != nil {
			return out, fmt.Errorf("git checkout %s failed: %w", ref, err)
		}
	}
	return fmt.Sprintf("checked out %s at %s", repo, ref), nil
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// uploadArtifactStep stores a workspace directory as a named run artifact.
func (e *Engine) uploadArtifactStep(ctx context.Context, ec *execContext, as *pipeline.ArtifactStep, ectx map[string]interface{}) (string, error) {
	name, err := e.evaluator.Interpolate(as.Name, ectx)
	if err != nil {
		return "", fmt.Errorf("invalid artifact name template: %w", err)
	}

	art, err := e.store.Upload(ctx, ec.run.ID, name, filepath.Join(ec.workspace, as.Path), "")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("uploaded artifact %s: %d files, %d bytes", art.Name, art.Files, art.SizeBytes), nil
}

// downloadArtifactStep retrieves a named run artifact into the workspace.
func (e *Engine) downloadArtifactStep(ctx context.Context, ec *execContext, as *pipeline.ArtifactStep, ectx map[string]interface{}) (string, error) {
	name, err := e.evaluator.Interpolate(as.Name, ectx)
	if err != nil {
		return "", fmt.Errorf("invalid artifact name template: %w", err)
	}

	dest := filepath.Join(ec.workspace, as.Path)
	if err := e.store.Download(ctx, ec.run.ID, name, dest); err != nil {
		return "", err
	}
	return fmt.Sprintf("downloaded artifact %s to %s", name, as.Path), nil
}

// publishStep mints a short-lived token for the job and uploads the
// distribution files to the package index. Minting re-checks the job's
// id_token grant, so a publish step can never run with borrowed credentials
// from another job.
func (e *Engine) publishStep(ctx context.Context, ec *execContext, ps *pipeline.PublishStep, ectx map[string]interface{}) (string, error) {
	index, err := e.evaluator.Interpolate(ps.Index, ectx)
	if err != nil {
		return "", fmt.Errorf("invalid index template: %w", err)
	}

	token, err := e.issuer.MintForJob(ec.job, ec.run.ID, ec.run.Pipeline, index)
	if err != nil {
		return "", err
	}
	ec.masker.Add(token)

	results, err := e.uploader.UploadDir(ctx, index, filepath.Join(ec.workspace, ps.Path), token, ps.SkipExisting)
	if err != nil {
		return "", err
	}

	var lines []string
	for _, r := range results {
		if r.Skipped {
			lines = append(lines, fmt.Sprintf("skipped %s (already published)", r.File))
		} else {
			lines = append(lines, fmt.Sprintf("published %s", r.File))
		}
	}
	return strings.Join(lines, "\n"), nil
}

// markStep finalizes a step result under the run lock.
func markStep(ec *execContext, sr *StepResult, status Status, output, errMsg string) {
	ec.run.update(func() {
		now := time.Now().UTC()
		sr.Status = status
		sr.Output = output
		sr.Error = errMsg
		if sr.StartedAt == nil && status != StatusSkipped {
			sr.StartedAt = &now
		}
		sr.FinishedAt = &now
	})
}

// jobTimeout converts the job's timeout_minutes to a duration.
func jobTimeout(job *pipeline.JobDefinition) time.Duration {
	return time.Duration(job.TimeoutMinutes) * time.Minute
}
