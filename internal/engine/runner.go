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
	"os"
	"path/filepath"
	"strings"

	"github.com/tombee/forge/pkg/errors"
	"github.com/tombee/forge/pkg/pipeline"
)

// executeRunnerCall invokes a shared runner pipeline for one matrix cell.
//
// The with block is interpolated against the cell's matrix values and the
// run's inputs, then re-checked against the runner contract: templated
// values defer validation to this point, so a cell that resolves to an empty
// interpreter version or identical credential references fails here, before
// any runner step executes. The two credential reference names resolve to
// secret values that reach the runner only through its environment.
func (e *Engine) executeRunnerCall(ctx context.Context, ec *execContext) error {
	ectx := e.exprContext(ec.run, ec.cellValues(), ec.needs, false)

	resolvedWith, err := e.evaluator.InterpolateMap(ec.job.With, ectx)
	if err != nil {
		return fmt.Errorf("invalid with template: %w", err)
	}
	if err := pipeline.CheckRunnerWith(resolvedWith); err != nil {
		return err
	}

	runnerEnv := make(map[string]string, len(resolvedWith))
	for key, value := range resolvedWith {
		switch key {
		case pipeline.WithAPIKey, pipeline.WithDATestKey:
			ref, _ := value.(string)
			secret, err := e.secrets.Resolve(ctx, ref)
			if err != nil {
				return fmt.Errorf("failed to resolve runner credential %s: %w", key, err)
			}
			ec.masker.Add(secret)
			runnerEnv[envNameForWith(key)] = secret
		default:
			runnerEnv[envNameForWith(key)] = fmt.Sprintf("%v", value)
		}
	}

	runnerDef, err := e.loadRunner(ec.job.Uses)
	if err != nil {
		return err
	}

	// The runner executes in the cell's workspace; the resolved with block
	// reaches its steps through the environment (PYTHON_VERSION, API_KEY,
	// DA_TEST_KEY, FIXTURE_PROFILE, TEST_ENV).
	runnerEC := &execContext{
		run:       ec.run,
		def:       runnerDef,
		job:       ec.job,
		jobRun:    ec.jobRun,
		workspace: ec.workspace,
		needs:     ec.needs,
		masker:    ec.masker,
		env:       make(map[string]string, len(ec.env)+len(runnerEnv)),
		logger:    ec.logger,
	}
	for k, v := range ec.env {
		runnerEC.env[k] = v
	}
	for k, v := range runnerEnv {
		runnerEC.env[k] = v
	}

	for _, id := range runnerDef.JobOrder() {
		job := runnerDef.Jobs[id]
		if job.Uses != "" {
			return &errors.ValidationError{
				Field:      fmt.Sprintf("jobs.%s.uses", id),
				Message:    "runner pipelines cannot invoke other runners",
				Suggestion: "inline the steps in the runner pipeline",
			}
		}
		if err := e.executeSteps(ctx, runnerEC, job.Steps); err != nil {
			return fmt.Errorf("runner job %s failed: %w", id, err)
		}
	}

	return nil
}

// loadRunner parses the referenced runner pipeline file.
func (e *Engine) loadRunner(ref string) (*pipeline.Definition, error) {
	path := ref
	if !filepath.IsAbs(path) {
		path = filepath.Join(e.pipelineDir, ref)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &errors.NotFoundError{Resource: "runner pipeline", ID: ref}
	}
	def, err := pipeline.ParseDefinition(data)
	if err != nil {
		return nil, fmt.Errorf("invalid runner pipeline %s: %w", ref, err)
	}
	return def, nil
}

// envNameForWith maps a with-parameter name to its runner environment
// variable ("python-version" becomes PYTHON_VERSION).
func envNameForWith(key string) string {
	return strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
}
