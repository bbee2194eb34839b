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
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tombee/forge/internal/publish"
	"github.com/tombee/forge/internal/secrets"
	"github.com/tombee/forge/pkg/pipeline"
)

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	if opts.WorkDir == "" {
		opts.WorkDir = t.TempDir()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Secrets == nil {
		opts.Secrets = secrets.NewResolver(secrets.NewEnvBackend())
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(prometheus.NewRegistry())
	}
	eng, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return eng
}

func parseDef(t *testing.T, yamlText string) *pipeline.Definition {
	t.Helper()
	def, err := pipeline.ParseDefinition([]byte(yamlText))
	if err != nil {
		t.Fatalf("ParseDefinition() error = %v", err)
	}
	return def
}

func jobsByID(run *Run) map[string][]*JobRun {
	grouped := make(map[string][]*JobRun)
	for _, job := range run.Jobs {
		grouped[job.JobID] = append(grouped[job.JobID], job)
	}
	return grouped
}

func TestExecuteSequentialDAG(t *testing.T) {
	def := parseDef(t, `
name: chain
on:
  push:
    branches: [develop]
jobs:
  first:
    steps:
      - run: echo hello > out.txt
  second:
    needs: [first]
    steps:
      - run: echo done
`)
	eng := newTestEngine(t, Options{})

	run, err := eng.Execute(context.Background(), def, pipeline.TriggerTypePush, map[string]interface{}{"branch": "develop"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	snapshot := run.Snapshot()
	if snapshot.Status != StatusCompleted {
		t.Fatalf("run status = %s, error = %s", snapshot.Status, snapshot.Error)
	}
	jobs := jobsByID(snapshot)
	if len(jobs["first"]) != 1 || jobs["first"][0].Status != StatusCompleted {
		t.Errorf("first = %+v", jobs["first"])
	}
	if len(jobs["second"]) != 1 || jobs["second"][0].Status != StatusCompleted {
		t.Errorf("second = %+v", jobs["second"])
	}
	// second must start after first finished
	if jobs["second"][0].StartedAt.Before(*jobs["first"][0].FinishedAt) {
		t.Error("second started before first finished")
	}
}

func TestExecuteFailedDependencySkipsDependents(t *testing.T) {
	def := parseDef(t, `
name: gate
on:
  push:
    branches: [develop]
jobs:
  test:
    steps:
      - run: exit 1
  report:
    needs: [test]
    steps:
      - run: echo never
  audit:
    needs: [report]
    steps:
      - run: echo never
`)
	eng := newTestEngine(t, Options{})

	run, err := eng.Execute(context.Background(), def, pipeline.TriggerTypePush, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	snapshot := run.Snapshot()
	if snapshot.Status != StatusFailed {
		t.Fatalf("run status = %s", snapshot.Status)
	}
	jobs := jobsByID(snapshot)
	if jobs["test"][0].Status != StatusFailed {
		t.Errorf("test status = %s", jobs["test"][0].Status)
	}
	if jobs["report"][0].Status != StatusSkipped {
		t.Errorf("report status = %s, want skipped", jobs["report"][0].Status)
	}
	if jobs["audit"][0].Status != StatusSkipped {
		t.Errorf("audit status = %s, skips must cascade", jobs["audit"][0].Status)
	}
	if jobs["test"][0].Steps[0].ExitCode != 1 {
		t.Errorf("exit code = %d", jobs["test"][0].Steps[0].ExitCode)
	}
}

func TestExecuteMatrixCellsIndependent(t *testing.T) {
	def := parseDef(t, `
name: matrix-independence
on:
  push:
    branches: [develop]
jobs:
  test:
    strategy:
      matrix:
        flavor: ["good", "bad", "fine"]
    steps:
      - run: '[ "${{ matrix.flavor }}" != "bad" ]'
`)
	eng := newTestEngine(t, Options{})

	run, err := eng.Execute(context.Background(), def, pipeline.TriggerTypePush, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	snapshot := run.Snapshot()
	if snapshot.Status != StatusFailed {
		t.Fatalf("run status = %s", snapshot.Status)
	}

	cells := jobsByID(snapshot)["test"]
	if len(cells) != 3 {
		t.Fatalf("cells = %d, want 3", len(cells))
	}
	completed, failed := 0, 0
	for _, cell := range cells {
		switch cell.Status {
		case StatusCompleted:
			completed++
		case StatusFailed:
			failed++
			if cell.CellKey != "bad" {
				t.Errorf("failed cell = %s, want bad", cell.CellKey)
			}
		default:
			t.Errorf("cell %s status = %s, a failing sibling must not cancel it", cell.CellKey, cell.Status)
		}
	}
	if completed != 2 || failed != 1 {
		t.Errorf("completed = %d, failed = %d", completed, failed)
	}
}

func TestExecuteReleaseFlow(t *testing.T) {
	var uploaded []string
	var bearer string
	index := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, header, err := r.FormFile("content")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		uploaded = append(uploaded, header.Filename)
		bearer = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		w.WriteHeader(http.StatusOK)
	}))
	defer index.Close()

	def := parseDef(t, fmt.Sprintf(`
name: release-publisher
on:
  dispatch:
    inputs:
      - name: tag
        type: string
        required: true
        pattern: '^v\d+\.\d+\.\d+$'
jobs:
  test:
    strategy:
      matrix:
        python_version: ["3.9", "3.10"]
    steps:
      - run: echo "validating on ${{ matrix.python_version }}"
  build:
    needs: [test]
    steps:
      - run: mkdir -p src && echo "print('hi')" > src/main.py
      - build:
          source: src
      - upload_artifact:
          name: dist
          path: dist
  publish:
    needs: [build]
    permissions:
      id_token: write
    steps:
      - download_artifact:
          name: dist
          path: incoming
      - publish:
          index: %s
          path: incoming
`, index.URL))

	issuer, err := publish.NewIssuer()
	if err != nil {
		t.Fatal(err)
	}
	eng := newTestEngine(t, Options{Issuer: issuer})

	run, err := eng.Execute(context.Background(), def, pipeline.TriggerTypeDispatch, map[string]interface{}{"tag": "v1.2.3"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	snapshot := run.Snapshot()
	if snapshot.Status != StatusCompleted {
		for _, job := range snapshot.Jobs {
			t.Logf("job %s (%s): %s %s", job.JobID, job.CellKey, job.Status, job.Error)
			for _, step := range job.Steps {
				t.Logf("  step %s: %s %s %s", step.StepID, step.Status, step.Error, step.Output)
			}
		}
		t.Fatalf("run status = %s", snapshot.Status)
	}

	// 2 matrix cells + build + publish
	if len(snapshot.Jobs) != 4 {
		t.Fatalf("job runs = %d, want 4", len(snapshot.Jobs))
	}

	if len(uploaded) != 2 {
		t.Fatalf("uploaded = %v, want sdist and wheel", uploaded)
	}
	for _, name := range uploaded {
		if !strings.HasPrefix(name, "release_publisher-1.2.3") {
			t.Errorf("uploaded file %s should carry the tag-derived version", name)
		}
	}

	claims, err := issuer.Verify(bearer, index.URL)
	if err != nil {
		t.Fatalf("publish token did not verify: %v", err)
	}
	if claims.JobID != "publish" || claims.RunID != snapshot.ID {
		t.Errorf("claims = %+v", claims)
	}
}

func TestExecuteRequiresDeclaredInputs(t *testing.T) {
	def := parseDef(t, `
name: release
on:
  dispatch:
    inputs:
      - name: tag
        type: string
        required: true
jobs:
  noop:
    steps:
      - run: echo ok
`)
	eng := newTestEngine(t, Options{})

	if _, err := eng.Execute(context.Background(), def, pipeline.TriggerTypeDispatch, nil); err == nil {
		t.Error("Execute() should reject a dispatch without the required tag input")
	}
	if _, err := eng.Execute(context.Background(), def, pipeline.TriggerTypeDispatch, map[string]interface{}{"tag": ""}); err == nil {
		t.Error("Execute() should reject an empty required input")
	}
}

func TestExecuteRunnerCall(t *testing.T) {
	t.Setenv("FORGE_SECRET_PROD_API_KEY", "prod-secret-value")
	t.Setenv("FORGE_SECRET_DA_TEST_KEY", "da-secret-value")

	pipelineDir := t.TempDir()
	runnerDir := filepath.Join(pipelineDir, "runners")
	if err := os.MkdirAll(runnerDir, 0o755); err != nil {
		t.Fatal(err)
	}
	runnerYAML := `
name: sdk-tests
on:
  dispatch: {}
jobs:
  test:
    steps:
      - run: echo "py=$PYTHON_VERSION env=$TEST_ENV key=$API_KEY da=$DA_TEST_KEY"
`
	if err := os.WriteFile(filepath.Join(runnerDir, "sdk-tests.yaml"), []byte(runnerYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	def := parseDef(t, `
name: develop-validator
on:
  push:
    branches: [develop]
jobs:
  test:
    uses: ./runners/sdk-tests.yaml
    strategy:
      matrix:
        python_version: ["3.9", "3.10"]
    with:
      python-version: "${{ matrix.python_version }}"
      api-key: PROD_API_KEY
      da-test-key: DA_TEST_KEY
      fixture-profile: default
      test-env: prod
`)
	eng := newTestEngine(t, Options{PipelineDir: pipelineDir})

	run, err := eng.Execute(context.Background(), def, pipeline.TriggerTypePush, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	snapshot := run.Snapshot()
	if snapshot.Status != StatusCompleted {
		for _, job := range snapshot.Jobs {
			t.Logf("cell %s: %s %s", job.CellKey, job.Status, job.Error)
		}
		t.Fatalf("run status = %s", snapshot.Status)
	}

	cells := jobsByID(snapshot)["test"]
	if len(cells) != 2 {
		t.Fatalf("cells = %d", len(cells))
	}
	seen := map[string]bool{}
	for _, cell := range cells {
		if len(cell.Steps) != 1 {
			t.Fatalf("cell %s steps = %d", cell.CellKey, len(cell.Steps))
		}
		out := cell.Steps[0].Output
		if strings.Contains(out, "prod-secret-value") || strings.Contains(out, "da-secret-value") {
			t.Errorf("secret leaked into step output: %s", out)
		}
		if !strings.Contains(out, "key=***") || !strings.Contains(out, "da=***") {
			t.Errorf("secrets not masked in output: %s", out)
		}
		if strings.Contains(out, "py=3.9") {
			seen["3.9"] = true
		}
		if strings.Contains(out, "py=3.10") {
			seen["3.10"] = true
		}
		if !strings.Contains(out, "env=prod") {
			t.Errorf("test-env missing from runner env: %s", out)
		}
	}
	if !seen["3.9"] || !seen["3.10"] {
		t.Errorf("interpreter versions seen = %v, each cell must carry its own", seen)
	}
}

func TestExecuteRunnerCallRejectsIdenticalCredentials(t *testing.T) {
	t.Setenv("FORGE_SECRET_PROD_API_KEY", "prod-secret-value")
	t.Setenv("FORGE_SECRET_DA_TEST_KEY", "da-secret-value")

	pipelineDir := t.TempDir()
	runnerDir := filepath.Join(pipelineDir, "runners")
	if err := os.MkdirAll(runnerDir, 0o755); err != nil {
		t.Fatal(err)
	}
	runnerYAML := `
name: sdk-tests
on:
  dispatch: {}
jobs:
  test:
    steps:
      - run: echo ok
`
	if err := os.WriteFile(filepath.Join(runnerDir, "sdk-tests.yaml"), []byte(runnerYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	// The api-key is templated, so definition-time validation defers; the
	// cell resolving both names to DA_TEST_KEY must fail at execution time
	// while its sibling succeeds.
	def := parseDef(t, `
name: develop-validator
on:
  push:
    branches: [develop]
jobs:
  test:
    uses: ./runners/sdk-tests.yaml
    strategy:
      matrix:
        cred: ["PROD_API_KEY", "DA_TEST_KEY"]
    with:
      python-version: "3.9"
      api-key: "${{ matrix.cred }}"
      da-test-key: DA_TEST_KEY
`)
	eng := newTestEngine(t, Options{PipelineDir: pipelineDir})

	run, err := eng.Execute(context.Background(), def, pipeline.TriggerTypePush, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	snapshot := run.Snapshot()
	if snapshot.Status != StatusFailed {
		t.Fatalf("run status = %s", snapshot.Status)
	}

	cells := jobsByID(snapshot)["test"]
	var failed, completed *JobRun
	for _, cell := range cells {
		switch cell.Status {
		case StatusFailed:
			failed = cell
		case StatusCompleted:
			completed = cell
		}
	}
	if failed == nil || completed == nil {
		t.Fatalf("want one failed and one completed cell, got %+v", cells)
	}
	if failed.CellKey != "DA_TEST_KEY" {
		t.Errorf("failed cell = %s", failed.CellKey)
	}
	if !strings.Contains(failed.Error, "distinct") {
		t.Errorf("failure reason = %q, want the distinct-credentials contract", failed.Error)
	}
}

func TestExecuteStepConditions(t *testing.T) {
	def := parseDef(t, `
name: conditions
on:
  push:
    branches: [develop]
jobs:
  test:
    steps:
      - id: break
        run: exit 7
      - id: never
        run: echo unreachable
      - id: rescue
        if: failure()
        run: echo cleanup
      - id: final
        if: always()
        run: echo reported
`)
	eng := newTestEngine(t, Options{})

	run, err := eng.Execute(context.Background(), def, pipeline.TriggerTypePush, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	snapshot := run.Snapshot()
	if snapshot.Status != StatusFailed {
		t.Fatalf("run status = %s", snapshot.Status)
	}

	steps := jobsByID(snapshot)["test"][0].Steps
	want := map[string]Status{
		"break":  StatusFailed,
		"never":  StatusSkipped,
		"rescue": StatusCompleted,
		"final":  StatusCompleted,
	}
	for _, step := range steps {
		if step.Status != want[step.StepID] {
			t.Errorf("step %s = %s, want %s", step.StepID, step.Status, want[step.StepID])
		}
	}
}

func TestExecuteContinueOnError(t *testing.T) {
	def := parseDef(t, `
name: tolerant
on:
  push:
    branches: [develop]
jobs:
  test:
    steps:
      - run: exit 1
        continue_on_error: true
      - run: echo survived
`)
	eng := newTestEngine(t, Options{})

	run, err := eng.Execute(context.Background(), def, pipeline.TriggerTypePush, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	snapshot := run.Snapshot()
	if snapshot.Status != StatusCompleted {
		t.Fatalf("run status = %s, continue_on_error must not fail the job", snapshot.Status)
	}
	steps := jobsByID(snapshot)["test"][0].Steps
	if steps[0].Status != StatusFailed || steps[1].Status != StatusCompleted {
		t.Errorf("steps = %s, %s", steps[0].Status, steps[1].Status)
	}
}

func TestExecuteJobIfSkips(t *testing.T) {
	def := parseDef(t, `
name: gated
on:
  dispatch:
    inputs:
      - name: channel
        type: enum
        enum: [stable, nightly]
        default: stable
jobs:
  nightly_only:
    if: inputs.channel == "nightly"
    steps:
      - run: echo nightly
  always_on:
    steps:
      - run: echo hello
`)
	eng := newTestEngine(t, Options{})

	run, err := eng.Execute(context.Background(), def, pipeline.TriggerTypeDispatch, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	snapshot := run.Snapshot()
	if snapshot.Status != StatusCompleted {
		t.Fatalf("run status = %s", snapshot.Status)
	}
	jobs := jobsByID(snapshot)
	if jobs["nightly_only"][0].Status != StatusSkipped {
		t.Errorf("nightly_only = %s", jobs["nightly_only"][0].Status)
	}
	if jobs["always_on"][0].Status != StatusCompleted {
		t.Errorf("always_on = %s", jobs["always_on"][0].Status)
	}
}

func TestExecuteIsolatedWorkspaces(t *testing.T) {
	def := parseDef(t, `
name: isolation
on:
  push:
    branches: [develop]
jobs:
  writer:
    steps:
      - run: echo private > file.txt
  reader:
    needs: [writer]
    steps:
      - run: test ! -f file.txt
`)
	eng := newTestEngine(t, Options{})

	run, err := eng.Execute(context.Background(), def, pipeline.TriggerTypePush, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if status := run.Snapshot().Status; status != StatusCompleted {
		t.Errorf("run status = %s, jobs must not share a workspace", status)
	}
}

func TestCleanupRemovesRunState(t *testing.T) {
	workDir := t.TempDir()
	def := parseDef(t, `
name: cleanup
on:
  push:
    branches: [develop]
jobs:
  producer:
    steps:
      - run: echo data > payload.txt
      - upload_artifact:
          name: payload
          path: .
`)
	eng := newTestEngine(t, Options{WorkDir: workDir})

	run, err := eng.Execute(context.Background(), def, pipeline.TriggerTypePush, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	snapshot := run.Snapshot()
	if snapshot.Status != StatusCompleted {
		t.Fatalf("run status = %s", snapshot.Status)
	}

	if err := eng.Cleanup(context.Background(), snapshot.ID); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(workDir, snapshot.ID)); !os.IsNotExist(err) {
		t.Error("run workspaces not removed")
	}
	if _, err := eng.Store().Get(context.Background(), snapshot.ID, "payload"); err == nil {
		t.Error("run artifacts not removed")
	}
}
