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

package pipeline

import (
	"strings"
	"testing"
)

// releasePipelineYAML is a representative release pipeline: dispatch with a
// required tag, validation matrix via a shared runner, build and publish in
// separate jobs with the token grant only on publish.
const releasePipelineYAML = `
name: release-publisher
description: Publishes tagged releases to the package index

on:
  dispatch:
    inputs:
      - name: tag
        type: string
        required: true
        description: Release tag to publish

jobs:
  test:
    uses: ./runners/sdk-tests.yaml
    strategy:
      matrix:
        python_version: ["3.8", "3.9", "3.10", "3.11"]
    with:
      python-version: "${{ matrix.python_version }}"
      api-key: "PROD_API_KEY"
      da-test-key: "DA_TEST_KEY"
      test-env: "prod"
      fixture-profile: "release"

  build:
    needs: [test]
    steps:
      - checkout:
          ref: "${{ inputs.tag }}"
      - build:
          formats: [sdist, wheel]
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
          path: dist
      - publish:
          index: https://upload.pypi.org/legacy/
`

const validatorPipelineYAML = `
name: develop-validator

on:
  push:
    branches: [develop]
  pull_request:
    branches: [develop]

jobs:
  test:
    uses: ./runners/sdk-tests.yaml
    strategy:
      matrix:
        python_version: ["3.8", "3.9", "3.10", "3.11"]
    with:
      python-version: "${{ matrix.python_version }}"
      api-key: "STAGING_API_KEY"
      da-test-key: "DA_STAGING_TEST_KEY"
      test-env: "staging"
`

func TestParseDefinitionReleasePipeline(t *testing.T) {
	def, err := ParseDefinition([]byte(releasePipelineYAML))
	if err != nil {
		t.Fatalf("ParseDefinition() error = %v", err)
	}

	if def.Name != "release-publisher" {
		t.Errorf("Name = %s", def.Name)
	}
	if def.On.Dispatch == nil {
		t.Fatal("dispatch trigger missing")
	}
	if len(def.Jobs) != 3 {
		t.Fatalf("jobs = %d, want 3", len(def.Jobs))
	}

	order := def.JobOrder()
	want := []string{"test", "build", "publish"}
	for i, id := range want {
		if order[i] != id {
			t.Errorf("JobOrder()[%d] = %s, want %s", i, order[i], id)
		}
	}

	if def.Jobs["publish"].ID != "publish" {
		t.Errorf("job ID not propagated from map key: %q", def.Jobs["publish"].ID)
	}
}

func TestParseDefinitionValidatorPipeline(t *testing.T) {
	def, err := ParseDefinition([]byte(validatorPipelineYAML))
	if err != nil {
		t.Fatalf("ParseDefinition() error = %v", err)
	}
	if def.On.Push == nil || !def.On.Push.Matches("develop") {
		t.Error("push trigger should match develop")
	}
	if def.On.Push.Matches("main") {
		t.Error("push trigger should not match main")
	}
}

func TestApplyDefaults(t *testing.T) {
	def, err := ParseDefinition([]byte(releasePipelineYAML))
	if err != nil {
		t.Fatalf("ParseDefinition() error = %v", err)
	}

	build := def.Jobs["build"]
	var buildStep *StepDefinition
	for i := range build.Steps {
		if build.Steps[i].Build != nil {
			buildStep = &build.Steps[i]
		}
	}
	if buildStep == nil {
		t.Fatal("build step missing")
	}
	if buildStep.Build.Source != "." || buildStep.Build.OutDir != "dist" {
		t.Errorf("build defaults = %q, %q", buildStep.Build.Source, buildStep.Build.OutDir)
	}
	if buildStep.Timeout != DefaultCommandStepTimeout {
		t.Errorf("build timeout = %d, want %d", buildStep.Timeout, DefaultCommandStepTimeout)
	}

	publish := def.Jobs["publish"]
	for i := range publish.Steps {
		step := &publish.Steps[i]
		if step.Publish != nil {
			if step.Publish.Path != "dist" {
				t.Errorf("publish path default = %q, want dist", step.Publish.Path)
			}
			if step.Timeout != DefaultTransferStepTimeout {
				t.Errorf("publish timeout = %d, want %d", step.Timeout, DefaultTransferStepTimeout)
			}
		}
		if step.ID == "" {
			t.Error("step ID should be auto-generated")
		}
	}
}

func TestValidateRejectsMissingTrigger(t *testing.T) {
	yaml := `
name: broken
jobs:
  test:
    steps:
      - run: echo hi
`
	if _, err := ParseDefinition([]byte(yaml)); err == nil {
		t.Error("pipeline without triggers should be rejected")
	}
}

func TestValidateRejectsUndefinedNeeds(t *testing.T) {
	yaml := `
name: broken
on:
  push: {}
jobs:
  build:
    needs: [missing]
    steps:
      - run: echo hi
`
	_, err := ParseDefinition([]byte(yaml))
	if err == nil || !strings.Contains(err.Error(), "undefined job") {
		t.Errorf("expected undefined-needs error, got %v", err)
	}
}

func TestValidateRejectsDependencyCycle(t *testing.T) {
	yaml := `
name: broken
on:
  push: {}
jobs:
  a:
    needs: [b]
    steps:
      - run: echo a
  b:
    needs: [a]
    steps:
      - run: echo b
`
	_, err := ParseDefinition([]byte(yaml))
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Errorf("expected cycle error, got %v", err)
	}
}

func TestReleaseGateBuildAndPublishSeparation(t *testing.T) {
	yaml := `
name: broken
on:
  dispatch:
    inputs:
      - name: tag
        type: string
        required: true
jobs:
  release:
    permissions:
      id_token: write
    steps:
      - build: {}
      - publish:
          index: https://upload.pypi.org/legacy/
`
	_, err := ParseDefinition([]byte(yaml))
	if err == nil || !strings.Contains(err.Error(), "separate jobs") {
		t.Errorf("expected build/publish separation error, got %v", err)
	}
}

func TestReleaseGateRequiresTokenGrant(t *testing.T) {
	yaml := `
name: broken
on:
  dispatch:
    inputs:
      - name: tag
        type: string
        required: true
jobs:
  build:
    steps:
      - build: {}
  publish:
    needs: [build]
    steps:
      - publish:
          index: https://upload.pypi.org/legacy/
`
	_, err := ParseDefinition([]byte(yaml))
	if err == nil || !strings.Contains(err.Error(), "id_token") {
		t.Errorf("expected missing-grant error, got %v", err)
	}
}

func TestReleaseGateRejectsGrantOnNonPublishJob(t *testing.T) {
	yaml := `
name: broken
on:
  dispatch:
    inputs:
      - name: tag
        type: string
        required: true
jobs:
  build:
    permissions:
      id_token: write
    steps:
      - build: {}
  publish:
    needs: [build]
    permissions:
      id_token: write
    steps:
      - publish:
          index: https://upload.pypi.org/legacy/
`
	_, err := ParseDefinition([]byte(yaml))
	if err == nil || !strings.Contains(err.Error(), "only allowed on jobs with publish") {
		t.Errorf("expected grant-isolation error, got %v", err)
	}
}

func TestReleaseGateRequiresDispatchTagInput(t *testing.T) {
	yaml := `
name: broken
on:
  push: {}
jobs:
  build:
    steps:
      - build: {}
  publish:
    needs: [build]
    permissions:
      id_token: write
    steps:
      - publish:
          index: https://upload.pypi.org/legacy/
`
	_, err := ParseDefinition([]byte(yaml))
	if err == nil || !strings.Contains(err.Error(), "dispatch") {
		t.Errorf("expected dispatch-trigger error, got %v", err)
	}
}

func TestReleaseGateRequiresPublishNeeds(t *testing.T) {
	yaml := `
name: broken
on:
  dispatch:
    inputs:
      - name: tag
        type: string
        required: true
jobs:
  publish:
    permissions:
      id_token: write
    steps:
      - publish:
          index: https://upload.pypi.org/legacy/
`
	_, err := ParseDefinition([]byte(yaml))
	if err == nil || !strings.Contains(err.Error(), "depend on") {
		t.Errorf("expected publish-needs error, got %v", err)
	}
}

func TestRunnerCallValidation(t *testing.T) {
	tests := []struct {
		name    string
		with    map[string]interface{}
		wantErr string
	}{
		{
			name: "valid call",
			with: map[string]interface{}{
				WithInterpreterVersion: "3.11",
				WithAPIKey:             "PROD_API_KEY",
				WithDATestKey:          "DA_TEST_KEY",
				WithTestEnv:            "prod",
			},
		},
		{
			name: "missing interpreter version",
			with: map[string]interface{}{
				WithAPIKey:    "PROD_API_KEY",
				WithDATestKey: "DA_TEST_KEY",
			},
			wantErr: "interpreter version",
		},
		{
			name: "empty interpreter version",
			with: map[string]interface{}{
				WithInterpreterVersion: "",
				WithAPIKey:             "PROD_API_KEY",
				WithDATestKey:          "DA_TEST_KEY",
			},
			wantErr: "cannot be empty",
		},
		{
			name: "missing credential",
			with: map[string]interface{}{
				WithInterpreterVersion: "3.11",
				WithAPIKey:             "PROD_API_KEY",
			},
			wantErr: "credential reference names",
		},
		{
			name: "identical credentials",
			with: map[string]interface{}{
				WithInterpreterVersion: "3.11",
				WithAPIKey:             "SAME_KEY",
				WithDATestKey:          "SAME_KEY",
			},
			wantErr: "distinct",
		},
		{
			name: "templated credentials deferred",
			with: map[string]interface{}{
				WithInterpreterVersion: "3.11",
				WithAPIKey:             "${{ matrix.api_key }}",
				WithDATestKey:          "${{ matrix.da_key }}",
			},
		},
		{
			name: "invalid test env",
			with: map[string]interface{}{
				WithInterpreterVersion: "3.11",
				WithAPIKey:             "PROD_API_KEY",
				WithDATestKey:          "DA_TEST_KEY",
				WithTestEnv:            "dev",
			},
			wantErr: "invalid test environment",
		},
		{
			name: "templated test env deferred",
			with: map[string]interface{}{
				WithInterpreterVersion: "3.11",
				WithAPIKey:             "PROD_API_KEY",
				WithDATestKey:          "DA_TEST_KEY",
				WithTestEnv:            "${{ inputs.env }}",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := &JobDefinition{ID: "test", Uses: "./runners/sdk-tests.yaml", With: tt.with}
			err := job.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestStepDefinitionValidate(t *testing.T) {
	tests := []struct {
		name    string
		step    StepDefinition
		wantErr bool
	}{
		{
			name:    "no action",
			step:    StepDefinition{},
			wantErr: true,
		},
		{
			name:    "two actions",
			step:    StepDefinition{Run: "echo", Build: &BuildStep{}},
			wantErr: true,
		},
		{
			name: "run",
			step: StepDefinition{Run: "pytest"},
		},
		{
			name:    "checkout without ref",
			step:    StepDefinition{Checkout: &CheckoutStep{}},
			wantErr: true,
		},
		{
			name: "checkout with templated ref",
			step: StepDefinition{Checkout: &CheckoutStep{Ref: "${{ inputs.tag }}"}},
		},
		{
			name:    "bad build format",
			step:    StepDefinition{Build: &BuildStep{Formats: []string{"egg"}}},
			wantErr: true,
		},
		{
			name:    "artifact without name",
			step:    StepDefinition{UploadArtifact: &ArtifactStep{Path: "dist"}},
			wantErr: true,
		},
		{
			name:    "publish without index",
			step:    StepDefinition{Publish: &PublishStep{}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.step.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestJobDefinitionUsesAndStepsExclusive(t *testing.T) {
	job := &JobDefinition{
		ID:    "test",
		Uses:  "./runners/sdk-tests.yaml",
		Steps: []StepDefinition{{Run: "echo"}},
	}
	if err := job.Validate(); err == nil {
		t.Error("uses and steps together should be rejected")
	}

	empty := &JobDefinition{ID: "test"}
	if err := empty.Validate(); err == nil {
		t.Error("job without steps or uses should be rejected")
	}
}

func TestFailFastDefaultsToDisabled(t *testing.T) {
	def, err := ParseDefinition([]byte(releasePipelineYAML))
	if err != nil {
		t.Fatalf("ParseDefinition() error = %v", err)
	}
	strategy := def.Jobs["test"].Strategy
	if strategy == nil {
		t.Fatal("test job strategy missing")
	}
	if strategy.FailFast {
		t.Error("fail_fast must default to disabled so every cell reports")
	}
}
