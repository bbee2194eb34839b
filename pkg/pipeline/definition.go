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

// Package pipeline provides release pipeline definition primitives.
//
// Pipeline definitions are concise YAML documents: triggers under "on",
// jobs keyed by ID with optional matrix strategies, and steps that check
// out sources, run commands, build distribution archives, move artifacts
// between jobs, and publish to a package index.
package pipeline

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tombee/forge/pkg/errors"
)

// Default step timeouts in seconds, applied when a step does not specify an
// explicit timeout.
const (
	// DefaultCommandStepTimeout covers run, checkout, and build steps.
	// Builds and test suites can take several minutes.
	DefaultCommandStepTimeout = 600

	// DefaultTransferStepTimeout covers artifact upload/download and publish.
	DefaultTransferStepTimeout = 120
)

// jobIDPattern constrains job identifiers to a safe charset.
var jobIDPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_-]*$`)

// Definition represents a YAML-based pipeline definition.
// It defines the triggers, jobs, and steps of a pipeline that can be loaded
// from a YAML file and executed by the engine.
type Definition struct {
	// Name is the pipeline identifier
	Name string `yaml:"name" json:"name"`

	// Description provides human-readable context about the pipeline
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// On defines how this pipeline can be started (dispatch, push,
	// pull_request, schedule)
	On *TriggerConfig `yaml:"on" json:"on"`

	// Env defines pipeline-level environment variables visible to every job
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// Jobs are the executable units of the pipeline, keyed by job ID
	Jobs map[string]*JobDefinition `yaml:"jobs" json:"jobs"`

	// jobOrder preserves the declaration order of jobs
	jobOrder []string
}

// JobDefinition represents a single job in a pipeline.
//
// A job either carries its own steps or invokes a shared runner pipeline via
// Uses, forwarding per-invocation configuration through With. Jobs run in
// isolated workspaces; data moves between jobs only through artifacts.
type JobDefinition struct {
	// ID is the job identifier within this pipeline (set from the map key)
	ID string `yaml:"-" json:"id"`

	// Name is a human-readable job name (optional)
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// Needs lists the job IDs that must complete successfully before this
	// job starts. A failed dependency marks this job skipped.
	Needs []string `yaml:"needs,omitempty" json:"needs,omitempty"`

	// If is a condition expression gating job execution
	If string `yaml:"if,omitempty" json:"if,omitempty"`

	// Uses references a shared runner pipeline file to invoke instead of
	// running local steps (e.g., "./runners/sdk-tests.yaml")
	Uses string `yaml:"uses,omitempty" json:"uses,omitempty"`

	// With forwards per-invocation configuration to the shared runner
	With map[string]interface{} `yaml:"with,omitempty" json:"with,omitempty"`

	// Secrets lists the credential reference names forwarded to the runner.
	// Values are resolved by the secret providers at execution time and
	// never stored in the definition.
	Secrets []string `yaml:"secrets,omitempty" json:"secrets,omitempty"`

	// Strategy configures matrix fan-out for this job
	Strategy *StrategyDefinition `yaml:"strategy,omitempty" json:"strategy,omitempty"`

	// Permissions declare the access grants for this job's execution context
	Permissions *PermissionDefinition `yaml:"permissions,omitempty" json:"permissions,omitempty"`

	// Env defines job-level environment variables
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// TimeoutMinutes bounds total job execution time (0 = engine default)
	TimeoutMinutes int `yaml:"timeout_minutes,omitempty" json:"timeout_minutes,omitempty"`

	// Steps are the sequential steps of the job
	Steps []StepDefinition `yaml:"steps,omitempty" json:"steps,omitempty"`
}

// StepDefinition represents a single step in a job.
//
// Exactly one action field must be set: Run, Checkout, Build,
// UploadArtifact, DownloadArtifact, or Publish.
type StepDefinition struct {
	// ID is the step identifier within the job (optional, auto-generated)
	ID string `yaml:"id,omitempty" json:"id,omitempty"`

	// Name is a human-readable step name (optional)
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// If is a condition expression gating step execution
	If string `yaml:"if,omitempty" json:"if,omitempty"`

	// Run executes a shell command in the job workspace
	Run string `yaml:"run,omitempty" json:"run,omitempty"`

	// Checkout fetches repository contents at a ref into the workspace
	Checkout *CheckoutStep `yaml:"checkout,omitempty" json:"checkout,omitempty"`

	// Build produces distribution archives into a fixed output directory
	Build *BuildStep `yaml:"build,omitempty" json:"build,omitempty"`

	// UploadArtifact stores a directory as a named run artifact
	UploadArtifact *ArtifactStep `yaml:"upload_artifact,omitempty" json:"upload_artifact,omitempty"`

	// DownloadArtifact retrieves a named run artifact into the workspace
	DownloadArtifact *ArtifactStep `yaml:"download_artifact,omitempty" json:"download_artifact,omitempty"`

	// Publish pushes downloaded artifacts to a package index using a
	// short-lived ambient identity token
	Publish *PublishStep `yaml:"publish,omitempty" json:"publish,omitempty"`

	// Env defines step-level environment variables
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// WorkingDirectory overrides the workspace-relative working directory
	WorkingDirectory string `yaml:"working_directory,omitempty" json:"working_directory,omitempty"`

	// ContinueOnError allows the job to proceed when this step fails
	ContinueOnError bool `yaml:"continue_on_error,omitempty" json:"continue_on_error,omitempty"`

	// Timeout sets the maximum execution time for this step (in seconds)
	Timeout int `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// CheckoutStep fetches repository contents.
type CheckoutStep struct {
	// Repository is the source location (path or URL). Empty means the
	// repository the daemon is configured with.
	Repository string `yaml:"repository,omitempty" json:"repository,omitempty"`

	// Ref is the tag, branch, or commit to check out. Supports template
	// expressions like ${{ inputs.tag }}.
	Ref string `yaml:"ref" json:"ref"`
}

// BuildStep produces distribution archives.
type BuildStep struct {
	// Source is the workspace-relative directory to package (default ".")
	Source string `yaml:"source,omitempty" json:"source,omitempty"`

	// OutDir is the workspace-relative output directory (default "dist")
	OutDir string `yaml:"out_dir,omitempty" json:"out_dir,omitempty"`

	// Formats lists the archive formats to produce (sdist, wheel)
	Formats []string `yaml:"formats,omitempty" json:"formats,omitempty"`
}

// ArtifactStep names an artifact and the workspace path it maps to.
type ArtifactStep struct {
	// Name identifies the artifact within the run
	Name string `yaml:"name" json:"name"`

	// Path is the workspace-relative directory to upload from or download into
	Path string `yaml:"path" json:"path"`
}

// PublishStep pushes artifacts to a package index.
type PublishStep struct {
	// Index is the package index upload URL
	Index string `yaml:"index" json:"index"`

	// Path is the workspace-relative directory holding the files to publish
	// (default "dist")
	Path string `yaml:"path,omitempty" json:"path,omitempty"`

	// SkipExisting tolerates already-published versions
	SkipExisting bool `yaml:"skip_existing,omitempty" json:"skip_existing,omitempty"`
}

// Reserved with-parameter names for shared runner invocations. The runner
// contract requires an interpreter version and two distinct credential
// reference names per invocation.
const (
	WithInterpreterVersion = "python-version"
	WithAPIKey             = "api-key"
	WithDATestKey          = "da-test-key"
	WithFixtureProfile     = "fixture-profile"
	WithTestEnv            = "test-env"
)

// ValidTestEnvs enumerates the allowed test-env values.
var ValidTestEnvs = map[string]bool{
	"prod":    true,
	"staging": true,
}

// ParseDefinition parses a pipeline definition from YAML bytes.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline definition: %w", err)
	}

	def.ApplyDefaults()

	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline definition: %w", err)
	}

	return &def, nil
}

// UnmarshalYAML implements custom unmarshaling to capture job declaration
// order and propagate map keys into job IDs.
func (d *Definition) UnmarshalYAML(value *yaml.Node) error {
	type plainDefinition Definition
	var plain plainDefinition
	if err := value.Decode(&plain); err != nil {
		return err
	}
	*d = Definition(plain)

	// Recover job order from the raw node.
	for i := 0; i+1 < len(value.Content); i += 2 {
		if value.Content[i].Value != "jobs" {
			continue
		}
		jobsNode := value.Content[i+1]
		if jobsNode.Kind != yaml.MappingNode {
			return fmt.Errorf("jobs must be a mapping")
		}
		for j := 0; j+1 < len(jobsNode.Content); j += 2 {
			d.jobOrder = append(d.jobOrder, jobsNode.Content[j].Value)
		}
	}

	for id, job := range d.Jobs {
		if job != nil {
			job.ID = id
		}
	}

	return nil
}

// JobOrder returns job IDs in declaration order. Jobs added
// programmatically after parsing fall back to map iteration order.
func (d *Definition) JobOrder() []string {
	if len(d.jobOrder) == len(d.Jobs) {
		return d.jobOrder
	}
	order := make([]string, 0, len(d.Jobs))
	for id := range d.Jobs {
		order = append(order, id)
	}
	return order
}

// ApplyDefaults applies default values to pipeline, job, and step fields.
func (d *Definition) ApplyDefaults() {
	for id, job := range d.Jobs {
		if job == nil {
			continue
		}
		job.ID = id

		for i := range job.Steps {
			step := &job.Steps[i]

			if step.Timeout == 0 {
				switch {
				case step.Run != "" || step.Checkout != nil || step.Build != nil:
					step.Timeout = DefaultCommandStepTimeout
				default:
					step.Timeout = DefaultTransferStepTimeout
				}
			}

			if step.Build != nil {
				if step.Build.Source == "" {
					step.Build.Source = "."
				}
				if step.Build.OutDir == "" {
					step.Build.OutDir = "dist"
				}
				if len(step.Build.Formats) == 0 {
					step.Build.Formats = []string{"sdist", "wheel"}
				}
			}

			if step.Publish != nil && step.Publish.Path == "" {
				step.Publish.Path = "dist"
			}

			if step.ID == "" {
				step.ID = autoStepID(step, i)
			}
		}
	}
}

// autoStepID derives a step ID from its action type and position.
func autoStepID(step *StepDefinition, index int) string {
	base := "step"
	switch {
	case step.Run != "":
		base = "run"
	case step.Checkout != nil:
		base = "checkout"
	case step.Build != nil:
		base = "build"
	case step.UploadArtifact != nil:
		base = "upload_artifact"
	case step.DownloadArtifact != nil:
		base = "download_artifact"
	case step.Publish != nil:
		base = "publish"
	}
	return fmt.Sprintf("%s_%d", base, index+1)
}

// Validate checks if the pipeline definition is valid.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return &errors.ValidationError{
			Field:      "name",
			Message:    "pipeline name is required",
			Suggestion: "add a descriptive name for the pipeline",
		}
	}

	if d.On == nil {
		return &errors.ValidationError{
			Field:      "on",
			Message:    "pipeline must declare at least one trigger",
			Suggestion: "add an 'on' section with dispatch, push, pull_request, or schedule",
		}
	}
	if err := d.On.Validate(); err != nil {
		return err
	}

	if len(d.Jobs) == 0 {
		return &errors.ValidationError{
			Field:      "jobs",
			Message:    "pipeline must have at least one job",
			Suggestion: "add at least one job to the pipeline definition",
		}
	}

	for _, id := range d.JobOrder() {
		job := d.Jobs[id]
		if job == nil {
			return &errors.ValidationError{
				Field:   "jobs",
				Message: fmt.Sprintf("job %s is empty", id),
			}
		}
		if !jobIDPattern.MatchString(id) {
			return &errors.ValidationError{
				Field:      "jobs",
				Message:    fmt.Sprintf("invalid job ID: %s", id),
				Suggestion: "job IDs must start with a letter or underscore and contain only letters, digits, underscores, and hyphens",
			}
		}
		if err := job.Validate(); err != nil {
			return fmt.Errorf("invalid job %s: %w", id, err)
		}

		for _, dep := range job.Needs {
			if _, ok := d.Jobs[dep]; !ok {
				return &errors.ValidationError{
					Field:      fmt.Sprintf("jobs.%s.needs", id),
					Message:    fmt.Sprintf("job %s needs undefined job: %s", id, dep),
					Suggestion: "reference an existing job ID",
				}
			}
			if dep == id {
				return &errors.ValidationError{
					Field:   fmt.Sprintf("jobs.%s.needs", id),
					Message: fmt.Sprintf("job %s cannot depend on itself", id),
				}
			}
		}
	}

	if err := d.validateAcyclic(); err != nil {
		return err
	}

	if err := d.validateReleaseGate(); err != nil {
		return err
	}

	return nil
}

// validateAcyclic rejects dependency cycles between jobs.
func (d *Definition) validateAcyclic() error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(d.Jobs))

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return &errors.ValidationError{
				Field:      "jobs",
				Message:    fmt.Sprintf("dependency cycle involving job %s", id),
				Suggestion: "remove the circular 'needs' reference",
			}
		case done:
			return nil
		}
		state[id] = visiting
		for _, dep := range d.Jobs[id].Needs {
			if _, ok := d.Jobs[dep]; !ok {
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}

	for id := range d.Jobs {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// validateReleaseGate enforces the release pipeline conformance rules:
// pipelines that publish must be dispatched with a required tag input, and
// build and publish must live in separate jobs so that only the publish job
// carries the token-issuance grant.
func (d *Definition) validateReleaseGate() error {
	publishes := false
	for id, job := range d.Jobs {
		hasBuild := false
		hasPublish := false
		for i := range job.Steps {
			if job.Steps[i].Build != nil {
				hasBuild = true
			}
			if job.Steps[i].Publish != nil {
				hasPublish = true
			}
		}

		if hasPublish {
			publishes = true
			if hasBuild {
				return &errors.ValidationError{
					Field:      fmt.Sprintf("jobs.%s", id),
					Message:    "build and publish steps must live in separate jobs",
					Suggestion: "move the publish step into its own job so only it carries id_token: write",
				}
			}
			if !job.Permissions.AllowsTokenIssuance() {
				return &errors.ValidationError{
					Field:      fmt.Sprintf("jobs.%s.permissions", id),
					Message:    "publish steps require the id_token: write permission",
					Suggestion: "add 'permissions: {id_token: write}' to the publish job",
				}
			}
			if len(job.Needs) == 0 {
				return &errors.ValidationError{
					Field:      fmt.Sprintf("jobs.%s.needs", id),
					Message:    "publish jobs must depend on the job that built the artifacts",
					Suggestion: "add a 'needs' entry for the build job",
				}
			}
		} else if job.Permissions.AllowsTokenIssuance() {
			return &errors.ValidationError{
				Field:      fmt.Sprintf("jobs.%s.permissions", id),
				Message:    "id_token: write is only allowed on jobs with publish steps",
				Suggestion: "remove the grant from jobs that do not publish",
			}
		}
	}

	if publishes {
		if d.On.Dispatch == nil {
			return &errors.ValidationError{
				Field:      "on",
				Message:    "publishing pipelines must be manually dispatched",
				Suggestion: "add an 'on: dispatch' trigger with a required tag input",
			}
		}
		tag, ok := d.On.Dispatch.Input("tag")
		if !ok || !tag.Required {
			return &errors.ValidationError{
				Field:      "on.dispatch.inputs",
				Message:    "publishing pipelines require a required 'tag' dispatch input",
				Suggestion: "declare 'tag' as a required string input identifying the release",
			}
		}
	}

	return nil
}

// Validate checks if the job definition is valid.
func (j *JobDefinition) Validate() error {
	if j.Uses != "" && len(j.Steps) > 0 {
		return &errors.ValidationError{
			Field:      "uses",
			Message:    "a job cannot both invoke a shared runner and declare its own steps",
			Suggestion: "move the steps into the runner pipeline or drop 'uses'",
		}
	}
	if j.Uses == "" && len(j.Steps) == 0 {
		return &errors.ValidationError{
			Field:      "steps",
			Message:    "job must declare steps or invoke a shared runner via 'uses'",
			Suggestion: "add a 'steps' list or a 'uses' reference",
		}
	}

	if j.Strategy != nil && j.Strategy.Matrix != nil {
		if err := j.Strategy.Matrix.Validate(); err != nil {
			return err
		}
	}
	if j.Strategy != nil && j.Strategy.MaxParallel < 0 {
		return &errors.ValidationError{
			Field:   "strategy.max_parallel",
			Message: "max_parallel cannot be negative",
		}
	}

	if j.Permissions != nil {
		if err := j.Permissions.Validate(); err != nil {
			return err
		}
	}

	if j.Uses != "" {
		if err := j.validateRunnerCall(); err != nil {
			return err
		}
	}

	stepIDs := make(map[string]bool)
	for i := range j.Steps {
		step := &j.Steps[i]
		if err := step.Validate(); err != nil {
			return fmt.Errorf("invalid step %d: %w", i+1, err)
		}
		if step.ID != "" {
			if stepIDs[step.ID] {
				return &errors.ValidationError{
					Field:   "steps",
					Message: fmt.Sprintf("duplicate step ID: %s", step.ID),
				}
			}
			stepIDs[step.ID] = true
		}
	}

	for _, name := range j.Secrets {
		if name == "" {
			return &errors.ValidationError{
				Field:   "secrets",
				Message: "secret reference names cannot be empty",
			}
		}
	}

	if j.TimeoutMinutes < 0 {
		return &errors.ValidationError{
			Field:   "timeout_minutes",
			Message: "timeout_minutes cannot be negative",
		}
	}

	return nil
}

// validateRunnerCall enforces the shared runner invocation contract: every
// invocation forwards a non-empty interpreter version and two distinct
// credential reference names. Values containing template expressions are
// deferred to execution time, where the engine re-checks the resolved cell.
func (j *JobDefinition) validateRunnerCall() error {
	version, ok := j.With[WithInterpreterVersion]
	if !ok {
		return &errors.ValidationError{
			Field:      fmt.Sprintf("with.%s", WithInterpreterVersion),
			Message:    "shared runner invocations require an interpreter version",
			Suggestion: fmt.Sprintf("add '%s' to the 'with' block", WithInterpreterVersion),
		}
	}
	if s, isString := version.(string); isString && s == "" {
		return &errors.ValidationError{
			Field:   fmt.Sprintf("with.%s", WithInterpreterVersion),
			Message: "interpreter version cannot be empty",
		}
	}

	apiKey, hasAPIKey := j.With[WithAPIKey]
	daKey, hasDAKey := j.With[WithDATestKey]
	if !hasAPIKey || !hasDAKey {
		return &errors.ValidationError{
			Field:      "with",
			Message:    "shared runner invocations require both credential reference names",
			Suggestion: fmt.Sprintf("add '%s' and '%s' to the 'with' block", WithAPIKey, WithDATestKey),
		}
	}

	apiStr, apiIsString := apiKey.(string)
	daStr, daIsString := daKey.(string)
	if apiIsString && daIsString && !isTemplate(apiStr) && !isTemplate(daStr) && apiStr == daStr {
		return &errors.ValidationError{
			Field:      "with",
			Message:    "the two credential reference names must be distinct",
			Suggestion: fmt.Sprintf("use different secret names for %s and %s", WithAPIKey, WithDATestKey),
		}
	}

	if env, hasEnv := j.With[WithTestEnv]; hasEnv {
		if s, isString := env.(string); isString && !isTemplate(s) && !ValidTestEnvs[s] {
			return &errors.ValidationError{
				Field:      fmt.Sprintf("with.%s", WithTestEnv),
				Message:    fmt.Sprintf("invalid test environment: %s", s),
				Suggestion: "use one of: prod, staging",
			}
		}
	}

	return nil
}

// isTemplate reports whether a value contains a template expression and so
// can only be validated after resolution.
func isTemplate(s string) bool {
	return strings.Contains(s, "${{")
}

// CheckRunnerWith validates a fully resolved with block against the shared
// runner contract. The engine calls this after template interpolation, when
// the checks deferred by validateRunnerCall can run against concrete values.
func CheckRunnerWith(with map[string]interface{}) error {
	j := &JobDefinition{Uses: "runner", With: with}
	return j.validateRunnerCall()
}

// Validate checks if the step definition is valid.
func (s *StepDefinition) Validate() error {
	actions := 0
	if s.Run != "" {
		actions++
	}
	if s.Checkout != nil {
		actions++
	}
	if s.Build != nil {
		actions++
	}
	if s.UploadArtifact != nil {
		actions++
	}
	if s.DownloadArtifact != nil {
		actions++
	}
	if s.Publish != nil {
		actions++
	}

	if actions == 0 {
		return &errors.ValidationError{
			Field:      "steps",
			Message:    "step must declare an action",
			Suggestion: "use one of: run, checkout, build, upload_artifact, download_artifact, publish",
		}
	}
	if actions > 1 {
		return &errors.ValidationError{
			Field:   "steps",
			Message: "step cannot declare more than one action",
		}
	}

	if s.Checkout != nil && s.Checkout.Ref == "" {
		return &errors.ValidationError{
			Field:      "checkout.ref",
			Message:    "checkout requires a ref",
			Suggestion: "set 'ref' to a tag, branch, or template like ${{ inputs.tag }}",
		}
	}

	if s.Build != nil {
		for _, format := range s.Build.Formats {
			if format != "sdist" && format != "wheel" {
				return &errors.ValidationError{
					Field:      "build.formats",
					Message:    fmt.Sprintf("unsupported build format: %s", format),
					Suggestion: "use sdist, wheel, or both",
				}
			}
		}
	}

	for _, artifact := range []*ArtifactStep{s.UploadArtifact, s.DownloadArtifact} {
		if artifact == nil {
			continue
		}
		if artifact.Name == "" {
			return &errors.ValidationError{
				Field:   "artifact.name",
				Message: "artifact steps require a name",
			}
		}
		if artifact.Path == "" {
			return &errors.ValidationError{
				Field:   "artifact.path",
				Message: "artifact steps require a workspace path",
			}
		}
	}

	if s.Publish != nil && s.Publish.Index == "" {
		return &errors.ValidationError{
			Field:      "publish.index",
			Message:    "publish requires an index URL",
			Suggestion: "set 'index' to the package index upload endpoint",
		}
	}

	if s.Timeout < 0 {
		return &errors.ValidationError{
			Field:   "timeout",
			Message: "timeout cannot be negative",
		}
	}

	return nil
}

// HasPublish reports whether the job contains a publish step.
func (j *JobDefinition) HasPublish() bool {
	for i := range j.Steps {
		if j.Steps[i].Publish != nil {
			return true
		}
	}
	return false
}

// HasBuild reports whether the job contains a build step.
func (j *JobDefinition) HasBuild() bool {
	for i := range j.Steps {
		if j.Steps[i].Build != nil {
			return true
		}
	}
	return false
}
