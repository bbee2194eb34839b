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
	"fmt"
	"regexp"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/tombee/forge/pkg/errors"
)

// TriggerConfig defines how a pipeline can be started.
// A pipeline may declare several trigger types at once: a release pipeline
// typically declares only dispatch, a validation pipeline declares push and
// pull_request against its development branch.
type TriggerConfig struct {
	// Dispatch configures manual invocation with typed inputs
	Dispatch *DispatchTrigger `yaml:"dispatch,omitempty" json:"dispatch,omitempty"`

	// Push configures automatic invocation on branch push events
	Push *BranchTrigger `yaml:"push,omitempty" json:"push,omitempty"`

	// PullRequest configures automatic invocation on pull request events
	PullRequest *BranchTrigger `yaml:"pull_request,omitempty" json:"pull_request,omitempty"`

	// Schedule configures cron-based invocation
	Schedule []ScheduleTrigger `yaml:"schedule,omitempty" json:"schedule,omitempty"`
}

// TriggerType identifies how a run was started.
type TriggerType string

const (
	TriggerTypeDispatch    TriggerType = "dispatch"
	TriggerTypePush        TriggerType = "push"
	TriggerTypePullRequest TriggerType = "pull_request"
	TriggerTypeSchedule    TriggerType = "schedule"
	TriggerTypeManual      TriggerType = "manual"
)

// DispatchTrigger defines manual trigger configuration.
// Dispatch is a single-shot gate: each invocation starts exactly one run.
type DispatchTrigger struct {
	// Inputs defines the typed input parameters the caller must provide
	Inputs []InputDefinition `yaml:"inputs,omitempty" json:"inputs,omitempty"`
}

// Input returns the input definition with the given name, if declared.
func (d *DispatchTrigger) Input(name string) (*InputDefinition, bool) {
	for i := range d.Inputs {
		if d.Inputs[i].Name == name {
			return &d.Inputs[i], true
		}
	}
	return nil, false
}

// InputDefinition describes a dispatch input parameter.
type InputDefinition struct {
	// Name is the input parameter identifier
	Name string `yaml:"name" json:"name"`

	// Type specifies the data type (string, number, boolean, enum)
	Type string `yaml:"type" json:"type"`

	// Required inputs must be provided with a non-empty value at dispatch time
	Required bool `yaml:"required,omitempty" json:"required,omitempty"`

	// Default provides a fallback value if the input is not provided
	Default interface{} `yaml:"default,omitempty" json:"default,omitempty"`

	// Description explains what this input is for
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Enum defines the allowed values for enum-type inputs
	Enum []string `yaml:"enum,omitempty" json:"enum,omitempty"`

	// Pattern is a regex pattern for validating string inputs
	Pattern string `yaml:"pattern,omitempty" json:"pattern,omitempty"`
}

// Validate checks if the input definition is valid.
func (i *InputDefinition) Validate() error {
	if i.Name == "" {
		return &errors.ValidationError{
			Field:      "inputs",
			Message:    "input name is required",
			Suggestion: "add a 'name' field to each dispatch input",
		}
	}

	validTypes := map[string]bool{
		"string":  true,
		"number":  true,
		"boolean": true,
		"enum":    true,
	}
	if i.Type == "" {
		i.Type = "string"
	}
	if !validTypes[i.Type] {
		return &errors.ValidationError{
			Field:      fmt.Sprintf("inputs.%s.type", i.Name),
			Message:    fmt.Sprintf("invalid input type: %s", i.Type),
			Suggestion: "use one of: string, number, boolean, enum",
		}
	}

	if i.Type == "enum" && len(i.Enum) == 0 {
		return &errors.ValidationError{
			Field:      fmt.Sprintf("inputs.%s", i.Name),
			Message:    "enum inputs require at least one allowed value",
			Suggestion: "add an 'enum' list of allowed values",
		}
	}

	if i.Pattern != "" {
		if i.Type != "string" {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("inputs.%s.pattern", i.Name),
				Message: "pattern can only be used with string type inputs",
			}
		}
		if _, err := regexp.Compile(i.Pattern); err != nil {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("inputs.%s.pattern", i.Name),
				Message: fmt.Sprintf("invalid pattern regex: %v", err),
			}
		}
	}

	return nil
}

// CheckValue validates a provided input value against the definition.
func (i *InputDefinition) CheckValue(value interface{}) error {
	if i.Required {
		s, isString := value.(string)
		if value == nil || (isString && s == "") {
			return &errors.ValidationError{
				Field:      i.Name,
				Message:    fmt.Sprintf("required input %s is missing or empty", i.Name),
				Suggestion: fmt.Sprintf("provide a value for %s at dispatch time", i.Name),
			}
		}
	}

	if value == nil {
		return nil
	}

	if i.Type == "enum" {
		s, ok := value.(string)
		if !ok {
			return &errors.ValidationError{
				Field:   i.Name,
				Message: fmt.Sprintf("enum input %s must be a string", i.Name),
			}
		}
		for _, allowed := range i.Enum {
			if s == allowed {
				return nil
			}
		}
		return &errors.ValidationError{
			Field:      i.Name,
			Message:    fmt.Sprintf("value %q is not an allowed enum value", s),
			Suggestion: fmt.Sprintf("use one of: %v", i.Enum),
		}
	}

	if i.Pattern != "" {
		s, ok := value.(string)
		if !ok {
			return &errors.ValidationError{
				Field:   i.Name,
				Message: fmt.Sprintf("input %s must be a string", i.Name),
			}
		}
		re := regexp.MustCompile(i.Pattern)
		if !re.MatchString(s) {
			return &errors.ValidationError{
				Field:      i.Name,
				Message:    fmt.Sprintf("value %q does not match pattern %s", s, i.Pattern),
				Suggestion: "check the expected format in the pipeline definition",
			}
		}
	}

	return nil
}

// BranchTrigger defines push/pull_request trigger configuration.
type BranchTrigger struct {
	// Branches are glob patterns for branch names (e.g., "develop", "release/**")
	Branches []string `yaml:"branches,omitempty" json:"branches,omitempty"`

	// BranchesIgnore are glob patterns excluded after Branches matching
	BranchesIgnore []string `yaml:"branches_ignore,omitempty" json:"branches_ignore,omitempty"`
}

// Matches reports whether the given branch name matches the trigger filters.
// An empty Branches list matches every branch.
func (b *BranchTrigger) Matches(branch string) bool {
	for _, pattern := range b.BranchesIgnore {
		if ok, _ := doublestar.Match(pattern, branch); ok {
			return false
		}
	}

	if len(b.Branches) == 0 {
		return true
	}
	for _, pattern := range b.Branches {
		if ok, _ := doublestar.Match(pattern, branch); ok {
			return true
		}
	}
	return false
}

// Validate checks the branch trigger patterns.
func (b *BranchTrigger) Validate() error {
	for _, pattern := range append(append([]string{}, b.Branches...), b.BranchesIgnore...) {
		if !doublestar.ValidatePattern(pattern) {
			return &errors.ValidationError{
				Field:   "branches",
				Message: fmt.Sprintf("invalid branch pattern: %s", pattern),
			}
		}
	}
	return nil
}

// ScheduleTrigger defines cron trigger configuration.
type ScheduleTrigger struct {
	// Cron is the cron expression (standard 5-field format)
	Cron string `yaml:"cron" json:"cron"`

	// Inputs are the static inputs to pass when scheduled
	Inputs map[string]any `yaml:"inputs,omitempty" json:"inputs,omitempty"`
}

// Validate checks the trigger configuration for errors.
func (t *TriggerConfig) Validate() error {
	if t.Dispatch == nil && t.Push == nil && t.PullRequest == nil && len(t.Schedule) == 0 {
		return &errors.ValidationError{
			Field:      "on",
			Message:    "at least one trigger type must be configured",
			Suggestion: "add one of: dispatch, push, pull_request, or schedule",
		}
	}

	if t.Dispatch != nil {
		seen := make(map[string]bool)
		for i := range t.Dispatch.Inputs {
			input := &t.Dispatch.Inputs[i]
			if err := input.Validate(); err != nil {
				return err
			}
			if seen[input.Name] {
				return &errors.ValidationError{
					Field:   "dispatch.inputs",
					Message: fmt.Sprintf("duplicate input name: %s", input.Name),
				}
			}
			seen[input.Name] = true
		}
	}

	if t.Push != nil {
		if err := t.Push.Validate(); err != nil {
			return err
		}
	}
	if t.PullRequest != nil {
		if err := t.PullRequest.Validate(); err != nil {
			return err
		}
	}

	for _, sched := range t.Schedule {
		if sched.Cron == "" {
			return &errors.ValidationError{
				Field:      "schedule.cron",
				Message:    "cron expression is required for schedule triggers",
				Suggestion: "use standard 5-field cron format, e.g. '0 3 * * *'",
			}
		}
	}

	return nil
}
