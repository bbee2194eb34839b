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

	"github.com/tombee/forge/pkg/errors"
)

// PermissionLevel is the access level granted for a permission scope.
type PermissionLevel string

const (
	// PermissionNone grants no access. This is the default for every scope.
	PermissionNone PermissionLevel = "none"

	// PermissionRead grants read-only access.
	PermissionRead PermissionLevel = "read"

	// PermissionWrite grants read and write access.
	PermissionWrite PermissionLevel = "write"
)

// PermissionDefinition declares the permission grants for a job's execution
// context. Each job carries its own grants; grants are never inherited
// between jobs. Keeping the token-issuance grant off every job except the
// publish job is what isolates the elevated credential from the build and
// validation stages.
type PermissionDefinition struct {
	// IDToken controls ambient identity token issuance for trusted
	// publishing. Only jobs with 'write' may mint publish tokens.
	IDToken PermissionLevel `yaml:"id_token,omitempty" json:"id_token,omitempty"`

	// Contents controls repository checkout access.
	Contents PermissionLevel `yaml:"contents,omitempty" json:"contents,omitempty"`

	// Artifacts controls artifact store access.
	Artifacts PermissionLevel `yaml:"artifacts,omitempty" json:"artifacts,omitempty"`
}

// validPermissionLevels for validation.
var validPermissionLevels = map[PermissionLevel]bool{
	PermissionNone:  true,
	PermissionRead:  true,
	PermissionWrite: true,
}

// Validate checks the permission definition.
func (p *PermissionDefinition) Validate() error {
	for scope, level := range map[string]PermissionLevel{
		"id_token":  p.IDToken,
		"contents":  p.Contents,
		"artifacts": p.Artifacts,
	} {
		if level != "" && !validPermissionLevels[level] {
			return &errors.ValidationError{
				Field:      fmt.Sprintf("permissions.%s", scope),
				Message:    fmt.Sprintf("invalid permission level: %s", level),
				Suggestion: "use one of: none, read, write",
			}
		}
	}

	if p.IDToken == PermissionRead {
		return &errors.ValidationError{
			Field:      "permissions.id_token",
			Message:    "id_token does not support read-only access",
			Suggestion: "use 'write' to allow token issuance or omit the scope",
		}
	}

	return nil
}

// AllowsTokenIssuance reports whether the job may mint ambient identity
// tokens for trusted publishing.
func (p *PermissionDefinition) AllowsTokenIssuance() bool {
	return p != nil && p.IDToken == PermissionWrite
}

// effective returns the level for a scope, treating the empty string as none.
func effective(level PermissionLevel) PermissionLevel {
	if level == "" {
		return PermissionNone
	}
	return level
}

// AllowsCheckout reports whether the job may check out repository contents.
func (p *PermissionDefinition) AllowsCheckout() bool {
	if p == nil {
		// Jobs without a permissions block get read-only checkout,
		// matching the default execution context.
		return true
	}
	return effective(p.Contents) == PermissionRead || effective(p.Contents) == PermissionWrite
}

// AllowsArtifactWrite reports whether the job may upload artifacts.
func (p *PermissionDefinition) AllowsArtifactWrite() bool {
	if p == nil {
		return true
	}
	return effective(p.Artifacts) == PermissionWrite
}

// AllowsArtifactRead reports whether the job may download artifacts.
func (p *PermissionDefinition) AllowsArtifactRead() bool {
	if p == nil {
		return true
	}
	return effective(p.Artifacts) != PermissionNone
}
