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

// Package artifact moves files between jobs. Jobs run in isolated
// workspaces; the only way data crosses a job boundary is through a named
// artifact scoped to its run.
package artifact

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrArtifactNotFound is returned when a named artifact does not exist
	// within the run.
	ErrArtifactNotFound = errors.New("artifact not found")

	// ErrArtifactExists is returned when uploading over an existing artifact
	// name within the same run.
	ErrArtifactExists = errors.New("artifact already exists")

	// ErrEmptyArtifact is returned when an upload matches no files.
	ErrEmptyArtifact = errors.New("artifact contains no files")
)

// Artifact describes a stored artifact.
type Artifact struct {
	// RunID scopes the artifact to one pipeline run
	RunID string `json:"run_id"`

	// Name identifies the artifact within the run
	Name string `json:"name"`

	// Files is the number of files stored
	Files int `json:"files"`

	// SizeBytes is the total stored size
	SizeBytes int64 `json:"size_bytes"`

	// CreatedAt is when the artifact was uploaded
	CreatedAt time.Time `json:"created_at"`
}

// Store persists run-scoped artifacts. Implementations must be safe for
// concurrent use; matrix cells upload in parallel.
type Store interface {
	// Upload stores the contents of dir as a named artifact, preserving
	// relative paths. Pattern filters files with a glob ("**" when empty).
	// Returns ErrArtifactExists if the name is taken within the run and
	// ErrEmptyArtifact if nothing matched.
	Upload(ctx context.Context, runID, name, dir, pattern string) (*Artifact, error)

	// Download reconstructs a named artifact under destDir, recreating the
	// relative paths recorded at upload. Returns ErrArtifactNotFound if the
	// artifact does not exist.
	Download(ctx context.Context, runID, name, destDir string) error

	// Get returns artifact metadata. Returns ErrArtifactNotFound if absent.
	Get(ctx context.Context, runID, name string) (*Artifact, error)

	// List returns the run's artifacts sorted by name.
	List(ctx context.Context, runID string) ([]*Artifact, error)

	// Delete removes a named artifact. Returns ErrArtifactNotFound if absent.
	Delete(ctx context.Context, runID, name string) error

	// DeleteRun removes every artifact belonging to a run.
	DeleteRun(ctx context.Context, runID string) error
}
