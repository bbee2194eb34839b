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

package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// metadataFile holds per-artifact metadata next to the stored files.
const metadataFile = ".artifact.json"

// FSStore is a filesystem-backed artifact store. Artifacts live under
// baseDir/<runID>/<name>/ with their original relative layout, plus a
// metadata file recorded at upload time.
type FSStore struct {
	baseDir string
	mu      sync.Mutex
}

// NewFSStore creates a filesystem store rooted at baseDir.
func NewFSStore(baseDir string) (*FSStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	return &FSStore{baseDir: baseDir}, nil
}

// Upload stores the contents of dir as a named artifact.
func (s *FSStore) Upload(ctx context.Context, runID, name, dir, pattern string) (*Artifact, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if pattern == "" {
		pattern = "**"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	target := s.artifactDir(runID, name)
	if _, err := os.Stat(target); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrArtifactExists, name)
	}

	meta := &Artifact{
		RunID:     runID,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		match, err := doublestar.Match(pattern, filepath.ToSlash(rel))
		if err != nil {
			return fmt.Errorf("invalid artifact pattern %q: %w", pattern, err)
		}
		if !match {
			return nil
		}

		size, err := copyFile(path, filepath.Join(target, rel))
		if err != nil {
			return err
		}
		meta.Files++
		meta.SizeBytes += size
		return nil
	})
	if err != nil {
		os.RemoveAll(target)
		return nil, fmt.Errorf("failed to upload artifact %s: %w", name, err)
	}

	if meta.Files == 0 {
		os.RemoveAll(target)
		return nil, fmt.Errorf("%w: %s (pattern %q in %s)", ErrEmptyArtifact, name, pattern, dir)
	}

	if err := s.writeMetadata(target, meta); err != nil {
		os.RemoveAll(target)
		return nil, err
	}

	return meta, nil
}

// Download reconstructs a named artifact under destDir.
func (s *FSStore) Download(ctx context.Context, runID, name, destDir string) error {
	source := s.artifactDir(runID, name)
	if _, err := os.Stat(source); err != nil {
		return fmt.Errorf("%w: %s", ErrArtifactNotFound, name)
	}

	return filepath.WalkDir(source, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || d.Name() == metadataFile {
			return nil
		}

		rel, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		if _, err := copyFile(path, filepath.Join(destDir, rel)); err != nil {
			return err
		}
		return nil
	})
}

// Get returns artifact metadata.
func (s *FSStore) Get(ctx context.Context, runID, name string) (*Artifact, error) {
	raw, err := os.ReadFile(filepath.Join(s.artifactDir(runID, name), metadataFile))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, name)
	}
	var meta Artifact
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("corrupt artifact metadata for %s: %w", name, err)
	}
	return &meta, nil
}

// List returns the run's artifacts sorted by name.
func (s *FSStore) List(ctx context.Context, runID string) ([]*Artifact, error) {
	entries, err := os.ReadDir(filepath.Join(s.baseDir, runID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}

	artifacts := make([]*Artifact, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, err := s.Get(ctx, runID, entry.Name())
		if err != nil {
			continue
		}
		artifacts = append(artifacts, meta)
	}

	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].Name < artifacts[j].Name
	})
	return artifacts, nil
}

// Delete removes a named artifact.
func (s *FSStore) Delete(ctx context.Context, runID, name string) error {
	target := s.artifactDir(runID, name)
	if _, err := os.Stat(target); err != nil {
		return fmt.Errorf("%w: %s", ErrArtifactNotFound, name)
	}
	return os.RemoveAll(target)
}

// DeleteRun removes every artifact belonging to a run.
func (s *FSStore) DeleteRun(ctx context.Context, runID string) error {
	return os.RemoveAll(filepath.Join(s.baseDir, runID))
}

// artifactDir returns the storage directory for one artifact.
func (s *FSStore) artifactDir(runID, name string) string {
	return filepath.Join(s.baseDir, runID, name)
}

// writeMetadata records artifact metadata inside the artifact directory.
func (s *FSStore) writeMetadata(dir string, meta *Artifact) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode artifact metadata: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, metadataFile), raw, 0o644)
}

// validateName rejects names that would escape the store's directory layout.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("artifact name cannot be empty")
	}
	if strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return fmt.Errorf("invalid artifact name %q: path separators are not allowed", name)
	}
	return nil
}

// copyFile copies a single file, creating parent directories, and returns
// the number of bytes written.
func copyFile(src, dst string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}

	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	n, err := io.Copy(out, in)
	if err != nil {
		return 0, err
	}
	return n, out.Close()
}
