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
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *FSStore {
	t.Helper()
	store, err := NewFSStore(filepath.Join(t.TempDir(), "artifacts"))
	if err != nil {
		t.Fatalf("NewFSStore() error = %v", err)
	}
	return store
}

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	src := t.TempDir()
	writeFiles(t, src, map[string]string{
		"sdk-1.2.3.tar.gz":             "sdist-bytes",
		"sdk-1.2.3-py3-none-any.whl":   "wheel-bytes",
		"nested/metadata/RECORD":       "record",
		".hidden-but-still-a-distfile": "x",
	})

	meta, err := store.Upload(ctx, "run-1", "dist", src, "")
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if meta.Files != 4 {
		t.Errorf("Files = %d, want 4", meta.Files)
	}
	if meta.SizeBytes == 0 {
		t.Error("SizeBytes = 0")
	}

	dest := t.TempDir()
	if err := store.Download(ctx, "run-1", "dist", dest); err != nil {
		t.Fatalf("Download() error = %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dest, "nested/metadata/RECORD"))
	if err != nil {
		t.Fatalf("nested path not reconstructed: %v", err)
	}
	if string(got) != "record" {
		t.Errorf("content = %q", got)
	}

	// Metadata file must not leak into downloads.
	if _, err := os.Stat(filepath.Join(dest, metadataFile)); !os.IsNotExist(err) {
		t.Error("metadata file leaked into download")
	}
}

func TestUploadPatternFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	src := t.TempDir()
	writeFiles(t, src, map[string]string{
		"sdk-1.2.3.tar.gz": "sdist",
		"build.log":        "noise",
	})

	meta, err := store.Upload(ctx, "run-1", "dist", src, "*.tar.gz")
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if meta.Files != 1 {
		t.Errorf("Files = %d, want 1", meta.Files)
	}
}

func TestUploadEmptyArtifact(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Upload(context.Background(), "run-1", "dist", t.TempDir(), "")
	if !errors.Is(err, ErrEmptyArtifact) {
		t.Errorf("Upload() error = %v, want ErrEmptyArtifact", err)
	}
}

func TestUploadDuplicateName(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	src := t.TempDir()
	writeFiles(t, src, map[string]string{"f": "x"})

	if _, err := store.Upload(ctx, "run-1", "dist", src, ""); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if _, err := store.Upload(ctx, "run-1", "dist", src, ""); !errors.Is(err, ErrArtifactExists) {
		t.Errorf("second Upload() error = %v, want ErrArtifactExists", err)
	}

	// The same name in a different run is fine.
	if _, err := store.Upload(ctx, "run-2", "dist", src, ""); err != nil {
		t.Errorf("Upload() in another run error = %v", err)
	}
}

func TestUploadRejectsPathyNames(t *testing.T) {
	store := newTestStore(t)
	src := t.TempDir()
	writeFiles(t, src, map[string]string{"f": "x"})

	for _, name := range []string{"", "..", "a/b", `a\b`} {
		if _, err := store.Upload(context.Background(), "run-1", name, src, ""); err == nil {
			t.Errorf("Upload(%q) should be rejected", name)
		}
	}
}

func TestDownloadNotFound(t *testing.T) {
	store := newTestStore(t)
	err := store.Download(context.Background(), "run-1", "missing", t.TempDir())
	if !errors.Is(err, ErrArtifactNotFound) {
		t.Errorf("Download() error = %v, want ErrArtifactNotFound", err)
	}
}

func TestListAndDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	src := t.TempDir()
	writeFiles(t, src, map[string]string{"f": "x"})

	for _, name := range []string{"wheels", "dist", "reports"} {
		if _, err := store.Upload(ctx, "run-1", name, src, ""); err != nil {
			t.Fatalf("Upload(%s) error = %v", name, err)
		}
	}

	artifacts, err := store.List(ctx, "run-1")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(artifacts) != 3 {
		t.Fatalf("List() = %d artifacts, want 3", len(artifacts))
	}
	// Sorted by name.
	if artifacts[0].Name != "dist" || artifacts[2].Name != "wheels" {
		t.Errorf("List() order = %s..%s", artifacts[0].Name, artifacts[2].Name)
	}

	if err := store.Delete(ctx, "run-1", "reports"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Get(ctx, "run-1", "reports"); !errors.Is(err, ErrArtifactNotFound) {
		t.Errorf("Get() after delete = %v", err)
	}

	if err := store.DeleteRun(ctx, "run-1"); err != nil {
		t.Fatalf("DeleteRun() error = %v", err)
	}
	remaining, err := store.List(ctx, "run-1")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("List() after DeleteRun = %d artifacts", len(remaining))
	}
}
