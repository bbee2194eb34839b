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
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/tombee/forge/pkg/pipeline"
)

// buildStep packages the source directory into distribution archives in the
// output directory. A build failure is fatal and leaves no partial archives
// behind.
func (e *Engine) buildStep(ctx context.Context, ec *execContext, bs *pipeline.BuildStep) (string, error) {
	srcDir := filepath.Join(ec.workspace, bs.Source)
	outDir := filepath.Join(ec.workspace, bs.OutDir)

	if _, err := os.Stat(srcDir); err != nil {
		return "", fmt.Errorf("build source directory: %w", err)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create build output directory: %w", err)
	}

	name := distName(ec.def.Name)
	version := distVersion(ec.run.Inputs)

	var produced []string
	cleanup := func() {
		for _, path := range produced {
			os.Remove(path)
		}
	}

	for _, format := range bs.Formats {
		if ctx.Err() != nil {
			cleanup()
			return "", ctx.Err()
		}

		var path string
		var err error
		switch format {
		case "sdist":
			path = filepath.Join(outDir, fmt.Sprintf("%s-%s.tar.gz", name, version))
			err = writeTarGz(path, srcDir, outDir)
		case "wheel":
			path = filepath.Join(outDir, fmt.Sprintf("%s-%s-py3-none-any.whl", name, version))
			err = writeZip(path, srcDir, outDir)
		default:
			err = fmt.Errorf("unsupported build format: %s", format)
		}
		if err != nil {
			os.Remove(path)
			cleanup()
			return "", fmt.Errorf("build %s failed: %w", format, err)
		}
		produced = append(produced, path)
	}

	names := make([]string, len(produced))
	for i, path := range produced {
		names[i] = filepath.Base(path)
	}
	return "built " + strings.Join(names, ", "), nil
}

// distName normalizes a pipeline name into a distribution base name.
func distName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "dist"
	}
	return b.String()
}

// distVersion derives the distribution version from the run's tag input.
func distVersion(inputs map[string]interface{}) string {
	if tag, ok := inputs["tag"].(string); ok && tag != "" {
		return strings.TrimPrefix(tag, "v")
	}
	return "0.0.0"
}

// walkSource visits the regular files of the source tree, skipping the
// output directory and version control metadata.
func walkSource(srcDir, outDir string, visit func(path, rel string, info fs.FileInfo) error) error {
	return filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path == outDir || d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return visit(path, filepath.ToSlash(rel), info)
	})
}

func writeTarGz(dest, srcDir, outDir string) error {
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()

	gzw := gzip.NewWriter(f)
	tw := tar.NewWriter(gzw)

	err = walkSource(srcDir, outDir, func(path, rel string, info fs.FileInfo) error {
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(tw, src)
		return err
	})
	if err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	if err := gzw.Close(); err != nil {
		return err
	}
	return f.Close()
}

func writeZip(dest, srcDir, outDir string) error {
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()

	zw := zip.NewWriter(f)

	err = walkSource(srcDir, outDir, func(path, rel string, info fs.FileInfo) error {
		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = rel
		hdr.Method = zip.Deflate
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(w, src)
		return err
	})
	if err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return f.Close()
}
