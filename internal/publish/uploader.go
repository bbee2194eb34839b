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

package publish

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tombee/forge/internal/log"
	"github.com/tombee/forge/pkg/errors"
	"github.com/tombee/forge/pkg/httpclient"
)

// distExtensions are the archive suffixes the uploader publishes.
var distExtensions = []string{".tar.gz", ".whl"}

// UploadResult records the outcome for one distribution file.
type UploadResult struct {
	// File is the base name of the uploaded archive
	File string `json:"file"`

	// StatusCode is the index's HTTP response status
	StatusCode int `json:"status_code"`

	// Skipped marks files the index already had (skip_existing)
	Skipped bool `json:"skipped"`
}

// Uploader publishes distribution archives to a package index over the
// legacy upload API: one multipart POST per file, authenticated with a
// bearer token.
type Uploader struct {
	client *http.Client
	logger *slog.Logger
}

// NewUploader creates an uploader. Retries stay off: upload POSTs are not
// idempotent and a duplicate upload surfaces as a conflict, not a retry.
func NewUploader(logger *slog.Logger) (*Uploader, error) {
	cfg := httpclient.DefaultConfig()
	cfg.RetryAttempts = 0
	client, err := httpclient.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload client: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &Uploader{
		client: client,
		logger: log.WithComponent(logger, "publish"),
	}, nil
}

// UploadDir publishes every distribution archive under dir to the index.
// Files upload in sorted order so results are deterministic. With
// skipExisting, an already-published version is recorded as skipped instead
// of failing the job.
func (u *Uploader) UploadDir(ctx context.Context, indexURL, dir, token string, skipExisting bool) ([]UploadResult, error) {
	files, err := collectDistFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, &errors.PublishError{
			Index:      indexURL,
			Message:    fmt.Sprintf("no distribution archives found in %s", dir),
			Suggestion: "run the build step and download its artifact before publishing",
		}
	}

	results := make([]UploadResult, 0, len(files))
	for _, file := range files {
		result, err := u.uploadFile(ctx, indexURL, file, token, skipExisting)
		if err != nil {
			return results, err
		}
		results = append(results, *result)
	}
	return results, nil
}

// uploadFile posts one archive to the index.
func (u *Uploader) uploadFile(ctx context.Context, indexURL, path, token string, skipExisting bool) (*UploadResult, error) {
	body, contentType, err := buildUploadForm(path)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, indexURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)

	name := filepath.Base(path)
	u.logger.Info("uploading distribution", "file", name, "index", indexURL)

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, &errors.PublishError{
			Index:   indexURL,
			Message: fmt.Sprintf("upload of %s failed", name),
			Cause:   err,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &UploadResult{File: name, StatusCode: resp.StatusCode}, nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if skipExisting && isAlreadyPublished(resp.StatusCode, string(detail)) {
		u.logger.Warn("version already published, skipping", "file", name)
		return &UploadResult{File: name, StatusCode: resp.StatusCode, Skipped: true}, nil
	}

	return nil, &errors.PublishError{
		Index:      indexURL,
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("index rejected %s: %s", name, strings.TrimSpace(string(detail))),
		Suggestion: "check the index URL and whether this version was already published",
	}
}

// buildUploadForm assembles the multipart form for one archive.
func buildUploadForm(path string) (*bytes.Buffer, string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fields := map[string]string{
		":action":          "file_upload",
		"protocol_version": "1",
		"filetype":         fileType(path),
	}
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, "", fmt.Errorf("failed to write form field: %w", err)
		}
	}

	part, err := writer.CreateFormFile("content", filepath.Base(path))
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finalize form: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}

// fileType maps an archive suffix to the index's filetype field.
func fileType(path string) string {
	if strings.HasSuffix(path, ".whl") {
		return "bdist_wheel"
	}
	return "sdist"
}

// collectDistFiles returns the sorted distribution archives under dir.
func collectDistFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		for _, ext := range distExtensions {
			if strings.HasSuffix(entry.Name(), ext) {
				files = append(files, filepath.Join(dir, entry.Name()))
				break
			}
		}
	}
	sort.Strings(files)
	return files, nil
}

// isAlreadyPublished detects the index's duplicate-version responses.
func isAlreadyPublished(status int, body string) bool {
	if status == http.StatusConflict {
		return true
	}
	if status == http.StatusBadRequest {
		lower := strings.ToLower(body)
		return strings.Contains(lower, "already exists") || strings.Contains(lower, "file already")
	}
	return false
}
