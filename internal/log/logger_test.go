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

package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNewJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	logger.Info("run started", slog.String(RunIDKey, "r-1"))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry[RunIDKey] != "r-1" {
		t.Errorf("run_id = %v, want r-1", entry[RunIDKey])
	}
}

func TestNewTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatText, Output: &buf})

	logger.Info("hello")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Errorf("text output missing message: %q", buf.String())
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "warn", Format: FormatJSON, Output: &buf})

	logger.Info("should be dropped")
	if buf.Len() != 0 {
		t.Errorf("info log emitted at warn level: %q", buf.String())
	}

	logger.Warn("should appear")
	if buf.Len() == 0 {
		t.Error("warn log not emitted at warn level")
	}
}

func TestFromEnvDebug(t *testing.T) {
	t.Setenv("FORGE_DEBUG", "1")
	cfg := FromEnv()
	if cfg.Level != "debug" {
		t.Errorf("Level = %q, want debug", cfg.Level)
	}
	if !cfg.AddSource {
		t.Error("AddSource should be enabled in debug mode")
	}
}

func TestSanitizeCredential(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"sk-prod-abcdef1234", "...1234"},
		{"abc", "[REDACTED]"},
		{"", "[REDACTED]"},
	}
	for _, tt := range tests {
		if got := SanitizeCredential(tt.in); got != tt.want {
			t.Errorf("SanitizeCredential(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWithJobContext(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	WithJobContext(logger, "r-1", "test-prod-3.11").Info("cell finished")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry[JobIDKey] != "test-prod-3.11" {
		t.Errorf("job_id = %v", entry[JobIDKey])
	}
}
