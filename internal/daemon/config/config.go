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

// Package config provides daemon configuration: defaults, a YAML file
// loaded from disk, and flag overrides applied by the caller, in that order.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/tombee/forge/pkg/errors"
)

// Config holds the forged daemon configuration.
type Config struct {
	// Listen configures the HTTP listener
	Listen ListenConfig `yaml:"listen"`

	// PipelinesDir is the directory scanned for pipeline definitions
	PipelinesDir string `yaml:"pipelines_dir"`

	// WorkDir is the root for run workspaces and artifacts
	WorkDir string `yaml:"work_dir"`

	// Repository is the default checkout source for pipelines that name none
	Repository string `yaml:"repository,omitempty"`

	// MaxParallel bounds concurrent matrix cells per job
	MaxParallel int `yaml:"max_parallel,omitempty"`

	// Workers is the number of concurrent run executors
	Workers int `yaml:"workers,omitempty"`

	// Backend configures run persistence
	Backend BackendConfig `yaml:"backend"`

	// Webhook configures the push/pull_request event endpoint
	Webhook WebhookConfig `yaml:"webhook"`

	// Tracing configures span export
	Tracing TracingConfig `yaml:"tracing,omitempty"`
}

// ListenConfig configures the HTTP listener.
type ListenConfig struct {
	// Addr is the listen address (host:port)
	Addr string `yaml:"addr"`
}

// BackendConfig configures run persistence.
type BackendConfig struct {
	// Type selects the backend: memory or sqlite
	Type string `yaml:"type"`

	// Path is the database file path for the sqlite backend
	Path string `yaml:"path,omitempty"`
}

// WebhookConfig configures the webhook endpoint.
type WebhookConfig struct {
	// Secret is the shared HMAC secret. May be a secret reference name
	// resolved through the secret backends at startup.
	Secret string `yaml:"secret,omitempty"`

	// BranchQuery is a jq expression extracting the branch name from the
	// event payload. The refs/heads/ prefix is stripped after extraction.
	BranchQuery string `yaml:"branch_query,omitempty"`

	// InputQueries maps run input names to jq expressions over the payload
	InputQueries map[string]string `yaml:"input_queries,omitempty"`

	// RatePerSecond limits accepted webhook deliveries (0 = default)
	RatePerSecond float64 `yaml:"rate_per_second,omitempty"`

	// Burst is the rate limiter burst size (0 = default)
	Burst int `yaml:"burst,omitempty"`
}

// TracingConfig configures span export.
type TracingConfig struct {
	// Enabled turns on the tracer provider
	Enabled bool `yaml:"enabled,omitempty"`

	// Stdout writes spans to stdout (development aid)
	Stdout bool `yaml:"stdout,omitempty"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	stateDir := filepath.Join(os.TempDir(), "forged")
	if home, err := os.UserHomeDir(); err == nil {
		stateDir = filepath.Join(home, ".local", "share", "forged")
	}

	return &Config{
		Listen:       ListenConfig{Addr: "127.0.0.1:7600"},
		PipelinesDir: "pipelines",
		WorkDir:      filepath.Join(stateDir, "work"),
		Workers:      2,
		Backend: BackendConfig{
			Type: "sqlite",
			Path: filepath.Join(stateDir, "forged.db"),
		},
		Webhook: WebhookConfig{
			BranchQuery:   ".ref",
			RatePerSecond: 5,
			Burst:         10,
		},
	}
}

// Load reads configuration from a YAML file layered over the defaults.
// An empty path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &errors.ConfigError{Key: "config", Reason: "cannot read config file", Cause: err}
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &errors.ConfigError{Key: "config", Reason: "invalid YAML", Cause: err}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Listen.Addr == "" {
		return &errors.ConfigError{Key: "listen.addr", Reason: "listen address is required"}
	}
	if c.PipelinesDir == "" {
		return &errors.ConfigError{Key: "pipelines_dir", Reason: "pipelines directory is required"}
	}
	if c.Workers < 1 {
		return &errors.ConfigError{Key: "workers", Reason: fmt.Sprintf("workers must be at least 1, got %d", c.Workers)}
	}

	switch c.Backend.Type {
	case "memory":
	case "sqlite":
		if c.Backend.Path == "" {
			return &errors.ConfigError{Key: "backend.path", Reason: "sqlite backend requires a database path"}
		}
	default:
		return &errors.ConfigError{
			Key:    "backend.type",
			Reason: fmt.Sprintf("unknown backend type %q (use memory or sqlite)", c.Backend.Type),
		}
	}

	if c.Webhook.RatePerSecond < 0 {
		return &errors.ConfigError{Key: "webhook.rate_per_second", Reason: "rate cannot be negative"}
	}

	return nil
}
