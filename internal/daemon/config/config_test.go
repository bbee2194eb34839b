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

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() does not validate: %v", err)
	}
	if cfg.Listen.Addr == "" {
		t.Error("default listen addr is empty")
	}
	if cfg.Backend.Type != "sqlite" {
		t.Errorf("default backend = %s", cfg.Backend.Type)
	}
	if cfg.Workers < 1 {
		t.Errorf("default workers = %d", cfg.Workers)
	}
}

func TestLoadLayersOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forged.yaml")
	content := `
listen:
  addr: "0.0.0.0:9999"
pipelines_dir: /etc/forge/pipelines
backend:
  type: memory
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Listen.Addr != "0.0.0.0:9999" {
		t.Errorf("addr = %s", cfg.Listen.Addr)
	}
	if cfg.Backend.Type != "memory" {
		t.Errorf("backend = %s", cfg.Backend.Type)
	}
	// Untouched keys keep their defaults.
	if cfg.Workers != Default().Workers {
		t.Errorf("workers = %d, want default", cfg.Workers)
	}
	if cfg.Webhook.BranchQuery != ".ref" {
		t.Errorf("branch query = %s", cfg.Webhook.BranchQuery)
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if cfg.Listen.Addr != Default().Listen.Addr {
		t.Errorf("addr = %s", cfg.Listen.Addr)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen addr", func(c *Config) { c.Listen.Addr = "" }},
		{"empty pipelines dir", func(c *Config) { c.PipelinesDir = "" }},
		{"zero workers", func(c *Config) { c.Workers = 0 }},
		{"unknown backend", func(c *Config) { c.Backend.Type = "postgres" }},
		{"sqlite without path", func(c *Config) { c.Backend.Type = "sqlite"; c.Backend.Path = "" }},
		{"negative rate", func(c *Config) { c.Webhook.RatePerSecond = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() should fail")
			}
		})
	}
}
