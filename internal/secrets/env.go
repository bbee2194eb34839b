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

package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

const (
	// EnvBackendPriority is the priority for the environment variable
	// backend. Highest, so the environment can override other stores.
	EnvBackendPriority = 100

	// envSecretPrefix namespaces forge-managed secret environment variables.
	envSecretPrefix = "FORGE_SECRET_"
)

// EnvBackend provides read-only access to secrets via environment variables.
// A reference name PROD_API_KEY is looked up first as FORGE_SECRET_PROD_API_KEY
// and then as the bare variable, so CI environments that already export the
// credential under its own name work without renaming.
type EnvBackend struct{}

// NewEnvBackend creates a new environment variable backend.
func NewEnvBackend() *EnvBackend {
	return &EnvBackend{}
}

// Name returns the backend identifier.
func (e *EnvBackend) Name() string {
	return "env"
}

// Get retrieves a secret from environment variables.
func (e *EnvBackend) Get(ctx context.Context, name string) (string, error) {
	if value := os.Getenv(envSecretPrefix + name); value != "" {
		return value, nil
	}
	if value := os.Getenv(name); value != "" {
		return value, nil
	}
	return "", fmt.Errorf("%w: environment variable not set", ErrSecretNotFound)
}

// Set returns ErrReadOnlyBackend as the environment backend is read-only.
func (e *EnvBackend) Set(ctx context.Context, name, value string) error {
	return ErrReadOnlyBackend
}

// Delete returns ErrReadOnlyBackend as the environment backend is read-only.
func (e *EnvBackend) Delete(ctx context.Context, name string) error {
	return ErrReadOnlyBackend
}

// List returns all FORGE_SECRET_* reference names.
func (e *EnvBackend) List(ctx context.Context) ([]string, error) {
	var names []string
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, envSecretPrefix) {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		if len(parts) == 2 && parts[1] != "" {
			names = append(names, strings.TrimPrefix(parts[0], envSecretPrefix))
		}
	}
	return names, nil
}

// Available returns true as environment variables are always available.
func (e *EnvBackend) Available() bool {
	return true
}

// Priority returns the backend priority (highest).
func (e *EnvBackend) Priority() int {
	return EnvBackendPriority
}
