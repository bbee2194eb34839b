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

// Package secrets resolves the credential reference names declared in
// pipeline definitions into values at execution time.
//
// Pipelines never hold secret values. A job's with-block and secrets list
// carry reference names like PROD_API_KEY; the resolver walks a chain of
// backends (environment, system keychain, encrypted file) in priority order
// to produce the value for each name.
package secrets

import (
	"context"
	"errors"
)

var (
	// ErrSecretNotFound is returned when a reference name resolves to nothing
	// in any backend.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrBackendUnavailable is returned when a backend cannot be used in the
	// current environment.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrReadOnlyBackend is returned when attempting to modify a read-only backend.
	ErrReadOnlyBackend = errors.New("backend is read-only")
)

// Backend provides storage for credential values keyed by reference name.
// Backends are queried in priority order by the Resolver.
type Backend interface {
	// Name returns the backend identifier (e.g., "env", "keychain", "file").
	Name() string

	// Get retrieves a secret by reference name.
	// Returns ErrSecretNotFound if not present.
	Get(ctx context.Context, name string) (string, error)

	// Set stores a secret. Returns ErrReadOnlyBackend if not supported.
	Set(ctx context.Context, name, value string) error

	// Delete removes a secret. Returns ErrSecretNotFound if not present,
	// ErrReadOnlyBackend if not supported.
	Delete(ctx context.Context, name string) error

	// List returns the reference names (not values) this backend holds.
	List(ctx context.Context) ([]string, error)

	// Available reports whether the backend is usable right now. The
	// keychain backend returns false when no keyring service is reachable.
	Available() bool

	// Priority returns the resolution priority (higher = checked first).
	// Standard priorities: env (100), keychain (50), file (25).
	Priority() int
}
