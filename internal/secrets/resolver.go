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
	"errors"
	"fmt"
	"regexp"
	"sort"
)

// Resolver resolves credential reference names by querying backends in
// priority order.
type Resolver struct {
	backends []Backend
}

// referencePattern constrains reference names to the charset pipelines may
// declare: uppercase, digits, underscores, not starting with a digit.
var referencePattern = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)

// scheme:name form pins a reference to one backend, e.g. keychain:PROD_API_KEY.
var schemePattern = regexp.MustCompile(`^([a-z][a-z0-9]*):([A-Z_][A-Z0-9_]*)$`)

// NewResolver creates a resolver over the given backends. Unavailable
// backends are dropped; the rest are sorted by priority, highest first.
func NewResolver(backends ...Backend) *Resolver {
	available := make([]Backend, 0, len(backends))
	for _, b := range backends {
		if b.Available() {
			available = append(available, b)
		}
	}

	sort.Slice(available, func(i, j int) bool {
		return available[i].Priority() > available[j].Priority()
	})

	return &Resolver{backends: available}
}

// DefaultResolver builds the standard backend chain: environment, system
// keychain, encrypted file.
func DefaultResolver() (*Resolver, error) {
	file, err := NewFileBackend("", "")
	if err != nil {
		return nil, err
	}
	return NewResolver(NewEnvBackend(), NewKeychainBackend(), file), nil
}

// Resolve resolves a reference name to its value. A scheme-prefixed
// reference (env:NAME, keychain:NAME, file:NAME) queries only that backend;
// a bare name walks the chain in priority order. Errors never contain
// secret values.
func (r *Resolver) Resolve(ctx context.Context, reference string) (string, error) {
	if m := schemePattern.FindStringSubmatch(reference); m != nil {
		return r.resolvePinned(ctx, m[1], m[2])
	}

	if !referencePattern.MatchString(reference) {
		return "", fmt.Errorf("invalid secret reference %q: names use uppercase letters, digits, and underscores", reference)
	}

	if len(r.backends) == 0 {
		return "", fmt.Errorf("%w: no available backends", ErrBackendUnavailable)
	}

	var lastErr error
	for _, backend := range r.backends {
		value, err := backend.Get(ctx, reference)
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, ErrSecretNotFound) {
			lastErr = err
		}
	}

	if lastErr != nil {
		return "", fmt.Errorf("failed to resolve secret %q: %w", reference, lastErr)
	}
	return "", fmt.Errorf("%w: %q", ErrSecretNotFound, reference)
}

// resolvePinned queries exactly one backend by name.
func (r *Resolver) resolvePinned(ctx context.Context, scheme, name string) (string, error) {
	for _, backend := range r.backends {
		if backend.Name() == scheme {
			return backend.Get(ctx, name)
		}
	}
	return "", fmt.Errorf("%w: no backend for scheme %q", ErrBackendUnavailable, scheme)
}

// ResolveAll resolves a set of reference names, returning a name-to-value
// map. Resolution stops at the first failure so a partially-credentialed
// job never starts.
func (r *Resolver) ResolveAll(ctx context.Context, references []string) (map[string]string, error) {
	resolved := make(map[string]string, len(references))
	for _, ref := range references {
		value, err := r.Resolve(ctx, ref)
		if err != nil {
			return nil, err
		}
		resolved[ref] = value
	}
	return resolved, nil
}

// Backends returns the active chain, for diagnostics.
func (r *Resolver) Backends() []string {
	names := make([]string, len(r.backends))
	for i, b := range r.backends {
		names[i] = b.Name()
	}
	return names
}
