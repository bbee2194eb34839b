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
	"testing"
)

// fakeBackend is an in-memory backend for resolver tests.
type fakeBackend struct {
	name      string
	priority  int
	available bool
	values    map[string]string
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Get(ctx context.Context, name string) (string, error) {
	if v, ok := f.values[name]; ok {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
}

func (f *fakeBackend) Set(ctx context.Context, name, value string) error {
	f.values[name] = value
	return nil
}

func (f *fakeBackend) Delete(ctx context.Context, name string) error {
	if _, ok := f.values[name]; !ok {
		return ErrSecretNotFound
	}
	delete(f.values, name)
	return nil
}

func (f *fakeBackend) List(ctx context.Context) ([]string, error) {
	var names []string
	for name := range f.values {
		names = append(names, name)
	}
	return names, nil
}

func (f *fakeBackend) Available() bool { return f.available }
func (f *fakeBackend) Priority() int   { return f.priority }

func TestResolverPriorityOrder(t *testing.T) {
	low := &fakeBackend{name: "file", priority: 25, available: true,
		values: map[string]string{"PROD_API_KEY": "from-file"}}
	high := &fakeBackend{name: "env", priority: 100, available: true,
		values: map[string]string{"PROD_API_KEY": "from-env"}}

	r := NewResolver(low, high)

	value, err := r.Resolve(context.Background(), "PROD_API_KEY")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if value != "from-env" {
		t.Errorf("Resolve() = %q, want the higher-priority backend's value", value)
	}
}

func TestResolverFallsThrough(t *testing.T) {
	high := &fakeBackend{name: "env", priority: 100, available: true, values: map[string]string{}}
	low := &fakeBackend{name: "file", priority: 25, available: true,
		values: map[string]string{"DA_TEST_KEY": "value"}}

	r := NewResolver(high, low)

	value, err := r.Resolve(context.Background(), "DA_TEST_KEY")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if value != "value" {
		t.Errorf("Resolve() = %q", value)
	}
}

func TestResolverSkipsUnavailableBackends(t *testing.T) {
	dead := &fakeBackend{name: "keychain", priority: 50, available: false,
		values: map[string]string{"KEY": "unreachable"}}

	r := NewResolver(dead)

	_, err := r.Resolve(context.Background(), "KEY")
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("Resolve() error = %v, want ErrBackendUnavailable", err)
	}
}

func TestResolverNotFound(t *testing.T) {
	r := NewResolver(&fakeBackend{name: "env", priority: 100, available: true, values: map[string]string{}})

	_, err := r.Resolve(context.Background(), "MISSING_KEY")
	if !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("Resolve() error = %v, want ErrSecretNotFound", err)
	}
}

func TestResolverRejectsInvalidReference(t *testing.T) {
	r := NewResolver(&fakeBackend{name: "env", priority: 100, available: true, values: map[string]string{}})

	for _, ref := range []string{"lowercase", "1STARTS_WITH_DIGIT", "HAS SPACE", ""} {
		if _, err := r.Resolve(context.Background(), ref); err == nil {
			t.Errorf("Resolve(%q) should reject invalid reference", ref)
		}
	}
}

func TestResolverSchemePinning(t *testing.T) {
	env := &fakeBackend{name: "env", priority: 100, available: true,
		values: map[string]string{"TOKEN": "from-env"}}
	file := &fakeBackend{name: "file", priority: 25, available: true,
		values: map[string]string{"TOKEN": "from-file"}}

	r := NewResolver(env, file)

	value, err := r.Resolve(context.Background(), "file:TOKEN")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if value != "from-file" {
		t.Errorf("pinned Resolve() = %q, want from-file", value)
	}

	if _, err := r.Resolve(context.Background(), "vault:TOKEN"); !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("unknown scheme error = %v, want ErrBackendUnavailable", err)
	}
}

func TestResolveAll(t *testing.T) {
	env := &fakeBackend{name: "env", priority: 100, available: true,
		values: map[string]string{"PROD_API_KEY": "a", "DA_TEST_KEY": "b"}}

	r := NewResolver(env)

	resolved, err := r.ResolveAll(context.Background(), []string{"PROD_API_KEY", "DA_TEST_KEY"})
	if err != nil {
		t.Fatalf("ResolveAll() error = %v", err)
	}
	if resolved["PROD_API_KEY"] != "a" || resolved["DA_TEST_KEY"] != "b" {
		t.Errorf("ResolveAll() = %v", resolved)
	}

	if _, err := r.ResolveAll(context.Background(), []string{"PROD_API_KEY", "MISSING"}); err == nil {
		t.Error("ResolveAll() should fail when any reference is unresolvable")
	}
}
