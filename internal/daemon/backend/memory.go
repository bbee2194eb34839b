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

package backend

import (
	"context"
	"sort"
	"sync"

	"github.com/tombee/forge/internal/engine"
	"github.com/tombee/forge/pkg/errors"
)

// Memory is an in-memory backend for tests and ephemeral deployments.
type Memory struct {
	mu   sync.RWMutex
	runs map[string]*engine.Run
}

// NewMemory creates an in-memory backend.
func NewMemory() *Memory {
	return &Memory{runs: make(map[string]*engine.Run)}
}

// SaveRun stores a snapshot of the run.
func (m *Memory) SaveRun(ctx context.Context, run *engine.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = run.Snapshot()
	return nil
}

// GetRun retrieves a run by ID.
func (m *Memory) GetRun(ctx context.Context, id string) (*engine.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "run", ID: id}
	}
	return run.Snapshot(), nil
}

// ListRuns returns runs matching the filter, newest first.
func (m *Memory) ListRuns(ctx context.Context, filter Filter) ([]*engine.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*engine.Run
	for _, run := range m.runs {
		if filter.Pipeline != "" && run.Pipeline != filter.Pipeline {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		matched = append(matched, run.Snapshot())
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// DeleteRun removes a run by ID.
func (m *Memory) DeleteRun(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[id]; !ok {
		return &errors.NotFoundError{Resource: "run", ID: id}
	}
	delete(m.runs, id)
	return nil
}

// Close is a no-op for the memory backend.
func (m *Memory) Close() error {
	return nil
}
