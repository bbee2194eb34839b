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

// Package backend provides run persistence for the daemon.
package backend

import (
	"context"

	"github.com/tombee/forge/internal/engine"
)

// Filter narrows ListRuns results. Zero values match everything.
type Filter struct {
	// Pipeline filters by pipeline name
	Pipeline string

	// Status filters by run status
	Status engine.Status

	// Limit caps the number of results (0 = DefaultListLimit)
	Limit int
}

// DefaultListLimit caps unbounded list queries.
const DefaultListLimit = 100

// Backend persists run snapshots. Implementations store the snapshot the
// engine hands over; they never mutate live runs.
type Backend interface {
	// SaveRun inserts or updates a run snapshot by ID.
	SaveRun(ctx context.Context, run *engine.Run) error

	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, id string) (*engine.Run, error)

	// ListRuns returns runs matching the filter, newest first.
	ListRuns(ctx context.Context, filter Filter) ([]*engine.Run, error)

	// DeleteRun removes a run by ID.
	DeleteRun(ctx context.Context, id string) error

	// Close releases backend resources.
	Close() error
}
