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
	"path/filepath"
	"testing"

	stderrors "errors"

	"github.com/tombee/forge/internal/engine"
	"github.com/tombee/forge/pkg/errors"
	"github.com/tombee/forge/pkg/pipeline"
)

// each backend implementation runs the same conformance suite.
func backends(t *testing.T) map[string]Backend {
	t.Helper()
	sqlite, err := NewSQLite(filepath.Join(t.TempDir(), "forged.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Backend{
		"memory": NewMemory(),
		"sqlite": sqlite,
	}
}

func TestSaveAndGetRun(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			run := engine.NewRun("release-publisher", pipeline.TriggerTypeDispatch, map[string]interface{}{"tag": "v1.2.3"})

			if err := b.SaveRun(ctx, run); err != nil {
				t.Fatalf("SaveRun() error = %v", err)
			}

			got, err := b.GetRun(ctx, run.ID)
			if err != nil {
				t.Fatalf("GetRun() error = %v", err)
			}
			if got.Pipeline != "release-publisher" || got.Trigger != pipeline.TriggerTypeDispatch {
				t.Errorf("got = %+v", got)
			}
			if got.Inputs["tag"] != "v1.2.3" {
				t.Errorf("inputs = %v", got.Inputs)
			}
		})
	}
}

func TestSaveRunUpdates(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			run := engine.NewRun("p", pipeline.TriggerTypePush, nil)

			if err := b.SaveRun(ctx, run); err != nil {
				t.Fatal(err)
			}
			run.Status = engine.StatusCompleted
			if err := b.SaveRun(ctx, run); err != nil {
				t.Fatal(err)
			}

			got, err := b.GetRun(ctx, run.ID)
			if err != nil {
				t.Fatal(err)
			}
			if got.Status != engine.StatusCompleted {
				t.Errorf("status = %s after update", got.Status)
			}

			all, err := b.ListRuns(ctx, Filter{Pipeline: "p"})
			if err != nil {
				t.Fatal(err)
			}
			if len(all) != 1 {
				t.Errorf("runs = %d, update must not duplicate", len(all))
			}
		})
	}
}

func TestGetRunNotFound(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := b.GetRun(context.Background(), "missing")
			var notFound *errors.NotFoundError
			if !stderrors.As(err, &notFound) {
				t.Errorf("GetRun() error = %v, want NotFoundError", err)
			}
		})
	}
}

func TestListRunsFilters(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			release := engine.NewRun("release", pipeline.TriggerTypeDispatch, nil)
			release.Status = engine.StatusCompleted
			validator := engine.NewRun("validator", pipeline.TriggerTypePush, nil)
			validator.Status = engine.StatusFailed
			for _, run := range []*engine.Run{release, validator} {
				if err := b.SaveRun(ctx, run); err != nil {
					t.Fatal(err)
				}
			}

			byPipeline, err := b.ListRuns(ctx, Filter{Pipeline: "release"})
			if err != nil {
				t.Fatal(err)
			}
			if len(byPipeline) != 1 || byPipeline[0].ID != release.ID {
				t.Errorf("by pipeline = %+v", byPipeline)
			}

			byStatus, err := b.ListRuns(ctx, Filter{Status: engine.StatusFailed})
			if err != nil {
				t.Fatal(err)
			}
			if len(byStatus) != 1 || byStatus[0].ID != validator.ID {
				t.Errorf("by status = %+v", byStatus)
			}

			limited, err := b.ListRuns(ctx, Filter{Limit: 1})
			if err != nil {
				t.Fatal(err)
			}
			if len(limited) != 1 {
				t.Errorf("limited = %d", len(limited))
			}
		})
	}
}

func TestDeleteRun(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			run := engine.NewRun("p", pipeline.TriggerTypePush, nil)
			if err := b.SaveRun(ctx, run); err != nil {
				t.Fatal(err)
			}

			if err := b.DeleteRun(ctx, run.ID); err != nil {
				t.Fatalf("DeleteRun() error = %v", err)
			}
			if _, err := b.GetRun(ctx, run.ID); err == nil {
				t.Error("run still present after delete")
			}
			if err := b.DeleteRun(ctx, run.ID); err == nil {
				t.Error("second delete should fail")
			}
		})
	}
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forged.db")
	ctx := context.Background()

	first, err := NewSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	run := engine.NewRun("durable", pipeline.TriggerTypeDispatch, nil)
	if err := first.SaveRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	if err := first.Close(); err != nil {
		t.Fatal(err)
	}

	second, err := NewSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()

	got, err := second.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun() after reopen error = %v", err)
	}
	if got.Pipeline != "durable" {
		t.Errorf("pipeline = %s", got.Pipeline)
	}
}
