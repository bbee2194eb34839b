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

package scheduler

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/tombee/forge/internal/daemon/queue"
	"github.com/tombee/forge/pkg/pipeline"
)

func TestFireEnqueuesDueEntries(t *testing.T) {
	q := queue.NewMemory()
	s := New(q, slog.New(slog.NewTextHandler(io.Discard, nil)))

	nightly, err := ParseCron("0 3 * * *")
	if err != nil {
		t.Fatal(err)
	}
	hourly, err := ParseCron("0 * * * *")
	if err != nil {
		t.Fatal(err)
	}
	s.SetEntries([]Entry{
		{Pipeline: "nightly-validation", Cron: nightly, Inputs: map[string]interface{}{"channel": "nightly"}},
		{Pipeline: "hourly-health", Cron: hourly},
	})

	// 03:00 matches both entries; 04:00 only the hourly one.
	s.fire(context.Background(), time.Date(2026, 8, 24, 3, 0, 0, 0, time.UTC))
	if q.Len() != 2 {
		t.Fatalf("queued = %d, want 2", q.Len())
	}

	item, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if item.Trigger != pipeline.TriggerTypeSchedule {
		t.Errorf("trigger = %s", item.Trigger)
	}
	if item.Pipeline == "nightly-validation" && item.Inputs["channel"] != "nightly" {
		t.Errorf("inputs = %v", item.Inputs)
	}

	q.Dequeue(context.Background())
	s.fire(context.Background(), time.Date(2026, 8, 24, 4, 0, 0, 0, time.UTC))
	if q.Len() != 1 {
		t.Fatalf("queued = %d, want 1", q.Len())
	}
}
