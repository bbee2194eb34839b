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
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/forge/internal/daemon/queue"
	"github.com/tombee/forge/internal/log"
	"github.com/tombee/forge/pkg/pipeline"
)

// Entry is one schedule bound to a pipeline.
type Entry struct {
	// Pipeline is the pipeline name to run
	Pipeline string

	// Cron is the parsed schedule
	Cron *Cron

	// Inputs are the static inputs passed to each scheduled run
	Inputs map[string]interface{}
}

// Scheduler enqueues run requests when schedule entries come due. It ticks
// at minute granularity and fires each entry at most once per minute.
type Scheduler struct {
	queue  queue.Queue
	logger *slog.Logger

	mu      sync.Mutex
	entries []Entry
}

// New creates a scheduler feeding the given queue.
func New(q queue.Queue, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		queue:  q,
		logger: log.WithComponent(logger, "scheduler"),
	}
}

// SetEntries replaces the schedule entries. Called after every pipeline
// directory rescan.
func (s *Scheduler) SetEntries(entries []Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = entries
}

// Run ticks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	// Align the first tick to the next minute boundary so Matches sees
	// each minute exactly once.
	now := time.Now()
	next := now.Truncate(time.Minute).Add(time.Minute)

	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-timer.C:
			s.fire(ctx, tick)
			next = next.Add(time.Minute)
			timer.Reset(time.Until(next))
		}
	}
}

// fire enqueues every entry matching the tick minute.
func (s *Scheduler) fire(ctx context.Context, tick time.Time) {
	s.mu.Lock()
	entries := make([]Entry, len(s.entries))
	copy(entries, s.entries)
	s.mu.Unlock()

	for _, entry := range entries {
		if !entry.Cron.Matches(tick) {
			continue
		}
		item := queue.NewItem(entry.Pipeline, pipeline.TriggerTypeSchedule, entry.Inputs, queue.PrioritySchedule)
		if err := s.queue.Enqueue(ctx, item); err != nil {
			s.logger.Warn("failed to enqueue scheduled run",
				"pipeline", entry.Pipeline, log.Error(err))
			continue
		}
		s.logger.Info("scheduled run enqueued", "pipeline", entry.Pipeline)
	}
}
