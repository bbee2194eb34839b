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

// Package trigger indexes the pipelines directory by trigger so the daemon
// can route dispatches, webhook events, and schedule ticks to pipelines.
package trigger

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tombee/forge/internal/log"
	"github.com/tombee/forge/pkg/pipeline"
)

// Entry is one indexed pipeline.
type Entry struct {
	// Name is the pipeline name from the definition
	Name string

	// Path is the definition file path
	Path string

	// Def is the parsed definition
	Def *pipeline.Definition
}

// Schedule binds a parsed cron expression's source to its pipeline.
type Schedule struct {
	// Pipeline is the pipeline name
	Pipeline string

	// Cron is the raw cron expression
	Cron string

	// Inputs are the static inputs for scheduled runs
	Inputs map[string]interface{}
}

// Index is an immutable snapshot of the pipelines directory. The scanner
// builds a fresh index on every scan; consumers swap atomically.
type Index struct {
	byName map[string]*Entry
	order  []string
}

// Get returns the pipeline with the given name.
func (i *Index) Get(name string) (*Entry, bool) {
	entry, ok := i.byName[name]
	return entry, ok
}

// Names returns the indexed pipeline names, sorted.
func (i *Index) Names() []string {
	return i.order
}

// MatchBranch returns the pipelines whose push or pull_request trigger
// matches the branch.
func (i *Index) MatchBranch(trigger pipeline.TriggerType, branch string) []*Entry {
	var matched []*Entry
	for _, name := range i.order {
		entry := i.byName[name]
		var bt *pipeline.BranchTrigger
		switch trigger {
		case pipeline.TriggerTypePush:
			bt = entry.Def.On.Push
		case pipeline.TriggerTypePullRequest:
			bt = entry.Def.On.PullRequest
		}
		if bt != nil && bt.Matches(branch) {
			matched = append(matched, entry)
		}
	}
	return matched
}

// Schedules returns every schedule trigger in the index.
func (i *Index) Schedules() []Schedule {
	var schedules []Schedule
	for _, name := range i.order {
		entry := i.byName[name]
		for _, st := range entry.Def.On.Schedule {
			schedules = append(schedules, Schedule{
				Pipeline: entry.Name,
				Cron:     st.Cron,
				Inputs:   st.Inputs,
			})
		}
	}
	return schedules
}

// Scanner builds trigger indexes from a pipelines directory.
type Scanner struct {
	dir    string
	logger *slog.Logger
}

// NewScanner creates a scanner over the given directory.
func NewScanner(dir string, logger *slog.Logger) *Scanner {
	return &Scanner{
		dir:    dir,
		logger: log.WithComponent(logger, "trigger"),
	}
}

// Scan parses every pipeline definition under the directory. Files that
// fail to parse are logged and skipped so one broken definition never takes
// the daemon down.
func (s *Scanner) Scan() (*Index, error) {
	index := &Index{byName: make(map[string]*Entry)}

	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		def, err := pipeline.ParseDefinition(data)
		if err != nil {
			s.logger.Warn("skipping invalid pipeline definition", "path", path, log.Error(err))
			return nil
		}

		if existing, ok := index.byName[def.Name]; ok {
			return fmt.Errorf("duplicate pipeline name %q in %s and %s", def.Name, existing.Path, path)
		}
		index.byName[def.Name] = &Entry{Name: def.Name, Path: path, Def: def}
		return nil
	})
	if err != nil {
		return nil, err
	}

	index.order = make([]string, 0, len(index.byName))
	for name := range index.byName {
		index.order = append(index.order, name)
	}
	sort.Strings(index.order)

	s.logger.Info("pipelines indexed", "count", len(index.order))
	return index, nil
}

// watchDebounce coalesces editor write bursts into one rescan.
const watchDebounce = 500 * time.Millisecond

// Watch rescans on filesystem changes until the context is cancelled,
// invoking onChange with each fresh index.
func (s *Scanner) Watch(ctx context.Context, onChange func(*Index)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory tree; fsnotify does not recurse on its own.
	err = filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		return err
	}

	var timer *time.Timer
	rescan := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			// New subdirectories need their own watch.
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watcher.Add(event.Name)
				}
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, func() {
				select {
				case rescan <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("watcher error", log.Error(err))
		case <-rescan:
			index, err := s.Scan()
			if err != nil {
				s.logger.Warn("rescan failed", log.Error(err))
				continue
			}
			onChange(index)
		}
	}
}
