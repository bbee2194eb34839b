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

// Package engine executes pipeline runs: it schedules jobs over their
// dependency graph, fans matrix jobs out into independent cells, runs steps
// in isolated workspaces, and moves artifacts between jobs.
package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/forge/pkg/pipeline"
)

// Status is the lifecycle state of a run, job, or step.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusSkipped   Status = "skipped"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusSkipped:
		return true
	}
	return false
}

// Run is one execution of a pipeline. External access goes through
// Snapshot; the engine mutates the run under its lock while jobs execute
// concurrently.
type Run struct {
	mu sync.RWMutex

	// ID is the unique run identifier
	ID string `json:"id"`

	// Pipeline is the pipeline name
	Pipeline string `json:"pipeline"`

	// Trigger records how the run was started
	Trigger pipeline.TriggerType `json:"trigger"`

	// Inputs are the dispatch inputs (post-validation, defaults applied)
	Inputs map[string]interface{} `json:"inputs,omitempty"`

	// Status is the run's lifecycle state
	Status Status `json:"status"`

	// Jobs are the job runs, one per job or matrix cell, in start order
	Jobs []*JobRun `json:"jobs"`

	// Error holds the first fatal error message
	Error string `json:"error,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// JobRun is one execution unit: a plain job, or a single matrix cell of a
// fanned-out job.
type JobRun struct {
	// ID is the unique job run identifier
	ID string `json:"id"`

	// JobID is the job's ID in the pipeline definition
	JobID string `json:"job_id"`

	// CellKey identifies the matrix cell ("" for non-matrix jobs)
	CellKey string `json:"cell_key,omitempty"`

	// Cell holds the matrix values for this cell
	Cell map[string]interface{} `json:"cell,omitempty"`

	// Status is the job run's lifecycle state
	Status Status `json:"status"`

	// Steps are the step results in execution order
	Steps []*StepResult `json:"steps,omitempty"`

	// Error holds the failure message
	Error string `json:"error,omitempty"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// StepResult records one step execution.
type StepResult struct {
	// StepID is the step's ID in the job definition
	StepID string `json:"step_id"`

	// Name is the step's human-readable name, if set
	Name string `json:"name,omitempty"`

	// Status is the step's lifecycle state
	Status Status `json:"status"`

	// Output is the captured (and secret-masked) step output
	Output string `json:"output,omitempty"`

	// Error holds the failure message
	Error string `json:"error,omitempty"`

	// ExitCode is the process exit code for run steps
	ExitCode int `json:"exit_code,omitempty"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// NewRun creates a pending run.
func NewRun(pipelineName string, trigger pipeline.TriggerType, inputs map[string]interface{}) *Run {
	return &Run{
		ID:        uuid.New().String(),
		Pipeline:  pipelineName,
		Trigger:   trigger,
		Inputs:    inputs,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
}

// start transitions the run to running.
func (r *Run) start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	r.Status = StatusRunning
	r.StartedAt = &now
}

// finish transitions the run to a terminal status.
func (r *Run) finish(status Status, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	r.Status = status
	r.FinishedAt = &now
	if errMsg != "" && r.Error == "" {
		r.Error = errMsg
	}
}

// update applies a mutation under the run lock. Job goroutines mutate their
// JobRun through this so Snapshot stays consistent.
func (r *Run) update(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn()
}

// addJob appends a job run under the lock.
func (r *Run) addJob(job *JobRun) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Jobs = append(r.Jobs, job)
}

// Snapshot returns a deep copy safe for external access.
func (r *Run) Snapshot() *Run {
	r.mu.RLock()
	defer r.mu.RUnlock()

	copied := &Run{
		ID:         r.ID,
		Pipeline:   r.Pipeline,
		Trigger:    r.Trigger,
		Status:     r.Status,
		Error:      r.Error,
		CreatedAt:  r.CreatedAt,
		StartedAt:  copyTime(r.StartedAt),
		FinishedAt: copyTime(r.FinishedAt),
	}
	if r.Inputs != nil {
		copied.Inputs = make(map[string]interface{}, len(r.Inputs))
		for k, v := range r.Inputs {
			copied.Inputs[k] = v
		}
	}
	copied.Jobs = make([]*JobRun, len(r.Jobs))
	for i, job := range r.Jobs {
		copied.Jobs[i] = job.snapshot()
	}
	return copied
}

// newJobRun creates a pending job run for a job or matrix cell.
func newJobRun(jobID string, cell *pipeline.Cell) *JobRun {
	jr := &JobRun{
		ID:     uuid.New().String(),
		JobID:  jobID,
		Status: StatusPending,
	}
	if cell != nil {
		jr.CellKey = cell.Key
		jr.Cell = cell.Values
	}
	return jr
}

func (j *JobRun) start() {
	now := time.Now().UTC()
	j.Status = StatusRunning
	j.StartedAt = &now
}

func (j *JobRun) finish(status Status, errMsg string) {
	now := time.Now().UTC()
	j.Status = status
	j.FinishedAt = &now
	if errMsg != "" {
		j.Error = errMsg
	}
}

func (j *JobRun) snapshot() *JobRun {
	copied := &JobRun{
		ID:         j.ID,
		JobID:      j.JobID,
		CellKey:    j.CellKey,
		Status:     j.Status,
		Error:      j.Error,
		StartedAt:  copyTime(j.StartedAt),
		FinishedAt: copyTime(j.FinishedAt),
	}
	if j.Cell != nil {
		copied.Cell = make(map[string]interface{}, len(j.Cell))
		for k, v := range j.Cell {
			copied.Cell[k] = v
		}
	}
	copied.Steps = make([]*StepResult, len(j.Steps))
	for i, step := range j.Steps {
		stepCopy := *step
		stepCopy.StartedAt = copyTime(step.StartedAt)
		stepCopy.FinishedAt = copyTime(step.FinishedAt)
		copied.Steps[i] = &stepCopy
	}
	return copied
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	copied := *t
	return &copied
}
