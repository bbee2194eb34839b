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

// Package api provides the daemon's HTTP API.
package api

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/tombee/forge/internal/daemon/backend"
	"github.com/tombee/forge/internal/daemon/queue"
	"github.com/tombee/forge/internal/daemon/trigger"
	"github.com/tombee/forge/internal/engine"
	"github.com/tombee/forge/internal/log"
	"github.com/tombee/forge/internal/tracing"
	"github.com/tombee/forge/pkg/errors"
	"github.com/tombee/forge/pkg/pipeline"
)

// Server routes daemon API requests: pipeline dispatch, run inspection,
// health, and metrics.
type Server struct {
	mux     *http.ServeMux
	queue   queue.Queue
	backend backend.Backend
	logger  *slog.Logger

	mu    sync.RWMutex
	index *trigger.Index
}

// Options configures the API server.
type Options struct {
	Queue   queue.Queue
	Backend backend.Backend
	Index   *trigger.Index
	Logger  *slog.Logger

	// Metrics serves GET /metrics when set.
	Metrics http.Handler

	// Webhook serves POST /webhook when set.
	Webhook http.Handler
}

// NewServer creates the API server and registers all routes.
func NewServer(opts Options) *Server {
	s := &Server{
		mux:     http.NewServeMux(),
		queue:   opts.Queue,
		backend: opts.Backend,
		index:   opts.Index,
		logger:  log.WithComponent(opts.Logger, "api"),
	}

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /api/pipelines", s.handleListPipelines)
	s.mux.HandleFunc("GET /api/pipelines/{name}", s.handleGetPipeline)
	s.mux.HandleFunc("POST /api/pipelines/{name}/dispatch", s.handleDispatch)
	s.mux.HandleFunc("GET /api/runs", s.handleListRuns)
	s.mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	s.mux.HandleFunc("GET /api/runs/{id}/jobs", s.handleGetRunJobs)

	if opts.Metrics != nil {
		s.mux.Handle("GET /metrics", opts.Metrics)
	}
	if opts.Webhook != nil {
		s.mux.Handle("POST /webhook", opts.Webhook)
	}
	return s
}

// SetIndex swaps the trigger index after a rescan.
func (s *Server) SetIndex(index *trigger.Index) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index = index
}

func (s *Server) currentIndex() *trigger.Index {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index
}

// ServeHTTP implements http.Handler with correlation and request logging
// around the route mux.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		correlationID := tracing.FromContextOrEmpty(r.Context())
		logger := s.logger
		if correlationID != "" {
			logger = logger.With("correlation_id", string(correlationID))
		}
		s.mux.ServeHTTP(w, r)
		logger.Info("request completed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
	tracing.Middleware(inner).ServeHTTP(w, r)
}

// DispatchRequest is the body of POST /api/pipelines/{name}/dispatch.
type DispatchRequest struct {
	Inputs map[string]interface{} `json:"inputs,omitempty"`
}

// DispatchResponse acknowledges a queued dispatch.
type DispatchResponse struct {
	ID       string                 `json:"id"`
	Pipeline string                 `json:"pipeline"`
	Inputs   map[string]interface{} `json:"inputs,omitempty"`
}

// handleDispatch validates dispatch inputs against the pipeline's trigger
// declaration and queues a run at dispatch priority.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	entry, ok := s.currentIndex().Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("pipeline not found: %s", name))
		return
	}
	dispatch := entry.Def.On.Dispatch
	if dispatch == nil {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("pipeline %s does not declare a dispatch trigger", name))
		return
	}

	var req DispatchRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
	}
	if req.Inputs == nil {
		req.Inputs = make(map[string]interface{})
	}

	// Reject unknown and invalid inputs before queuing so the caller gets
	// the error, not the run record.
	for name := range req.Inputs {
		if _, ok := dispatch.Input(name); !ok {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown input: %s", name))
			return
		}
	}
	for i := range dispatch.Inputs {
		input := &dispatch.Inputs[i]
		value, provided := req.Inputs[input.Name]
		if !provided {
			if input.Required && input.Default == nil {
				writeError(w, http.StatusBadRequest,
					fmt.Sprintf("required input missing: %s", input.Name))
				return
			}
			continue
		}
		if err := input.CheckValue(value); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	item := queue.NewItem(name, pipeline.TriggerTypeDispatch, req.Inputs, queue.PriorityDispatch)
	if err := s.queue.Enqueue(r.Context(), item); err != nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("failed to queue run: %v", err))
		return
	}

	s.logger.Info("dispatch queued", "pipeline", name, "item", item.ID)
	writeJSON(w, http.StatusAccepted, DispatchResponse{
		ID:       item.ID,
		Pipeline: name,
		Inputs:   req.Inputs,
	})
}

// PipelineSummary is one entry of GET /api/pipelines.
type PipelineSummary struct {
	Name     string   `json:"name"`
	Path     string   `json:"path"`
	Triggers []string `json:"triggers"`
}

func (s *Server) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	index := s.currentIndex()
	summaries := make([]PipelineSummary, 0, len(index.Names()))
	for _, name := range index.Names() {
		entry, _ := index.Get(name)
		summaries = append(summaries, PipelineSummary{
			Name:     entry.Name,
			Path:     entry.Path,
			Triggers: triggerNames(entry.Def),
		})
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	entry, ok := s.currentIndex().Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("pipeline not found: %s", name))
		return
	}
	writeJSON(w, http.StatusOK, entry.Def)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := backend.Filter{
		Pipeline: r.URL.Query().Get("pipeline"),
		Status:   engine.Status(r.URL.Query().Get("status")),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit: %s", raw))
			return
		}
		filter.Limit = limit
	}

	runs, err := s.backend.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list runs: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.backend.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeBackendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleGetRunJobs(w http.ResponseWriter, r *http.Request) {
	run, err := s.backend.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeBackendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run.Jobs)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"pipelines": len(s.currentIndex().Names()),
		"queued":    s.queue.Len(),
	})
}

func triggerNames(def *pipeline.Definition) []string {
	var names []string
	if def.On.Dispatch != nil {
		names = append(names, string(pipeline.TriggerTypeDispatch))
	}
	if def.On.Push != nil {
		names = append(names, string(pipeline.TriggerTypePush))
	}
	if def.On.PullRequest != nil {
		names = append(names, string(pipeline.TriggerTypePullRequest))
	}
	if len(def.On.Schedule) > 0 {
		names = append(names, string(pipeline.TriggerTypeSchedule))
	}
	return names
}

func writeBackendError(w http.ResponseWriter, err error) {
	var notFound *errors.NotFoundError
	if stderrors.As(err, &notFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
