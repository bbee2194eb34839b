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

// Package webhook accepts push and pull_request events and turns them into
// queued pipeline runs.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/itchyny/gojq"
	"golang.org/x/time/rate"

	"github.com/tombee/forge/internal/daemon/queue"
	"github.com/tombee/forge/internal/daemon/trigger"
	"github.com/tombee/forge/internal/log"
	"github.com/tombee/forge/pkg/pipeline"
)

// maxBodySize caps webhook payloads at 1 MiB.
const maxBodySize = 1 << 20

// Signature and event headers. X-Hub-Signature-256 is the GitHub-style
// fallback so standard forges can deliver without adapter glue.
const (
	HeaderSignature    = "X-Forge-Signature"
	HeaderSignatureHub = "X-Hub-Signature-256"
	HeaderEvent        = "X-Forge-Event"
	HeaderEventHub     = "X-GitHub-Event"
)

// Config configures the webhook handler.
type Config struct {
	// Secret is the shared HMAC secret. Empty disables the endpoint.
	Secret string

	// BranchQuery is a jq expression extracting the branch or ref from the
	// payload. A refs/heads/ prefix is stripped from the result.
	BranchQuery string

	// InputQueries maps run input names to jq expressions over the payload
	InputQueries map[string]string

	// RatePerSecond and Burst configure delivery rate limiting
	RatePerSecond float64
	Burst         int
}

// Handler verifies, rate-limits, and routes webhook deliveries.
type Handler struct {
	secret       string
	branchQuery  *gojq.Query
	inputQueries map[string]*gojq.Query
	limiter      *rate.Limiter
	queue        queue.Queue
	logger       *slog.Logger

	mu    sync.RWMutex
	index *trigger.Index
}

// NewHandler creates a webhook handler feeding the run queue.
func NewHandler(cfg Config, q queue.Queue, index *trigger.Index, logger *slog.Logger) (*Handler, error) {
	if cfg.BranchQuery == "" {
		cfg.BranchQuery = ".ref"
	}
	branchQuery, err := gojq.Parse(cfg.BranchQuery)
	if err != nil {
		return nil, fmt.Errorf("invalid branch query %q: %w", cfg.BranchQuery, err)
	}

	inputQueries := make(map[string]*gojq.Query, len(cfg.InputQueries))
	for name, expr := range cfg.InputQueries {
		q, err := gojq.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid input query %q for %s: %w", expr, name, err)
		}
		inputQueries[name] = q
	}

	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}

	return &Handler{
		secret:       cfg.Secret,
		branchQuery:  branchQuery,
		inputQueries: inputQueries,
		limiter:      rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		queue:        q,
		index:        index,
		logger:       log.WithComponent(logger, "webhook"),
	}, nil
}

// SetIndex swaps the trigger index after a rescan.
func (h *Handler) SetIndex(index *trigger.Index) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.index = index
}

// ServeHTTP handles one webhook delivery.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.secret == "" {
		http.Error(w, "webhook endpoint disabled", http.StatusNotFound)
		return
	}
	if !h.limiter.Allow() {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if err := h.verify(r, body); err != nil {
		h.logger.Warn("rejected delivery", log.Error(err))
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	eventType, err := parseEventType(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "payload must be JSON", http.StatusBadRequest)
		return
	}

	branch, err := h.extractBranch(payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	inputs := map[string]interface{}{
		"branch": branch,
		"event":  string(eventType),
	}
	for name, query := range h.inputQueries {
		if value, ok := runQuery(query, payload); ok {
			inputs[name] = value
		}
	}

	h.mu.RLock()
	index := h.index
	h.mu.RUnlock()

	matched := index.MatchBranch(eventType, branch)
	enqueued := make([]string, 0, len(matched))
	for _, entry := range matched {
		item := queue.NewItem(entry.Name, eventType, inputs, queue.PriorityEvent)
		if err := h.queue.Enqueue(r.Context(), item); err != nil {
			h.logger.Error("failed to enqueue run", "pipeline", entry.Name, log.Error(err))
			http.Error(w, "failed to enqueue run", http.StatusInternalServerError)
			return
		}
		enqueued = append(enqueued, entry.Name)
	}

	h.logger.Info("delivery accepted",
		"event", string(eventType), "branch", branch, "pipelines", len(enqueued))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"event":     string(eventType),
		"branch":    branch,
		"pipelines": enqueued,
	})
}

// verify checks the HMAC-SHA256 signature over the raw body.
func (h *Handler) verify(r *http.Request, body []byte) error {
	sig := r.Header.Get(HeaderSignature)
	if sig == "" {
		sig = r.Header.Get(HeaderSignatureHub)
	}
	if sig == "" {
		return fmt.Errorf("missing signature header")
	}
	sig = strings.TrimPrefix(sig, "sha256=")

	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

// parseEventType maps the event header to a trigger type.
func parseEventType(r *http.Request) (pipeline.TriggerType, error) {
	event := r.Header.Get(HeaderEvent)
	if event == "" {
		event = r.Header.Get(HeaderEventHub)
	}
	switch event {
	case "push":
		return pipeline.TriggerTypePush, nil
	case "pull_request":
		return pipeline.TriggerTypePullRequest, nil
	case "":
		return "", fmt.Errorf("missing event header")
	default:
		return "", fmt.Errorf("unsupported event type: %s", event)
	}
}

// extractBranch applies the branch query to the payload.
func (h *Handler) extractBranch(payload map[string]interface{}) (string, error) {
	value, ok := runQuery(h.branchQuery, payload)
	if !ok {
		return "", fmt.Errorf("branch query matched nothing")
	}
	branch, ok := value.(string)
	if !ok || branch == "" {
		return "", fmt.Errorf("branch query did not yield a string")
	}
	return strings.TrimPrefix(branch, "refs/heads/"), nil
}

// runQuery evaluates a jq query and returns its first non-null result.
func runQuery(query *gojq.Query, payload map[string]interface{}) (interface{}, bool) {
	iter := query.Run(payload)
	for {
		value, ok := iter.Next()
		if !ok {
			return nil, false
		}
		if _, isErr := value.(error); isErr {
			return nil, false
		}
		if value != nil {
			return value, true
		}
	}
}
