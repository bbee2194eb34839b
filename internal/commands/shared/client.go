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

// Package shared holds helpers used by multiple forge commands.
package shared

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/tombee/forge/internal/engine"
	"github.com/tombee/forge/internal/tracing"
)

// DefaultAddr is the daemon address used when neither the flag nor
// FORGE_ADDR is set.
const DefaultAddr = "127.0.0.1:7600"

// Client talks to the forged HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the given daemon address. Empty falls back
// to FORGE_ADDR, then DefaultAddr.
func NewClient(addr string) *Client {
	if addr == "" {
		addr = os.Getenv("FORGE_ADDR")
	}
	if addr == "" {
		addr = DefaultAddr
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		baseURL: strings.TrimRight(addr, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Dispatch queues a run for the named pipeline.
func (c *Client) Dispatch(ctx context.Context, pipeline string, inputs map[string]interface{}) (*DispatchResult, error) {
	body, err := json.Marshal(map[string]interface{}{"inputs": inputs})
	if err != nil {
		return nil, err
	}

	var result DispatchResult
	path := fmt.Sprintf("/api/pipelines/%s/dispatch", url.PathEscape(pipeline))
	if err := c.do(ctx, http.MethodPost, path, body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// DispatchResult is the daemon's acknowledgement of a queued dispatch.
type DispatchResult struct {
	ID       string                 `json:"id"`
	Pipeline string                 `json:"pipeline"`
	Inputs   map[string]interface{} `json:"inputs,omitempty"`
}

// ListRuns fetches runs, optionally filtered by pipeline and status.
func (c *Client) ListRuns(ctx context.Context, pipeline, status string, limit int) ([]*engine.Run, error) {
	query := url.Values{}
	if pipeline != "" {
		query.Set("pipeline", pipeline)
	}
	if status != "" {
		query.Set("status", status)
	}
	if limit > 0 {
		query.Set("limit", fmt.Sprintf("%d", limit))
	}
	path := "/api/runs"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	var runs []*engine.Run
	if err := c.do(ctx, http.MethodGet, path, nil, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// GetRun fetches one run by ID.
func (c *Client) GetRun(ctx context.Context, id string) (*engine.Run, error) {
	var run engine.Run
	if err := c.do(ctx, http.MethodGet, "/api/runs/"+url.PathEscape(id), nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	tracing.InjectIntoRequest(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach daemon at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ParseInputs converts repeated key=value flags into an input map.
func ParseInputs(pairs []string) (map[string]interface{}, error) {
	inputs := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid input %q (use key=value)", pair)
		}
		inputs[key] = value
	}
	return inputs, nil
}
