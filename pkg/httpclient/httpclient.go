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

// Package httpclient builds the outbound HTTP clients forge uses to talk to
// package indexes and daemons: TLS 1.2+, connection pooling, User-Agent
// injection, and optional retry with exponential backoff.
//
//	cfg := httpclient.DefaultConfig()
//	cfg.UserAgent = "forge-publish/1.0"
//	client, err := httpclient.New(cfg)
package httpclient

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Config configures an outbound HTTP client.
type Config struct {
	// Timeout is the total request timeout, retries included
	Timeout time.Duration

	// RetryAttempts is the number of retries after the initial try
	// (0 = no retries)
	RetryAttempts int

	// RetryBackoff is the delay before the first retry
	RetryBackoff time.Duration

	// MaxBackoff caps the exponential backoff delay
	MaxBackoff time.Duration

	// UserAgent is sent on every request
	UserAgent string
}

// DefaultConfig returns the standard client configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryBackoff:  100 * time.Millisecond,
		MaxBackoff:    30 * time.Second,
		UserAgent:     "forge/1.0",
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be > 0, got %v", c.Timeout)
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("retry_attempts must be >= 0, got %d", c.RetryAttempts)
	}
	if c.RetryAttempts > 0 {
		if c.RetryBackoff <= 0 {
			return fmt.Errorf("retry_backoff must be > 0 when retries are enabled")
		}
		if c.MaxBackoff < c.RetryBackoff {
			return fmt.Errorf("max_backoff (%v) must be >= retry_backoff (%v)", c.MaxBackoff, c.RetryBackoff)
		}
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user_agent is required")
	}
	return nil
}

// New creates a client from the configuration. Retries only apply to
// idempotent methods; callers that POST set RetryAttempts to 0 or handle
// duplicates themselves.
func New(cfg Config) (*http.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	base := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	var transport http.RoundTripper = &headerTransport{
		base:      base,
		userAgent: cfg.UserAgent,
	}
	if cfg.RetryAttempts > 0 {
		transport = &retryTransport{
			base:        transport,
			maxAttempts: cfg.RetryAttempts + 1,
			baseBackoff: cfg.RetryBackoff,
			maxBackoff:  cfg.MaxBackoff,
		}
	}

	return &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
	}, nil
}

// headerTransport sets the User-Agent when the caller has not.
type headerTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.userAgent)
	}
	return t.base.RoundTrip(req)
}
