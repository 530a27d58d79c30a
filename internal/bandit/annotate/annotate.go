// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

// Package annotate posts conclusion annotations to a Grafana-compatible
// annotations API. Failures here are advisory: the registry holds ground
// truth for conclusions, so callers log annotation errors as warnings and
// move on.
package annotate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Annotation is the sink's wire format. Time is milliseconds since epoch.
type Annotation struct {
	Time int64    `json:"time"`
	Tags []string `json:"tags"`
	Text string   `json:"text"`
}

// Client posts annotations with bearer-token auth and a bounded per-call
// timeout.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
}

// NewClient builds a client for the annotations API rooted at baseURL
// (e.g. "http://grafana:3000"). A zero timeout defaults to 10 seconds.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpc:   &http.Client{Timeout: timeout},
	}
}

// Configured reports whether the client has a destination to post to.
func (c *Client) Configured() bool {
	return c != nil && c.baseURL != ""
}

// Post sends one annotation. Any non-2xx response is an error; callers
// decide whether that is fatal (it never is for conclusions).
func (c *Client) Post(ctx context.Context, a Annotation) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal annotation: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/annotations", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build annotation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("post annotation: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("annotation sink returned %d: %s", resp.StatusCode, msg)
	}
	return nil
}

// ExperimentConcluded posts the canonical conclusion annotation for an
// experiment, tagged for the bandit dashboard.
func (c *Client) ExperimentConcluded(ctx context.Context, experimentID string, winnerArm int, threshold float64) error {
	return c.Post(ctx, Annotation{
		Time: time.Now().UTC().UnixMilli(),
		Tags: []string{"bandit", "experiment-concluded"},
		Text: fmt.Sprintf("Experiment %s concluded — winner arm %d declared at P(best) > %g",
			experimentID, winnerArm, threshold),
	})
}
