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

package annotate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestExperimentConcludedPostsAnnotation(t *testing.T) {
	var (
		gotPath string
		gotAuth string
		gotBody Annotation
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "secret-token", time.Second)
	err := c.ExperimentConcluded(context.Background(), "exp-a", 1, 0.95)
	if err != nil {
		t.Fatal(err)
	}

	if gotPath != "/api/annotations" {
		t.Fatalf("posted to %q", gotPath)
	}
	if gotAuth != "Bearer secret-token" {
		t.Fatalf("auth header %q", gotAuth)
	}
	if gotBody.Time <= 0 {
		t.Fatalf("missing epoch millis: %d", gotBody.Time)
	}
	if len(gotBody.Tags) != 2 || gotBody.Tags[0] != "bandit" || gotBody.Tags[1] != "experiment-concluded" {
		t.Fatalf("tags %v", gotBody.Tags)
	}
	if !strings.Contains(gotBody.Text, "exp-a") || !strings.Contains(gotBody.Text, "arm 1") {
		t.Fatalf("text %q", gotBody.Text)
	}
}

func TestPostNon2xxIsError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "", time.Second)
	err := c.Post(context.Background(), Annotation{Time: 1, Text: "x"})
	if err == nil {
		t.Fatal("expected error on 403")
	}
	if !strings.Contains(err.Error(), "403") {
		t.Fatalf("error should carry the status code: %v", err)
	}
}

func TestPostWithoutTokenOmitsAuthHeader(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h := r.Header.Get("Authorization"); h != "" {
			t.Errorf("unexpected auth header %q", h)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "", time.Second)
	if err := c.Post(context.Background(), Annotation{Time: 1}); err != nil {
		t.Fatal(err)
	}
}

func TestConfigured(t *testing.T) {
	if NewClient("", "tok", 0).Configured() {
		t.Fatal("empty base URL should not be configured")
	}
	if !NewClient("http://grafana:3000", "", 0).Configured() {
		t.Fatal("client with base URL should be configured")
	}
	var nilClient *Client
	if nilClient.Configured() {
		t.Fatal("nil client should not be configured")
	}
}

func TestPostHonorsContextCancellation(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "", time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.Post(ctx, Annotation{Time: 1}); err == nil {
		t.Fatal("expected context deadline error")
	}
}
