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

// Package api implements the public-facing HTTP server of the bandit
// inference service: experiment creation, Thompson-sampling arm selection,
// reward ingestion, and stopping-rule queries. The service is stateless
// across requests; all experiment state lives in the State Store and the
// registry, so replicas scale horizontally behind a plain load balancer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"bandit/internal/bandit/posterior"
	"bandit/internal/bandit/registry"
	"bandit/internal/bandit/store"
)

// StateStore is the posterior-state surface the handlers need. The concrete
// implementation is store.Store; tests substitute an in-memory fake.
type StateStore interface {
	Seed(ctx context.Context, experimentID string, nArms int) error
	NArms(ctx context.Context, experimentID string) (int, error)
	ReadPosteriors(ctx context.Context, experimentID string, nArms int) (alphas, betas []int64, err error)
	ApplyReward(ctx context.Context, experimentID string, armID int, success bool) error
}

// ExperimentRegistry is the metadata surface the handlers need.
type ExperimentRegistry interface {
	Create(ctx context.Context, experimentID string, nArms int) error
}

// Server handles the HTTP requests of the bandit inference service.
type Server struct {
	store     StateStore
	registry  ExperimentRegistry
	engine    *posterior.Engine
	mHot      int
	mStop     int
	threshold float64
}

// NewServer wires the service with its collaborators and Monte Carlo
// budgets. threshold is the default stopping threshold for /conclude when
// the query parameter is absent.
func NewServer(st StateStore, reg ExperimentRegistry, engine *posterior.Engine, mHot, mStop int, threshold float64) *Server {
	return &Server{
		store:     st,
		registry:  reg,
		engine:    engine,
		mHot:      mHot,
		mStop:     mStop,
		threshold: threshold,
	}
}

// RegisterRoutes installs all endpoints on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /experiments", instrument("/experiments", s.handleCreate))
	mux.HandleFunc("POST /select", instrument("/select", s.handleSelect))
	mux.HandleFunc("POST /reward", instrument("/reward", s.handleReward))
	mux.HandleFunc("GET /experiments/{id}/conclude", instrument("/experiments/{id}/conclude", s.handleConclude))
	mux.HandleFunc("GET /experiments/{id}/p_best", instrument("/experiments/{id}/p_best", s.handlePBest))
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
}

type createRequest struct {
	ExperimentID string `json:"experiment_id"`
	NArms        int    `json:"n_arms"`
}

type createResponse struct {
	ExperimentID string `json:"experiment_id"`
	NArms        int    `json:"n_arms"`
	Status       string `json:"status"`
}

type selectRequest struct {
	ExperimentID string         `json:"experiment_id"`
	UserID       string         `json:"user_id,omitempty"`
	Context      map[string]any `json:"context,omitempty"` // reserved for contextual bandits
}

type selectResponse struct {
	ArmID   int     `json:"arm_id"`
	ArmName string  `json:"arm_name"`
	PBest   float64 `json:"p_best"`
}

type rewardRequest struct {
	ExperimentID string  `json:"experiment_id"`
	ArmID        int     `json:"arm_id"`
	Reward       float64 `json:"reward"`
}

type concludeResponse struct {
	ShouldConclude bool   `json:"should_conclude"`
	WinnerArmID    *int   `json:"winner_arm_id"`
	CheckedAt      string `json:"checked_at"`
}

type pBestResponse struct {
	ExperimentID string    `json:"experiment_id"`
	PBest        []float64 `json:"p_best"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleCreate registers a new experiment: registry row first (the conflict
// gate), then the State Store seed. A duplicate id returns 409 and never
// touches the posteriors.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if req.ExperimentID == "" {
		writeError(w, http.StatusUnprocessableEntity, "experiment_id must be non-empty")
		return
	}
	if req.NArms < 2 {
		writeError(w, http.StatusUnprocessableEntity, "n_arms must be >= 2")
		return
	}

	if err := s.registry.Create(r.Context(), req.ExperimentID, req.NArms); err != nil {
		if errors.Is(err, registry.ErrAlreadyExists) {
			writeError(w, http.StatusConflict, "experiment already exists")
			return
		}
		logrus.Errorf("registry create %s: %v", req.ExperimentID, err)
		writeError(w, http.StatusServiceUnavailable, "registry unavailable")
		return
	}
	if err := s.store.Seed(r.Context(), req.ExperimentID, req.NArms); err != nil {
		// The registry row exists but the seed failed. Reads fall back to
		// prior counters once the n_arms key lands, so a retry of the seed
		// alone would recover; surface the failure to the client.
		logrus.Errorf("state store seed %s: %v", req.ExperimentID, err)
		writeError(w, http.StatusServiceUnavailable, "state store unavailable")
		return
	}

	experimentsCreatedTotal.Inc()
	writeJSON(w, http.StatusCreated, createResponse{
		ExperimentID: req.ExperimentID,
		NArms:        req.NArms,
		Status:       "initialised",
	})
}

// handleSelect is the latency-critical path: one MGET round trip, then
// CPU-bound sampling. Target p99 < 2ms end to end.
func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	nArms, ok := s.lookupNArms(w, req.ExperimentID, r)
	if !ok {
		return
	}
	alphas, betaCounts, err := s.store.ReadPosteriors(r.Context(), req.ExperimentID, nArms)
	if err != nil {
		logrus.Errorf("read posteriors %s: %v", req.ExperimentID, err)
		writeError(w, http.StatusServiceUnavailable, "state store unavailable")
		return
	}

	armID, pBest := s.engine.ThompsonSample(alphas, betaCounts, s.mHot)
	selectsTotal.Inc()
	writeJSON(w, http.StatusOK, selectResponse{
		ArmID:   armID,
		ArmName: "arm_" + strconv.Itoa(armID),
		PBest:   pBest,
	})
}

// handleReward records one observed reward. The canonical reward is binary;
// continuous values in [0,1] are accepted and bucketed: reward > 0 counts as
// a success (alpha), reward <= 0 as a failure (beta).
func (s *Server) handleReward(w http.ResponseWriter, r *http.Request) {
	var req rewardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	nArms, ok := s.lookupNArms(w, req.ExperimentID, r)
	if !ok {
		return
	}
	if req.Reward < 0 || req.Reward > 1 {
		writeError(w, http.StatusUnprocessableEntity, "reward must be in [0, 1]")
		return
	}
	if req.ArmID < 0 || req.ArmID >= nArms {
		writeError(w, http.StatusUnprocessableEntity, "arm_id out of range")
		return
	}

	if err := s.store.ApplyReward(r.Context(), req.ExperimentID, req.ArmID, req.Reward > 0); err != nil {
		logrus.Errorf("apply reward %s arm %d: %v", req.ExperimentID, req.ArmID, err)
		writeError(w, http.StatusServiceUnavailable, "state store unavailable")
		return
	}

	rewardsTotal.Inc()
	w.WriteHeader(http.StatusNoContent)
}

// handleConclude evaluates the stopping rule on demand without mutating
// anything; the sweeper owns the actual state transition.
func (s *Server) handleConclude(w http.ResponseWriter, r *http.Request) {
	experimentID := r.PathValue("id")
	threshold := s.threshold
	if raw := r.URL.Query().Get("threshold"); raw != "" {
		t, err := strconv.ParseFloat(raw, 64)
		if err != nil || t <= 0 || t > 1 {
			writeError(w, http.StatusUnprocessableEntity, "threshold must be in (0, 1]")
			return
		}
		threshold = t
	}

	probs, ok := s.computePBest(w, r, experimentID)
	if !ok {
		return
	}
	winner, p := posterior.Winner(probs)

	resp := concludeResponse{
		ShouldConclude: p >= threshold,
		CheckedAt:      time.Now().UTC().Format(time.RFC3339),
	}
	if resp.ShouldConclude {
		resp.WinnerArmID = &winner
	}
	writeJSON(w, http.StatusOK, resp)
}

// handlePBest returns P(arm k is best) for every arm.
func (s *Server) handlePBest(w http.ResponseWriter, r *http.Request) {
	experimentID := r.PathValue("id")
	probs, ok := s.computePBest(w, r, experimentID)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, pBestResponse{ExperimentID: experimentID, PBest: probs})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// lookupNArms resolves the arm count for an experiment and writes the 404 or
// 503 itself when it cannot. The second return value reports success.
func (s *Server) lookupNArms(w http.ResponseWriter, experimentID string, r *http.Request) (int, bool) {
	nArms, err := s.store.NArms(r.Context(), experimentID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "experiment "+experimentID+" not found")
		return 0, false
	}
	if err != nil {
		logrus.Errorf("get n_arms %s: %v", experimentID, err)
		writeError(w, http.StatusServiceUnavailable, "state store unavailable")
		return 0, false
	}
	return nArms, true
}

// computePBest reads posteriors and runs the stopping-rule Monte Carlo.
func (s *Server) computePBest(w http.ResponseWriter, r *http.Request, experimentID string) ([]float64, bool) {
	nArms, ok := s.lookupNArms(w, experimentID, r)
	if !ok {
		return nil, false
	}
	alphas, betaCounts, err := s.store.ReadPosteriors(r.Context(), experimentID, nArms)
	if err != nil {
		logrus.Errorf("read posteriors %s: %v", experimentID, err)
		writeError(w, http.StatusServiceUnavailable, "state store unavailable")
		return nil, false
	}
	return s.engine.PBest(alphas, betaCounts, s.mStop), true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

// ListenAndServe starts the HTTP server on the given address with the
// service's timeouts. Callers that need graceful shutdown build the
// http.Server themselves and reuse RegisterRoutes.
func (s *Server) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	logrus.Infof("bandit inference service listening on %s", addr)
	return httpServer.ListenAndServe()
}
