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

// Package store is the State Store adapter: a typed, key-namespaced view over
// a shared Redis-protocol KV store holding the mutable posterior state of
// every experiment.
//
// Key layout (colon-delimited, one logical record per experiment):
//
//	experiment:<id>:n_arms          integer
//	experiment:<id>:total_draws     integer
//	experiment:<id>:arm:<k>:alpha   integer >= 1 (default 1 if absent)
//	experiment:<id>:arm:<k>:beta    integer >= 1 (default 1 if absent)
//
// Missing counter keys read as the Beta(1,1) prior value 1, never as an
// error. That keeps reads robust to partially visible seeds and lets the
// reward path INCR lazily.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	redis "github.com/redis/go-redis/v9"
)

// ErrNotFound reports that an experiment has no State Store record.
var ErrNotFound = errors.New("experiment not found in state store")

// Store wraps a pooled Redis client with the bandit key schema. The zero
// value is not usable; construct with New.
type Store struct {
	client redis.Cmdable
}

// New returns a Store over the given client. Accepting the Cmdable interface
// lets callers supply a single client, a cluster client, or a test double.
func New(client redis.Cmdable) *Store {
	return &Store{client: client}
}

// NewClient builds a production go-redis client for the given address and
// logical database. The client maintains its own connection pool and is safe
// for concurrent use.
func NewClient(addr string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr, DB: db})
}

func expKey(experimentID string) string {
	return "experiment:" + experimentID
}

func nArmsKey(experimentID string) string {
	return expKey(experimentID) + ":n_arms"
}

func totalDrawsKey(experimentID string) string {
	return expKey(experimentID) + ":total_draws"
}

func armKey(experimentID string, arm int, counter string) string {
	return fmt.Sprintf("%s:arm:%d:%s", expKey(experimentID), arm, counter)
}

// Seed writes the full prior state for a new experiment: n_arms,
// total_draws=0, and Beta(1,1) counters for every arm. The writes go out as
// one non-transactional pipeline; partial visibility is acceptable because
// readers default missing counters to 1.
func (s *Store) Seed(ctx context.Context, experimentID string, nArms int) error {
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, nArmsKey(experimentID), nArms, 0)
		pipe.Set(ctx, totalDrawsKey(experimentID), 0, 0)
		for k := 0; k < nArms; k++ {
			pipe.Set(ctx, armKey(experimentID, k, "alpha"), 1, 0)
			pipe.Set(ctx, armKey(experimentID, k, "beta"), 1, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("seed experiment %s: %w", experimentID, err)
	}
	return nil
}

// NArms returns the arm count for an experiment, or ErrNotFound if the
// experiment was never seeded. This single GET is the existence check on
// every request path.
func (s *Store) NArms(ctx context.Context, experimentID string) (int, error) {
	v, err := s.client.Get(ctx, nArmsKey(experimentID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get n_arms for %s: %w", experimentID, err)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("malformed n_arms for %s: %w", experimentID, err)
	}
	return n, nil
}

// ReadPosteriors fetches all 2*nArms counters in a single MGET, interleaved
// as alpha_0, beta_0, alpha_1, beta_1, ... Missing or malformed values read
// as the prior value 1 (invariant I1/I5), so each arm pair is a consistent
// snapshot even mid-seed.
func (s *Store) ReadPosteriors(ctx context.Context, experimentID string, nArms int) (alphas, betas []int64, err error) {
	keys := make([]string, 0, 2*nArms)
	for k := 0; k < nArms; k++ {
		keys = append(keys, armKey(experimentID, k, "alpha"), armKey(experimentID, k, "beta"))
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("mget posteriors for %s: %w", experimentID, err)
	}
	alphas = make([]int64, nArms)
	betas = make([]int64, nArms)
	for k := 0; k < nArms; k++ {
		alphas[k] = counterOr1(values[2*k])
		betas[k] = counterOr1(values[2*k+1])
	}
	return alphas, betas, nil
}

// ApplyReward increments the selected arm's alpha (success) or beta
// (failure) counter plus the advisory total_draws counter in one pipeline.
// Each INCR is individually atomic; the pair need not be atomic together
// because only total_draws observes both and it is advisory.
func (s *Store) ApplyReward(ctx context.Context, experimentID string, armID int, success bool) error {
	counter := "beta"
	if success {
		counter = "alpha"
	}
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, armKey(experimentID, armID, counter))
		pipe.Incr(ctx, totalDrawsKey(experimentID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("apply reward for %s arm %d: %w", experimentID, armID, err)
	}
	return nil
}

// TotalDraws returns the advisory count of recorded rewards. A missing key
// reads as zero.
func (s *Store) TotalDraws(ctx context.Context, experimentID string) (int64, error) {
	v, err := s.client.Get(ctx, totalDrawsKey(experimentID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get total_draws for %s: %w", experimentID, err)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed total_draws for %s: %w", experimentID, err)
	}
	return n, nil
}

// counterOr1 applies the prior floor to a raw MGET value. go-redis returns
// nil for missing keys and string for present ones.
func counterOr1(v interface{}) int64 {
	s, ok := v.(string)
	if !ok {
		return 1
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 1 {
		return 1
	}
	return n
}
