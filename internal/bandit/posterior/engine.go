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

// Package posterior implements the Bayesian inference core of the bandit
// platform: Thompson sampling over per-arm Beta posteriors and Monte Carlo
// estimation of P(arm k is best). All operations are stateless and CPU-bound;
// the only process state is the PRNG.
package posterior

import (
	"math/rand/v2"
	"sync"

	"gonum.org/v1/gonum/stat/distuv"
)

// Engine draws from Beta posteriors. A single Engine is safe for concurrent
// use: each call derives a private PCG stream from the seeded parent source,
// so the hot path never samples under a lock.
type Engine struct {
	mu  sync.Mutex
	src *rand.PCG
}

// NewEngine returns an engine seeded with the given value. Tests inject a
// fixed seed for reproducibility; production callers pass anything (the
// process start time is typical) since cross-process determinism is not
// required.
func NewEngine(seed uint64) *Engine {
	return &Engine{src: rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)}
}

// localSource derives an independent PCG stream for one call. Only the two
// seed draws happen under the lock.
func (e *Engine) localSource() *rand.PCG {
	e.mu.Lock()
	s1, s2 := e.src.Uint64(), e.src.Uint64()
	e.mu.Unlock()
	return rand.NewPCG(s1, s2)
}

// betas builds the per-arm posterior distributions over the shared source.
// Counters below the Beta(1,1) prior floor are clamped rather than rejected:
// the State Store treats missing keys as 1, and the engine mirrors that.
func betas(alphas, betas []int64, src *rand.PCG) []distuv.Beta {
	dists := make([]distuv.Beta, len(alphas))
	for k := range alphas {
		a, b := float64(alphas[k]), float64(betas[k])
		if a < 1 {
			a = 1
		}
		if b < 1 {
			b = 1
		}
		dists[k] = distuv.Beta{Alpha: a, Beta: b, Src: src}
	}
	return dists
}

// drawArgmax samples each arm once and returns the index of the maximum.
// Ties break to the lowest index (strict > comparison).
func drawArgmax(dists []distuv.Beta) int {
	best, bestVal := 0, dists[0].Rand()
	for k := 1; k < len(dists); k++ {
		if v := dists[k].Rand(); v > bestVal {
			best, bestVal = k, v
		}
	}
	return best
}

// ThompsonSample selects an arm by drawing one sample from each arm's
// posterior and taking the argmax, then estimates P(selected arm is best)
// over mHot additional Monte Carlo rounds of the same joint draw.
//
// alphas and betas must have equal length >= 1. The call costs
// (1+mHot)*len(alphas) Beta draws; at mHot=1000 and <=16 arms it stays well
// under a millisecond, which keeps /select inside its latency budget.
func (e *Engine) ThompsonSample(alphas, betaCounts []int64, mHot int) (armID int, pBest float64) {
	src := e.localSource()
	dists := betas(alphas, betaCounts, src)

	armID = drawArgmax(dists)

	if mHot <= 0 {
		return armID, 0
	}
	wins := 0
	for i := 0; i < mHot; i++ {
		if drawArgmax(dists) == armID {
			wins++
		}
	}
	return armID, float64(wins) / float64(mHot)
}

// PBest estimates P(arm k is best) for every arm with m Monte Carlo rounds.
// The returned vector has one entry per arm and sums to 1 within Monte Carlo
// noise. This is the stopping-rule estimator; m=10_000 is the production
// setting.
func (e *Engine) PBest(alphas, betaCounts []int64, m int) []float64 {
	src := e.localSource()
	dists := betas(alphas, betaCounts, src)

	wins := make([]int, len(dists))
	for i := 0; i < m; i++ {
		wins[drawArgmax(dists)]++
	}
	probs := make([]float64, len(dists))
	for k, w := range wins {
		probs[k] = float64(w) / float64(m)
	}
	return probs
}

// Winner returns the arm with the highest P(best) and its probability.
// Ties break to the lowest index.
func Winner(probs []float64) (armID int, p float64) {
	for k, v := range probs {
		if v > p {
			armID, p = k, v
		}
	}
	return armID, p
}
