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

// Package conclude implements the conclusion engine: a recurring sweep over
// all running experiments that evaluates the posterior-probability stopping
// rule and promotes decisive experiments to concluded.
//
// Exactly-once conclusion rests on the registry's conditional UPDATE: a
// sweep only annotates when its own UPDATE reported a row change, and
// subsequent sweeps never see the experiment again because ListRunning
// excludes concluded rows.
package conclude

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"bandit/internal/bandit/posterior"
	"bandit/internal/bandit/tracker"
)

var (
	sweepsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bandit_sweeps_total",
		Help: "Conclusion sweeps executed",
	})
	concludedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bandit_experiments_concluded_total",
		Help: "Experiments promoted to concluded",
	})
	annotationFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bandit_annotation_failures_total",
		Help: "Conclusion annotations that could not be delivered",
	})
)

func init() {
	prometheus.MustRegister(sweepsTotal, concludedTotal, annotationFailuresTotal)
}

// ConclusionRegistry is the registry surface the sweep needs.
type ConclusionRegistry interface {
	ListRunning(ctx context.Context) ([]string, error)
	Conclude(ctx context.Context, experimentID string, winnerArm int, now time.Time) (bool, error)
}

// PosteriorSource is the State Store surface the sweep needs.
type PosteriorSource interface {
	NArms(ctx context.Context, experimentID string) (int, error)
	ReadPosteriors(ctx context.Context, experimentID string, nArms int) (alphas, betas []int64, err error)
}

// Annotator emits the one-per-conclusion external annotation.
type Annotator interface {
	Configured() bool
	ExperimentConcluded(ctx context.Context, experimentID string, winnerArm int, threshold float64) error
}

// Sweeper runs the conclusion sweep, either once (RunSweep) or on a ticker
// (Start/Stop).
type Sweeper struct {
	registry  ConclusionRegistry
	store     PosteriorSource
	engine    *posterior.Engine
	annotator Annotator
	tracker   tracker.ScalarLogger

	threshold       float64
	mStop           int
	interval        time.Duration
	annotateTimeout time.Duration

	step     atomic.Int64
	stopChan chan struct{}
	wg       sync.WaitGroup
	stopped  uint32
}

// NewSweeper configures a sweeper. annotator may be an unconfigured client;
// scalarLog may be nil (scalars are then discarded).
func NewSweeper(reg ConclusionRegistry, store PosteriorSource, engine *posterior.Engine,
	annotator Annotator, scalarLog tracker.ScalarLogger,
	threshold float64, mStop int, interval, annotateTimeout time.Duration) *Sweeper {
	if scalarLog == nil {
		scalarLog = tracker.Nop{}
	}
	if annotateTimeout <= 0 {
		annotateTimeout = 10 * time.Second
	}
	return &Sweeper{
		registry:        reg,
		store:           store,
		engine:          engine,
		annotator:       annotator,
		tracker:         scalarLog,
		threshold:       threshold,
		mStop:           mStop,
		interval:        interval,
		annotateTimeout: annotateTimeout,
		stopChan:        make(chan struct{}),
	}
}

// Start launches the background sweep loop.
func (s *Sweeper) Start() {
	logrus.Infof("starting conclusion sweeper (interval=%s threshold=%g)", s.interval, s.threshold)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	if !atomic.CompareAndSwapUint32(&s.stopped, 0, 1) {
		return
	}
	close(s.stopChan)
	s.wg.Wait()
	logrus.Info("conclusion sweeper stopped")
}

func (s *Sweeper) loop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.RunSweep(context.Background()); err != nil {
				logrus.Errorf("sweep aborted: %v", err)
			}
		case <-s.stopChan:
			return
		}
	}
}

// RunSweep executes one full pass and returns the ids concluded by this
// sweep. A registry listing failure aborts the sweep (no ground truth);
// every per-experiment failure is logged and isolated so the remaining
// experiments still proceed.
func (s *Sweeper) RunSweep(ctx context.Context) ([]string, error) {
	sweepsTotal.Inc()
	step := s.step.Add(1)

	ids, err := s.registry.ListRunning(ctx)
	if err != nil {
		return nil, err
	}
	logrus.Infof("sweep %d: %d running experiments", step, len(ids))

	var concluded []string
	for _, id := range ids {
		done, err := s.checkExperiment(ctx, id, step)
		if err != nil {
			logrus.Errorf("sweep: experiment %s: %v", id, err)
			continue
		}
		if done {
			concluded = append(concluded, id)
		}
	}
	return concluded, nil
}

// checkExperiment applies the stopping rule to one experiment. It reports
// whether this call concluded it.
func (s *Sweeper) checkExperiment(ctx context.Context, experimentID string, step int64) (bool, error) {
	nArms, err := s.store.NArms(ctx, experimentID)
	if err != nil {
		return false, err
	}
	alphas, betaCounts, err := s.store.ReadPosteriors(ctx, experimentID, nArms)
	if err != nil {
		return false, err
	}

	probs := s.engine.PBest(alphas, betaCounts, s.mStop)
	winner, p := posterior.Winner(probs)
	logrus.Debugf("sweep: %s p_best=%v winner=arm_%d p=%.4f", experimentID, probs, winner, p)

	for k, v := range probs {
		_ = s.tracker.LogScalar(ctx, experimentID, "p_best_arm_"+strconv.Itoa(k), step, v)
	}

	if p < s.threshold {
		return false, nil
	}

	updated, err := s.registry.Conclude(ctx, experimentID, winner, time.Now().UTC())
	if err != nil {
		return false, err
	}
	if !updated {
		// A concurrent sweep concluded it between ListRunning and here.
		// Skip the annotation silently; the other sweep owns it.
		logrus.Infof("sweep: %s already concluded, skipping", experimentID)
		return false, nil
	}

	concludedTotal.Inc()
	logrus.Infof("concluded experiment %s: winner arm_%d at p_best=%.4f", experimentID, winner, p)
	s.annotate(experimentID, winner)
	return true, nil
}

// annotate posts the conclusion annotation. Failures are warnings only: the
// registry already holds the conclusion and a missed annotation is
// tolerable.
func (s *Sweeper) annotate(experimentID string, winner int) {
	if s.annotator == nil || !s.annotator.Configured() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.annotateTimeout)
	defer cancel()
	if err := s.annotator.ExperimentConcluded(ctx, experimentID, winner, s.threshold); err != nil {
		annotationFailuresTotal.Inc()
		logrus.Warnf("annotation for %s failed: %v", experimentID, err)
	}
}
