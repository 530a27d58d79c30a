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

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Request-level metrics. Labels are bounded: path is one of the registered
// routes, never raw URL input.
var (
	httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bandit_http_requests_total",
		Help: "HTTP requests served, by route and status code",
	}, []string{"path", "code"})
	httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bandit_http_request_duration_seconds",
		Help:    "HTTP request latency by route",
		Buckets: []float64{.0005, .001, .002, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"path"})
	selectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bandit_selects_total",
		Help: "Thompson sampling selections served",
	})
	rewardsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bandit_rewards_total",
		Help: "Reward observations recorded",
	})
	experimentsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bandit_experiments_created_total",
		Help: "Experiments created and seeded",
	})
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration,
		selectsTotal, rewardsTotal, experimentsCreatedTotal)
}

// statusRecorder captures the status code written by a handler so the
// instrumentation can label the request counter.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument wraps a handler with the request counter and latency histogram
// for a fixed route label.
func instrument(path string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		start := time.Now()
		h(rec, r)
		httpRequestDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(path, strconv.Itoa(rec.code)).Inc()
	}
}
