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

// Package config centralizes environment-driven configuration for the bandit
// service and the sweeper. Every knob has a sane default so both binaries run
// against a local Redis/Postgres with no environment at all; command-line
// flags on the binaries override the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the shared runtime configuration of the bandit platform.
type Config struct {
	// State Store (Redis-protocol KV, e.g. Dragonfly).
	RedisHost string
	RedisPort int
	RedisDB   int

	// Experiment registry (Postgres).
	PostgresDSN string

	// Annotation sink (Grafana-style annotations API).
	GrafanaURL      string
	GrafanaToken    string
	AnnotateTimeout time.Duration

	// Stopping rule.
	StoppingThreshold float64

	// Monte Carlo sample counts. MHot is spent per /select request; MStop per
	// stopping-rule evaluation.
	MHot  int
	MStop int

	// Sweep cadence for the conclusion engine.
	SweepInterval time.Duration
}

// FromEnv builds a Config from the environment, applying defaults for any
// unset variable. Malformed values fall back to the default rather than
// aborting; callers that need strict validation should call Validate.
func FromEnv() Config {
	return Config{
		RedisHost:         getenvStr("REDIS_HOST", "127.0.0.1"),
		RedisPort:         getenvInt("REDIS_PORT", 6379),
		RedisDB:           getenvInt("REDIS_DB", 2),
		PostgresDSN:       getenvStr("PG_CONNECTION_STRING", ""),
		GrafanaURL:        getenvStr("GRAFANA_URL", ""),
		GrafanaToken:      getenvStr("GRAFANA_TOKEN", ""),
		AnnotateTimeout:   getenvDuration("ANNOTATION_TIMEOUT", 10*time.Second),
		StoppingThreshold: getenvFloat("STOPPING_THRESHOLD", 0.95),
		MHot:              getenvInt("MC_SAMPLES_HOT", 1000),
		MStop:             getenvInt("MC_SAMPLES_STOP", 10_000),
		SweepInterval:     getenvDuration("SWEEP_INTERVAL", 30*time.Minute),
	}
}

// RedisAddr returns the host:port address for the State Store client.
func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// Validate reports the first configuration error, if any.
func (c Config) Validate() error {
	if c.StoppingThreshold <= 0 || c.StoppingThreshold > 1 {
		return fmt.Errorf("stopping threshold %v outside (0, 1]", c.StoppingThreshold)
	}
	if c.MHot <= 0 || c.MStop <= 0 {
		return fmt.Errorf("monte carlo sample counts must be positive (hot=%d stop=%d)", c.MHot, c.MStop)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %v", c.SweepInterval)
	}
	return nil
}

func getenvStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
