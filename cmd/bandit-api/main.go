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

// bandit-api is the inference service of the bandit experiment platform. It
// serves Thompson-sampling arm selections, ingests rewards, creates
// experiments, and answers stopping-rule queries. All experiment state lives
// in the State Store (Redis protocol) and the Postgres registry; the process
// itself is stateless and scales by replication.
//
// Configuration comes from the environment (REDIS_HOST, PG_CONNECTION_STRING,
// ...) with flags overriding. See internal/bandit/config.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"bandit/internal/bandit/api"
	"bandit/internal/bandit/config"
	"bandit/internal/bandit/posterior"
	"bandit/internal/bandit/registry"
	"bandit/internal/bandit/store"
)

func main() {
	cfg := config.FromEnv()

	httpAddr := flag.String("http_addr", ":8000", "HTTP listen address")
	redisAddr := flag.String("redis_addr", cfg.RedisAddr(), "State Store address (host:port)")
	redisDB := flag.Int("redis_db", cfg.RedisDB, "State Store logical database")
	pgDSN := flag.String("pg_dsn", cfg.PostgresDSN, "Registry Postgres connection string")
	threshold := flag.Float64("threshold", cfg.StoppingThreshold, "Default stopping threshold for /conclude")
	mHot := flag.Int("m_hot", cfg.MHot, "Monte Carlo rounds for p_best on /select")
	mStop := flag.Int("m_stop", cfg.MStop, "Monte Carlo rounds for the stopping rule")
	ensureSchema := flag.Bool("ensure_schema", false, "Create the registry schema on startup (development)")
	logLevel := flag.String("log_level", "info", "Log verbosity (debug|info|warn|error)")
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		logrus.Fatalf("invalid log level %q", *logLevel)
	}
	logrus.SetLevel(level)

	cfg.StoppingThreshold = *threshold
	cfg.MHot = *mHot
	cfg.MStop = *mStop
	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("invalid configuration: %v", err)
	}
	if *pgDSN == "" {
		logrus.Fatal("registry connection string required (PG_CONNECTION_STRING or -pg_dsn)")
	}

	reg, err := registry.Open(*pgDSN)
	if err != nil {
		logrus.Fatalf("connect registry: %v", err)
	}
	defer reg.Close()
	if *ensureSchema {
		if err := reg.EnsureSchema(context.Background()); err != nil {
			logrus.Fatalf("ensure schema: %v", err)
		}
	}

	stateStore := store.New(store.NewClient(*redisAddr, *redisDB))
	engine := posterior.NewEngine(uint64(time.Now().UnixNano()))

	srv := api.NewServer(stateStore, reg, engine, cfg.MHot, cfg.MStop, cfg.StoppingThreshold)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	httpServer := &http.Server{
		Addr:         *httpAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logrus.Infof("bandit inference service listening on %s", *httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("could not listen on %s: %v", *httpAddr, err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logrus.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logrus.Fatalf("server shutdown failed: %v", err)
	}
	logrus.Info("server stopped")
}
