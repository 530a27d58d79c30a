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

// bandit-sweeper hosts the periodic jobs of the bandit pipeline:
//
//	run       conclusion sweep on a ticker (default every 30 minutes)
//	once      a single conclusion sweep, then exit
//	snapshot  copy current posteriors into the posterior_snapshots table
//
// Configuration layers, lowest to highest precedence: built-in defaults,
// environment, optional YAML config file (--config), flags.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"bandit/internal/bandit/annotate"
	"bandit/internal/bandit/conclude"
	"bandit/internal/bandit/config"
	"bandit/internal/bandit/export"
	"bandit/internal/bandit/posterior"
	"bandit/internal/bandit/registry"
	"bandit/internal/bandit/store"
	"bandit/internal/bandit/tracker"
)

// fileConfig is the YAML config file shape. Durations are strings in Go
// duration syntax ("30m", "10s").
type fileConfig struct {
	Interval    string  `yaml:"interval"`
	Threshold   float64 `yaml:"threshold"`
	MCSamples   int     `yaml:"mc_samples"`
	RedisAddr   string  `yaml:"redis_addr"`
	RedisDB     *int    `yaml:"redis_db"`
	PostgresDSN string  `yaml:"postgres_dsn"`
	Annotation  struct {
		URL     string `yaml:"url"`
		Token   string `yaml:"token"`
		Timeout string `yaml:"timeout"`
	} `yaml:"annotation"`
}

var (
	cfg       config.Config
	cfgFile   string
	redisAddr string
	logLevel  string

	experimentsFlag string // snapshot: comma-separated ids, empty means all running
)

var rootCmd = &cobra.Command{
	Use:   "bandit-sweeper",
	Short: "Periodic jobs for the bandit experiment platform",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("invalid log level %q", logLevel)
		}
		logrus.SetLevel(level)
		if cfgFile != "" {
			if err := applyConfigFile(cmd, cfgFile); err != nil {
				return err
			}
		}
		return cfg.Validate()
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the conclusion sweep on a ticker until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		sweeper, cleanup, err := buildSweeper()
		if err != nil {
			return err
		}
		defer cleanup()

		sweeper.Start()
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop
		sweeper.Stop()
		return nil
	},
}

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Execute a single conclusion sweep and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		sweeper, cleanup, err := buildSweeper()
		if err != nil {
			return err
		}
		defer cleanup()

		concluded, err := sweeper.RunSweep(context.Background())
		if err != nil {
			return err
		}
		logrus.Infof("sweep concluded %d experiments: %v", len(concluded), concluded)
		return nil
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Write posterior snapshots to the analytic table",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := registry.Open(cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer reg.Close()

		ids := splitIDs(experimentsFlag)
		if len(ids) == 0 {
			ids, err = reg.ListRunning(context.Background())
			if err != nil {
				return err
			}
		}

		stateStore := store.New(store.NewClient(redisAddr, cfg.RedisDB))
		exporter := export.NewExporter(stateStore, reg.DB())
		if err := exporter.EnsureSchema(context.Background()); err != nil {
			return err
		}
		n, err := exporter.Snapshot(context.Background(), ids)
		if err != nil {
			return err
		}
		logrus.Infof("snapshot complete: %d rows", n)
		return nil
	},
}

func init() {
	cfg = config.FromEnv()
	redisAddr = cfg.RedisAddr()

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Optional YAML config file")
	pf.StringVar(&logLevel, "log_level", "info", "Log verbosity (debug|info|warn|error)")
	pf.StringVar(&redisAddr, "redis_addr", redisAddr, "State Store address (host:port)")
	pf.IntVar(&cfg.RedisDB, "redis_db", cfg.RedisDB, "State Store logical database")
	pf.StringVar(&cfg.PostgresDSN, "pg_dsn", cfg.PostgresDSN, "Registry Postgres connection string")
	pf.Float64Var(&cfg.StoppingThreshold, "threshold", cfg.StoppingThreshold, "Stopping threshold")
	pf.IntVar(&cfg.MStop, "m_stop", cfg.MStop, "Monte Carlo rounds for the stopping rule")
	pf.DurationVar(&cfg.SweepInterval, "interval", cfg.SweepInterval, "Sweep cadence for run mode")
	pf.StringVar(&cfg.GrafanaURL, "grafana_url", cfg.GrafanaURL, "Annotation sink base URL (empty disables annotations)")
	pf.StringVar(&cfg.GrafanaToken, "grafana_token", cfg.GrafanaToken, "Annotation sink bearer token")

	snapshotCmd.Flags().StringVar(&experimentsFlag, "experiments", "", "Comma-separated experiment ids (default: all running)")

	rootCmd.AddCommand(runCmd, onceCmd, snapshotCmd)
}

// applyConfigFile overlays the YAML file onto the current config. A field is
// skipped when the matching flag was passed explicitly, so flags keep the
// highest precedence even though cobra parses them before this runs.
func applyConfigFile(cmd *cobra.Command, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	changed := func(name string) bool {
		f := cmd.Flags().Lookup(name)
		return f != nil && f.Changed
	}

	if fc.Interval != "" && !changed("interval") {
		d, err := time.ParseDuration(fc.Interval)
		if err != nil {
			return fmt.Errorf("config interval: %w", err)
		}
		cfg.SweepInterval = d
	}
	if fc.Threshold != 0 && !changed("threshold") {
		cfg.StoppingThreshold = fc.Threshold
	}
	if fc.MCSamples != 0 && !changed("m_stop") {
		cfg.MStop = fc.MCSamples
	}
	if fc.RedisAddr != "" && !changed("redis_addr") {
		redisAddr = fc.RedisAddr
	}
	if fc.RedisDB != nil && !changed("redis_db") {
		cfg.RedisDB = *fc.RedisDB
	}
	if fc.PostgresDSN != "" && !changed("pg_dsn") {
		cfg.PostgresDSN = fc.PostgresDSN
	}
	if fc.Annotation.URL != "" && !changed("grafana_url") {
		cfg.GrafanaURL = fc.Annotation.URL
	}
	if fc.Annotation.Token != "" && !changed("grafana_token") {
		cfg.GrafanaToken = fc.Annotation.Token
	}
	if fc.Annotation.Timeout != "" {
		d, err := time.ParseDuration(fc.Annotation.Timeout)
		if err != nil {
			return fmt.Errorf("config annotation timeout: %w", err)
		}
		cfg.AnnotateTimeout = d
	}
	return nil
}

// buildSweeper wires the conclusion engine from the resolved config.
func buildSweeper() (*conclude.Sweeper, func(), error) {
	if cfg.PostgresDSN == "" {
		return nil, nil, fmt.Errorf("registry connection string required (PG_CONNECTION_STRING or --pg_dsn)")
	}
	reg, err := registry.Open(cfg.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	stateStore := store.New(store.NewClient(redisAddr, cfg.RedisDB))
	engine := posterior.NewEngine(uint64(time.Now().UnixNano()))
	annotator := annotate.NewClient(cfg.GrafanaURL, cfg.GrafanaToken, cfg.AnnotateTimeout)

	sweeper := conclude.NewSweeper(reg, stateStore, engine, annotator, tracker.LogTracker{},
		cfg.StoppingThreshold, cfg.MStop, cfg.SweepInterval, cfg.AnnotateTimeout)
	return sweeper, func() { reg.Close() }, nil
}

func splitIDs(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	ids := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			ids = append(ids, p)
		}
	}
	return ids
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logrus.Fatal(err)
	}
}
