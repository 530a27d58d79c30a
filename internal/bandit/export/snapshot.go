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

// Package export copies posterior state into the posterior_snapshots
// analytic table that drives the posterior-distribution dashboard. The
// exporter is a collaborator port: it only reads through the State Store
// adapter and never mutates experiment state.
package export

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"bandit/internal/bandit/store"
)

// PosteriorReader is the read-only State Store surface the exporter needs.
type PosteriorReader interface {
	NArms(ctx context.Context, experimentID string) (int, error)
	ReadPosteriors(ctx context.Context, experimentID string, nArms int) (alphas, betas []int64, err error)
}

// Exporter writes one snapshot row per (experiment, arm) into Postgres.
type Exporter struct {
	store PosteriorReader
	db    *sql.DB
}

// NewExporter wires the exporter with its sources. The db handle is shared
// with the registry pool.
func NewExporter(reader PosteriorReader, db *sql.DB) *Exporter {
	return &Exporter{store: reader, db: db}
}

const snapshotSchemaSQL = `
CREATE TABLE IF NOT EXISTS posterior_snapshots (
    snapshot_at    TIMESTAMPTZ NOT NULL,
    experiment_id  TEXT NOT NULL,
    arm_id         INTEGER NOT NULL,
    alpha          INTEGER NOT NULL,
    beta           INTEGER NOT NULL,
    primary_prob   FLOAT,
    PRIMARY KEY (snapshot_at, experiment_id, arm_id)
)`

// EnsureSchema creates the snapshot table if missing.
func (e *Exporter) EnsureSchema(ctx context.Context) error {
	if _, err := e.db.ExecContext(ctx, snapshotSchemaSQL); err != nil {
		return fmt.Errorf("ensure snapshot schema: %w", err)
	}
	return nil
}

// Snapshot reads posteriors for every listed experiment and inserts one row
// per arm, all stamped with the same snapshot_at. Rows land in a single
// transaction with ON CONFLICT DO NOTHING so a retried export is a no-op.
// Experiments missing from the State Store are logged and skipped. Returns
// the number of rows attempted.
func (e *Exporter) Snapshot(ctx context.Context, experimentIDs []string) (int, error) {
	now := time.Now().UTC()

	type row struct {
		experimentID string
		armID        int
		alpha, beta  int64
	}
	var rows []row
	for _, id := range experimentIDs {
		nArms, err := e.store.NArms(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			logrus.Warnf("snapshot: experiment %s not found in state store, skipping", id)
			continue
		}
		if err != nil {
			return 0, err
		}
		alphas, betas, err := e.store.ReadPosteriors(ctx, id, nArms)
		if err != nil {
			return 0, err
		}
		for k := 0; k < nArms; k++ {
			rows = append(rows, row{experimentID: id, armID: k, alpha: alphas[k], beta: betas[k]})
		}
	}
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, r := range rows {
		primaryProb := float64(r.alpha) / float64(r.alpha+r.beta)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO posterior_snapshots
			     (snapshot_at, experiment_id, arm_id, alpha, beta, primary_prob)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT DO NOTHING`,
			now, r.experimentID, r.armID, r.alpha, r.beta, primaryProb); err != nil {
			return 0, fmt.Errorf("insert snapshot row (%s, arm %d): %w", r.experimentID, r.armID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit snapshot tx: %w", err)
	}

	logrus.Infof("snapshot: wrote %d rows across %d experiments at %s",
		len(rows), len(experimentIDs), now.Format(time.RFC3339))
	return len(rows), nil
}
