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

// Package registry persists experiment metadata in Postgres. It is the
// system of record for experiment lifecycle: a row is inserted as `running`
// on create and flipped to `concluded` exactly once by the conclusion
// engine's conditional UPDATE.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Experiment lifecycle states.
const (
	StatusRunning   = "running"
	StatusConcluded = "concluded"
)

var (
	// ErrNotFound reports that no row exists for the experiment id.
	ErrNotFound = errors.New("experiment not found in registry")
	// ErrAlreadyExists reports a duplicate create. Duplicate creates must
	// never silently reseed posteriors, so callers surface this as a
	// conflict instead of retrying.
	ErrAlreadyExists = errors.New("experiment already exists")
)

// Experiment is one registry row.
type Experiment struct {
	ID          string
	NArms       int
	Status      string
	WinnerArm   *int
	CreatedAt   time.Time
	ConcludedAt *time.Time
}

// Registry provides typed operations over the experiments table.
type Registry struct {
	db *sql.DB
}

// Open connects to Postgres with the given DSN and verifies connectivity.
func Open(dsn string) (*Registry, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping registry: %w", err)
	}
	return &Registry{db: db}, nil
}

// NewWithDB wraps an existing database handle. Used by tests and by callers
// that manage the pool themselves.
func NewWithDB(db *sql.DB) *Registry {
	return &Registry{db: db}
}

// Close releases the underlying connection pool.
func (r *Registry) Close() error {
	return r.db.Close()
}

// DB exposes the underlying handle so collaborators (snapshot exporter) can
// share the pool.
func (r *Registry) DB() *sql.DB {
	return r.db
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS experiments (
    experiment_id TEXT PRIMARY KEY,
    n_arms        INTEGER NOT NULL CHECK (n_arms >= 2),
    status        TEXT NOT NULL DEFAULT 'running',
    winner_arm    INTEGER,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    concluded_at  TIMESTAMPTZ
)`

// EnsureSchema creates the experiments table if it does not exist.
func (r *Registry) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure registry schema: %w", err)
	}
	return nil
}

// Create inserts a new running experiment. A duplicate id returns
// ErrAlreadyExists; the insert is ON CONFLICT DO NOTHING so a lost race
// between two creates is indistinguishable from a plain duplicate.
func (r *Registry) Create(ctx context.Context, experimentID string, nArms int) error {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO experiments (experiment_id, n_arms, status, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (experiment_id) DO NOTHING`,
		experimentID, nArms, StatusRunning, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("create experiment %s: %w", experimentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("create experiment %s: %w", experimentID, err)
	}
	if n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

// Get returns one experiment row.
func (r *Registry) Get(ctx context.Context, experimentID string) (Experiment, error) {
	var (
		exp         Experiment
		winner      sql.NullInt64
		concludedAt sql.NullTime
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT experiment_id, n_arms, status, winner_arm, created_at, concluded_at
		   FROM experiments WHERE experiment_id = $1`,
		experimentID).Scan(&exp.ID, &exp.NArms, &exp.Status, &winner, &exp.CreatedAt, &concludedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Experiment{}, ErrNotFound
	}
	if err != nil {
		return Experiment{}, fmt.Errorf("get experiment %s: %w", experimentID, err)
	}
	if winner.Valid {
		w := int(winner.Int64)
		exp.WinnerArm = &w
	}
	if concludedAt.Valid {
		t := concludedAt.Time
		exp.ConcludedAt = &t
	}
	return exp, nil
}

// ListRunning returns the ids of all experiments still in flight. This is
// the sweep's ground truth: concluded experiments never reappear here.
func (r *Registry) ListRunning(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT experiment_id FROM experiments WHERE status = $1 ORDER BY created_at`,
		StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("list running experiments: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan experiment id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list running experiments: %w", err)
	}
	return ids, nil
}

// Conclude flips an experiment to concluded and records the winner, but only
// if it is still running. It reports whether a row was updated; false means
// another sweep got there first (or the id is unknown). The conditional
// UPDATE is atomic in Postgres, which makes this the idempotency anchor for
// the whole conclusion path: two concurrent sweeps cannot both observe true.
func (r *Registry) Conclude(ctx context.Context, experimentID string, winnerArm int, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE experiments
		    SET status = $1, winner_arm = $2, concluded_at = $3
		  WHERE experiment_id = $4 AND status = $5`,
		StatusConcluded, winnerArm, now.UTC(), experimentID, StatusRunning)
	if err != nil {
		return false, fmt.Errorf("conclude experiment %s: %w", experimentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("conclude experiment %s: %w", experimentID, err)
	}
	return n == 1, nil
}
