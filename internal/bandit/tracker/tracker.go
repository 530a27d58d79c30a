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

// Package tracker defines the port to an external experiment tracker that
// consumes scalar metrics keyed by step (regret curves, OPE estimates,
// per-sweep p_best). The tracker's internals live outside the core; the
// core's only contract is that posteriors and p_best are readable at any
// time, so this package stays a thin interface plus a log-backed default.
package tracker

import (
	"context"

	"github.com/sirupsen/logrus"
)

// ScalarLogger records one scalar metric for an experiment at a step.
type ScalarLogger interface {
	LogScalar(ctx context.Context, experimentID, key string, step int64, value float64) error
}

// LogTracker writes scalars to the process log. It is the default
// implementation when no external tracker is wired.
type LogTracker struct{}

func (LogTracker) LogScalar(_ context.Context, experimentID, key string, step int64, value float64) error {
	logrus.WithFields(logrus.Fields{
		"experiment": experimentID,
		"key":        key,
		"step":       step,
		"value":      value,
	}).Debug("tracker scalar")
	return nil
}

// Nop discards every scalar.
type Nop struct{}

func (Nop) LogScalar(context.Context, string, string, int64, float64) error { return nil }
