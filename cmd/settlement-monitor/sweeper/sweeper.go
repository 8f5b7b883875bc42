// Copyright 2025 UMH Systems GmbH
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

// Package sweeper periodically advances the clock of every task whose deadline has passed.
package sweeper

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/united-manufacturing-hub/settlement-monitor/cmd/settlement-monitor/helper"
	"github.com/united-manufacturing-hub/settlement-monitor/internal"
	"github.com/united-manufacturing-hub/settlement-monitor/pkg/monitoring"
)

var (
	sweepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlementmonitor_sweeps_total",
			Help: "Deadline sweeps, by result",
		},
		[]string{"result"},
	)
	overdueTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "settlementmonitor_tasks_marked_overdue_total",
			Help: "Tasks the sweeper moved to overdue",
		},
	)
)

type Clock interface {
	DueTasks(ctx context.Context, now time.Time, limit int) ([]int64, error)
	AdvanceTaskClock(ctx context.Context, taskID int64, now time.Time) (monitoring.Outcome, error)
}

type Config struct {
	Interval    time.Duration
	Parallelism int
	// BatchSize bounds the tasks handled per sweep.
	BatchSize int
	Retry     internal.RetryPolicy
}

func ConfigFromEnv() (Config, error) {
	cfg := Config{Parallelism: 4, BatchSize: 500, Retry: internal.DefaultRetryPolicy}
	var err error
	if cfg.Interval, err = helper.EnvSeconds("SWEEP_INTERVAL_SECONDS", 30*time.Second); err != nil {
		return cfg, err
	}
	if cfg.Parallelism, err = env.GetAsInt("SWEEP_PARALLELISM", false, cfg.Parallelism); err != nil {
		return cfg, err
	}
	if cfg.BatchSize, err = env.GetAsInt("SWEEP_BATCH_SIZE", false, cfg.BatchSize); err != nil {
		return cfg, err
	}
	return cfg, nil
}

type Result struct {
	Due     int
	Overdue int
	Failed  int
}

type Sweeper struct {
	clock Clock
	cfg   Config
	now   func() time.Time
}

func New(clock Clock, cfg Config) *Sweeper {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Sweeper{clock: clock, cfg: cfg, now: time.Now}
}

// SweepOnce advances every due task once. A failing task does not stop the others.
func (s *Sweeper) SweepOnce(ctx context.Context) (Result, error) {
	now := s.now().UTC()
	ids, err := s.clock.DueTasks(ctx, now, s.cfg.BatchSize)
	if err != nil {
		sweepsTotal.WithLabelValues("failed").Inc()
		return Result{}, err
	}

	var overdue, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Parallelism)
	for _, id := range ids {
		g.Go(func() error {
			var outcome monitoring.Outcome
			err := internal.Retry(gctx, s.cfg.Retry, monitoring.IsRetryable, func() error {
				var err error
				outcome, err = s.clock.AdvanceTaskClock(gctx, id, now)
				return err
			})
			if err != nil {
				zap.S().Warnf("Failed to advance clock of task %d: %s", id, err)
				failed.Add(1)
				return nil
			}
			if outcome.Task != nil {
				overdue.Add(1)
				overdueTotal.Inc()
			}
			return nil
		})
	}
	_ = g.Wait()

	result := Result{Due: len(ids), Overdue: int(overdue.Load()), Failed: int(failed.Load())}
	if result.Failed > 0 {
		sweepsTotal.WithLabelValues("partial").Inc()
	} else {
		sweepsTotal.WithLabelValues("ok").Inc()
	}
	return result, ctx.Err()
}

// Run sweeps on every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	zap.S().Infof("Deadline sweeper running every %s", s.cfg.Interval)
	for {
		result, err := s.SweepOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			zap.S().Errorf("Deadline sweep failed: %s", err)
		} else if result.Due > 0 {
			zap.S().Infof("Deadline sweep: %d due, %d marked overdue, %d failed", result.Due, result.Overdue, result.Failed)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
