// Copyright 2026 The EverMemOS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// RetentionConfig configures scheduled history pruning. Profile history
// is append-only and unbounded in the store itself; this job is the
// sanctioned way to trim it.
type RetentionConfig struct {
	// Schedule is a standard 5-field cron spec, e.g. "0 3 * * *".
	Schedule string

	// KeepPerUser protects the newest N records per user from pruning.
	// Defaults to DefaultKeepPerUser.
	KeepPerUser int

	// MaxAge prunes records older than now-MaxAge. Defaults to
	// DefaultHistoryMaxAge.
	MaxAge time.Duration

	// Store must implement HistoryPruner.
	Store HistoryPruner

	// Logger receives job diagnostics.
	Logger *zap.Logger

	// RunTimeout bounds one pruning run. Defaults to one minute.
	RunTimeout time.Duration
}

// Retention defaults.
const (
	DefaultKeepPerUser   = 10
	DefaultHistoryMaxAge = 90 * 24 * time.Hour
)

// RetentionJob prunes version history on a cron schedule.
type RetentionJob struct {
	cfg  RetentionConfig
	cron *cron.Cron
}

// NewRetentionJob validates the config and prepares the schedule. Start
// must be called to begin running.
func NewRetentionJob(cfg RetentionConfig) (*RetentionJob, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("retention: store with history pruning required")
	}
	if cfg.Schedule == "" {
		return nil, fmt.Errorf("retention: cron schedule required")
	}
	if cfg.KeepPerUser <= 0 {
		cfg.KeepPerUser = DefaultKeepPerUser
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultHistoryMaxAge
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	j := &RetentionJob{cfg: cfg, cron: cron.New()}
	if _, err := j.cron.AddFunc(cfg.Schedule, j.run); err != nil {
		return nil, fmt.Errorf("retention: invalid cron schedule %q: %w", cfg.Schedule, err)
	}
	return j, nil
}

func (j *RetentionJob) run() {
	ctx, cancel := context.WithTimeout(context.Background(), j.cfg.RunTimeout)
	defer cancel()

	deleted, err := j.RunOnce(ctx)
	if err != nil {
		j.cfg.Logger.Error("retention run failed", zap.Error(err))
		return
	}
	j.cfg.Logger.Info("retention run complete", zap.Int64("deleted", deleted))
}

// RunOnce prunes immediately, outside the schedule.
func (j *RetentionJob) RunOnce(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-j.cfg.MaxAge)
	return j.cfg.Store.PruneHistory(ctx, j.cfg.KeepPerUser, cutoff)
}

// Start begins the schedule.
func (j *RetentionJob) Start() {
	j.cron.Start()
}

// Stop halts the schedule and waits for a running prune to finish.
func (j *RetentionJob) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}
