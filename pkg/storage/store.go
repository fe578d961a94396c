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
// Package storage provides the profile store: versioned per-user profiles
// with append-only history, an in-memory backend for tests and ephemeral
// use, and a database/sql backend for sqlite, postgres, and mysql.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/zhisenyang/EverMemOS/pkg/types"
)

var (
	// ErrNotFound is returned when no profile exists for the user.
	ErrNotFound = errors.New("profile not found")

	// ErrVersionConflict is returned when Save's expected-version check
	// fails: someone else committed a newer version first. Callers
	// re-read and re-merge.
	ErrVersionConflict = errors.New("profile version conflict")
)

// SaveMetadata annotates a Save call.
type SaveMetadata struct {
	// Version is the history record produced by the merge. Nil when the
	// save carries no new history (imports of bare profiles).
	Version *types.ProfileVersion

	// ClusterID and UnitID identify the triggering pipeline work, for
	// logs only.
	ClusterID string
	UnitID    string
}

// Store persists user profiles. Implementations must be safe for
// concurrent use and read-your-writes consistent: a Get after a
// successful Save observes that Save.
//
// Save enforces optimistic concurrency: when a stored profile exists, the
// incoming profile's Version must be exactly stored+1, otherwise
// ErrVersionConflict. When none exists the profile is inserted as-is,
// which lets exports round-trip at their original versions.
type Store interface {
	Save(ctx context.Context, userID string, profile *types.Profile, meta SaveMetadata) error
	Get(ctx context.Context, userID string) (*types.Profile, error)
	GetAll(ctx context.Context) (map[string]*types.Profile, error)

	// GetHistory returns version records newest-first. limit <= 0 means
	// all records.
	GetHistory(ctx context.Context, userID string, limit int) ([]*types.ProfileVersion, error)

	Clear(ctx context.Context) error
	Close() error
}

// HistoryPruner is an optional capability: stores that can trim version
// history implement it, and the retention job consumes it.
type HistoryPruner interface {
	// PruneHistory deletes version records older than olderThan while
	// always keeping the newest keepPerUser records of every user.
	// Returns the number of deleted records.
	PruneHistory(ctx context.Context, keepPerUser int, olderThan time.Time) (int64, error)
}
