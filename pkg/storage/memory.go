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
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zhisenyang/EverMemOS/pkg/types"
)

// MemoryStore keeps profiles in process memory. Everything is deep-copied
// on the way in and out, so callers can never alias stored state.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]*types.Profile
	history  map[string][]*types.ProfileVersion
	logger   *zap.Logger
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		profiles: make(map[string]*types.Profile),
		history:  make(map[string][]*types.ProfileVersion),
		logger:   logger,
	}
}

// Save stores the profile under the optimistic-concurrency contract.
func (s *MemoryStore) Save(ctx context.Context, userID string, profile *types.Profile, meta SaveMetadata) error {
	if userID == "" || profile == nil {
		return fmt.Errorf("save: user id and profile required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if stored, ok := s.profiles[userID]; ok && profile.Version != stored.Version+1 {
		return fmt.Errorf("save %s: have v%d, got v%d: %w",
			userID, stored.Version, profile.Version, ErrVersionConflict)
	}

	s.profiles[userID] = profile.Clone()
	if meta.Version != nil {
		s.history[userID] = append(s.history[userID], meta.Version.Clone())
	}

	s.logger.Debug("profile saved",
		zap.String("user_id", userID),
		zap.Int64("version", profile.Version),
		zap.String("unit_id", meta.UnitID))
	return nil
}

// Get returns the user's profile or ErrNotFound.
func (s *MemoryStore) Get(ctx context.Context, userID string) (*types.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[userID]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", userID, ErrNotFound)
	}
	return p.Clone(), nil
}

// GetAll returns every stored profile keyed by user id.
func (s *MemoryStore) GetAll(ctx context.Context) (map[string]*types.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*types.Profile, len(s.profiles))
	for id, p := range s.profiles {
		out[id] = p.Clone()
	}
	return out, nil
}

// GetHistory returns version records newest-first.
func (s *MemoryStore) GetHistory(ctx context.Context, userID string, limit int) ([]*types.ProfileVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.history[userID]
	out := make([]*types.ProfileVersion, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		out = append(out, records[i].Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Clear removes all profiles and history.
func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles = make(map[string]*types.Profile)
	s.history = make(map[string][]*types.ProfileVersion)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// PruneHistory implements HistoryPruner.
func (s *MemoryStore) PruneHistory(ctx context.Context, keepPerUser int, olderThan time.Time) (int64, error) {
	if keepPerUser < 0 {
		keepPerUser = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for userID, records := range s.history {
		// Records are append-ordered, so the protected tail is the
		// newest keepPerUser entries.
		protect := len(records) - keepPerUser
		kept := records[:0:0]
		for i, rec := range records {
			if i < protect && rec.CreatedAt.Before(olderThan) {
				deleted++
				continue
			}
			kept = append(kept, rec)
		}
		s.history[userID] = kept
	}
	return deleted, nil
}
