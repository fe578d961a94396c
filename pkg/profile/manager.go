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

// Package profile implements the extraction pipeline that turns clustered
// conversation units into versioned user profiles: a value discriminator
// that filters out low-signal units, an extractor that produces per-user
// attribute deltas, a confidence-based merger, and a manager that
// orchestrates the three against a profile store.
package profile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zhisenyang/EverMemOS/internal/csync"
	"github.com/zhisenyang/EverMemOS/pkg/cluster"
	"github.com/zhisenyang/EverMemOS/pkg/llm"
	"github.com/zhisenyang/EverMemOS/pkg/storage"
	"github.com/zhisenyang/EverMemOS/pkg/types"
)

// Manager defaults.
const (
	// DefaultBatchSize bounds how many units ProcessBatch works on
	// concurrently.
	DefaultBatchSize = 50

	// DefaultMaxRetries bounds extraction and merge attempts. A negative
	// judgment is never retried.
	DefaultMaxRetries = 3

	// DefaultRetryBackoff is the base backoff, doubled per attempt.
	DefaultRetryBackoff = 500 * time.Millisecond

	// recentWindowCap bounds the per-conversation rolling window the
	// manager keeps for discrimination context.
	recentWindowCap = 8
)

// State tracks a unit through the pipeline. Rejected, Merged, and Failed
// are terminal; there is no transition back out of them.
type State string

const (
	StatePending       State = "pending"
	StateDiscriminated State = "discriminated"
	StateRejected      State = "rejected"
	StateExtracted     State = "extracted"
	StateMerged        State = "merged"
	StateFailed        State = "failed"
)

// UnitResult reports the outcome of processing one unit event.
type UnitResult struct {
	UnitID    string `json:"unit_id"`
	ClusterID string `json:"cluster_id"`
	State     State  `json:"state"`

	// IsHighValue, Confidence, and Reason echo the value judgment.
	IsHighValue bool    `json:"is_high_value"`
	Confidence  float64 `json:"confidence"`
	Reason      string  `json:"reason,omitempty"`

	// ProfilesUpdated counts users whose profile moved; UpdatedUserIDs
	// lists them sorted.
	ProfilesUpdated int      `json:"profiles_updated"`
	UpdatedUserIDs  []string `json:"updated_user_ids,omitempty"`

	// Err is the terminal error for a Failed unit.
	Err error `json:"-"`
}

// Stats is a snapshot of the manager's counters.
type Stats struct {
	UnitsSeen   int64 `json:"units_seen"`
	HighValue   int64 `json:"high_value"`
	Rejected    int64 `json:"rejected"`
	Extractions int64 `json:"extractions"`
	Merges      int64 `json:"merges"`
	Conflicts   int64 `json:"conflicts"`
	Failures    int64 `json:"failures"`
}

// ManagerConfig configures a Manager. Start from DefaultManagerConfig;
// zero numeric fields are replaced by the defaults.
type ManagerConfig struct {
	// BatchSize bounds concurrent units per ProcessBatch group.
	BatchSize int

	// MaxRetries bounds extraction attempts and merge attempts.
	MaxRetries int

	// MinConfidence is the discrimination acceptance floor, inclusive.
	MinConfidence float64

	// ContextWindow is how many recent units feed discrimination context.
	ContextWindow int

	// UseContext embeds recent units in the judgment prompt.
	UseContext bool

	// AutoExtract runs extraction and merge after a positive judgment.
	// When false the manager only records the judgment (watch mode).
	AutoExtract bool

	// Versioning writes a history record per observable merge. When false
	// profiles still version but no history accumulates.
	Versioning bool

	// CallTimeout bounds each external call independently. Zero means no
	// per-call timeout beyond the caller's context.
	CallTimeout time.Duration

	// RetryBackoff is the base backoff between attempts, doubled per
	// attempt.
	RetryBackoff time.Duration

	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// DefaultManagerConfig returns the standard configuration.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		BatchSize:     DefaultBatchSize,
		MaxRetries:    DefaultMaxRetries,
		MinConfidence: DefaultMinConfidence,
		ContextWindow: DefaultContextWindow,
		UseContext:    true,
		AutoExtract:   true,
		Versioning:    true,
		RetryBackoff:  DefaultRetryBackoff,
	}
}

// Manager orchestrates discriminate, extract, merge, and persist for every
// clustered conversation unit. It implements cluster.Listener so it can be
// attached directly to a cluster.Feed. Safe for concurrent use; merges
// serialize per user while distinct users proceed in parallel.
type Manager struct {
	config        ManagerConfig
	discriminator *ValueDiscriminator
	extractor     *Extractor
	store         storage.Store
	logger        *zap.Logger

	userLocks *csync.KeyedMutex[string]
	convLocks *csync.KeyedMutex[string]
	recent    *csync.Map[string, []types.ConversationUnit]

	unitsSeen   atomic.Int64
	highValue   atomic.Int64
	rejected    atomic.Int64
	extractions atomic.Int64
	merges      atomic.Int64
	conflicts   atomic.Int64
	failures    atomic.Int64
}

// NewManager creates a manager over the given provider and store.
func NewManager(provider llm.Provider, store storage.Store, config ManagerConfig) (*Manager, error) {
	if provider == nil {
		return nil, fmt.Errorf("llm provider is required")
	}
	if store == nil {
		return nil, fmt.Errorf("profile store is required")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	if config.MinConfidence == 0 {
		config.MinConfidence = DefaultMinConfidence
	}
	if config.ContextWindow == 0 {
		config.ContextWindow = DefaultContextWindow
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = DefaultRetryBackoff
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	discriminator, err := NewValueDiscriminator(provider, DiscriminatorConfig{
		MinConfidence: config.MinConfidence,
		ContextWindow: config.ContextWindow,
		UseContext:    config.UseContext,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	extractor, err := NewExtractor(provider, logger)
	if err != nil {
		return nil, err
	}

	return &Manager{
		config:        config,
		discriminator: discriminator,
		extractor:     extractor,
		store:         store,
		logger:        logger,
		userLocks:     csync.NewKeyedMutex[string](),
		convLocks:     csync.NewKeyedMutex[string](),
		recent:        csync.NewMap[string, []types.ConversationUnit](),
	}, nil
}

// OnUnitClustered implements cluster.Listener. Expected failure modes are
// absorbed into the unit's result and the counters; only context
// cancellation propagates.
func (m *Manager) OnUnitClustered(ctx context.Context, event cluster.UnitEvent) error {
	m.Process(ctx, event)
	return ctx.Err()
}

// AttachTo subscribes the manager to a feed and returns the subscription
// id for Detach.
func (m *Manager) AttachTo(feed *cluster.Feed) string {
	return feed.Attach(m)
}

// Detach removes a subscription created by AttachTo.
func (m *Manager) Detach(feed *cluster.Feed, id string) bool {
	return feed.Detach(id)
}

// Process runs one unit event through the pipeline and returns its result.
// Errors from expected failure modes land in the result, not in a panic or
// a propagated error: a discrimination failure rejects the unit, an
// exhausted extraction fails it, and per-user merge failures leave the
// other users' commits in place.
func (m *Manager) Process(ctx context.Context, event cluster.UnitEvent) UnitResult {
	unit := event.Unit
	m.unitsSeen.Add(1)

	result := UnitResult{UnitID: unit.ID, ClusterID: event.ClusterID, State: StatePending}

	recent := event.Recent
	if len(recent) == 0 {
		recent = m.recentWindow(unit.ConversationID)
	}

	judgment, err := m.judge(ctx, &unit, recent)
	m.remember(unit)
	if err != nil {
		m.rejected.Add(1)
		m.logger.Warn("discrimination failed, treating unit as low-value",
			zap.String("unit_id", unit.ID),
			zap.String("cluster_id", event.ClusterID),
			zap.Error(err))
		result.State = StateRejected
		result.Reason = err.Error()
		result.Err = err
		return result
	}

	result.State = StateDiscriminated
	result.IsHighValue = judgment.IsHighValue
	result.Confidence = judgment.Confidence
	result.Reason = judgment.Reason

	if !judgment.IsHighValue {
		m.rejected.Add(1)
		result.State = StateRejected
		return result
	}
	m.highValue.Add(1)

	m.logger.Info("high-value unit detected",
		zap.String("unit_id", unit.ID),
		zap.String("cluster_id", event.ClusterID),
		zap.Float64("confidence", judgment.Confidence))

	if !m.config.AutoExtract {
		return result
	}

	users := event.Users()
	if len(users) == 0 {
		result.State = StateMerged
		return result
	}

	existing, okUsers, failedUsers := m.loadProfiles(ctx, unit.Scenario, users)
	if len(okUsers) == 0 {
		m.failures.Add(1)
		result.State = StateFailed
		result.Err = joinUserErrors(failedUsers)
		return result
	}

	deltas, err := m.extractWithRetry(ctx, &unit, existing, okUsers)
	if err != nil {
		m.failures.Add(1)
		m.logger.Error("extraction failed",
			zap.String("unit_id", unit.ID),
			zap.String("cluster_id", event.ClusterID),
			zap.Error(err))
		result.State = StateFailed
		result.Err = err
		return result
	}
	m.extractions.Add(1)
	result.State = StateExtracted

	updated, mergeErrs := m.mergeAll(ctx, &unit, event.ClusterID, deltas)
	for userID, uerr := range mergeErrs {
		failedUsers[userID] = uerr
	}

	result.ProfilesUpdated = len(updated)
	result.UpdatedUserIDs = updated

	if len(failedUsers) > 0 {
		m.failures.Add(1)
		for userID, uerr := range failedUsers {
			m.logger.Warn("profile update failed for user",
				zap.String("unit_id", unit.ID),
				zap.String("user_id", userID),
				zap.Error(uerr))
		}
		if len(updated) == 0 && len(failedUsers) == len(users) {
			result.State = StateFailed
			result.Err = joinUserErrors(failedUsers)
			return result
		}
	}

	result.State = StateMerged
	return result
}

// ProcessBatch partitions events into BatchSize groups and processes each
// group concurrently. One unit's failure never fails the batch; results
// are positional.
func (m *Manager) ProcessBatch(ctx context.Context, events []cluster.UnitEvent) []UnitResult {
	results := make([]UnitResult, len(events))
	for start := 0; start < len(events); start += m.config.BatchSize {
		end := start + m.config.BatchSize
		if end > len(events) {
			end = len(events)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(m.config.BatchSize)
		for i := start; i < end; i++ {
			i := i
			g.Go(func() error {
				results[i] = m.Process(gctx, events[i])
				return nil
			})
		}
		_ = g.Wait()
	}
	return results
}

// Stats returns a snapshot of the counters.
func (m *Manager) Stats() Stats {
	return Stats{
		UnitsSeen:   m.unitsSeen.Load(),
		HighValue:   m.highValue.Load(),
		Rejected:    m.rejected.Load(),
		Extractions: m.extractions.Load(),
		Merges:      m.merges.Load(),
		Conflicts:   m.conflicts.Load(),
		Failures:    m.failures.Load(),
	}
}

// judge runs the discriminator under the per-call timeout.
func (m *Manager) judge(ctx context.Context, unit *types.ConversationUnit, recent []types.ConversationUnit) (*types.ValueJudgment, error) {
	cctx, cancel := m.callCtx(ctx)
	defer cancel()
	return m.discriminator.Judge(cctx, unit, recent)
}

// loadProfiles fetches each user's current profile. Users whose stored
// profile belongs to another scenario, or whose load failed outright, land
// in the failed map and are excluded from extraction; the rest proceed.
func (m *Manager) loadProfiles(ctx context.Context, scenario types.Scenario, userIDs []string) (map[string]*types.Profile, []string, map[string]error) {
	existing := make(map[string]*types.Profile, len(userIDs))
	ok := make([]string, 0, len(userIDs))
	failed := make(map[string]error)

	for _, userID := range userIDs {
		p, err := m.store.Get(ctx, userID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			ok = append(ok, userID)
		case err != nil:
			failed[userID] = fmt.Errorf("load profile: %w", err)
		case p.Scenario != scenario:
			failed[userID] = &ScenarioMismatchError{
				UserID:       userID,
				ProfileScope: p.Scenario,
				UnitScope:    scenario,
			}
		default:
			existing[userID] = p
			ok = append(ok, userID)
		}
	}
	return existing, ok, failed
}

// extractWithRetry runs extraction up to MaxRetries times with doubling
// backoff. Scenario mismatches are not retryable.
func (m *Manager) extractWithRetry(ctx context.Context, unit *types.ConversationUnit, existing map[string]*types.Profile, userIDs []string) (map[string]*types.ProfileDelta, error) {
	var lastErr error
	for attempt := 0; attempt < m.config.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := m.sleepBackoff(ctx, attempt-1); err != nil {
				return nil, err
			}
		}

		cctx, cancel := m.callCtx(ctx)
		deltas, err := m.extractor.Extract(cctx, unit, existing, userIDs)
		cancel()
		if err == nil {
			return deltas, nil
		}
		lastErr = err

		var mismatch *ScenarioMismatchError
		if errors.As(err, &mismatch) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		m.logger.Warn("extraction attempt failed",
			zap.String("unit_id", unit.ID),
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", m.config.MaxRetries),
			zap.Error(err))
	}
	return nil, fmt.Errorf("extraction failed after %d attempts: %w", m.config.MaxRetries, lastErr)
}

// mergeAll merges every delta, each user independently. Returns the sorted
// ids of users whose profile moved and the per-user errors.
func (m *Manager) mergeAll(ctx context.Context, unit *types.ConversationUnit, clusterID string, deltas map[string]*types.ProfileDelta) ([]string, map[string]error) {
	var (
		mu      sync.Mutex
		updated []string
		errs    = make(map[string]error)
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.config.BatchSize)
	for userID, delta := range deltas {
		userID, delta := userID, delta
		g.Go(func() error {
			changed, err := m.mergeUser(gctx, unit, clusterID, delta)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs[userID] = err
			} else if changed {
				updated = append(updated, userID)
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(updated)
	return updated, errs
}

// mergeUser applies one delta under the user's lock: read, merge, save.
// A version conflict re-reads and re-merges immediately; other storage
// errors back off between attempts. Both are bounded by MaxRetries.
func (m *Manager) mergeUser(ctx context.Context, unit *types.ConversationUnit, clusterID string, delta *types.ProfileDelta) (bool, error) {
	if delta.Empty() {
		return false, nil
	}

	unlock := m.userLocks.Lock(delta.UserID)
	defer unlock()

	var lastErr error
	for attempt := 0; attempt < m.config.MaxRetries; attempt++ {
		existing, err := m.store.Get(ctx, delta.UserID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			lastErr = fmt.Errorf("load profile: %w", err)
		} else {
			outcome := Merge(existing, delta, time.Now().UTC())
			if !outcome.Changed {
				return false, nil
			}

			meta := storage.SaveMetadata{ClusterID: clusterID, UnitID: unit.ID}
			if m.config.Versioning {
				meta.Version = outcome.Version
			}

			err = m.store.Save(ctx, delta.UserID, outcome.Profile, meta)
			if err == nil {
				m.merges.Add(1)
				return true, nil
			}
			if errors.Is(err, storage.ErrVersionConflict) {
				m.conflicts.Add(1)
				m.logger.Debug("version conflict, re-merging against fresh profile",
					zap.String("user_id", delta.UserID),
					zap.Int("attempt", attempt+1))
				lastErr = err
				continue
			}
			lastErr = fmt.Errorf("save profile: %w", err)
		}

		if err := m.sleepBackoff(ctx, attempt); err != nil {
			return false, err
		}
	}
	return false, fmt.Errorf("merge for user %s failed after %d attempts: %w",
		delta.UserID, m.config.MaxRetries, lastErr)
}

// remember pushes the unit into its conversation's rolling window.
func (m *Manager) remember(unit types.ConversationUnit) {
	if unit.ConversationID == "" {
		return
	}
	unlock := m.convLocks.Lock(unit.ConversationID)
	defer unlock()

	window, _ := m.recent.Get(unit.ConversationID)
	window = append(window, unit)
	if len(window) > recentWindowCap {
		window = window[len(window)-recentWindowCap:]
	}
	m.recent.Set(unit.ConversationID, window)
}

// recentWindow snapshots the conversation's rolling window, oldest first.
func (m *Manager) recentWindow(conversationID string) []types.ConversationUnit {
	if conversationID == "" {
		return nil
	}
	window, _ := m.recent.Get(conversationID)
	return append([]types.ConversationUnit(nil), window...)
}

func (m *Manager) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.config.CallTimeout > 0 {
		return context.WithTimeout(ctx, m.config.CallTimeout)
	}
	return context.WithCancel(ctx)
}

// sleepBackoff waits RetryBackoff doubled per completed attempt, or until
// the context ends.
func (m *Manager) sleepBackoff(ctx context.Context, attempt int) error {
	backoff := m.config.RetryBackoff << attempt
	select {
	case <-time.After(backoff):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func joinUserErrors(errs map[string]error) error {
	userIDs := make([]string, 0, len(errs))
	for userID := range errs {
		userIDs = append(userIDs, userID)
	}
	sort.Strings(userIDs)

	joined := make([]error, 0, len(errs))
	for _, userID := range userIDs {
		joined = append(joined, fmt.Errorf("user %s: %w", userID, errs[userID]))
	}
	return errors.Join(joined...)
}
