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
// Package cluster defines the contract between the clustering collaborator
// and the memory core. The clustering algorithm itself lives elsewhere;
// this package carries its output events and the subscription registry
// that delivers them to listeners such as the profile manager.
package cluster

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhisenyang/EverMemOS/pkg/types"
)

// UnitEvent announces that the clustering collaborator assigned a
// conversation unit to a cluster.
type UnitEvent struct {
	// Unit is the clustered conversation unit.
	Unit types.ConversationUnit

	// ClusterID identifies the cluster the unit joined.
	ClusterID string

	// Recent carries the units that preceded Unit in its conversation,
	// oldest first, for discrimination context. May be empty.
	Recent []types.ConversationUnit

	// UserIDs overrides Unit.UserIDs as the set of users to profile.
	// Empty means profile every participant.
	UserIDs []string
}

// Users returns the user ids profile extraction should consider.
func (e *UnitEvent) Users() []string {
	if len(e.UserIDs) > 0 {
		return e.UserIDs
	}
	return e.Unit.UserIDs
}

// Listener consumes unit events. Implementations should be quick or
// manage their own timeouts; delivery is synchronous.
type Listener interface {
	OnUnitClustered(ctx context.Context, event UnitEvent) error
}

type subscription struct {
	id       string
	listener Listener
}

// Feed is the explicit subscription registry unit events flow through.
// Emit invokes each listener directly, in attach order. Listener errors
// are logged and never propagated to the emitter. Detaching during an
// Emit does not cancel the in-flight delivery.
type Feed struct {
	mu            sync.RWMutex
	subscriptions []subscription
	logger        *zap.Logger
}

// NewFeed creates an empty feed.
func NewFeed(logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{logger: logger}
}

// Attach registers a listener and returns its subscription id.
func (f *Feed) Attach(l Listener) string {
	id := uuid.New().String()

	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscriptions = append(f.subscriptions, subscription{id: id, listener: l})

	f.logger.Debug("listener attached", zap.String("subscription_id", id))
	return id
}

// Detach removes the subscription. Returns false when the id is unknown.
func (f *Feed) Detach(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i, sub := range f.subscriptions {
		if sub.id == id {
			f.subscriptions = append(f.subscriptions[:i], f.subscriptions[i+1:]...)
			f.logger.Debug("listener detached", zap.String("subscription_id", id))
			return true
		}
	}
	return false
}

// Listeners returns the number of attached listeners.
func (f *Feed) Listeners() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subscriptions)
}

// Emit delivers the event to every attached listener, synchronously and
// in attach order.
func (f *Feed) Emit(ctx context.Context, event UnitEvent) {
	f.mu.RLock()
	subs := make([]subscription, len(f.subscriptions))
	copy(subs, f.subscriptions)
	f.mu.RUnlock()

	for _, sub := range subs {
		if err := sub.listener.OnUnitClustered(ctx, event); err != nil {
			f.logger.Warn("listener failed on unit event",
				zap.String("subscription_id", sub.id),
				zap.String("unit_id", event.Unit.ID),
				zap.String("cluster_id", event.ClusterID),
				zap.Error(err))
		}
	}
}
