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
package cluster

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhisenyang/EverMemOS/pkg/types"
)

type recordingListener struct {
	name     string
	calls    []string
	order    *[]string
	failWith error
}

func (l *recordingListener) OnUnitClustered(ctx context.Context, event UnitEvent) error {
	l.calls = append(l.calls, event.Unit.ID)
	if l.order != nil {
		*l.order = append(*l.order, l.name)
	}
	return l.failWith
}

func event(unitID string) UnitEvent {
	return UnitEvent{
		Unit:      types.ConversationUnit{ID: unitID, Scenario: types.ScenarioGroupChat, UserIDs: []string{"u1"}},
		ClusterID: "c1",
	}
}

func TestFeed_EmitReachesListenersInAttachOrder(t *testing.T) {
	feed := NewFeed(nil)
	var order []string
	a := &recordingListener{name: "a", order: &order}
	b := &recordingListener{name: "b", order: &order}

	feed.Attach(a)
	feed.Attach(b)
	require.Equal(t, 2, feed.Listeners())

	feed.Emit(context.Background(), event("unit-1"))

	assert.Equal(t, []string{"unit-1"}, a.calls)
	assert.Equal(t, []string{"unit-1"}, b.calls)
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestFeed_DetachStopsDelivery(t *testing.T) {
	feed := NewFeed(nil)
	a := &recordingListener{name: "a"}
	b := &recordingListener{name: "b"}

	idA := feed.Attach(a)
	feed.Attach(b)

	assert.True(t, feed.Detach(idA))
	assert.False(t, feed.Detach(idA), "second detach of the same id")
	assert.False(t, feed.Detach("no-such-id"))

	feed.Emit(context.Background(), event("unit-1"))

	assert.Empty(t, a.calls)
	assert.Equal(t, []string{"unit-1"}, b.calls)
}

func TestFeed_ListenerErrorDoesNotStopOthers(t *testing.T) {
	feed := NewFeed(nil)
	failing := &recordingListener{name: "failing", failWith: errors.New("boom")}
	healthy := &recordingListener{name: "healthy"}

	feed.Attach(failing)
	feed.Attach(healthy)

	feed.Emit(context.Background(), event("unit-1"))

	assert.Equal(t, []string{"unit-1"}, failing.calls)
	assert.Equal(t, []string{"unit-1"}, healthy.calls)
}

func TestFeed_EmitWithNoListeners(t *testing.T) {
	feed := NewFeed(nil)
	assert.NotPanics(t, func() {
		feed.Emit(context.Background(), event("unit-1"))
	})
}

func TestUnitEvent_Users(t *testing.T) {
	e := event("unit-1")
	assert.Equal(t, []string{"u1"}, e.Users())

	e.UserIDs = []string{"u2", "u3"}
	assert.Equal(t, []string{"u2", "u3"}, e.Users())
}
