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
package retrieval

import (
	"context"
	"sync"
	"time"

	"github.com/zhisenyang/EverMemOS/pkg/types"
)

// fakeChannel serves as either retrieval channel for tests. It returns
// canned hits (per query when byQuery is set), optionally fails, and
// records what it was asked.
type fakeChannel struct {
	mu sync.Mutex

	hits    []Candidate
	byQuery map[string][]Candidate

	err        error
	errByQuery map[string]error

	calls     int
	queries   []string
	lastQuery ChannelQuery
}

func (f *fakeChannel) Search(_ context.Context, query string, q ChannelQuery) ([]Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	f.queries = append(f.queries, query)
	f.lastQuery = q

	if f.err != nil {
		return nil, f.err
	}
	if err := f.errByQuery[query]; err != nil {
		return nil, err
	}
	hits := f.hits
	if h, ok := f.byQuery[query]; ok {
		hits = h
	}
	return append([]Candidate(nil), hits...), nil
}

func (f *fakeChannel) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeChannel) channelQuery() ChannelQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastQuery
}

func (f *fakeChannel) seenQueries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queries...)
}

// memRecord builds a personal-scope event-log record owned by u1.
func memRecord(id, content string, ts time.Time) types.MemoryRecord {
	return types.MemoryRecord{
		ID:        id,
		Type:      types.MemoryEventLog,
		UserID:    "u1",
		Scope:     types.ScopePersonal,
		Content:   content,
		Timestamp: ts,
	}
}

func hit(rec types.MemoryRecord, score float64) Candidate {
	return Candidate{Record: rec, Score: score}
}

func floatPtr(v float64) *float64 { return &v }

// resultIDs projects items onto their record ids, in order.
func resultIDs(items []FusedItem) []string {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.Record.ID
	}
	return ids
}
