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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhisenyang/EverMemOS/pkg/types"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", ModeRRF, false},
		{"rrf", ModeRRF, false},
		{"RRF", ModeRRF, false},
		{"embedding", ModeEmbedding, false},
		{"bm25", ModeBM25, false},
		{"cosine", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if tt.wantErr {
			assert.ErrorContains(t, err, "unknown retrieval mode", "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
	}
}

func TestEngine_RRFFusesBothChannels(t *testing.T) {
	base := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	recA := memRecord("mem-a", "kubernetes deploy failed", base.Add(1*time.Hour))
	recB := memRecord("mem-b", "standup moved to ten", base.Add(2*time.Hour))
	recC := memRecord("mem-c", "deploy rollback finished", base.Add(3*time.Hour))
	recD := memRecord("mem-d", "quarterly planning doc", base.Add(4*time.Hour))

	dense := &fakeChannel{hits: []Candidate{hit(recA, 0.93), hit(recB, 0.88), hit(recC, 0.71)}}
	lex := &fakeChannel{hits: []Candidate{hit(recC, 9.1), hit(recA, 7.4), hit(recD, 4.2)}}
	eng, err := NewEngine(EngineConfig{Dense: dense, Lexical: lex})
	require.NoError(t, err)

	res, err := eng.Search(context.Background(), "deploy failure", Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"mem-a", "mem-c", "mem-b", "mem-d"}, resultIDs(res.Items),
		"a strong showing in both channels must beat a single first place")

	// mem-a held dense rank 1 and lexical rank 2.
	assert.InDelta(t, 1.0/61+1.0/62, res.Items[0].Score, 1e-12)
	assert.Equal(t, map[string]int{ChannelDense: 1, ChannelLexical: 2}, res.Items[0].ChannelRanks)
	// mem-d appeared in the lexical channel only.
	assert.InDelta(t, 1.0/63, res.Items[3].Score, 1e-12)
	assert.Equal(t, map[string]int{ChannelLexical: 3}, res.Items[3].ChannelRanks)

	for i, it := range res.Items {
		assert.Equal(t, i+1, it.Rank)
	}

	assert.Equal(t, ModeRRF, res.Meta.Mode)
	assert.Equal(t, 3, res.Meta.DenseCount)
	assert.Equal(t, 3, res.Meta.LexicalCount)
	assert.False(t, res.Meta.Degraded)
	assert.Empty(t, res.Meta.ChannelErrors)
}

func TestEngine_EmbeddingModeUsesDenseOnly(t *testing.T) {
	base := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	low := memRecord("mem-low", "weekly sync notes", base)
	high := memRecord("mem-high", "deploy failed at noon", base.Add(time.Hour))

	// Hits arrive unordered on purpose: ranking is the engine's job.
	dense := &fakeChannel{hits: []Candidate{hit(low, 0.31), hit(high, 0.87)}}
	lex := &fakeChannel{hits: []Candidate{hit(low, 5.0)}}
	eng, err := NewEngine(EngineConfig{Dense: dense, Lexical: lex})
	require.NoError(t, err)

	res, err := eng.Search(context.Background(), "deploy", Options{Mode: ModeEmbedding})
	require.NoError(t, err)

	assert.Equal(t, []string{"mem-high", "mem-low"}, resultIDs(res.Items))
	assert.Equal(t, 0.87, res.Items[0].Score,
		"single-channel modes keep the raw channel score")
	assert.Equal(t, map[string]int{ChannelDense: 1}, res.Items[0].ChannelRanks)
	assert.Zero(t, lex.callCount(), "embedding mode must not touch the lexical channel")
	assert.Equal(t, ModeEmbedding, res.Meta.Mode)
	assert.Zero(t, res.Meta.LexicalCount)
}

func TestEngine_BM25ModeUsesLexicalOnly(t *testing.T) {
	base := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	rec := memRecord("mem-1", "deploy failed at noon", base)

	dense := &fakeChannel{hits: []Candidate{hit(rec, 0.9)}}
	lex := &fakeChannel{hits: []Candidate{hit(rec, 7.25)}}
	eng, err := NewEngine(EngineConfig{Dense: dense, Lexical: lex})
	require.NoError(t, err)

	res, err := eng.Search(context.Background(), "deploy", Options{Mode: ModeBM25})
	require.NoError(t, err)

	require.Len(t, res.Items, 1)
	assert.Equal(t, 7.25, res.Items[0].Score)
	assert.Equal(t, map[string]int{ChannelLexical: 1}, res.Items[0].ChannelRanks)
	assert.Zero(t, dense.callCount(), "bm25 mode must not touch the dense channel")
}

func TestEngine_RejectsEmptyQuery(t *testing.T) {
	eng, err := NewEngine(EngineConfig{Dense: &fakeChannel{}, Lexical: &fakeChannel{}})
	require.NoError(t, err)

	_, err = eng.Search(context.Background(), "   ", Options{})
	assert.ErrorContains(t, err, "empty query")
}

func TestEngine_RejectsUnknownMode(t *testing.T) {
	eng, err := NewEngine(EngineConfig{Dense: &fakeChannel{}, Lexical: &fakeChannel{}})
	require.NoError(t, err)

	_, err = eng.Search(context.Background(), "deploy", Options{Mode: "cosine"})
	assert.ErrorContains(t, err, "unknown retrieval mode")
}

func TestEngine_ModeRequiresConfiguredChannel(t *testing.T) {
	_, err := NewEngine(EngineConfig{})
	assert.ErrorContains(t, err, "at least one retrieval channel")

	denseOnly, err := NewEngine(EngineConfig{Dense: &fakeChannel{}})
	require.NoError(t, err)
	_, err = denseOnly.Search(context.Background(), "q", Options{Mode: ModeBM25})
	assert.ErrorContains(t, err, "bm25 mode requires")
	_, err = denseOnly.Search(context.Background(), "q", Options{Mode: ModeRRF})
	assert.ErrorContains(t, err, "rrf mode requires both")

	lexOnly, err := NewEngine(EngineConfig{Lexical: &fakeChannel{}})
	require.NoError(t, err)
	_, err = lexOnly.Search(context.Background(), "q", Options{Mode: ModeEmbedding})
	assert.ErrorContains(t, err, "embedding mode requires")
}

func TestEngine_DegradesWhenOneChannelFails(t *testing.T) {
	base := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	rec := memRecord("mem-1", "deploy failed", base)

	tests := []struct {
		name        string
		denseErr    error
		lexErr      error
		failedLabel string
	}{
		{"dense_down", errors.New("vector store unreachable"), nil, ChannelDense},
		{"lexical_down", nil, errors.New("index corrupt"), ChannelLexical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dense := &fakeChannel{hits: []Candidate{hit(rec, 0.9)}, err: tt.denseErr}
			lex := &fakeChannel{hits: []Candidate{hit(rec, 3.0)}, err: tt.lexErr}
			eng, err := NewEngine(EngineConfig{Dense: dense, Lexical: lex})
			require.NoError(t, err)

			res, err := eng.Search(context.Background(), "deploy", Options{})
			require.NoError(t, err, "one surviving channel must keep the search alive")

			assert.True(t, res.Meta.Degraded)
			assert.Contains(t, res.Meta.ChannelErrors, tt.failedLabel)
			assert.Equal(t, []string{"mem-1"}, resultIDs(res.Items))
			assert.InDelta(t, 1.0/61, res.Items[0].Score, 1e-12,
				"the surviving channel still contributes rrf scores")
		})
	}
}

func TestEngine_ErrorsWhenBothChannelsFail(t *testing.T) {
	dense := &fakeChannel{err: errors.New("vector store unreachable")}
	lex := &fakeChannel{err: errors.New("index corrupt")}
	eng, err := NewEngine(EngineConfig{Dense: dense, Lexical: lex})
	require.NoError(t, err)

	_, err = eng.Search(context.Background(), "deploy", Options{})
	require.Error(t, err)
	assert.ErrorContains(t, err, "both retrieval channels failed")

	var cerr *ChannelError
	assert.ErrorAs(t, err, &cerr)
}

func TestEngine_SingleChannelModeSurfacesChannelError(t *testing.T) {
	cause := errors.New("vector store unreachable")
	eng, err := NewEngine(EngineConfig{Dense: &fakeChannel{err: cause}})
	require.NoError(t, err)

	_, err = eng.Search(context.Background(), "deploy", Options{Mode: ModeEmbedding})

	var cerr *ChannelError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, ChannelDense, cerr.Channel)
	assert.ErrorIs(t, err, cause)
}

func TestEngine_TieBreaksByRecencyThenID(t *testing.T) {
	base := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	// One first place each: identical fused scores, newer record wins.
	older := memRecord("mem-x", "older fact", base)
	newer := memRecord("mem-y", "newer fact", base.Add(time.Hour))
	eng, err := NewEngine(EngineConfig{
		Dense:   &fakeChannel{hits: []Candidate{hit(older, 0.9)}},
		Lexical: &fakeChannel{hits: []Candidate{hit(newer, 3.0)}},
	})
	require.NoError(t, err)

	res, err := eng.Search(context.Background(), "fact", Options{})
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	assert.InDelta(t, res.Items[0].Score, res.Items[1].Score, 1e-12)
	assert.Equal(t, []string{"mem-y", "mem-x"}, resultIDs(res.Items))

	// Identical timestamps: lowest record id wins.
	twinA := memRecord("mem-a", "twin fact", base)
	twinB := memRecord("mem-b", "twin fact", base)
	eng, err = NewEngine(EngineConfig{
		Dense:   &fakeChannel{hits: []Candidate{hit(twinB, 0.9)}},
		Lexical: &fakeChannel{hits: []Candidate{hit(twinA, 3.0)}},
	})
	require.NoError(t, err)

	res, err = eng.Search(context.Background(), "fact", Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"mem-a", "mem-b"}, resultIDs(res.Items))
}

func TestEngine_TopKBoundsResults(t *testing.T) {
	base := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	dense := &fakeChannel{hits: []Candidate{
		hit(memRecord("mem-1", "one", base), 0.9),
		hit(memRecord("mem-2", "two", base), 0.8),
		hit(memRecord("mem-3", "three", base), 0.7),
		hit(memRecord("mem-4", "four", base), 0.6),
	}}
	eng, err := NewEngine(EngineConfig{Dense: dense})
	require.NoError(t, err)

	res, err := eng.Search(context.Background(), "q", Options{Mode: ModeEmbedding, TopK: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"mem-1", "mem-2"}, resultIDs(res.Items))
	assert.Equal(t, 2, dense.channelQuery().Limit)

	res, err = eng.Search(context.Background(), "q", Options{Mode: ModeEmbedding})
	require.NoError(t, err)
	assert.Len(t, res.Items, 4, "an unset TopK defaults, it does not truncate small corpora")
	assert.Equal(t, DefaultTopK, dense.channelQuery().Limit)
}

func TestEngine_ChannelLimitWidensPull(t *testing.T) {
	dense := &fakeChannel{}
	lex := &fakeChannel{}
	eng, err := NewEngine(EngineConfig{Dense: dense, Lexical: lex, ChannelLimit: 50})
	require.NoError(t, err)

	_, err = eng.Search(context.Background(), "q", Options{TopK: 3})
	require.NoError(t, err)
	assert.Equal(t, 50, dense.channelQuery().Limit)
	assert.Equal(t, 50, lex.channelQuery().Limit)
}

func TestEngine_RadiusAppliesToDenseOnly(t *testing.T) {
	base := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	near := memRecord("mem-near", "deploy failed", base)
	edge := memRecord("mem-edge", "deploy paused", base)
	far := memRecord("mem-far", "lunch notes", base)
	weak := memRecord("mem-weak", "deploy mentioned", base)

	dense := &fakeChannel{hits: []Candidate{hit(near, 0.82), hit(edge, 0.5), hit(far, 0.4)}}
	// BM25 scores are not similarities; low ones must survive a radius.
	lex := &fakeChannel{hits: []Candidate{hit(weak, 0.2)}}
	eng, err := NewEngine(EngineConfig{Dense: dense, Lexical: lex})
	require.NoError(t, err)

	res, err := eng.Search(context.Background(), "deploy", Options{Radius: floatPtr(0.5)})
	require.NoError(t, err)

	require.NotNil(t, dense.channelQuery().Radius)
	assert.Equal(t, 0.5, *dense.channelQuery().Radius)
	assert.Nil(t, lex.channelQuery().Radius,
		"the similarity floor never reaches the lexical channel")

	ids := resultIDs(res.Items)
	assert.Contains(t, ids, "mem-near")
	assert.Contains(t, ids, "mem-edge", "the radius floor is inclusive")
	assert.Contains(t, ids, "mem-weak")
	assert.NotContains(t, ids, "mem-far")
}

func TestEngine_TimeRangeSetsSinceAndFilters(t *testing.T) {
	now := time.Now().UTC()
	fresh := memRecord("mem-fresh", "deploy failed", now.Add(-time.Hour))
	stale := memRecord("mem-stale", "deploy failed long ago", now.AddDate(0, 0, -30))

	// Channels that ignore Since: the engine re-filters their hits.
	dense := &fakeChannel{hits: []Candidate{hit(fresh, 0.9), hit(stale, 0.8)}}
	lex := &fakeChannel{hits: []Candidate{hit(fresh, 3.0), hit(stale, 2.0)}}
	eng, err := NewEngine(EngineConfig{Dense: dense, Lexical: lex})
	require.NoError(t, err)

	res, err := eng.Search(context.Background(), "deploy", Options{TimeRangeDays: 7})
	require.NoError(t, err)

	assert.Equal(t, []string{"mem-fresh"}, resultIDs(res.Items))
	since := dense.channelQuery().Since
	require.False(t, since.IsZero())
	assert.WithinDuration(t, now.AddDate(0, 0, -7), since, time.Minute)
}

func TestEngine_EnforcesFiltersOnChannelResults(t *testing.T) {
	base := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	mine := memRecord("mem-mine", "deploy failed", base)
	theirs := memRecord("mem-theirs", "deploy failed", base)
	theirs.UserID = "u2"

	dense := &fakeChannel{hits: []Candidate{hit(mine, 0.9), hit(theirs, 0.95)}}
	eng, err := NewEngine(EngineConfig{Dense: dense})
	require.NoError(t, err)

	res, err := eng.Search(context.Background(), "deploy", Options{Mode: ModeEmbedding, OwnerID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"mem-mine"}, resultIDs(res.Items),
		"ownership filters hold even against channels that ignore them")

	q := dense.channelQuery()
	assert.Equal(t, "u1", q.OwnerID)
}

func TestChannelQuery_Match(t *testing.T) {
	base := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	rec := types.MemoryRecord{
		ID:        "mem-1",
		Type:      types.MemoryEpisode,
		UserID:    "u1",
		GroupID:   "g7",
		Scope:     types.ScopeGroup,
		Timestamp: base,
	}

	tests := []struct {
		name string
		q    ChannelQuery
		want bool
	}{
		{"empty_query_matches", ChannelQuery{}, true},
		{"type_match", ChannelQuery{Types: []types.MemoryType{types.MemoryEpisode, types.MemoryProfile}}, true},
		{"type_mismatch", ChannelQuery{Types: []types.MemoryType{types.MemoryForesight}}, false},
		{"owner_match", ChannelQuery{OwnerID: "u1"}, true},
		{"owner_mismatch", ChannelQuery{OwnerID: "u2"}, false},
		{"group_mismatch", ChannelQuery{GroupID: "g8"}, false},
		{"scope_match", ChannelQuery{Scope: types.ScopeGroup}, true},
		{"scope_mismatch", ChannelQuery{Scope: types.ScopePersonal}, false},
		{"since_before_record", ChannelQuery{Since: base.Add(-time.Hour)}, true},
		{"since_at_record", ChannelQuery{Since: base}, true},
		{"since_after_record", ChannelQuery{Since: base.Add(time.Hour)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.q.Match(&rec))
		})
	}
}
