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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{
			name: "case_and_punctuation",
			in:   "The Payments-Service deploy FAILED!",
			want: []string{"payments", "service", "deploy", "failed"},
		},
		{
			name: "stopwords_and_short_tokens",
			in:   "I am on call",
			want: []string{"am", "call"},
		},
		{
			name: "fullwidth_compatibility_forms",
			in:   "ＡＰＩ ｖ２",
			want: []string{"api", "v2"},
		},
		{
			name: "accents_survive_folding",
			in:   "Café MÜNCHEN",
			want: []string{"café", "münchen"},
		},
		{
			name: "only_single_runes",
			in:   "a b c d",
			want: nil,
		},
		{
			name: "empty",
			in:   "",
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Tokenize(tt.in)
			if len(tt.want) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMemoryLexicalIndex_RanksByBM25(t *testing.T) {
	base := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	idx := NewMemoryLexicalIndex(nil)
	require.NoError(t, idx.Add(
		memRecord("mem-a", "kubernetes deploy failed on friday", base),
		memRecord("mem-b", "kubernetes kubernetes kubernetes cluster restart", base),
		memRecord("mem-c", "lunch plans for friday afternoon", base),
	))

	hits, err := idx.Search(context.Background(), "kubernetes deploy", ChannelQuery{})
	require.NoError(t, err)

	require.Len(t, hits, 2, "a record sharing no query term must not score")
	assert.Equal(t, "mem-a", hits[0].Record.ID,
		"matching both terms must beat repeating one of them")
	assert.Equal(t, "mem-b", hits[1].Record.ID)
	assert.Greater(t, hits[0].Score, hits[1].Score)
	assert.Greater(t, hits[1].Score, 0.0)
}

func TestMemoryLexicalIndex_UpsertReplacesDocument(t *testing.T) {
	base := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	idx := NewMemoryLexicalIndex(nil)
	require.NoError(t, idx.Add(memRecord("mem-1", "alpha beta", base)))
	require.NoError(t, idx.Add(memRecord("mem-1", "gamma delta", base)))

	assert.Equal(t, 1, idx.Len())

	hits, err := idx.Search(context.Background(), "alpha", ChannelQuery{})
	require.NoError(t, err)
	assert.Empty(t, hits, "terms of the replaced content must be unindexed")

	hits, err = idx.Search(context.Background(), "gamma", ChannelQuery{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "mem-1", hits[0].Record.ID)
}

func TestMemoryLexicalIndex_RejectsMissingID(t *testing.T) {
	idx := NewMemoryLexicalIndex(nil)
	err := idx.Add(memRecord("", "content", time.Now()))
	assert.ErrorContains(t, err, "without id")
}

func TestMemoryLexicalIndex_EmptyQueryTerms(t *testing.T) {
	idx := NewMemoryLexicalIndex(nil)
	require.NoError(t, idx.Add(memRecord("mem-1", "deploy failed", time.Now())))

	// Nothing but stopwords and single runes.
	hits, err := idx.Search(context.Background(), "the of a", ChannelQuery{})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestMemoryLexicalIndex_AppliesQueryFilters(t *testing.T) {
	base := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	mine := memRecord("mem-mine", "deploy failed", base)
	theirs := memRecord("mem-theirs", "deploy failed", base)
	theirs.UserID = "u2"
	stale := memRecord("mem-stale", "deploy failed", base.AddDate(0, 0, -30))

	idx := NewMemoryLexicalIndex(nil)
	require.NoError(t, idx.Add(mine, theirs, stale))

	hits, err := idx.Search(context.Background(), "deploy", ChannelQuery{
		OwnerID: "u1",
		Since:   base.AddDate(0, 0, -7),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"mem-mine"}, candidateIDs(hits))
}

func TestMemoryLexicalIndex_LimitTruncates(t *testing.T) {
	base := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	idx := NewMemoryLexicalIndex(nil)
	require.NoError(t, idx.Add(
		memRecord("mem-1", "deploy failed", base.Add(3*time.Hour)),
		memRecord("mem-2", "deploy failed", base.Add(2*time.Hour)),
		memRecord("mem-3", "deploy failed", base.Add(1*time.Hour)),
	))

	hits, err := idx.Search(context.Background(), "deploy failed", ChannelQuery{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"mem-1", "mem-2"}, candidateIDs(hits),
		"equal scores fall back to recency")
}

// candidateIDs projects hits onto their record ids, in order.
func candidateIDs(hits []Candidate) []string {
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.Record.ID
	}
	return ids
}
