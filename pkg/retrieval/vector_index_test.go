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
)

func TestHashingEmbedder_DeterministicUnitVectors(t *testing.T) {
	emb := NewHashingEmbedder(0)

	a1, err := emb.Embed(context.Background(), "kubernetes deploy failed")
	require.NoError(t, err)
	a2, err := emb.Embed(context.Background(), "kubernetes deploy failed")
	require.NoError(t, err)
	b, err := emb.Embed(context.Background(), "lunch plans tomorrow")
	require.NoError(t, err)

	assert.Len(t, a1, DefaultEmbeddingDims)
	assert.Equal(t, a1, a2, "the same text must embed identically")
	assert.NotEqual(t, a1, b)

	var norm float64
	for _, v := range a1 {
		norm += v * v
	}
	assert.InDelta(t, 1.0, norm, 1e-9, "non-empty embeddings are L2-normalized")

	narrow := NewHashingEmbedder(64)
	vec, err := narrow.Embed(context.Background(), "kubernetes")
	require.NoError(t, err)
	assert.Len(t, vec, 64)

	empty, err := emb.Embed(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, empty, DefaultEmbeddingDims)
	assert.InDelta(t, 0.0, cosineSimilarity(empty, a1), 1e-12,
		"zero vectors have no direction")
}

func TestHashingEmbedder_SharedTokensRaiseSimilarity(t *testing.T) {
	emb := NewHashingEmbedder(0)
	ctx := context.Background()

	query, err := emb.Embed(ctx, "kubernetes deploy failed")
	require.NoError(t, err)
	similar, err := emb.Embed(ctx, "kubernetes deploy crashed")
	require.NoError(t, err)
	unrelated, err := emb.Embed(ctx, "lunch plans tomorrow")
	require.NoError(t, err)

	assert.Greater(t, cosineSimilarity(query, similar), cosineSimilarity(query, unrelated))
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float64{1, 0}, []float64{2, 0}), 1e-12)
	assert.InDelta(t, 0.0, cosineSimilarity([]float64{1, 0}, []float64{0, 3}), 1e-12)
	assert.InDelta(t, -1.0, cosineSimilarity([]float64{1, 0}, []float64{-1, 0}), 1e-12)
	assert.Zero(t, cosineSimilarity([]float64{1, 0}, []float64{1}), "dimension mismatch scores zero")
	assert.Zero(t, cosineSimilarity([]float64{0, 0}, []float64{1, 0}), "zero norm scores zero")
}

func TestMemoryVectorIndex_ExactContentRanksFirst(t *testing.T) {
	base := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	idx, err := NewMemoryVectorIndex(NewHashingEmbedder(0), nil)
	require.NoError(t, err)
	require.NoError(t, idx.Add(context.Background(),
		memRecord("mem-a", "kubernetes deploy failed", base),
		memRecord("mem-b", "kubernetes cluster upgraded", base),
		memRecord("mem-c", "lunch plans tomorrow", base),
	))
	assert.Equal(t, 3, idx.Len())

	hits, err := idx.Search(context.Background(), "kubernetes deploy failed", ChannelQuery{})
	require.NoError(t, err)

	require.NotEmpty(t, hits)
	assert.Equal(t, "mem-a", hits[0].Record.ID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-9,
		"identical token content embeds to the same vector")
}

func TestMemoryVectorIndex_RadiusIsInclusiveFloor(t *testing.T) {
	base := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	idx, err := NewMemoryVectorIndex(NewHashingEmbedder(0), nil)
	require.NoError(t, err)
	require.NoError(t, idx.Add(context.Background(),
		memRecord("mem-exact", "kubernetes deploy failed", base),
		memRecord("mem-near", "kubernetes deploy crashed", base),
		memRecord("mem-far", "lunch plans tomorrow", base),
	))

	hits, err := idx.Search(context.Background(), "kubernetes deploy failed",
		ChannelQuery{Radius: floatPtr(0.99)})
	require.NoError(t, err)
	assert.Equal(t, []string{"mem-exact"}, candidateIDs(hits))

	hits, err = idx.Search(context.Background(), "kubernetes deploy failed",
		ChannelQuery{Radius: floatPtr(0.0)})
	require.NoError(t, err)
	assert.Contains(t, candidateIDs(hits), "mem-near",
		"records at or above the floor stay in")
}

func TestMemoryVectorIndex_UpsertReplacesVector(t *testing.T) {
	base := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	idx, err := NewMemoryVectorIndex(NewHashingEmbedder(0), nil)
	require.NoError(t, err)
	require.NoError(t, idx.Add(context.Background(), memRecord("mem-1", "alpha beta", base)))
	require.NoError(t, idx.Add(context.Background(), memRecord("mem-1", "gamma delta", base)))

	assert.Equal(t, 1, idx.Len())

	hits, err := idx.Search(context.Background(), "gamma delta", ChannelQuery{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-9)
}

func TestMemoryVectorIndex_AppliesQueryFilters(t *testing.T) {
	base := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	mine := memRecord("mem-mine", "deploy failed", base)
	theirs := memRecord("mem-theirs", "deploy failed", base)
	theirs.UserID = "u2"

	idx, err := NewMemoryVectorIndex(NewHashingEmbedder(0), nil)
	require.NoError(t, err)
	require.NoError(t, idx.Add(context.Background(), mine, theirs))

	hits, err := idx.Search(context.Background(), "deploy failed", ChannelQuery{OwnerID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"mem-mine"}, candidateIDs(hits))
}

func TestMemoryVectorIndex_RequiresEmbedder(t *testing.T) {
	_, err := NewMemoryVectorIndex(nil, nil)
	assert.ErrorContains(t, err, "embedder is required")
}

func TestMemoryVectorIndex_RejectsMissingID(t *testing.T) {
	idx, err := NewMemoryVectorIndex(NewHashingEmbedder(0), nil)
	require.NoError(t, err)
	err = idx.Add(context.Background(), memRecord("", "content", time.Now()))
	assert.ErrorContains(t, err, "without id")
}

func TestMemoryVectorIndex_EmbedderFailures(t *testing.T) {
	idx, err := NewMemoryVectorIndex(&failEmbedder{err: errors.New("model offline")}, nil)
	require.NoError(t, err)

	err = idx.Add(context.Background(), memRecord("mem-1", "content", time.Now()))
	assert.ErrorContains(t, err, "embed record mem-1")

	_, err = idx.Search(context.Background(), "query", ChannelQuery{})
	assert.ErrorContains(t, err, "embed query")
}

type failEmbedder struct{ err error }

func (f *failEmbedder) Embed(context.Context, string) ([]float64, error) {
	return nil, f.err
}
