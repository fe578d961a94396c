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
	"fmt"
	"hash/fnv"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/zhisenyang/EverMemOS/pkg/types"
)

// Embedder turns text into a dense vector. Implementations must be safe
// for concurrent use. The memory core treats the embedding model as a
// black box; this is its whole contract.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// DefaultEmbeddingDims is the HashingEmbedder vector width.
const DefaultEmbeddingDims = 256

// HashingEmbedder is a deterministic feature-hashing embedder: every token
// hashes to one dimension with a hash-derived sign, and the vector is
// L2-normalized. It carries no semantics; it exists so the reference
// vector index and the CLI work without an embedding service.
type HashingEmbedder struct {
	dims int
}

// NewHashingEmbedder creates an embedder of the given width. dims <= 0
// means DefaultEmbeddingDims.
func NewHashingEmbedder(dims int) *HashingEmbedder {
	if dims <= 0 {
		dims = DefaultEmbeddingDims
	}
	return &HashingEmbedder{dims: dims}
}

// Embed implements Embedder. It never fails.
func (h *HashingEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	vec := make([]float64, h.dims)
	for _, tok := range Tokenize(text) {
		hash := fnv.New64a()
		_, _ = hash.Write([]byte(tok))
		sum := hash.Sum64()

		sign := 1.0
		if sum>>63 == 1 {
			sign = -1.0
		}
		vec[sum%uint64(h.dims)] += sign
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec, nil
}

// MemoryVectorIndex is the in-memory reference dense channel: records are
// embedded on Add and searched by cosine similarity. Safe for concurrent
// use.
type MemoryVectorIndex struct {
	embedder Embedder
	logger   *zap.Logger

	mu      sync.RWMutex
	entries map[string]vectorEntry
}

type vectorEntry struct {
	record types.MemoryRecord
	vector []float64
}

// NewMemoryVectorIndex creates an empty index over the embedder.
func NewMemoryVectorIndex(embedder Embedder, logger *zap.Logger) (*MemoryVectorIndex, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryVectorIndex{
		embedder: embedder,
		logger:   logger,
		entries:  make(map[string]vectorEntry),
	}, nil
}

// Add embeds and indexes the records, replacing any prior record with the
// same id.
func (idx *MemoryVectorIndex) Add(ctx context.Context, records ...types.MemoryRecord) error {
	entries := make([]vectorEntry, 0, len(records))
	for _, rec := range records {
		if rec.ID == "" {
			return fmt.Errorf("memory record without id")
		}
		vec, err := idx.embedder.Embed(ctx, rec.Content)
		if err != nil {
			return fmt.Errorf("embed record %s: %w", rec.ID, err)
		}
		entries = append(entries, vectorEntry{record: rec, vector: vec})
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, entry := range entries {
		idx.entries[entry.record.ID] = entry
	}
	return nil
}

// Len returns the number of indexed records.
func (idx *MemoryVectorIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// Search implements DenseChannel. Radius is applied as an inclusive
// similarity floor before ranking.
func (idx *MemoryVectorIndex) Search(ctx context.Context, query string, q ChannelQuery) ([]Candidate, error) {
	qvec, err := idx.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	hits := make([]Candidate, 0, len(idx.entries))
	for _, entry := range idx.entries {
		if !q.Match(&entry.record) {
			continue
		}
		sim := cosineSimilarity(qvec, entry.vector)
		if q.Radius != nil && sim < *q.Radius {
			continue
		}
		hits = append(hits, Candidate{Record: entry.record, Score: sim})
	}

	sortCandidates(hits)
	if q.Limit > 0 && len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}
	return hits, nil
}

// cosineSimilarity returns the cosine of the angle between a and b, or 0
// when either has zero norm or the dimensions differ.
func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
