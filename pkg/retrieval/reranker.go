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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Reranker reorders search results by relevance to the query. It returns
// a new slice ordered most relevant first, truncated to topK when
// topK > 0, with each item's fused Score left untouched. Implementations
// must not mutate the input.
type Reranker interface {
	Rerank(ctx context.Context, query string, items []FusedItem, topK int) ([]FusedItem, error)
}

// Overlap weights: the retrieval score keeps most of the say, token
// overlap with the query nudges lexically matching records up.
const (
	overlapScoreWeight   = 0.7
	overlapOverlapWeight = 0.3
)

// OverlapReranker is the deterministic local reranker: it blends each
// item's retrieval score, normalized against the best in the set, with
// the fraction of query terms the record contains. The default when no
// cross-encoder service is configured, and what tests use.
type OverlapReranker struct{}

// Rerank implements Reranker. It never fails; equal keys keep their
// incoming order.
func (OverlapReranker) Rerank(_ context.Context, query string, items []FusedItem, topK int) ([]FusedItem, error) {
	if len(items) == 0 {
		return nil, nil
	}

	queryTerms := termSet(Tokenize(query))

	var maxScore float64
	for _, it := range items {
		if it.Score > maxScore {
			maxScore = it.Score
		}
	}

	keys := make([]float64, len(items))
	for i, it := range items {
		var rel float64
		if maxScore > 0 {
			rel = it.Score / maxScore
		}
		keys[i] = rel*overlapScoreWeight + tokenOverlap(queryTerms, it.Record.Content)*overlapOverlapWeight
	}
	return orderByKeys(items, keys, topK), nil
}

// Cross-encoder defaults.
const (
	DefaultRerankModel   = "BAAI/bge-reranker-v2-m3"
	DefaultRerankTimeout = 30 * time.Second
)

// CrossEncoderConfig configures a CrossEncoderReranker.
type CrossEncoderConfig struct {
	// Endpoint is the scoring service URL. Required.
	Endpoint string

	// Model names the cross-encoder model, sent with every request.
	// Defaults to DefaultRerankModel.
	Model string

	// APIKey is sent as a bearer token when set.
	APIKey string

	// Timeout bounds each scoring call. Defaults to
	// DefaultRerankTimeout.
	Timeout time.Duration

	// HTTPClient overrides the default client.
	HTTPClient *http.Client

	// Logger receives fallback diagnostics. Defaults to a nop logger.
	Logger *zap.Logger
}

// CrossEncoderReranker scores query/document pairs against an HTTP
// cross-encoder service: POST {model, query, documents}, response
// {scores} positionally aligned with documents. A failed or malformed
// call falls back to OverlapReranker, so reranking is total.
type CrossEncoderReranker struct {
	endpoint string
	model    string
	apiKey   string
	client   *http.Client
	logger   *zap.Logger
	fallback OverlapReranker
}

// NewCrossEncoderReranker creates a reranker against the configured
// service.
func NewCrossEncoderReranker(cfg CrossEncoderConfig) (*CrossEncoderReranker, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("cross-encoder endpoint is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultRerankModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRerankTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CrossEncoderReranker{
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		apiKey:   cfg.APIKey,
		client:   client,
		logger:   logger,
	}, nil
}

// Rerank implements Reranker.
func (r *CrossEncoderReranker) Rerank(ctx context.Context, query string, items []FusedItem, topK int) ([]FusedItem, error) {
	if len(items) == 0 {
		return nil, nil
	}

	scores, err := r.score(ctx, query, items)
	if err != nil {
		r.logger.Warn("cross-encoder scoring failed, using overlap fallback", zap.Error(err))
		return r.fallback.Rerank(ctx, query, items, topK)
	}
	return orderByKeys(items, scores, topK), nil
}

// score sends one scoring call covering every document.
func (r *CrossEncoderReranker) score(ctx context.Context, query string, items []FusedItem) ([]float64, error) {
	documents := make([]string, len(items))
	for i, it := range items {
		documents[i] = it.Record.Content
	}

	body, err := json.Marshal(map[string]interface{}{
		"model":     r.model,
		"query":     query,
		"documents": documents,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("reranker returned status %d: %s", resp.StatusCode, payload)
	}

	var decoded struct {
		Scores []float64 `json:"scores"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode rerank response: %w", err)
	}
	if len(decoded.Scores) != len(items) {
		return nil, fmt.Errorf("reranker returned %d scores for %d documents", len(decoded.Scores), len(items))
	}
	return decoded.Scores, nil
}

// orderByKeys returns items reordered by their keys descending, stable on
// ties, truncated to topK when topK > 0.
func orderByKeys(items []FusedItem, keys []float64, topK int) []FusedItem {
	order := make([]int, len(items))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return keys[order[a]] > keys[order[b]]
	})

	out := make([]FusedItem, 0, len(items))
	for _, i := range order {
		out = append(out, items[i])
	}
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out
}

// tokenOverlap returns the fraction of query terms present in the text.
func tokenOverlap(queryTerms map[string]bool, text string) float64 {
	if len(queryTerms) == 0 {
		return 0
	}
	docTerms := termSet(Tokenize(text))
	overlap := 0
	for term := range queryTerms {
		if docTerms[term] {
			overlap++
		}
	}
	return float64(overlap) / float64(len(queryTerms))
}

func termSet(terms []string) map[string]bool {
	set := make(map[string]bool, len(terms))
	for _, t := range terms {
		set[t] = true
	}
	return set
}
