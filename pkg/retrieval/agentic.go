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
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zhisenyang/EverMemOS/pkg/llm"
)

// Agentic retrieval defaults.
const (
	// DefaultWidenFactor multiplies the requested TopK for round-1
	// recall, since reranking narrows.
	DefaultWidenFactor = 2

	// MinWidenedTopK floors the widened per-round pull.
	MinWidenedTopK = 20

	// DefaultRerankCandidates is how many reranked results the
	// sufficiency judge sees.
	DefaultRerankCandidates = 5

	// DefaultMaxRefinedQueries caps the refined queries run in round 2.
	DefaultMaxRefinedQueries = 5

	// MaxRounds is the hard bound on retrieval rounds.
	MaxRounds = 2

	// Completion budgets; verdicts and query lists are short.
	sufficiencyMaxTokens = 500
	refinementMaxTokens  = 300
)

// sufficiencySchema validates the judge's verdict before decoding.
var sufficiencySchema = map[string]interface{}{
	"type":     "object",
	"required": []string{"is_sufficient"},
	"properties": map[string]interface{}{
		"is_sufficient": map[string]interface{}{"type": "boolean"},
		"reasoning":     map[string]interface{}{"type": "string"},
		"refined_queries": map[string]interface{}{
			"type":  "array",
			"items": map[string]interface{}{"type": "string"},
		},
		"missing_information": map[string]interface{}{
			"type":  "array",
			"items": map[string]interface{}{"type": "string"},
		},
	},
}

// refinementSchema validates the fallback query-generation response.
var refinementSchema = map[string]interface{}{
	"type":     "object",
	"required": []string{"queries"},
	"properties": map[string]interface{}{
		"queries": map[string]interface{}{
			"type":  "array",
			"items": map[string]interface{}{"type": "string"},
		},
		"reasoning": map[string]interface{}{"type": "string"},
	},
}

// AgenticConfig configures an Orchestrator. Zero fields are replaced by
// the defaults.
type AgenticConfig struct {
	// WidenFactor multiplies the requested TopK for per-round recall.
	WidenFactor int

	// RerankCandidates is how many top reranked results the sufficiency
	// judge sees.
	RerankCandidates int

	// MaxRefinedQueries caps how many refined queries round 2 runs.
	MaxRefinedQueries int

	// RefineTemperature is the sampling temperature for query
	// generation. Defaults to llm.TemperatureRefine; the sufficiency
	// judgment always runs at llm.TemperatureJudgment.
	RefineTemperature float64

	// Reranker defaults to OverlapReranker.
	Reranker Reranker

	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// DefaultAgenticConfig returns the standard configuration.
func DefaultAgenticConfig() AgenticConfig {
	return AgenticConfig{
		WidenFactor:       DefaultWidenFactor,
		RerankCandidates:  DefaultRerankCandidates,
		MaxRefinedQueries: DefaultMaxRefinedQueries,
		RefineTemperature: llm.TemperatureRefine,
	}
}

// AgenticMeta describes how an agentic search executed.
type AgenticMeta struct {
	// FusionCalls counts engine searches across both rounds: 1 for
	// round 1 plus one per refined query.
	FusionCalls int `json:"fusion_calls"`

	// WidenedTopK is the per-round engine TopK.
	WidenedTopK int `json:"widened_top_k"`

	// Round1Count and Round2Count are raw result counts before merging.
	Round1Count int `json:"round1_count"`
	Round2Count int `json:"round2_count"`

	// Degraded reports whether any fusion call degraded to one channel.
	Degraded bool `json:"degraded"`

	ElapsedMS float64 `json:"elapsed_ms"`
}

// AgenticResult is one completed agentic search.
type AgenticResult struct {
	// Items are the final ranked results, truncated to the requested
	// TopK.
	Items []FusedItem `json:"items"`

	// Rounds is how many retrieval rounds ran (1 or 2).
	Rounds int `json:"rounds"`

	// Sufficient is the judge's round-1 verdict. A failed check records
	// true: retrieval fails open rather than spiraling on a broken
	// judge.
	Sufficient bool `json:"sufficient"`

	// Reasoning echoes the judge's rationale.
	Reasoning string `json:"reasoning,omitempty"`

	// RefinedQueries lists the round-2 queries actually run.
	RefinedQueries []string `json:"refined_queries,omitempty"`

	Meta AgenticMeta `json:"meta"`
}

// Orchestrator runs LLM-guided multi-round retrieval: a widened fusion
// search, a rerank against the raw query, a sufficiency judgment, and at
// most one refinement round of additional fusion searches. Bounded by
// MaxRounds rounds and 1+MaxRefinedQueries fusion calls. Safe for
// concurrent use.
type Orchestrator struct {
	engine   *Engine
	provider llm.Provider
	reranker Reranker
	config   AgenticConfig
	logger   *zap.Logger
}

// NewOrchestrator creates an orchestrator over the engine and provider.
func NewOrchestrator(engine *Engine, provider llm.Provider, config AgenticConfig) (*Orchestrator, error) {
	if engine == nil {
		return nil, fmt.Errorf("fusion engine is required")
	}
	if provider == nil {
		return nil, fmt.Errorf("llm provider is required")
	}
	if config.WidenFactor <= 0 {
		config.WidenFactor = DefaultWidenFactor
	}
	if config.RerankCandidates <= 0 {
		config.RerankCandidates = DefaultRerankCandidates
	}
	if config.MaxRefinedQueries <= 0 {
		config.MaxRefinedQueries = DefaultMaxRefinedQueries
	}
	if config.RefineTemperature == 0 {
		config.RefineTemperature = llm.TemperatureRefine
	}
	reranker := config.Reranker
	if reranker == nil {
		reranker = OverlapReranker{}
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		engine:   engine,
		provider: provider,
		reranker: reranker,
		config:   config,
		logger:   logger,
	}, nil
}

// Search runs the agentic loop for the query. Judge failures are treated
// as a sufficient verdict, refined-query failures shrink round 2 instead
// of failing it; only an unusable round 1 is an error.
func (o *Orchestrator) Search(ctx context.Context, query string, opts Options) (*AgenticResult, error) {
	start := time.Now()

	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("empty query")
	}
	topK := opts.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}

	widened := topK * o.config.WidenFactor
	if widened < MinWidenedTopK {
		widened = MinWidenedTopK
	}
	wideOpts := opts
	wideOpts.TopK = widened

	result := &AgenticResult{Rounds: 1, Meta: AgenticMeta{WidenedTopK: widened}}
	defer func() {
		result.Meta.ElapsedMS = float64(time.Since(start).Microseconds()) / 1000.0
	}()

	round1, err := o.engine.Search(ctx, query, wideOpts)
	if err != nil {
		return nil, fmt.Errorf("round 1 retrieval: %w", err)
	}
	result.Meta.FusionCalls++
	result.Meta.Round1Count = len(round1.Items)
	result.Meta.Degraded = round1.Meta.Degraded

	if len(round1.Items) == 0 {
		result.Reasoning = "round 1 returned no results"
		return result, nil
	}

	reranked := o.rerank(ctx, query, round1.Items)

	verdict, verr := o.judgeSufficiency(ctx, query, reranked)
	if verr != nil {
		o.logger.Warn("sufficiency check failed, treating results as sufficient",
			zap.String("query", query), zap.Error(verr))
		result.Sufficient = true
		result.Reasoning = fmt.Sprintf("sufficiency check failed: %v", verr)
		result.Items = finalize(reranked, topK)
		return result, nil
	}

	result.Sufficient = verdict.IsSufficient
	result.Reasoning = verdict.Reasoning
	if verdict.IsSufficient {
		result.Items = finalize(reranked, topK)
		return result, nil
	}

	refined := o.refinedQueries(ctx, query, reranked, verdict)
	if len(refined) == 0 {
		o.logger.Debug("no refined queries obtainable, keeping round-1 results",
			zap.String("query", query))
		result.Items = finalize(reranked, topK)
		return result, nil
	}
	result.RefinedQueries = refined
	result.Rounds = 2

	o.logger.Info("retrieval judged insufficient, running refinement round",
		zap.String("query", query),
		zap.Strings("refined_queries", refined))

	union := newItemUnion(round1.Items)
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, rq := range refined {
		rq := rq
		g.Go(func() error {
			r2, err := o.engine.Search(gctx, rq, wideOpts)

			mu.Lock()
			defer mu.Unlock()
			result.Meta.FusionCalls++
			if err != nil {
				o.logger.Warn("refined query failed",
					zap.String("refined_query", rq), zap.Error(err))
				return nil
			}
			result.Meta.Round2Count += len(r2.Items)
			result.Meta.Degraded = result.Meta.Degraded || r2.Meta.Degraded
			union.add(r2.Items)
			return nil
		})
	}
	_ = g.Wait()

	final := o.rerank(ctx, query, union.items())
	result.Items = finalize(final, topK)
	return result, nil
}

// rerank runs the configured reranker over the full set; failure keeps
// the incoming order.
func (o *Orchestrator) rerank(ctx context.Context, query string, items []FusedItem) []FusedItem {
	if len(items) == 0 {
		return items
	}
	out, err := o.reranker.Rerank(ctx, query, items, 0)
	if err != nil {
		o.logger.Warn("rerank failed, keeping retrieval order", zap.Error(err))
		return append([]FusedItem(nil), items...)
	}
	return out
}

type sufficiencyVerdict struct {
	IsSufficient   bool     `json:"is_sufficient"`
	Reasoning      string   `json:"reasoning"`
	RefinedQueries []string `json:"refined_queries"`
	MissingInfo    []string `json:"missing_information"`
}

// judgeSufficiency asks the provider whether the top reranked results
// answer the query.
func (o *Orchestrator) judgeSufficiency(ctx context.Context, query string, items []FusedItem) (*sufficiencyVerdict, error) {
	resp, err := o.provider.Complete(ctx, llm.Request{
		Prompt:      buildSufficiencyPrompt(query, items, o.config.RerankCandidates),
		Temperature: llm.TemperatureJudgment,
		MaxTokens:   sufficiencyMaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("sufficiency check: %w", err)
	}

	var verdict sufficiencyVerdict
	if err := llm.DecodeVerdict(resp.Content, sufficiencySchema, &verdict); err != nil {
		return nil, fmt.Errorf("sufficiency check: %w", err)
	}
	return &verdict, nil
}

// refinedQueries returns the round-2 queries: the judge's own refined
// queries when usable, otherwise one generation call asking for
// alternatives. Both paths drop empties, duplicates, and the original
// query, and cap at MaxRefinedQueries. Empty means round 2 cannot run.
func (o *Orchestrator) refinedQueries(ctx context.Context, query string, items []FusedItem, verdict *sufficiencyVerdict) []string {
	max := o.config.MaxRefinedQueries
	if refined := cleanQueries(verdict.RefinedQueries, query, max); len(refined) > 0 {
		return refined
	}

	resp, err := o.provider.Complete(ctx, llm.Request{
		Prompt:      buildRefinementPrompt(query, items, o.config.RerankCandidates, verdict.MissingInfo),
		Temperature: o.config.RefineTemperature,
		MaxTokens:   refinementMaxTokens,
	})
	if err != nil {
		o.logger.Warn("query refinement failed", zap.Error(err))
		return nil
	}

	var gen struct {
		Queries []string `json:"queries"`
	}
	if err := llm.DecodeVerdict(resp.Content, refinementSchema, &gen); err == nil {
		return cleanQueries(gen.Queries, query, max)
	}
	if _, jerr := llm.ExtractJSON(resp.Content); jerr != nil {
		// Prose responses still sometimes carry a usable list.
		return cleanQueries(llm.ParseQueryList(resp.Content, max), query, max)
	}
	return nil
}

// cleanQueries trims, drops empties, duplicates, and the original query
// (case-insensitive), and caps at max.
func cleanQueries(queries []string, original string, max int) []string {
	orig := strings.ToLower(strings.TrimSpace(original))
	seen := make(map[string]bool, len(queries))
	out := make([]string, 0, len(queries))
	for _, q := range queries {
		q = strings.TrimSpace(q)
		key := strings.ToLower(q)
		if q == "" || key == orig || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, q)
		if max > 0 && len(out) == max {
			break
		}
	}
	return out
}

// itemUnion merges result sets by record id, keeping the higher fused
// score per record.
type itemUnion map[string]FusedItem

func newItemUnion(items []FusedItem) itemUnion {
	u := make(itemUnion, len(items))
	u.add(items)
	return u
}

func (u itemUnion) add(items []FusedItem) {
	for _, it := range items {
		if prev, ok := u[it.Record.ID]; !ok || it.Score > prev.Score {
			u[it.Record.ID] = it
		}
	}
}

// items returns the union ordered by fused score with the engine's
// tie-breaks.
func (u itemUnion) items() []FusedItem {
	out := make([]FusedItem, 0, len(u))
	for _, it := range u {
		out = append(out, it)
	}
	sortItems(out)
	return out
}

// finalize truncates to topK and assigns final 1-based ranks.
func finalize(items []FusedItem, topK int) []FusedItem {
	if topK > 0 && len(items) > topK {
		items = items[:topK]
	}
	for i := range items {
		items[i].Rank = i + 1
	}
	return items
}
