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
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zhisenyang/EverMemOS/pkg/types"
)

// Mode selects which channels a search uses.
type Mode string

const (
	// ModeEmbedding searches the dense channel only.
	ModeEmbedding Mode = "embedding"

	// ModeBM25 searches the lexical channel only.
	ModeBM25 Mode = "bm25"

	// ModeRRF searches both channels concurrently and merges them with
	// reciprocal rank fusion. Default.
	ModeRRF Mode = "rrf"
)

// ParseMode validates s and returns it as a Mode. Empty means ModeRRF.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(s)); m {
	case "":
		return ModeRRF, nil
	case ModeEmbedding, ModeBM25, ModeRRF:
		return m, nil
	default:
		return "", fmt.Errorf("unknown retrieval mode %q (want embedding, bm25, or rrf)", s)
	}
}

const (
	// DefaultTopK is the result count when Options.TopK is unset.
	DefaultTopK = 20

	// rrfK dampens the rank contribution in reciprocal rank fusion:
	// each channel adds 1/(rrfK+rank) per record.
	rrfK = 60
)

// Options parameterizes one search.
type Options struct {
	// Mode selects the channels. Empty means ModeRRF.
	Mode Mode

	// TopK bounds the result count. Defaults to DefaultTopK.
	TopK int

	// Types restricts results to the listed memory types.
	Types []types.MemoryType

	// OwnerID, GroupID, and Scope restrict by ownership and visibility.
	OwnerID string
	GroupID string
	Scope   types.Scope

	// TimeRangeDays excludes records older than that many days, applied
	// to both channels before scoring. Zero means no cutoff.
	TimeRangeDays int

	// Radius is an inclusive cosine-similarity floor for the dense
	// channel, applied before fusion. Nil disables it. Never applied to
	// the lexical channel.
	Radius *float64
}

// FusedItem is one ranked search result.
type FusedItem struct {
	// Record is the matched memory record.
	Record types.MemoryRecord `json:"record"`

	// Score is the fused score in rrf mode, or the channel's raw score
	// in single-channel modes.
	Score float64 `json:"score"`

	// Rank is the 1-based final position.
	Rank int `json:"rank"`

	// ChannelRanks records the 1-based rank the record held in each
	// channel that returned it.
	ChannelRanks map[string]int `json:"channel_ranks,omitempty"`
}

// Meta describes how a search executed.
type Meta struct {
	Mode          Mode              `json:"mode"`
	DenseCount    int               `json:"dense_count"`
	LexicalCount  int               `json:"lexical_count"`
	Degraded      bool              `json:"degraded"`
	ChannelErrors map[string]string `json:"channel_errors,omitempty"`
	ElapsedMS     float64           `json:"elapsed_ms"`
}

// Result is one completed search.
type Result struct {
	Items []FusedItem `json:"items"`
	Meta  Meta        `json:"meta"`
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	// Dense and Lexical are the retrieval channels. rrf mode requires
	// both; single-channel modes require theirs.
	Dense   DenseChannel
	Lexical LexicalChannel

	// ChannelLimit widens the per-channel candidate pull beyond TopK so
	// fusion ranks more than it keeps. Zero pulls exactly TopK.
	ChannelLimit int

	// Logger receives degradation diagnostics. Defaults to a nop logger.
	Logger *zap.Logger
}

// Engine merges the retrieval channels into one ranked result. The same
// inputs always produce the same ranking: candidates are ordered by score
// with recency and record-id tie-breaks before ranks are assigned. Safe
// for concurrent use.
type Engine struct {
	dense        DenseChannel
	lexical      LexicalChannel
	channelLimit int
	logger       *zap.Logger
}

// NewEngine creates a fusion engine over the configured channels.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Dense == nil && cfg.Lexical == nil {
		return nil, fmt.Errorf("at least one retrieval channel is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		dense:        cfg.Dense,
		lexical:      cfg.Lexical,
		channelLimit: cfg.ChannelLimit,
		logger:       logger,
	}, nil
}

// Search runs one query. Both channels are issued concurrently in rrf
// mode; a single failing channel degrades the search (recorded in
// Result.Meta), both failing is an error. Single-channel modes surface
// their channel's error directly.
func (e *Engine) Search(ctx context.Context, query string, opts Options) (*Result, error) {
	start := time.Now()

	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("empty query")
	}
	mode, err := ParseMode(string(opts.Mode))
	if err != nil {
		return nil, err
	}
	topK := opts.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}

	switch mode {
	case ModeEmbedding:
		if e.dense == nil {
			return nil, fmt.Errorf("embedding mode requires a dense channel")
		}
	case ModeBM25:
		if e.lexical == nil {
			return nil, fmt.Errorf("bm25 mode requires a lexical channel")
		}
	case ModeRRF:
		if e.dense == nil || e.lexical == nil {
			return nil, fmt.Errorf("rrf mode requires both channels")
		}
	}

	limit := topK
	if e.channelLimit > limit {
		limit = e.channelLimit
	}
	base := ChannelQuery{
		Limit:   limit,
		Types:   opts.Types,
		OwnerID: opts.OwnerID,
		GroupID: opts.GroupID,
		Scope:   opts.Scope,
	}
	if opts.TimeRangeDays > 0 {
		base.Since = time.Now().UTC().AddDate(0, 0, -opts.TimeRangeDays)
	}
	denseQ := base
	denseQ.Radius = opts.Radius
	lexQ := base

	wantDense := mode == ModeEmbedding || mode == ModeRRF
	wantLexical := mode == ModeBM25 || mode == ModeRRF

	var (
		denseHits, lexHits []Candidate
		denseErr, lexErr   error
	)
	// Collect per-channel errors instead of failing the group: in rrf
	// mode one channel's failure must not cancel the other.
	var g errgroup.Group
	if wantDense {
		g.Go(func() error {
			denseHits, denseErr = e.dense.Search(ctx, query, denseQ)
			return nil
		})
	}
	if wantLexical {
		g.Go(func() error {
			lexHits, lexErr = e.lexical.Search(ctx, query, lexQ)
			return nil
		})
	}
	_ = g.Wait()

	meta := Meta{Mode: mode}
	switch mode {
	case ModeEmbedding:
		if denseErr != nil {
			return nil, &ChannelError{Channel: ChannelDense, Err: denseErr}
		}
	case ModeBM25:
		if lexErr != nil {
			return nil, &ChannelError{Channel: ChannelLexical, Err: lexErr}
		}
	case ModeRRF:
		if denseErr != nil && lexErr != nil {
			return nil, fmt.Errorf("both retrieval channels failed: %w", errors.Join(
				&ChannelError{Channel: ChannelDense, Err: denseErr},
				&ChannelError{Channel: ChannelLexical, Err: lexErr},
			))
		}
		if denseErr != nil || lexErr != nil {
			meta.Degraded = true
			meta.ChannelErrors = make(map[string]string, 1)
			if denseErr != nil {
				meta.ChannelErrors[ChannelDense] = denseErr.Error()
				e.logger.Warn("dense channel failed, fusing lexical only",
					zap.String("query", query), zap.Error(denseErr))
			}
			if lexErr != nil {
				meta.ChannelErrors[ChannelLexical] = lexErr.Error()
				e.logger.Warn("lexical channel failed, fusing dense only",
					zap.String("query", query), zap.Error(lexErr))
			}
		}
	}

	// Channels are expected to filter and order themselves; re-applying
	// the query here keeps fusion correct with channels that cannot.
	denseHits = prepareCandidates(denseHits, denseQ)
	lexHits = prepareCandidates(lexHits, lexQ)
	meta.DenseCount = len(denseHits)
	meta.LexicalCount = len(lexHits)

	var items []FusedItem
	switch mode {
	case ModeEmbedding:
		items = channelItems(ChannelDense, denseHits)
	case ModeBM25:
		items = channelItems(ChannelLexical, lexHits)
	case ModeRRF:
		items = fuse(denseHits, lexHits)
	}

	sortItems(items)
	if len(items) > topK {
		items = items[:topK]
	}
	for i := range items {
		items[i].Rank = i + 1
	}

	meta.ElapsedMS = float64(time.Since(start).Microseconds()) / 1000.0
	return &Result{Items: items, Meta: meta}, nil
}

// prepareCandidates re-applies the query's filters, orders the hits
// deterministically, and truncates to Limit.
func prepareCandidates(hits []Candidate, q ChannelQuery) []Candidate {
	kept := hits[:0]
	for _, c := range hits {
		if !q.Match(&c.Record) {
			continue
		}
		if q.Radius != nil && c.Score < *q.Radius {
			continue
		}
		kept = append(kept, c)
	}
	sortCandidates(kept)
	if q.Limit > 0 && len(kept) > q.Limit {
		kept = kept[:q.Limit]
	}
	return kept
}

// fuse merges the two channel lists with reciprocal rank fusion: each
// channel contributes 1/(k+rank) per record, rank starting at 1; records
// missing from a channel contribute nothing for it.
func fuse(dense, lexical []Candidate) []FusedItem {
	byID := make(map[string]*FusedItem, len(dense)+len(lexical))
	order := make([]string, 0, len(dense)+len(lexical))

	add := func(channel string, hits []Candidate) {
		for i, c := range hits {
			rank := i + 1
			item, ok := byID[c.Record.ID]
			if !ok {
				item = &FusedItem{Record: c.Record, ChannelRanks: make(map[string]int, 2)}
				byID[c.Record.ID] = item
				order = append(order, c.Record.ID)
			}
			item.Score += 1.0 / float64(rrfK+rank)
			item.ChannelRanks[channel] = rank
		}
	}
	add(ChannelDense, dense)
	add(ChannelLexical, lexical)

	items := make([]FusedItem, 0, len(order))
	for _, id := range order {
		items = append(items, *byID[id])
	}
	return items
}

// channelItems converts one channel's candidates into result items,
// keeping the raw channel score.
func channelItems(channel string, hits []Candidate) []FusedItem {
	items := make([]FusedItem, len(hits))
	for i, c := range hits {
		items[i] = FusedItem{
			Record:       c.Record,
			Score:        c.Score,
			ChannelRanks: map[string]int{channel: i + 1},
		}
	}
	return items
}

// sortCandidates orders by score descending, ties broken by most recent
// timestamp, then record id.
func sortCandidates(hits []Candidate) {
	sort.Slice(hits, func(i, j int) bool {
		return lessRanked(hits[i].Score, hits[j].Score, &hits[i].Record, &hits[j].Record)
	})
}

// sortItems orders fused items the same way as sortCandidates.
func sortItems(items []FusedItem) {
	sort.Slice(items, func(i, j int) bool {
		return lessRanked(items[i].Score, items[j].Score, &items[i].Record, &items[j].Record)
	})
}

func lessRanked(si, sj float64, ri, rj *types.MemoryRecord) bool {
	if si != sj {
		return si > sj
	}
	if !ri.Timestamp.Equal(rj.Timestamp) {
		return ri.Timestamp.After(rj.Timestamp)
	}
	return ri.ID < rj.ID
}
