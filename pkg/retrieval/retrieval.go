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

// Package retrieval implements the memory retrieval subsystem: a fusion
// engine that merges a dense (embedding) channel and a lexical (BM25)
// channel via reciprocal rank fusion, in-memory reference indices for both
// channels, cross-encoder style reranking, and an agentic orchestrator
// that judges result sufficiency with an LLM and refines the query over a
// bounded second round.
package retrieval

import (
	"context"
	"fmt"
	"time"

	"github.com/zhisenyang/EverMemOS/pkg/types"
)

// Channel names as they appear in FusedItem.ChannelRanks and
// Meta.ChannelErrors.
const (
	ChannelDense   = "dense"
	ChannelLexical = "lexical"
)

// Candidate is one channel hit: a memory record with the channel's raw
// score (cosine similarity for dense, BM25 for lexical).
type Candidate struct {
	Record types.MemoryRecord
	Score  float64
}

// ChannelQuery carries the per-channel retrieval parameters. The engine
// builds it from search Options; channels apply it before scoring.
type ChannelQuery struct {
	// Limit bounds how many candidates the channel returns.
	Limit int

	// Types restricts results to the listed memory types. Empty means
	// all types.
	Types []types.MemoryType

	// OwnerID restricts to records of one user; GroupID to one group.
	// Empty means any.
	OwnerID string
	GroupID string

	// Scope restricts visibility. Empty means any scope.
	Scope types.Scope

	// Since excludes records older than it. Zero means no cutoff.
	Since time.Time

	// Radius is an inclusive cosine-similarity floor. Only dense
	// channels receive it; the engine never sends it to lexical ones.
	Radius *float64
}

// Match reports whether the record passes the query's metadata filters
// (type, owner, scope, time). Score filters such as Radius are applied by
// the channel after scoring.
func (q *ChannelQuery) Match(rec *types.MemoryRecord) bool {
	if len(q.Types) > 0 {
		ok := false
		for _, t := range q.Types {
			if rec.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if q.OwnerID != "" && rec.UserID != q.OwnerID {
		return false
	}
	if q.GroupID != "" && rec.GroupID != q.GroupID {
		return false
	}
	if q.Scope != "" && rec.Scope != q.Scope {
		return false
	}
	if !q.Since.IsZero() && rec.Timestamp.Before(q.Since) {
		return false
	}
	return true
}

// DenseChannel retrieves by embedding similarity. Implementations honor
// ChannelQuery.Radius as an inclusive similarity floor and must be safe
// for concurrent use.
type DenseChannel interface {
	Search(ctx context.Context, query string, q ChannelQuery) ([]Candidate, error)
}

// LexicalChannel retrieves by keyword match with channel-specific positive
// scores. Radius does not apply. Implementations must be safe for
// concurrent use.
type LexicalChannel interface {
	Search(ctx context.Context, query string, q ChannelQuery) ([]Candidate, error)
}

// ChannelError reports one channel's failed query. In rrf mode the engine
// degrades to the surviving channel and records the failure in
// Result.Meta; single-channel modes surface it as the search error.
type ChannelError struct {
	Channel string
	Err     error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("%s channel: %v", e.Channel, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }
