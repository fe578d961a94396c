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
	"math"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/zhisenyang/EverMemOS/pkg/types"
)

// Okapi BM25 parameters, with the non-negative (Lucene-style) idf.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// stopwords are excluded from both indexing and queries.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true,
	"at": true, "be": true, "but": true, "by": true, "for": true,
	"from": true, "has": true, "have": true, "he": true, "her": true,
	"his": true, "in": true, "is": true, "it": true, "its": true,
	"me": true, "my": true, "of": true, "on": true, "or": true,
	"our": true, "she": true, "so": true, "that": true, "the": true,
	"their": true, "them": true, "they": true, "this": true, "to": true,
	"was": true, "we": true, "were": true, "what": true, "when": true,
	"which": true, "who": true, "will": true, "with": true, "you": true,
	"your": true,
}

// Tokenize splits text into index terms: NFKC normalization, Unicode case
// folding, split on non-letter/digit runes, then single-rune tokens and
// stopwords dropped. Both channels' reference implementations and the
// overlap reranker share it.
func Tokenize(text string) []string {
	// cases.Caser is stateful, so fold with a fresh one per call.
	folded := cases.Fold().String(norm.NFKC.String(text))
	fields := strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})

	tokens := make([]string, 0, len(fields))
	for _, tok := range fields {
		if utf8.RuneCountInString(tok) < 2 || stopwords[tok] {
			continue
		}
		tokens = append(tokens, tok)
	}
	return tokens
}

// MemoryLexicalIndex is the in-memory reference lexical channel: an
// inverted index scored with Okapi BM25. Safe for concurrent use.
type MemoryLexicalIndex struct {
	logger *zap.Logger

	mu       sync.RWMutex
	docs     map[string]*lexicalDoc
	postings map[string]map[string]int // term -> record id -> term frequency
	totalLen int
}

type lexicalDoc struct {
	record types.MemoryRecord
	length int
}

// NewMemoryLexicalIndex creates an empty index.
func NewMemoryLexicalIndex(logger *zap.Logger) *MemoryLexicalIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryLexicalIndex{
		logger:   logger,
		docs:     make(map[string]*lexicalDoc),
		postings: make(map[string]map[string]int),
	}
}

// Add indexes the records, replacing any prior record with the same id.
func (idx *MemoryLexicalIndex) Add(records ...types.MemoryRecord) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for _, rec := range records {
		if rec.ID == "" {
			return fmt.Errorf("memory record without id")
		}
		idx.removeLocked(rec.ID)

		terms := Tokenize(rec.Content)
		idx.docs[rec.ID] = &lexicalDoc{record: rec, length: len(terms)}
		idx.totalLen += len(terms)
		for _, term := range terms {
			posting := idx.postings[term]
			if posting == nil {
				posting = make(map[string]int)
				idx.postings[term] = posting
			}
			posting[rec.ID]++
		}
	}
	return nil
}

// removeLocked unindexes one record. Caller holds the write lock.
func (idx *MemoryLexicalIndex) removeLocked(id string) {
	doc, ok := idx.docs[id]
	if !ok {
		return
	}
	delete(idx.docs, id)
	idx.totalLen -= doc.length
	for _, term := range Tokenize(doc.record.Content) {
		posting := idx.postings[term]
		delete(posting, id)
		if len(posting) == 0 {
			delete(idx.postings, term)
		}
	}
}

// Len returns the number of indexed records.
func (idx *MemoryLexicalIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.docs)
}

// Search implements LexicalChannel.
func (idx *MemoryLexicalIndex) Search(_ context.Context, query string, q ChannelQuery) ([]Candidate, error) {
	terms := Tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	n := len(idx.docs)
	if n == 0 {
		return nil, nil
	}
	avgLen := float64(idx.totalLen) / float64(n)
	if avgLen == 0 {
		avgLen = 1
	}

	scores := make(map[string]float64)
	for _, term := range terms {
		posting := idx.postings[term]
		if len(posting) == 0 {
			continue
		}
		df := float64(len(posting))
		idf := math.Log(1 + (float64(n)-df+0.5)/(df+0.5))
		for id, tf := range posting {
			doc := idx.docs[id]
			lengthNorm := bm25K1 * (1 - bm25B + bm25B*float64(doc.length)/avgLen)
			scores[id] += idf * float64(tf) * (bm25K1 + 1) / (float64(tf) + lengthNorm)
		}
	}

	hits := make([]Candidate, 0, len(scores))
	for id, score := range scores {
		doc := idx.docs[id]
		if !q.Match(&doc.record) {
			continue
		}
		hits = append(hits, Candidate{Record: doc.record, Score: score})
	}

	sortCandidates(hits)
	if q.Limit > 0 && len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}
	return hits, nil
}
