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
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MakeNowJust/heredoc"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/zhisenyang/EverMemOS/internal/log"
	"github.com/zhisenyang/EverMemOS/pkg/retrieval"
	"github.com/zhisenyang/EverMemOS/pkg/types"
)

var (
	searchCorpus  string
	searchMode    string
	searchTopK    int
	searchDays    int
	searchRadius  float64
	searchAgentic bool
	searchUser    string
	searchTypes   []string

	searchProvider string
	searchModel    string
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search a memory corpus with fused retrieval",
	Long: heredoc.Doc(`
		Index a JSONL memory corpus and search it. rrf mode (the default)
		runs the dense and lexical channels concurrently and fuses them with
		reciprocal rank fusion; embedding and bm25 run a single channel.

		Each corpus line is one memory record:

		  {"id": "m-1", "type": "episode", "user_id": "alice",
		   "scope": "personal", "content": "Alice took up bouldering",
		   "timestamp": "2026-02-10T12:00:00Z"}

		With --agentic the search runs LLM-guided rounds: a widened fused
		search, a rerank, a sufficiency judgment, and at most one refinement
		round of additional queries.
	`),
	Args: cobra.ExactArgs(1),
	Run:  runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)

	searchCmd.Flags().StringVar(&searchCorpus, "corpus", "memories.jsonl", "JSONL memory corpus to index")
	searchCmd.Flags().StringVar(&searchMode, "mode", "rrf", "retrieval mode (embedding, bm25, rrf)")
	searchCmd.Flags().IntVar(&searchTopK, "top-k", retrieval.DefaultTopK, "number of results to return")
	searchCmd.Flags().IntVar(&searchDays, "days", 0, "exclude records older than this many days (0 keeps all)")
	searchCmd.Flags().Float64Var(&searchRadius, "radius", 0, "cosine-similarity floor for the dense channel")
	searchCmd.Flags().BoolVar(&searchAgentic, "agentic", false, "run LLM-guided multi-round retrieval")
	searchCmd.Flags().StringVar(&searchUser, "user", "", "restrict to one user's records")
	searchCmd.Flags().StringSliceVar(&searchTypes, "type", nil, "restrict to memory types (episode, event_log, foresight, profile)")
	searchCmd.Flags().StringVar(&searchProvider, "provider", "", "LLM provider override for --agentic (anthropic, bedrock)")
	searchCmd.Flags().StringVar(&searchModel, "model", "", "model identifier override for --agentic")
}

func runSearch(cmd *cobra.Command, args []string) {
	query := args[0]

	mode, err := retrieval.ParseMode(searchMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	var memTypes []types.MemoryType
	for _, raw := range searchTypes {
		t := types.MemoryType(strings.ToLower(strings.TrimSpace(raw)))
		if !t.Valid() {
			fmt.Fprintf(os.Stderr, "Unknown memory type %q\n", raw)
			os.Exit(1)
		}
		memTypes = append(memTypes, t)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vectors, lexical, count, err := loadCorpus(ctx, searchCorpus, config.Retrieval.EmbeddingDims)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to index corpus: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Indexed %d memories from %s\n\n", count, searchCorpus)

	engine, err := retrieval.NewEngine(retrieval.EngineConfig{
		Dense:        vectors,
		Lexical:      lexical,
		ChannelLimit: config.Retrieval.ChannelLimit,
		Logger:       log.Logger(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create retrieval engine: %v\n", err)
		os.Exit(1)
	}

	opts := retrieval.Options{
		Mode:          mode,
		TopK:          searchTopK,
		Types:         memTypes,
		OwnerID:       searchUser,
		TimeRangeDays: searchDays,
	}
	if cmd.Flags().Changed("radius") {
		opts.Radius = &searchRadius
	}

	if searchAgentic {
		runAgenticSearch(ctx, engine, query, opts)
		return
	}

	result, err := engine.Search(ctx, query, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Search failed: %v\n", err)
		os.Exit(1)
	}

	printFusedItems(os.Stdout, result.Items)
	fmt.Printf("\nMode %s: %d dense, %d lexical, %.1fms",
		result.Meta.Mode, result.Meta.DenseCount, result.Meta.LexicalCount, result.Meta.ElapsedMS)
	if result.Meta.Degraded {
		fmt.Printf("  DEGRADED: %v", result.Meta.ChannelErrors)
	}
	fmt.Println()
}

func runAgenticSearch(ctx context.Context, engine *retrieval.Engine, query string, opts retrieval.Options) {
	provider, err := config.buildProvider(searchProvider, searchModel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create LLM provider: %v\n", err)
		os.Exit(1)
	}

	acfg := retrieval.DefaultAgenticConfig()
	acfg.Logger = log.Logger()
	if config.Retrieval.RerankEndpoint != "" {
		reranker, err := retrieval.NewCrossEncoderReranker(retrieval.CrossEncoderConfig{
			Endpoint: config.Retrieval.RerankEndpoint,
			Model:    config.Retrieval.RerankModel,
			APIKey:   config.Retrieval.RerankAPIKey,
			Logger:   log.Logger(),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create reranker: %v\n", err)
			os.Exit(1)
		}
		acfg.Reranker = reranker
	}

	orch, err := retrieval.NewOrchestrator(engine, provider, acfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create orchestrator: %v\n", err)
		os.Exit(1)
	}

	result, err := orch.Search(ctx, query, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Search failed: %v\n", err)
		os.Exit(1)
	}

	printFusedItems(os.Stdout, result.Items)
	fmt.Printf("\nRounds: %d sufficient=%t", result.Rounds, result.Sufficient)
	if result.Reasoning != "" {
		fmt.Printf(" (%s)", result.Reasoning)
	}
	fmt.Println()
	if len(result.RefinedQueries) > 0 {
		fmt.Println("Refined queries:")
		for _, q := range result.RefinedQueries {
			fmt.Printf("  - %s\n", q)
		}
	}
	fmt.Printf("Fusion calls: %d, widened top-k %d, %.1fms\n",
		result.Meta.FusionCalls, result.Meta.WidenedTopK, result.Meta.ElapsedMS)
}

// loadCorpus indexes a JSONL memory corpus into both retrieval channels.
func loadCorpus(ctx context.Context, path string, dims int) (*retrieval.MemoryVectorIndex, *retrieval.MemoryLexicalIndex, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, 0, err
	}
	defer f.Close()

	vectors, err := retrieval.NewMemoryVectorIndex(retrieval.NewHashingEmbedder(dims), log.Logger())
	if err != nil {
		return nil, nil, 0, err
	}
	lexical := retrieval.NewMemoryLexicalIndex(log.Logger())

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	count := 0
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		var rec types.MemoryRecord
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return nil, nil, 0, fmt.Errorf("index line %d: %w", lineNo, err)
		}
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		if err := vectors.Add(ctx, rec); err != nil {
			return nil, nil, 0, fmt.Errorf("index line %d: %w", lineNo, err)
		}
		if err := lexical.Add(rec); err != nil {
			return nil, nil, 0, fmt.Errorf("index line %d: %w", lineNo, err)
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, 0, fmt.Errorf("read corpus: %w", err)
	}
	return vectors, lexical, count, nil
}

// printFusedItems prints the ranked results, one per line.
func printFusedItems(w io.Writer, items []retrieval.FusedItem) {
	if len(items) == 0 {
		fmt.Fprintln(w, "No results")
		return
	}
	for _, item := range items {
		rec := item.Record
		fmt.Fprintf(w, "%3d. [%.4f] %-10s %-9s %s  %s\n",
			item.Rank, item.Score, rec.ID, rec.Type,
			rec.Timestamp.Format("2006-01-02"), snippet(rec.Content, 72))
	}
}

// snippet collapses whitespace and truncates s to max runes.
func snippet(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}
