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
	"github.com/zhisenyang/EverMemOS/pkg/cluster"
	"github.com/zhisenyang/EverMemOS/pkg/profile"
	"github.com/zhisenyang/EverMemOS/pkg/types"
)

var (
	ingestScenario string
	ingestBatch    int
	ingestProvider string
	ingestModel    string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <units.jsonl>",
	Short: "Replay clustered conversation units through the profile pipeline",
	Long: heredoc.Doc(`
		Replay a JSONL file of clustered conversation units through the
		profile pipeline: each unit is judged for long-term value, high-value
		units are extracted, and the resulting attribute deltas are merged
		into the participants' stored profiles.

		Each line is one conversation unit plus its cluster assignment:

		  {"id": "u-1", "conversation_id": "conv-1", "cluster_id": "c-7",
		   "scenario": "assistant", "user_ids": ["alice"],
		   "turns": [{"speaker": "alice", "content": "I took up bouldering"}],
		   "timestamp": "2026-02-10T12:00:00Z"}

		Missing unit ids are minted; a missing cluster_id falls back to the
		conversation id. With --batch units are processed in concurrent
		groups instead of streaming through the feed one at a time.
	`),
	Args: cobra.ExactArgs(1),
	Run:  runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)

	ingestCmd.Flags().StringVar(&ingestScenario, "scenario", "", "scenario for units that carry none (group_chat, assistant)")
	ingestCmd.Flags().IntVar(&ingestBatch, "batch", 0, "process units in concurrent groups of this size (0 streams one at a time)")
	ingestCmd.Flags().StringVar(&ingestProvider, "provider", "", "LLM provider override (anthropic, bedrock)")
	ingestCmd.Flags().StringVar(&ingestModel, "model", "", "model identifier override")
}

// ingestLine is one units.jsonl entry: a conversation unit with the
// cluster assignment the clustering collaborator reported for it.
type ingestLine struct {
	types.ConversationUnit
	ClusterID string `json:"cluster_id"`
}

// readUnitEvents parses a JSONL stream into unit events. Malformed lines
// are reported and skipped so one bad record never aborts a replay.
func readUnitEvents(r io.Reader, scenario types.Scenario) ([]cluster.UnitEvent, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var events []cluster.UnitEvent
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		var line ingestLine
		if err := json.Unmarshal([]byte(text), &line); err != nil {
			fmt.Fprintf(os.Stderr, "Skipping line %d: %v\n", lineNo, err)
			continue
		}
		if line.ID == "" {
			line.ID = uuid.NewString()
		}
		if line.Scenario == "" {
			line.Scenario = scenario
		}
		if line.ClusterID == "" {
			line.ClusterID = line.ConversationID
		}
		if line.ClusterID == "" {
			line.ClusterID = uuid.NewString()
		}

		events = append(events, cluster.UnitEvent{
			Unit:      line.ConversationUnit,
			ClusterID: line.ClusterID,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read units: %w", err)
	}
	return events, nil
}

// ingestPrinter drives the manager from feed deliveries and prints each
// unit's outcome as it lands.
type ingestPrinter struct {
	manager *profile.Manager
	out     io.Writer
	index   int
}

func (p *ingestPrinter) OnUnitClustered(ctx context.Context, event cluster.UnitEvent) error {
	result := p.manager.Process(ctx, event)
	p.index++
	printUnitResult(p.out, p.index, result)
	return ctx.Err()
}

func runIngest(cmd *cobra.Command, args []string) {
	path := args[0]

	var scenario types.Scenario
	if ingestScenario != "" {
		var err error
		if scenario, err = types.ParseScenario(ingestScenario); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
	}

	f, err := os.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open %s: %v\n", path, err)
		os.Exit(1)
	}
	defer f.Close()

	events, err := readUnitEvents(f, scenario)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read %s: %v\n", path, err)
		os.Exit(1)
	}
	if len(events) == 0 {
		fmt.Println("No units to ingest")
		return
	}

	provider, err := config.buildProvider(ingestProvider, ingestModel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create LLM provider: %v\n", err)
		os.Exit(1)
	}

	store, err := config.openStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open profile store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	mcfg := config.managerConfig()
	if ingestBatch > 0 {
		mcfg.BatchSize = ingestBatch
	}
	manager, err := profile.NewManager(provider, store, mcfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create profile manager: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Ingesting %d units from %s (provider %s, model %s)\n\n",
		len(events), path, provider.Name(), provider.Model())

	if ingestBatch > 0 {
		results := manager.ProcessBatch(ctx, events)
		for i, res := range results {
			printUnitResult(os.Stdout, i+1, res)
		}
	} else {
		feed := cluster.NewFeed(log.Logger())
		subID := feed.Attach(&ingestPrinter{manager: manager, out: os.Stdout})
		defer feed.Detach(subID)

		for _, event := range events {
			if ctx.Err() != nil {
				fmt.Fprintln(os.Stderr, "\nInterrupted")
				break
			}
			feed.Emit(ctx, event)
		}
	}

	printStats(os.Stdout, manager.Stats())
}

// printUnitResult prints one unit's pipeline outcome.
func printUnitResult(w io.Writer, index int, res profile.UnitResult) {
	fmt.Fprintf(w, "[%3d] %-16s %-14s high_value=%-5t confidence=%.2f",
		index, res.UnitID, res.State, res.IsHighValue, res.Confidence)
	if len(res.UpdatedUserIDs) > 0 {
		fmt.Fprintf(w, "  updated=%s", strings.Join(res.UpdatedUserIDs, ","))
	}
	if res.Err != nil {
		fmt.Fprintf(w, "  error=%v", res.Err)
	}
	fmt.Fprintln(w)
}
