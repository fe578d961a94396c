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
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhisenyang/EverMemOS/pkg/profile"
	"github.com/zhisenyang/EverMemOS/pkg/types"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize the profile store",
	Args:  cobra.NoArgs,
	Run:   runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) {
	store, err := config.openStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open profile store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()
	profiles, err := store.GetAll(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read profiles: %v\n", err)
		os.Exit(1)
	}

	userIDs := make([]string, 0, len(profiles))
	for id := range profiles {
		userIDs = append(userIDs, id)
	}
	sort.Strings(userIDs)

	totalAttrs := 0
	totalHistory := 0
	scenarios := make(map[types.Scenario]int)
	var newest time.Time
	for _, id := range userIDs {
		p := profiles[id]
		totalAttrs += len(p.Attributes)
		scenarios[p.Scenario]++
		if p.UpdatedAt.After(newest) {
			newest = p.UpdatedAt
		}

		records, err := store.GetHistory(ctx, id, 0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read history for %s: %v\n", id, err)
			os.Exit(1)
		}
		totalHistory += len(records)
	}

	fmt.Println("Profile store:")
	fmt.Printf("  Profiles:        %d\n", len(profiles))
	for _, scenario := range []types.Scenario{types.ScenarioGroupChat, types.ScenarioAssistant} {
		if n := scenarios[scenario]; n > 0 {
			fmt.Printf("    %-14s %d\n", scenario, n)
		}
	}
	fmt.Printf("  Attributes:      %d\n", totalAttrs)
	fmt.Printf("  History records: %d\n", totalHistory)
	if !newest.IsZero() {
		fmt.Printf("  Last update:     %s\n", newest.Format(time.RFC3339))
	}
}

// printStats prints a pipeline counter snapshot. Shared with ingest.
func printStats(w io.Writer, stats profile.Stats) {
	fmt.Fprintln(w, "\nPipeline stats:")
	fmt.Fprintf(w, "  Units seen:  %d\n", stats.UnitsSeen)
	fmt.Fprintf(w, "  High value:  %d\n", stats.HighValue)
	fmt.Fprintf(w, "  Rejected:    %d\n", stats.Rejected)
	fmt.Fprintf(w, "  Extractions: %d\n", stats.Extractions)
	fmt.Fprintf(w, "  Merges:      %d\n", stats.Merges)
	fmt.Fprintf(w, "  Conflicts:   %d\n", stats.Conflicts)
	fmt.Fprintf(w, "  Failures:    %d\n", stats.Failures)
}
