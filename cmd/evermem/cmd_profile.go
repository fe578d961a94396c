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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/MakeNowJust/heredoc"
	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/spf13/cobra"

	"github.com/zhisenyang/EverMemOS/pkg/storage"
	"github.com/zhisenyang/EverMemOS/pkg/types"
)

var (
	profileJSONOut bool
	historyLimit   int
	historyDiff    bool
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Inspect stored user profiles",
}

var profileGetCmd = &cobra.Command{
	Use:   "get <user-id>",
	Short: "Print one user's profile",
	Args:  cobra.ExactArgs(1),
	Run:   runProfileGet,
}

var profileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all stored profiles",
	Args:  cobra.NoArgs,
	Run:   runProfileList,
}

var profileHistoryCmd = &cobra.Command{
	Use:   "history <user-id>",
	Short: "Print a user's profile version history",
	Long: heredoc.Doc(`
		Print a user's profile version history in chronological order. Each
		record shows the version, when it was merged, the triggering unit,
		and which dimensions changed.

		With --diff every version's snapshot is rendered as dimension/value
		lines and diffed against the previous version, so attribute rewrites
		show up as inline insertions and deletions.
	`),
	Args: cobra.ExactArgs(1),
	Run:  runProfileHistory,
}

func init() {
	rootCmd.AddCommand(profileCmd)
	profileCmd.AddCommand(profileGetCmd)
	profileCmd.AddCommand(profileListCmd)
	profileCmd.AddCommand(profileHistoryCmd)

	profileGetCmd.Flags().BoolVar(&profileJSONOut, "json", false, "print the profile as JSON")
	profileHistoryCmd.Flags().IntVar(&historyLimit, "limit", 0, "newest records to show (0 shows all)")
	profileHistoryCmd.Flags().BoolVar(&historyDiff, "diff", false, "diff consecutive snapshots")
}

func runProfileGet(cmd *cobra.Command, args []string) {
	userID := args[0]

	store, err := config.openStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open profile store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	p, err := store.Get(context.Background(), userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			fmt.Fprintf(os.Stderr, "No profile stored for %s\n", userID)
		} else {
			fmt.Fprintf(os.Stderr, "Failed to load profile: %v\n", err)
		}
		os.Exit(1)
	}

	if profileJSONOut {
		data, err := json.MarshalIndent(p, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode profile: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(data))
		return
	}
	printProfile(os.Stdout, p)
}

func runProfileList(cmd *cobra.Command, args []string) {
	store, err := config.openStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open profile store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	profiles, err := store.GetAll(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list profiles: %v\n", err)
		os.Exit(1)
	}
	if len(profiles) == 0 {
		fmt.Println("No profiles stored")
		return
	}

	userIDs := make([]string, 0, len(profiles))
	for id := range profiles {
		userIDs = append(userIDs, id)
	}
	sort.Strings(userIDs)

	fmt.Printf("%-20s %-12s %8s %11s  %s\n", "USER", "SCENARIO", "VERSION", "ATTRIBUTES", "UPDATED")
	for _, id := range userIDs {
		p := profiles[id]
		fmt.Printf("%-20s %-12s %8d %11d  %s\n",
			p.UserID, p.Scenario, p.Version, len(p.Attributes),
			p.UpdatedAt.Format(time.RFC3339))
	}
}

func runProfileHistory(cmd *cobra.Command, args []string) {
	userID := args[0]

	store, err := config.openStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open profile store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	records, err := store.GetHistory(context.Background(), userID, historyLimit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load history: %v\n", err)
		os.Exit(1)
	}
	if len(records) == 0 {
		fmt.Printf("No history for %s\n", userID)
		return
	}

	// GetHistory returns newest-first; show oldest-first.
	sort.Slice(records, func(i, j int) bool { return records[i].Version < records[j].Version })

	if historyDiff {
		printHistoryDiffs(os.Stdout, records)
		return
	}
	for _, rec := range records {
		fmt.Printf("version %-4d %s  unit %s  %s\n",
			rec.Version, rec.CreatedAt.Format(time.RFC3339), rec.UnitID, deltaSummary(rec.Delta))
	}
}

// printProfile renders a profile as aligned attribute lines.
func printProfile(w io.Writer, p *types.Profile) {
	fmt.Fprintf(w, "User:     %s\n", p.UserID)
	fmt.Fprintf(w, "Scenario: %s\n", p.Scenario)
	fmt.Fprintf(w, "Version:  %d\n", p.Version)
	fmt.Fprintf(w, "Updated:  %s\n", p.UpdatedAt.Format(time.RFC3339))
	if len(p.Attributes) == 0 {
		fmt.Fprintln(w, "Attributes: none")
		return
	}
	fmt.Fprintln(w, "Attributes:")
	for _, dim := range sortedDimensions(p) {
		attr := p.Attributes[dim]
		fmt.Fprintf(w, "  %-26s %s  (confidence %.2f, evidence %d)\n",
			dim, attr.Value, attr.Confidence, len(attr.Evidence))
	}
}

// printHistoryDiffs diffs each snapshot against its predecessor.
func printHistoryDiffs(w io.Writer, records []*types.ProfileVersion) {
	dmp := diffmatchpatch.New()
	prev := ""
	for _, rec := range records {
		curr := snapshotText(rec.Snapshot)
		diffs := dmp.DiffMain(prev, curr, false)
		dmp.DiffCleanupSemantic(diffs)

		fmt.Fprintf(w, "version %-4d %s  unit %s\n",
			rec.Version, rec.CreatedAt.Format(time.RFC3339), rec.UnitID)
		fmt.Fprintln(w, indent(dmp.DiffPrettyText(diffs), "  "))
		prev = curr
	}
}

// deltaSummary names the dimensions a delta touched.
func deltaSummary(delta *types.ProfileDelta) string {
	if delta.Empty() {
		return "(no delta)"
	}
	dims := make([]string, 0, len(delta.Attributes))
	for dim := range delta.Attributes {
		dims = append(dims, string(dim))
	}
	sort.Strings(dims)
	return strings.Join(dims, ", ")
}

// snapshotText renders a profile snapshot as sorted dimension/value lines.
func snapshotText(p *types.Profile) string {
	if p == nil {
		return ""
	}
	var b strings.Builder
	for _, dim := range sortedDimensions(p) {
		fmt.Fprintf(&b, "%s: %s\n", dim, p.Attributes[dim].Value)
	}
	return b.String()
}

func sortedDimensions(p *types.Profile) []types.Dimension {
	dims := make([]types.Dimension, 0, len(p.Attributes))
	for dim := range p.Attributes {
		dims = append(dims, dim)
	}
	sort.Slice(dims, func(i, j int) bool { return dims[i] < dims[j] })
	return dims
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}
