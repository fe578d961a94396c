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
	"os"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"

	"github.com/zhisenyang/EverMemOS/internal/log"
	"github.com/zhisenyang/EverMemOS/pkg/profile"
)

var (
	exportHistory  bool
	exportCompress bool
)

var exportCmd = &cobra.Command{
	Use:   "export <dir>",
	Short: "Export stored profiles to a directory",
	Long: heredoc.Doc(`
		Export every stored profile to a directory, one profile_<user>.json
		per user. With --history each user's version records land under
		history/<user>/ as well, so an import can replay the full chain.
		With --compress every file is zstd-compressed and carries a
		.json.zst suffix.
	`),
	Args: cobra.ExactArgs(1),
	Run:  runExport,
}

var importCmd = &cobra.Command{
	Use:   "import <dir>",
	Short: "Import profiles from an export directory",
	Long: heredoc.Doc(`
		Import profiles from a directory produced by export. History records
		are replayed oldest-first before the live profile; versions already
		present in the store are skipped, so importing into a non-empty
		store never clobbers newer data.
	`),
	Args: cobra.ExactArgs(1),
	Run:  runImport,
}

func init() {
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)

	exportCmd.Flags().BoolVar(&exportHistory, "history", false, "include version history")
	exportCmd.Flags().BoolVar(&exportCompress, "compress", false, "zstd-compress exported files")
}

func runExport(cmd *cobra.Command, args []string) {
	dir := args[0]

	store, err := config.openStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open profile store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	arch, err := profile.NewArchiver(store, log.Logger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create archiver: %v\n", err)
		os.Exit(1)
	}

	count, err := arch.ExportProfiles(context.Background(), dir, profile.ExportOptions{
		IncludeHistory: exportHistory,
		Compress:       exportCompress,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Export failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Exported %d profiles to %s\n", count, dir)
}

func runImport(cmd *cobra.Command, args []string) {
	dir := args[0]

	store, err := config.openStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open profile store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	arch, err := profile.NewArchiver(store, log.Logger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create archiver: %v\n", err)
		os.Exit(1)
	}

	count, err := arch.ImportProfiles(context.Background(), dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Import failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Imported %d profiles from %s\n", count, dir)
}
