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
	"os/signal"
	"syscall"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"

	"github.com/zhisenyang/EverMemOS/pkg/storage"
)

var retentionCron bool

var retentionCmd = &cobra.Command{
	Use:   "retention",
	Short: "Prune old profile version history",
	Long: heredoc.Doc(`
		Prune profile version records older than retention.max_age_days,
		always keeping the newest retention.keep_per_user records of every
		user. By default the prune runs once and exits; with --cron it runs
		on the configured retention.schedule until interrupted.
	`),
	Args: cobra.NoArgs,
	Run:  runRetention,
}

func init() {
	rootCmd.AddCommand(retentionCmd)

	retentionCmd.Flags().BoolVar(&retentionCron, "cron", false, "run on the configured schedule instead of once")
}

func runRetention(cmd *cobra.Command, args []string) {
	store, err := config.openStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open profile store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	pruner, ok := store.(storage.HistoryPruner)
	if !ok {
		fmt.Fprintf(os.Stderr, "Storage backend %q cannot prune history\n", config.Storage.Backend)
		os.Exit(1)
	}

	job, err := storage.NewRetentionJob(config.retentionConfig(pruner))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create retention job: %v\n", err)
		os.Exit(1)
	}

	if !retentionCron {
		deleted, err := job.RunOnce(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Retention failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Pruned %d history records\n", deleted)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	job.Start()
	fmt.Printf("Retention scheduled (%s), press Ctrl+C to stop\n", config.Retention.Schedule)
	<-ctx.Done()
	job.Stop()
	fmt.Println("Retention stopped")
}
