// cmd/requeue republishes jobs that have stayed IN_PROGRESS too long, for
// example after their queue message was lost.
//
// Usage:
//
//	requeue                         # dry run, list stale jobs
//	requeue --older-than 1h --limit 50 --execute
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tendant/simple-wordcounter/internal/bus"
	"github.com/tendant/simple-wordcounter/internal/config"
	"github.com/tendant/simple-wordcounter/internal/logging"
	"github.com/tendant/simple-wordcounter/internal/store"
)

var (
	olderThan time.Duration
	limit     int
	dryRun    bool
	execute   bool
)

var rootCmd = &cobra.Command{
	Use:   "requeue",
	Short: "Republish word count jobs stuck in progress",
	Long:  "Scans the job store for IN_PROGRESS jobs not updated within --older-than and publishes them to the job queue again. Runs as a dry run unless --execute is given.",
	RunE:  runRequeue,
}

func init() {
	rootCmd.Flags().DurationVar(&olderThan, "older-than", 30*time.Minute, "Only requeue jobs last updated before this age")
	rootCmd.Flags().IntVar(&limit, "limit", 100, "Maximum number of jobs to requeue")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", true, "Show what would be requeued without publishing")
	rootCmd.Flags().BoolVar(&execute, "execute", false, "Actually publish jobs (disables dry-run)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runRequeue(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := logging.New(os.Stdout, cfg.LogFormat, cfg.LogLevel)
	if execute {
		dryRun = false
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	jobs, err := store.Open(ctx, cfg.Store())
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer func() { _ = jobs.Close(context.Background()) }()

	var pub publisher
	if !dryRun {
		nc, err := bus.Connect(ctx, cfg.Bus())
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		defer nc.Close()
		pub = nc
	}

	logger.Info("requeue starting",
		"older_than", olderThan,
		"limit", limit,
		"dry_run", dryRun,
		"store", cfg.StoreDriver)

	res, err := requeue(ctx, jobs, pub, options{
		Before: time.Now().Add(-olderThan),
		Limit:  limit,
		DryRun: dryRun,
	}, logger)
	if err != nil {
		return err
	}

	logger.Info("requeue complete",
		"found", res.Found,
		"published", res.Published,
		"failed", len(res.FailedIDs),
		"dry_run", dryRun)
	if len(res.FailedIDs) > 0 {
		return fmt.Errorf("%d jobs could not be republished", len(res.FailedIDs))
	}
	return nil
}
