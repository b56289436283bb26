package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tendant/simple-wordcounter/internal/job"
)

type lister interface {
	ListStale(ctx context.Context, before time.Time, limit int) ([]job.Job, error)
}

type publisher interface {
	PublishJob(ctx context.Context, jobID string) error
}

type options struct {
	Before time.Time
	Limit  int
	DryRun bool
}

type result struct {
	Found     int
	Published int
	FailedIDs []string
}

// requeue publishes every stale job once. A failed publish is recorded and
// the scan continues with the next job.
func requeue(ctx context.Context, jobs lister, pub publisher, opts options, logger *slog.Logger) (result, error) {
	if !opts.DryRun && pub == nil {
		return result{}, errors.New("publisher is required unless dry-run")
	}
	if opts.Limit <= 0 {
		return result{}, fmt.Errorf("limit must be positive, got %d", opts.Limit)
	}

	stale, err := jobs.ListStale(ctx, opts.Before, opts.Limit)
	if err != nil {
		return result{}, fmt.Errorf("list stale jobs: %w", err)
	}

	res := result{Found: len(stale)}
	for _, j := range stale {
		if opts.DryRun {
			logger.Info("would requeue job", "job_id", j.ID, "url", j.URL, "updated_at", j.UpdatedAt)
			continue
		}
		if err := pub.PublishJob(ctx, j.ID); err != nil {
			logger.Error("requeue job failed", "job_id", j.ID, "err", err)
			res.FailedIDs = append(res.FailedIDs, j.ID)
			continue
		}
		res.Published++
		logger.Info("requeued job", "job_id", j.ID, "url", j.URL)
	}
	return res, nil
}
