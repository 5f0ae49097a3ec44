package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"bizjournal/internal/types"
)

// ReaperQueue promotes due retries and reclaims orphaned jobs.
type ReaperQueue interface {
	PromoteDue(ctx context.Context, now time.Time) (int, error)
	ReclaimStale(ctx context.Context, cutoff, now time.Time) (int, error)
}

// WorkerLiveness flags workers whose heartbeat went stale.
type WorkerLiveness interface {
	MarkStale(ctx context.Context, cutoff time.Time) (int, error)
}

// ReapResult summarises one reaper pass.
type ReapResult struct {
	Promoted     int
	Reclaimed    int
	StaleWorkers int
}

// Reaper keeps the queue moving when workers die or retries come due.
type Reaper struct {
	jobs             ReaperQueue
	workers          WorkerLiveness
	heartbeatTimeout time.Duration
	clock            types.Clock
	logger           *slog.Logger
}

// NewReaper creates a Reaper. Jobs held by workers without a heartbeat for
// heartbeatTimeout are returned to pending.
func NewReaper(jobs ReaperQueue, workers WorkerLiveness, heartbeatTimeout time.Duration, clock types.Clock, logger *slog.Logger) *Reaper {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 2 * time.Minute
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		jobs:             jobs,
		workers:          workers,
		heartbeatTimeout: heartbeatTimeout,
		clock:            clock,
		logger:           logger,
	}
}

// RunOnce promotes due retries, reclaims stale processing jobs and then
// marks the stale workers as errored.
func (r *Reaper) RunOnce(ctx context.Context, now time.Time) (ReapResult, error) {
	var res ReapResult

	promoted, err := r.jobs.PromoteDue(ctx, now)
	if err != nil {
		return res, fmt.Errorf("promote due jobs: %w", err)
	}
	res.Promoted = promoted

	cutoff := now.Add(-r.heartbeatTimeout)
	reclaimed, err := r.jobs.ReclaimStale(ctx, cutoff, now)
	if err != nil {
		return res, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	res.Reclaimed = reclaimed

	stale, err := r.workers.MarkStale(ctx, cutoff)
	if err != nil {
		return res, fmt.Errorf("mark stale workers: %w", err)
	}
	res.StaleWorkers = stale

	if reclaimed > 0 || stale > 0 {
		r.logger.WarnContext(ctx, "reclaimed work from stale workers",
			"reclaimed_jobs", reclaimed,
			"stale_workers", stale,
		)
	}
	return res, nil
}

// ReclaimStale runs one pass and reports the number of reclaimed jobs.
// It satisfies the maintenance task signature.
func (r *Reaper) ReclaimStale(ctx context.Context, now time.Time) (int, error) {
	res, err := r.RunOnce(ctx, now)
	return res.Reclaimed, err
}

// Run calls RunOnce every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.RunOnce(ctx, r.clock.Now()); err != nil {
				r.logger.ErrorContext(ctx, "reaper pass failed", "error", err)
			}
		}
	}
}
