package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultJobRetention is how long terminal jobs are kept when
// CleanupConfig leaves it unset.
const DefaultJobRetention = 30 * 24 * time.Hour

// TerminalJobDeleter removes completed and failed jobs.
type TerminalJobDeleter interface {
	// DeleteTerminalBefore deletes terminal jobs last updated before cutoff.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// ExpiredDeleter removes rows whose lease or window ended before cutoff.
// Implemented by the job lock and rate limit stores.
type ExpiredDeleter interface {
	DeleteExpired(ctx context.Context, cutoff time.Time) (int, error)
}

// CleanupService prunes the tables the delivery pipeline only appends to.
type CleanupService struct {
	jobs      TerminalJobDeleter
	locks     ExpiredDeleter
	counters  ExpiredDeleter // nil when counters live outside Postgres
	retention time.Duration
	logger    *slog.Logger
}

// NewCleanupService creates a CleanupService. counters may be nil.
func NewCleanupService(jobs TerminalJobDeleter, locks, counters ExpiredDeleter, retention time.Duration, logger *slog.Logger) *CleanupService {
	if logger == nil {
		logger = slog.Default()
	}
	if retention <= 0 {
		retention = DefaultJobRetention
	}
	return &CleanupService{
		jobs:      jobs,
		locks:     locks,
		counters:  counters,
		retention: retention,
		logger:    logger,
	}
}

// CleanupJobs deletes terminal jobs older than the retention window, then
// expired job locks and rate limit windows. Returns the total rows removed.
//
// Ledger rows are never deleted here: they are the dedup record.
func (c *CleanupService) CleanupJobs(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-c.retention)
	total := 0

	jobs, err := c.jobs.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return total, fmt.Errorf("deleting terminal jobs: %w", err)
	}
	total += jobs

	locks, err := c.locks.DeleteExpired(ctx, now)
	if err != nil {
		return total, fmt.Errorf("deleting expired job locks: %w", err)
	}
	total += locks

	counters := 0
	if c.counters != nil {
		counters, err = c.counters.DeleteExpired(ctx, now)
		if err != nil {
			return total, fmt.Errorf("deleting expired rate limit windows: %w", err)
		}
		total += counters
	}

	c.logger.InfoContext(ctx, "job cleanup complete",
		"cutoff", cutoff.Format(time.RFC3339),
		"jobs_deleted", jobs,
		"locks_deleted", locks,
		"counters_deleted", counters,
	)
	return total, nil
}
