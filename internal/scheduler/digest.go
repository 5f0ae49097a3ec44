package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"bizjournal/internal/types"
)

// triggerLockTTL keeps the per-hour trigger lock alive past the hour it
// covers so a late duplicate fire for the same hour is still rejected.
const triggerLockTTL = 2 * time.Hour

// DigestEnqueuer inserts a digest job together with its ledger claim.
type DigestEnqueuer interface {
	EnqueueClaimed(ctx context.Context, job *types.Job) (bool, error)
}

// BatchRunCreator persists the aggregate for one tick.
type BatchRunCreator interface {
	Create(ctx context.Context, run *types.BatchRun) error
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	// TickInterval is the firing cadence, aligned to multiples of itself.
	TickInterval time.Duration
	// MaxRetries is copied onto every enqueued digest job.
	MaxRetries int
	// Holder identifies this instance in job_locks.
	Holder string
}

// TickResult summarizes one trigger tick.
type TickResult struct {
	TargetHour time.Time `json:"target_hour"`
	BatchRunID string    `json:"batch_run_id,omitempty"`
	Candidates int       `json:"candidates"`
	Enqueued   int       `json:"enqueued"`
	// Duplicates counts candidates whose delivery key was already claimed.
	Duplicates int `json:"duplicates"`
	Errors     int `json:"errors"`
	// Skipped is set when another tick already handled TargetHour.
	Skipped bool `json:"skipped"`
}

// Runner fires the hourly digest trigger: scan, then enqueue one claimed
// job per candidate.
type Runner struct {
	scanner *Scanner
	jobs    DigestEnqueuer
	batches BatchRunCreator
	locks   JobLocker
	clock   types.Clock
	cfg     RunnerConfig
	logger  *slog.Logger

	mu sync.Mutex
}

// NewRunner creates a Runner.
func NewRunner(scanner *Scanner, jobs DigestEnqueuer, batches BatchRunCreator, locks JobLocker, clock types.Clock, cfg RunnerConfig, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Hour
	}
	if cfg.Holder == "" {
		cfg.Holder = "scheduler-" + uuid.NewString()
	}
	return &Runner{
		scanner: scanner,
		jobs:    jobs,
		batches: batches,
		locks:   locks,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run fires the trigger at every aligned interval until ctx is cancelled.
// A manual tick still in flight delays the scheduled one instead of
// dropping it. A failed tick is logged and the loop waits for the next fire.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "digest trigger started", "interval", r.cfg.TickInterval.String())
	for {
		now := r.clock.Now()
		next := now.Truncate(r.cfg.TickInterval).Add(r.cfg.TickInterval)

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			r.logger.InfoContext(ctx, "digest trigger stopped")
			return nil
		case <-timer.C:
		}

		if _, err := r.tickWait(ctx, next); err != nil {
			r.logger.ErrorContext(ctx, "digest tick failed",
				"tick", next.Format(time.RFC3339),
				"error", err,
			)
		}
	}
}

// Tick runs the trigger for the hour containing at. It is safe to call
// concurrently and from several instances: overlapping calls in this
// process fail with conflict_concurrent_modification, and a second tick for
// an hour another instance already handled returns Skipped.
func (r *Runner) Tick(ctx context.Context, at time.Time) (TickResult, error) {
	if !r.mu.TryLock() {
		return TickResult{TargetHour: at.UTC().Truncate(time.Hour)},
			types.NewAppError(types.ErrCodeConflictConcurrent, "a digest tick is already running", nil)
	}
	defer r.mu.Unlock()
	return r.tick(ctx, at)
}

// tickWait is Tick for scheduled fires: it waits for an in-flight tick.
func (r *Runner) tickWait(ctx context.Context, at time.Time) (TickResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tick(ctx, at)
}

// tick must be called with r.mu held. The trigger lock is released again
// when the hour fails before any job was enqueued, so the next fire can
// retry it.
func (r *Runner) tick(ctx context.Context, at time.Time) (TickResult, error) {
	hour := at.UTC().Truncate(time.Hour)
	result := TickResult{TargetHour: hour}

	now := r.clock.Now()
	lockID := fmt.Sprintf("%s:%s", TaskTriggerDigests, hourLockSuffix(hour))
	acquired, err := r.locks.Acquire(ctx, lockID, r.cfg.Holder, now, triggerLockTTL)
	if err != nil {
		return result, fmt.Errorf("acquiring trigger lock %s: %w", lockID, err)
	}
	if !acquired {
		r.logger.InfoContext(ctx, "digest tick already handled", "lock_id", lockID)
		result.Skipped = true
		return result, nil
	}

	candidates, err := r.scanner.Scan(ctx, hour)
	if err != nil {
		r.releaseTrigger(ctx, lockID)
		return result, err
	}
	result.Candidates = len(candidates)

	run := &types.BatchRun{ID: uuid.NewString(), TargetHour: hour, StartedAt: now}
	if err := r.batches.Create(ctx, run); err != nil {
		r.releaseTrigger(ctx, lockID)
		return result, fmt.Errorf("creating batch run: %w", err)
	}
	result.BatchRunID = run.ID

	for _, c := range candidates {
		claimed, err := r.jobs.EnqueueClaimed(ctx, r.digestJob(c, run.ID, now))
		switch {
		case err != nil:
			result.Errors++
			r.logger.ErrorContext(ctx, "failed to enqueue digest",
				"user_id", c.Preference.UserID,
				"day", c.LocalDay,
				"error", err,
			)
		case !claimed:
			result.Duplicates++
		default:
			result.Enqueued++
		}
	}

	r.logger.InfoContext(ctx, "digest tick complete",
		"target_hour", hour.Format(time.RFC3339),
		"batch_run_id", run.ID,
		"candidates", result.Candidates,
		"enqueued", result.Enqueued,
		"duplicates", result.Duplicates,
		"errors", result.Errors,
	)
	return result, nil
}

func (r *Runner) releaseTrigger(ctx context.Context, lockID string) {
	if err := r.locks.Release(context.WithoutCancel(ctx), lockID, r.cfg.Holder); err != nil {
		r.logger.WarnContext(ctx, "failed to release trigger lock",
			"lock_id", lockID,
			"error", err,
		)
	}
}

func (r *Runner) digestJob(c Candidate, batchRunID string, now time.Time) *types.Job {
	day := c.LocalDay
	return &types.Job{
		ID:           uuid.NewString(),
		Type:         types.JobTypeDigest,
		UserID:       c.Preference.UserID,
		Address:      c.Preference.Email,
		Priority:     types.DefaultPriority,
		ScheduledFor: now,
		MaxRetries:   r.cfg.MaxRetries,
		DedupDay:     &day,
		BatchRunID:   &batchRunID,
		ContentFlags: c.Preference.ContentFlags,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// TriggerDigests adapts the trigger to the maintenance multiplexer. Like
// Run, it waits for a manual tick in flight.
func (r *Runner) TriggerDigests(ctx context.Context, now time.Time) (int, error) {
	res, err := r.tickWait(ctx, now)
	return res.Enqueued, err
}
