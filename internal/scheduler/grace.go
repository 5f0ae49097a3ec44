package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bizjournal/internal/types"
)

// DefaultGraceBatchSize is the page size used by the grace sweep.
const DefaultGraceBatchSize = 200

// SubscriptionDB is the subscription store the grace sweep acts on.
type SubscriptionDB interface {
	// ListGraceExpired returns subscriptions whose grace period ended before
	// now and are not yet suspended, ordered by user id.
	ListGraceExpired(ctx context.Context, now time.Time, afterUserID string, limit int) ([]types.SubscriptionState, error)

	// Suspend conditionally moves the account to suspended and writes an
	// audit event in the same transaction. Returns false when the row was
	// already suspended.
	Suspend(ctx context.Context, userID string, now time.Time) (bool, error)
}

// SweepResult summarizes one grace sweep.
type SweepResult struct {
	Suspended        int     `json:"suspended"`
	AlreadySuspended int     `json:"already_suspended"`
	Errors           []error `json:"-"`
}

// ErrorMessages renders Errors for JSON responses.
func (r SweepResult) ErrorMessages() []string {
	out := make([]string, 0, len(r.Errors))
	for _, err := range r.Errors {
		out = append(out, err.Error())
	}
	return out
}

// GraceSweeper suspends accounts whose grace period has ended. Suspension
// is a conditional update, so concurrent sweeps suspend each account once.
type GraceSweeper struct {
	subs      SubscriptionDB
	history   TaskHistory // nil when the caller records history itself
	clock     types.Clock
	batchSize int
	logger    *slog.Logger
}

// NewGraceSweeper creates a GraceSweeper. history may be nil.
func NewGraceSweeper(subs SubscriptionDB, history TaskHistory, clock types.Clock, logger *slog.Logger) *GraceSweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	return &GraceSweeper{
		subs:      subs,
		history:   history,
		clock:     clock,
		batchSize: DefaultGraceBatchSize,
		logger:    logger,
	}
}

// Sweep suspends every account whose grace period ended before now.
//
// Per-account failures are collected in SweepResult.Errors and do not stop
// the sweep. An error is returned only when listing fails.
func (g *GraceSweeper) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	var runID int64
	if g.history != nil {
		id, err := g.history.Start(ctx, types.TaskGraceSweep, now)
		if err != nil {
			g.logger.WarnContext(ctx, "failed to record grace sweep start", "error", err)
		}
		runID = id
	}

	res, err := g.sweep(ctx, now)

	if g.history != nil && runID != 0 {
		status := types.TaskStatusSuccess
		recordErr := err
		if recordErr == nil && len(res.Errors) > 0 {
			recordErr = errors.Join(res.Errors...)
		}
		if err != nil {
			status = types.TaskStatusFailed
		}
		if finishErr := g.history.Finish(ctx, runID, status, res.Suspended, recordErr, g.clock.Now()); finishErr != nil {
			g.logger.WarnContext(ctx, "failed to record grace sweep outcome", "error", finishErr)
		}
	}
	return res, err
}

func (g *GraceSweeper) sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	var (
		res   SweepResult
		after string
	)
	for {
		page, err := g.subs.ListGraceExpired(ctx, now, after, g.batchSize)
		if err != nil {
			return res, fmt.Errorf("listing grace-expired subscriptions: %w", err)
		}
		for _, sub := range page {
			changed, err := g.subs.Suspend(ctx, sub.UserID, now)
			switch {
			case err != nil:
				res.Errors = append(res.Errors, fmt.Errorf("suspending %s: %w", sub.UserID, err))
				g.logger.ErrorContext(ctx, "failed to suspend account",
					"user_id", sub.UserID,
					"error", err,
				)
			case changed:
				res.Suspended++
				g.logger.InfoContext(ctx, "account suspended after grace period",
					"user_id", sub.UserID,
					"plan_type", sub.PlanType,
				)
			default:
				res.AlreadySuspended++
			}
		}
		if len(page) < g.batchSize {
			break
		}
		after = page[len(page)-1].UserID
	}

	g.logger.InfoContext(ctx, "grace sweep complete",
		"suspended", res.Suspended,
		"already_suspended", res.AlreadySuspended,
		"errors", len(res.Errors),
	)
	return res, nil
}

// Run sweeps every interval until ctx is cancelled.
func (g *GraceSweeper) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := g.Sweep(ctx, g.clock.Now()); err != nil {
				g.logger.ErrorContext(ctx, "grace sweep failed", "error", err)
			}
		}
	}
}

// SweepGracePeriods adapts Sweep to the maintenance multiplexer.
func (g *GraceSweeper) SweepGracePeriods(ctx context.Context, now time.Time) (int, error) {
	res, err := g.Sweep(ctx, now)
	if err == nil && len(res.Errors) > 0 {
		err = fmt.Errorf("%d accounts failed to suspend: %w", len(res.Errors), errors.Join(res.Errors...))
	}
	return res.Suspended, err
}
