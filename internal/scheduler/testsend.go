package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"bizjournal/internal/types"
)

// DefaultTestSendCooldown is used when TestSenderConfig leaves it unset.
const DefaultTestSendCooldown = 5 * time.Minute

// PreferenceGetter loads one user's delivery preference.
type PreferenceGetter interface {
	Get(ctx context.Context, userID string) (*types.DeliveryPreference, error)
}

// JobEnqueuer inserts a job outside the dedup ledger.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, job *types.Job) error
}

// TestSenderConfig configures a TestSender.
type TestSenderConfig struct {
	Cooldown   time.Duration
	MaxRetries int
	Holder     string
}

// TestSender enqueues on-demand test digests. A durable per-user lease in
// job_locks enforces the cooldown across instances and restarts.
type TestSender struct {
	prefs  PreferenceGetter
	jobs   JobEnqueuer
	locks  JobLocker
	clock  types.Clock
	cfg    TestSenderConfig
	logger *slog.Logger
}

// NewTestSender creates a TestSender.
func NewTestSender(prefs PreferenceGetter, jobs JobEnqueuer, locks JobLocker, clock types.Clock, cfg TestSenderConfig, logger *slog.Logger) *TestSender {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultTestSendCooldown
	}
	if cfg.Holder == "" {
		cfg.Holder = "admin"
	}
	return &TestSender{prefs: prefs, jobs: jobs, locks: locks, clock: clock, cfg: cfg, logger: logger}
}

// SendTest enqueues a top-priority test digest for userID. Test jobs bypass
// the daily ledger, so they never block or consume the real digest.
//
// Returns limit_cooldown_active, with a retry_after_seconds detail, when the
// user had a test send within the cooldown. A failed enqueue does not start
// the cooldown.
func (s *TestSender) SendTest(ctx context.Context, userID string) (*types.Job, error) {
	if userID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "user_id is required", nil)
	}
	pref, err := s.prefs.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := pref.Validate(); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	lockID := "test_digest:" + userID
	acquired, err := s.locks.Acquire(ctx, lockID, s.cfg.Holder, now, s.cfg.Cooldown)
	if err != nil {
		return nil, fmt.Errorf("acquiring test send cooldown: %w", err)
	}
	if !acquired {
		appErr := types.NewAppError(types.ErrCodeCooldownActive, "a test digest was sent recently", nil)
		if until, err := s.locks.ExpiresAt(ctx, lockID); err == nil && until.After(now) {
			appErr = appErr.WithDetails(map[string]any{
				"retry_after_seconds": int(until.Sub(now).Seconds()) + 1,
			})
		}
		return nil, appErr
	}

	job := &types.Job{
		ID:           uuid.NewString(),
		Type:         types.JobTypeDigest,
		UserID:       pref.UserID,
		Address:      pref.Email,
		Priority:     types.MaxPriority,
		ScheduledFor: now,
		MaxRetries:   s.cfg.MaxRetries,
		IsTest:       true,
		ContentFlags: pref.ContentFlags,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.jobs.Enqueue(ctx, job); err != nil {
		// Nothing was sent, so the cooldown must not apply.
		if relErr := s.locks.Release(context.WithoutCancel(ctx), lockID, s.cfg.Holder); relErr != nil {
			s.logger.WarnContext(ctx, "failed to release test send cooldown",
				"user_id", userID,
				"error", relErr,
			)
		}
		return nil, fmt.Errorf("enqueueing test digest: %w", err)
	}

	s.logger.InfoContext(ctx, "test digest enqueued",
		"user_id", userID,
		"job_id", job.ID,
	)
	return job, nil
}
