package db

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"bizjournal/internal/types"
)

// SubscriptionRepository manages the subscription lifecycle columns the
// grace sweep acts on.
//
// Suspend and Reactivate are single conditional UPDATEs; the audit event is
// written in the same transaction only when the UPDATE changed a row, so
// concurrent sweeps produce exactly one event per suspension.
type SubscriptionRepository struct {
	db     TxDB
	logger *slog.Logger
}

// NewSubscriptionRepository creates a SubscriptionRepository. Each status
// change is written with its audit event in one transaction, so db must
// support Begin.
func NewSubscriptionRepository(db TxDB, logger *slog.Logger) *SubscriptionRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionRepository{db: db, logger: logger}
}

const subscriptionColumns = `user_id, plan_type, status, grace_period_end, suspended_at, updated_at`

func scanSubscription(row pgx.Row) (*types.SubscriptionState, error) {
	var (
		s      types.SubscriptionState
		status string
	)
	if err := row.Scan(&s.UserID, &s.PlanType, &status, &s.GracePeriodEnd, &s.SuspendedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.Status = types.SubscriptionStatus(status)
	return &s, nil
}

// ListGraceExpired pages through accounts whose grace period ended before
// now and that are not yet suspended.
func (r *SubscriptionRepository) ListGraceExpired(ctx context.Context, now time.Time, afterUserID string, limit int) ([]types.SubscriptionState, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE grace_period_end < $1 AND status <> 'suspended' AND user_id > $2
		 ORDER BY user_id
		 LIMIT $3`,
		now, afterUserID, limit,
	)
	if err != nil {
		return nil, dbErr("failed to list grace-expired subscriptions", err)
	}
	defer rows.Close()

	var out []types.SubscriptionState
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, dbErr("failed to scan subscription", err)
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("failed to iterate subscriptions", err)
	}
	return out, nil
}

// Suspend suspends userID if its grace period ended before now and it is
// not already suspended. Returns false when nothing changed.
func (r *SubscriptionRepository) Suspend(ctx context.Context, userID string, now time.Time) (bool, error) {
	return r.transition(ctx, userID, now,
		`UPDATE subscriptions s
		 SET status = 'suspended', suspended_at = $2, updated_at = $2
		 FROM (SELECT user_id, status FROM subscriptions WHERE user_id = $1 FOR UPDATE) prev
		 WHERE s.user_id = prev.user_id
		   AND s.status <> 'suspended'
		   AND s.grace_period_end < $2
		 RETURNING prev.status`,
		types.SubscriptionSuspended, "grace_period_expired",
	)
}

// Reactivate moves a suspended account back to active and clears the grace
// period. Returns false when the account was not suspended.
func (r *SubscriptionRepository) Reactivate(ctx context.Context, userID string, now time.Time) (bool, error) {
	return r.transition(ctx, userID, now,
		`UPDATE subscriptions s
		 SET status = 'active', suspended_at = NULL, grace_period_end = NULL, updated_at = $2
		 FROM (SELECT user_id, status FROM subscriptions WHERE user_id = $1 FOR UPDATE) prev
		 WHERE s.user_id = prev.user_id
		   AND s.status = 'suspended'
		 RETURNING prev.status`,
		types.SubscriptionActive, "manual_reactivation",
	)
}

func (r *SubscriptionRepository) transition(ctx context.Context, userID string, now time.Time, update string, to types.SubscriptionStatus, reason string) (bool, error) {
	changed := false
	err := inTx(ctx, r.db, func(tx pgx.Tx) error {
		var from string
		err := tx.QueryRow(ctx, update, userID, now).Scan(&from)
		if isNoRows(err) {
			return nil
		}
		if err != nil {
			return err
		}
		changed = true
		_, err = tx.Exec(ctx,
			`INSERT INTO subscription_events (user_id, from_status, to_status, reason, occurred_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			userID, from, to, reason, now,
		)
		return err
	})
	if err != nil {
		return false, dbErr("failed to update subscription status", err)
	}
	if changed {
		r.logger.InfoContext(ctx, "subscription status changed",
			slog.String("user_id", userID),
			slog.String("to_status", string(to)),
			slog.String("reason", reason),
		)
	}
	return changed, nil
}

// Get returns the subscription row for userID.
func (r *SubscriptionRepository) Get(ctx context.Context, userID string) (*types.SubscriptionState, error) {
	s, err := scanSubscription(r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1`, userID))
	if isNoRows(err) {
		return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
	}
	if err != nil {
		return nil, dbErr("failed to load subscription", err)
	}
	return s, nil
}
