package db

import (
	"context"
	"time"

	"bizjournal/internal/types"
)

// RateLimitRepository keeps fixed-window counters in rate_limit_counters.
// It implements ratelimit.Store.
type RateLimitRepository struct {
	db DBTX
}

// NewRateLimitRepository creates a RateLimitRepository over db.
func NewRateLimitRepository(db DBTX) *RateLimitRepository {
	return &RateLimitRepository{db: db}
}

// Take adds cost to the counter for key if the result stays within limit.
// An expired window is restarted with windowEnd as its reset time.
//
// The conditional upsert makes check-and-increment a single statement:
//
//	INSERT ... ON CONFLICT (key) DO UPDATE
//	  SET used = CASE WHEN expired THEN cost ELSE used + cost END, ...
//	  WHERE expired OR used + cost <= limit
//	RETURNING used, reset_at
//
// When the WHERE rejects the update no row is returned and the current
// counter is read back to report the reset time.
func (r *RateLimitRepository) Take(ctx context.Context, key string, limitType types.LimitType, cost, limit int, windowEnd, now time.Time) (types.RateLimitCounter, bool, error) {
	c := types.RateLimitCounter{Key: key, LimitType: limitType}

	err := r.db.QueryRow(ctx,
		`INSERT INTO rate_limit_counters (key, limit_type, used, reset_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (key) DO UPDATE
		   SET used = CASE WHEN rate_limit_counters.reset_at <= $5
		                   THEN EXCLUDED.used
		                   ELSE rate_limit_counters.used + EXCLUDED.used END,
		       reset_at = CASE WHEN rate_limit_counters.reset_at <= $5
		                       THEN EXCLUDED.reset_at
		                       ELSE rate_limit_counters.reset_at END
		   WHERE rate_limit_counters.reset_at <= $5
		      OR rate_limit_counters.used + EXCLUDED.used <= $6
		 RETURNING used, reset_at`,
		key, limitType, cost, windowEnd, now, limit,
	).Scan(&c.Used, &c.ResetAt)
	if err == nil {
		return c, true, nil
	}
	if !isNoRows(err) {
		return c, false, dbErr("failed to take rate limit token", err)
	}

	err = r.db.QueryRow(ctx,
		`SELECT used, reset_at FROM rate_limit_counters WHERE key = $1`, key,
	).Scan(&c.Used, &c.ResetAt)
	if err != nil {
		return c, false, dbErr("failed to read rate limit counter", err)
	}
	return c, false, nil
}

// DeleteExpired removes counters whose window ended before cutoff.
func (r *RateLimitRepository) DeleteExpired(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM rate_limit_counters WHERE reset_at < $1`, cutoff)
	if err != nil {
		return 0, dbErr("failed to delete expired rate limit counters", err)
	}
	return int(tag.RowsAffected()), nil
}
