// Package ratelimit enforces the fixed-window delivery limits shared by all
// workers.
//
// Counters live in a shared Store (Postgres by default, Redis optionally) so
// that every worker process sees the same budget. Windows are hard: hourly
// limits reset at the top of the UTC hour and daily limits at UTC midnight.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"bizjournal/internal/config"
	"bizjournal/internal/types"
)

// External API subjects for LimitExternalAPI.
const (
	SubjectComposer = "composer"
	SubjectMailer   = "mailer"
)

// Store atomically checks and increments one fixed-window counter. It
// returns the counter after the attempt and whether cost was granted.
// *db.RateLimitRepository, *memstore.RateLimitStore and *RedisStore
// implement it.
type Store interface {
	Take(ctx context.Context, key string, limitType types.LimitType, cost, limit int, windowEnd, now time.Time) (types.RateLimitCounter, bool, error)
}

// Limits holds the configured ceilings. Zero disables a limit.
type Limits struct {
	GlobalHourly   int
	UserHourly     int
	UserDaily      int
	ComposerHourly int
	MailerHourly   int
}

// LimitsFromConfig copies the limits out of cfg.
func LimitsFromConfig(cfg config.RateLimitConfig) Limits {
	return Limits{
		GlobalHourly:   cfg.GlobalHourly,
		UserHourly:     cfg.UserHourly,
		UserDaily:      cfg.UserDaily,
		ComposerHourly: cfg.ComposerHourly,
		MailerHourly:   cfg.MailerHourly,
	}
}

// Decision is the outcome of TryAcquire.
type Decision struct {
	Allowed   bool
	LimitType types.LimitType
	Key       string
	Limit     int
	// Remaining is -1 when the limit is disabled.
	Remaining int
	ResetAt   time.Time
}

// Request names one counter to take from.
type Request struct {
	LimitType types.LimitType
	Subject   string
	Cost      int
}

// Limiter resolves limits and windows and delegates counting to a Store.
type Limiter struct {
	store  Store
	limits Limits
	clock  types.Clock
	logger *slog.Logger
}

// New creates a Limiter. clock defaults to types.RealClock.
func New(store Store, limits Limits, clock types.Clock, logger *slog.Logger) *Limiter {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{store: store, limits: limits, clock: clock, logger: logger}
}

// TryAcquire takes cost from the counter identified by limitType and
// subject. subject is the user id for user limits, an external API name
// for LimitExternalAPI, and ignored for LimitGlobalHourly.
func (l *Limiter) TryAcquire(ctx context.Context, limitType types.LimitType, subject string, cost int) (Decision, error) {
	limit, err := l.limitFor(limitType, subject)
	if err != nil {
		return Decision{}, err
	}
	key := Key(limitType, subject)
	if limit <= 0 {
		return Decision{Allowed: true, LimitType: limitType, Key: key, Remaining: -1}, nil
	}

	now := l.clock.Now()
	windowEnd := WindowEnd(limitType, now)
	counter, ok, err := l.store.Take(ctx, key, limitType, cost, limit, windowEnd, now)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", key, err)
	}

	remaining := limit - counter.Used
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{
		Allowed:   ok,
		LimitType: limitType,
		Key:       key,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   counter.ResetAt,
	}
	if !ok {
		l.logger.WarnContext(ctx, "rate limit exceeded",
			slog.String("key", key),
			slog.Int("limit", limit),
			slog.Time("reset_at", d.ResetAt),
		)
	}
	return d, nil
}

// AcquireAll takes from each request in order and stops at the first
// denial, which it returns. Counters taken before a denial stay consumed.
func (l *Limiter) AcquireAll(ctx context.Context, reqs ...Request) (Decision, error) {
	var last Decision
	for _, r := range reqs {
		d, err := l.TryAcquire(ctx, r.LimitType, r.Subject, r.Cost)
		if err != nil {
			return Decision{}, err
		}
		if !d.Allowed {
			return d, nil
		}
		last = d
	}
	last.Allowed = true
	return last, nil
}

func (l *Limiter) limitFor(limitType types.LimitType, subject string) (int, error) {
	switch limitType {
	case types.LimitGlobalHourly:
		return l.limits.GlobalHourly, nil
	case types.LimitUserHourly:
		return l.limits.UserHourly, nil
	case types.LimitUserDaily:
		return l.limits.UserDaily, nil
	case types.LimitExternalAPI:
		switch subject {
		case SubjectComposer:
			return l.limits.ComposerHourly, nil
		case SubjectMailer:
			return l.limits.MailerHourly, nil
		}
		return 0, types.NewAppError(types.ErrCodeInternalUnexpected,
			fmt.Sprintf("unknown external api %q", subject), nil)
	}
	return 0, types.NewAppError(types.ErrCodeInternalUnexpected,
		fmt.Sprintf("unknown limit type %q", limitType), nil)
}

// Key returns the counter key for limitType and subject.
func Key(limitType types.LimitType, subject string) string {
	if limitType == types.LimitGlobalHourly || subject == "" {
		return string(limitType)
	}
	return string(limitType) + ":" + subject
}

// WindowEnd returns the end of the fixed window containing now: the next
// UTC midnight for daily limits and the next top of the hour otherwise.
func WindowEnd(limitType types.LimitType, now time.Time) time.Time {
	now = now.UTC()
	if limitType == types.LimitUserDaily {
		y, m, d := now.Date()
		return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
	}
	return now.Truncate(time.Hour).Add(time.Hour)
}
