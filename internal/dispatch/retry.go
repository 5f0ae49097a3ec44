package dispatch

import (
	"context"
	"errors"
	"time"

	"bizjournal/internal/types"
)

// BackoffPolicy defines the exponential backoff between job-level retries.
type BackoffPolicy struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
}

// DefaultBackoffPolicy doubles from 30s up to 30m.
var DefaultBackoffPolicy = BackoffPolicy{
	Base:   30 * time.Second,
	Max:    30 * time.Minute,
	Factor: 2.0,
}

// NextRetry computes the delay before the next attempt:
// min(Base * Factor^retryCount, Max).
func NextRetry(policy BackoffPolicy, retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	factor := policy.Factor
	if factor <= 0 {
		factor = 2.0
	}

	delay := float64(policy.Base)
	for i := 0; i < retryCount && delay < float64(policy.Max); i++ {
		delay *= factor
	}

	d := time.Duration(delay)
	if d > policy.Max || d < 0 {
		d = policy.Max
	}
	return d
}

// FailureClass tells the worker whether a failed attempt may be retried.
type FailureClass int

const (
	Transient FailureClass = iota
	Permanent
)

func (c FailureClass) String() string {
	if c == Permanent {
		return "permanent"
	}
	return "transient"
}

// Classify maps an attempt error to a FailureClass.
//
// Blocked or invalid addresses, deleted users, validation failures and
// permanent_* codes are permanent. Upstream, rate limit, database and
// timeout errors are transient, and so is anything unrecognised.
func Classify(err error) FailureClass {
	if err == nil {
		return Transient
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient
	}
	if types.CodeOf(err).IsPermanent() {
		return Permanent
	}
	return Transient
}
