// Package external adapts the delivery engine to the services it does not
// own: the Digest Composer and the outbound mail providers. All outbound
// HTTP calls go through BaseClient, which applies circuit breaking, bounded
// in-call retries and error mapping to types.AppError.
package external

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker/v2"

	"bizjournal/internal/types"
)

// RetryPolicy configures in-call retries. Job-level retries with backoff are
// handled by the worker pool, so this is kept short.
type RetryPolicy struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

// DefaultRetryPolicy retries once after a short pause.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 1,
		MinWait:    250 * time.Millisecond,
		MaxWait:    2 * time.Second,
	}
}

// BaseClient wraps an *http.Client and a circuit breaker. Provider clients
// embed it.
type BaseClient struct {
	client      *http.Client
	breaker     *gobreaker.CircuitBreaker[*http.Response]
	retryPolicy RetryPolicy
	userAgent   string
	upstreamErr types.ErrorCode
	sleepFn     func(context.Context, time.Duration) error
}

// BaseClientOption configures a BaseClient.
type BaseClientOption func(*BaseClient)

// WithSleepFunc overrides the wait between retries. Intended for tests.
func WithSleepFunc(fn func(context.Context, time.Duration) error) BaseClientOption {
	return func(c *BaseClient) {
		c.sleepFn = fn
	}
}

// WithUpstreamErrorCode sets the code used when the upstream is unavailable.
func WithUpstreamErrorCode(code types.ErrorCode) BaseClientOption {
	return func(c *BaseClient) {
		c.upstreamErr = code
	}
}

// NewBaseClient creates a BaseClient whose breaker opens after five
// consecutive failures and half-opens after 30 seconds.
func NewBaseClient(
	httpClient *http.Client,
	breakerName string,
	retryPolicy RetryPolicy,
	userAgent string,
	logger *slog.Logger,
	opts ...BaseClientOption,
) *BaseClient {
	if logger == nil {
		logger = slog.Default()
	}
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
	return NewBaseClientWithBreaker(httpClient, cb, retryPolicy, userAgent, opts...)
}

// NewBaseClientWithBreaker creates a BaseClient with a caller-provided
// breaker.
func NewBaseClientWithBreaker(
	httpClient *http.Client,
	breaker *gobreaker.CircuitBreaker[*http.Response],
	retryPolicy RetryPolicy,
	userAgent string,
	opts ...BaseClientOption,
) *BaseClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	bc := &BaseClient{
		client:      httpClient,
		breaker:     breaker,
		retryPolicy: retryPolicy,
		userAgent:   userAgent,
		upstreamErr: types.ErrCodeUpstreamUnavailable,
		sleepFn:     sleepCtx,
	}
	for _, opt := range opts {
		opt(bc)
	}
	return bc
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do executes req through the breaker, retrying 429 and 5xx responses.
//
// Any other response, including 4xx, is returned as-is and the caller must
// close its body. Exhausted retries, an open breaker and transport failures
// return a *types.AppError.
func (c *BaseClient) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if requestID := types.GetRequestID(ctx); requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to read request body", err)
		}
		req.Body.Close()
	}

	var (
		lastResp *http.Response
		lastErr  error
	)
	maxAttempts := 1 + c.retryPolicy.MaxRetries
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			req.ContentLength = int64(len(bodyBytes))
		}

		resp, err := c.breaker.Execute(func() (*http.Response, error) {
			r, doErr := c.client.Do(req)
			if doErr != nil {
				return nil, doErr
			}
			if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
				return r, fmt.Errorf("upstream returned %d", r.StatusCode)
			}
			return r, nil
		})
		if err == nil {
			return resp, nil
		}

		lastErr = err
		if lastResp != nil {
			lastResp.Body.Close()
			lastResp = nil
		}
		if resp != nil {
			lastResp = resp
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}
		if ctx.Err() != nil {
			break
		}
		if attempt < maxAttempts-1 {
			if sleepErr := c.sleepFn(ctx, c.computeBackoff(attempt, resp)); sleepErr != nil {
				lastErr = sleepErr
				break
			}
		}
	}

	if lastResp != nil {
		lastResp.Body.Close()
	}
	return nil, c.mapError(lastResp, lastErr)
}

// computeBackoff honours Retry-After, otherwise uses exponential backoff
// with jitter clamped to [MinWait, MaxWait].
func (c *BaseClient) computeBackoff(attempt int, resp *http.Response) time.Duration {
	if resp != nil {
		if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
			if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
				return min(time.Duration(seconds)*time.Second, c.retryPolicy.MaxWait)
			}
		}
	}

	base := float64(c.retryPolicy.MinWait) * math.Pow(2, float64(attempt))
	base = math.Min(base, float64(c.retryPolicy.MaxWait))
	minWait := float64(c.retryPolicy.MinWait)
	if base <= minWait {
		return c.retryPolicy.MinWait
	}
	return time.Duration(minWait + rand.Float64()*(base-minWait))
}

func (c *BaseClient) mapError(resp *http.Response, err error) *types.AppError {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return types.NewAppError(c.upstreamErr, "circuit breaker is open", err)
	case errors.Is(err, context.DeadlineExceeded):
		return types.NewAppError(types.ErrCodeUpstreamTimeout, "upstream request timed out", err)
	case resp != nil && resp.StatusCode == http.StatusTooManyRequests:
		return types.NewAppError(types.ErrCodeUpstreamRateLimited, "upstream rate limit exceeded", err)
	case resp != nil && resp.StatusCode >= 500:
		return types.NewAppError(c.upstreamErr, fmt.Sprintf("upstream returned %d after retries", resp.StatusCode), err)
	}
	return types.NewAppError(c.upstreamErr, "upstream request failed", err)
}
