package external

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"

	"bizjournal/internal/types"
)

func noopSleep(context.Context, time.Duration) error { return nil }

func newTestClient(t *testing.T, policy RetryPolicy) *BaseClient {
	t.Helper()
	return NewBaseClient(
		&http.Client{Timeout: 5 * time.Second},
		"test-breaker",
		policy,
		"BizJournal-Test/1.0",
		nil,
		WithSleepFunc(noopSleep),
	)
}

func TestDo_SuccessSetsHeaders(t *testing.T) {
	var gotUA, gotRequestID string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotRequestID = r.Header.Get("X-Request-ID")
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	ctx := types.WithRequestID(context.Background(), "req-123")
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	resp, err := newTestClient(t, DefaultRetryPolicy()).Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "ok" {
		t.Errorf("body = %q", body)
	}
	if gotUA != "BizJournal-Test/1.0" {
		t.Errorf("User-Agent = %q", gotUA)
	}
	if gotRequestID != "req-123" {
		t.Errorf("X-Request-ID = %q", gotRequestID)
	}
}

func TestDo_RetriesServerErrorsThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != "payload" {
			t.Errorf("attempt %d body = %q", calls.Load()+1, body)
		}
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	req, _ := http.NewRequest(http.MethodPost, server.URL, strings.NewReader("payload"))
	resp, err := newTestClient(t, RetryPolicy{MaxRetries: 2}).Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestDo_ExhaustedRetriesMapToUpstreamCode(t *testing.T) {
	tests := []struct {
		name   string
		status int
		opts   []BaseClientOption
		want   types.ErrorCode
	}{
		{"5xx default", http.StatusBadGateway, nil, types.ErrCodeUpstreamUnavailable},
		{"5xx composer", http.StatusInternalServerError, []BaseClientOption{WithUpstreamErrorCode(types.ErrCodeUpstreamComposer)}, types.ErrCodeUpstreamComposer},
		{"429", http.StatusTooManyRequests, nil, types.ErrCodeUpstreamRateLimited},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer server.Close()

			opts := append([]BaseClientOption{WithSleepFunc(noopSleep)}, tc.opts...)
			client := NewBaseClient(nil, "t", RetryPolicy{MaxRetries: 1}, "", nil, opts...)
			req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
			_, err := client.Do(req)
			if got := types.CodeOf(err); got != tc.want {
				t.Errorf("code = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestDo_ClientErrorsReturnedAsIs(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	resp, err := newTestClient(t, RetryPolicy{MaxRetries: 3}).Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound || calls.Load() != 1 {
		t.Errorf("status = %d, calls = %d", resp.StatusCode, calls.Load())
	}
}

func TestDo_OpenBreakerShortCircuits(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	breaker := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "trip-fast",
		Timeout:     time.Hour,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 1 },
	})
	client := NewBaseClientWithBreaker(nil, breaker, RetryPolicy{}, "", WithSleepFunc(noopSleep))

	for i := 0; i < 3; i++ {
		req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
		if _, err := client.Do(req); err == nil {
			t.Fatal("expected error")
		}
	}
	if calls.Load() != 1 {
		t.Errorf("server saw %d calls, want 1 before breaker opened", calls.Load())
	}
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewBaseClient(nil, "t", RetryPolicy{MaxRetries: 5}, "", nil,
		WithSleepFunc(func(context.Context, time.Duration) error { return context.DeadlineExceeded }))
	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	_, err := client.Do(req)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if types.CodeOf(err) != types.ErrCodeUpstreamTimeout {
		t.Errorf("code = %q", types.CodeOf(err))
	}
}

func TestComputeBackoff_RetryAfterCapped(t *testing.T) {
	c := newTestClient(t, RetryPolicy{MinWait: time.Second, MaxWait: 5 * time.Second})
	resp := &http.Response{Header: http.Header{"Retry-After": []string{"120"}}}
	if got := c.computeBackoff(0, resp); got != 5*time.Second {
		t.Errorf("backoff = %v, want 5s", got)
	}
	if got := c.computeBackoff(0, nil); got != time.Second {
		t.Errorf("first backoff = %v, want MinWait", got)
	}
	if got := c.computeBackoff(10, nil); got < time.Second || got > 5*time.Second {
		t.Errorf("backoff %v outside [MinWait, MaxWait]", got)
	}
}
