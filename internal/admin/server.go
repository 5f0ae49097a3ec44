// Package admin is the operator HTTP surface of the delivery engine: health,
// Prometheus metrics, queue status and the manual triggers (test digest,
// grace sweep, digest tick, job cancellation, reactivation). Every /v1
// route requires the shared X-Admin-Key.
package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"bizjournal/internal/scheduler"
	"bizjournal/internal/types"
)

// JobAdmin reads queue depth and cancels jobs.
type JobAdmin interface {
	CountByStatus(ctx context.Context) (map[types.JobStatus]int, error)
	Cancel(ctx context.Context, jobID string, now time.Time) (*types.Job, error)
}

// WorkerCounter counts workers with a heartbeat at or after cutoff.
type WorkerCounter interface {
	CountActive(ctx context.Context, cutoff time.Time) (int, error)
}

// TaskHistoryReader returns the latest run of a maintenance task, or nil.
type TaskHistoryReader interface {
	Latest(ctx context.Context, task string) (*types.TaskRun, error)
}

// BatchRunReader returns the most recent batch run, or nil.
type BatchRunReader interface {
	Latest(ctx context.Context) (*types.BatchRun, error)
}

// SubscriptionAdmin reactivates suspended accounts.
type SubscriptionAdmin interface {
	Reactivate(ctx context.Context, userID string, now time.Time) (bool, error)
	Get(ctx context.Context, userID string) (*types.SubscriptionState, error)
}

// DigestTester enqueues a test digest.
type DigestTester interface {
	SendTest(ctx context.Context, userID string) (*types.Job, error)
}

// GraceSweeper runs a grace period sweep.
type GraceSweeper interface {
	Sweep(ctx context.Context, now time.Time) (scheduler.SweepResult, error)
}

// DigestTrigger runs one digest tick.
type DigestTrigger interface {
	Tick(ctx context.Context, at time.Time) (scheduler.TickResult, error)
}

// QueueObserver receives the numbers computed for the status endpoint.
type QueueObserver interface {
	ObserveQueue(counts map[types.JobStatus]int)
	ObserveWorkers(n int)
}

// Deps are the services behind the admin routes. Gauges is optional.
type Deps struct {
	Jobs          JobAdmin
	Workers       WorkerCounter
	History       TaskHistoryReader
	Batches       BatchRunReader
	Subscriptions SubscriptionAdmin
	Tester        DigestTester
	Sweeper       GraceSweeper
	Trigger       DigestTrigger
	Gauges        QueueObserver
	Clock         types.Clock
}

// Options configures the server.
type Options struct {
	AdminKey         types.SecretString
	HeartbeatTimeout time.Duration
	Version          string
	Probes           []HealthProbe
	// MetricsHandler serves GET /metrics when set.
	MetricsHandler http.Handler
}

// Server holds the admin router and its dependencies.
type Server struct {
	deps             Deps
	adminKey         types.SecretString
	heartbeatTimeout time.Duration
	version          string
	probes           []HealthProbe
	metricsHandler   http.Handler
	validator        *Validator
	logger           *slog.Logger

	router *chi.Mux
}

// NewServer validates deps and mounts the routes.
func NewServer(deps Deps, opts Options, logger *slog.Logger) (*Server, error) {
	if opts.AdminKey.IsZero() {
		return nil, errors.New("admin key must not be empty")
	}
	if deps.Jobs == nil || deps.Workers == nil || deps.History == nil || deps.Batches == nil ||
		deps.Subscriptions == nil || deps.Tester == nil || deps.Sweeper == nil || deps.Trigger == nil {
		return nil, errors.New("admin server: missing service dependency")
	}
	if deps.Clock == nil {
		deps.Clock = types.RealClock{}
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		deps:             deps,
		adminKey:         opts.AdminKey,
		heartbeatTimeout: opts.HeartbeatTimeout,
		version:          opts.Version,
		probes:           opts.Probes,
		metricsHandler:   opts.MetricsHandler,
		validator:        NewValidator(),
		logger:           logger,
		router:           chi.NewRouter(),
	}
	s.mountRoutes()
	return s, nil
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		s.logger.Info("admin server shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}
