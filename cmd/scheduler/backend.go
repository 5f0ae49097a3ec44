package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"bizjournal/internal/admin"
	"bizjournal/internal/analytics"
	"bizjournal/internal/config"
	"bizjournal/internal/db"
	"bizjournal/internal/dispatch"
	"bizjournal/internal/memstore"
	"bizjournal/internal/ratelimit"
	"bizjournal/internal/scheduler"
	"bizjournal/internal/types"
)

// The backend interfaces below are satisfied by both the db and memstore
// repositories.

type jobStore interface {
	dispatch.JobQueue
	dispatch.ReaperQueue
	admin.JobAdmin
	scheduler.DigestEnqueuer
	scheduler.JobEnqueuer
	scheduler.TerminalJobDeleter
}

type workerStore interface {
	dispatch.HeartbeatStore
	dispatch.WorkerLiveness
	admin.WorkerCounter
}

type preferenceStore interface {
	scheduler.PreferenceLister
	scheduler.PreferenceGetter
}

type subscriptionStore interface {
	scheduler.SubscriptionDB
	admin.SubscriptionAdmin
}

type lockStore interface {
	scheduler.JobLocker
	scheduler.ExpiredDeleter
}

type historyStore interface {
	scheduler.TaskHistory
	admin.TaskHistoryReader
}

type batchRunStore interface {
	scheduler.BatchRunCreator
	admin.BatchRunReader
}

type analyticsStore interface {
	analytics.EventStore
	analytics.ArchiveStore
}

type counterStore interface {
	ratelimit.Store
	scheduler.ExpiredDeleter
}

type backend struct {
	jobs          jobStore
	ledger        dispatch.Ledger
	preferences   preferenceStore
	workers       workerStore
	subscriptions subscriptionStore
	counters      counterStore
	locks         lockStore
	history       historyStore
	batchRuns     batchRunStore
	events        analyticsStore

	probes []admin.HealthProbe
	close  func()
}

func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	if cfg.StoreBackend == config.BackendMemory {
		logger.Warn("using in-memory store; state is lost on restart")
		st := memstore.New()
		return &backend{
			jobs:          st.Jobs,
			ledger:        st.Ledger,
			preferences:   st.Preferences,
			workers:       st.Workers,
			subscriptions: st.Subscriptions,
			counters:      st.RateLimits,
			locks:         st.Locks,
			history:       st.History,
			batchRuns:     st.BatchRuns,
			events:        st.Analytics,
			close:         func() {},
		}, nil
	}

	pool, err := db.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	st := db.NewStore(pool, logger)
	return &backend{
		jobs:          st.Jobs,
		ledger:        st.Ledger,
		preferences:   st.Preferences,
		workers:       st.Workers,
		subscriptions: st.Subscriptions,
		counters:      st.RateLimits,
		locks:         st.Locks,
		history:       st.History,
		batchRuns:     st.BatchRuns,
		events:        st.Analytics,
		probes:        []admin.HealthProbe{admin.ProbeFunc{ProbeName: "database", Fn: pool.Ping}},
		close:         pool.Close,
	}, nil
}

// newLimiter builds the rate limiter over the configured counter store. The
// returned close func releases any Redis connection.
func newLimiter(ctx context.Context, cfg *config.Config, b *backend, clock types.Clock, logger *slog.Logger) (*ratelimit.Limiter, func(), error) {
	limits := ratelimit.LimitsFromConfig(cfg.RateLimit)
	limiterLogger := logger.With("component", "ratelimit")

	switch cfg.RateLimit.Backend {
	case config.BackendRedis:
		client, err := ratelimit.Connect(ctx, cfg.Redis.URL.Unmask())
		if err != nil {
			return nil, nil, err
		}
		b.probes = append(b.probes, admin.ProbeFunc{
			ProbeName: "redis",
			Fn:        func(ctx context.Context) error { return client.Ping(ctx).Err() },
		})
		store := ratelimit.NewRedisStore(client, "bizjournal:ratelimit:")
		return ratelimit.New(store, limits, clock, limiterLogger), func() { _ = client.Close() }, nil
	case config.BackendMemory:
		return ratelimit.New(memstore.New().RateLimits, limits, clock, limiterLogger), func() {}, nil
	case config.BackendPostgres:
		return ratelimit.New(b.counters, limits, clock, limiterLogger), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown rate limit backend %q", cfg.RateLimit.Backend)
	}
}

// sampleMetrics refreshes the queue gauges until ctx is cancelled.
func sampleMetrics(ctx context.Context, m *analytics.Metrics, b *backend, heartbeatTimeout, interval time.Duration, clock types.Clock, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cutoff := clock.Now().Add(-heartbeatTimeout)
			if err := m.Sample(ctx, b.jobs, b.workers, cutoff); err != nil && ctx.Err() == nil {
				logger.WarnContext(ctx, "metrics sample failed", "error", err)
			}
		}
	}
}
