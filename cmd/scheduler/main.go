// Package main is the long-running delivery engine process.
//
// It runs, in one errgroup:
//   - the worker pool and its reaper (claim, compose, send, finalize)
//   - the hourly digest trigger
//   - the grace period sweep
//   - in-process maintenance (job cleanup, analytics archival)
//   - the Prometheus gauge sampler
//   - the admin HTTP server (/health, /metrics, /v1/admin)
//
// SIGINT or SIGTERM cancels the group. Workers finish their in-flight job
// and report themselves stopped before the process exits.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"bizjournal/internal/admin"
	"bizjournal/internal/analytics"
	"bizjournal/internal/config"
	"bizjournal/internal/dispatch"
	"bizjournal/internal/external"
	"bizjournal/internal/scheduler"
	"bizjournal/internal/types"
)

const (
	metricsSampleInterval = 15 * time.Second
	maintenanceInterval   = time.Hour
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig(config.NewSecretProvider(os.Getenv("SECRET_PROVIDER"), os.Getenv("AWS_REGION")))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, closeLog := newLogger(cfg.LogLevel, cfg.LogFile)
	defer closeLog()
	slog.SetDefault(logger)

	logger.Info("delivery engine starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"store_backend", cfg.StoreBackend,
		"rate_limit_backend", cfg.RateLimit.Backend,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg, err := loadAWSConfig(ctx, cfg.AWS)
	if err != nil {
		return err
	}

	a, err := buildApp(ctx, cfg, awsCfg, types.RealClock{}, logger)
	if err != nil {
		return err
	}
	defer a.close()

	return a.run(ctx)
}

func loadAWSConfig(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.EndpointURL != "" {
		opts = append(opts, awsconfig.WithBaseEndpoint(cfg.EndpointURL))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config: %w", err)
	}
	return awsCfg, nil
}

// app is the fully wired process.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	clock   types.Clock
	backend *backend

	pool        *dispatch.Pool
	runner      *scheduler.Runner
	sweeper     *scheduler.GraceSweeper
	maintenance *scheduler.Multiplexer
	metrics     *analytics.Metrics
	server      *admin.Server

	closers []func()
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "scheduler"
	}
	return host + "-" + uuid.NewString()[:8]
}

func buildApp(ctx context.Context, cfg *config.Config, awsCfg aws.Config, clock types.Clock, logger *slog.Logger) (*app, error) {
	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, clock: clock, backend: b, closers: []func(){b.close}}

	limiter, closeLimiter, err := newLimiter(ctx, cfg, b, clock, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.closers = append(a.closers, closeLimiter)

	clients, err := external.NewClientRegistry(cfg, awsCfg, logger)
	if err != nil {
		a.close()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics, err = analytics.NewMetrics(registry)
	if err != nil {
		a.close()
		return nil, err
	}

	sinks := []analytics.Sink{analytics.StoreSink{Store: b.events}, a.metrics}
	if cfg.Observability.CloudWatchEnabled {
		sinks = append(sinks, analytics.NewCloudWatchSink(cloudwatch.NewFromConfig(awsCfg), cfg.Observability.MetricNamespace))
	}
	if cfg.AWS.AnalyticsQueueURL != "" {
		sinks = append(sinks, analytics.NewSQSForwarder(sqs.NewFromConfig(awsCfg), cfg.AWS.AnalyticsQueueURL))
	}
	recorder := analytics.NewRecorder(logger.With("component", "analytics"), sinks...)

	holder := instanceID()

	reaper := dispatch.NewReaper(b.jobs, b.workers, cfg.Worker.HeartbeatTimeout, clock, logger.With("component", "reaper"))
	poolCfg := dispatch.ConfigFrom(cfg.Worker, cfg.Email)
	poolCfg.From = clients.From
	a.pool = dispatch.NewPool(dispatch.Deps{
		Queue:      b.jobs,
		Ledger:     b.ledger,
		Limiter:    limiter,
		Composer:   clients.Composer,
		Mailer:     clients.Mailer,
		Recorder:   recorder,
		Heartbeats: b.workers,
		Clock:      clock,
	}, reaper, poolCfg, logger.With("component", "dispatch"))

	scanner := scheduler.NewScanner(b.preferences, scheduler.ScannerConfig{
		BatchSize:               cfg.Scheduler.ScanBatchSize,
		DefaultUTCOffsetMinutes: cfg.Scheduler.DefaultUTCOffsetMinutes,
	}, logger.With("component", "scanner"))
	a.runner = scheduler.NewRunner(scanner, b.jobs, b.batchRuns, b.locks, clock, scheduler.RunnerConfig{
		TickInterval: cfg.Scheduler.TickInterval,
		MaxRetries:   cfg.Worker.MaxRetries,
		Holder:       holder,
	}, logger.With("component", "trigger"))
	a.sweeper = scheduler.NewGraceSweeper(b.subscriptions, b.history, clock, logger.With("component", "grace_sweep"))
	tester := scheduler.NewTestSender(b.preferences, b.jobs, b.locks, clock, scheduler.TestSenderConfig{
		Cooldown:   cfg.Admin.TestSendCooldown,
		MaxRetries: cfg.Worker.MaxRetries,
		Holder:     holder,
	}, logger.With("component", "test_send"))

	cleanup := scheduler.NewCleanupService(b.jobs, b.locks, b.counters, cfg.Maintenance.JobRetention, logger.With("component", "cleanup"))
	services := scheduler.ServiceRegistry{CleanupJobs: cleanup.CleanupJobs}
	if cfg.AWS.ArchiveBucket != "" {
		archiver := analytics.NewArchiver(b.events, s3.NewFromConfig(awsCfg), cfg.AWS.ArchiveBucket,
			cfg.Maintenance.AnalyticsRetention, logger.With("component", "archiver"))
		services.ArchiveAnalytics = archiver.ArchiveAnalytics
	}
	a.maintenance = &scheduler.Multiplexer{
		Services: services,
		Locks:    b.locks,
		History:  b.history,
		Clock:    clock,
		Holder:   holder,
		Logger:   logger.With("component", "maintenance"),
	}

	a.server, err = admin.NewServer(admin.Deps{
		Jobs:          b.jobs,
		Workers:       b.workers,
		History:       b.history,
		Batches:       b.batchRuns,
		Subscriptions: b.subscriptions,
		Tester:        tester,
		Sweeper:       a.sweeper,
		Trigger:       a.runner,
		Gauges:        a.metrics,
		Clock:         clock,
	}, admin.Options{
		AdminKey:         cfg.Admin.APIKey,
		HeartbeatTimeout: cfg.Worker.HeartbeatTimeout,
		Version:          cfg.Build.Version,
		Probes:           b.probes,
		MetricsHandler:   promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}, logger.With("component", "admin"))
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// maintenanceTasks are the tasks the process runs itself every hour.
func (a *app) maintenanceTasks() []scheduler.TaskType {
	tasks := []scheduler.TaskType{scheduler.TaskCleanupJobs}
	if a.maintenance.Services.ArchiveAnalytics != nil {
		tasks = append(tasks, scheduler.TaskArchiveAnalytics)
	}
	return tasks
}

func (a *app) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.pool.Run(gctx) })
	g.Go(func() error { return a.runner.Run(gctx) })
	g.Go(func() error { return a.sweeper.Run(gctx, a.cfg.Scheduler.GraceSweepInterval) })
	g.Go(func() error { return a.maintenance.RunEvery(gctx, maintenanceInterval, a.maintenanceTasks()...) })
	g.Go(func() error {
		return sampleMetrics(gctx, a.metrics, a.backend, a.cfg.Worker.HeartbeatTimeout, metricsSampleInterval, a.clock, a.logger)
	})
	g.Go(func() error { return a.server.ListenAndServe(gctx, ":"+a.cfg.Server.Port) })

	err := g.Wait()
	if err != nil {
		a.logger.Error("delivery engine stopped with error", "error", err)
		return err
	}
	a.logger.Info("delivery engine stopped cleanly")
	return nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
