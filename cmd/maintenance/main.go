// Package main is the entrypoint for the maintenance Lambda function.
//
// The function is a maintenance multiplexer: EventBridge rules send a JSON
// MaintenancePayload naming the task, and the handler routes it to the
// matching service under an hour lock, recording every run in job_history.
//
//	{"task": "trigger_digests"}
//	{"task": "grace_sweep", "reference_time": "2026-03-14T07:00:00Z"}
//
// With APP_ENV=local the payload is read from stdin instead of the Lambda
// runtime.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	_ "time/tzdata"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"bizjournal/internal/analytics"
	"bizjournal/internal/config"
	"bizjournal/internal/db"
	"bizjournal/internal/dispatch"
	"bizjournal/internal/scheduler"
	"bizjournal/internal/types"
)

// newMultiplexer wires every maintenance task over the Postgres store.
// The grace sweeper gets no history of its own: the multiplexer records
// each run.
func newMultiplexer(cfg *config.Config, st *db.Store, objects analytics.ObjectPutter, clock types.Clock, holder string, logger *slog.Logger) *scheduler.Multiplexer {
	scanner := scheduler.NewScanner(st.Preferences, scheduler.ScannerConfig{
		BatchSize:               cfg.Scheduler.ScanBatchSize,
		DefaultUTCOffsetMinutes: cfg.Scheduler.DefaultUTCOffsetMinutes,
	}, logger)
	runner := scheduler.NewRunner(scanner, st.Jobs, st.BatchRuns, st.Locks, clock, scheduler.RunnerConfig{
		TickInterval: cfg.Scheduler.TickInterval,
		MaxRetries:   cfg.Worker.MaxRetries,
		Holder:       holder,
	}, logger)
	sweeper := scheduler.NewGraceSweeper(st.Subscriptions, nil, clock, logger)
	reaper := dispatch.NewReaper(st.Jobs, st.Workers, cfg.Worker.HeartbeatTimeout, clock, logger)
	cleanup := scheduler.NewCleanupService(st.Jobs, st.Locks, st.RateLimits, cfg.Maintenance.JobRetention, logger)

	services := scheduler.ServiceRegistry{
		TriggerDigests: runner.TriggerDigests,
		GraceSweep:     sweeper.SweepGracePeriods,
		ReclaimStale:   reaper.ReclaimStale,
		CleanupJobs:    cleanup.CleanupJobs,
	}
	if cfg.AWS.ArchiveBucket != "" && objects != nil {
		archiver := analytics.NewArchiver(st.Analytics, objects, cfg.AWS.ArchiveBucket, cfg.Maintenance.AnalyticsRetention, logger)
		services.ArchiveAnalytics = archiver.ArchiveAnalytics
	}

	return &scheduler.Multiplexer{
		Services: services,
		Locks:    st.Locks,
		History:  st.History,
		Clock:    clock,
		Holder:   holder,
		Logger:   logger,
	}
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	logger.Info("maintenance Lambda initializing (cold start)")

	cfg, err := config.LoadConfig(config.NewSecretProvider(os.Getenv("SECRET_PROVIDER"), os.Getenv("AWS_REGION")))
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.StoreBackend != config.BackendPostgres {
		logger.Error("maintenance Lambda requires STORE_BACKEND=postgres", "store_backend", cfg.StoreBackend)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.Database)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.AWS.Region)}
	if cfg.AWS.EndpointURL != "" {
		opts = append(opts, awsconfig.WithBaseEndpoint(cfg.AWS.EndpointURL))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		logger.Error("failed to load AWS SDK config", "error", err)
		os.Exit(1)
	}

	holder := "maintenance-" + uuid.NewString()
	mux := newMultiplexer(cfg, db.NewStore(pool, logger), s3Client(awsCfg), types.RealClock{}, holder, logger)

	logger.Info("maintenance Lambda initialized",
		"holder", holder,
		"archive_bucket", cfg.AWS.ArchiveBucket,
	)

	if cfg.Environment == "local" {
		if err := runLocal(ctx, mux, os.Stdin, logger); err != nil {
			logger.Error("maintenance task failed", "error", err)
			os.Exit(1)
		}
		return
	}

	lambda.Start(mux.Handle)
}

func s3Client(awsCfg aws.Config) *s3.Client {
	return s3.NewFromConfig(awsCfg)
}

// runLocal reads a single MaintenancePayload from r and runs it.
func runLocal(ctx context.Context, mux *scheduler.Multiplexer, r io.Reader, logger *slog.Logger) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading payload: %w", err)
	}
	var payload scheduler.MaintenancePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	result, err := mux.Handle(ctx, payload)
	if err != nil {
		return err
	}
	logger.InfoContext(ctx, "local run finished", "result", result)
	return nil
}
