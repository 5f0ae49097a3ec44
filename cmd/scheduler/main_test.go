package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"

	"bizjournal/internal/config"
	"bizjournal/internal/memstore"
	"bizjournal/internal/scheduler"
	"bizjournal/internal/types"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var t0 = time.Date(2026, 3, 14, 7, 5, 0, 0, time.UTC)

func memoryConfig() *config.Config {
	return &config.Config{
		Environment:  "local",
		LogLevel:     "info",
		StoreBackend: config.BackendMemory,
		Server:       config.ServerConfig{Port: "0"},
		AWS:          config.AWSConfig{Region: "us-east-1"},
		Email: config.EmailConfig{
			Provider:    "log",
			FromAddress: "digest@bizjournal.app",
			FromName:    "Your Business Journal",
		},
		Scheduler: config.SchedulerConfig{
			TickInterval:            time.Hour,
			DefaultUTCOffsetMinutes: 120,
			ScanBatchSize:           100,
			GraceSweepInterval:      time.Hour,
		},
		Worker: config.WorkerConfig{
			PoolSize:          2,
			PollInterval:      10 * time.Millisecond,
			HeartbeatInterval: 50 * time.Millisecond,
			HeartbeatTimeout:  time.Second,
			ReaperInterval:    50 * time.Millisecond,
			JobTimeout:        time.Second,
			MaxRetries:        3,
			BackoffBase:       30 * time.Second,
			BackoffMax:        30 * time.Minute,
		},
		RateLimit: config.RateLimitConfig{
			Backend:        config.BackendMemory,
			GlobalHourly:   100,
			UserHourly:     3,
			UserDaily:      5,
			ComposerHourly: 100,
			MailerHourly:   100,
		},
		Admin:         config.AdminConfig{APIKey: "local-admin-key", TestSendCooldown: 5 * time.Minute},
		Observability: config.ObservabilityConfig{MetricNamespace: "BizJournal/Delivery"},
		Maintenance:   config.MaintenanceConfig{JobRetention: 720 * time.Hour, AnalyticsRetention: 2160 * time.Hour},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"trace": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLogger_WritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.log")
	logger, closeFn := newLogger("info", path)
	logger.Info("hello", "k", "v")
	closeFn()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("log file is empty")
	}
}

func TestBuildApp_Memory(t *testing.T) {
	a, err := buildApp(context.Background(), memoryConfig(), aws.Config{Region: "us-east-1"}, fixedClock{t0}, quietLogger())
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	defer a.close()

	if got := a.maintenanceTasks(); len(got) != 1 || got[0] != scheduler.TaskCleanupJobs {
		t.Errorf("maintenance tasks = %v", got)
	}

	rec := httptest.NewRecorder()
	a.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("health = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	a.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("metrics = %d", rec.Code)
	}
}

func TestBuildApp_ArchiveTaskNeedsBucket(t *testing.T) {
	cfg := memoryConfig()
	cfg.AWS.ArchiveBucket = "bizjournal-archive"
	a, err := buildApp(context.Background(), cfg, aws.Config{Region: "us-east-1"}, fixedClock{t0}, quietLogger())
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	defer a.close()

	if got := a.maintenanceTasks(); len(got) != 2 || got[1] != scheduler.TaskArchiveAnalytics {
		t.Errorf("maintenance tasks = %v", got)
	}
}

func TestBuildApp_UnknownLimiterBackend(t *testing.T) {
	cfg := memoryConfig()
	cfg.RateLimit.Backend = "etcd"
	if _, err := buildApp(context.Background(), cfg, aws.Config{}, fixedClock{t0}, quietLogger()); err == nil {
		t.Fatal("expected error")
	}
}

// TestEndToEnd_TickToDelivery runs one trigger tick and the worker pool
// over the memory backend and checks that the digest was delivered once.
func TestEndToEnd_TickToDelivery(t *testing.T) {
	a, err := buildApp(context.Background(), memoryConfig(), aws.Config{Region: "us-east-1"}, fixedClock{t0}, quietLogger())
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	defer a.close()

	// UTC+2 users who want their digest at 09:00 local, ticked at 07:05 UTC.
	users := []string{"u1", "u2", "u3"}
	prefs := a.backend.preferences.(*memstore.PreferenceStore)
	for _, id := range users {
		offset := 120
		prefs.Put(types.DeliveryPreference{
			UserID: id, Email: id + "@example.com", SendHour: 9, UTCOffsetMinutes: &offset, Enabled: true,
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res, err := a.runner.Tick(ctx, t0)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if res.Enqueued != 3 {
		t.Fatalf("tick = %+v", res)
	}

	done := make(chan error, 1)
	go func() { done <- a.pool.Run(ctx) }()

	jobs := a.backend.jobs.(*memstore.JobStore)
	deadline := time.Now().Add(5 * time.Second)
	for {
		counts, _ := jobs.CountByStatus(ctx)
		if counts[types.JobStatusCompleted] == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("jobs not completed: %v", counts)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("pool: %v", err)
	}

	events := a.backend.events.(*memstore.AnalyticsStore).All()
	sent := 0
	for _, e := range events {
		if e.Outcome == types.AnalyticsSent {
			sent++
		}
	}
	if sent != 3 {
		t.Errorf("sent events = %d, want 3", sent)
	}

	jobIDs := map[string]bool{}
	for _, j := range jobs.List(context.Background()) {
		jobIDs[j.ID] = true
	}
	for _, id := range users {
		rec, err := a.backend.ledger.Get(context.Background(), types.DeliveryKey{UserID: id, JobType: types.JobTypeDigest, Day: "2026-03-14"})
		if err != nil || rec == nil {
			t.Fatalf("ledger %s = %v, %v", id, rec, err)
		}
		if rec.Outcome != types.OutcomeSent || !jobIDs[rec.JobID] {
			t.Errorf("ledger %s = %+v, want sent by a stored job", id, rec)
		}
	}

	again, err := a.runner.Tick(context.Background(), t0)
	if err != nil {
		t.Fatalf("second Tick: %v", err)
	}
	if !again.Skipped {
		t.Errorf("second tick in the same hour must be skipped: %+v", again)
	}
}
