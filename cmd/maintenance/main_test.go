package main

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"bizjournal/internal/config"
	"bizjournal/internal/db"
	"bizjournal/internal/memstore"
	"bizjournal/internal/scheduler"
	"bizjournal/internal/types"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type nopPutter struct{}

func (nopPutter) PutObject(context.Context, *s3.PutObjectInput, ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	return &s3.PutObjectOutput{}, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewMultiplexer_WiresTasks(t *testing.T) {
	cfg := &config.Config{}
	st := db.NewStore(nil, quietLogger())

	mux := newMultiplexer(cfg, st, nopPutter{}, types.RealClock{}, "test", quietLogger())
	s := mux.Services
	if s.TriggerDigests == nil || s.GraceSweep == nil || s.ReclaimStale == nil || s.CleanupJobs == nil {
		t.Errorf("core tasks must be wired: %+v", s)
	}
	if s.ArchiveAnalytics != nil {
		t.Error("archive task wired without a bucket")
	}

	cfg.AWS.ArchiveBucket = "bizjournal-archive"
	mux = newMultiplexer(cfg, st, nopPutter{}, types.RealClock{}, "test", quietLogger())
	if mux.Services.ArchiveAnalytics == nil {
		t.Error("archive task not wired with a bucket")
	}
}

func TestRunLocal(t *testing.T) {
	store := memstore.New()
	now := time.Date(2026, 3, 14, 7, 0, 0, 0, time.UTC)
	ran := 0
	mux := &scheduler.Multiplexer{
		Services: scheduler.ServiceRegistry{
			CleanupJobs: func(context.Context, time.Time) (int, error) {
				ran++
				return 7, nil
			},
		},
		Locks:   store.Locks,
		History: store.History,
		Clock:   fixedClock{now},
		Holder:  "local",
		Logger:  quietLogger(),
	}

	err := runLocal(context.Background(), mux, strings.NewReader(`{"task":"cleanup_jobs"}`), quietLogger())
	if err != nil {
		t.Fatalf("runLocal: %v", err)
	}
	if ran != 1 {
		t.Errorf("task ran %d times", ran)
	}
	last, err := store.History.Latest(context.Background(), types.TaskCleanupJobs)
	if err != nil || last == nil {
		t.Fatalf("history: %v %v", last, err)
	}
	if last.Status != types.TaskStatusSuccess || last.ItemsCount != 7 {
		t.Errorf("history = %+v", last)
	}

	// Same hour: the lock is held and the task is skipped.
	if err := runLocal(context.Background(), mux, strings.NewReader(`{"task":"cleanup_jobs"}`), quietLogger()); err != nil {
		t.Fatalf("second runLocal: %v", err)
	}
	if ran != 1 {
		t.Errorf("task ran again within the lock hour")
	}
}

func TestRunLocal_BadPayload(t *testing.T) {
	mux := &scheduler.Multiplexer{Logger: quietLogger()}
	if err := runLocal(context.Background(), mux, strings.NewReader(`not json`), quietLogger()); err == nil {
		t.Fatal("expected parse error")
	}
}
