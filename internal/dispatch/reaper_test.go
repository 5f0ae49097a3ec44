package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"bizjournal/internal/types"
)

func TestReaper_RunOnce(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	retrying := digestJob("retrying", "u1", "2026-03-14", 3)
	retrying.Priority = 10
	orphan := digestJob("orphan", "u2", "2026-03-14", 3)
	orphan.Priority = 9
	healthy := digestJob("healthy", "u3", "2026-03-14", 3)
	healthy.Priority = 8
	h.enqueue(retrying, orphan, healthy)

	claimed, err := h.store.Jobs.ClaimNext(ctx, "live", t0)
	if err != nil || claimed.ID != "retrying" {
		t.Fatalf("claim = %+v, %v", claimed, err)
	}
	if err := h.store.Jobs.Retry(ctx, claimed, "composer 503", t0.Add(time.Minute), t0); err != nil {
		t.Fatal(err)
	}
	if j, _ := h.store.Jobs.ClaimNext(ctx, "dead", t0); j == nil || j.ID != "orphan" {
		t.Fatalf("orphan claim = %+v", j)
	}
	if j, _ := h.store.Jobs.ClaimNext(ctx, "live", t0); j == nil || j.ID != "healthy" {
		t.Fatalf("healthy claim = %+v", j)
	}

	_ = h.store.Workers.Heartbeat(ctx, types.WorkerStatus{WorkerID: "dead", State: types.WorkerStateActive, LastHeartbeat: t0})
	_ = h.store.Workers.Heartbeat(ctx, types.WorkerStatus{WorkerID: "live", State: types.WorkerStateActive, LastHeartbeat: t0.Add(2 * time.Minute)})

	now := t0.Add(3 * time.Minute)
	reaper := NewReaper(h.store.Jobs, h.store.Workers, 2*time.Minute, h.clock, nil)
	res, err := reaper.RunOnce(ctx, now)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Promoted != 1 || res.Reclaimed != 1 || res.StaleWorkers != 1 {
		t.Errorf("result = %+v", res)
	}

	for id, want := range map[string]types.JobStatus{
		"retrying": types.JobStatusPending,
		"orphan":   types.JobStatusPending,
		"healthy":  types.JobStatusProcessing,
	} {
		if got := jobStatus(t, h, id).Status; got != want {
			t.Errorf("%s status = %s, want %s", id, got, want)
		}
	}
	if got := jobStatus(t, h, "orphan"); got.WorkerID != "" || got.RetryCount != 0 {
		t.Errorf("reclaimed job = %+v; want no owner and no retry consumed", got)
	}
	if row, _ := h.store.Workers.Get("dead"); row.State != types.WorkerStateError {
		t.Errorf("dead worker state = %s", row.State)
	}
	if row, _ := h.store.Workers.Get("live"); row.State != types.WorkerStateActive {
		t.Errorf("live worker state = %s", row.State)
	}
}

type failingReaperQueue struct {
	promoteErr error
	reclaimErr error
	reclaimed  bool
}

func (f *failingReaperQueue) PromoteDue(context.Context, time.Time) (int, error) {
	return 0, f.promoteErr
}

func (f *failingReaperQueue) ReclaimStale(context.Context, time.Time, time.Time) (int, error) {
	f.reclaimed = true
	return 2, f.reclaimErr
}

type staticLiveness struct {
	n   int
	err error
}

func (s staticLiveness) MarkStale(context.Context, time.Time) (int, error) { return s.n, s.err }

func TestReaper_Errors(t *testing.T) {
	t.Run("promote failure stops the pass", func(t *testing.T) {
		q := &failingReaperQueue{promoteErr: errors.New("db down")}
		r := NewReaper(q, staticLiveness{}, time.Minute, nil, nil)
		if _, err := r.RunOnce(context.Background(), t0); err == nil {
			t.Fatal("expected error")
		}
		if q.reclaimed {
			t.Error("reclaim must not run after a promote failure")
		}
	})
	t.Run("mark stale failure keeps counts", func(t *testing.T) {
		r := NewReaper(&failingReaperQueue{}, staticLiveness{err: errors.New("db down")}, time.Minute, nil, nil)
		res, err := r.RunOnce(context.Background(), t0)
		if err == nil || res.Reclaimed != 2 {
			t.Errorf("RunOnce = %+v, %v", res, err)
		}
	})
	t.Run("maintenance adapter", func(t *testing.T) {
		r := NewReaper(&failingReaperQueue{}, staticLiveness{n: 1}, time.Minute, nil, nil)
		n, err := r.ReclaimStale(context.Background(), t0)
		if err != nil || n != 2 {
			t.Errorf("ReclaimStale = %d, %v", n, err)
		}
	})
}
