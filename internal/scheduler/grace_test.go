package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bizjournal/internal/memstore"
	"bizjournal/internal/types"
)

var sweepNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func graceSub(userID string, status types.SubscriptionStatus, end time.Time) types.SubscriptionState {
	return types.SubscriptionState{UserID: userID, PlanType: "pro", Status: status, GracePeriodEnd: &end}
}

func seedSubscriptions(store *memstore.Store) {
	store.Subscriptions.Put(graceSub("expired-1", types.SubscriptionGrace, sweepNow.Add(-time.Hour)))
	store.Subscriptions.Put(graceSub("expired-2", types.SubscriptionPastDue, sweepNow.Add(-48*time.Hour)))
	store.Subscriptions.Put(graceSub("still-grace", types.SubscriptionGrace, sweepNow.Add(time.Hour)))
	store.Subscriptions.Put(types.SubscriptionState{UserID: "no-grace", Status: types.SubscriptionActive})
}

func TestSweep_SuspendsExpiredOnce(t *testing.T) {
	store := memstore.New()
	seedSubscriptions(store)
	g := NewGraceSweeper(store.Subscriptions, store.History, &mockClock{now: sweepNow}, nil)

	res, err := g.Sweep(context.Background(), sweepNow)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if res.Suspended != 2 || len(res.Errors) != 0 {
		t.Errorf("result = %+v", res)
	}

	again, err := g.Sweep(context.Background(), sweepNow.Add(time.Minute))
	if err != nil {
		t.Fatalf("second Sweep: %v", err)
	}
	if again.Suspended != 0 {
		t.Errorf("second sweep suspended %d", again.Suspended)
	}

	for _, id := range []string{"expired-1", "expired-2"} {
		sub, _ := store.Subscriptions.Get(context.Background(), id)
		if sub.Status != types.SubscriptionSuspended || sub.SuspendedAt == nil {
			t.Errorf("%s = %+v", id, sub)
		}
	}
	if sub, _ := store.Subscriptions.Get(context.Background(), "still-grace"); sub.Status != types.SubscriptionGrace {
		t.Errorf("still-grace = %s", sub.Status)
	}
	if n := len(store.Subscriptions.Events()); n != 2 {
		t.Errorf("audit events = %d, want 2", n)
	}

	last, _ := store.History.Latest(context.Background(), types.TaskGraceSweep)
	if last == nil || last.Status != types.TaskStatusSuccess || last.ItemsCount != 0 {
		t.Errorf("latest history = %+v", last)
	}
}

func TestSweep_ConcurrentSweepsSuspendOnce(t *testing.T) {
	store := memstore.New()
	seedSubscriptions(store)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g := NewGraceSweeper(store.Subscriptions, nil, &mockClock{now: sweepNow}, nil)
			res, err := g.Sweep(context.Background(), sweepNow)
			if err != nil {
				t.Errorf("Sweep: %v", err)
				return
			}
			mu.Lock()
			total += res.Suspended
			mu.Unlock()
		}()
	}
	wg.Wait()

	if total != 2 {
		t.Errorf("total suspended across sweeps = %d, want 2", total)
	}
	if n := len(store.Subscriptions.Events()); n != 2 {
		t.Errorf("audit events = %d, want 2", n)
	}
}

type mockSubs struct {
	rows      []types.SubscriptionState
	listErr   error
	suspended map[string]bool
	failFor   map[string]error
	pages     int
}

func (m *mockSubs) ListGraceExpired(_ context.Context, _ time.Time, after string, limit int) ([]types.SubscriptionState, error) {
	m.pages++
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []types.SubscriptionState
	for _, r := range m.rows {
		if r.UserID > after && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *mockSubs) Suspend(_ context.Context, userID string, _ time.Time) (bool, error) {
	if err := m.failFor[userID]; err != nil {
		return false, err
	}
	return !m.suspended[userID], nil
}

func TestSweep_CollectsErrorsAndContinues(t *testing.T) {
	subs := &mockSubs{
		rows: []types.SubscriptionState{
			graceSub("a", types.SubscriptionGrace, sweepNow),
			graceSub("b", types.SubscriptionGrace, sweepNow),
			graceSub("c", types.SubscriptionGrace, sweepNow),
			graceSub("d", types.SubscriptionGrace, sweepNow),
		},
		suspended: map[string]bool{"c": true},
		failFor:   map[string]error{"b": errors.New("serialization failure")},
	}
	history := &mockHistory{}
	g := NewGraceSweeper(subs, history, &mockClock{now: sweepNow}, nil)
	g.batchSize = 3

	res, err := g.Sweep(context.Background(), sweepNow)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if res.Suspended != 2 || res.AlreadySuspended != 1 || len(res.Errors) != 1 {
		t.Errorf("result = %+v", res)
	}
	if subs.pages != 2 {
		t.Errorf("pages = %d, want 2", subs.pages)
	}
	if msgs := res.ErrorMessages(); len(msgs) != 1 || msgs[0] == "" {
		t.Errorf("ErrorMessages = %v", msgs)
	}

	if len(history.calls) != 1 {
		t.Fatalf("history calls = %+v", history.calls)
	}
	h := history.calls[0]
	if h.task != types.TaskGraceSweep || h.status != types.TaskStatusSuccess || h.items != 2 || h.err == nil {
		t.Errorf("history = %+v", h)
	}

	n, err := g.SweepGracePeriods(context.Background(), sweepNow)
	if err == nil || n != 2 {
		t.Errorf("SweepGracePeriods = %d, %v; want partial failure reported", n, err)
	}
}

func TestSweep_ListFailure(t *testing.T) {
	history := &mockHistory{}
	g := NewGraceSweeper(&mockSubs{listErr: errors.New("timeout")}, history, &mockClock{now: sweepNow}, nil)

	if _, err := g.Sweep(context.Background(), sweepNow); err == nil {
		t.Fatal("expected error")
	}
	if len(history.calls) != 1 || history.calls[0].status != types.TaskStatusFailed {
		t.Errorf("history = %+v", history.calls)
	}
}

func TestSweep_HistoryStartFailureIsNotFatal(t *testing.T) {
	subs := &mockSubs{rows: []types.SubscriptionState{graceSub("a", types.SubscriptionGrace, sweepNow)}}
	g := NewGraceSweeper(subs, &mockHistory{startErr: errors.New("db")}, nil, nil)

	res, err := g.Sweep(context.Background(), sweepNow)
	if err != nil || res.Suspended != 1 {
		t.Errorf("Sweep = %+v, %v", res, err)
	}
}
