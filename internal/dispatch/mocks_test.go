package dispatch

import (
	"context"
	"sync"
	"time"

	"bizjournal/internal/memstore"
	"bizjournal/internal/types"
)

var t0 = time.Date(2026, 3, 14, 7, 5, 0, 0, time.UTC)

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeComposer struct {
	mu    sync.Mutex
	calls []types.ComposeRequest
	fn    func(types.ComposeRequest) (*types.Content, error)
}

func (f *fakeComposer) Compose(_ context.Context, req types.ComposeRequest) (*types.Content, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return &types.Content{Subject: "Your digest", HTMLBody: "<p>hi</p>", TextBody: "hi"}, nil
}

func (f *fakeComposer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []types.SendInput
	err  error
}

func (f *fakeMailer) Send(_ context.Context, in types.SendInput) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, in)
	return "msg-" + in.ReferenceID, nil
}

func (f *fakeMailer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeMailer) perJob() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int)
	for _, in := range f.sent {
		out[in.ReferenceID]++
	}
	return out
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []types.AnalyticsEvent
}

func (f *fakeRecorder) Record(_ context.Context, e types.AnalyticsEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func (f *fakeRecorder) outcomes() []types.AnalyticsOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.AnalyticsOutcome, len(f.events))
	for i, e := range f.events {
		out[i] = e.Outcome
	}
	return out
}

// failingComplete rejects the first Complete call after a successful send.
type failingComplete struct {
	*memstore.JobStore
	mu     sync.Mutex
	failed bool
}

func (f *failingComplete) Complete(ctx context.Context, job *types.Job, outcome types.DeliveryOutcome, now time.Time) error {
	f.mu.Lock()
	if !f.failed {
		f.failed = true
		f.mu.Unlock()
		return types.NewAppError(types.ErrCodeInternalDB, "connection reset", nil)
	}
	f.mu.Unlock()
	return f.JobStore.Complete(ctx, job, outcome, now)
}

func digestJob(id, userID, day string, maxRetries int) *types.Job {
	d := day
	return &types.Job{
		ID:           id,
		Type:         types.JobTypeDigest,
		UserID:       userID,
		Address:      userID + "@example.com",
		Priority:     types.DefaultPriority,
		ScheduledFor: t0,
		MaxRetries:   maxRetries,
		DedupDay:     &d,
		CreatedAt:    t0,
	}
}

type harness struct {
	store    *memstore.Store
	clock    *mockClock
	composer *fakeComposer
	mailer   *fakeMailer
	recorder *fakeRecorder
	deps     Deps
	cfg      Config
}

func newHarness() *harness {
	h := &harness{
		store:    memstore.New(),
		clock:    &mockClock{now: t0},
		composer: &fakeComposer{},
		mailer:   &fakeMailer{},
		recorder: &fakeRecorder{},
	}
	h.deps = Deps{
		Queue:      h.store.Jobs,
		Ledger:     h.store.Ledger,
		Composer:   h.composer,
		Mailer:     h.mailer,
		Recorder:   h.recorder,
		Heartbeats: h.store.Workers,
		Clock:      h.clock,
	}
	h.cfg = Config{
		PollInterval: 5 * time.Millisecond,
		JobTimeout:   time.Second,
		Backoff:      BackoffPolicy{Base: 30 * time.Second, Max: 30 * time.Minute, Factor: 2},
		From:         types.SenderIdentity{Address: "digest@bizjournal.app", Name: "BizJournal"},
	}
	return h
}

func (h *harness) worker(id string) *Worker {
	return NewWorker(id, h.deps, h.cfg, nil)
}

func (h *harness) enqueue(jobs ...*types.Job) {
	for _, j := range jobs {
		if ok, err := h.store.Jobs.EnqueueClaimed(context.Background(), j); err != nil || !ok {
			panic("enqueue " + j.ID)
		}
	}
}
