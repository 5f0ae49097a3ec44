package scheduler

import (
	"context"
	"sync"
	"time"

	"bizjournal/internal/types"
)

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

// mockPrefs serves preferences in user id order, honouring the cursor.
type mockPrefs struct {
	prefs   []types.DeliveryPreference
	err     error
	calls   int
	block   chan struct{} // when set, ListEnabled waits for it to close
	entered chan struct{}
}

func (m *mockPrefs) ListEnabled(_ context.Context, after string, limit int) ([]types.DeliveryPreference, error) {
	m.calls++
	if m.entered != nil {
		close(m.entered)
		m.entered = nil
	}
	if m.block != nil {
		<-m.block
	}
	if m.err != nil {
		return nil, m.err
	}
	var out []types.DeliveryPreference
	for _, p := range m.prefs {
		if p.UserID > after && len(out) < limit {
			out = append(out, p)
		}
	}
	return out, nil
}

type mockLocker struct {
	acquired  []string
	released  []string
	deny      bool
	err       error
	expiresAt time.Time
}

func (m *mockLocker) Acquire(_ context.Context, lockID, _ string, _ time.Time, _ time.Duration) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	if m.deny {
		return false, nil
	}
	m.acquired = append(m.acquired, lockID)
	return true, nil
}

func (m *mockLocker) ExpiresAt(context.Context, string) (time.Time, error) {
	return m.expiresAt, nil
}

func (m *mockLocker) Release(_ context.Context, lockID, _ string) error {
	m.released = append(m.released, lockID)
	return nil
}

type mockEnqueuer struct {
	jobs       []*types.Job
	duplicates map[string]bool // user ids whose claim already exists
	failFor    map[string]error
}

func (m *mockEnqueuer) EnqueueClaimed(_ context.Context, job *types.Job) (bool, error) {
	if err := m.failFor[job.UserID]; err != nil {
		return false, err
	}
	if m.duplicates[job.UserID] {
		return false, nil
	}
	m.jobs = append(m.jobs, job)
	return true, nil
}

type mockBatches struct {
	runs []types.BatchRun
	err  error
}

func (m *mockBatches) Create(_ context.Context, run *types.BatchRun) error {
	if m.err != nil {
		return m.err
	}
	m.runs = append(m.runs, *run)
	return nil
}

type historyCall struct {
	task   string
	status string
	items  int
	err    error
}

type mockHistory struct {
	calls    []historyCall
	startErr error
}

func (m *mockHistory) Start(_ context.Context, task string, _ time.Time) (int64, error) {
	if m.startErr != nil {
		return 0, m.startErr
	}
	m.calls = append(m.calls, historyCall{task: task, status: types.TaskStatusRunning})
	return int64(len(m.calls)), nil
}

func (m *mockHistory) Finish(_ context.Context, id int64, status string, items int, jobErr error, _ time.Time) error {
	c := &m.calls[id-1]
	c.status, c.items, c.err = status, items, jobErr
	return nil
}

func intPtr(n int) *int { return &n }

func pref(userID string, hour int) types.DeliveryPreference {
	return types.DeliveryPreference{
		UserID:   userID,
		Email:    userID + "@example.com",
		SendHour: hour,
		Enabled:  true,
	}
}
