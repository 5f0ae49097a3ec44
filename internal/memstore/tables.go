package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"bizjournal/internal/types"
)

// PreferenceStore holds delivery preferences.
type PreferenceStore struct {
	s *state
}

// Put inserts or replaces a preference.
func (p *PreferenceStore) Put(pref types.DeliveryPreference) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	p.s.preferences[pref.UserID] = pref
}

// ListEnabled pages through enabled preferences ordered by user id.
func (p *PreferenceStore) ListEnabled(_ context.Context, afterUserID string, limit int) ([]types.DeliveryPreference, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()

	var out []types.DeliveryPreference
	for _, pref := range p.s.preferences {
		if pref.Enabled && pref.UserID > afterUserID {
			out = append(out, pref)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Get returns one preference regardless of the enabled flag.
func (p *PreferenceStore) Get(_ context.Context, userID string) (*types.DeliveryPreference, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	pref, ok := p.s.preferences[userID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundUser, "delivery preference not found", nil)
	}
	return &pref, nil
}

// WorkerStore holds worker heartbeats.
type WorkerStore struct {
	s *state
}

// Heartbeat upserts the worker's row.
func (w *WorkerStore) Heartbeat(_ context.Context, status types.WorkerStatus) error {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	w.s.workers[status.WorkerID] = status
	return nil
}

// MarkStale flags live workers whose heartbeat is older than cutoff.
func (w *WorkerStore) MarkStale(_ context.Context, cutoff time.Time) (int, error) {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()

	n := 0
	for id, st := range w.s.workers {
		if (st.State == types.WorkerStateActive || st.State == types.WorkerStateIdle) && st.LastHeartbeat.Before(cutoff) {
			st.State = types.WorkerStateError
			st.CurrentJobID = nil
			w.s.workers[id] = st
			n++
		}
	}
	return n, nil
}

// CountActive counts live workers with a heartbeat at or after cutoff.
func (w *WorkerStore) CountActive(_ context.Context, cutoff time.Time) (int, error) {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()

	n := 0
	for _, st := range w.s.workers {
		if (st.State == types.WorkerStateActive || st.State == types.WorkerStateIdle) && !st.LastHeartbeat.Before(cutoff) {
			n++
		}
	}
	return n, nil
}

// Get returns a worker's last heartbeat.
func (w *WorkerStore) Get(workerID string) (types.WorkerStatus, bool) {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	st, ok := w.s.workers[workerID]
	return st, ok
}

// SubscriptionStore holds subscription lifecycle state.
type SubscriptionStore struct {
	s *state
}

// Put inserts or replaces a subscription.
func (ss *SubscriptionStore) Put(sub types.SubscriptionState) {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	ss.s.subscriptions[sub.UserID] = sub
}

// ListGraceExpired pages through unsuspended accounts whose grace period
// ended before now.
func (ss *SubscriptionStore) ListGraceExpired(_ context.Context, now time.Time, afterUserID string, limit int) ([]types.SubscriptionState, error) {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()

	var out []types.SubscriptionState
	for _, sub := range ss.s.subscriptions {
		if graceExpired(sub, now) && sub.UserID > afterUserID {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func graceExpired(sub types.SubscriptionState, now time.Time) bool {
	return sub.Status != types.SubscriptionSuspended && sub.GracePeriodEnd != nil && sub.GracePeriodEnd.Before(now)
}

// Suspend suspends userID if its grace period ended before now.
func (ss *SubscriptionStore) Suspend(_ context.Context, userID string, now time.Time) (bool, error) {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()

	sub, ok := ss.s.subscriptions[userID]
	if !ok || !graceExpired(sub, now) {
		return false, nil
	}
	from := sub.Status
	sub.Status = types.SubscriptionSuspended
	sub.SuspendedAt = timePtr(now)
	sub.UpdatedAt = now
	ss.s.subscriptions[userID] = sub
	ss.s.subEvents = append(ss.s.subEvents, SubscriptionEvent{
		UserID: userID, FromStatus: from, ToStatus: sub.Status, Reason: "grace_period_expired", OccurredAt: now,
	})
	return true, nil
}

// Reactivate moves a suspended account back to active.
func (ss *SubscriptionStore) Reactivate(_ context.Context, userID string, now time.Time) (bool, error) {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()

	sub, ok := ss.s.subscriptions[userID]
	if !ok || sub.Status != types.SubscriptionSuspended {
		return false, nil
	}
	sub.Status = types.SubscriptionActive
	sub.SuspendedAt = nil
	sub.GracePeriodEnd = nil
	sub.UpdatedAt = now
	ss.s.subscriptions[userID] = sub
	ss.s.subEvents = append(ss.s.subEvents, SubscriptionEvent{
		UserID: userID, FromStatus: types.SubscriptionSuspended, ToStatus: sub.Status, Reason: "manual_reactivation", OccurredAt: now,
	})
	return true, nil
}

// Get returns a subscription.
func (ss *SubscriptionStore) Get(_ context.Context, userID string) (*types.SubscriptionState, error) {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	sub, ok := ss.s.subscriptions[userID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
	}
	return &sub, nil
}

// Events returns the audit trail.
func (ss *SubscriptionStore) Events() []SubscriptionEvent {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	return append([]SubscriptionEvent(nil), ss.s.subEvents...)
}

// RateLimitStore holds fixed-window counters.
type RateLimitStore struct {
	s *state
}

// Take adds cost to key's counter if the result stays within limit.
func (r *RateLimitStore) Take(_ context.Context, key string, limitType types.LimitType, cost, limit int, windowEnd, now time.Time) (types.RateLimitCounter, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c, ok := r.s.counters[key]
	if !ok || !c.ResetAt.After(now) {
		c = types.RateLimitCounter{Key: key, LimitType: limitType, Used: cost, ResetAt: windowEnd}
		r.s.counters[key] = c
		return c, true, nil
	}
	if c.Used+cost > limit {
		return c, false, nil
	}
	c.Used += cost
	r.s.counters[key] = c
	return c, true, nil
}

// DeleteExpired removes counters whose window ended before cutoff.
func (r *RateLimitStore) DeleteExpired(_ context.Context, cutoff time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for k, c := range r.s.counters {
		if c.ResetAt.Before(cutoff) {
			delete(r.s.counters, k)
			n++
		}
	}
	return n, nil
}

// LockStore holds leased locks.
type LockStore struct {
	s *state
}

// Acquire takes lockID for ttl unless another lease is still valid.
func (l *LockStore) Acquire(_ context.Context, lockID, holder string, now time.Time, ttl time.Duration) (bool, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	if cur, ok := l.s.locks[lockID]; ok && !cur.expiresAt.Before(now) {
		return false, nil
	}
	l.s.locks[lockID] = lockRow{holder: holder, expiresAt: now.Add(ttl)}
	return true, nil
}

// ExpiresAt returns when lockID's lease ends, or the zero time.
func (l *LockStore) ExpiresAt(_ context.Context, lockID string) (time.Time, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return l.s.locks[lockID].expiresAt, nil
}

// Release drops lockID if holder owns it.
func (l *LockStore) Release(_ context.Context, lockID, holder string) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	if cur, ok := l.s.locks[lockID]; ok && cur.holder == holder {
		delete(l.s.locks, lockID)
	}
	return nil
}

// DeleteExpired removes leases that ended before cutoff.
func (l *LockStore) DeleteExpired(_ context.Context, cutoff time.Time) (int, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	n := 0
	for id, row := range l.s.locks {
		if row.expiresAt.Before(cutoff) {
			delete(l.s.locks, id)
			n++
		}
	}
	return n, nil
}

// HistoryStore records maintenance task runs.
type HistoryStore struct {
	s *state
}

// Start records a running task and returns its id.
func (h *HistoryStore) Start(_ context.Context, task string, now time.Time) (int64, error) {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	id := h.s.nextSeq()
	h.s.history = append(h.s.history, types.TaskRun{
		ID: id, Task: task, Status: types.TaskStatusRunning, StartedAt: now,
	})
	return id, nil
}

// Finish records the outcome of a started run.
func (h *HistoryStore) Finish(_ context.Context, id int64, status string, items int, jobErr error, now time.Time) error {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	for i := range h.s.history {
		run := &h.s.history[i]
		if run.ID != id {
			continue
		}
		run.Status = status
		run.ItemsCount = items
		run.FinishedAt = timePtr(now)
		if jobErr != nil {
			run.Error = jobErr.Error()
		}
		return nil
	}
	return types.NewAppError(types.ErrCodeInternalUnexpected, fmt.Sprintf("job history entry %d not found", id), nil)
}

// Latest returns the most recent run of task, or nil.
func (h *HistoryStore) Latest(_ context.Context, task string) (*types.TaskRun, error) {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	var latest *types.TaskRun
	for i := range h.s.history {
		run := h.s.history[i]
		if run.Task != task {
			continue
		}
		if latest == nil || !run.StartedAt.Before(latest.StartedAt) {
			latest = &run
		}
	}
	return latest, nil
}

// BatchRunStore holds per-tick aggregates.
type BatchRunStore struct {
	s *state
}

// Create inserts an empty batch run.
func (b *BatchRunStore) Create(_ context.Context, run *types.BatchRun) error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	if _, exists := b.s.batchRuns[run.ID]; exists {
		return types.NewAppError(types.ErrCodeInternalDB, fmt.Sprintf("duplicate batch run %s", run.ID), nil)
	}
	stored := types.BatchRun{ID: run.ID, TargetHour: run.TargetHour, StartedAt: run.StartedAt}
	b.s.batchRuns[run.ID] = &stored
	return nil
}

// Latest returns the most recently started batch run, or nil.
func (b *BatchRunStore) Latest(context.Context) (*types.BatchRun, error) {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	var latest *types.BatchRun
	for _, run := range b.s.batchRuns {
		if latest == nil || run.StartedAt.After(latest.StartedAt) {
			latest = run
		}
	}
	if latest == nil {
		return nil, nil
	}
	out := *latest
	return &out, nil
}

// Get returns a batch run by id.
func (b *BatchRunStore) Get(id string) (types.BatchRun, bool) {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	run, ok := b.s.batchRuns[id]
	if !ok {
		return types.BatchRun{}, false
	}
	return *run, true
}

// AnalyticsStore is an append-only event log.
type AnalyticsStore struct {
	s *state
}

// Insert appends an event.
func (a *AnalyticsStore) Insert(_ context.Context, e types.AnalyticsEvent) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	a.s.analytics = append(a.s.analytics, types.StoredEvent{ID: a.s.nextSeq(), AnalyticsEvent: e})
	return nil
}

// ListBefore returns up to limit events older than cutoff in id order.
func (a *AnalyticsStore) ListBefore(_ context.Context, cutoff time.Time, limit int) ([]types.StoredEvent, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	var out []types.StoredEvent
	for _, e := range a.s.analytics {
		if len(out) == limit {
			break
		}
		if e.Timestamp.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out, nil
}

// DeleteThrough removes events with id <= maxID older than cutoff.
func (a *AnalyticsStore) DeleteThrough(_ context.Context, maxID int64, cutoff time.Time) (int, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	kept := a.s.analytics[:0]
	n := 0
	for _, e := range a.s.analytics {
		if e.ID <= maxID && e.Timestamp.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	a.s.analytics = kept
	return n, nil
}

// All returns a copy of every stored event.
func (a *AnalyticsStore) All() []types.StoredEvent {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	return append([]types.StoredEvent(nil), a.s.analytics...)
}
