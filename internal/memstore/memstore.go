// Package memstore is an in-process implementation of the delivery engine's
// persistence layer. It mirrors the conditional-update semantics of the
// Postgres repositories in internal/db and backs STORE_BACKEND=memory and
// pipeline-level tests.
//
// All repositories returned by New share one mutex-guarded state, so an
// operation that touches several tables (claiming a ledger key while
// inserting a job, completing a job and its ledger row) is atomic exactly
// like its transactional counterpart.
package memstore

import (
	"sync"
	"time"

	"bizjournal/internal/types"
)

type state struct {
	mu sync.Mutex

	seq           int64
	jobs          map[string]*jobRow
	ledger        map[types.DeliveryKey]*types.DeliveryRecord
	preferences   map[string]types.DeliveryPreference
	workers       map[string]types.WorkerStatus
	subscriptions map[string]types.SubscriptionState
	subEvents     []SubscriptionEvent
	counters      map[string]types.RateLimitCounter
	locks         map[string]lockRow
	history       []types.TaskRun
	batchRuns     map[string]*types.BatchRun
	analytics     []types.StoredEvent
}

type jobRow struct {
	job types.Job
	seq int64
}

type lockRow struct {
	holder    string
	expiresAt time.Time
}

// SubscriptionEvent is an audit row written when a subscription changes
// status.
type SubscriptionEvent struct {
	UserID     string
	FromStatus types.SubscriptionStatus
	ToStatus   types.SubscriptionStatus
	Reason     string
	OccurredAt time.Time
}

// Store bundles the in-memory repositories. Field names match db.Store.
type Store struct {
	Jobs          *JobStore
	Ledger        *LedgerStore
	Preferences   *PreferenceStore
	Workers       *WorkerStore
	Subscriptions *SubscriptionStore
	RateLimits    *RateLimitStore
	Locks         *LockStore
	History       *HistoryStore
	BatchRuns     *BatchRunStore
	Analytics     *AnalyticsStore
}

// New returns an empty store.
func New() *Store {
	s := &state{
		jobs:          make(map[string]*jobRow),
		ledger:        make(map[types.DeliveryKey]*types.DeliveryRecord),
		preferences:   make(map[string]types.DeliveryPreference),
		workers:       make(map[string]types.WorkerStatus),
		subscriptions: make(map[string]types.SubscriptionState),
		counters:      make(map[string]types.RateLimitCounter),
		locks:         make(map[string]lockRow),
		batchRuns:     make(map[string]*types.BatchRun),
	}
	return &Store{
		Jobs:          &JobStore{s: s},
		Ledger:        &LedgerStore{s: s},
		Preferences:   &PreferenceStore{s: s},
		Workers:       &WorkerStore{s: s},
		Subscriptions: &SubscriptionStore{s: s},
		RateLimits:    &RateLimitStore{s: s},
		Locks:         &LockStore{s: s},
		History:       &HistoryStore{s: s},
		BatchRuns:     &BatchRunStore{s: s},
		Analytics:     &AnalyticsStore{s: s},
	}
}

func (s *state) nextSeq() int64 {
	s.seq++
	return s.seq
}

func timePtr(t time.Time) *time.Time {
	return &t
}
