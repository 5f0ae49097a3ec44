package db

import "log/slog"

// Store bundles the repositories over one connection pool.
type Store struct {
	Jobs          *JobRepository
	Ledger        *LedgerRepository
	Preferences   *PreferenceRepository
	Workers       *WorkerRepository
	Subscriptions *SubscriptionRepository
	RateLimits    *RateLimitRepository
	Locks         *JobLockRepository
	History       *JobHistoryRepository
	BatchRuns     *BatchRunRepository
	Analytics     *AnalyticsRepository
}

// NewStore wires every repository to db.
func NewStore(db TxDB, logger *slog.Logger) *Store {
	return &Store{
		Jobs:          NewJobRepository(db),
		Ledger:        NewLedgerRepository(db),
		Preferences:   NewPreferenceRepository(db),
		Workers:       NewWorkerRepository(db),
		Subscriptions: NewSubscriptionRepository(db, logger),
		RateLimits:    NewRateLimitRepository(db),
		Locks:         NewJobLockRepository(db),
		History:       NewJobHistoryRepository(db),
		BatchRuns:     NewBatchRunRepository(db),
		Analytics:     NewAnalyticsRepository(db),
	}
}
