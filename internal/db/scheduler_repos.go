package db

import (
	"context"
	"time"

	"bizjournal/internal/types"
)

// ============================================================
// JobLockRepository
// ============================================================

// JobLockRepository provides leased locks via the job_locks table. It guards
// the once-per-hour trigger across instances, maintenance task runs and the
// manual test-send cooldown.
type JobLockRepository struct {
	db DBTX
}

// NewJobLockRepository creates a JobLockRepository over db.
func NewJobLockRepository(db DBTX) *JobLockRepository {
	return &JobLockRepository{db: db}
}

// Acquire inserts or takes over an expired lock row. Returns false while
// another holder's lease is still valid.
//
//	INSERT INTO job_locks (id, worker_id, locked_at, expires_at)
//	VALUES ($1, $2, $3, $4)
//	ON CONFLICT (id) DO UPDATE
//	  SET worker_id = EXCLUDED.worker_id, ...
//	  WHERE job_locks.expires_at < $3
//
// locked_at and expires_at are computed in Go; Go duration strings are not
// valid PostgreSQL intervals.
func (r *JobLockRepository) Acquire(ctx context.Context, lockID, holder string, now time.Time, ttl time.Duration) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO job_locks (id, worker_id, locked_at, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE
		   SET worker_id = EXCLUDED.worker_id,
		       locked_at = EXCLUDED.locked_at,
		       expires_at = EXCLUDED.expires_at
		   WHERE job_locks.expires_at < $3`,
		lockID, holder, now, now.Add(ttl),
	)
	if err != nil {
		return false, dbErr("failed to acquire job lock", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ExpiresAt returns when lockID's current lease ends, or the zero time when
// no row exists.
func (r *JobLockRepository) ExpiresAt(ctx context.Context, lockID string) (time.Time, error) {
	var t time.Time
	err := r.db.QueryRow(ctx, `SELECT expires_at FROM job_locks WHERE id = $1`, lockID).Scan(&t)
	if isNoRows(err) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, dbErr("failed to read job lock", err)
	}
	return t, nil
}

// Release deletes lockID when holder still owns it. Releasing a lock that
// expired and was taken over by another holder is a no-op.
func (r *JobLockRepository) Release(ctx context.Context, lockID, holder string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM job_locks WHERE id = $1 AND worker_id = $2`, lockID, holder)
	if err != nil {
		return dbErr("failed to release job lock", err)
	}
	return nil
}

// DeleteExpired removes locks whose lease ended before cutoff.
func (r *JobLockRepository) DeleteExpired(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM job_locks WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, dbErr("failed to delete expired job locks", err)
	}
	return int(tag.RowsAffected()), nil
}

// ============================================================
// JobHistoryRepository
// ============================================================

// JobHistoryRepository records maintenance task executions in job_history.
type JobHistoryRepository struct {
	db DBTX
}

// NewJobHistoryRepository creates a JobHistoryRepository over db.
func NewJobHistoryRepository(db DBTX) *JobHistoryRepository {
	return &JobHistoryRepository{db: db}
}

// Start inserts a running row for task and returns its id.
func (r *JobHistoryRepository) Start(ctx context.Context, task string, now time.Time) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx,
		`INSERT INTO job_history (job_type, started_at, status)
		 VALUES ($1, $2, 'running')
		 RETURNING id`,
		task, now,
	).Scan(&id)
	if err != nil {
		return 0, dbErr("failed to start job history entry", err)
	}
	return id, nil
}

// Finish records the outcome of a run started with Start. status is
// success or failed; jobErr, if set, is stored in the error column.
func (r *JobHistoryRepository) Finish(ctx context.Context, id int64, status string, items int, jobErr error, now time.Time) error {
	var errMsg *string
	if jobErr != nil {
		s := jobErr.Error()
		errMsg = &s
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE job_history
		 SET finished_at = $5, status = $2, items_count = $3, error = $4
		 WHERE id = $1`,
		id, status, items, errMsg, now,
	)
	if err != nil {
		return dbErr("failed to finish job history entry", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "job history entry not found", nil)
	}
	return nil
}

// Latest returns the most recent run of task, or nil if it never ran.
func (r *JobHistoryRepository) Latest(ctx context.Context, task string) (*types.TaskRun, error) {
	var (
		run    types.TaskRun
		errMsg *string
	)
	err := r.db.QueryRow(ctx,
		`SELECT id, job_type, status, started_at, finished_at, items_count, error
		 FROM job_history
		 WHERE job_type = $1
		 ORDER BY started_at DESC
		 LIMIT 1`,
		task,
	).Scan(&run.ID, &run.Task, &run.Status, &run.StartedAt, &run.FinishedAt, &run.ItemsCount, &errMsg)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, dbErr("failed to load job history", err)
	}
	if errMsg != nil {
		run.Error = *errMsg
	}
	return &run, nil
}

// ============================================================
// BatchRunRepository
// ============================================================

// BatchRunRepository stores per-tick aggregates. Counters are bumped by
// JobRepository inside completion transactions.
type BatchRunRepository struct {
	db DBTX
}

// NewBatchRunRepository creates a BatchRunRepository over db.
func NewBatchRunRepository(db DBTX) *BatchRunRepository {
	return &BatchRunRepository{db: db}
}

// Create inserts an empty batch run.
func (r *BatchRunRepository) Create(ctx context.Context, run *types.BatchRun) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO batch_runs (id, target_hour, total_jobs, completed_jobs, failed_jobs, started_at)
		 VALUES ($1, $2, 0, 0, 0, $3)`,
		run.ID, run.TargetHour, run.StartedAt,
	)
	if err != nil {
		return dbErr("failed to create batch run", err)
	}
	return nil
}

// Latest returns the most recently started batch run, or nil.
func (r *BatchRunRepository) Latest(ctx context.Context) (*types.BatchRun, error) {
	var run types.BatchRun
	err := r.db.QueryRow(ctx,
		`SELECT id, target_hour, total_jobs, completed_jobs, failed_jobs, started_at, ended_at
		 FROM batch_runs
		 ORDER BY started_at DESC
		 LIMIT 1`,
	).Scan(&run.ID, &run.TargetHour, &run.TotalJobs, &run.CompletedJobs, &run.FailedJobs, &run.StartedAt, &run.EndedAt)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, dbErr("failed to load batch run", err)
	}
	return &run, nil
}
