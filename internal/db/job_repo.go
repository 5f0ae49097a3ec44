package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"bizjournal/internal/types"
)

const jobColumns = `id, job_type, user_id, address, status, priority, scheduled_for,
	retry_count, max_retries, last_error, COALESCE(worker_id, ''), dedup_day, is_test,
	batch_run_id, content_flags, created_at, updated_at, started_at, completed_at, failed_at`

// JobRepository is the durable job queue backed by the jobs table.
//
// Every state change is a single conditional UPDATE keyed on the current
// status (and, for worker-owned transitions, the worker id), so a stale
// worker can never overwrite a job another worker has reclaimed.
type JobRepository struct {
	db TxDB
}

// NewJobRepository creates a JobRepository. db must be able to open
// transactions because enqueueing and completion touch several tables.
func NewJobRepository(db TxDB) *JobRepository {
	return &JobRepository{db: db}
}

func scanJob(row pgx.Row) (*types.Job, error) {
	var (
		j       types.Job
		jobType string
		status  string
		flags   []byte
		batchID *string
	)
	err := row.Scan(
		&j.ID, &jobType, &j.UserID, &j.Address, &status, &j.Priority, &j.ScheduledFor,
		&j.RetryCount, &j.MaxRetries, &j.LastError, &j.WorkerID, &j.DedupDay, &j.IsTest,
		&batchID, &flags, &j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.CompletedAt, &j.FailedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Type = types.JobType(jobType)
	j.Status = types.JobStatus(status)
	j.BatchRunID = batchID
	if len(flags) > 0 {
		if err := json.Unmarshal(flags, &j.ContentFlags); err != nil {
			return nil, fmt.Errorf("decoding content_flags for job %s: %w", j.ID, err)
		}
	}
	return &j, nil
}

func insertJob(ctx context.Context, db DBTX, job *types.Job) error {
	flags, err := json.Marshal(job.ContentFlags)
	if err != nil {
		return fmt.Errorf("encoding content_flags: %w", err)
	}
	if job.ContentFlags == nil {
		flags = []byte("{}")
	}
	_, err = db.Exec(ctx,
		`INSERT INTO jobs (id, job_type, user_id, address, status, priority, scheduled_for,
		                   retry_count, max_retries, last_error, dedup_day, is_test,
		                   batch_run_id, content_flags, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 'pending', $5, $6, 0, $7, '', $8, $9, $10, $11, $12, $12)`,
		job.ID,
		job.Type,
		job.UserID,
		job.Address,
		job.Priority,
		job.ScheduledFor,
		job.MaxRetries,
		job.DedupDay,
		job.IsTest,
		job.BatchRunID,
		flags,
		job.CreatedAt,
	)
	return err
}

// Enqueue inserts a pending job that is not subject to the dedup ledger
// (test sends, transactional mail).
func (r *JobRepository) Enqueue(ctx context.Context, job *types.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	job.Status = types.JobStatusPending
	if err := insertJob(ctx, r.db, job); err != nil {
		return dbErr("failed to enqueue job", err)
	}
	return nil
}

// EnqueueClaimed claims the job's ledger key and inserts the job in one
// transaction. It returns false, and inserts nothing, when the key was
// already claimed.
func (r *JobRepository) EnqueueClaimed(ctx context.Context, job *types.Job) (bool, error) {
	if err := job.Validate(); err != nil {
		return false, err
	}
	key, ok := job.DeliveryKey()
	if !ok {
		return false, types.NewAppError(types.ErrCodeValidationInvalidJob, "job has no delivery key", nil)
	}

	claimed := false
	err := inTx(ctx, r.db, func(tx pgx.Tx) error {
		var err error
		claimed, err = NewLedgerRepository(tx).TryClaim(ctx, key, job.ID, job.CreatedAt)
		if err != nil || !claimed {
			return err
		}
		job.Status = types.JobStatusPending
		if err := insertJob(ctx, tx, job); err != nil {
			return err
		}
		if job.BatchRunID != nil {
			if _, err := tx.Exec(ctx,
				`UPDATE batch_runs SET total_jobs = total_jobs + 1, ended_at = NULL WHERE id = $1`,
				*job.BatchRunID,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, dbErr("failed to enqueue claimed job", err)
	}
	return claimed, nil
}

// ClaimNext atomically moves the highest-priority due pending job to
// processing for workerID. Returns nil when nothing is due.
func (r *JobRepository) ClaimNext(ctx context.Context, workerID string, now time.Time) (*types.Job, error) {
	row := r.db.QueryRow(ctx,
		`UPDATE jobs
		 SET status = 'processing', worker_id = $1, started_at = $2, updated_at = $2
		 WHERE id = (
		     SELECT id FROM jobs
		     WHERE status = 'pending' AND scheduled_for <= $2
		     ORDER BY priority DESC, created_at ASC
		     LIMIT 1
		     FOR UPDATE SKIP LOCKED
		 ) AND status = 'pending'
		 RETURNING `+jobColumns,
		workerID,
		now,
	)
	job, err := scanJob(row)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, dbErr("failed to claim job", err)
	}
	return job, nil
}

// Complete marks a processing job completed and records outcome (sent or
// skipped) in the ledger and the batch run, all in one transaction.
func (r *JobRepository) Complete(ctx context.Context, job *types.Job, outcome types.DeliveryOutcome, now time.Time) error {
	return r.finish(ctx, job, types.JobStatusCompleted, outcome, "", now)
}

// Fail marks a processing job failed and records the ledger outcome failed.
func (r *JobRepository) Fail(ctx context.Context, job *types.Job, lastErr string, now time.Time) error {
	return r.finish(ctx, job, types.JobStatusFailed, types.OutcomeFailed, lastErr, now)
}

func (r *JobRepository) finish(ctx context.Context, job *types.Job, status types.JobStatus, outcome types.DeliveryOutcome, lastErr string, now time.Time) error {
	stampColumn := "completed_at"
	counterColumn := "completed_jobs"
	if status == types.JobStatusFailed {
		stampColumn = "failed_at"
		counterColumn = "failed_jobs"
	}

	err := inTx(ctx, r.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE jobs
			 SET status = $3, `+stampColumn+` = $4, updated_at = $4, last_error = $5
			 WHERE id = $1 AND status = 'processing' AND worker_id = $2`,
			job.ID, job.WorkerID, status, now, lastErr,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return types.NewAppError(types.ErrCodeConflictJobState,
				fmt.Sprintf("job %s is no longer processing by %s", job.ID, job.WorkerID), nil)
		}
		if key, ok := job.DeliveryKey(); ok {
			if err := NewLedgerRepository(tx).SetOutcome(ctx, key, job.ID, outcome, now); err != nil {
				return err
			}
		}
		if job.BatchRunID != nil {
			return bumpBatchRun(ctx, tx, *job.BatchRunID, counterColumn, now)
		}
		return nil
	})
	if err != nil {
		return dbErr("failed to finish job", err)
	}
	return nil
}

func bumpBatchRun(ctx context.Context, db DBTX, id, column string, now time.Time) error {
	_, err := db.Exec(ctx,
		`UPDATE batch_runs
		 SET `+column+` = `+column+` + 1,
		     ended_at = CASE WHEN completed_jobs + failed_jobs + 1 >= total_jobs THEN $2 ELSE NULL END
		 WHERE id = $1`,
		id, now,
	)
	return err
}

// Retry schedules another attempt at nextAt. It only succeeds while
// retry_count < max_retries; callers fail the job otherwise.
func (r *JobRepository) Retry(ctx context.Context, job *types.Job, lastErr string, nextAt, now time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE jobs
		 SET status = 'retrying', retry_count = retry_count + 1, scheduled_for = $3,
		     last_error = $4, worker_id = NULL, updated_at = $5
		 WHERE id = $1 AND status = 'processing' AND worker_id = $2 AND retry_count < max_retries`,
		job.ID, job.WorkerID, nextAt, lastErr, now,
	)
	if err != nil {
		return dbErr("failed to schedule retry", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeConflictJobState,
			fmt.Sprintf("job %s cannot be retried", job.ID), nil)
	}
	return nil
}

// Defer parks a job until the rate limit window resets without consuming
// a retry.
func (r *JobRepository) Defer(ctx context.Context, job *types.Job, reason string, until, now time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE jobs
		 SET status = 'retrying', scheduled_for = $3, last_error = $4, worker_id = NULL, updated_at = $5
		 WHERE id = $1 AND status = 'processing' AND worker_id = $2`,
		job.ID, job.WorkerID, until, reason, now,
	)
	if err != nil {
		return dbErr("failed to defer job", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeConflictJobState,
			fmt.Sprintf("job %s is no longer processing by %s", job.ID, job.WorkerID), nil)
	}
	return nil
}

// Cancel fails a job that has not started. Processing jobs are not
// preemptible and return a conflict.
func (r *JobRepository) Cancel(ctx context.Context, jobID string, now time.Time) (*types.Job, error) {
	var job *types.Job
	err := inTx(ctx, r.db, func(tx pgx.Tx) error {
		var err error
		job, err = scanJob(tx.QueryRow(ctx,
			`UPDATE jobs
			 SET status = 'failed', last_error = 'cancelled', failed_at = $2, updated_at = $2
			 WHERE id = $1 AND status IN ('pending', 'retrying')
			 RETURNING `+jobColumns,
			jobID, now,
		))
		if isNoRows(err) {
			var status string
			lookupErr := tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, jobID).Scan(&status)
			if isNoRows(lookupErr) {
				return types.NewAppError(types.ErrCodeNotFoundJob, "job not found", nil)
			}
			if lookupErr != nil {
				return lookupErr
			}
			return types.NewAppError(types.ErrCodeConflictJobState,
				fmt.Sprintf("job %s is %s and cannot be cancelled", jobID, status), nil)
		}
		if err != nil {
			return err
		}
		if key, ok := job.DeliveryKey(); ok {
			if err := NewLedgerRepository(tx).SetOutcome(ctx, key, job.ID, types.OutcomeFailed, now); err != nil {
				return err
			}
		}
		if job.BatchRunID != nil {
			return bumpBatchRun(ctx, tx, *job.BatchRunID, "failed_jobs", now)
		}
		return nil
	})
	if err != nil {
		return nil, dbErr("failed to cancel job", err)
	}
	return job, nil
}

// PromoteDue moves retrying jobs whose backoff has elapsed back to pending.
func (r *JobRepository) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE jobs SET status = 'pending', updated_at = $1
		 WHERE status = 'retrying' AND scheduled_for <= $1`,
		now,
	)
	if err != nil {
		return 0, dbErr("failed to promote retrying jobs", err)
	}
	return int(tag.RowsAffected()), nil
}

// ReclaimStale returns processing jobs to pending when their worker has not
// heartbeated since cutoff. retry_count is left unchanged.
func (r *JobRepository) ReclaimStale(ctx context.Context, cutoff, now time.Time) (int, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE jobs
		 SET status = 'pending', worker_id = NULL, started_at = NULL, updated_at = $2
		 WHERE status = 'processing'
		   AND started_at < $1
		   AND NOT EXISTS (
		       SELECT 1 FROM worker_status w
		       WHERE w.worker_id = jobs.worker_id
		         AND w.last_heartbeat >= $1
		         AND w.state IN ('active', 'idle')
		   )`,
		cutoff, now,
	)
	if err != nil {
		return 0, dbErr("failed to reclaim stale jobs", err)
	}
	return int(tag.RowsAffected()), nil
}

// CountByStatus returns the queue depth for every status, including zeros.
func (r *JobRepository) CountByStatus(ctx context.Context) (map[types.JobStatus]int, error) {
	rows, err := r.db.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, dbErr("failed to count jobs", err)
	}
	defer rows.Close()

	counts := make(map[types.JobStatus]int, len(types.AllJobStatuses))
	for _, s := range types.AllJobStatuses {
		counts[s] = 0
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, dbErr("failed to scan job count", err)
		}
		counts[types.JobStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("failed to iterate job counts", err)
	}
	return counts, nil
}

// Get returns a job by id.
func (r *JobRepository) Get(ctx context.Context, id string) (*types.Job, error) {
	job, err := scanJob(r.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if isNoRows(err) {
		return nil, types.NewAppError(types.ErrCodeNotFoundJob, "job not found", nil)
	}
	if err != nil {
		return nil, dbErr("failed to load job", err)
	}
	return job, nil
}

// DeleteTerminalBefore removes completed and failed jobs last updated before
// cutoff. Ledger rows are kept.
func (r *JobRepository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM jobs WHERE status IN ('completed', 'failed') AND updated_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, dbErr("failed to delete terminal jobs", err)
	}
	return int(tag.RowsAffected()), nil
}
