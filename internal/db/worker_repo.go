package db

import (
	"context"
	"time"

	"bizjournal/internal/types"
)

// WorkerRepository stores worker heartbeats.
type WorkerRepository struct {
	db DBTX
}

// NewWorkerRepository creates a WorkerRepository over db.
func NewWorkerRepository(db DBTX) *WorkerRepository {
	return &WorkerRepository{db: db}
}

// Heartbeat upserts the worker's row.
func (r *WorkerRepository) Heartbeat(ctx context.Context, s types.WorkerStatus) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO worker_status (worker_id, state, current_job_id, last_heartbeat, jobs_processed_today, processed_on)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (worker_id) DO UPDATE
		   SET state = EXCLUDED.state,
		       current_job_id = EXCLUDED.current_job_id,
		       last_heartbeat = EXCLUDED.last_heartbeat,
		       jobs_processed_today = EXCLUDED.jobs_processed_today,
		       processed_on = EXCLUDED.processed_on`,
		s.WorkerID, s.State, s.CurrentJobID, s.LastHeartbeat, s.JobsProcessedToday, s.ProcessedOn,
	)
	if err != nil {
		return dbErr("failed to record worker heartbeat", err)
	}
	return nil
}

// MarkStale flags live workers whose last heartbeat is older than cutoff.
func (r *WorkerRepository) MarkStale(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE worker_status SET state = 'error', current_job_id = NULL
		 WHERE state IN ('active', 'idle') AND last_heartbeat < $1`,
		cutoff,
	)
	if err != nil {
		return 0, dbErr("failed to mark stale workers", err)
	}
	return int(tag.RowsAffected()), nil
}

// CountActive counts workers in active or idle state with a heartbeat at or
// after cutoff.
func (r *WorkerRepository) CountActive(ctx context.Context, cutoff time.Time) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM worker_status
		 WHERE state IN ('active', 'idle') AND last_heartbeat >= $1`,
		cutoff,
	).Scan(&n)
	if err != nil {
		return 0, dbErr("failed to count active workers", err)
	}
	return n, nil
}
