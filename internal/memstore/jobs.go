package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"bizjournal/internal/types"
)

// JobStore is the in-memory job queue.
type JobStore struct {
	s *state
}

// LedgerStore is the in-memory dedup ledger.
type LedgerStore struct {
	s *state
}

func (s *state) insertJob(job *types.Job) error {
	if _, exists := s.jobs[job.ID]; exists {
		return types.NewAppError(types.ErrCodeInternalDB, fmt.Sprintf("duplicate job id %s", job.ID), nil)
	}
	job.Status = types.JobStatusPending
	job.RetryCount = 0
	job.LastError = ""
	job.WorkerID = ""
	job.UpdatedAt = job.CreatedAt
	s.jobs[job.ID] = &jobRow{job: *job, seq: s.nextSeq()}
	return nil
}

func (s *state) claimKey(key types.DeliveryKey, jobID string, now time.Time) bool {
	if _, exists := s.ledger[key]; exists {
		return false
	}
	s.ledger[key] = &types.DeliveryRecord{
		Key:       key,
		JobID:     jobID,
		Outcome:   types.OutcomeClaimed,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return true
}

// checkOutcome reports whether setOutcome would succeed without applying it.
func (s *state) checkOutcome(key types.DeliveryKey, jobID string, outcome types.DeliveryOutcome) error {
	rec, ok := s.ledger[key]
	if ok && rec.JobID == jobID && rec.Outcome != types.OutcomeSent {
		return nil
	}
	if outcome == types.OutcomeSent {
		return nil
	}
	return types.NewAppError(types.ErrCodeConflictDuplicate,
		fmt.Sprintf("ledger key %s is not held by job %s", key, jobID), nil)
}

func (s *state) setOutcome(key types.DeliveryKey, jobID string, outcome types.DeliveryOutcome, now time.Time) {
	rec, ok := s.ledger[key]
	if ok && rec.JobID == jobID && rec.Outcome != types.OutcomeSent {
		rec.Outcome = outcome
		rec.UpdatedAt = now
	}
}

func (s *state) bumpBatchRun(id string, failed bool, now time.Time) {
	run, ok := s.batchRuns[id]
	if !ok {
		return
	}
	if failed {
		run.FailedJobs++
	} else {
		run.CompletedJobs++
	}
	if run.CompletedJobs+run.FailedJobs >= run.TotalJobs {
		run.EndedAt = timePtr(now)
	} else {
		run.EndedAt = nil
	}
}

// Enqueue inserts a pending job outside the dedup ledger.
func (j *JobStore) Enqueue(_ context.Context, job *types.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	return j.s.insertJob(job)
}

// EnqueueClaimed claims the job's ledger key and inserts the job atomically.
func (j *JobStore) EnqueueClaimed(_ context.Context, job *types.Job) (bool, error) {
	if err := job.Validate(); err != nil {
		return false, err
	}
	key, ok := job.DeliveryKey()
	if !ok {
		return false, types.NewAppError(types.ErrCodeValidationInvalidJob, "job has no delivery key", nil)
	}

	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	if _, exists := j.s.jobs[job.ID]; exists {
		return false, types.NewAppError(types.ErrCodeInternalDB, fmt.Sprintf("duplicate job id %s", job.ID), nil)
	}
	if !j.s.claimKey(key, job.ID, job.CreatedAt) {
		return false, nil
	}
	if err := j.s.insertJob(job); err != nil {
		return false, err
	}
	if job.BatchRunID != nil {
		if run, ok := j.s.batchRuns[*job.BatchRunID]; ok {
			run.TotalJobs++
			run.EndedAt = nil
		}
	}
	return true, nil
}

// ClaimNext moves the highest-priority due pending job to processing.
func (j *JobStore) ClaimNext(_ context.Context, workerID string, now time.Time) (*types.Job, error) {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()

	var best *jobRow
	for _, row := range j.s.jobs {
		if row.job.Status != types.JobStatusPending || row.job.ScheduledFor.After(now) {
			continue
		}
		if best == nil || claimsBefore(row, best) {
			best = row
		}
	}
	if best == nil {
		return nil, nil
	}
	best.job.Status = types.JobStatusProcessing
	best.job.WorkerID = workerID
	best.job.StartedAt = timePtr(now)
	best.job.UpdatedAt = now
	out := best.job
	return &out, nil
}

func claimsBefore(a, b *jobRow) bool {
	if a.job.Priority != b.job.Priority {
		return a.job.Priority > b.job.Priority
	}
	if !a.job.CreatedAt.Equal(b.job.CreatedAt) {
		return a.job.CreatedAt.Before(b.job.CreatedAt)
	}
	return a.seq < b.seq
}

// owned returns the row for job if it is still processing by job.WorkerID.
func (s *state) owned(job *types.Job) (*jobRow, error) {
	row, ok := s.jobs[job.ID]
	if !ok || row.job.Status != types.JobStatusProcessing || row.job.WorkerID != job.WorkerID {
		return nil, types.NewAppError(types.ErrCodeConflictJobState,
			fmt.Sprintf("job %s is no longer processing by %s", job.ID, job.WorkerID), nil)
	}
	return row, nil
}

// Complete marks a processing job completed and records outcome.
func (j *JobStore) Complete(_ context.Context, job *types.Job, outcome types.DeliveryOutcome, now time.Time) error {
	return j.finish(job, types.JobStatusCompleted, outcome, "", now)
}

// Fail marks a processing job failed.
func (j *JobStore) Fail(_ context.Context, job *types.Job, lastErr string, now time.Time) error {
	return j.finish(job, types.JobStatusFailed, types.OutcomeFailed, lastErr, now)
}

func (j *JobStore) finish(job *types.Job, status types.JobStatus, outcome types.DeliveryOutcome, lastErr string, now time.Time) error {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()

	row, err := j.s.owned(job)
	if err != nil {
		return err
	}
	key, hasKey := row.job.DeliveryKey()
	if hasKey {
		if err := j.s.checkOutcome(key, job.ID, outcome); err != nil {
			return err
		}
	}

	row.job.Status = status
	row.job.LastError = lastErr
	row.job.UpdatedAt = now
	if status == types.JobStatusFailed {
		row.job.FailedAt = timePtr(now)
	} else {
		row.job.CompletedAt = timePtr(now)
	}
	if hasKey {
		j.s.setOutcome(key, job.ID, outcome, now)
	}
	if row.job.BatchRunID != nil {
		j.s.bumpBatchRun(*row.job.BatchRunID, status == types.JobStatusFailed, now)
	}
	return nil
}

// Retry schedules another attempt while retry_count < max_retries.
func (j *JobStore) Retry(_ context.Context, job *types.Job, lastErr string, nextAt, now time.Time) error {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()

	row, ok := j.s.jobs[job.ID]
	if !ok || row.job.Status != types.JobStatusProcessing || row.job.WorkerID != job.WorkerID ||
		row.job.RetryCount >= row.job.MaxRetries {
		return types.NewAppError(types.ErrCodeConflictJobState,
			fmt.Sprintf("job %s cannot be retried", job.ID), nil)
	}
	row.job.Status = types.JobStatusRetrying
	row.job.RetryCount++
	row.job.ScheduledFor = nextAt
	row.job.LastError = lastErr
	row.job.WorkerID = ""
	row.job.UpdatedAt = now
	return nil
}

// Defer parks a processing job until until without consuming a retry.
func (j *JobStore) Defer(_ context.Context, job *types.Job, reason string, until, now time.Time) error {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()

	row, err := j.s.owned(job)
	if err != nil {
		return err
	}
	row.job.Status = types.JobStatusRetrying
	row.job.ScheduledFor = until
	row.job.LastError = reason
	row.job.WorkerID = ""
	row.job.UpdatedAt = now
	return nil
}

// Cancel fails a pending or retrying job.
func (j *JobStore) Cancel(_ context.Context, jobID string, now time.Time) (*types.Job, error) {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()

	row, ok := j.s.jobs[jobID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundJob, "job not found", nil)
	}
	if row.job.Status != types.JobStatusPending && row.job.Status != types.JobStatusRetrying {
		return nil, types.NewAppError(types.ErrCodeConflictJobState,
			fmt.Sprintf("job %s is %s and cannot be cancelled", jobID, row.job.Status), nil)
	}
	key, hasKey := row.job.DeliveryKey()
	if hasKey {
		if err := j.s.checkOutcome(key, jobID, types.OutcomeFailed); err != nil {
			return nil, err
		}
	}

	row.job.Status = types.JobStatusFailed
	row.job.LastError = "cancelled"
	row.job.FailedAt = timePtr(now)
	row.job.UpdatedAt = now
	if hasKey {
		j.s.setOutcome(key, jobID, types.OutcomeFailed, now)
	}
	if row.job.BatchRunID != nil {
		j.s.bumpBatchRun(*row.job.BatchRunID, true, now)
	}
	out := row.job
	return &out, nil
}

// PromoteDue moves due retrying jobs back to pending.
func (j *JobStore) PromoteDue(_ context.Context, now time.Time) (int, error) {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()

	n := 0
	for _, row := range j.s.jobs {
		if row.job.Status == types.JobStatusRetrying && !row.job.ScheduledFor.After(now) {
			row.job.Status = types.JobStatusPending
			row.job.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

// ReclaimStale returns processing jobs whose worker has no heartbeat since
// cutoff to pending.
func (j *JobStore) ReclaimStale(_ context.Context, cutoff, now time.Time) (int, error) {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()

	n := 0
	for _, row := range j.s.jobs {
		if row.job.Status != types.JobStatusProcessing || row.job.StartedAt == nil || !row.job.StartedAt.Before(cutoff) {
			continue
		}
		if w, ok := j.s.workers[row.job.WorkerID]; ok && !w.LastHeartbeat.Before(cutoff) &&
			(w.State == types.WorkerStateActive || w.State == types.WorkerStateIdle) {
			continue
		}
		row.job.Status = types.JobStatusPending
		row.job.WorkerID = ""
		row.job.StartedAt = nil
		row.job.UpdatedAt = now
		n++
	}
	return n, nil
}

// CountByStatus returns queue depth for every status.
func (j *JobStore) CountByStatus(context.Context) (map[types.JobStatus]int, error) {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()

	counts := make(map[types.JobStatus]int, len(types.AllJobStatuses))
	for _, st := range types.AllJobStatuses {
		counts[st] = 0
	}
	for _, row := range j.s.jobs {
		counts[row.job.Status]++
	}
	return counts, nil
}

// Get returns a copy of the job.
func (j *JobStore) Get(_ context.Context, id string) (*types.Job, error) {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()

	row, ok := j.s.jobs[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundJob, "job not found", nil)
	}
	out := row.job
	return &out, nil
}

// List returns copies of all jobs in insertion order.
func (j *JobStore) List(context.Context) []types.Job {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()

	rows := make([]*jobRow, 0, len(j.s.jobs))
	for _, row := range j.s.jobs {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(a, b int) bool { return rows[a].seq < rows[b].seq })
	out := make([]types.Job, len(rows))
	for i, row := range rows {
		out[i] = row.job
	}
	return out
}

// DeleteTerminalBefore removes completed and failed jobs last updated
// before cutoff.
func (j *JobStore) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int, error) {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()

	n := 0
	for id, row := range j.s.jobs {
		if row.job.Status.IsTerminal() && row.job.UpdatedAt.Before(cutoff) {
			delete(j.s.jobs, id)
			n++
		}
	}
	return n, nil
}

// TryClaim inserts a claimed ledger row for key.
func (l *LedgerStore) TryClaim(_ context.Context, key types.DeliveryKey, jobID string, now time.Time) (bool, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return l.s.claimKey(key, jobID, now), nil
}

// SetOutcome records the final outcome for the job holding key.
func (l *LedgerStore) SetOutcome(_ context.Context, key types.DeliveryKey, jobID string, outcome types.DeliveryOutcome, now time.Time) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	if err := l.s.checkOutcome(key, jobID, outcome); err != nil {
		return err
	}
	l.s.setOutcome(key, jobID, outcome, now)
	return nil
}

// Get returns the ledger row for key, or nil.
func (l *LedgerStore) Get(_ context.Context, key types.DeliveryKey) (*types.DeliveryRecord, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	rec, ok := l.s.ledger[key]
	if !ok {
		return nil, nil
	}
	out := *rec
	return &out, nil
}
