// Package scheduler implements the time-driven side of the delivery engine:
// the hourly digest trigger, the eligibility scan it runs, the grace-period
// sweep, manual test sends and the maintenance task multiplexer.
//
// Every operation takes an explicit reference time so that ticks can be
// replayed and tested deterministically.
package scheduler

import (
	"context"
	"time"

	"bizjournal/internal/types"
)

// TaskType identifies which maintenance task a MaintenancePayload runs.
type TaskType string

const (
	TaskTriggerDigests   TaskType = types.TaskTriggerDigests
	TaskGraceSweep       TaskType = types.TaskGraceSweep
	TaskReclaimStale     TaskType = types.TaskReclaimStale
	TaskCleanupJobs      TaskType = types.TaskCleanupJobs
	TaskArchiveAnalytics TaskType = types.TaskArchiveAnalytics
)

// MaintenancePayload is the JSON event that selects a maintenance task.
//
//	{
//	  "task": "grace_sweep",
//	  "reference_time": "2026-03-14T07:00:00Z"  // optional
//	}
type MaintenancePayload struct {
	Task TaskType `json:"task"`
	// ReferenceTime overrides "now" for backfills and manual runs.
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
}

// JobLocker acquires time-bounded named leases in job_locks.
type JobLocker interface {
	Acquire(ctx context.Context, lockID, holder string, now time.Time, ttl time.Duration) (bool, error)
	ExpiresAt(ctx context.Context, lockID string) (time.Time, error)
	// Release drops lockID if holder still owns it.
	Release(ctx context.Context, lockID, holder string) error
}

// TaskHistory records maintenance task executions in job_history.
type TaskHistory interface {
	Start(ctx context.Context, task string, now time.Time) (int64, error)
	Finish(ctx context.Context, id int64, status string, items int, jobErr error, now time.Time) error
}

// PreferenceLister pages through enabled delivery preferences ordered by
// user id.
type PreferenceLister interface {
	ListEnabled(ctx context.Context, afterUserID string, limit int) ([]types.DeliveryPreference, error)
}

// hourLockSuffix formats the UTC hour a lock covers.
func hourLockSuffix(t time.Time) string {
	return t.UTC().Truncate(time.Hour).Format("2006-01-02T15")
}
