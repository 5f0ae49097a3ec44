package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"bizjournal/internal/types"
)

// maintenanceLockTTL covers one task execution with margin.
const maintenanceLockTTL = 15 * time.Minute

// TaskFunc runs one maintenance task at now and returns the number of items
// it processed.
type TaskFunc func(ctx context.Context, now time.Time) (int, error)

// ServiceRegistry maps each TaskType to the service method that runs it.
// A nil entry makes the task unavailable in this deployment.
type ServiceRegistry struct {
	TriggerDigests   TaskFunc
	GraceSweep       TaskFunc
	ReclaimStale     TaskFunc
	CleanupJobs      TaskFunc
	ArchiveAnalytics TaskFunc
}

func (r ServiceRegistry) lookup(task TaskType) (TaskFunc, bool) {
	var fn TaskFunc
	switch task {
	case TaskTriggerDigests:
		fn = r.TriggerDigests
	case TaskGraceSweep:
		fn = r.GraceSweep
	case TaskReclaimStale:
		fn = r.ReclaimStale
	case TaskCleanupJobs:
		fn = r.CleanupJobs
	case TaskArchiveAnalytics:
		fn = r.ArchiveAnalytics
	default:
		return nil, false
	}
	return fn, fn != nil
}

// Multiplexer routes MaintenancePayloads to their service. Each execution
// runs under an hour lock "maintenance:<task>:<hour>" and is recorded in
// job_history.
type Multiplexer struct {
	Services ServiceRegistry
	Locks    JobLocker
	History  TaskHistory
	Clock    types.Clock
	Holder   string
	Logger   *slog.Logger
}

// Handle runs the task named by payload. A held lock is not an error: the
// result reports the skip.
func (m *Multiplexer) Handle(ctx context.Context, payload MaintenancePayload) (string, error) {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := m.Clock
	if clock == nil {
		clock = types.RealClock{}
	}

	now := clock.Now()
	if payload.ReferenceTime != nil {
		now = payload.ReferenceTime.UTC()
	}
	task := string(payload.Task)

	if payload.Task == "" {
		return "", fmt.Errorf("empty task type in maintenance payload")
	}
	run, ok := m.Services.lookup(payload.Task)
	if !ok {
		return "", fmt.Errorf("unknown task type: %q", task)
	}

	logger.InfoContext(ctx, "maintenance task invoked",
		"task", task,
		"reference_time", now.Format(time.RFC3339),
		"holder", m.Holder,
	)

	lockID := fmt.Sprintf("maintenance:%s:%s", task, hourLockSuffix(now))
	acquired, err := m.Locks.Acquire(ctx, lockID, m.Holder, clock.Now(), maintenanceLockTTL)
	if err != nil {
		return "", fmt.Errorf("acquiring job lock %s: %w", lockID, err)
	}
	if !acquired {
		logger.InfoContext(ctx, "job lock held by another instance", "lock_id", lockID)
		return fmt.Sprintf("skipped: lock %s held by another worker", lockID), nil
	}

	historyID, err := m.History.Start(ctx, task, clock.Now())
	if err != nil {
		logger.ErrorContext(ctx, "failed to start job history", "task", task, "error", err)
		historyID = 0
	}

	items, execErr := run(ctx, now)

	status := types.TaskStatusSuccess
	if execErr != nil {
		status = types.TaskStatusFailed
	}
	if historyID != 0 {
		if err := m.History.Finish(ctx, historyID, status, items, execErr, clock.Now()); err != nil {
			logger.ErrorContext(ctx, "failed to finish job history",
				"history_id", historyID,
				"task", task,
				"error", err,
			)
		}
	}

	if execErr != nil {
		logger.ErrorContext(ctx, "maintenance task failed",
			"task", task,
			"items_before_error", items,
			"error", execErr,
		)
		return "", fmt.Errorf("task %s failed: %w", task, execErr)
	}

	result := fmt.Sprintf("task %s complete: %d items processed", task, items)
	logger.InfoContext(ctx, result, "task", task, "items", items)
	return result, nil
}

// RunEvery invokes Handle for each task at every interval until ctx is
// cancelled. A failed task does not stop the loop.
func (m *Multiplexer) RunEvery(ctx context.Context, interval time.Duration, tasks ...TaskType) error {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, task := range tasks {
				if _, err := m.Handle(ctx, MaintenancePayload{Task: task}); err != nil && ctx.Err() == nil {
					logger.WarnContext(ctx, "scheduled maintenance task failed", "task", task, "error", err)
				}
			}
		}
	}
}
