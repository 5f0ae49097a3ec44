package types

import (
	"fmt"
	"strings"
	"time"
)

// DayLayout is the calendar-day format used for dedup keys and worker day
// counters.
const DayLayout = "2006-01-02"

// Priority bounds. Test sends always run at MaxPriority.
const (
	MinPriority     = 1
	DefaultPriority = 5
	MaxPriority     = 10
)

// DeliveryPreference is a user's digest schedule. Rows are never deleted,
// only disabled.
type DeliveryPreference struct {
	UserID   string `json:"user_id"`
	Email    string `json:"email"`
	SendHour int    `json:"send_hour"`
	// Timezone is an IANA zone name. Takes precedence over UTCOffsetMinutes.
	Timezone         string          `json:"timezone,omitempty"`
	UTCOffsetMinutes *int            `json:"utc_offset_minutes,omitempty"`
	Enabled          bool            `json:"enabled"`
	ContentFlags     map[string]bool `json:"content_flags,omitempty"`
	UpdatedAt        time.Time       `json:"updated_at"`

	// LoadErr is set by the store when a column could not be decoded. The
	// row is still returned so that keyset pagination stays aligned.
	LoadErr error `json:"-"`
}

// Validate checks the fields the scanner depends on.
func (p *DeliveryPreference) Validate() error {
	if p.LoadErr != nil {
		return NewAppError(ErrCodeValidationInvalidPreference, "stored preference could not be decoded", p.LoadErr)
	}
	if p.UserID == "" {
		return NewAppError(ErrCodeValidationMissingField, "user_id is required", nil)
	}
	if strings.TrimSpace(p.Email) == "" {
		return NewAppError(ErrCodeValidationInvalidEmail, "email address is empty", nil)
	}
	if p.SendHour < 0 || p.SendHour > 23 {
		return NewAppError(ErrCodeValidationInvalidHour,
			fmt.Sprintf("send hour %d outside 0-23", p.SendHour), nil)
	}
	return nil
}

// Job is a unit of work consumed by the worker pool.
type Job struct {
	ID           string          `json:"id"`
	Type         JobType         `json:"type"`
	UserID       string          `json:"user_id"`
	Address      string          `json:"address"`
	Status       JobStatus       `json:"status"`
	Priority     int             `json:"priority"`
	ScheduledFor time.Time       `json:"scheduled_for"`
	RetryCount   int             `json:"retry_count"`
	MaxRetries   int             `json:"max_retries"`
	LastError    string          `json:"last_error,omitempty"`
	WorkerID     string          `json:"worker_id,omitempty"`
	DedupDay     *string         `json:"dedup_day,omitempty"`
	IsTest       bool            `json:"is_test"`
	BatchRunID   *string         `json:"batch_run_id,omitempty"`
	ContentFlags map[string]bool `json:"content_flags,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	FailedAt     *time.Time      `json:"failed_at,omitempty"`
}

// DeliveryKey returns the ledger key for this job, or false when the job
// is not subject to daily dedup (test sends and non-digest jobs without a day).
func (j *Job) DeliveryKey() (DeliveryKey, bool) {
	if j.IsTest || j.DedupDay == nil {
		return DeliveryKey{}, false
	}
	return DeliveryKey{UserID: j.UserID, JobType: j.Type, Day: *j.DedupDay}, true
}

// Validate checks the invariants a job must satisfy before it is enqueued.
func (j *Job) Validate() error {
	switch {
	case j.UserID == "":
		return NewAppError(ErrCodeValidationInvalidJob, "job has no user", nil)
	case !j.Type.Valid():
		return NewAppError(ErrCodeValidationInvalidJob, fmt.Sprintf("unknown job type %q", j.Type), nil)
	case j.Priority < MinPriority || j.Priority > MaxPriority:
		return NewAppError(ErrCodeValidationInvalidJob, fmt.Sprintf("priority %d outside 1-10", j.Priority), nil)
	case j.MaxRetries < 0:
		return NewAppError(ErrCodeValidationInvalidJob, "max_retries must not be negative", nil)
	case j.RetryCount > j.MaxRetries:
		return NewAppError(ErrCodeValidationInvalidJob, "retry_count exceeds max_retries", nil)
	}
	return nil
}

// DeliveryKey identifies one delivery per user, job type and local day.
type DeliveryKey struct {
	UserID  string  `json:"user_id"`
	JobType JobType `json:"job_type"`
	Day     string  `json:"day"`
}

// String renders the key for logs and lock ids.
func (k DeliveryKey) String() string {
	return k.UserID + ":" + string(k.JobType) + ":" + k.Day
}

// DeliveryRecord is a dedup ledger row.
type DeliveryRecord struct {
	Key       DeliveryKey     `json:"key"`
	JobID     string          `json:"job_id"`
	Outcome   DeliveryOutcome `json:"outcome"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// WorkerStatus is the heartbeat row a worker maintains while running.
type WorkerStatus struct {
	WorkerID           string      `json:"worker_id"`
	State              WorkerState `json:"state"`
	CurrentJobID       *string     `json:"current_job_id,omitempty"`
	LastHeartbeat      time.Time   `json:"last_heartbeat"`
	JobsProcessedToday int         `json:"jobs_processed_today"`
	// ProcessedOn is the UTC day JobsProcessedToday refers to.
	ProcessedOn string `json:"processed_on"`
}

// RateLimitCounter is one fixed-window counter.
type RateLimitCounter struct {
	Key       string    `json:"key"`
	LimitType LimitType `json:"limit_type"`
	Used      int       `json:"used"`
	ResetAt   time.Time `json:"reset_at"`
}

// SubscriptionState is the billing view of an account the grace sweep acts on.
type SubscriptionState struct {
	UserID         string             `json:"user_id"`
	PlanType       string             `json:"plan_type"`
	Status         SubscriptionStatus `json:"status"`
	GracePeriodEnd *time.Time         `json:"grace_period_end,omitempty"`
	SuspendedAt    *time.Time         `json:"suspended_at,omitempty"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// BatchRun aggregates the jobs enqueued by one trigger tick.
type BatchRun struct {
	ID            string     `json:"id"`
	TargetHour    time.Time  `json:"target_hour"`
	TotalJobs     int        `json:"total_jobs"`
	CompletedJobs int        `json:"completed_jobs"`
	FailedJobs    int        `json:"failed_jobs"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
}

// AnalyticsEvent is a write-only record of a delivery attempt's outcome.
type AnalyticsEvent struct {
	UserID    string           `json:"user_id"`
	JobID     string           `json:"job_id"`
	JobType   JobType          `json:"job_type"`
	Outcome   AnalyticsOutcome `json:"outcome"`
	Detail    string           `json:"detail,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// StoredEvent is a persisted analytics event with its sequence id. Archival
// pages by id.
type StoredEvent struct {
	ID int64 `json:"id"`
	AnalyticsEvent
}

// TaskRun is a job_history row describing one maintenance task execution.
type TaskRun struct {
	ID         int64      `json:"id"`
	Task       string     `json:"task"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	ItemsCount int        `json:"items_count"`
	Error      string     `json:"error,omitempty"`
}

// Task run statuses recorded in job_history.
const (
	TaskStatusRunning = "running"
	TaskStatusSuccess = "success"
	TaskStatusFailed  = "failed"
)
