package types

// JobType identifies the kind of message a job delivers.
type JobType string

const (
	JobTypeDigest        JobType = "digest"
	JobTypeReminder      JobType = "reminder"
	JobTypeAlert         JobType = "alert"
	JobTypeWelcome       JobType = "welcome"
	JobTypePasswordReset JobType = "password_reset"
)

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	switch t {
	case JobTypeDigest, JobTypeReminder, JobTypeAlert, JobTypeWelcome, JobTypePasswordReset:
		return true
	}
	return false
}

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusRetrying   JobStatus = "retrying"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// AllJobStatuses lists every status in lifecycle order. Used for queue depth
// reporting so that empty buckets are still reported as zero.
var AllJobStatuses = []JobStatus{
	JobStatusPending,
	JobStatusProcessing,
	JobStatusRetrying,
	JobStatusCompleted,
	JobStatusFailed,
}

// jobTransitions enumerates every legal status change.
//
//	pending    -> processing (claim), failed (cancel)
//	processing -> completed, retrying, failed, pending (stale reclaim)
//	retrying   -> pending (promotion once scheduled_for passes), failed (cancel)
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusProcessing, JobStatusFailed},
	JobStatusProcessing: {JobStatusCompleted, JobStatusRetrying, JobStatusFailed, JobStatusPending},
	JobStatusRetrying:   {JobStatusPending, JobStatusFailed},
}

// CanTransitionTo reports whether moving from s to next is a legal transition.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// DeliveryOutcome is the state of a DeliveryRecord in the dedup ledger.
type DeliveryOutcome string

const (
	// OutcomeClaimed marks a ledger row whose job has been enqueued but not
	// yet finished.
	OutcomeClaimed DeliveryOutcome = "claimed"
	OutcomeSent    DeliveryOutcome = "sent"
	// OutcomeSkipped is written when the composer had nothing to send.
	OutcomeSkipped DeliveryOutcome = "skipped"
	OutcomeFailed  DeliveryOutcome = "failed"
)

// WorkerState is the liveness state reported in WorkerStatus heartbeats.
type WorkerState string

const (
	WorkerStateActive  WorkerState = "active"
	WorkerStateIdle    WorkerState = "idle"
	WorkerStateError   WorkerState = "error"
	WorkerStateStopped WorkerState = "stopped"
)

// LimitType identifies a rate limit counter family.
type LimitType string

const (
	LimitUserHourly   LimitType = "user_hourly"
	LimitUserDaily    LimitType = "user_daily"
	LimitGlobalHourly LimitType = "global_hourly"
	LimitExternalAPI  LimitType = "external_api"
)

// SubscriptionStatus is the billing lifecycle state of an account.
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionTrialing  SubscriptionStatus = "trialing"
	SubscriptionPastDue   SubscriptionStatus = "past_due"
	SubscriptionGrace     SubscriptionStatus = "grace"
	SubscriptionSuspended SubscriptionStatus = "suspended"
	SubscriptionCanceled  SubscriptionStatus = "canceled"
)

// AnalyticsOutcome labels an analytics event.
type AnalyticsOutcome string

const (
	AnalyticsSent        AnalyticsOutcome = "sent"
	AnalyticsSkipped     AnalyticsOutcome = "skipped"
	AnalyticsDuplicate   AnalyticsOutcome = "duplicate"
	AnalyticsRetrying    AnalyticsOutcome = "retrying"
	AnalyticsRateLimited AnalyticsOutcome = "rate_limited"
	AnalyticsFailed      AnalyticsOutcome = "failed"
)
