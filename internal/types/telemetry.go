package types

// Telemetry metric names shared by the Prometheus and CloudWatch sinks.
const (
	MetricDeliveryAttempt  = "DeliveryAttempt"
	MetricDeliverySent     = "DeliverySent"
	MetricDeliverySkipped  = "DeliverySkipped"
	MetricDeliveryFailed   = "DeliveryFailed"
	MetricDeliveryRetried  = "DeliveryRetried"
	MetricRateLimited      = "DeliveryRateLimited"
	MetricDuplicateBlocked = "DuplicateBlocked"

	DimJobType = "JobType"
	DimOutcome = "Outcome"

	DefaultMetricNamespace = "BizJournal/Delivery"
)

// Maintenance task identifiers. Also used as job_history task names and
// job_locks id prefixes.
const (
	TaskTriggerDigests   = "trigger_digests"
	TaskGraceSweep       = "grace_sweep"
	TaskReclaimStale     = "reclaim_stale"
	TaskCleanupJobs      = "cleanup_jobs"
	TaskArchiveAnalytics = "archive_analytics"
)
