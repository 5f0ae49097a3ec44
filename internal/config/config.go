// Package config defines the process configuration for the delivery engine.
// Configuration is loaded once at startup and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// A missing required value or invalid format fails startup.
package config

import (
	"time"

	"bizjournal/internal/types"
)

// SecretString is an alias for types.SecretString.
type SecretString = types.SecretString

// Store backends.
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
)

// Config is the top-level configuration struct. Sub-components receive only
// the sections they need.
type Config struct {
	Environment  string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	LogFile      string `envconfig:"LOG_FILE"`
	StoreBackend string `envconfig:"STORE_BACKEND" default:"postgres" validate:"oneof=postgres memory"`

	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	AWS           AWSConfig
	Email         EmailConfig
	Composer      ComposerConfig
	Scheduler     SchedulerConfig
	Worker        WorkerConfig
	RateLimit     RateLimitConfig
	Admin         AdminConfig
	Observability ObservabilityConfig
	Maintenance   MaintenanceConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds the admin HTTP listener settings.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	// Required unless STORE_BACKEND=memory; checked in Validate.
	URL SecretString `envconfig:"DATABASE_URL"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10" validate:"min=1"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2" validate:"min=0"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// RedisConfig holds the optional Redis connection used for shared rate limit counters.
type RedisConfig struct {
	URL SecretString `envconfig:"REDIS_URL"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region            string `envconfig:"AWS_REGION" default:"us-east-1"`
	AnalyticsQueueURL string `envconfig:"SQS_ANALYTICS_QUEUE" validate:"omitempty,url"`
	ArchiveBucket     string `envconfig:"ARCHIVE_BUCKET"`
	EndpointURL       string `envconfig:"AWS_ENDPOINT_URL"`
}

// EmailConfig selects and configures the outbound Mailer.
type EmailConfig struct {
	Provider         string       `envconfig:"EMAIL_PROVIDER" default:"ses" validate:"oneof=ses sendgrid log"`
	SendGridAPIKey   SecretString `envconfig:"SENDGRID_API_KEY"`
	FromAddress      string       `envconfig:"EMAIL_FROM_ADDRESS" default:"digest@bizjournal.app" validate:"email"`
	FromName         string       `envconfig:"EMAIL_FROM_NAME" default:"Your Business Journal"`
	ConfigurationSet string       `envconfig:"SES_CONFIGURATION_SET"`
}

// ComposerConfig points at the Digest Composer service. An empty BaseURL
// selects the logging stub composer (local only).
type ComposerConfig struct {
	BaseURL string       `envconfig:"COMPOSER_BASE_URL" validate:"omitempty,url"`
	APIKey  SecretString `envconfig:"COMPOSER_API_KEY"`
}

// SchedulerConfig controls the hourly trigger and the grace sweep.
type SchedulerConfig struct {
	// DefaultUTCOffsetMinutes applies to preferences with neither a timezone
	// nor a fixed offset.
	TickInterval            time.Duration `envconfig:"SCHEDULER_TICK_INTERVAL" default:"1h" validate:"min=1s"`
	DefaultUTCOffsetMinutes int           `envconfig:"SCHEDULER_DEFAULT_UTC_OFFSET_MINUTES" default:"120" validate:"min=-720,max=840"`
	ScanBatchSize           int           `envconfig:"SCHEDULER_SCAN_BATCH_SIZE" default:"500" validate:"min=1,max=10000"`
	GraceSweepInterval      time.Duration `envconfig:"GRACE_SWEEP_INTERVAL" default:"1h" validate:"min=1s"`
}

// WorkerConfig controls the worker pool, retries and liveness tracking.
type WorkerConfig struct {
	PoolSize          int           `envconfig:"WORKER_POOL_SIZE" default:"4" validate:"min=1,max=256"`
	PollInterval      time.Duration `envconfig:"WORKER_POLL_INTERVAL" default:"2s"`
	HeartbeatInterval time.Duration `envconfig:"WORKER_HEARTBEAT_INTERVAL" default:"15s"`
	HeartbeatTimeout  time.Duration `envconfig:"WORKER_HEARTBEAT_TIMEOUT" default:"2m"`
	ReaperInterval    time.Duration `envconfig:"WORKER_REAPER_INTERVAL" default:"30s"`
	JobTimeout        time.Duration `envconfig:"WORKER_JOB_TIMEOUT" default:"30s"`
	MaxRetries        int           `envconfig:"WORKER_MAX_RETRIES" default:"3" validate:"min=0,max=20"`
	BackoffBase       time.Duration `envconfig:"WORKER_BACKOFF_BASE" default:"30s"`
	BackoffMax        time.Duration `envconfig:"WORKER_BACKOFF_MAX" default:"30m"`
}

// RateLimitConfig holds the fixed-window limits. Zero disables a limit.
type RateLimitConfig struct {
	Backend        string `envconfig:"RATE_LIMIT_BACKEND" default:"postgres" validate:"oneof=postgres redis memory"`
	GlobalHourly   int    `envconfig:"RATE_LIMIT_GLOBAL_HOURLY" default:"5000" validate:"min=0"`
	UserHourly     int    `envconfig:"RATE_LIMIT_USER_HOURLY" default:"3" validate:"min=0"`
	UserDaily      int    `envconfig:"RATE_LIMIT_USER_DAILY" default:"5" validate:"min=0"`
	ComposerHourly int    `envconfig:"RATE_LIMIT_COMPOSER_HOURLY" default:"2000" validate:"min=0"`
	MailerHourly   int    `envconfig:"RATE_LIMIT_MAILER_HOURLY" default:"5000" validate:"min=0"`
}

// AdminConfig holds the admin surface settings.
type AdminConfig struct {
	APIKey           SecretString  `envconfig:"ADMIN_API_KEY" validate:"required"`
	TestSendCooldown time.Duration `envconfig:"ADMIN_TEST_SEND_COOLDOWN" default:"5m"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricNamespace   string `envconfig:"METRIC_NAMESPACE" default:"BizJournal/Delivery"`
	CloudWatchEnabled bool   `envconfig:"OBSERVABILITY_CLOUDWATCH_ENABLED" default:"false"`
}

// MaintenanceConfig holds retention windows for cleanup and archival tasks.
type MaintenanceConfig struct {
	JobRetention       time.Duration `envconfig:"MAINTENANCE_JOB_RETENTION" default:"720h"`
	AnalyticsRetention time.Duration `envconfig:"MAINTENANCE_ANALYTICS_RETENTION" default:"2160h"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	ErrMissingEnv    ConfigErrorType = "MISSING_ENV"
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	ErrValidation    ConfigErrorType = "VALIDATION_FAILED"
	ErrParsing       ConfigErrorType = "PARSING_FAILED"
)
