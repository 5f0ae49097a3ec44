package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError is returned by LoadConfig and tags the failing stage.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

// Error implements error.
func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ssmParamSuffix marks pointer variables: DATABASE_URL_SSM_PARAM holds the
// SSM path whose value becomes DATABASE_URL.
const ssmParamSuffix = "_SSM_PARAM"

const localEnv = "local"

// loaderDeps holds the environment accessors so tests can run without
// touching the process environment.
type loaderDeps struct {
	lookupEnv func(key string) (string, bool)
	setEnv    func(key, value string) error
	environ   func() []string
}

func defaultDeps() loaderDeps {
	return loaderDeps{
		lookupEnv: os.LookupEnv,
		setEnv:    os.Setenv,
		environ:   os.Environ,
	}
}

// LoadConfig loads, resolves and validates the configuration.
//
//  1. Sets the process timezone to UTC.
//  2. Loads a .env file if present.
//  3. Outside APP_ENV=local, resolves _SSM_PARAM pointers via provider.
//  4. Populates Config from envconfig tags.
//  5. Validates struct tags and cross-field rules.
//
// provider may be nil for local runs.
func LoadConfig(provider SecretProvider) (*Config, error) {
	return loadConfigWithDeps(provider, defaultDeps())
}

func loadConfigWithDeps(provider SecretProvider, deps loaderDeps) (*Config, error) {
	time.Local = time.UTC

	// Never overrides variables already present in the environment.
	_ = godotenv.Load()

	appEnv, _ := deps.lookupEnv("APP_ENV")
	if appEnv != localEnv {
		if err := resolveSSMParams(provider, deps); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}

	cfg.Build = NewBuildInfo()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate runs struct tag validation followed by the rules that depend on
// more than one field.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return &ConfigError{
			Type:    ErrValidation,
			Message: "configuration validation failed",
			Err:     err,
		}
	}

	var missing []string
	if c.StoreBackend == BackendPostgres && c.Database.URL.IsZero() {
		missing = append(missing, "DATABASE_URL")
	}
	if c.RateLimit.Backend == BackendRedis && c.Redis.URL.IsZero() {
		missing = append(missing, "REDIS_URL")
	}
	if c.Email.Provider == "sendgrid" && c.Email.SendGridAPIKey.IsZero() {
		missing = append(missing, "SENDGRID_API_KEY")
	}
	if len(missing) > 0 {
		return &ConfigError{
			Type:    ErrMissingEnv,
			Message: "required for the selected backends: " + strings.Join(missing, ", "),
		}
	}

	if c.StoreBackend == BackendMemory && c.Environment != localEnv {
		return &ConfigError{
			Type:    ErrValidation,
			Message: "STORE_BACKEND=memory is only allowed with APP_ENV=local",
		}
	}
	if c.Worker.BackoffMax < c.Worker.BackoffBase {
		return &ConfigError{
			Type:    ErrValidation,
			Message: "WORKER_BACKOFF_MAX must not be below WORKER_BACKOFF_BASE",
		}
	}
	if c.Worker.HeartbeatTimeout <= c.Worker.HeartbeatInterval {
		return &ConfigError{
			Type:    ErrValidation,
			Message: "WORKER_HEARTBEAT_TIMEOUT must exceed WORKER_HEARTBEAT_INTERVAL",
		}
	}
	return nil
}

// resolveSSMParams fetches every *_SSM_PARAM pointer whose target variable is
// not already set and injects the values into the environment.
func resolveSSMParams(provider SecretProvider, deps loaderDeps) error {
	pathToTarget := make(map[string]string)
	var paths []string

	for _, entry := range deps.environ() {
		key, path, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasSuffix(key, ssmParamSuffix) || path == "" {
			continue
		}
		target := strings.TrimSuffix(key, ssmParamSuffix)
		if _, exists := deps.lookupEnv(target); exists {
			continue
		}
		pathToTarget[path] = target
		paths = append(paths, path)
	}

	if len(paths) == 0 {
		return nil
	}

	if provider == nil {
		targets := make([]string, 0, len(paths))
		for _, p := range paths {
			targets = append(targets, pathToTarget[p])
		}
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: "SecretProvider is required for non-local environments (need to resolve: " + strings.Join(targets, ", ") + ")",
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resolved, err := provider.GetParametersBatch(ctx, paths)
	if err != nil {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("failed to resolve %d SSM parameters", len(paths)),
			Err:     err,
		}
	}

	var missing []string
	for _, p := range paths {
		value, ok := resolved[p]
		if !ok {
			missing = append(missing, pathToTarget[p])
			continue
		}
		if err := deps.setEnv(pathToTarget[p], value); err != nil {
			return &ConfigError{
				Type:    ErrSSMResolution,
				Message: "failed to set resolved value for " + pathToTarget[p],
				Err:     err,
			}
		}
	}
	if len(missing) > 0 {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: "SSM parameters not found for: " + strings.Join(missing, ", "),
		}
	}
	return nil
}
