package config

import "context"

// SecretProvider resolves secret references (SSM parameter paths, or plain
// variable names for local runs) to their plaintext values.
type SecretProvider interface {
	// GetParametersBatch returns a map of key to value for every key it could
	// resolve. Missing keys are omitted rather than reported as errors.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
