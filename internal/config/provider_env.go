package config

import (
	"context"
	"os"
)

// EnvVarProvider resolves keys as environment variable names. Used for
// local development and container setups in place of SSM.
type EnvVarProvider struct{}

// NewEnvVarProvider creates an EnvVarProvider.
func NewEnvVarProvider() *EnvVarProvider {
	return &EnvVarProvider{}
}

// GetParametersBatch reads each key from the environment. Unset keys are
// left out of the result.
func (p *EnvVarProvider) GetParametersBatch(_ context.Context, keys []string) (map[string]string, error) {
	result := make(map[string]string, len(keys))
	for _, key := range keys {
		if val, ok := os.LookupEnv(key); ok {
			result[key] = val
		}
	}
	return result, nil
}

// NewSecretProvider picks the provider named by kind ("env" or "ssm", the
// default when empty).
func NewSecretProvider(kind, region string) SecretProvider {
	if kind == "env" {
		return NewEnvVarProvider()
	}
	return NewSSMProvider(region)
}
