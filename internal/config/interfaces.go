package config

import "context"

// SecretProvider resolves secret values by key. SSMProvider serves deployed
// environments and EnvVarProvider serves local runs.
type SecretProvider interface {
	// GetParametersBatch returns a key -> plaintext map for every key it
	// could resolve. Missing keys are omitted, not reported as errors.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
