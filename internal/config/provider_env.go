package config

import (
	"context"
	"os"
)

// Values of SECRETS_SOURCE.
const (
	SecretsSourceSSM = "ssm"
	SecretsSourceEnv = "env"
)

// NewSecretProvider picks the provider for *_SSM_PARAM resolution from
// SECRETS_SOURCE: "ssm" (default) reads Parameter Store in AWS_REGION, "env"
// treats each pointer as the name of another variable, for containers whose
// orchestrator injects secrets under its own names. Local runs get nil.
func NewSecretProvider() SecretProvider {
	return newSecretProvider(os.LookupEnv)
}

func newSecretProvider(lookup func(string) (string, bool)) SecretProvider {
	if env, _ := lookup("APP_ENV"); env == localEnv {
		return nil
	}
	if src, _ := lookup("SECRETS_SOURCE"); src == SecretsSourceEnv {
		return &EnvVarProvider{lookup: lookup}
	}
	region, _ := lookup("AWS_REGION")
	return NewSSMProvider(region)
}

// EnvVarProvider resolves each key as an environment variable name. The zero
// value reads the process environment.
type EnvVarProvider struct {
	lookup func(string) (string, bool)
}

// GetParametersBatch implements SecretProvider.
func (p *EnvVarProvider) GetParametersBatch(_ context.Context, keys []string) (map[string]string, error) {
	lookup := p.lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	result := make(map[string]string, len(keys))
	for _, key := range keys {
		if val, ok := lookup(key); ok {
			result[key] = val
		}
	}
	return result, nil
}
