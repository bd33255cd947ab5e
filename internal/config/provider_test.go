package config

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockSSMClient struct {
	mock.Mock
}

func (m *mockSSMClient) GetParameters(ctx context.Context, params *ssm.GetParametersInput, _ ...func(*ssm.Options)) (*ssm.GetParametersOutput, error) {
	args := m.Called(ctx, params)
	if fn, ok := args.Get(0).(func(context.Context, *ssm.GetParametersInput) *ssm.GetParametersOutput); ok {
		return fn(ctx, params), args.Error(1)
	}
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ssm.GetParametersOutput), args.Error(1)
}

func echoParameters(names []string) *ssm.GetParametersOutput {
	out := &ssm.GetParametersOutput{}
	for _, n := range names {
		out.Parameters = append(out.Parameters, ssmtypes.Parameter{
			Name:  aws.String(n),
			Value: aws.String("value-of-" + n),
		})
	}
	return out
}

func TestSSMProviderBatchesByTen(t *testing.T) {
	keys := make([]string, 23)
	for i := range keys {
		keys[i] = fmt.Sprintf("/prod/creditgate/key-%02d", i)
	}

	client := new(mockSSMClient)
	client.On("GetParameters", mock.Anything, mock.MatchedBy(func(in *ssm.GetParametersInput) bool {
		return len(in.Names) <= ssmMaxBatchSize && aws.ToBool(in.WithDecryption)
	})).Return(func(_ context.Context, in *ssm.GetParametersInput) *ssm.GetParametersOutput {
		return echoParameters(in.Names)
	}, nil)

	provider := newSSMProviderWithClient("us-east-1", client)
	got, err := provider.GetParametersBatch(context.Background(), keys)
	require.NoError(t, err)

	assert.Len(t, got, 23)
	assert.Equal(t, "value-of-/prod/creditgate/key-22", got["/prod/creditgate/key-22"])
	client.AssertNumberOfCalls(t, "GetParameters", 3)
}

func TestSSMProviderInvalidParameters(t *testing.T) {
	client := new(mockSSMClient)
	client.On("GetParameters", mock.Anything, mock.Anything).Return(&ssm.GetParametersOutput{
		InvalidParameters: []string{"/prod/creditgate/missing"},
	}, nil)

	provider := newSSMProviderWithClient("us-east-1", client)
	_, err := provider.GetParametersBatch(context.Background(), []string{"/prod/creditgate/missing"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/prod/creditgate/missing")
}

func TestSSMProviderClientError(t *testing.T) {
	client := new(mockSSMClient)
	client.On("GetParameters", mock.Anything, mock.Anything).Return(nil, errors.New("AccessDenied"))

	provider := newSSMProviderWithClient("us-east-1", client)
	_, err := provider.GetParametersBatch(context.Background(), []string{"/a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AccessDenied")
}

func TestSSMProviderCancelledContext(t *testing.T) {
	client := new(mockSSMClient)
	provider := newSSMProviderWithClient("us-east-1", client)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := provider.GetParametersBatch(ctx, []string{"/a"})
	require.ErrorIs(t, err, context.Canceled)
	client.AssertNotCalled(t, "GetParameters", mock.Anything, mock.Anything)
}

func TestSSMProviderEmptyKeys(t *testing.T) {
	provider := newSSMProviderWithClient("us-east-1", new(mockSSMClient))
	got, err := provider.GetParametersBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestEnvVarProvider(t *testing.T) {
	env := map[string]string{"PRESENT": "yes", "EMPTY": ""}
	provider := &EnvVarProvider{lookup: func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}}

	got, err := provider.GetParametersBatch(context.Background(), []string{"PRESENT", "EMPTY", "ABSENT"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"PRESENT": "yes", "EMPTY": ""}, got)
}

func TestNewSecretProvider(t *testing.T) {
	lookupFrom := func(env map[string]string) func(string) (string, bool) {
		return func(k string) (string, bool) {
			v, ok := env[k]
			return v, ok
		}
	}

	assert.Nil(t, newSecretProvider(lookupFrom(map[string]string{"APP_ENV": "local", "SECRETS_SOURCE": "env"})))

	p := newSecretProvider(lookupFrom(map[string]string{"APP_ENV": "prod", "AWS_REGION": "eu-west-1"}))
	ssmProvider, ok := p.(*SSMProvider)
	require.True(t, ok, "default source is SSM, got %T", p)
	assert.Equal(t, "eu-west-1", ssmProvider.region)

	env := map[string]string{"APP_ENV": "staging", "SECRETS_SOURCE": "env", "VAULT_LEDGER_TOKEN": "tok"}
	p = newSecretProvider(lookupFrom(env))
	require.IsType(t, &EnvVarProvider{}, p)
	got, err := p.GetParametersBatch(context.Background(), []string{"VAULT_LEDGER_TOKEN"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"VAULT_LEDGER_TOKEN": "tok"}, got)
}
