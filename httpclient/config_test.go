/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"bytes"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"

	"github.com/acronis/go-gatekit/config"
)

func TestConfig(t *testing.T) {
	t.Run("yaml, all sections", func(t *testing.T) {
		yamlData := []byte(`
retries:
  enabled: true
  maxAttempts: 30
  policy:
    strategy: exponential
    exponentialBackoffInitialInterval: 2s
    exponentialBackoffMultiplier: 3
rateLimits:
  enabled: true
  limit: 300
  burst: 3000
  waitTimeout: 3s
timeout: 30s
`)
		actualConfig := NewConfig()
		err := config.NewDefaultLoader("").LoadFromReader(bytes.NewReader(yamlData), config.DataTypeYAML, actualConfig)
		require.NoError(t, err)

		require.Equal(t, &Config{
			Retries: RetriesConfig{
				Enabled:     true,
				MaxAttempts: 30,
				Policy: PolicyConfig{
					Strategy:                          RetryPolicyExponential,
					ExponentialBackoffInitialInterval: 2 * time.Second,
					ExponentialBackoffMultiplier:      3,
				},
			},
			RateLimits: RateLimitConfig{
				Enabled:     true,
				Limit:       300,
				Burst:       3000,
				WaitTimeout: 3 * time.Second,
			},
			Timeout: 30 * time.Second,
		}, actualConfig)
	})

	t.Run("yaml, disabled sections are not parsed", func(t *testing.T) {
		yamlData := []byte(`
retries:
  enabled: false
  maxAttempts: 30
rateLimits:
  enabled: false
  limit: 300
timeout: 15s
`)
		actualConfig := NewConfig()
		err := config.NewDefaultLoader("").LoadFromReader(bytes.NewReader(yamlData), config.DataTypeYAML, actualConfig)
		require.NoError(t, err)

		require.False(t, actualConfig.Retries.Enabled)
		require.Zero(t, actualConfig.Retries.MaxAttempts)
		require.False(t, actualConfig.RateLimits.Enabled)
		require.Zero(t, actualConfig.RateLimits.Limit)
		require.Equal(t, 15*time.Second, actualConfig.Timeout)
	})

	t.Run("default timeout", func(t *testing.T) {
		actualConfig := NewConfig()
		err := config.NewDefaultLoader("").LoadFromReader(bytes.NewReader([]byte("{}")), config.DataTypeYAML, actualConfig)
		require.NoError(t, err)
		require.Equal(t, DefaultClientWaitTimeout, actualConfig.Timeout)
	})
}

func TestConfigValidationErrors(t *testing.T) {
	tests := []struct {
		name     string
		yamlData string
		wantErr  string
	}{
		{
			name: "non-positive rate limit",
			yamlData: `
rateLimits:
  enabled: true
  limit: 0
`,
			wantErr: "client rate limit must be positive",
		},
		{
			name: "negative burst",
			yamlData: `
rateLimits:
  enabled: true
  limit: 10
  burst: -1
`,
			wantErr: "client burst must be positive",
		},
		{
			name: "unknown retry policy",
			yamlData: `
retries:
  enabled: true
  maxAttempts: 3
  policy:
    strategy: fibonacci
`,
			wantErr: "client retry policy must be one of: [exponential, constant]",
		},
		{
			name: "exponential multiplier not greater than 1",
			yamlData: `
retries:
  enabled: true
  maxAttempts: 3
  policy:
    strategy: exponential
    exponentialBackoffInitialInterval: 1s
    exponentialBackoffMultiplier: 1
`,
			wantErr: "client exponential backoff multiplier must be greater than 1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			err := config.NewDefaultLoader("").LoadFromReader(
				bytes.NewReader([]byte(tt.yamlData)), config.DataTypeYAML, cfg)
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestRetriesConfigGetPolicy(t *testing.T) {
	t.Run("exponential", func(t *testing.T) {
		cfg := RetriesConfig{Policy: PolicyConfig{
			Strategy:                          RetryPolicyExponential,
			ExponentialBackoffInitialInterval: 2 * time.Second,
			ExponentialBackoffMultiplier:      2,
		}}
		policy := cfg.GetPolicy()
		require.NotNil(t, policy)
		bf, ok := policy.NewBackOff().(*backoff.ExponentialBackOff)
		require.True(t, ok)
		require.Equal(t, 2*time.Second, bf.InitialInterval)
		require.Equal(t, float64(2), bf.Multiplier)
	})

	t.Run("constant", func(t *testing.T) {
		cfg := RetriesConfig{Policy: PolicyConfig{
			Strategy:                RetryPolicyConstant,
			ConstantBackoffInterval: 3 * time.Second,
		}}
		policy := cfg.GetPolicy()
		require.NotNil(t, policy)
		require.Equal(t, 3*time.Second, policy.NewBackOff().NextBackOff())
	})

	t.Run("no strategy", func(t *testing.T) {
		cfg := RetriesConfig{}
		require.Nil(t, cfg.GetPolicy())
	})
}
