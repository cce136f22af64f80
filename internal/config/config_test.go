package config_test

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/config"
	"switchboard/internal/domain"
)

func TestDefaultConfig(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 60*time.Second, cfg.LeaseTTL())
	assert.Equal(t, 15*time.Minute, cfg.StaleRunningThreshold())
	assert.Equal(t, time.Second, cfg.RetryBase())
	assert.Equal(t, 15*time.Second, cfg.RetryMax())
	assert.Equal(t, 3, cfg.Ingress.MaxAttempts)
	assert.True(t, cfg.RequireTrusted())
	assert.Equal(t, config.DefaultIntakeAgentKey, cfg.Ingress.IntakeAgentKey)
	assert.Len(t, cfg.Agents, 2)
}

func TestNormalizeClamps(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
lease:
  ttl_seconds: 1
tasks:
  stale_running_seconds: 999999
ingress:
  max_attempts: 50
  retry_base_ms: 10
  retry_max_ms: 50
approval:
  default_ttl_seconds: 5
`))
	require.NoError(t, err)
	assert.Equal(t, config.MinLeaseTTLSeconds, cfg.Lease.TTLSeconds)
	assert.Equal(t, config.MaxStaleRunningSeconds, cfg.Tasks.StaleRunningSeconds)
	assert.Equal(t, config.MaxIngressMaxAttempts, cfg.Ingress.MaxAttempts)
	assert.Equal(t, config.MinRetryBaseMs, cfg.Ingress.RetryBaseMs)
	// max is never below base
	assert.Equal(t, config.MinRetryBaseMs, cfg.Ingress.RetryMaxMs)
	assert.Equal(t, config.MinApprovalTTLSeconds, cfg.Approval.DefaultTTLSeconds)
}

func TestValidateRejectsDuplicateAgents(t *testing.T) {
	_, err := config.FromYAML([]byte(`
agents:
  - key: alpha
    runtime: LOCAL
  - key: ALPHA
    runtime: CLOUD
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")

	_, err = config.FromYAML([]byte(`
agents:
  - key: alpha
    runtime: QUANTUM
`))
	require.Error(t, err)
}

func TestApplyEnvIgnoresUnparsableValues(t *testing.T) {
	t.Setenv("SWITCHBOARD_LEASE_TTL_SECONDS", "NaN")
	t.Setenv("SWITCHBOARD_INGRESS_RETRY_BASE_MS", "2500")
	t.Setenv("SWITCHBOARD_INGRESS_RETRY_MAX_MS", "Infinity")
	t.Setenv("SWITCHBOARD_INGRESS_MAX_ATTEMPTS", "abc")
	t.Setenv("SWITCHBOARD_STALE_RUNNING_SECONDS", "30")
	t.Setenv("SWITCHBOARD_TRUSTED_SENDERS", "Ops@Example.com, dev@example.com")
	t.Setenv("SWITCHBOARD_REQUIRE_TRUSTED_SENDERS", "false")

	v := viper.New()
	v.SetEnvPrefix("SWITCHBOARD")
	v.AutomaticEnv()

	cfg := config.Default()
	cfg.ApplyEnv(v)
	assert.Equal(t, config.DefaultLeaseTTLSeconds, cfg.Lease.TTLSeconds)
	assert.Equal(t, 2500, cfg.Ingress.RetryBaseMs)
	assert.Equal(t, config.DefaultRetryMaxMs, cfg.Ingress.RetryMaxMs)
	assert.Equal(t, config.DefaultIngressMaxAttempts, cfg.Ingress.MaxAttempts)
	assert.Equal(t, config.MinStaleRunningSeconds, cfg.Tasks.StaleRunningSeconds)
	assert.Equal(t, []string{"ops@example.com", "dev@example.com"}, cfg.Ingress.TrustedSenders)
	assert.False(t, cfg.RequireTrusted())
}

func TestApplyEnvClampsOutOfRangeValues(t *testing.T) {
	cases := []struct {
		raw          string
		wantTTL      int
		wantAttempts int
	}{
		{"1e30", config.MaxLeaseTTLSeconds, config.MaxIngressMaxAttempts},
		{"99999999999999999999", config.MaxLeaseTTLSeconds, config.MaxIngressMaxAttempts},
		{"-1e30", config.MinLeaseTTLSeconds, config.MinIngressMaxAttempts},
		{"0", config.MinLeaseTTLSeconds, config.MinIngressMaxAttempts},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			t.Setenv("SWITCHBOARD_LEASE_TTL_SECONDS", tc.raw)
			t.Setenv("SWITCHBOARD_INGRESS_MAX_ATTEMPTS", tc.raw)
			v := viper.New()
			v.SetEnvPrefix("SWITCHBOARD")
			v.AutomaticEnv()

			cfg := config.Default()
			cfg.ApplyEnv(v)
			assert.Equal(t, tc.wantTTL, cfg.Lease.TTLSeconds)
			assert.Equal(t, tc.wantAttempts, cfg.Ingress.MaxAttempts)
		})
	}
}

func TestClampLeaseTTL(t *testing.T) {
	assert.Equal(t, 5*time.Second, config.ClampLeaseTTL(time.Second))
	assert.Equal(t, 300*time.Second, config.ClampLeaseTTL(time.Hour))
	assert.Equal(t, 42*time.Second, config.ClampLeaseTTL(42*time.Second))
}

func TestResolveRuntime(t *testing.T) {
	cfg := config.Default()
	cfg.Agents = append(cfg.Agents, config.AgentSeed{Key: "researcher", Runtime: domain.RuntimeCloud, Model: "gpt-4.1"})

	local, err := cfg.ResolveRuntime(domain.Agent{Key: "alpha", Runtime: domain.RuntimeLocal})
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:11434/v1", local.BaseURL)
	assert.Equal(t, "llama3.1", local.Model)

	cloud, err := cfg.ResolveRuntime(domain.Agent{Key: "Researcher", Runtime: domain.RuntimeCloud})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4.1", cloud.Model)
	assert.Equal(t, "OPENAI_API_KEY", cloud.APIKeyEnv)

	_, err = cfg.ResolveRuntime(domain.Agent{Key: "human", Runtime: domain.RuntimeManual})
	assert.Error(t, err)
}
