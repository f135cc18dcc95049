package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestDefaultValues(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 30*time.Second, cfg.Coordination.HeartbeatInterval)
	assert.Equal(t, 60*time.Second, cfg.Coordination.HealthCheckInterval)
	assert.Equal(t, 120*time.Second, cfg.Coordination.OfflineThreshold)
	assert.Equal(t, 300*time.Second, cfg.Coordination.CleanupInterval)
	assert.Equal(t, 180*time.Second, cfg.Coordination.AgentTimeout)
	assert.Equal(t, "HEALTH_AWARE", cfg.Coordination.DefaultRoutingStrategy)
	assert.Equal(t, 5, cfg.Coordination.CircuitBreakerThreshold)
	assert.Equal(t, 60*time.Second, cfg.Coordination.CircuitBreakerTimeout)
	assert.Equal(t, 3, cfg.TDD.MaxPhaseRetries)
	assert.Equal(t, 10, cfg.TDD.MaxTotalRetries)
	assert.Equal(t, 60*time.Second, cfg.TDD.RedTimeout)
	assert.Equal(t, 120*time.Second, cfg.TDD.YellowTimeout)
	assert.Equal(t, 30*time.Second, cfg.TDD.GreenTimeout)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{
			name:   "unknown backend",
			mutate: func(c *Config) { c.Store.Backend = "etcd" },
			field:  "store.backend",
		},
		{
			name:   "unknown strategy",
			mutate: func(c *Config) { c.Coordination.DefaultRoutingStrategy = "FASTEST" },
			field:  "coordination.default_routing_strategy",
		},
		{
			name:   "non-positive interval",
			mutate: func(c *Config) { c.Coordination.HeartbeatInterval = 0 },
			field:  "coordination.heartbeat_interval",
		},
		{
			name:   "non-positive breaker threshold",
			mutate: func(c *Config) { c.Coordination.CircuitBreakerThreshold = 0 },
			field:  "coordination.circuit_breaker_threshold",
		},
		{
			name:   "zero queue size",
			mutate: func(c *Config) { c.Server.SubscriberQueueSize = 0 },
			field:  "server.subscriber_queue_size",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "baton.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
coordination:
  heartbeat_interval: 10s
  default_routing_strategy: LEAST_LOADED
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 10*time.Second, cfg.Coordination.HeartbeatInterval)
	assert.Equal(t, "LEAST_LOADED", cfg.Coordination.DefaultRoutingStrategy)
	// Untouched fields keep their defaults.
	assert.Equal(t, 300*time.Second, cfg.Coordination.CleanupInterval)
	assert.Equal(t, 4, cfg.Executor.ResultConsumers)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("BATON_HTTP_ADDR", ":7070")
	t.Setenv("BATON_HEARTBEAT_INTERVAL", "15s")
	t.Setenv("BATON_AGENT_TIMEOUT", "90") // bare seconds form
	t.Setenv("BATON_CIRCUIT_BREAKER_THRESHOLD", "3")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, 15*time.Second, cfg.Coordination.HeartbeatInterval)
	assert.Equal(t, 90*time.Second, cfg.Coordination.AgentTimeout)
	assert.Equal(t, 3, cfg.Coordination.CircuitBreakerThreshold)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "baton.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  backend: carrier-pigeon\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}
