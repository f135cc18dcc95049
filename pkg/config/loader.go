package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Load resolves the effective configuration.
//
// Steps performed:
//  1. Start from built-in defaults
//  2. Merge the YAML file at path, if it exists (missing file is fine)
//  3. Apply BATON_* environment overrides
//  4. Validate
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		fileCfg, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		if fileCfg != nil {
			// File values override defaults; unset fields keep defaults.
			if err := mergo.Merge(fileCfg, cfg); err != nil {
				return nil, fmt.Errorf("merge config: %w", err)
			}
			cfg = fileCfg
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Info("No config file, using defaults", "path", path)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	slog.Info("Loaded config file", "path", path)
	return &cfg, nil
}

// applyEnvOverrides maps BATON_* variables onto the config. Unparseable
// values are logged and skipped rather than failing startup.
func applyEnvOverrides(cfg *Config) {
	setString("BATON_HTTP_ADDR", &cfg.Server.Addr)
	setString("BATON_STORE_BACKEND", &cfg.Store.Backend)
	setString("BATON_REDIS_ADDR", &cfg.Store.RedisAddr)
	setString("BATON_REDIS_PASSWORD", &cfg.Store.RedisPassword)
	setInt("BATON_REDIS_DB", &cfg.Store.RedisDB)

	setDuration("BATON_HEARTBEAT_INTERVAL", &cfg.Coordination.HeartbeatInterval)
	setDuration("BATON_HEALTH_CHECK_INTERVAL", &cfg.Coordination.HealthCheckInterval)
	setDuration("BATON_OFFLINE_THRESHOLD", &cfg.Coordination.OfflineThreshold)
	setDuration("BATON_DISCOVERY_INTERVAL", &cfg.Coordination.DiscoveryInterval)
	setDuration("BATON_CLEANUP_INTERVAL", &cfg.Coordination.CleanupInterval)
	setDuration("BATON_AGENT_TIMEOUT", &cfg.Coordination.AgentTimeout)
	setString("BATON_ROUTING_STRATEGY", &cfg.Coordination.DefaultRoutingStrategy)
	setInt("BATON_CIRCUIT_BREAKER_THRESHOLD", &cfg.Coordination.CircuitBreakerThreshold)
	setDuration("BATON_CIRCUIT_BREAKER_TIMEOUT", &cfg.Coordination.CircuitBreakerTimeout)

	setInt("BATON_MAX_PHASE_RETRIES", &cfg.TDD.MaxPhaseRetries)
	setInt("BATON_MAX_TOTAL_RETRIES", &cfg.TDD.MaxTotalRetries)

	setInt("BATON_RESULT_CONSUMERS", &cfg.Executor.ResultConsumers)
	setDuration("BATON_TASK_TIMEOUT", &cfg.Executor.TaskTimeout)
}

func setString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("Ignoring unparseable env override", "key", key, "value", v, "error", err)
		return
	}
	*dst = n
}

func setDuration(key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// Bare numbers are treated as seconds, matching the deploy docs.
		if n, nerr := strconv.Atoi(v); nerr == nil {
			*dst = time.Duration(n) * time.Second
			return
		}
		slog.Warn("Ignoring unparseable env override", "key", key, "value", v, "error", err)
		return
	}
	*dst = d
}
