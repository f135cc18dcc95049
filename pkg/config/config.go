// Package config loads and validates baton's configuration.
//
// Configuration is resolved in three layers, later layers overriding
// earlier ones:
//  1. Built-in defaults (Default)
//  2. An optional YAML file (merged via mergo)
//  3. BATON_* environment variables for deploy-time overrides
package config

import (
	"fmt"
	"time"
)

// Config is the complete baton configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Store        StoreConfig        `yaml:"store"`
	Coordination CoordinationConfig `yaml:"coordination"`
	TDD          TDDConfig          `yaml:"tdd"`
	Executor     ExecutorConfig     `yaml:"executor"`
}

// ServerConfig groups the HTTP/WebSocket surface settings.
type ServerConfig struct {
	// Addr is the listen address, host:port.
	Addr string `yaml:"addr"`

	// WriteTimeout bounds a single WebSocket frame write.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// SubscriberQueueSize is the per-subscriber bounded event queue. On
	// overflow the oldest non-terminal frame is dropped.
	SubscriberQueueSize int `yaml:"subscriber_queue_size"`

	// PingInterval is the cadence of server-initiated ping frames on
	// streaming connections.
	PingInterval time.Duration `yaml:"ping_interval"`

	// RequestsPerSecond and Burst configure the API rate limiter.
	// RequestsPerSecond <= 0 disables limiting.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// StoreConfig selects and configures the state store backend.
type StoreConfig struct {
	// Backend is "redis" or "memory".
	Backend string `yaml:"backend"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// CoordinationConfig carries the agent coordination plane settings.
type CoordinationConfig struct {
	// HeartbeatInterval is the cadence agents are expected to heartbeat at.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// HealthCheckInterval is how often the health monitor recomputes
	// every agent's scores.
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`

	// OfflineThreshold is the silence interval after which an agent is
	// marked OFFLINE.
	OfflineThreshold time.Duration `yaml:"offline_threshold"`

	// DiscoveryInterval is how often the announcements stream is scanned
	// when the stream read returns empty.
	DiscoveryInterval time.Duration `yaml:"discovery_interval"`

	// CleanupInterval is how often stale registrations are pruned.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// AgentTimeout is the silence interval before automatic deregistration.
	AgentTimeout time.Duration `yaml:"agent_timeout"`

	// DefaultRoutingStrategy names one of the router's strategies.
	DefaultRoutingStrategy string `yaml:"default_routing_strategy"`

	// CircuitBreakerThreshold is the consecutive-failure count that opens
	// an agent's breaker.
	CircuitBreakerThreshold int `yaml:"circuit_breaker_threshold"`

	// CircuitBreakerTimeout is how long an open breaker blocks routing
	// before probing HALF_OPEN.
	CircuitBreakerTimeout time.Duration `yaml:"circuit_breaker_timeout"`
}

// TDDConfig carries the phase engine settings.
type TDDConfig struct {
	MaxPhaseRetries      int `yaml:"max_phase_retries"`
	MaxTotalRetries      int `yaml:"max_total_retries"`
	MaxStagnationRetries int `yaml:"max_stagnation_retries"`

	// Per-phase wall-clock budgets.
	RedTimeout    time.Duration `yaml:"red_timeout"`
	YellowTimeout time.Duration `yaml:"yellow_timeout"`
	GreenTimeout  time.Duration `yaml:"green_timeout"`
}

// ExecutorConfig carries the job/task executor settings.
type ExecutorConfig struct {
	// ResultConsumers is how many goroutines drain the task-results stream.
	ResultConsumers int `yaml:"result_consumers"`

	// TaskTimeout is the per-task agent deadline. Expiry marks the task
	// FAILED with category "timeout".
	TaskTimeout time.Duration `yaml:"task_timeout"`

	// DispatchTimeout bounds a single route-plus-enqueue operation.
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`

	// ReplyTimeout bounds a blocking wait on a per-invocation reply
	// stream (TDD sub-steps).
	ReplyTimeout time.Duration `yaml:"reply_timeout"`
}

// Default returns the built-in configuration. All spec defaults live here.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:                ":8080",
			WriteTimeout:        10 * time.Second,
			SubscriberQueueSize: 256,
			PingInterval:        30 * time.Second,
			RequestsPerSecond:   50,
			Burst:               100,
		},
		Store: StoreConfig{
			Backend:   "redis",
			RedisAddr: "localhost:6379",
		},
		Coordination: CoordinationConfig{
			HeartbeatInterval:       30 * time.Second,
			HealthCheckInterval:     60 * time.Second,
			OfflineThreshold:        120 * time.Second,
			DiscoveryInterval:       30 * time.Second,
			CleanupInterval:         300 * time.Second,
			AgentTimeout:            180 * time.Second,
			DefaultRoutingStrategy:  "HEALTH_AWARE",
			CircuitBreakerThreshold: 5,
			CircuitBreakerTimeout:   60 * time.Second,
		},
		TDD: TDDConfig{
			MaxPhaseRetries:      3,
			MaxTotalRetries:      10,
			MaxStagnationRetries: 2,
			RedTimeout:           60 * time.Second,
			YellowTimeout:        120 * time.Second,
			GreenTimeout:         30 * time.Second,
		},
		Executor: ExecutorConfig{
			ResultConsumers: 4,
			TaskTimeout:     300 * time.Second,
			DispatchTimeout: 30 * time.Second,
			ReplyTimeout:    120 * time.Second,
		},
	}
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return &ValidationError{Field: "server.addr", Reason: "must not be empty"}
	}
	if c.Server.SubscriberQueueSize <= 0 {
		return &ValidationError{Field: "server.subscriber_queue_size", Reason: "must be positive"}
	}
	switch c.Store.Backend {
	case "redis", "memory":
	default:
		return &ValidationError{Field: "store.backend", Reason: fmt.Sprintf("unknown backend %q", c.Store.Backend)}
	}
	if c.Store.Backend == "redis" && c.Store.RedisAddr == "" {
		return &ValidationError{Field: "store.redis_addr", Reason: "must not be empty for the redis backend"}
	}
	for _, iv := range []struct {
		name  string
		value time.Duration
	}{
		{"coordination.heartbeat_interval", c.Coordination.HeartbeatInterval},
		{"coordination.health_check_interval", c.Coordination.HealthCheckInterval},
		{"coordination.offline_threshold", c.Coordination.OfflineThreshold},
		{"coordination.discovery_interval", c.Coordination.DiscoveryInterval},
		{"coordination.cleanup_interval", c.Coordination.CleanupInterval},
		{"coordination.agent_timeout", c.Coordination.AgentTimeout},
		{"coordination.circuit_breaker_timeout", c.Coordination.CircuitBreakerTimeout},
		{"tdd.red_timeout", c.TDD.RedTimeout},
		{"tdd.yellow_timeout", c.TDD.YellowTimeout},
		{"tdd.green_timeout", c.TDD.GreenTimeout},
		{"executor.task_timeout", c.Executor.TaskTimeout},
		{"executor.dispatch_timeout", c.Executor.DispatchTimeout},
		{"executor.reply_timeout", c.Executor.ReplyTimeout},
	} {
		if iv.value <= 0 {
			return &ValidationError{Field: iv.name, Reason: "must be a positive duration"}
		}
	}
	if !validStrategies[c.Coordination.DefaultRoutingStrategy] {
		return &ValidationError{
			Field:  "coordination.default_routing_strategy",
			Reason: fmt.Sprintf("unknown strategy %q", c.Coordination.DefaultRoutingStrategy),
		}
	}
	if c.Coordination.CircuitBreakerThreshold <= 0 {
		return &ValidationError{Field: "coordination.circuit_breaker_threshold", Reason: "must be positive"}
	}
	if c.TDD.MaxPhaseRetries <= 0 || c.TDD.MaxTotalRetries <= 0 {
		return &ValidationError{Field: "tdd.max_phase_retries", Reason: "retry budgets must be positive"}
	}
	if c.Executor.ResultConsumers <= 0 {
		return &ValidationError{Field: "executor.result_consumers", Reason: "must be positive"}
	}
	return nil
}

// validStrategies mirrors the router's strategy names. Kept as strings so
// config does not depend on the coordination package.
var validStrategies = map[string]bool{
	"ROUND_ROBIN":     true,
	"LEAST_LOADED":    true,
	"WEIGHTED_RANDOM": true,
	"HEALTH_AWARE":    true,
	"PRIORITY_BASED":  true,
}

// ValidationError describes a rejected configuration value.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Reason)
}
