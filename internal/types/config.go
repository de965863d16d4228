// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package types defines configuration types for the scan orchestrator.
package types

// Config represents the complete application configuration.
type Config struct {
	Server      ServerConfig          // HTTP server configuration
	Redis       RedisConfig           // Queue/idempotency store connection
	Worker      WorkerConfig          // Worker loop configuration
	Retention   RetentionConfig       // Terminal task retention windows
	Idempotency IdempotencyConfig     // Idempotency key TTL
	Breaker     BreakerConfig         // Per-instance circuit breaker tunables
	Queue       QueueConfig           // Queue store tunables
	Storage     StorageConfig         // Task record and artifact storage
	CORS        CORSConfig            // CORS policy configuration
	Pools       map[string]PoolConfig // Declarative pool -> instances tree
}

// ServerConfig defines HTTP server listening configuration.
type ServerConfig struct {
	Host string // Server listening address (e.g., "0.0.0.0", "127.0.0.1")
	Port int    // Server listening port (e.g., 8080)
}

// RedisConfig defines the connection to the Redis queue store.
type RedisConfig struct {
	Addr     string // host:port of the Redis server
	Password string // Optional AUTH password
	DB       int    // Redis database index
}

// WorkerConfig defines the scan worker loop configuration.
type WorkerConfig struct {
	Subscriptions       []string // Pool names this worker dequeues from
	MaxConcurrentScans  int      // Worker-level in-flight scan cap (default: 5)
	PollIntervalSeconds int      // Backend status poll interval (default: 30)
	ScanDeadlineSeconds int      // Absolute per-scan deadline (default: 86400)
}

// RetentionConfig defines how long terminal task records are kept.
type RetentionConfig struct {
	CompletedDays int // Days to keep completed tasks (default: 7)
	FailedDays    int // Days to keep failed tasks (default: 30)
	TimeoutDays   int // Days to keep timed-out tasks (default: 30)
}

// IdempotencyConfig defines idempotency deduplication behavior.
type IdempotencyConfig struct {
	TTLSeconds int // Key lifetime (default: 172800 = 48h)
}

// BreakerConfig defines per-instance circuit breaker tunables.
type BreakerConfig struct {
	FailureThreshold int // Consecutive failures before opening (default: 5)
	CooldownSeconds  int // Open -> half-open cooldown (default: 300)
	SuccessThreshold int // Half-open successes before closing (default: 2)
}

// QueueConfig defines queue store tunables.
type QueueConfig struct {
	PopTimeoutSeconds int // Blocking dequeue timeout (default: 5)
}

// StorageConfig defines storage configuration.
type StorageConfig struct {
	ReportsDir string // Directory for task records and exported artifacts
}

// CORSConfig defines Cross-Origin Resource Sharing policy.
type CORSConfig struct {
	AllowedOrigins []string // Allowed origins (e.g., ["*"], ["https://app.example.com"])
}

// PoolConfig defines one named pool of interchangeable scanner instances.
type PoolConfig struct {
	Instances map[string]InstanceConfig `mapstructure:"instances"`
}

// InstanceConfig defines one concrete scanner endpoint within a pool.
// Loaded from configuration; never mutated piecewise after load.
type InstanceConfig struct {
	URL                string `mapstructure:"url"`                  // Scanner transport target
	Username           string `mapstructure:"username"`             // Credential reference (env-substituted)
	Password           string `mapstructure:"password"`             // Credential reference (env-substituted)
	MaxConcurrentScans int    `mapstructure:"max_concurrent_scans"` // Integer >= 1
	Enabled            bool   `mapstructure:"enabled"`              // Disabled instances are never selected
	VerifyTLS          bool   `mapstructure:"verify_tls"`           // TLS certificate verification (default: false)
}
