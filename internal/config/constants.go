// Package config provides shared configuration defaults for the bid gateway
package config

import "time"

// Server timeout defaults
const (
	// ServerReadTimeout is the maximum duration for reading the entire request
	ServerReadTimeout = 5 * time.Second

	// ServerWriteTimeout must exceed DefaultEngineTimeout so a slow engine
	// answer can still be written back
	ServerWriteTimeout = 15 * time.Second

	// ServerIdleTimeout is the keep-alive idle limit
	ServerIdleTimeout = 120 * time.Second

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout = 30 * time.Second
)

// Engine connection defaults
const (
	DefaultEngineAddr    = "localhost:5000"
	DefaultEngineTimeout = 10 * time.Second

	DefaultReconnectBase        = time.Second
	DefaultReconnectMax         = 30 * time.Second
	DefaultMaxReconnectAttempts = 10
)

// Pipeline defaults
const (
	// DefaultBidCacheTTL is how long a computed response answers duplicates
	DefaultBidCacheTTL = 300 * time.Second

	// DefaultIdempotencyFields is the comma-separated list of key fields
	DefaultIdempotencyFields = "user_id,ad_slot_id,campaign_id,floor_price"

	// MemoryCacheSize bounds the in-process cache used without Redis
	MemoryCacheSize = 100000
)

// Event publisher defaults
const (
	DefaultEventQueueSize = 1024
	DefaultEventWorkers   = 4
)

// Rate limiting defaults, 100 requests per minute per client
const (
	DefaultRateLimitRequests = 100
	DefaultRateLimitWindow   = time.Minute
)

// Size limiting defaults
const (
	// DefaultMaxBodySize is the default maximum request body size (1MB)
	DefaultMaxBodySize = 1024 * 1024

	// DefaultMaxURLLength is the default maximum URL length (8KB)
	DefaultMaxURLLength = 8192
)

// Redis defaults
const (
	// RedisPoolSize is the default connection pool size
	RedisPoolSize = 100
)
