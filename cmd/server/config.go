package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/thenexusengine/tne_bidgate/internal/config"
	"github.com/thenexusengine/tne_bidgate/internal/engine"
	"github.com/thenexusengine/tne_bidgate/internal/events"
	"github.com/thenexusengine/tne_bidgate/internal/orchestrator"
	"github.com/thenexusengine/tne_bidgate/internal/storage"
)

// ServerConfig holds all server configuration
type ServerConfig struct {
	// Server
	Port string

	// Engine
	EngineEnabled        bool
	EngineAddr           string
	EngineTimeout        time.Duration
	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	MaxReconnectAttempts int

	// Pipeline
	FallbackEnabled    bool
	FallbackMultiplier float64
	CacheTTL           time.Duration
	IdempotencyFields  string

	// Events
	EventQueueSize int
	EventWorkers   int

	// Database, nil when DB_HOST is unset
	DatabaseConfig *storage.DBConfig

	// Redis
	RedisURL string
}

// ParseConfig parses configuration from flags and environment variables
func ParseConfig() *ServerConfig {
	port := flag.String("port", getEnvOrDefault("BIDGATE_PORT", "3000"), "Server port")
	engineAddr := flag.String("engine-addr", getEnvOrDefault("ENGINE_ADDR", config.DefaultEngineAddr), "Scoring engine host:port")
	engineEnabled := flag.Bool("engine-enabled", getEnvBoolOrDefault("ENGINE_ENABLED", true), "Connect to the scoring engine")
	engineTimeout := flag.Duration("engine-timeout", getEnvDurationOrDefault("ENGINE_TIMEOUT", config.DefaultEngineTimeout), "Per-request engine deadline")
	fallback := flag.Bool("fallback", getEnvBoolOrDefault("FALLBACK_ENABLED", true), "Answer with synthetic bids when the engine is unavailable")
	flag.Parse()

	cfg := &ServerConfig{
		Port:                 *port,
		EngineEnabled:        *engineEnabled,
		EngineAddr:           *engineAddr,
		EngineTimeout:        *engineTimeout,
		ReconnectBase:        getEnvDurationOrDefault("ENGINE_RECONNECT_BASE", config.DefaultReconnectBase),
		ReconnectMax:         getEnvDurationOrDefault("ENGINE_RECONNECT_MAX", config.DefaultReconnectMax),
		MaxReconnectAttempts: getEnvIntOrDefault("ENGINE_MAX_RECONNECT_ATTEMPTS", config.DefaultMaxReconnectAttempts),
		FallbackEnabled:      *fallback,
		FallbackMultiplier:   getEnvFloatOrDefault("FALLBACK_MULTIPLIER", orchestrator.DefaultFallbackMultiplier),
		CacheTTL:             getEnvDurationOrDefault("BID_CACHE_TTL", config.DefaultBidCacheTTL),
		IdempotencyFields:    getEnvOrDefault("IDEMPOTENCY_FIELDS", config.DefaultIdempotencyFields),
		EventQueueSize:       getEnvIntOrDefault("EVENT_QUEUE_SIZE", config.DefaultEventQueueSize),
		EventWorkers:         getEnvIntOrDefault("EVENT_WORKERS", config.DefaultEventWorkers),
		RedisURL:             os.Getenv("REDIS_URL"),
	}

	if dbHost := os.Getenv("DB_HOST"); dbHost != "" {
		cfg.DatabaseConfig = &storage.DBConfig{
			Host:     dbHost,
			Port:     getEnvOrDefault("DB_PORT", "5432"),
			User:     getEnvOrDefault("DB_USER", "bidgate"),
			Password: getEnvOrDefault("DB_PASSWORD", ""),
			Name:     getEnvOrDefault("DB_NAME", "bidgate"),
			SSLMode:  getEnvOrDefault("DB_SSL_MODE", "disable"),
		}
	}

	return cfg
}

// Validate rejects settings the server cannot run with
func (c *ServerConfig) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port is required")
	}
	if c.EngineEnabled && c.EngineAddr == "" {
		return fmt.Errorf("engine address is required when the engine is enabled")
	}
	if !c.EngineEnabled && !c.FallbackEnabled {
		return fmt.Errorf("engine and fallback are both disabled, no bid could ever be priced")
	}
	if c.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("max reconnect attempts must be positive, got %d", c.MaxReconnectAttempts)
	}
	if c.ReconnectBase <= 0 {
		return fmt.Errorf("reconnect base must be positive, got %s", c.ReconnectBase)
	}
	if c.ReconnectMax < c.ReconnectBase {
		return fmt.Errorf("reconnect max %s is below reconnect base %s", c.ReconnectMax, c.ReconnectBase)
	}
	if c.FallbackMultiplier <= 0 {
		return fmt.Errorf("fallback multiplier must be positive, got %v", c.FallbackMultiplier)
	}
	if _, err := orchestrator.ParseKeyFields(c.IdempotencyFields); err != nil {
		return fmt.Errorf("invalid IDEMPOTENCY_FIELDS: %w", err)
	}
	return nil
}

// ToEngineConfig converts ServerConfig to the engine client configuration
func (c *ServerConfig) ToEngineConfig() engine.ClientConfig {
	mgr := engine.DefaultManagerConfig(c.EngineAddr)
	mgr.Backoff = engine.Backoff{
		Base:        c.ReconnectBase,
		Max:         c.ReconnectMax,
		MaxAttempts: c.MaxReconnectAttempts,
	}
	return engine.ClientConfig{
		Manager: mgr,
		Timeout: c.EngineTimeout,
	}
}

// ToOrchestratorConfig converts ServerConfig to the pipeline configuration
func (c *ServerConfig) ToOrchestratorConfig() (*orchestrator.Config, error) {
	fields, err := orchestrator.ParseKeyFields(c.IdempotencyFields)
	if err != nil {
		return nil, err
	}
	cfg := &orchestrator.Config{
		EngineTimeout: c.EngineTimeout,
		CacheTTL:      c.CacheTTL,
		KeyFields:     fields,
	}
	if c.FallbackEnabled {
		cfg.Fallback = orchestrator.NewSyntheticFallback(c.FallbackMultiplier)
	}
	return cfg, nil
}

// ToEventsConfig converts ServerConfig to the publisher configuration
func (c *ServerConfig) ToEventsConfig() *events.Config {
	cfg := events.DefaultConfig()
	cfg.QueueSize = c.EventQueueSize
	cfg.Workers = c.EventWorkers
	return cfg
}

// getEnvOrDefault returns the environment variable value or a default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBoolOrDefault returns the environment variable as bool or a default
func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1" || value == "yes"
}

// getEnvIntOrDefault returns the environment variable as int or a default
func getEnvIntOrDefault(key string, defaultValue int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return v
}

// getEnvFloatOrDefault returns the environment variable as float64 or a default
func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return defaultValue
	}
	return v
}

// getEnvDurationOrDefault accepts Go durations ("1500ms") or whole seconds ("300")
func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
