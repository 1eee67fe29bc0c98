// Package redis provides a pooled Redis client for the bid gateway
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Client wraps a Redis connection pool
type Client struct {
	client *redis.Client
}

// ClientConfig holds configuration for the Redis client
type ClientConfig struct {
	// Connection pool size
	PoolSize int
	// Minimum idle connections to maintain
	MinIdleConns int
	// Maximum connection age before recycling
	MaxConnAge time.Duration
	// Timeout for establishing new connections
	DialTimeout time.Duration
	// Timeout for socket reads
	ReadTimeout time.Duration
	// Timeout for socket writes
	WriteTimeout time.Duration
	// Timeout for getting connection from pool
	PoolTimeout time.Duration
}

// DefaultClientConfig returns production-ready configuration
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		PoolSize:     50,
		MinIdleConns: 5,
		MaxConnAge:   30 * time.Minute,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  500 * time.Millisecond, // cache lookups sit on the bid hot path
		WriteTimeout: 500 * time.Millisecond,
		PoolTimeout:  time.Second,
	}
}

// New creates a new Redis client from a URL with default configuration
func New(redisURL string) (*Client, error) {
	return NewWithConfig(redisURL, DefaultClientConfig())
}

// NewWithConfig creates a new Redis client with custom configuration
func NewWithConfig(redisURL string, cfg *ClientConfig) (*Client, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis URL is empty")
	}

	if cfg == nil {
		cfg = DefaultClientConfig()
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns
	opts.ConnMaxLifetime = cfg.MaxConnAge
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout
	opts.PoolTimeout = cfg.PoolTimeout

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		// Don't fail - callers treat Redis errors as cache misses
		log.Warn().Err(err).Str("address", opts.Addr).Msg("Redis connection test failed")
	} else {
		log.Info().
			Str("address", opts.Addr).
			Int("pool_size", cfg.PoolSize).
			Int("min_idle", cfg.MinIdleConns).
			Msg("Redis connected with connection pooling")
	}

	return &Client{client: client}, nil
}

// Get returns the string value at key, or "" with a nil error when the key is absent
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	result, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return result, err
}

// SetEX sets key to value with an expiry
func (c *Client) SetEX(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// Del deletes keys
func (c *Client) Del(ctx context.Context, keys ...string) error {
	return c.client.Del(ctx, keys...).Err()
}

// Publish posts a message to a pub/sub channel
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	return c.client.Publish(ctx, channel, payload).Err()
}

// Subscribe subscribes to pub/sub channels
func (c *Client) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return c.client.Subscribe(ctx, channels...)
}

// Ping tests the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the connection pool
func (c *Client) Close() error {
	return c.client.Close()
}

// PoolStats returns connection pool statistics for monitoring
func (c *Client) PoolStats() *redis.PoolStats {
	return c.client.PoolStats()
}
