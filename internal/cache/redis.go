// Package cache provides bid response caches keyed by idempotency key
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/thenexusengine/tne_bidgate/internal/bid"
	"github.com/thenexusengine/tne_bidgate/pkg/logger"
)

// KeyPrefix namespaces bid entries in the shared keyspace
const KeyPrefix = "bid:"

// ErrorRecorder counts absorbed backend errors
type ErrorRecorder interface {
	RecordSideEffectError(kind string)
}

// KV is the subset of the Redis client the cache needs. *redis.Client satisfies it.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	SetEX(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// Redis caches JSON-encoded responses under bid:<key>. Every backend error is
// logged and reported as a miss.
type Redis struct {
	kv      KV
	metrics ErrorRecorder
}

// NewRedis creates a Redis-backed cache
func NewRedis(kv KV) *Redis {
	return &Redis{kv: kv}
}

// SetMetrics sets the recorder for absorbed errors
func (r *Redis) SetMetrics(m ErrorRecorder) {
	r.metrics = m
}

// Get returns the cached response for key
func (r *Redis) Get(ctx context.Context, key string) (*bid.Response, bool) {
	raw, err := r.kv.Get(ctx, KeyPrefix+key)
	if err != nil {
		r.absorb(err, "get", key)
		return nil, false
	}
	if raw == "" {
		return nil, false
	}

	var resp bid.Response
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		r.absorb(err, "decode", key)
		return nil, false
	}
	return &resp, true
}

// Set stores resp under key for ttl
func (r *Redis) Set(ctx context.Context, key string, resp *bid.Response, ttl time.Duration) {
	data, err := json.Marshal(resp)
	if err != nil {
		r.absorb(err, "encode", key)
		return
	}
	if err := r.kv.SetEX(ctx, KeyPrefix+key, data, ttl); err != nil {
		r.absorb(err, "set", key)
	}
}

// Delete removes key
func (r *Redis) Delete(ctx context.Context, key string) {
	if err := r.kv.Del(ctx, KeyPrefix+key); err != nil {
		r.absorb(err, "delete", key)
	}
}

func (r *Redis) absorb(err error, op, key string) {
	logger.Log.Warn().
		Err(err).
		Str("op", op).
		Str("cache_key", KeyPrefix+key).
		Msg("Bid cache backend error, treating as miss")
	if r.metrics != nil {
		r.metrics.RecordSideEffectError("cache")
	}
}
