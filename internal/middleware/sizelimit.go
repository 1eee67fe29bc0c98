// Package middleware provides HTTP middleware for the bid gateway's inbound surface
package middleware

import (
	"net/http"
	"os"
	"strconv"
	"sync"

	"github.com/thenexusengine/tne_bidgate/internal/config"
)

// SizeLimitConfig bounds inbound request bodies and URLs
type SizeLimitConfig struct {
	Enabled      bool
	MaxBodySize  int64
	MaxURLLength int
}

// DefaultSizeLimitConfig reads MAX_REQUEST_SIZE and MAX_URL_LENGTH
func DefaultSizeLimitConfig() *SizeLimitConfig {
	maxBody := int64(config.DefaultMaxBodySize)
	if v, err := strconv.ParseInt(os.Getenv("MAX_REQUEST_SIZE"), 10, 64); err == nil && v > 0 {
		maxBody = v
	}
	maxURL := config.DefaultMaxURLLength
	if v, err := strconv.Atoi(os.Getenv("MAX_URL_LENGTH")); err == nil && v > 0 {
		maxURL = v
	}
	return &SizeLimitConfig{
		Enabled:      os.Getenv("SIZE_LIMIT_ENABLED") != "false",
		MaxBodySize:  maxBody,
		MaxURLLength: maxURL,
	}
}

// SizeLimiter rejects oversized requests before they reach a handler
type SizeLimiter struct {
	mu     sync.RWMutex
	config *SizeLimitConfig
}

// NewSizeLimiter creates a size limiter. A nil config reads the environment.
func NewSizeLimiter(cfg *SizeLimitConfig) *SizeLimiter {
	if cfg == nil {
		cfg = DefaultSizeLimitConfig()
	}
	return &SizeLimiter{config: cfg}
}

// Middleware returns 414 for long URLs and 413 for declared oversized bodies.
// Bodies without a Content-Length are capped with http.MaxBytesReader so the
// decoding handler fails once the limit is crossed.
func (sl *SizeLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sl.mu.RLock()
		cfg := *sl.config
		sl.mu.RUnlock()

		if !cfg.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		if cfg.MaxURLLength > 0 && len(r.URL.String()) > cfg.MaxURLLength {
			writeJSONError(w, http.StatusRequestURITooLong, "request URI too long")
			return
		}

		if cfg.MaxBodySize > 0 && r.Body != nil {
			if r.ContentLength > cfg.MaxBodySize {
				writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxBodySize)
		}

		next.ServeHTTP(w, r)
	})
}

// SetMaxBodySize updates the body limit
func (sl *SizeLimiter) SetMaxBodySize(n int64) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.config.MaxBodySize = n
}

// SetEnabled enables or disables size limiting
func (sl *SizeLimiter) SetEnabled(enabled bool) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.config.Enabled = enabled
}

// Config returns a copy of the current configuration
func (sl *SizeLimiter) Config() SizeLimitConfig {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	return *sl.config
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
