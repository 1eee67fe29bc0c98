package middleware

import (
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/thenexusengine/tne_bidgate/internal/config"
)

// RateLimitConfig holds per-client token bucket settings
type RateLimitConfig struct {
	Enabled bool
	// Requests are refilled evenly over Window; Burst caps the bucket
	Requests int
	Window   time.Duration
	Burst    int
	// PathPrefix limits which routes are rate limited; empty limits everything
	PathPrefix      string
	CleanupInterval time.Duration
	// X-Forwarded-For is only honoured when RemoteAddr is a trusted proxy
	TrustedProxies []*net.IPNet
}

// DefaultRateLimitConfig reads RATE_LIMIT_ENABLED, RATE_LIMIT_REQUESTS,
// RATE_LIMIT_WINDOW, RATE_LIMIT_BURST and TRUSTED_PROXIES
func DefaultRateLimitConfig() *RateLimitConfig {
	requests, err := strconv.Atoi(os.Getenv("RATE_LIMIT_REQUESTS"))
	if err != nil || requests <= 0 {
		requests = config.DefaultRateLimitRequests
	}
	window, err := time.ParseDuration(os.Getenv("RATE_LIMIT_WINDOW"))
	if err != nil || window <= 0 {
		window = config.DefaultRateLimitWindow
	}
	burst, err := strconv.Atoi(os.Getenv("RATE_LIMIT_BURST"))
	if err != nil || burst <= 0 {
		burst = requests
	}
	return &RateLimitConfig{
		Enabled:         os.Getenv("RATE_LIMIT_ENABLED") != "false",
		Requests:        requests,
		Window:          window,
		Burst:           burst,
		PathPrefix:      "/api/",
		CleanupInterval: time.Minute,
		TrustedProxies:  ParseTrustedProxies(os.Getenv("TRUSTED_PROXIES")),
	}
}

// ParseTrustedProxies parses a comma-separated list of CIDRs or bare IPs
func ParseTrustedProxies(s string) []*net.IPNet {
	var nets []*net.IPNet
	for _, cidr := range strings.Split(s, ",") {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}
		if !strings.Contains(cidr, "/") {
			if strings.Contains(cidr, ":") {
				cidr += "/128"
			} else {
				cidr += "/32"
			}
		}
		if _, n, err := net.ParseCIDR(cidr); err == nil {
			nets = append(nets, n)
		}
	}
	return nets
}

// RateLimitMetrics defines the metrics interface for rate limiter
type RateLimitMetrics interface {
	IncRateLimitRejected()
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// RateLimiter is a per-client token bucket
type RateLimiter struct {
	config  *RateLimitConfig
	mu      sync.Mutex
	clients map[string]*bucket
	metrics RateLimitMetrics
	now     func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRateLimiter creates a rate limiter. A nil config reads the environment.
func NewRateLimiter(cfg *RateLimitConfig) *RateLimiter {
	if cfg == nil {
		cfg = DefaultRateLimitConfig()
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.Requests
	}
	rl := &RateLimiter{
		config:  cfg,
		clients: make(map[string]*bucket),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	if cfg.CleanupInterval > 0 {
		go rl.cleanup()
	}
	return rl
}

// SetMetrics sets the metrics interface for the rate limiter
func (rl *RateLimiter) SetMetrics(m RateLimitMetrics) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.metrics = m
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// Middleware rejects clients that exhausted their bucket with 429
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.config.Enabled || !strings.HasPrefix(r.URL.Path, rl.config.PathPrefix) {
			next.ServeHTTP(w, r)
			return
		}

		limit := strconv.Itoa(rl.config.Requests)
		remaining, ok := rl.allow(rl.clientIP(r))
		w.Header().Set("X-RateLimit-Limit", limit)
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !ok {
			rl.mu.Lock()
			m := rl.metrics
			rl.mu.Unlock()
			if m != nil {
				m.IncRateLimitRejected()
			}
			w.Header().Set("Retry-After", strconv.Itoa(rl.retryAfter()))
			writeJSONError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allow takes one token from the client's bucket and reports what is left
func (rl *RateLimiter) allow(client string) (int, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.clients[client]
	if !ok {
		b = &bucket{tokens: float64(rl.config.Burst), seen: now}
		rl.clients[client] = b
	}

	rate := float64(rl.config.Requests) / rl.config.Window.Seconds()
	b.tokens += now.Sub(b.seen).Seconds() * rate
	if ceiling := float64(rl.config.Burst); b.tokens > ceiling {
		b.tokens = ceiling
	}
	b.seen = now

	if b.tokens < 1 {
		return 0, false
	}
	b.tokens--
	return int(b.tokens), true
}

// retryAfter is the whole seconds until one token is available
func (rl *RateLimiter) retryAfter() int {
	secs := rl.config.Window.Seconds() / float64(rl.config.Requests)
	if secs < 1 {
		return 1
	}
	return int(secs + 0.5)
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.evictIdle()
		case <-rl.stopCh:
			return
		}
	}
}

// evictIdle drops buckets that have had time to refill completely
func (rl *RateLimiter) evictIdle() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-rl.config.Window)
	for k, b := range rl.clients {
		if b.seen.Before(cutoff) {
			delete(rl.clients, k)
		}
	}
}

// clientIP returns the rightmost untrusted X-Forwarded-For hop when the peer
// is a trusted proxy, and the peer address otherwise
func (rl *RateLimiter) clientIP(r *http.Request) string {
	remote := r.RemoteAddr
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}
	if !rl.trusted(remote) {
		return remote
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop != "" && !rl.trusted(hop) {
			return hop
		}
	}
	return remote
}

func (rl *RateLimiter) trusted(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, n := range rl.config.TrustedProxies {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Clients returns the number of tracked client buckets
func (rl *RateLimiter) Clients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}
