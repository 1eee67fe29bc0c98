package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			http.Error(w, "body", http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestSizeLimiter(t *testing.T) {
	sl := NewSizeLimiter(&SizeLimitConfig{Enabled: true, MaxBodySize: 16, MaxURLLength: 40})
	h := sl.Middleware(okHandler())

	tests := []struct {
		name   string
		url    string
		body   string
		chunk  bool
		status int
	}{
		{"small body", "/api/v1/bids", `{"a":1}`, false, http.StatusOK},
		{"declared too large", "/api/v1/bids", strings.Repeat("x", 17), false, http.StatusRequestEntityTooLarge},
		{"undeclared too large", "/api/v1/bids", strings.Repeat("x", 64), true, http.StatusRequestEntityTooLarge},
		{"long url", "/api/v1/bids/" + strings.Repeat("a", 40), "", false, http.StatusRequestURITooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader = strings.NewReader(tt.body)
			if tt.chunk {
				body = io.MultiReader(strings.NewReader(tt.body))
			}
			req := httptest.NewRequest(http.MethodPost, tt.url, body)
			if tt.chunk {
				req.ContentLength = -1
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tt.status {
				t.Errorf("status = %d, want %d", rr.Code, tt.status)
			}
		})
	}
}

func TestSizeLimiter_Disabled(t *testing.T) {
	sl := NewSizeLimiter(&SizeLimitConfig{Enabled: true, MaxBodySize: 4})
	sl.SetEnabled(false)
	rr := httptest.NewRecorder()
	sl.Middleware(okHandler()).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("0123456789")))
	if rr.Code != http.StatusOK {
		t.Errorf("disabled limiter rejected request: %d", rr.Code)
	}
	if sl.Config().Enabled {
		t.Error("expected config to report disabled")
	}
}

func TestDefaultSizeLimitConfig_Env(t *testing.T) {
	t.Setenv("MAX_REQUEST_SIZE", "2048")
	t.Setenv("MAX_URL_LENGTH", "bogus")
	cfg := DefaultSizeLimitConfig()
	if cfg.MaxBodySize != 2048 {
		t.Errorf("MaxBodySize = %d", cfg.MaxBodySize)
	}
	if cfg.MaxURLLength != 8192 {
		t.Errorf("MaxURLLength = %d, want default", cfg.MaxURLLength)
	}
	if !cfg.Enabled {
		t.Error("size limiting should default to enabled")
	}
}

type rejectCounter struct{ n atomic.Int64 }

func (c *rejectCounter) IncRateLimitRejected() { c.n.Add(1) }

func newTestLimiter(requests, burst int) (*RateLimiter, *time.Time) {
	now := time.Unix(1_700_000_000, 0)
	rl := NewRateLimiter(&RateLimitConfig{
		Enabled:    true,
		Requests:   requests,
		Window:     time.Minute,
		Burst:      burst,
		PathPrefix: "/api/",
	})
	rl.now = func() time.Time { return now }
	return rl, &now
}

func hit(h http.Handler, path, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = remote
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestRateLimiter_BurstThenReject(t *testing.T) {
	rl, _ := newTestLimiter(60, 3)
	counter := &rejectCounter{}
	rl.SetMetrics(counter)
	h := rl.Middleware(okHandler())

	for i := 0; i < 3; i++ {
		if rr := hit(h, "/api/v1/bids", "10.0.0.1:1234"); rr.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i, rr.Code)
		}
	}
	rr := hit(h, "/api/v1/bids", "10.0.0.1:1234")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q", rr.Header().Get("Retry-After"))
	}
	if rr.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("X-RateLimit-Remaining = %q", rr.Header().Get("X-RateLimit-Remaining"))
	}
	if counter.n.Load() != 1 {
		t.Errorf("rejections recorded = %d", counter.n.Load())
	}

	// other clients have their own bucket
	if rr := hit(h, "/api/v1/bids", "10.0.0.2:1234"); rr.Code != http.StatusOK {
		t.Errorf("second client limited: %d", rr.Code)
	}
}

func TestRateLimiter_Refill(t *testing.T) {
	rl, now := newTestLimiter(60, 1)
	h := rl.Middleware(okHandler())

	if rr := hit(h, "/api/x", "10.0.0.1:1"); rr.Code != http.StatusOK {
		t.Fatal("first request should pass")
	}
	if rr := hit(h, "/api/x", "10.0.0.1:1"); rr.Code != http.StatusTooManyRequests {
		t.Fatal("second request should be limited")
	}
	*now = now.Add(time.Second)
	if rr := hit(h, "/api/x", "10.0.0.1:1"); rr.Code != http.StatusOK {
		t.Errorf("token should refill after 1s at 60/min, got %d", rr.Code)
	}
}

func TestRateLimiter_PathPrefix(t *testing.T) {
	rl, _ := newTestLimiter(1, 1)
	h := rl.Middleware(okHandler())
	for i := 0; i < 5; i++ {
		if rr := hit(h, "/health", "10.0.0.1:1"); rr.Code != http.StatusOK {
			t.Fatalf("health must not be limited, got %d", rr.Code)
		}
	}
	if rl.Clients() != 0 {
		t.Errorf("unlimited paths should not allocate buckets")
	}
}

func TestRateLimiter_EvictIdle(t *testing.T) {
	rl, now := newTestLimiter(10, 10)
	h := rl.Middleware(okHandler())
	hit(h, "/api/x", "10.0.0.1:1")
	hit(h, "/api/x", "10.0.0.2:1")
	*now = now.Add(2 * time.Minute)
	hit(h, "/api/x", "10.0.0.3:1")

	rl.evictIdle()
	if rl.Clients() != 1 {
		t.Errorf("clients after eviction = %d, want 1", rl.Clients())
	}
	rl.Stop()
	rl.Stop()
}

func TestRateLimiter_ClientIP(t *testing.T) {
	rl := NewRateLimiter(&RateLimitConfig{
		Enabled:        true,
		Requests:       1,
		Window:         time.Second,
		TrustedProxies: ParseTrustedProxies("10.0.0.0/8, 192.168.1.1"),
	})
	defer rl.Stop()

	tests := []struct {
		remote, xff, want string
	}{
		{"203.0.113.5:80", "1.2.3.4", "203.0.113.5"},
		{"10.1.1.1:80", "1.2.3.4", "1.2.3.4"},
		{"10.1.1.1:80", "1.2.3.4, 10.2.2.2", "1.2.3.4"},
		{"192.168.1.1:80", "", "192.168.1.1"},
		{"[::1]:80", "1.2.3.4", "::1"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tt.remote
		if tt.xff != "" {
			req.Header.Set("X-Forwarded-For", tt.xff)
		}
		if got := rl.clientIP(req); got != tt.want {
			t.Errorf("clientIP(%s, %q) = %s, want %s", tt.remote, tt.xff, got, tt.want)
		}
	}
}

func TestParseTrustedProxies(t *testing.T) {
	nets := ParseTrustedProxies("10.0.0.0/8,,127.0.0.1,::1,not-an-ip")
	if len(nets) != 3 {
		t.Fatalf("parsed %d networks, want 3", len(nets))
	}
}

func TestDefaultRateLimitConfig_Env(t *testing.T) {
	t.Setenv("RATE_LIMIT_REQUESTS", "50")
	t.Setenv("RATE_LIMIT_WINDOW", "30s")
	t.Setenv("RATE_LIMIT_ENABLED", "false")
	cfg := DefaultRateLimitConfig()
	if cfg.Requests != 50 || cfg.Window != 30*time.Second || cfg.Burst != 50 {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.Enabled {
		t.Error("RATE_LIMIT_ENABLED=false should disable")
	}
}
