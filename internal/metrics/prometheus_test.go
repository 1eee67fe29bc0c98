package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/thenexusengine/tne_bidgate/internal/bid"
	"github.com/thenexusengine/tne_bidgate/internal/engine"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewMetrics("test", reg), reg
}

func TestRecordBid(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordBid("engine", bid.StatusSuccess, true, 5*time.Millisecond)
	m.RecordBid("engine", bid.StatusSuccess, true, 7*time.Millisecond)
	m.RecordBid("fallback", bid.StatusDegraded, false, time.Millisecond)
	m.RecordBid("cache", bid.StatusSuccess, true, 0)

	if got := testutil.ToFloat64(m.BidsTotal.WithLabelValues("engine", "success", "true")); got != 2 {
		t.Errorf("engine bids = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.BidsTotal.WithLabelValues("fallback", "degraded", "false")); got != 1 {
		t.Errorf("fallback bids = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.BidDuration); got != 2 {
		t.Errorf("expected duration series for engine and fallback only, got %d", got)
	}
}

func TestRecordCacheLookupAndErrors(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordCacheLookup(true)
	m.RecordCacheLookup(false)
	m.RecordCacheLookup(false)
	m.RecordSideEffectError("store")

	if got := testutil.ToFloat64(m.CacheLookups.WithLabelValues("miss")); got != 2 {
		t.Errorf("misses = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.CacheLookups.WithLabelValues("hit")); got != 1 {
		t.Errorf("hits = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SideEffectErrors.WithLabelValues("store")); got != 1 {
		t.Errorf("store errors = %v, want 1", got)
	}
}

func TestEngineMetrics(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.SetEngineState(engine.StateConnecting, engine.StateConnected)
	if got := testutil.ToFloat64(m.EngineState); got != float64(engine.StateConnected) {
		t.Errorf("state gauge = %v", got)
	}
	m.SetEngineState(engine.StateConnected, engine.StateReconnecting)
	m.SetEngineState(engine.StateReconnecting, engine.StateFailed)
	if got := testutil.ToFloat64(m.EngineTransitions.WithLabelValues("failed")); got != 1 {
		t.Errorf("failed transitions = %v", got)
	}

	m.IncEngineDecodeErrors()
	m.IncRateLimitRejected()
	if testutil.ToFloat64(m.EngineDecodeErrors) != 1 || testutil.ToFloat64(m.RateLimitRejected) != 1 {
		t.Error("expected counters to increment")
	}
}

func TestRegisterGauge(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.RegisterGauge("engine_pending_requests", "Pending engine requests", func() float64 { return 3 })

	expected := `
# HELP test_engine_pending_requests Pending engine requests
# TYPE test_engine_pending_requests gauge
test_engine_pending_requests 3
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "test_engine_pending_requests"); err != nil {
		t.Error(err)
	}
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	m, _ := newTestMetrics(t)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/bids/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	h := m.Middleware(mux)

	for _, id := range []string{"a", "b", "c"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/bids/"+id, nil))
	}

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "GET /api/v1/bids/{id}", "404")); got != 3 {
		t.Errorf("requests for pattern = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.RequestsInFlight); got != 0 {
		t.Errorf("in flight = %v, want 0", got)
	}
}

func TestHandlerFor(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.RecordCacheLookup(true)

	rec := httptest.NewRecorder()
	HandlerFor(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `test_cache_lookups_total{result="hit"} 1`) {
		t.Error("expected cache lookup metric in output")
	}
}
