// Package metrics provides Prometheus metrics for the bid gateway
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/thenexusengine/tne_bidgate/internal/bid"
	"github.com/thenexusengine/tne_bidgate/internal/engine"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Bid pipeline metrics
	BidsTotal        *prometheus.CounterVec
	BidDuration      *prometheus.HistogramVec
	CacheLookups     *prometheus.CounterVec
	SideEffectErrors *prometheus.CounterVec

	// Engine connection metrics
	EngineState        prometheus.Gauge
	EngineTransitions  *prometheus.CounterVec
	EngineDecodeErrors prometheus.Counter

	// System metrics
	RateLimitRejected prometheus.Counter

	registerer prometheus.Registerer
	namespace  string
}

// NewMetrics creates and registers all metrics with reg. A nil reg uses the
// default registerer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "bidgate"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being served",
			},
		),

		BidsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bids_total",
				Help:      "Completed bids by pricing source, status and outcome",
			},
			[]string{"source", "status", "won"},
		),
		BidDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "bid_duration_seconds",
				Help:      "Time to price a bid, excluding cache hits",
				Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 10},
			},
			[]string{"source"},
		),
		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Idempotency cache lookups by result",
			},
			[]string{"result"},
		),
		SideEffectErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "side_effect_errors_total",
				Help:      "Absorbed infrastructure errors by kind",
			},
			[]string{"kind"},
		),

		EngineState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "engine_connection_state",
				Help:      "Engine connection state (0=disconnected, 1=connecting, 2=connected, 3=reconnecting, 4=failed)",
			},
		),
		EngineTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "engine_state_transitions_total",
				Help:      "Engine connection state transitions by target state",
			},
			[]string{"to"},
		),
		EngineDecodeErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "engine_decode_errors_total",
				Help:      "Engine frames dropped because the payload could not be decoded",
			},
		),

		RateLimitRejected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_rejected_total",
				Help:      "Requests rejected by the rate limiter",
			},
		),

		registerer: reg,
		namespace:  namespace,
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.BidsTotal,
		m.BidDuration,
		m.CacheLookups,
		m.SideEffectErrors,
		m.EngineState,
		m.EngineTransitions,
		m.EngineDecodeErrors,
		m.RateLimitRejected,
	)

	return m
}

// Handler returns the Prometheus HTTP handler for the default gatherer
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns a Prometheus HTTP handler for a specific gatherer
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// RegisterGauge exposes fn as a gauge, e.g. pending engine requests
func (m *Metrics) RegisterGauge(name, help string, fn func() float64) {
	m.registerer.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Namespace: m.namespace, Name: name, Help: help},
		fn,
	))
}

// Middleware returns HTTP middleware that records request metrics
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.RequestsInFlight.Inc()
		defer m.RequestsInFlight.Dec()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		// The mux records the matched pattern on r; raw paths would explode cardinality
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		duration := time.Since(start).Seconds()
		status := strconv.Itoa(wrapped.statusCode)

		m.RequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		m.RequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// RecordBid records a completed bid. Implements orchestrator.MetricsRecorder.
func (m *Metrics) RecordBid(source string, status bid.Status, won bool, duration time.Duration) {
	m.BidsTotal.WithLabelValues(source, string(status), strconv.FormatBool(won)).Inc()
	if source != "cache" {
		m.BidDuration.WithLabelValues(source).Observe(duration.Seconds())
	}
}

// RecordCacheLookup records an idempotency cache lookup
func (m *Metrics) RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

// RecordSideEffectError records an absorbed cache, store or publish error
func (m *Metrics) RecordSideEffectError(kind string) {
	m.SideEffectErrors.WithLabelValues(kind).Inc()
}

// SetEngineState records an engine connection state transition
func (m *Metrics) SetEngineState(from, to engine.State) {
	m.EngineState.Set(float64(to))
	m.EngineTransitions.WithLabelValues(to.String()).Inc()
}

// IncEngineDecodeErrors increments the dropped frame counter
func (m *Metrics) IncEngineDecodeErrors() {
	m.EngineDecodeErrors.Inc()
}

// IncRateLimitRejected increments the rate limit rejected counter
// Implements middleware.RateLimitMetrics interface
func (m *Metrics) IncRateLimitRejected() {
	m.RateLimitRejected.Inc()
}
