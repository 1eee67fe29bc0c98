package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/thenexusengine/tne_bidgate/internal/cache"
	gwconfig "github.com/thenexusengine/tne_bidgate/internal/config"
	"github.com/thenexusengine/tne_bidgate/internal/endpoints"
	"github.com/thenexusengine/tne_bidgate/internal/engine"
	"github.com/thenexusengine/tne_bidgate/internal/events"
	"github.com/thenexusengine/tne_bidgate/internal/metrics"
	"github.com/thenexusengine/tne_bidgate/internal/middleware"
	"github.com/thenexusengine/tne_bidgate/internal/orchestrator"
	"github.com/thenexusengine/tne_bidgate/internal/storage"
	"github.com/thenexusengine/tne_bidgate/pkg/logger"
	"github.com/thenexusengine/tne_bidgate/pkg/redis"
)

// Server represents the bid gateway
type Server struct {
	config       *ServerConfig
	httpServer   *http.Server
	registry     *prometheus.Registry
	metrics      *metrics.Metrics
	rateLimiter  *middleware.RateLimiter
	sizeLimiter  *middleware.SizeLimiter
	redisClient  *redis.Client
	store        *storage.BidStore
	cache        orchestrator.Cache
	engine       *engine.Client
	publisher    *events.Publisher
	orchestrator *orchestrator.Orchestrator
}

// NewServer creates a new gateway instance. Nothing is dialled until Start.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		config: cfg,
	}

	if err := s.initialize(); err != nil {
		return nil, err
	}

	return s, nil
}

// initialize sets up all server components
func (s *Server) initialize() error {
	log := logger.Log

	log.Info().
		Str("port", s.config.Port).
		Str("engine_addr", s.config.EngineAddr).
		Bool("engine_enabled", s.config.EngineEnabled).
		Bool("fallback_enabled", s.config.FallbackEnabled).
		Dur("engine_timeout", s.config.EngineTimeout).
		Str("idempotency_fields", s.config.IdempotencyFields).
		Msg("Initializing bid gateway")

	// Each server owns its registry so tests can build more than one
	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = metrics.NewMetrics("bidgate", s.registry)

	// Redis failures are non-fatal, log and continue
	if err := s.initRedis(); err != nil {
		log.Warn().Err(err).Msg("Redis initialization failed, continuing with reduced functionality")
	}

	// Database failures are non-fatal, log and continue
	if err := s.initDatabase(); err != nil {
		log.Warn().Err(err).Msg("Database initialization failed, continuing with reduced functionality")
	}

	s.initCache()
	s.initEvents()
	s.initEngine()

	if err := s.initOrchestrator(); err != nil {
		return err
	}

	s.initMiddleware()
	s.initHandlers()

	return nil
}

// initRedis initializes Redis client
func (s *Server) initRedis() error {
	log := logger.Log

	if s.config.RedisURL == "" {
		log.Info().Msg("REDIS_URL not set, using in-process cache and log-only events")
		return nil
	}

	redisCfg := redis.DefaultClientConfig()
	redisCfg.PoolSize = gwconfig.RedisPoolSize
	client, err := redis.NewWithConfig(s.config.RedisURL, redisCfg)
	if err != nil {
		return err
	}
	s.redisClient = client

	log.Info().Msg("Redis client initialized")
	return nil
}

// initDatabase connects to PostgreSQL and ensures the bids table exists
func (s *Server) initDatabase() error {
	log := logger.Log

	if s.config.DatabaseConfig == nil {
		log.Info().Msg("DB_HOST not set, won bids will not be persisted")
		return nil
	}

	db, err := storage.NewDBConnection(*s.config.DatabaseConfig)
	if err != nil {
		return err
	}

	store := storage.NewBidStore(db)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return err
	}
	s.store = store

	log.Info().Str("host", s.config.DatabaseConfig.Host).Msg("PostgreSQL bid store ready")
	return nil
}

// initCache picks Redis when available and the in-process LRU otherwise
func (s *Server) initCache() {
	if s.redisClient != nil {
		rc := cache.NewRedis(s.redisClient)
		rc.SetMetrics(s.metrics)
		s.cache = rc
		logger.Log.Info().Dur("ttl", s.config.CacheTTL).Msg("Redis idempotency cache enabled")
		return
	}
	s.cache = cache.NewMemory(gwconfig.MemoryCacheSize, s.config.CacheTTL)
	logger.Log.Info().Int("size", gwconfig.MemoryCacheSize).Dur("ttl", s.config.CacheTTL).Msg("In-process idempotency cache enabled")
}

// initEvents starts the completion event publisher
func (s *Server) initEvents() {
	var sink events.Sink = events.LogSink{}
	if s.redisClient != nil {
		sink = s.redisClient
	}
	s.publisher = events.NewPublisher(sink, s.config.ToEventsConfig())
	s.publisher.SetMetrics(s.metrics)
}

// initEngine builds the engine client; Start connects it
func (s *Server) initEngine() {
	if !s.config.EngineEnabled {
		logger.Log.Warn().Msg("Engine disabled, every bid takes the fallback path")
		return
	}

	engineCfg := s.config.ToEngineConfig()
	engineCfg.OnStateChange = s.metrics.SetEngineState
	engineCfg.OnDecodeError = s.metrics.IncEngineDecodeErrors
	s.engine = engine.NewClient(engineCfg)

	s.metrics.RegisterGauge("engine_pending_requests", "Engine requests awaiting a response", func() float64 {
		return float64(s.engine.Pending())
	})
}

// initOrchestrator wires the pipeline
func (s *Server) initOrchestrator() error {
	orchCfg, err := s.config.ToOrchestratorConfig()
	if err != nil {
		return err
	}

	// A nil *engine.Client must not become a non-nil interface
	var eng orchestrator.Engine
	if s.engine != nil {
		eng = s.engine
	}

	s.orchestrator = orchestrator.New(eng, s.cache, orchCfg)
	s.orchestrator.SetPublisher(s.publisher)
	s.orchestrator.SetMetrics(s.metrics)
	if s.store != nil {
		s.orchestrator.SetStore(s.store)
	}

	fields := make([]string, 0, len(orchCfg.KeyFields))
	for _, f := range s.orchestrator.KeyFields() {
		fields = append(fields, string(f))
	}
	logger.Log.Info().
		Strs("idempotency_fields", fields).
		Dur("cache_ttl", orchCfg.CacheTTL).
		Bool("fallback_enabled", orchCfg.Fallback != nil).
		Msg("Bid pipeline initialized")
	return nil
}

// initMiddleware initializes all middleware components
func (s *Server) initMiddleware() {
	s.rateLimiter = middleware.NewRateLimiter(middleware.DefaultRateLimitConfig())
	s.rateLimiter.SetMetrics(s.metrics)
	s.sizeLimiter = middleware.NewSizeLimiter(middleware.DefaultSizeLimitConfig())

	logger.Log.Info().
		Bool("size_limit_enabled", s.sizeLimiter.Config().Enabled).
		Int64("max_body_size", s.sizeLimiter.Config().MaxBodySize).
		Msg("Middleware initialized")
}

// initHandlers initializes HTTP handlers and builds the handler chain
func (s *Server) initHandlers() {
	mux := http.NewServeMux()

	endpoints.NewBidsHandler(s.orchestrator).Register(mux)

	var status endpoints.EngineStatus
	if s.engine != nil {
		status = s.engine
	}
	mux.Handle("GET /status", endpoints.NewStatusHandler(status, s.publisher))
	mux.Handle("GET /health", healthHandler())
	mux.Handle("GET /health/ready", readyHandler(s.redisClient, s.store, s.engine, s.config.FallbackEnabled))
	mux.Handle("GET /metrics", metrics.HandlerFor(s.registry))

	s.httpServer = &http.Server{
		Addr:         ":" + s.config.Port,
		Handler:      s.buildHandler(mux),
		ReadTimeout:  gwconfig.ServerReadTimeout,
		WriteTimeout: gwconfig.ServerWriteTimeout,
		IdleTimeout:  gwconfig.ServerIdleTimeout,
	}
}

// buildHandler builds the middleware chain:
// Logging -> Size Limit -> Rate Limit -> Metrics -> Handler
func (s *Server) buildHandler(mux *http.ServeMux) http.Handler {
	handler := http.Handler(mux)
	handler = s.metrics.Middleware(handler)
	handler = s.rateLimiter.Middleware(handler)
	handler = s.sizeLimiter.Middleware(handler)
	handler = loggingMiddleware(handler)
	return handler
}

// Start connects the engine and serves HTTP until Shutdown
func (s *Server) Start() error {
	log := logger.Log

	if s.engine != nil {
		if err := s.engine.Start(context.Background()); err != nil {
			// The client keeps reconnecting; bids use the fallback meanwhile
			log.Warn().Err(err).Str("addr", s.config.EngineAddr).Msg("Engine not reachable at startup")
		}
	}

	log.Info().Str("addr", s.httpServer.Addr).Msg("Server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, fails in-flight engine calls, flushes
// pending events and closes the backing stores
func (s *Server) Shutdown(ctx context.Context) error {
	log := logger.Log
	log.Info().Msg("Starting graceful shutdown")

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.engine != nil {
		if err := s.engine.Stop(ctx); err != nil {
			log.Warn().Err(err).Msg("Engine client did not stop cleanly")
			errs = append(errs, err)
		}
	}

	if s.publisher != nil {
		if err := s.publisher.Close(ctx); err != nil {
			log.Warn().Err(err).Msg("Error flushing event publisher")
			errs = append(errs, err)
		} else {
			log.Info().Interface("stats", s.publisher.Stats()).Msg("Event publisher flushed")
		}
	}

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	log.Info().Msg("Server stopped gracefully")
	return nil
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

// loggingMiddleware tags each request with an id and logs its completion
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}
		w.Header().Set("X-Request-ID", requestID)

		rl := logger.NewRequestLogger(requestID).
			WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("remote_addr", r.RemoteAddr)

		next.ServeHTTP(wrapped, r.WithContext(logger.WithRequestID(r.Context(), requestID)))

		rl.LogComplete(wrapped.statusCode)
	})
}

// healthHandler returns a simple liveness check
func healthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})
}

// pinger is satisfied by *redis.Client and *storage.BidStore
type pinger interface {
	Ping(ctx context.Context) error
}

// readyHandler reports whether the gateway can serve bids. A disconnected
// engine only fails readiness when there is no fallback to answer instead.
func readyHandler(redisClient *redis.Client, store *storage.BidStore, eng *engine.Client, fallback bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		checks := make(map[string]interface{})
		allHealthy := true

		check := func(name string, p pinger, enabled bool) {
			if !enabled {
				checks[name] = map[string]interface{}{"status": "disabled"}
				return
			}
			if err := p.Ping(ctx); err != nil {
				checks[name] = map[string]interface{}{"status": "unhealthy", "error": err.Error()}
				allHealthy = false
				return
			}
			checks[name] = map[string]interface{}{"status": "healthy"}
		}
		check("redis", redisClient, redisClient != nil)
		check("database", store, store != nil)

		switch {
		case eng == nil:
			checks["engine"] = map[string]interface{}{"status": "disabled"}
		case eng.Connected():
			checks["engine"] = map[string]interface{}{"status": "healthy", "state": eng.State().String()}
		default:
			checks["engine"] = map[string]interface{}{"status": "unhealthy", "state": eng.State().String(), "fallback": fallback}
			if !fallback {
				allHealthy = false
			}
		}

		status := http.StatusOK
		if !allHealthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]interface{}{
			"ready":     allHealthy,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"checks":    checks,
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Error().Err(err).Msg("failed to encode response")
	}
}

// generateRequestID creates a unique request ID
func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return time.Now().Format("20060102150405.000000000")
	}
	return hex.EncodeToString(b)
}
