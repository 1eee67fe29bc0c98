// Package orchestrator implements the bid pipeline: idempotency lookup, engine
// call or fallback, cache write, conditional persistence and event fan-out.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/thenexusengine/tne_bidgate/internal/bid"
	"github.com/thenexusengine/tne_bidgate/internal/engine"
	"github.com/thenexusengine/tne_bidgate/pkg/logger"
)

// Caller-facing errors
var (
	ErrEngineUnavailable = errors.New("bid engine unavailable")
	ErrRequestTimeout    = errors.New("bid engine did not answer in time")
	ErrNotFound          = bid.ErrNotFound
)

// Engine scores requests. *engine.Client satisfies it.
type Engine interface {
	Connected() bool
	Score(ctx context.Context, req *bid.Request, timeout time.Duration) (*bid.Response, error)
}

// Cache stores computed responses by idempotency key. Backend failures are
// reported as misses and never surface.
type Cache interface {
	Get(ctx context.Context, key string) (*bid.Response, bool)
	Set(ctx context.Context, key string, resp *bid.Response, ttl time.Duration)
	Delete(ctx context.Context, key string)
}

// Store is the durable record of won bids
type Store interface {
	Save(ctx context.Context, o *bid.Outcome) error
	Get(ctx context.Context, requestID string) (*bid.Outcome, error)
}

// Publisher fans out completion events. Publish must not block the pipeline.
type Publisher interface {
	Publish(ev bid.CompleteEvent)
}

// MetricsRecorder records pipeline metrics
type MetricsRecorder interface {
	RecordBid(source string, status bid.Status, won bool, duration time.Duration)
	RecordCacheLookup(hit bool)
	RecordSideEffectError(kind string)
}

// Pricing sources reported to metrics
const (
	SourceEngine   = "engine"
	SourceFallback = "fallback"
	SourceCache    = "cache"
)

// Config holds orchestrator configuration
type Config struct {
	EngineTimeout time.Duration
	CacheTTL      time.Duration
	KeyFields     []Field
	// Fallback is nil when degraded mode is disabled
	Fallback FallbackPolicy
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		EngineTimeout: 10 * time.Second,
		CacheTTL:      300 * time.Second,
		KeyFields:     DefaultKeyFields,
		Fallback:      NewSyntheticFallback(DefaultFallbackMultiplier),
	}
}

// Orchestrator runs the bid pipeline
type Orchestrator struct {
	engine    Engine
	cache     Cache
	store     Store
	publisher Publisher
	metrics   MetricsRecorder
	keyer     *Keyer
	config    *Config

	group singleflight.Group
	now   func() time.Time
}

// New creates an orchestrator. eng may be nil when the engine is disabled, in
// which case every request takes the fallback path.
func New(eng Engine, cache Cache, config *Config) *Orchestrator {
	if config == nil {
		config = DefaultConfig()
	}
	if config.EngineTimeout <= 0 {
		config.EngineTimeout = 10 * time.Second
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = 300 * time.Second
	}
	return &Orchestrator{
		engine: eng,
		cache:  cache,
		keyer:  NewKeyer(config.KeyFields),
		config: config,
		now:    time.Now,
	}
}

// SetStore sets the durable store for won bids
func (o *Orchestrator) SetStore(s Store) {
	o.store = s
}

// SetPublisher sets the completion event publisher
func (o *Orchestrator) SetPublisher(p Publisher) {
	o.publisher = p
}

// SetMetrics sets the metrics recorder
func (o *Orchestrator) SetMetrics(m MetricsRecorder) {
	o.metrics = m
}

// KeyFields returns the request fields that make up the idempotency key
func (o *Orchestrator) KeyFields() []Field {
	return o.keyer.Fields()
}

// Key returns the idempotency key for req
func (o *Orchestrator) Key(req *bid.Request) string {
	return o.keyer.Key(req)
}

// Process runs req through the pipeline and returns the authoritative response.
// Only ErrEngineUnavailable and ErrRequestTimeout are returned, and only when
// no fallback policy is configured.
func (o *Orchestrator) Process(ctx context.Context, req *bid.Request) (*bid.Response, error) {
	key := o.keyer.Key(req)
	log := logger.FromContext(ctx).With().Str("bid_id", req.ID).Str("idempotency_key", key).Logger()

	if resp, ok := o.lookup(ctx, key, true); ok {
		log.Debug().Str("cached_id", resp.ID).Msg("Returning cached bid response")
		return resp, nil
	}

	// Concurrent identical requests share one pipeline run. The run is detached
	// from the first caller so its cancellation cannot fail the others.
	v, err, shared := o.group.Do(key, func() (interface{}, error) {
		if resp, ok := o.lookup(ctx, key, false); ok {
			return resp, nil
		}
		return o.run(context.WithoutCancel(ctx), req, key)
	})
	if err != nil {
		log.Warn().Err(err).Msg("Bid pipeline failed")
		return nil, err
	}
	if shared {
		log.Debug().Msg("Collapsed duplicate in-flight bid request")
	}
	return v.(*bid.Response).Clone(), nil
}

// Lookup returns a prior bid by request id: the cached response while its
// index entry is live, otherwise the persisted outcome.
func (o *Orchestrator) Lookup(ctx context.Context, requestID string) (*bid.Result, error) {
	if o.cache != nil {
		if resp, ok := o.cache.Get(ctx, IDIndexKey(requestID)); ok {
			return &bid.Result{Response: resp}, nil
		}
	}
	if o.store == nil {
		return nil, ErrNotFound
	}
	outcome, err := o.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return &bid.Result{Outcome: outcome}, nil
}

// IDIndexKey is the cache key indexing a response by its request id. Content
// keys are hex digests, so the prefix cannot collide with them.
func IDIndexKey(requestID string) string {
	return idIndexPrefix + requestID
}

const idIndexPrefix = "id:"

func (o *Orchestrator) lookup(ctx context.Context, key string, record bool) (*bid.Response, bool) {
	if o.cache == nil {
		return nil, false
	}
	resp, ok := o.cache.Get(ctx, key)
	if record && o.metrics != nil {
		o.metrics.RecordCacheLookup(ok)
		if ok {
			o.metrics.RecordBid(SourceCache, resp.Status, resp.Won, 0)
		}
	}
	return resp, ok
}

// run prices req and applies the side effects in order: cache, store, publish
func (o *Orchestrator) run(ctx context.Context, req *bid.Request, key string) (*bid.Response, error) {
	start := o.now()
	log := logger.Bid(req.ID)

	resp, source, err := o.price(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.LatencyMs == 0 {
		resp.LatencyMs = int32(o.now().Sub(start).Milliseconds())
	}
	if o.metrics != nil {
		o.metrics.RecordBid(source, resp.Status, resp.Won, o.now().Sub(start))
	}

	if o.cache != nil {
		o.cache.Set(ctx, key, resp, o.config.CacheTTL)
		o.cache.Set(ctx, IDIndexKey(resp.ID), resp, o.config.CacheTTL)
	}

	if resp.Persistable() && o.store != nil {
		if err := o.store.Save(ctx, bid.OutcomeFrom(resp, o.now())); err != nil {
			logger.Campaign(resp.CampaignID).Error().Err(err).Str("bid_id", req.ID).Msg("Failed to persist bid outcome")
			if o.metrics != nil {
				o.metrics.RecordSideEffectError("store")
			}
		}
	}

	if o.publisher != nil {
		o.publisher.Publish(bid.CompleteEventFrom(resp, o.now()))
	}

	log.Info().
		Str("source", source).
		Str("status", string(resp.Status)).
		Bool("won", resp.Won).
		Float64("price", resp.Price).
		Int32("latency_ms", resp.LatencyMs).
		Msg("Bid completed")
	return resp, nil
}

// price asks the engine when it is connected and falls back otherwise
func (o *Orchestrator) price(ctx context.Context, req *bid.Request) (*bid.Response, string, error) {
	if o.engine == nil || !o.engine.Connected() {
		return o.fallback(req, ErrEngineUnavailable)
	}

	resp, err := o.engine.Score(ctx, req, o.config.EngineTimeout)
	switch {
	case err == nil && (resp.Status == bid.StatusSuccess || resp.Status == ""):
		applyDefaults(req, resp)
		return resp, SourceEngine, nil
	case err == nil:
		logger.Bid(req.ID).Warn().Str("status", string(resp.Status)).Msg("Engine returned error status, using fallback")
		return o.fallback(req, ErrEngineUnavailable)
	case errors.Is(err, engine.ErrRequestTimeout):
		logger.Bid(req.ID).Warn().Dur("timeout", o.config.EngineTimeout).Msg("Engine request timed out, using fallback")
		return o.fallback(req, ErrRequestTimeout)
	default:
		logger.Bid(req.ID).Warn().Err(err).Msg("Engine request failed, using fallback")
		return o.fallback(req, ErrEngineUnavailable)
	}
}

func (o *Orchestrator) fallback(req *bid.Request, cause error) (*bid.Response, string, error) {
	if o.config.Fallback == nil {
		return nil, "", cause
	}
	resp := o.config.Fallback.Respond(req)
	resp.Status = bid.StatusDegraded
	applyDefaults(req, resp)
	return resp, SourceFallback, nil
}

// applyDefaults fills fields the engine may leave empty
func applyDefaults(req *bid.Request, resp *bid.Response) {
	if resp.ID == "" {
		resp.ID = req.ID
	}
	if resp.CampaignID == "" {
		resp.CampaignID = req.CampaignID
	}
	if resp.Status == "" {
		resp.Status = bid.StatusSuccess
	}
}
