// Package events publishes bid completion events to the fan-out bus
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/thenexusengine/tne_bidgate/internal/bid"
	"github.com/thenexusengine/tne_bidgate/internal/config"
	"github.com/thenexusengine/tne_bidgate/pkg/breaker"
	"github.com/thenexusengine/tne_bidgate/pkg/logger"
)

const (
	defaultWorkerCount = config.DefaultEventWorkers
	// defaultQueueSize is the max pending events before new ones are dropped
	defaultQueueSize = config.DefaultEventQueueSize
	// publishTimeout bounds a single publish call
	publishTimeout = 2 * time.Second
)

// Sink delivers an encoded event to a channel. *redis.Client satisfies it.
type Sink interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// ErrorRecorder counts dropped or failed events
type ErrorRecorder interface {
	RecordSideEffectError(kind string)
}

// Publisher sends completion events through a bounded worker pool.
// Publish never blocks: when the queue is full the event is dropped and counted.
type Publisher struct {
	sink    Sink
	channel string
	metrics ErrorRecorder
	breaker *breaker.Breaker

	queue   chan bid.CompleteEvent
	closing chan struct{}
	// mu orders enqueues before close: Publish holds it shared, Close exclusively
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	totalEvents     atomic.Int64
	publishedEvents atomic.Int64
	droppedEvents   atomic.Int64
	failedEvents    atomic.Int64
	rejectedEvents  atomic.Int64
}

// Config holds publisher configuration
type Config struct {
	Channel   string
	QueueSize int
	Workers   int
	// Breaker stops calling a failing sink for a cooldown; nil uses breaker defaults
	Breaker *breaker.Config
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Channel:   bid.CompleteEventName,
		QueueSize: defaultQueueSize,
		Workers:   defaultWorkerCount,
	}
}

// NewPublisher creates a publisher and starts its workers
func NewPublisher(sink Sink, cfg *Config) *Publisher {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Channel == "" {
		cfg.Channel = bid.CompleteEventName
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkerCount
	}

	bcfg := breaker.DefaultConfig()
	if cfg.Breaker != nil {
		c := *cfg.Breaker
		bcfg = &c
	}
	if bcfg.OnStateChange == nil {
		channel := cfg.Channel
		bcfg.OnStateChange = func(from, to breaker.State) {
			logger.Log.Warn().Str("channel", channel).Str("from", string(from)).Str("to", string(to)).Msg("Event sink circuit breaker state changed")
		}
	}

	p := &Publisher{
		sink:    sink,
		channel: cfg.Channel,
		breaker: breaker.New(bcfg),
		queue:   make(chan bid.CompleteEvent, cfg.QueueSize),
		closing: make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// SetMetrics sets the recorder for dropped and failed events
func (p *Publisher) SetMetrics(m ErrorRecorder) {
	p.metrics = m
}

// Publish enqueues ev for delivery
func (p *Publisher) Publish(ev bid.CompleteEvent) {
	p.totalEvents.Add(1)

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.droppedEvents.Add(1)
		return
	}

	select {
	case p.queue <- ev:
	default:
		// Queue full - drop rather than block the bid pipeline
		p.droppedEvents.Add(1)
		p.recordError()
		logger.Bid(ev.ID).Warn().Str("channel", p.channel).Msg("Event queue full, dropping completion event")
	}
}

func (p *Publisher) worker() {
	defer p.wg.Done()
	for {
		select {
		case ev := <-p.queue:
			p.send(ev)
		case <-p.closing:
			// Drain whatever is still queued
			for {
				select {
				case ev := <-p.queue:
					p.send(ev)
				default:
					return
				}
			}
		}
	}
}

func (p *Publisher) send(ev bid.CompleteEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.failedEvents.Add(1)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	err = p.breaker.Execute(func() error {
		return p.sink.Publish(ctx, p.channel, payload)
	})
	if errors.Is(err, breaker.ErrOpen) {
		p.rejectedEvents.Add(1)
		p.recordError()
		return
	}
	if err != nil {
		p.failedEvents.Add(1)
		p.recordError()
		logger.Bid(ev.ID).Warn().Err(err).Str("channel", p.channel).Msg("Failed to publish completion event")
		return
	}
	p.publishedEvents.Add(1)
}

func (p *Publisher) recordError() {
	if p.metrics != nil {
		p.metrics.RecordSideEffectError("publish")
	}
}

// Close stops accepting events and waits for the queue to drain or ctx to end
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.closing)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher did not drain: %w", ctx.Err())
	}
}

// Stats contains counters for monitoring the publisher
type Stats struct {
	TotalEvents     int64 `json:"total_events"`
	PublishedEvents int64 `json:"published_events"`
	DroppedEvents   int64 `json:"dropped_events"`
	FailedEvents    int64 `json:"failed_events"`
	// RejectedEvents were skipped while the sink breaker was open
	RejectedEvents int64         `json:"rejected_events"`
	QueuedEvents   int           `json:"queued_events"`
	Breaker        breaker.State `json:"breaker_state"`
}

// Stats returns current counters
func (p *Publisher) Stats() Stats {
	return Stats{
		TotalEvents:     p.totalEvents.Load(),
		PublishedEvents: p.publishedEvents.Load(),
		DroppedEvents:   p.droppedEvents.Load(),
		FailedEvents:    p.failedEvents.Load(),
		RejectedEvents:  p.rejectedEvents.Load(),
		QueuedEvents:    len(p.queue),
		Breaker:         p.breaker.State(),
	}
}

// LogSink writes events to the structured log. Used when no bus is configured.
type LogSink struct{}

// Publish implements Sink
func (LogSink) Publish(_ context.Context, channel string, payload []byte) error {
	logger.Log.Debug().Str("channel", channel).RawJSON("event", payload).Msg("Bid completion event")
	return nil
}
