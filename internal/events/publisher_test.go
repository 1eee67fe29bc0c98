package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/thenexusengine/tne_bidgate/internal/bid"
	"github.com/thenexusengine/tne_bidgate/pkg/breaker"
	"github.com/thenexusengine/tne_bidgate/pkg/redis"
)

type recordingSink struct {
	mu       sync.Mutex
	channels []string
	payloads [][]byte
	err      error
	block    chan struct{}
}

func (s *recordingSink) Publish(_ context.Context, channel string, payload []byte) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.channels = append(s.channels, channel)
	s.payloads = append(s.payloads, payload)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

func sampleEvent(id string) bid.CompleteEvent {
	return bid.CompleteEvent{ID: id, CampaignID: "c1", Price: 2.4, Won: true, LatencyMs: 3, Status: bid.StatusSuccess, Timestamp: 1700000000000}
}

func TestPublisher_DeliversEvents(t *testing.T) {
	sink := &recordingSink{}
	p := NewPublisher(sink, nil)

	for _, id := range []string{"a", "b", "c"} {
		p.Publish(sampleEvent(id))
	}
	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if sink.count() != 3 {
		t.Fatalf("expected 3 published events, got %d", sink.count())
	}
	for _, ch := range sink.channels {
		if ch != "bid:complete" {
			t.Errorf("published to %q, want bid:complete", ch)
		}
	}

	var ev bid.CompleteEvent
	if err := json.Unmarshal(sink.payloads[0], &ev); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if ev.CampaignID != "c1" || !ev.Won {
		t.Errorf("unexpected event %+v", ev)
	}

	stats := p.Stats()
	if stats.TotalEvents != 3 || stats.PublishedEvents != 3 || stats.DroppedEvents != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestPublisher_DropsWhenQueueFull(t *testing.T) {
	sink := &recordingSink{block: make(chan struct{})}
	p := NewPublisher(sink, &Config{QueueSize: 2, Workers: 1})

	// one event held by the worker, two queued, the rest dropped
	for i := 0; i < 10; i++ {
		p.Publish(sampleEvent("e"))
		time.Sleep(time.Millisecond)
	}

	stats := p.Stats()
	if stats.DroppedEvents < 7 {
		t.Errorf("expected at least 7 dropped events, got %+v", stats)
	}

	close(sink.block)
	_ = p.Close(context.Background())
	if p.Stats().TotalEvents != 10 {
		t.Errorf("expected 10 total events, got %d", p.Stats().TotalEvents)
	}
}

func TestPublisher_SinkFailureIsCounted(t *testing.T) {
	sink := &recordingSink{err: errors.New("bus down")}
	p := NewPublisher(sink, nil)

	p.Publish(sampleEvent("x"))
	_ = p.Close(context.Background())

	if p.Stats().FailedEvents != 1 {
		t.Errorf("expected 1 failed event, got %+v", p.Stats())
	}
}

func TestPublisher_PublishAfterClose(t *testing.T) {
	p := NewPublisher(&recordingSink{}, nil)
	_ = p.Close(context.Background())
	_ = p.Close(context.Background()) // second close is a no-op

	p.Publish(sampleEvent("late"))
	if p.Stats().DroppedEvents != 1 {
		t.Errorf("expected late event to be dropped, got %+v", p.Stats())
	}
}

func TestPublisher_PublishRacingCloseIsAccounted(t *testing.T) {
	for round := 0; round < 50; round++ {
		sink := &recordingSink{}
		p := NewPublisher(sink, &Config{Workers: 2, QueueSize: 1024})

		var wg sync.WaitGroup
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 20; i++ {
					p.Publish(sampleEvent("e"))
				}
			}()
		}
		if err := p.Close(context.Background()); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
		wg.Wait()

		st := p.Stats()
		if st.QueuedEvents != 0 {
			t.Fatalf("round %d: %d events stranded in the queue", round, st.QueuedEvents)
		}
		if st.PublishedEvents+st.DroppedEvents != st.TotalEvents {
			t.Fatalf("round %d: published %d + dropped %d != total %d", round, st.PublishedEvents, st.DroppedEvents, st.TotalEvents)
		}
		if int64(sink.count()) != st.PublishedEvents {
			t.Fatalf("round %d: sink saw %d, published %d", round, sink.count(), st.PublishedEvents)
		}
	}
}

func TestPublisher_CloseHonoursContext(t *testing.T) {
	sink := &recordingSink{block: make(chan struct{})}
	defer close(sink.block)
	p := NewPublisher(sink, &Config{Workers: 1})
	p.Publish(sampleEvent("stuck"))
	time.Sleep(5 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
}

func TestPublisher_RedisSink(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := redis.New("redis://" + mr.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	ctx := context.Background()
	sub := client.Subscribe(ctx, bid.CompleteEventName)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	p := NewPublisher(client, nil)
	p.Publish(sampleEvent("redis-1"))
	defer p.Close(ctx)

	select {
	case msg := <-sub.Channel():
		var ev bid.CompleteEvent
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			t.Fatalf("bad payload: %v", err)
		}
		if ev.ID != "redis-1" {
			t.Errorf("got event %s", ev.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not received over redis pub/sub")
	}
}

func TestLogSink(t *testing.T) {
	if err := (LogSink{}).Publish(context.Background(), "bid:complete", []byte(`{"id":"x"}`)); err != nil {
		t.Errorf("LogSink should never fail: %v", err)
	}
}

func TestPublisher_BreakerSkipsFailingSink(t *testing.T) {
	sink := &countingFailSink{}
	p := NewPublisher(sink, &Config{
		Workers: 1,
		Breaker: &breaker.Config{FailureThreshold: 2, SuccessThreshold: 1, Cooldown: time.Hour},
	})

	for i := 0; i < 5; i++ {
		p.Publish(sampleEvent("x"))
	}
	_ = p.Close(context.Background())

	stats := p.Stats()
	if sink.calls.Load() != 2 {
		t.Errorf("sink called %d times, want 2 before the breaker opened", sink.calls.Load())
	}
	if stats.FailedEvents != 2 || stats.RejectedEvents != 3 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if stats.Breaker != breaker.StateOpen {
		t.Errorf("breaker = %s, want open", stats.Breaker)
	}
}

type countingFailSink struct{ calls atomic.Int64 }

func (s *countingFailSink) Publish(context.Context, string, []byte) error {
	s.calls.Add(1)
	return errors.New("bus down")
}
