package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, string) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	return mr, "redis://" + mr.Addr()
}

func TestNew_Success(t *testing.T) {
	mr, redisURL := setupTestRedis(t)
	defer mr.Close()

	client, err := New(redisURL)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	defer client.Close()

	if err := client.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNew_InvalidInput(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{"empty", ""},
		{"not a url", "not-a-valid-redis-url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewWithConfig(tt.url, DefaultClientConfig())
			if err == nil {
				t.Error("Expected error")
			}
			if client != nil {
				t.Error("Expected nil client on error")
			}
		})
	}
}

func TestNewWithConfig_NilConfig(t *testing.T) {
	mr, redisURL := setupTestRedis(t)
	defer mr.Close()

	client, err := NewWithConfig(redisURL, nil)
	if err != nil {
		t.Fatalf("Failed to create client with nil config: %v", err)
	}
	defer client.Close()
}

func TestNew_UnreachableServerStillReturnsClient(t *testing.T) {
	mr, redisURL := setupTestRedis(t)
	mr.Close()

	client, err := NewWithConfig(redisURL, &ClientConfig{
		PoolSize:     1,
		DialTimeout:  100 * time.Millisecond,
		ReadTimeout:  100 * time.Millisecond,
		WriteTimeout: 100 * time.Millisecond,
		PoolTimeout:  100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Expected client despite failed ping, got %v", err)
	}
	defer client.Close()

	if err := client.Ping(context.Background()); err == nil {
		t.Error("Expected ping error against closed server")
	}
}

func TestClient_GetSetDel(t *testing.T) {
	mr, redisURL := setupTestRedis(t)
	defer mr.Close()

	client, err := New(redisURL)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	defer client.Close()

	ctx := context.Background()

	val, err := client.Get(ctx, "bid:missing")
	if err != nil {
		t.Fatalf("Get on missing key returned error: %v", err)
	}
	if val != "" {
		t.Errorf("Expected empty value for missing key, got %q", val)
	}

	if err := client.SetEX(ctx, "bid:abc", `{"id":"1"}`, 300*time.Second); err != nil {
		t.Fatalf("SetEX failed: %v", err)
	}

	val, err = client.Get(ctx, "bid:abc")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if val != `{"id":"1"}` {
		t.Errorf("Expected stored value, got %q", val)
	}

	if ttl := mr.TTL("bid:abc"); ttl != 300*time.Second {
		t.Errorf("Expected TTL 300s, got %v", ttl)
	}

	mr.FastForward(301 * time.Second)
	val, _ = client.Get(ctx, "bid:abc")
	if val != "" {
		t.Errorf("Expected key to expire, got %q", val)
	}

	if err := client.SetEX(ctx, "bid:def", "x", time.Minute); err != nil {
		t.Fatalf("SetEX failed: %v", err)
	}
	if err := client.Del(ctx, "bid:def"); err != nil {
		t.Fatalf("Del failed: %v", err)
	}
	if mr.Exists("bid:def") {
		t.Error("Expected key to be deleted")
	}
}

func TestClient_PublishSubscribe(t *testing.T) {
	mr, redisURL := setupTestRedis(t)
	defer mr.Close()

	client, err := New(redisURL)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sub := client.Subscribe(ctx, "bid:complete")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("Subscribe confirmation failed: %v", err)
	}

	if err := client.Publish(ctx, "bid:complete", []byte(`{"id":"bid_1"}`)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("ReceiveMessage failed: %v", err)
	}
	if msg.Payload != `{"id":"bid_1"}` {
		t.Errorf("Unexpected payload %q", msg.Payload)
	}
}

func TestClient_GetAfterServerClosed(t *testing.T) {
	mr, redisURL := setupTestRedis(t)

	client, err := New(redisURL)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	defer client.Close()

	mr.Close()

	if _, err := client.Get(context.Background(), "bid:x"); err == nil {
		t.Error("Expected error after server closed")
	}
}

func TestClient_PoolStats(t *testing.T) {
	mr, redisURL := setupTestRedis(t)
	defer mr.Close()

	client, err := New(redisURL)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	defer client.Close()

	if stats := client.PoolStats(); stats == nil {
		t.Error("Expected non-nil pool stats")
	}
}
