package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/thenexusengine/tne_bidgate/internal/bid"
)

// DefaultMemorySize bounds the in-memory cache
const DefaultMemorySize = 10000

type memoryEntry struct {
	resp      *bid.Response
	expiresAt time.Time
}

// Memory is a bounded in-process cache used when Redis is not configured.
// The LRU's own TTL evicts idle entries; per-entry deadlines honour the TTL
// passed to Set.
type Memory struct {
	lru *expirable.LRU[string, memoryEntry]
	now func() time.Time
}

// NewMemory creates an in-memory cache holding at most size entries, each
// evicted no later than maxTTL after insertion
func NewMemory(size int, maxTTL time.Duration) *Memory {
	if size <= 0 {
		size = DefaultMemorySize
	}
	return &Memory{
		lru: expirable.NewLRU[string, memoryEntry](size, nil, maxTTL),
		now: time.Now,
	}
}

// Get returns a copy of the cached response for key
func (m *Memory) Get(_ context.Context, key string) (*bid.Response, bool) {
	e, ok := m.lru.Get(key)
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		m.lru.Remove(key)
		return nil, false
	}
	return e.resp.Clone(), true
}

// Set stores a copy of resp for ttl
func (m *Memory) Set(_ context.Context, key string, resp *bid.Response, ttl time.Duration) {
	e := memoryEntry{resp: resp.Clone()}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.lru.Add(key, e)
}

// Delete removes key
func (m *Memory) Delete(_ context.Context, key string) {
	m.lru.Remove(key)
}

// Len returns the number of entries, including ones past their deadline
func (m *Memory) Len() int {
	return m.lru.Len()
}
