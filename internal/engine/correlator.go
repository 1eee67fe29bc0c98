package engine

import (
	"context"
	"sync"
	"time"

	"github.com/thenexusengine/tne_bidgate/internal/bid"
	"github.com/thenexusengine/tne_bidgate/pkg/logger"
)

type result struct {
	resp *bid.Response
	err  error
}

// pending is one in-flight request waiting for its response
type pending struct {
	id        string
	gen       uint64
	createdAt time.Time
	deadline  time.Time
	ch        chan result // cap 1, written at most once
	timer     *time.Timer
}

// Correlator matches inbound responses to in-flight requests by id.
// Every entry resolves exactly once: by response, timeout, connection loss,
// or caller cancellation, whichever comes first. The entry leaves the table
// in the same critical section that resolves it.
type Correlator struct {
	mu      sync.Mutex
	entries map[string]*pending

	// unmatched counts responses that arrived with no pending entry
	unmatched uint64
}

// NewCorrelator creates an empty correlation table
func NewCorrelator() *Correlator {
	return &Correlator{entries: make(map[string]*pending)}
}

// Waiter is the caller's handle on a registered request
type Waiter struct {
	c *Correlator
	p *pending
}

// Register adds a pending entry for id on connection gen. The entry fails
// with ErrRequestTimeout once timeout elapses.
func (c *Correlator) Register(id string, gen uint64, timeout time.Duration) (*Waiter, error) {
	now := time.Now()
	p := &pending{
		id:        id,
		gen:       gen,
		createdAt: now,
		deadline:  now.Add(timeout),
		ch:        make(chan result, 1),
	}

	c.mu.Lock()
	if _, exists := c.entries[id]; exists {
		c.mu.Unlock()
		return nil, ErrDuplicateID
	}
	c.entries[id] = p
	p.timer = time.AfterFunc(timeout, func() {
		c.finish(p, result{err: ErrRequestTimeout})
	})
	c.mu.Unlock()

	return &Waiter{c: c, p: p}, nil
}

// Resolve delivers resp to its pending entry. It reports false, and discards
// resp, when no entry with that id is pending.
func (c *Correlator) Resolve(resp *bid.Response) bool {
	c.mu.Lock()
	p, ok := c.entries[resp.ID]
	if !ok {
		c.unmatched++
		c.mu.Unlock()
		logger.Engine().Warn().Str("bid_id", resp.ID).Msg("Discarding engine response with no pending request")
		return false
	}
	delete(c.entries, resp.ID)
	c.mu.Unlock()

	p.timer.Stop()
	p.ch <- result{resp: resp}
	return true
}

// FailConnection rejects every entry registered on connection gen with err
func (c *Correlator) FailConnection(gen uint64, err error) int {
	c.mu.Lock()
	var failed []*pending
	for id, p := range c.entries {
		if p.gen == gen {
			delete(c.entries, id)
			failed = append(failed, p)
		}
	}
	c.mu.Unlock()

	for _, p := range failed {
		p.timer.Stop()
		p.ch <- result{err: err}
	}
	if len(failed) > 0 {
		logger.Engine().Warn().
			Uint64("conn_gen", gen).
			Int("failed", len(failed)).
			Msg("Failed pending engine requests after connection loss")
	}
	return len(failed)
}

// Fail rejects a single entry. Used when the frame could not be written.
func (c *Correlator) Fail(id string, err error) bool {
	c.mu.Lock()
	p, ok := c.entries[id]
	c.mu.Unlock()
	if !ok {
		return false
	}
	return c.finish(p, result{err: err})
}

// Pending returns the number of in-flight entries
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Unmatched returns how many responses were discarded for lack of a pending entry
func (c *Correlator) Unmatched() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unmatched
}

// finish resolves p if it is still the live entry for its id
func (c *Correlator) finish(p *pending, r result) bool {
	c.mu.Lock()
	if cur, ok := c.entries[p.id]; !ok || cur != p {
		c.mu.Unlock()
		return false
	}
	delete(c.entries, p.id)
	c.mu.Unlock()

	p.timer.Stop()
	p.ch <- r
	return true
}

// Deadline returns the absolute time at which the entry times out
func (w *Waiter) Deadline() time.Time {
	return w.p.deadline
}

// Wait blocks until the entry resolves or ctx is done. A cancelled context
// removes the entry so a late response is discarded.
func (w *Waiter) Wait(ctx context.Context) (*bid.Response, error) {
	select {
	case r := <-w.p.ch:
		return r.resp, r.err
	case <-ctx.Done():
		if w.c.finish(w.p, result{err: ctx.Err()}) {
			return nil, ctx.Err()
		}
		// Resolved concurrently; the result is already buffered
		r := <-w.p.ch
		return r.resp, r.err
	}
}
