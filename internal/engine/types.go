// Package engine manages the persistent connection to the external scoring engine
// and correlates concurrent requests with their asynchronous responses.
package engine

import (
	"errors"
	"time"
)

// Errors
var (
	ErrNotConnected     = errors.New("engine not connected")
	ErrRequestTimeout   = errors.New("engine request timeout")
	ErrConnectionLost   = errors.New("engine connection lost")
	ErrDuplicateID      = errors.New("request id already pending")
	ErrCircuitExhausted = errors.New("engine reconnect attempts exhausted")
)

// State is the lifecycle state of the engine connection
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed // terminal until the process restarts
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Backoff computes reconnect delays: Base * 2^(n-1), capped at Max
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// Delay returns the wait before reconnect attempt n (1-indexed)
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := b.Base
	for i := 1; i < n; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Exhausted reports whether attempt n exceeds the configured maximum
func (b Backoff) Exhausted(n int) bool {
	return b.MaxAttempts > 0 && n > b.MaxAttempts
}

// ManagerConfig configures the engine connection manager
type ManagerConfig struct {
	Addr         string        // host:port of the scoring engine
	DialTimeout  time.Duration // TCP connect timeout
	WriteTimeout time.Duration // write deadline per frame
	ReadBuffer   int           // socket read chunk size
	MaxFrameSize int           // largest accepted payload
	Backoff      Backoff
}

// DefaultManagerConfig returns sensible defaults
func DefaultManagerConfig(addr string) ManagerConfig {
	return ManagerConfig{
		Addr:         addr,
		DialTimeout:  3 * time.Second,
		WriteTimeout: 2 * time.Second,
		ReadBuffer:   32 * 1024,
		MaxFrameSize: 4 * 1024 * 1024,
		Backoff: Backoff{
			Base:        time.Second,
			Max:         30 * time.Second,
			MaxAttempts: 10,
		},
	}
}
