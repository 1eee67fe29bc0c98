// Package breaker provides a circuit breaker for best-effort downstream calls
package breaker

import (
	"errors"
	"sync"
	"time"
)

// State is the breaker position
type State string

// Circuit breaker states
const (
	StateClosed   State = "closed"    // calls pass through
	StateOpen     State = "open"      // calls are rejected until the cooldown ends
	StateHalfOpen State = "half-open" // one probe call at a time
)

// ErrOpen is returned without calling fn while the breaker is open
var ErrOpen = errors.New("circuit breaker is open")

// Config holds circuit breaker configuration
type Config struct {
	FailureThreshold int           // consecutive failures that open the circuit
	SuccessThreshold int           // probe successes that close it again
	Cooldown         time.Duration // time spent open before probing
	// OnStateChange is called synchronously after the lock is released
	OnStateChange func(from, to State)
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         10 * time.Second,
	}
}

// Breaker implements the circuit breaker pattern
type Breaker struct {
	config *Config
	now    func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
	probing   bool

	total    int64
	failed   int64
	rejected int64
}

// New creates a closed breaker. A nil config uses DefaultConfig.
func New(cfg *Config) *Breaker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	return &Breaker{config: cfg, state: StateClosed, now: time.Now}
}

// Execute runs fn unless the breaker is open
func (b *Breaker) Execute(fn func() error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn()
	b.after(err)
	return err
}

func (b *Breaker) before() error {
	b.mu.Lock()
	b.total++

	var from State
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.config.Cooldown {
			b.rejected++
			b.mu.Unlock()
			return ErrOpen
		}
		from = b.transition(StateHalfOpen)
		b.probing = true
	case StateHalfOpen:
		if b.probing {
			b.rejected++
			b.mu.Unlock()
			return ErrOpen
		}
		b.probing = true
	}
	b.mu.Unlock()

	b.notify(from, StateHalfOpen)
	return nil
}

func (b *Breaker) after(err error) {
	b.mu.Lock()
	var from, to State
	wasProbe := b.state == StateHalfOpen
	if wasProbe {
		b.probing = false
	}

	if err != nil {
		b.failed++
		b.failures++
		b.successes = 0
		if wasProbe || b.failures >= b.config.FailureThreshold {
			b.openedAt = b.now()
			from, to = b.transition(StateOpen), StateOpen
		}
	} else {
		b.failures = 0
		if wasProbe {
			b.successes++
			if b.successes >= b.config.SuccessThreshold {
				from, to = b.transition(StateClosed), StateClosed
			}
		}
	}
	b.mu.Unlock()

	b.notify(from, to)
}

// transition sets the new state and returns the old one, or "" if unchanged.
// Callers hold mu.
func (b *Breaker) transition(to State) State {
	if b.state == to {
		return ""
	}
	from := b.state
	b.state = to
	b.successes = 0
	return from
}

func (b *Breaker) notify(from, to State) {
	if from != "" && b.config.OnStateChange != nil {
		b.config.OnStateChange(from, to)
	}
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats holds circuit breaker statistics
type Stats struct {
	State    State `json:"state"`
	Total    int64 `json:"total"`
	Failed   int64 `json:"failed"`
	Rejected int64 `json:"rejected"`
	Failures int   `json:"consecutive_failures"`
}

// Stats returns circuit breaker statistics
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:    b.state,
		Total:    b.total,
		Failed:   b.failed,
		Rejected: b.rejected,
		Failures: b.failures,
	}
}

// Reset closes the breaker and clears consecutive counts
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.transition(StateClosed)
	b.failures = 0
	b.probing = false
	b.mu.Unlock()
	b.notify(from, StateClosed)
}
