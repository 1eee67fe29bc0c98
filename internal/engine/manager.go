package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/thenexusengine/tne_bidgate/internal/wire"
	"github.com/thenexusengine/tne_bidgate/pkg/logger"
)

// Dialer opens transport connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Handlers receive manager events. Every callback runs on the connection's
// read goroutine and must not block.
type Handlers struct {
	// OnFrame is called for every complete payload read from connection gen
	OnFrame func(gen uint64, payload []byte)
	// OnDisconnect is called once when connection gen is lost
	OnDisconnect func(gen uint64, err error)
	// OnStateChange is called on every state transition
	OnStateChange func(from, to State)
}

// Manager owns the single persistent socket to the scoring engine.
// Each successful dial gets a new generation number so that work tied to
// a dead socket can be failed without touching its successor.
type Manager struct {
	cfg      ManagerConfig
	dialer   Dialer
	handlers Handlers

	// after is the backoff timer, replaceable in tests
	after func(time.Duration) <-chan time.Time

	mu       sync.RWMutex
	state    State
	conn     net.Conn
	gen      uint64
	attempts int

	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a connection manager. A nil dialer uses net.Dialer with cfg.DialTimeout.
func NewManager(cfg ManagerConfig, dialer Dialer, handlers Handlers) *Manager {
	if dialer == nil {
		dialer = &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second}
	}
	if cfg.ReadBuffer <= 0 {
		cfg.ReadBuffer = 32 * 1024
	}
	return &Manager{
		cfg:      cfg,
		dialer:   dialer,
		handlers: handlers,
		after:    time.After,
		state:    StateDisconnected,
	}
}

// Start dials the engine and begins supervising the connection. It returns the
// error from the first dial; on failure reconnection continues in the background.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return errors.New("engine manager already started")
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.setState(StateConnecting)
	conn, err := m.dial()
	var gen uint64
	if err == nil {
		gen = m.attach(conn)
	} else {
		logger.Engine().Warn().Err(err).Str("addr", m.cfg.Addr).Msg("Initial engine connection failed")
	}

	m.wg.Add(1)
	go m.supervise(conn, gen)
	return err
}

// Stop closes the connection and stops reconnecting
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	cancel := m.cancel
	conn := m.conn
	m.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	if conn != nil {
		conn.Close()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current connection state
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Current returns the live connection generation
func (m *Manager) Current() (uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gen, m.state == StateConnected && m.conn != nil
}

// Write sends one complete frame on connection gen. Writes are serialized so
// frames from concurrent callers never interleave.
func (m *Manager) Write(gen uint64, frame []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.RLock()
	conn, cur, state := m.conn, m.gen, m.state
	m.mu.RUnlock()

	if conn == nil || state != StateConnected {
		return ErrNotConnected
	}
	if cur != gen {
		return ErrConnectionLost
	}

	if m.cfg.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout)); err != nil {
			conn.Close()
			return fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}
	}
	if _, err := conn.Write(frame); err != nil {
		// A partial write leaves the peer mid-frame; the socket must be recycled
		conn.Close()
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return nil
}

func (m *Manager) dial() (net.Conn, error) {
	ctx := m.ctx
	if m.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.DialTimeout)
		defer cancel()
	}
	return m.dialer.DialContext(ctx, "tcp", m.cfg.Addr)
}

// attach installs a freshly dialed connection and resets the backoff counter
func (m *Manager) attach(conn net.Conn) uint64 {
	m.mu.Lock()
	m.gen++
	m.conn = conn
	m.attempts = 0
	gen := m.gen
	m.mu.Unlock()

	m.setState(StateConnected)
	logger.Engine().Info().Str("addr", m.cfg.Addr).Uint64("conn_gen", gen).Msg("Engine connected")
	return gen
}

// detach drops connection gen and fails everything tied to it
func (m *Manager) detach(gen uint64, cause error) {
	m.mu.Lock()
	if m.gen == gen && m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.mu.Unlock()

	if m.ctx.Err() == nil {
		m.setState(StateReconnecting)
	}
	logger.Engine().Warn().Err(cause).Uint64("conn_gen", gen).Msg("Engine disconnected")

	if m.handlers.OnDisconnect != nil {
		m.handlers.OnDisconnect(gen, cause)
	}
}

// supervise runs the read loop for the live connection and reconnects with backoff
func (m *Manager) supervise(conn net.Conn, gen uint64) {
	defer m.wg.Done()

	for {
		if conn != nil {
			err := m.readLoop(conn, gen)
			m.detach(gen, err)
			conn = nil
		}

		if m.ctx.Err() != nil {
			m.setState(StateDisconnected)
			return
		}

		m.mu.Lock()
		m.attempts++
		attempt := m.attempts
		m.mu.Unlock()

		if m.cfg.Backoff.Exhausted(attempt) {
			m.setState(StateFailed)
			logger.Engine().Error().
				Err(ErrCircuitExhausted).
				Int("attempts", attempt-1).
				Str("addr", m.cfg.Addr).
				Msg("Engine reconnect attempts exhausted, connection failed")
			return
		}

		delay := m.cfg.Backoff.Delay(attempt)
		m.setState(StateReconnecting)
		logger.Engine().Info().
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Scheduling engine reconnect")

		select {
		case <-m.ctx.Done():
			m.setState(StateDisconnected)
			return
		case <-m.after(delay):
		}

		m.setState(StateConnecting)
		c, err := m.dial()
		if err != nil {
			logger.Engine().Warn().Err(err).Int("attempt", attempt).Msg("Engine reconnect failed")
			continue
		}
		conn = c
		gen = m.attach(c)
	}
}

// readLoop feeds socket bytes through the frame decoder until the connection fails
func (m *Manager) readLoop(conn net.Conn, gen uint64) error {
	stop := context.AfterFunc(m.ctx, func() { conn.Close() })
	defer stop()

	dec := wire.NewDecoder(m.cfg.MaxFrameSize)
	buf := make([]byte, m.cfg.ReadBuffer)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			frames, ferr := dec.Feed(buf[:n])
			for _, f := range frames {
				if m.handlers.OnFrame != nil {
					m.handlers.OnFrame(gen, f)
				}
			}
			if ferr != nil {
				return ferr
			}
		}
		if err != nil {
			return err
		}
	}
}

func (m *Manager) setState(to State) {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return
	}
	m.state = to
	m.mu.Unlock()

	if m.handlers.OnStateChange != nil {
		m.handlers.OnStateChange(from, to)
	}
}
