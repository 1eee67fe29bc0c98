package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/thenexusengine/tne_bidgate/internal/bid"
	"github.com/thenexusengine/tne_bidgate/internal/wire"
	"github.com/thenexusengine/tne_bidgate/pkg/logger"
)

// StateObserver is notified of connection state transitions
type StateObserver func(from, to State)

// Client sends bid requests to the scoring engine over one multiplexed connection
type Client struct {
	mgr      *Manager
	corr     *Correlator
	timeout  time.Duration
	observer StateObserver

	decodeErrors func()
}

// ClientConfig configures the engine client
type ClientConfig struct {
	Manager ManagerConfig
	Timeout time.Duration // per-request deadline
	Dialer  Dialer        // nil uses net.Dialer

	// OnStateChange is optional
	OnStateChange StateObserver
	// OnDecodeError is optional and called once per dropped frame
	OnDecodeError func()
}

// NewClient creates an engine client. Call Start to connect.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	c := &Client{
		corr:         NewCorrelator(),
		timeout:      cfg.Timeout,
		observer:     cfg.OnStateChange,
		decodeErrors: cfg.OnDecodeError,
	}
	c.mgr = NewManager(cfg.Manager, cfg.Dialer, Handlers{
		OnFrame:       c.onFrame,
		OnDisconnect:  c.onDisconnect,
		OnStateChange: c.onStateChange,
	})
	return c
}

// Start connects to the engine. A failed first dial is not fatal; the client
// keeps reconnecting in the background and callers see Connected() == false.
func (c *Client) Start(ctx context.Context) error {
	return c.mgr.Start(ctx)
}

// Stop disconnects and fails every in-flight request with ErrConnectionLost
func (c *Client) Stop(ctx context.Context) error {
	gen, _ := c.mgr.Current()
	err := c.mgr.Stop(ctx)
	c.corr.FailConnection(gen, ErrConnectionLost)
	return err
}

// State returns the connection state
func (c *Client) State() State {
	return c.mgr.State()
}

// Connected reports whether a live connection is available
func (c *Client) Connected() bool {
	_, ok := c.mgr.Current()
	return ok
}

// Pending returns the number of requests awaiting a response
func (c *Client) Pending() int {
	return c.corr.Pending()
}

// Score sends req and waits for the engine's answer. A zero timeout uses the
// client default. Errors are ErrNotConnected, ErrRequestTimeout,
// ErrConnectionLost, ErrDuplicateID or the context error.
func (c *Client) Score(ctx context.Context, req *bid.Request, timeout time.Duration) (*bid.Response, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}

	gen, ok := c.mgr.Current()
	if !ok {
		return nil, ErrNotConnected
	}

	w, err := c.corr.Register(req.ID, gen, timeout)
	if err != nil {
		return nil, err
	}

	if err := c.mgr.Write(gen, wire.Frame(wire.EncodeRequest(req))); err != nil {
		c.corr.Fail(req.ID, err)
		if errors.Is(err, ErrNotConnected) {
			return nil, err
		}
		return nil, fmt.Errorf("sending bid %s: %w", req.ID, err)
	}

	return w.Wait(ctx)
}

func (c *Client) onFrame(gen uint64, payload []byte) {
	resp, err := wire.DecodeResponse(payload)
	if err != nil {
		logger.Engine().Warn().
			Err(err).
			Uint64("conn_gen", gen).
			Int("size", len(payload)).
			Msg("Dropping malformed engine frame")
		if c.decodeErrors != nil {
			c.decodeErrors()
		}
		return
	}
	c.corr.Resolve(resp)
}

func (c *Client) onDisconnect(gen uint64, _ error) {
	c.corr.FailConnection(gen, ErrConnectionLost)
}

func (c *Client) onStateChange(from, to State) {
	logger.Engine().Debug().Str("from", from.String()).Str("to", to.String()).Msg("Engine state change")
	if c.observer != nil {
		c.observer(from, to)
	}
}
