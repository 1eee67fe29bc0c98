// Package enginetest provides an in-process scoring engine that speaks the
// length-prefixed wire protocol. It backs transport tests and cmd/enginesim.
package enginetest

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/thenexusengine/tne_bidgate/internal/bid"
	"github.com/thenexusengine/tne_bidgate/internal/wire"
	"github.com/thenexusengine/tne_bidgate/pkg/logger"
)

// Score prices a request the way the reference engine does
func Score(req *bid.Request) *bid.Response {
	floor := req.FloorPrice.InexactFloat64()
	winning := floor * bid.TargetingMultiplier(req.Targeting)
	return &bid.Response{
		ID:         req.ID,
		WinningBid: winning,
		Price:      winning * bid.SecondPriceRatio,
		Status:     bid.StatusSuccess,
		Won:        winning >= floor,
		CampaignID: req.CampaignID,
	}
}

// Options control how the server answers
type Options struct {
	// Scorer replaces Score when set
	Scorer func(*bid.Request) *bid.Response
	// Delay is applied before each reply
	Delay time.Duration
	// Silent requests are read but never answered
	Silent func(*bid.Request) bool
	// Batch holds replies until this many requests arrived on a connection,
	// then answers them in reverse arrival order
	Batch int
}

// Server is a TCP scoring engine bound to a loopback port
type Server struct {
	opts Options
	ln   net.Listener

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	received atomic.Int64
	accepted atomic.Int64
	wg       sync.WaitGroup
}

// Listen starts a server on addr. Use "127.0.0.1:0" for an ephemeral port.
func Listen(addr string, opts Options) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if opts.Scorer == nil {
		opts.Scorer = Score
	}
	s := &Server{opts: opts, ln: ln, conns: make(map[net.Conn]struct{})}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Addr returns the listening address
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Received returns the number of decoded requests across all connections
func (s *Server) Received() int64 {
	return s.received.Load()
}

// Accepted returns the number of accepted connections
func (s *Server) Accepted() int64 {
	return s.accepted.Load()
}

// Broadcast writes raw bytes to every open connection
func (s *Server) Broadcast(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_, _ = c.Write(b)
	}
}

// DropConnections closes every open connection but keeps listening
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

// Close stops listening and closes every connection
func (s *Server) Close() error {
	err := s.ln.Close()
	s.DropConnections()
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				logger.Engine().Warn().Err(err).Msg("enginetest accept failed")
			}
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.accepted.Add(1)

		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	var (
		writeMu sync.Mutex
		held    []*bid.Response
	)
	reply := func(resp *bid.Response) {
		writeMu.Lock()
		defer writeMu.Unlock()
		_, _ = conn.Write(wire.Frame(wire.EncodeResponse(resp)))
	}

	dec := wire.NewDecoder(wire.DefaultMaxFrameSize)
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			frames, ferr := dec.Feed(buf[:n])
			for _, f := range frames {
				req, derr := wire.DecodeRequest(f)
				if derr != nil {
					continue
				}
				s.received.Add(1)
				if s.opts.Silent != nil && s.opts.Silent(req) {
					continue
				}

				start := time.Now()
				resp := s.opts.Scorer(req)
				resp.LatencyMs = int32(time.Since(start).Milliseconds())

				if s.opts.Batch > 0 {
					held = append(held, resp)
					if len(held) >= s.opts.Batch {
						for i := len(held) - 1; i >= 0; i-- {
							reply(held[i])
						}
						held = held[:0]
					}
					continue
				}

				if s.opts.Delay > 0 {
					go func(r *bid.Response) {
						time.Sleep(s.opts.Delay)
						reply(r)
					}(resp)
					continue
				}
				reply(resp)
			}
			if ferr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}
