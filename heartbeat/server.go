package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ComputeFunc resolves one invited work item. The engine layer plugs in a
// function that runs a full dispatch sub-computation with the item as seed,
// which is what makes the peer tree recursive.
type ComputeFunc func(ctx context.Context, item string) (string, error)

// BusyState is the slice of node state the server needs: the flag that is
// true while this node computes the addressed party of someone else's
// invitation. Satisfied by *dartminator.Node.
type BusyState interface {
	Busy() bool
	SetBusy(bool)
}

// Server answers heartbeat calls. For each accepted connection it reads one
// initiate frame and then streams beats: a single Busy beat if the node is
// already computing (terminal, the stream ends there), or InProgress beats
// at the configured interval until the computation finishes with a Done
// beat.
type Server struct {
	computationID string
	state         BusyState
	compute       ComputeFunc

	addr             string
	codec            Codec
	interval         time.Duration
	handshakeTimeout time.Duration
	logger           *slog.Logger

	ln      net.Listener
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	// conns tracks accepted connections so Stop can close them. A caller
	// that dials and never completes the handshake would otherwise pin
	// the handler, and Stop with it, forever.
	conns map[net.Conn]struct{}
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerAddr sets the TCP listen address (default ":4444").
func WithServerAddr(addr string) ServerOption {
	return func(s *Server) { s.addr = addr }
}

// WithServerCodec sets the frame codec (default msgpack).
func WithServerCodec(c Codec) ServerOption {
	return func(s *Server) { s.codec = c }
}

// WithBeatInterval sets the spacing of InProgress beats.
func WithBeatInterval(d time.Duration) ServerOption {
	return func(s *Server) { s.interval = d }
}

// WithHandshakeTimeout bounds the upgrade and initiate phase of a call
// (default 10s). Connections that send nothing are dropped at the deadline.
func WithHandshakeTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.handshakeTimeout = d }
}

// WithServerLogger sets the structured logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a heartbeat server for the given computation.
func NewServer(computationID string, state BusyState, compute ComputeFunc, opts ...ServerOption) *Server {
	s := &Server{
		computationID:    computationID,
		state:            state,
		compute:          compute,
		addr:             ":4444",
		codec:            &MsgpackCodec{},
		interval:         2 * time.Second,
		handshakeTimeout: 10 * time.Second,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start binds the listen address and begins accepting calls.
// It returns immediately.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("heartbeat: listen %q: %w", s.addr, err)
	}
	s.ln = ln
	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	s.conns = make(map[net.Conn]struct{})
	s.running = true

	s.wg.Add(1)
	go s.acceptLoop(ln)

	s.logger.Info("heartbeat server listening",
		slog.String("addr", ln.Addr().String()),
		slog.String("computation", s.computationID),
		slog.String("codec", s.codec.Name()),
	)
	return nil
}

// Addr returns the bound listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop closes the listener, cancels in-flight calls, closes every live
// connection, and waits for the handlers to drain.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	ln := s.ln
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	ln.Close()

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// track registers an accepted connection. Returns false when the server is
// already stopping, in which case the caller must close the connection.
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.baseCtx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// Transient failures (out of file descriptors and the
			// like) must not kill the inbound side for good.
			s.logger.Warn("heartbeat accept error", slog.String("error", err.Error()))
			select {
			case <-time.After(100 * time.Millisecond):
			case <-s.baseCtx.Done():
				return
			}
			continue
		}

		if !s.track(conn) {
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			if serveErr := s.serve(conn); serveErr != nil {
				s.logger.Debug("heartbeat call ended",
					slog.String("remote", conn.RemoteAddr().String()),
					slog.String("error", serveErr.Error()),
				)
			}
		}()
	}
}

// serve runs one call: upgrade, read the initiate frame, stream beats.
func (s *Server) serve(conn net.Conn) error {
	defer conn.Close()

	// The handshake phase is deadline-bounded; a connection that sends
	// nothing must not pin the handler.
	if err := conn.SetReadDeadline(time.Now().Add(s.handshakeTimeout)); err != nil {
		return fmt.Errorf("heartbeat: set handshake deadline: %w", err)
	}

	if _, err := ws.Upgrade(conn); err != nil {
		return fmt.Errorf("heartbeat: upgrade: %w", err)
	}

	data, _, err := wsutil.ReadClientData(conn)
	if err != nil {
		return fmt.Errorf("heartbeat: read initiate: %w", err)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return fmt.Errorf("heartbeat: clear handshake deadline: %w", err)
	}

	frame, err := s.codec.Decode(data)
	if err != nil {
		return fmt.Errorf("heartbeat: decode initiate: %w", err)
	}
	if err := frame.Validate(); err != nil {
		return err
	}
	if frame.Type != FrameInitiate {
		return fmt.Errorf("heartbeat: first frame must be initiate, got %q", frame.Type)
	}
	if frame.Computation != "" && frame.Computation != s.computationID {
		return fmt.Errorf("heartbeat: item for computation %q, running %q",
			frame.Computation, s.computationID)
	}

	// A busy node answers with a single Busy beat and nothing else.
	// Accepting would start a second concurrent computation on this node.
	if s.state.Busy() {
		s.logger.Debug("declining invitation while busy",
			slog.String("remote", conn.RemoteAddr().String()),
		)
		return s.writeFrame(conn, NewBusyBeat())
	}

	s.state.SetBusy(true)
	defer s.state.SetBusy(false)

	s.logger.Info("invitation accepted",
		slog.String("remote", conn.RemoteAddr().String()),
		slog.String("item", frame.Item),
	)

	// Run the sub-computation in its own goroutine; this loop only paces
	// the heartbeats. The one-shot channel is the only thing crossing the
	// worker boundary.
	resultCh := make(chan string, 1)
	go func() {
		value, computeErr := s.compute(s.baseCtx, frame.Item)
		if computeErr != nil {
			// Swallowed: the inviter sees an empty result and retries
			// the item elsewhere next cycle.
			s.logger.Warn("invited computation failed",
				slog.String("item", frame.Item),
				slog.String("error", computeErr.Error()),
			)
			value = ""
		}
		resultCh <- value
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case value := <-resultCh:
			return s.writeFrame(conn, NewDoneBeat(value))
		case <-ticker.C:
			if writeErr := s.writeFrame(conn, NewProgressBeat()); writeErr != nil {
				// Inviter is gone; the computation still runs to
				// completion but the result has no taker.
				return fmt.Errorf("heartbeat: write progress: %w", writeErr)
			}
		case <-s.baseCtx.Done():
			return s.baseCtx.Err()
		}
	}
}

func (s *Server) writeFrame(conn net.Conn, frame *Frame) error {
	data, err := s.codec.Encode(frame)
	if err != nil {
		return fmt.Errorf("heartbeat: encode frame: %w", err)
	}
	if s.codec.Name() == CodecNameJSON {
		return wsutil.WriteServerText(conn, data)
	}
	return wsutil.WriteServerBinary(conn, data)
}
