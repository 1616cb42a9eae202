package discovery

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/time/rate"
)

// Responder passively listens for invitation broadcasts and replies to
// qualifying inviters. It replies unconditionally: the node's own busy
// state is not consulted here; a busy node answers the invitation and
// reports Busy on the heartbeat stream instead. This keeps discovery
// stateless and lets inviters tell "busy" apart from "gone".
type Responder struct {
	name          string
	computationID string
	port          int
	logger        *slog.Logger

	// limiter caps the reply rate so a misbehaving inviter cannot turn
	// the shared broadcast domain into a reply storm.
	limiter *rate.Limiter

	conn   *net.UDPConn
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// ResponderOption configures a Responder.
type ResponderOption func(*Responder)

// WithResponderPort sets the UDP port to bind. Port 0 binds an ephemeral
// port, which is useful in tests.
func WithResponderPort(port int) ResponderOption {
	return func(r *Responder) { r.port = port }
}

// WithResponderLogger sets the structured logger.
func WithResponderLogger(l *slog.Logger) ResponderOption {
	return func(r *Responder) { r.logger = l }
}

// WithReplyLimit overrides the reply rate limit.
func WithReplyLimit(limit rate.Limit, burst int) ResponderOption {
	return func(r *Responder) { r.limiter = rate.NewLimiter(limit, burst) }
}

// NewResponder creates a responder for the given node name and active
// computation ID.
func NewResponder(name, computationID string, opts ...ResponderOption) *Responder {
	r := &Responder{
		name:          name,
		computationID: computationID,
		port:          4445,
		logger:        slog.Default(),
		limiter:       rate.NewLimiter(rate.Limit(32), 64),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start binds the discovery port and begins answering invitations.
// It returns immediately.
func (r *Responder) Start() error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: r.port})
	if err != nil {
		return fmt.Errorf("discovery: bind responder port %d: %w", r.port, err)
	}
	r.mu.Lock()
	r.conn = conn
	r.closed = false
	r.mu.Unlock()

	r.wg.Add(1)
	go r.listen(conn)

	r.logger.Info("discovery responder listening",
		slog.String("name", r.name),
		slog.String("computation", r.computationID),
		slog.String("addr", conn.LocalAddr().String()),
	)
	return nil
}

// Addr returns the responder's bound UDP address, or nil before Start.
func (r *Responder) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	return r.conn.LocalAddr()
}

// Stop closes the socket and waits for the listen loop to drain.
func (r *Responder) Stop() {
	r.mu.Lock()
	if r.conn == nil || r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	conn := r.conn
	r.mu.Unlock()

	conn.Close()
	r.wg.Wait()
}

func (r *Responder) listen(conn *net.UDPConn) {
	defer r.wg.Done()

	buf := make([]byte, 512)
	for {
		n, sender, err := conn.ReadFromUDP(buf)
		if err != nil {
			r.mu.Lock()
			closed := r.closed
			r.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return
			}
			// A transient read error must not make the node
			// undiscoverable for the rest of its life.
			r.logger.Warn("discovery responder read error", slog.String("error", err.Error()))
			continue
		}
		r.handle(conn, string(buf[:n]), sender)
	}
}

// handle parses one datagram and replies by unicast when it qualifies.
// Malformed payloads are discarded; nothing here ever reaches a caller.
func (r *Responder) handle(conn *net.UDPConn, payload string, sender *net.UDPAddr) {
	inv, err := ParseInvitation(payload)
	if err != nil {
		r.logger.Debug("discarding malformed invitation",
			slog.String("from", sender.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	// Never answer our own broadcast, and only join matching computations.
	if inv.Sender == r.name || inv.Computation != r.computationID {
		return
	}

	if !r.limiter.Allow() {
		r.logger.Warn("discovery reply rate limit hit", slog.String("from", sender.String()))
		return
	}

	if _, err := conn.WriteToUDP([]byte(FormatReply(r.name)), sender); err != nil {
		r.logger.Warn("discovery reply failed",
			slog.String("to", sender.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	r.logger.Debug("replied to invitation",
		slog.String("inviter", inv.Sender),
		slog.String("addr", sender.String()),
	)
}
