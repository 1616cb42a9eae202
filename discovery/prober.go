package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"
)

// Prober emits one invitation broadcast per dispatch cycle and collects
// replies into a peer set, bounded by a count limit and a timeout. Hitting
// the timeout is not an error: whatever peers were collected by then are a
// valid (partial) result.
type Prober struct {
	name          string
	computationID string
	target        string
	timeout       time.Duration
	logger        *slog.Logger
}

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithProbeTarget sets the address invitations are sent to. The default is
// the limited broadcast address on the standard discovery port; tests point
// this at a loopback responder instead.
func WithProbeTarget(addr string) ProberOption {
	return func(p *Prober) { p.target = addr }
}

// WithProbeTimeout bounds one probe.
func WithProbeTimeout(d time.Duration) ProberOption {
	return func(p *Prober) { p.timeout = d }
}

// WithProberLogger sets the structured logger.
func WithProberLogger(l *slog.Logger) ProberOption {
	return func(p *Prober) { p.logger = l }
}

// NewProber creates a prober for the given node name and computation ID.
func NewProber(name, computationID string, opts ...ProberOption) *Prober {
	p := &Prober{
		name:          name,
		computationID: computationID,
		target:        "255.255.255.255:4445",
		timeout:       3 * time.Second,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe broadcasts one invitation and collects up to limit replying peers.
// Addresses in known (keyed by IP string) are skipped, as are duplicate
// replies and replies carrying the prober's own name. Probe returns early
// once the limit is reached; on timeout it returns the peers collected so
// far and no error.
func (p *Prober) Probe(ctx context.Context, limit int, known map[string]struct{}) ([]*net.UDPAddr, error) {
	if limit <= 0 {
		return nil, nil
	}

	target, err := net.ResolveUDPAddr("udp4", p.target)
	if err != nil {
		return nil, fmt.Errorf("discovery: resolve probe target %q: %w", p.target, err)
	}

	// Binding before sending arms the listener: replies that race the
	// read loop below queue in the socket buffer instead of being lost.
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: bind probe socket: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(p.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("discovery: set probe deadline: %w", err)
	}

	invitation := FormatInvitation(p.name, p.computationID)
	if _, err := conn.WriteToUDP([]byte(invitation), target); err != nil {
		return nil, fmt.Errorf("discovery: send invitation: %w", err)
	}

	p.logger.Debug("invitation broadcast",
		slog.String("target", p.target),
		slog.Int("limit", limit),
	)

	var peers []*net.UDPAddr
	seen := make(map[string]struct{}, limit)
	buf := make([]byte, 512)

	for len(peers) < limit {
		if ctx.Err() != nil {
			break
		}

		n, sender, readErr := conn.ReadFromUDP(buf)
		if readErr != nil {
			if errors.Is(readErr, os.ErrDeadlineExceeded) {
				break // Timeout: partial results are fine.
			}
			return peers, fmt.Errorf("discovery: probe read: %w", readErr)
		}

		name, parseErr := ParseReply(string(buf[:n]))
		if parseErr != nil {
			p.logger.Debug("discarding malformed reply",
				slog.String("from", sender.String()),
				slog.String("error", parseErr.Error()),
			)
			continue
		}

		if name == p.name {
			continue // Our own broadcast echoed back.
		}
		key := sender.IP.String()
		if _, dup := seen[key]; dup {
			continue
		}
		if _, dup := known[key]; dup {
			continue
		}

		seen[key] = struct{}{}
		peers = append(peers, sender)

		p.logger.Debug("peer discovered",
			slog.String("peer", name),
			slog.String("addr", sender.String()),
		)
	}

	return peers, nil
}
