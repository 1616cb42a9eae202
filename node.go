package dartminator

import (
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync/atomic"
)

// Node is the identity and observable state of one dartminator process.
//
// The identity fields (name, ports, peer cap) are immutable for the node's
// lifetime. The mutable state (busy flag, known peer count, remaining item
// count) is owned by the dispatch loop and the heartbeat server; everything
// else reads it through the accessors below.
type Node struct {
	name   string
	config Config
	logger *slog.Logger

	// busy is true while this node executes a dispatch cycle as the
	// addressed party of someone else's invitation.
	busy atomic.Bool

	// peers is the number of peers known in the current cycle.
	peers atomic.Int64

	// remaining is the number of unresolved work items.
	remaining atomic.Int64
}

// Option configures a Node.
type Option func(*Node) error

// New creates a Node with the given options. The name defaults to the
// hostname plus a random suffix; callers wanting memorable names should
// plug in their own generator via WithName.
func New(opts ...Option) (*Node, error) {
	n := &Node{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(n); err != nil {
			return nil, err
		}
	}
	if n.name == "" {
		n.name = defaultName()
	}
	return n, nil
}

// WithName sets the node's display name.
func WithName(name string) Option {
	return func(n *Node) error {
		if name == "" {
			return ErrEmptyName
		}
		n.name = name
		return nil
	}
}

// WithLogger sets the structured logger for the node.
func WithLogger(l *slog.Logger) Option {
	return func(n *Node) error {
		n.logger = l
		return nil
	}
}

// WithDiscoveryPort sets the UDP port used by discovery.
// Port 0 binds an ephemeral port, which is useful in tests.
func WithDiscoveryPort(port int) Option {
	return func(n *Node) error {
		if port < 0 || port > 65535 {
			return ErrInvalidPort
		}
		n.config.DiscoveryPort = port
		return nil
	}
}

// WithRPCPort sets the TCP port for the heartbeat server.
// Port 0 binds an ephemeral port, which is useful in tests.
func WithRPCPort(port int) Option {
	return func(n *Node) error {
		if port < 0 || port > 65535 {
			return ErrInvalidPort
		}
		n.config.RPCPort = port
		return nil
	}
}

// WithMaxPeers caps the number of peers discovered per cycle.
// Zero disables peer delegation entirely.
func WithMaxPeers(limit int) Option {
	return func(n *Node) error {
		n.config.MaxPeers = limit
		return nil
	}
}

// WithConfig replaces the whole configuration at once.
func WithConfig(c Config) Option {
	return func(n *Node) error {
		n.config = c
		return nil
	}
}

// Name returns the node's display name.
func (n *Node) Name() string { return n.name }

// Config returns a copy of the node's configuration.
func (n *Node) Config() Config { return n.config }

// Logger returns the node's logger.
func (n *Node) Logger() *slog.Logger { return n.logger }

// Busy reports whether the node is computing someone else's invitation.
func (n *Node) Busy() bool { return n.busy.Load() }

// SetBusy flips the busy flag. Called by the heartbeat server only.
func (n *Node) SetBusy(b bool) { n.busy.Store(b) }

// Peers returns the number of peers known in the current cycle.
func (n *Node) Peers() int { return int(n.peers.Load()) }

// SetPeers records the current known peer count. Called by the engine only.
func (n *Node) SetPeers(count int) { n.peers.Store(int64(count)) }

// Remaining returns the number of unresolved work items.
func (n *Node) Remaining() int { return int(n.remaining.Load()) }

// SetRemaining records the unresolved item count. Called by the engine only.
func (n *Node) SetRemaining(count int) { n.remaining.Store(int64(count)) }

func defaultName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "node"
	}
	return fmt.Sprintf("%s-%04x", host, rand.Intn(0x10000))
}
