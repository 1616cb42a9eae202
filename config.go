package dartminator

import "time"

// Config holds the network and timing configuration for a Node.
type Config struct {
	// DiscoveryPort is the UDP port shared by the discovery responder
	// and prober.
	DiscoveryPort int

	// RPCPort is the TCP port the heartbeat server listens on. Peers
	// are always addressed at this fixed port.
	RPCPort int

	// MaxPeers caps the number of peers discovered per dispatch cycle.
	MaxPeers int

	// ProbeTimeout bounds one discovery probe. On timeout the prober
	// returns whatever peers it has collected.
	ProbeTimeout time.Duration

	// DialTimeout bounds establishing a heartbeat connection to a peer.
	DialTimeout time.Duration

	// CallTimeout bounds waiting on a peer's heartbeat stream. A peer
	// that has not produced a terminal beat within this window is
	// treated as gone.
	CallTimeout time.Duration

	// HeartbeatInterval is how often a computing node emits InProgress
	// beats to its inviter.
	HeartbeatInterval time.Duration
}

// DefaultConfig returns a Config with sensible LAN-scale defaults.
func DefaultConfig() Config {
	return Config{
		DiscoveryPort:     4445,
		RPCPort:           4444,
		MaxPeers:          4,
		ProbeTimeout:      3 * time.Second,
		DialTimeout:       2 * time.Second,
		CallTimeout:       2 * time.Minute,
		HeartbeatInterval: 2 * time.Second,
	}
}
