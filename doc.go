// Package dartminator implements a self-organizing peer tree that spreads a
// divisible computation across an unknown and changing number of machines on
// a local network.
//
// Dartminator is designed as a library, not a service. Construct a Node,
// define a computation capability, and hand both to an engine.Engine:
//
//	n, err := dartminator.New(
//	    dartminator.WithName("Alice"),
//	    dartminator.WithMaxPeers(4),
//	)
//
// # Architecture
//
// Every node is simultaneously a root and a potential child. The dispatch
// engine rebuilds its peer set every cycle: peers are found through a UDP
// broadcast invitation, assigned exactly one work item over a streaming
// heartbeat connection, and forgotten the moment they are addressed. A peer
// that finishes its item detaches and becomes discoverable again, so the
// tree is reconstructed rather than maintained. This trades connection
// reuse for simplicity and natural load rebalancing under churn.
//
// The root package holds node identity and the observable state surface
// (busy flag, known peer count, remaining item count). The cycle loop lives
// in the engine package; peer discovery and the heartbeat wire protocol
// live in their own packages underneath it.
package dartminator
