// Package engine owns the dispatch loop: the per-cycle algorithm that
// assigns unresolved work items to the local node and to freshly discovered
// peers, waits for the cycle's results, and repeats until every result slot
// is filled.
//
// This package sits above the discovery and heartbeat packages and below
// the application layer. The root dartminator package defines the Node that
// everything shares, and so cannot import the subsystems back.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tehSIRius/dartminator"
	"github.com/tehSIRius/dartminator/backoff"
	"github.com/tehSIRius/dartminator/compute"
	"github.com/tehSIRius/dartminator/discovery"
	"github.com/tehSIRius/dartminator/heartbeat"
)

// Engine drives one node's participation in a computation: outbound as the
// root (or sub-root) of a dispatch tree via Compute, inbound as a child via
// the discovery responder and heartbeat server that Start wires up.
type Engine struct {
	node   *dartminator.Node
	comp   compute.Computation
	logger *slog.Logger

	prober    *discovery.Prober
	responder *discovery.Responder
	client    *heartbeat.Client
	server    *heartbeat.Server

	bo          backoff.Strategy
	maxBarren   int
	probeTarget string
	metrics     *engineMetrics

	mu      sync.Mutex
	running bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithBackoff sets the delay strategy applied between barren cycles.
// If not set, backoff.DefaultStrategy() (exponential with jitter) is used.
func WithBackoff(b backoff.Strategy) Option {
	return func(e *Engine) { e.bo = b }
}

// WithMaxBarrenCycles bounds the number of consecutive cycles that may end
// without filling a single slot before Compute gives up with ErrNoProgress.
// Zero (the default) retries forever, matching the protocol's self-healing
// best-effort design.
func WithMaxBarrenCycles(n int) Option {
	return func(e *Engine) { e.maxBarren = n }
}

// WithProbeTarget overrides the discovery broadcast target. Tests point
// this at a loopback responder.
func WithProbeTarget(addr string) Option {
	return func(e *Engine) { e.probeTarget = addr }
}

// New creates an Engine for the given node and computation capability.
func New(node *dartminator.Node, comp compute.Computation, opts ...Option) *Engine {
	cfg := node.Config()

	e := &Engine{
		node:        node,
		comp:        comp,
		logger:      node.Logger(),
		bo:          backoff.DefaultStrategy(),
		probeTarget: fmt.Sprintf("255.255.255.255:%d", cfg.DiscoveryPort),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.prober = discovery.NewProber(node.Name(), comp.ID(),
		discovery.WithProbeTarget(e.probeTarget),
		discovery.WithProbeTimeout(cfg.ProbeTimeout),
		discovery.WithProberLogger(e.logger),
	)
	e.client = heartbeat.NewClient(comp.ID(),
		heartbeat.WithDialTimeout(cfg.DialTimeout),
		heartbeat.WithCallTimeout(cfg.CallTimeout),
		heartbeat.WithClientLogger(e.logger),
	)
	e.metrics = newEngineMetrics(node)

	return e
}

// Start brings up the inbound side: the discovery responder that answers
// invitations and the heartbeat server that accepts items and runs them as
// sub-computations. It returns immediately; a node that only ever acts as a
// root may skip Start entirely.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return nil
	}

	cfg := e.node.Config()

	e.responder = discovery.NewResponder(e.node.Name(), e.comp.ID(),
		discovery.WithResponderPort(cfg.DiscoveryPort),
		discovery.WithResponderLogger(e.logger),
	)
	if err := e.responder.Start(); err != nil {
		return err
	}

	e.server = heartbeat.NewServer(e.comp.ID(), e.node, e.computeInvited,
		heartbeat.WithServerAddr(":"+strconv.Itoa(cfg.RPCPort)),
		heartbeat.WithBeatInterval(cfg.HeartbeatInterval),
		heartbeat.WithServerLogger(e.logger),
	)
	if err := e.server.Start(); err != nil {
		e.responder.Stop()
		return err
	}

	e.running = true
	return nil
}

// Stop shuts the inbound side down again.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	responder, server := e.responder, e.server
	e.mu.Unlock()

	server.Stop()
	responder.Stop()
}

// ResponderAddr returns the bound discovery address, or nil before Start.
func (e *Engine) ResponderAddr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.responder == nil {
		return nil
	}
	return e.responder.Addr()
}

// ServerAddr returns the bound heartbeat address, or nil before Start.
func (e *Engine) ServerAddr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.server == nil {
		return nil
	}
	return e.server.Addr()
}

// computeInvited runs an invited item as a full sub-computation, making
// this node a dispatcher over its own grandchildren. The heartbeat server
// flips the busy flag around this call.
func (e *Engine) computeInvited(ctx context.Context, item string) (string, error) {
	return e.Compute(ctx, item)
}

// Compute seeds a computation, runs dispatch cycles until every result
// slot is filled, and composes the results in original item order.
func (e *Engine) Compute(ctx context.Context, seed string) (string, error) {
	ctx, span := e.startSpan(ctx)
	defer span.End()

	items, err := e.comp.DeriveItems(ctx, seed)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("engine: derive items: %w", err)
	}
	if len(items) == 0 {
		span.RecordError(dartminator.ErrNoItems)
		return "", dartminator.ErrNoItems
	}

	run := &run{
		items: items,
		slots: make([]string, len(items)),
	}
	e.node.SetRemaining(len(items))

	e.logger.Info("computation seeded",
		slog.String("computation", e.comp.ID()),
		slog.Int("items", len(items)),
	)

	barren := 0
	for run.completed() < len(run.slots) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}

		filled := e.runCycle(ctx, run)
		e.node.SetRemaining(len(run.slots) - run.completed())
		e.metrics.recordCycle(ctx, filled)

		if filled == 0 {
			barren++
			if e.maxBarren > 0 && barren >= e.maxBarren {
				span.RecordError(dartminator.ErrNoProgress)
				return "", dartminator.ErrNoProgress
			}
			e.waitBackoff(ctx, barren)
			continue
		}
		barren = 0
	}

	result := e.comp.ComposeResults(run.slots)

	e.logger.Info("computation composed",
		slog.String("computation", e.comp.ID()),
		slog.Int("items", len(items)),
	)
	return result, nil
}

// report is the one-shot message a work unit sends back to the cycle loop.
// Units never touch the slots directly; the loop is the single writer.
type report struct {
	idx   int
	value string
}

// run is the per-computation state owned by the cycle loop.
type run struct {
	items []string
	slots []string

	// peers discovered but not yet addressed. A peer is removed the
	// moment it is assigned an item, whatever the outcome.
	peers []*net.UDPAddr
}

func (r *run) completed() int {
	n := 0
	for _, s := range r.slots {
		if s != "" {
			n++
		}
	}
	return n
}

func (r *run) empty() int {
	return len(r.slots) - r.completed()
}

// selectSlot picks the empty slot with the highest index that is not yet
// assigned in this cycle. Work items are consumed from the end of the
// sequence backward. Returns -1 when nothing is assignable.
func (r *run) selectSlot(assigned map[int]bool) int {
	for i := len(r.slots) - 1; i >= 0; i-- {
		if r.slots[i] == "" && !assigned[i] {
			return i
		}
	}
	return -1
}

// knownIPs returns the current peer set keyed by IP, for probe dedup.
func (r *run) knownIPs() map[string]struct{} {
	known := make(map[string]struct{}, len(r.peers))
	for _, p := range r.peers {
		known[p.IP.String()] = struct{}{}
	}
	return known
}

// runCycle executes one dispatch cycle and returns how many slots it
// filled. All units started here complete (or fail) before it returns;
// there is no cross-cycle overlap.
func (e *Engine) runCycle(ctx context.Context, run *run) int {
	before := run.completed()
	assigned := make(map[int]bool, run.empty())
	reports := make(chan report, len(run.slots)+1)

	var g errgroup.Group

	// 1. Self-assignment: always take one item locally before inviting
	// anyone else.
	if idx := run.selectSlot(assigned); idx >= 0 {
		assigned[idx] = true
		item := run.items[idx]
		g.Go(func() error {
			reports <- report{idx: idx, value: e.computeLocal(ctx, item)}
			return nil
		})
	}

	// 2. Capacity check: one empty slot is reserved for the local unit,
	// the rest may go to children.
	spare := run.empty() - 1
	childLimit := min(spare, e.node.Config().MaxPeers)
	if childLimit > 0 && len(run.peers) < childLimit {
		found, err := e.prober.Probe(ctx, childLimit-len(run.peers), run.knownIPs())
		if err != nil {
			e.logger.Warn("discovery probe failed", slog.String("error", err.Error()))
		}
		run.peers = append(run.peers, found...)
	}
	e.node.SetPeers(len(run.peers))

	// 3. Peer assignment, detach-on-use. Selection is re-evaluated per
	// peer after applying any results that already landed, so a slot a
	// fast worker just filled is not handed out again.
	for len(run.peers) > 0 {
		applyReports(run, reports)

		idx := run.selectSlot(assigned)
		if idx < 0 {
			break
		}

		peer := run.peers[0]
		run.peers = run.peers[1:]
		e.node.SetPeers(len(run.peers))

		assigned[idx] = true
		item := run.items[idx]
		addr := net.JoinHostPort(peer.IP.String(), strconv.Itoa(e.node.Config().RPCPort))

		g.Go(func() error {
			value := e.computeRemote(ctx, addr, item)
			reports <- report{idx: idx, value: value}
			return nil
		})
	}

	// 4. Join: every unit started this cycle reports before the cycle
	// ends. Units never error; failures arrive as empty values.
	_ = g.Wait()

	// 5. Bookkeeping.
	applyReports(run, reports)
	return run.completed() - before
}

// applyReports drains every report currently queued and writes the results
// into their reserved slots. Empty values leave the slot empty, enabling
// retry in a later cycle; a filled slot is never overwritten.
func applyReports(run *run, reports <-chan report) {
	for {
		select {
		case r := <-reports:
			if r.value != "" && run.slots[r.idx] == "" {
				run.slots[r.idx] = r.value
			}
		default:
			return
		}
	}
}

// computeRemote hands one item to a peer over a heartbeat call. Every
// failure mode (dial, timeout, stream error, busy peer) collapses to an
// empty value; the dispatch loop retries the slot with a fresh peer later.
func (e *Engine) computeRemote(ctx context.Context, addr, item string) string {
	value, err := e.client.Initiate(ctx, addr, item)
	if err != nil {
		e.logger.Debug("peer yielded no result",
			slog.String("addr", addr),
			slog.String("error", err.Error()),
		)
		return ""
	}
	// A peer whose own sub-computation failed reports Done with an empty
	// value; that resolves nothing and counts as nothing.
	if value == "" {
		e.logger.Debug("peer returned empty result", slog.String("addr", addr))
		return ""
	}
	e.metrics.recordDelegated(ctx)
	return value
}

func (e *Engine) waitBackoff(ctx context.Context, attempt int) {
	delay := e.bo.Delay(attempt)
	if delay <= 0 {
		return
	}
	e.logger.Debug("barren cycle, backing off",
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
	)
	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}
}
