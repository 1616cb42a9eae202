package heartbeat_test

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tehSIRius/dartminator/heartbeat"
)

// busyFlag is a minimal BusyState for tests.
type busyFlag struct {
	busy atomic.Bool
}

func (b *busyFlag) Busy() bool     { return b.busy.Load() }
func (b *busyFlag) SetBusy(v bool) { b.busy.Store(v) }

// startServer brings up a heartbeat server on an ephemeral loopback port.
func startServer(t *testing.T, computationID string, state heartbeat.BusyState, compute heartbeat.ComputeFunc) string {
	t.Helper()

	s := heartbeat.NewServer(computationID, state, compute,
		heartbeat.WithServerAddr("127.0.0.1:0"),
		heartbeat.WithBeatInterval(50*time.Millisecond),
	)
	if err := s.Start(); err != nil {
		t.Fatalf("server Start() error = %v", err)
	}
	t.Cleanup(s.Stop)

	return s.Addr().String()
}

func TestInitiate_ReturnsResult(t *testing.T) {
	state := &busyFlag{}
	addr := startServer(t, "primes", state, func(_ context.Context, item string) (string, error) {
		return "computed:" + item, nil
	})

	cl := heartbeat.NewClient("primes",
		heartbeat.WithCallTimeout(5*time.Second),
	)
	value, err := cl.Initiate(context.Background(), addr, "0-100")
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	if value != "computed:0-100" {
		t.Errorf("Initiate() = %q, want %q", value, "computed:0-100")
	}

	// The busy flag must be released after the call.
	deadline := time.Now().Add(time.Second)
	for state.Busy() {
		if time.Now().After(deadline) {
			t.Fatal("busy flag still set after call completed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestInitiate_StreamsProgressBeforeDone(t *testing.T) {
	state := &busyFlag{}
	addr := startServer(t, "primes", state, func(_ context.Context, item string) (string, error) {
		// Slow enough to guarantee a few InProgress beats at 50ms spacing.
		time.Sleep(300 * time.Millisecond)
		return "slow:" + item, nil
	})

	cl := heartbeat.NewClient("primes",
		heartbeat.WithCallTimeout(5*time.Second),
	)
	start := time.Now()
	value, err := cl.Initiate(context.Background(), addr, "0-100")
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	if value != "slow:0-100" {
		t.Errorf("Initiate() = %q, want %q", value, "slow:0-100")
	}
	if elapsed := time.Since(start); elapsed < 300*time.Millisecond {
		t.Errorf("call returned in %v, before the computation could finish", elapsed)
	}
}

func TestInitiate_BusyPeerIsTerminal(t *testing.T) {
	state := &busyFlag{}
	state.SetBusy(true)

	computeCalled := atomic.Bool{}
	addr := startServer(t, "primes", state, func(_ context.Context, item string) (string, error) {
		computeCalled.Store(true)
		return "should-not-run", nil
	})

	cl := heartbeat.NewClient("primes",
		heartbeat.WithCallTimeout(2*time.Second),
	)
	start := time.Now()
	_, err := cl.Initiate(context.Background(), addr, "0-100")
	if !errors.Is(err, heartbeat.ErrPeerBusy) {
		t.Fatalf("Initiate() error = %v, want ErrPeerBusy", err)
	}
	// Terminal means immediate: no beat interval waiting, no retry loop.
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("busy answer took %v, should be immediate", elapsed)
	}
	if computeCalled.Load() {
		t.Error("busy peer must not start the computation")
	}
}

func TestInitiate_ComputationMismatchFails(t *testing.T) {
	state := &busyFlag{}
	addr := startServer(t, "primes", state, func(_ context.Context, item string) (string, error) {
		return "x", nil
	})

	cl := heartbeat.NewClient("fractals",
		heartbeat.WithCallTimeout(2*time.Second),
	)
	if _, err := cl.Initiate(context.Background(), addr, "0-100"); err == nil {
		t.Fatal("Initiate() with mismatched computation should fail")
	}
	if state.Busy() {
		t.Error("mismatched call must not leave the node busy")
	}
}

func TestInitiate_DialFailure(t *testing.T) {
	// Bind and immediately close a port so nothing is listening there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	cl := heartbeat.NewClient("primes",
		heartbeat.WithDialTimeout(500*time.Millisecond),
	)
	if _, err := cl.Initiate(context.Background(), addr, "0-100"); err == nil {
		t.Fatal("Initiate() to a dead address should fail")
	}
}

func TestStop_NotBlockedByIdleConnection(t *testing.T) {
	state := &busyFlag{}
	s := heartbeat.NewServer("primes", state,
		func(_ context.Context, item string) (string, error) { return item, nil },
		heartbeat.WithServerAddr("127.0.0.1:0"),
	)
	if err := s.Start(); err != nil {
		t.Fatalf("server Start() error = %v", err)
	}

	// A connection that never speaks: dial raw TCP and send nothing.
	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("dial server: %v", err)
	}
	defer conn.Close()

	// Give the accept loop time to hand the connection to a handler.
	time.Sleep(100 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not return with an idle connection open")
	}
}

func TestServer_KeepsAcceptingAfterBadHandshake(t *testing.T) {
	state := &busyFlag{}
	addr := startServer(t, "primes", state, func(_ context.Context, item string) (string, error) {
		return "computed:" + item, nil
	})

	// A connection that talks garbage instead of a WebSocket handshake.
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial server: %v", err)
	}
	if _, err := conn.Write([]byte("definitely not http\r\n\r\n")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	conn.Close()

	// A well-formed call afterwards still succeeds.
	cl := heartbeat.NewClient("primes",
		heartbeat.WithCallTimeout(5*time.Second),
	)
	value, err := cl.Initiate(context.Background(), addr, "0-100")
	if err != nil {
		t.Fatalf("Initiate() after bad handshake error = %v", err)
	}
	if value != "computed:0-100" {
		t.Errorf("Initiate() = %q, want %q", value, "computed:0-100")
	}
}

func TestInitiate_FailedComputationYieldsEmptyValue(t *testing.T) {
	state := &busyFlag{}
	addr := startServer(t, "primes", state, func(_ context.Context, item string) (string, error) {
		return "", errors.New("boom")
	})

	cl := heartbeat.NewClient("primes",
		heartbeat.WithCallTimeout(2*time.Second),
	)
	value, err := cl.Initiate(context.Background(), addr, "0-100")
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	if value != "" {
		t.Errorf("Initiate() = %q, want empty value for failed computation", value)
	}
}
