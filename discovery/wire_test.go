package discovery_test

import (
	"errors"
	"testing"

	"github.com/tehSIRius/dartminator/discovery"
)

func TestFormatInvitation(t *testing.T) {
	got := discovery.FormatInvitation("alice", "primes")
	want := "Dartminator-Namealice-Computationprimes"
	if got != want {
		t.Errorf("FormatInvitation() = %q, want %q", got, want)
	}
}

func TestParseInvitation_RoundTrip(t *testing.T) {
	inv, err := discovery.ParseInvitation(discovery.FormatInvitation("alice", "primes"))
	if err != nil {
		t.Fatalf("ParseInvitation() error = %v", err)
	}
	if inv.Sender != "alice" {
		t.Errorf("Sender = %q, want %q", inv.Sender, "alice")
	}
	if inv.Computation != "primes" {
		t.Errorf("Computation = %q, want %q", inv.Computation, "primes")
	}
}

func TestParseInvitation_SenderWithDashes(t *testing.T) {
	// Node names routinely contain dashes (host-1a2b); the computation
	// marker must bind to the last occurrence.
	inv, err := discovery.ParseInvitation(discovery.FormatInvitation("host-1a2b", "primes"))
	if err != nil {
		t.Fatalf("ParseInvitation() error = %v", err)
	}
	if inv.Sender != "host-1a2b" {
		t.Errorf("Sender = %q, want %q", inv.Sender, "host-1a2b")
	}
	if inv.Computation != "primes" {
		t.Errorf("Computation = %q, want %q", inv.Computation, "primes")
	}
}

func TestParseInvitation_Malformed(t *testing.T) {
	payloads := []string{
		"",
		"garbage",
		"Dartminator-Namealice",              // no computation marker
		"Dartminator-Name-Computationprimes", // empty sender
		"Dartminator-Namealice-Computation",  // empty computation
		"dartminator-Namealice-Computationprimes", // wrong case
	}
	for _, payload := range payloads {
		if _, err := discovery.ParseInvitation(payload); !errors.Is(err, discovery.ErrMalformed) {
			t.Errorf("ParseInvitation(%q) error = %v, want ErrMalformed", payload, err)
		}
	}
}

func TestParseReply_RoundTrip(t *testing.T) {
	name, err := discovery.ParseReply(discovery.FormatReply("bob"))
	if err != nil {
		t.Fatalf("ParseReply() error = %v", err)
	}
	if name != "bob" {
		t.Errorf("ParseReply() = %q, want %q", name, "bob")
	}
}

func TestParseReply_Malformed(t *testing.T) {
	payloads := []string{
		"",
		"bob",
		"Dartminator-Name", // empty name
		"Dartminator-Namealice-Computationprimes", // an invitation is not a reply
	}
	for _, payload := range payloads {
		if _, err := discovery.ParseReply(payload); !errors.Is(err, discovery.ErrMalformed) {
			t.Errorf("ParseReply(%q) error = %v, want ErrMalformed", payload, err)
		}
	}
}
