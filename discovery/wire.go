// Package discovery implements the UDP broadcast protocol nodes use to find
// idle peers for one dispatch cycle. An inviter broadcasts a plaintext
// invitation naming itself and its active computation; every listening node
// with a different name and a matching computation replies directly to the
// inviter. The protocol is best-effort and scoped to a single broadcast
// domain.
package discovery

import (
	"errors"
	"fmt"
	"strings"
)

// Magic is the protocol marker every datagram starts with.
const Magic = "Dartminator"

const (
	namePrefix        = Magic + "-Name"
	computationMarker = "-Computation"
)

// ErrMalformed reports a datagram that does not follow the wire format.
// Malformed datagrams are logged and discarded, never fatal.
var ErrMalformed = errors.New("discovery: malformed datagram")

// Invitation is a parsed invitation broadcast.
type Invitation struct {
	// Sender is the display name of the inviting node.
	Sender string

	// Computation is the ID of the computation the inviter is running.
	Computation string
}

// FormatInvitation renders an invitation datagram:
//
//	Dartminator-Name<sender>-Computation<computationID>
func FormatInvitation(sender, computationID string) string {
	return fmt.Sprintf("%s%s%s%s", namePrefix, sender, computationMarker, computationID)
}

// ParseInvitation parses an invitation datagram. Sender names may contain
// dashes; the computation marker is matched from the end of the payload.
func ParseInvitation(payload string) (Invitation, error) {
	rest, ok := strings.CutPrefix(payload, namePrefix)
	if !ok {
		return Invitation{}, fmt.Errorf("%w: %q", ErrMalformed, payload)
	}
	i := strings.LastIndex(rest, computationMarker)
	if i < 0 {
		return Invitation{}, fmt.Errorf("%w: missing computation: %q", ErrMalformed, payload)
	}
	inv := Invitation{
		Sender:      rest[:i],
		Computation: rest[i+len(computationMarker):],
	}
	if inv.Sender == "" || inv.Computation == "" {
		return Invitation{}, fmt.Errorf("%w: empty field: %q", ErrMalformed, payload)
	}
	return inv, nil
}

// FormatReply renders a reply datagram:
//
//	Dartminator-Name<responder>
func FormatReply(responder string) string {
	return namePrefix + responder
}

// ParseReply parses a reply datagram and returns the responder's name.
func ParseReply(payload string) (string, error) {
	name, ok := strings.CutPrefix(payload, namePrefix)
	if !ok || name == "" || strings.Contains(name, computationMarker) {
		return "", fmt.Errorf("%w: %q", ErrMalformed, payload)
	}
	return name, nil
}
