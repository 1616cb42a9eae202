// Package heartbeat implements the streaming RPC the dispatch core uses to
// hand a work item to a peer and watch it being computed. One call is one
// WebSocket connection: the inviter writes a single initiate frame, then
// drains beat frames until a terminal one: Busy (the peer is already
// computing for someone else) or Done (carrying the result). InProgress
// beats in between keep the call alive.
package heartbeat

import "fmt"

// FrameType identifies the frame category.
type FrameType string

const (
	// FrameInitiate opens a call and carries the work item.
	FrameInitiate FrameType = "initiate"

	// FrameBeat carries one heartbeat from the computing peer.
	FrameBeat FrameType = "beat"
)

// Frame is the heartbeat protocol envelope. Every message exchanged over a
// call is a Frame.
type Frame struct {
	// Type categorizes the frame.
	Type FrameType `json:"type" msgpack:"type"`

	// Computation names the computation the item belongs to, so a peer
	// can reject items for a computation it is not running.
	Computation string `json:"computation,omitempty" msgpack:"computation,omitempty"`

	// Item is the work item being handed over (initiate frames only).
	Item string `json:"item,omitempty" msgpack:"item,omitempty"`

	// Beat is the heartbeat payload (beat frames only).
	Beat *Heartbeat `json:"beat,omitempty" msgpack:"beat,omitempty"`
}

// Heartbeat is the tagged union a computing peer streams back.
// Empty encodes Busy; otherwise Result distinguishes InProgress from Done.
type Heartbeat struct {
	Empty  bool   `json:"empty" msgpack:"empty"`
	Result Result `json:"result" msgpack:"result"`
}

// Result is the inner done/value pair of a heartbeat.
type Result struct {
	Done  bool   `json:"done" msgpack:"done"`
	Value string `json:"value,omitempty" msgpack:"value,omitempty"`
}

// Busy reports whether this beat means the peer declined the item.
func (h *Heartbeat) Busy() bool { return h.Empty }

// Done reports whether this beat is terminal and carries the result.
func (h *Heartbeat) Done() bool { return !h.Empty && h.Result.Done }

// NewInitiateFrame creates the opening frame of a call.
func NewInitiateFrame(computationID, item string) *Frame {
	return &Frame{Type: FrameInitiate, Computation: computationID, Item: item}
}

// NewBusyBeat creates the single beat a busy peer answers with.
func NewBusyBeat() *Frame {
	return &Frame{Type: FrameBeat, Beat: &Heartbeat{Empty: true}}
}

// NewProgressBeat creates a keep-alive beat.
func NewProgressBeat() *Frame {
	return &Frame{Type: FrameBeat, Beat: &Heartbeat{}}
}

// NewDoneBeat creates the terminal beat carrying the computed result.
func NewDoneBeat(value string) *Frame {
	return &Frame{Type: FrameBeat, Beat: &Heartbeat{Result: Result{Done: true, Value: value}}}
}

// Validate checks the structural invariants of a decoded frame.
func (f *Frame) Validate() error {
	switch f.Type {
	case FrameInitiate:
		if f.Item == "" {
			return fmt.Errorf("heartbeat: initiate frame without item")
		}
	case FrameBeat:
		if f.Beat == nil {
			return fmt.Errorf("heartbeat: beat frame without payload")
		}
	default:
		return fmt.Errorf("heartbeat: unknown frame type %q", f.Type)
	}
	return nil
}
