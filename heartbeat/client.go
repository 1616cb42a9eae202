package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ErrPeerBusy reports that the addressed peer answered with a Busy beat.
// The caller records no result and moves on; the peer stays eligible for
// rediscovery in a later cycle.
var ErrPeerBusy = errors.New("heartbeat: peer is busy")

// Client opens heartbeat calls to peers. One Initiate is one connection:
// dial, hand over the item, drain beats until a terminal one. Any failure
// (dial, timeout, stream error, Busy) surfaces as an error the dispatch
// loop swallows into "slot stays empty".
type Client struct {
	computationID string
	codec         Codec
	dialTimeout   time.Duration
	callTimeout   time.Duration
	logger        *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientCodec sets the frame codec (default msgpack).
func WithClientCodec(c Codec) ClientOption {
	return func(cl *Client) { cl.codec = c }
}

// WithDialTimeout bounds connection establishment.
func WithDialTimeout(d time.Duration) ClientOption {
	return func(cl *Client) { cl.dialTimeout = d }
}

// WithCallTimeout bounds the whole call, InProgress beats included.
func WithCallTimeout(d time.Duration) ClientOption {
	return func(cl *Client) { cl.callTimeout = d }
}

// WithClientLogger sets the structured logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(cl *Client) { cl.logger = l }
}

// NewClient creates a heartbeat client for the given computation.
func NewClient(computationID string, opts ...ClientOption) *Client {
	cl := &Client{
		computationID: computationID,
		codec:         &MsgpackCodec{},
		dialTimeout:   2 * time.Second,
		callTimeout:   2 * time.Minute,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(cl)
	}
	return cl
}

// Initiate hands one work item to the peer at addr (host:port) and waits
// for its result. InProgress beats reset nothing: the call as a whole is
// bounded by the call timeout. The connection is closed on every exit path.
func (cl *Client) Initiate(ctx context.Context, addr, item string) (string, error) {
	dialer := ws.Dialer{Timeout: cl.dialTimeout}
	conn, _, _, err := dialer.Dial(ctx, "ws://"+addr)
	if err != nil {
		return "", fmt.Errorf("heartbeat: dial %q: %w", addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(cl.callTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return "", fmt.Errorf("heartbeat: set call deadline: %w", err)
	}

	if err := cl.writeFrame(conn, NewInitiateFrame(cl.computationID, item)); err != nil {
		return "", fmt.Errorf("heartbeat: write initiate to %q: %w", addr, err)
	}

	for {
		data, _, readErr := wsutil.ReadServerData(conn)
		if readErr != nil {
			return "", fmt.Errorf("heartbeat: read beat from %q: %w", addr, readErr)
		}

		frame, decErr := cl.codec.Decode(data)
		if decErr != nil {
			return "", fmt.Errorf("heartbeat: decode beat from %q: %w", addr, decErr)
		}
		if frame.Type != FrameBeat || frame.Beat == nil {
			return "", fmt.Errorf("heartbeat: unexpected frame %q from %q", frame.Type, addr)
		}

		beat := frame.Beat
		switch {
		case beat.Busy():
			return "", ErrPeerBusy
		case beat.Done():
			return beat.Result.Value, nil
		default:
			cl.logger.Debug("peer in progress", slog.String("addr", addr))
		}
	}
}

func (cl *Client) writeFrame(conn net.Conn, frame *Frame) error {
	data, err := cl.codec.Encode(frame)
	if err != nil {
		return err
	}
	if cl.codec.Name() == CodecNameJSON {
		return wsutil.WriteClientText(conn, data)
	}
	return wsutil.WriteClientBinary(conn, data)
}
