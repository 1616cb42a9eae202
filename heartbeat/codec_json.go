package heartbeat

import "encoding/json"

// JSONCodec encodes/decodes heartbeat frames as JSON. Useful for debugging
// a live node with plain WebSocket tooling.
type JSONCodec struct{}

func (c *JSONCodec) Encode(frame *Frame) ([]byte, error) {
	return json.Marshal(frame)
}

func (c *JSONCodec) Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (c *JSONCodec) Name() string { return CodecNameJSON }
