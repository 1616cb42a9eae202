package heartbeat

// Codec defines the serialization contract for heartbeat frames.
type Codec interface {
	// Encode serializes a frame to bytes.
	Encode(frame *Frame) ([]byte, error)

	// Decode deserializes bytes into a frame.
	Decode(data []byte) (*Frame, error)

	// Name returns the codec identifier (e.g., "json", "msgpack").
	Name() string
}

// CodecName constants.
const (
	CodecNameJSON    = "json"
	CodecNameMsgpack = "msgpack"
)

// GetCodec returns a codec by name. Defaults to msgpack.
func GetCodec(name string) Codec {
	switch name {
	case CodecNameJSON:
		return &JSONCodec{}
	case CodecNameMsgpack, "":
		return &MsgpackCodec{}
	default:
		return &MsgpackCodec{}
	}
}
