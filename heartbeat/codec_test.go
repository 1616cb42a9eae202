package heartbeat_test

import (
	"testing"

	"github.com/tehSIRius/dartminator/heartbeat"
)

func TestGetCodec(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"msgpack", heartbeat.CodecNameMsgpack},
		{"json", heartbeat.CodecNameJSON},
		{"", heartbeat.CodecNameMsgpack},
		{"unknown", heartbeat.CodecNameMsgpack},
	}
	for _, tt := range tests {
		if got := heartbeat.GetCodec(tt.name).Name(); got != tt.want {
			t.Errorf("GetCodec(%q).Name() = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestCodec_PreservesBeatSemantics(t *testing.T) {
	for _, codecName := range []string{heartbeat.CodecNameMsgpack, heartbeat.CodecNameJSON} {
		codec := heartbeat.GetCodec(codecName)

		frames := []struct {
			frame *heartbeat.Frame
			busy  bool
			done  bool
		}{
			{heartbeat.NewBusyBeat(), true, false},
			{heartbeat.NewProgressBeat(), false, false},
			{heartbeat.NewDoneBeat("42"), false, true},
		}
		for _, tt := range frames {
			data, err := codec.Encode(tt.frame)
			if err != nil {
				t.Fatalf("[%s] Encode() error = %v", codecName, err)
			}
			decoded, err := codec.Decode(data)
			if err != nil {
				t.Fatalf("[%s] Decode() error = %v", codecName, err)
			}
			if err := decoded.Validate(); err != nil {
				t.Fatalf("[%s] decoded frame invalid: %v", codecName, err)
			}
			if got := decoded.Beat.Busy(); got != tt.busy {
				t.Errorf("[%s] Busy() = %v, want %v", codecName, got, tt.busy)
			}
			if got := decoded.Beat.Done(); got != tt.done {
				t.Errorf("[%s] Done() = %v, want %v", codecName, got, tt.done)
			}
		}

		data, err := codec.Encode(heartbeat.NewDoneBeat("result-value"))
		if err != nil {
			t.Fatalf("[%s] Encode() error = %v", codecName, err)
		}
		decoded, err := codec.Decode(data)
		if err != nil {
			t.Fatalf("[%s] Decode() error = %v", codecName, err)
		}
		if got := decoded.Beat.Result.Value; got != "result-value" {
			t.Errorf("[%s] Result.Value = %q, want %q", codecName, got, "result-value")
		}
	}
}

func TestFrame_Validate(t *testing.T) {
	tests := []struct {
		name    string
		frame   *heartbeat.Frame
		wantErr bool
	}{
		{"initiate with item", heartbeat.NewInitiateFrame("primes", "0-100"), false},
		{"initiate without item", &heartbeat.Frame{Type: heartbeat.FrameInitiate}, true},
		{"beat with payload", heartbeat.NewProgressBeat(), false},
		{"beat without payload", &heartbeat.Frame{Type: heartbeat.FrameBeat}, true},
		{"unknown type", &heartbeat.Frame{Type: "bogus"}, true},
	}
	for _, tt := range tests {
		err := tt.frame.Validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: Validate() error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}
