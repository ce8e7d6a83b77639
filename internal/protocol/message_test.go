package protocol

import (
	"encoding/json"
	"testing"
)

func TestParseEnvelopeExtractsType(t *testing.T) {
	raw := []byte(`{"type":"SetVideo","path":"fs:///tmp/a.mp4"}`)
	env, err := ParseEnvelope(raw)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if env.Type != TypeSetVideo {
		t.Errorf("Type = %q, want %q", env.Type, TypeSetVideo)
	}
}

func TestParseEnvelopeRejectsMalformedJSON(t *testing.T) {
	if _, err := ParseEnvelope([]byte(`not json`)); err == nil {
		t.Fatalf("expected error for malformed JSON")
	}
}

func TestSetVideoRoundTrip(t *testing.T) {
	msg := NewSetVideo("s3://bucket/video.mp4")
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out SetVideo
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out != msg {
		t.Errorf("round trip mismatch: got %+v, want %+v", out, msg)
	}
}

func TestRequestFramesRoundTrip(t *testing.T) {
	msg := NewRequestFrames([]FrameRequest{
		{Offset: 0, IrapOffset: 0, Index: 0},
		{Offset: 1024, IrapOffset: 48, Index: 1},
	})
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out RequestFrames
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(out.Frames) != 2 || out.Frames[1].Offset != 1024 || out.Frames[1].IrapOffset != 48 {
		t.Errorf("frames mismatch: %+v", out.Frames)
	}
}

func TestFrameErrorCarriesIndexOffsetAndMessage(t *testing.T) {
	msg := NewFrameError(7, 4096, "decode failed")
	raw, _ := json.Marshal(msg)

	env, err := ParseEnvelope(raw)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if env.Type != TypeFrameError {
		t.Errorf("Type = %q, want %q", env.Type, TypeFrameError)
	}

	var out FrameError
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.Index != 7 || out.Offset != 4096 || out.Error != "decode failed" {
		t.Errorf("unexpected decode: %+v", out)
	}
}

func TestFrameMessageRoundTrip(t *testing.T) {
	msg := NewFrame(3, 2048, 9000)
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out Frame
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out != msg {
		t.Errorf("round trip mismatch: got %+v, want %+v", out, msg)
	}
}
