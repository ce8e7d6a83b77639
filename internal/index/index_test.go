package index

import "testing"

func validIndex() *Index {
	return &Index{
		VideoURL: "fs:///tmp/a.h265",
		Frames: []Entry{
			{Offset: 48, IrapOffset: 48},
			{Offset: 200, IrapOffset: 48},
			{Offset: 512, IrapOffset: 512},
			{Offset: 700, IrapOffset: 512},
		},
	}
}

func TestIsKeyframe(t *testing.T) {
	if !(Entry{Offset: 48, IrapOffset: 48}).IsKeyframe() {
		t.Fatalf("expected keyframe when offset == irap_offset")
	}
	if (Entry{Offset: 200, IrapOffset: 48}).IsKeyframe() {
		t.Fatalf("expected non-keyframe when offset != irap_offset")
	}
}

func TestValidateAcceptsWellFormedIndex(t *testing.T) {
	if err := validIndex().Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejectsFirstEntryNotKeyframe(t *testing.T) {
	idx := &Index{Frames: []Entry{{Offset: 200, IrapOffset: 48}}}
	if err := idx.Validate(); err == nil {
		t.Fatalf("expected error for non-keyframe first entry")
	}
}

func TestValidateRejectsDecreasingIrap(t *testing.T) {
	idx := &Index{Frames: []Entry{
		{Offset: 512, IrapOffset: 512},
		{Offset: 520, IrapOffset: 48},
	}}
	if err := idx.Validate(); err == nil {
		t.Fatalf("expected error for decreasing irap_offset")
	}
}

func TestValidateRejectsOffsetBelowIrap(t *testing.T) {
	idx := &Index{Frames: []Entry{{Offset: 10, IrapOffset: 48}}}
	if err := idx.Validate(); err == nil {
		t.Fatalf("expected error for offset < irap_offset")
	}
}

func TestDecodeToleratesLegacyFrameCountField(t *testing.T) {
	raw := []byte(`{"video_url":"fs:///a.h265","frame_count":2,"frames":[{"offset":48,"irap_offset":48},{"offset":200,"irap_offset":48}]}`)
	idx, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(idx.Frames) != 2 {
		t.Fatalf("Frames = %d, want 2", len(idx.Frames))
	}
}

func TestBuildSkipsUnknownPositionPackets(t *testing.T) {
	idx := Build("fs:///a.h265", []PacketInfo{
		{Position: 0, IsKeyframe: true},
		{Position: -1, IsKeyframe: false},
		{Position: 100, IsKeyframe: false},
	})
	if len(idx.Frames) != 2 {
		t.Fatalf("Frames = %d, want 2 (negative position skipped)", len(idx.Frames))
	}
	if idx.Frames[1].Offset != 100 || idx.Frames[1].IrapOffset != 0 {
		t.Fatalf("unexpected second entry: %+v", idx.Frames[1])
	}
}

func TestBuildEmptyWhenNoKeyframe(t *testing.T) {
	idx := Build("fs:///a.h265", []PacketInfo{
		{Position: 0, IsKeyframe: false},
		{Position: 100, IsKeyframe: false},
	})
	if len(idx.Frames) != 0 {
		t.Fatalf("expected empty index when no packet is a keyframe, got %+v", idx.Frames)
	}
}

func TestBuildFirstEntryIsAlwaysKeyframe(t *testing.T) {
	idx := Build("fs:///a.h265", []PacketInfo{
		{Position: 48, IsKeyframe: true},
		{Position: 200, IsKeyframe: false},
		{Position: 512, IsKeyframe: true},
	})
	if !idx.Frames[0].IsKeyframe() {
		t.Fatalf("first entry must be a keyframe: %+v", idx.Frames[0])
	}
	if err := idx.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestEncodeNeverWritesFrameCount(t *testing.T) {
	raw, err := Encode(validIndex())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	for i := 0; i < len(raw)-len("frame_count"); i++ {
		if string(raw[i:i+len("frame_count")]) == "frame_count" {
			t.Fatalf("encoded sidecar must not contain frame_count: %s", raw)
		}
	}
}
