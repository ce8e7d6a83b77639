// Package index models the frame-offset index the offline indexer produces
// and sessions consume as a sidecar alongside each re-encoded video.
package index

import (
	"encoding/json"
	"fmt"
	"log"

	"hevcframe/internal/apperr"
)

// Entry is one frame's position and the byte offset of the keyframe needed
// to decode it. A frame is a keyframe iff Offset == IrapOffset.
type Entry struct {
	Offset     uint64 `json:"offset"`
	IrapOffset uint64 `json:"irap_offset"`
}

// IsKeyframe reports whether e is its own IRAP.
func (e Entry) IsKeyframe() bool {
	return e.Offset == e.IrapOffset
}

// Index is the ordered sequence of entries produced for one video.
type Index struct {
	VideoURL string  `json:"video_url"`
	Frames   []Entry `json:"frames"`
}

// sidecar mirrors the on-disk shape, additionally tolerating the legacy
// frame_count field some older sidecars still carry. frame_count is never
// written by this package; when present on read it is only used as a
// cross-check against len(Frames), logged as a mismatch, never trusted
// over the actual array length.
type sidecar struct {
	VideoURL   string  `json:"video_url"`
	Frames     []Entry `json:"frames"`
	FrameCount *int    `json:"frame_count,omitempty"`
}

// Decode parses sidecar JSON, tolerating both the current shape and the
// legacy shape that additionally carried a frame_count field.
func Decode(raw []byte) (*Index, error) {
	var sc sidecar
	if err := json.Unmarshal(raw, &sc); err != nil {
		return nil, apperr.New("index.Decode", apperr.Io, fmt.Errorf("parse sidecar: %w", err))
	}
	if sc.FrameCount != nil && *sc.FrameCount != len(sc.Frames) {
		log.Printf("[Index] sidecar frame_count %d does not match %d frames; using frames", *sc.FrameCount, len(sc.Frames))
	}
	return &Index{VideoURL: sc.VideoURL, Frames: sc.Frames}, nil
}

// Encode serializes idx in the current sidecar shape; frame_count is never
// written.
func Encode(idx *Index) ([]byte, error) {
	sc := sidecar{VideoURL: idx.VideoURL, Frames: idx.Frames}
	raw, err := json.Marshal(sc)
	if err != nil {
		return nil, apperr.New("index.Encode", apperr.Io, err)
	}
	return raw, nil
}

// PacketInfo is the minimal per-packet information the indexing algorithm
// needs: its byte position in the container and whether it starts a new
// IRAP. A negative Position is the sentinel for "unknown position" and the
// packet is skipped without emitting an entry or advancing the running
// IRAP offset.
type PacketInfo struct {
	Position   int64
	IsKeyframe bool
}

// Build runs the indexing algorithm over packets in stored order: track a
// running current_irap_offset, updated whenever a keyframe is seen, and
// emit {offset, irap_offset} for every packet with a known position.
// Packets before the first keyframe have no IRAP to decode from and are
// skipped, so the first entry is always a keyframe and an input with no
// keyframe yields an empty index.
func Build(videoURL string, packets []PacketInfo) *Index {
	idx := &Index{VideoURL: videoURL}
	var currentIrap uint64
	seenKeyframe := false
	for _, p := range packets {
		if p.Position < 0 {
			continue
		}
		offset := uint64(p.Position)
		if p.IsKeyframe {
			currentIrap = offset
			seenKeyframe = true
		}
		if !seenKeyframe {
			continue
		}
		idx.Frames = append(idx.Frames, Entry{Offset: offset, IrapOffset: currentIrap})
	}
	return idx
}

// Validate checks the two invariants a caller may rely on: keyframe
// identity is consistent with IrapOffset, and IRAP monotonicity — the
// sequence of IrapOffset values never decreases and each one equals some
// earlier entry's Offset (or its own, for the first keyframe).
func (idx *Index) Validate() error {
	seenOffsets := make(map[uint64]bool, len(idx.Frames))
	var lastIrap uint64
	for i, e := range idx.Frames {
		if e.Offset < e.IrapOffset {
			return fmt.Errorf("entry %d: offset %d < irap_offset %d", i, e.Offset, e.IrapOffset)
		}
		if i > 0 && e.IrapOffset < lastIrap {
			return fmt.Errorf("entry %d: irap_offset %d decreased from %d", i, e.IrapOffset, lastIrap)
		}
		if !e.IsKeyframe() && !seenOffsets[e.IrapOffset] {
			return fmt.Errorf("entry %d: irap_offset %d does not match any earlier entry's offset", i, e.IrapOffset)
		}
		seenOffsets[e.Offset] = true
		lastIrap = e.IrapOffset
	}
	return nil
}
