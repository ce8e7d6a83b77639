// Package decoder opens an in-memory H.265 container, seeks to the nearest
// keyframe at or before a caller-supplied byte offset and decodes forward
// until it reaches the frame whose position matches the requested target
// offset, handing back a planar YUV420P image.
package decoder

import (
	"errors"
	"fmt"
	"io"

	"github.com/asticode/go-astiav"

	"hevcframe/internal/apperr"
	"hevcframe/internal/codec"
	"hevcframe/internal/codecio"
)

// Frame is a decoded image in planar 4:2:0 layout. Each plane is a
// contiguous, tightly packed copy — no stride padding — so callers can feed
// it straight to an encoder without touching the underlying astiav frame.
type Frame struct {
	Width, Height int
	Y, U, V       []byte
	YStride       int
	CStride       int
}

// Decoder holds the per-video container state that stays valid across many
// decode calls against the same underlying byte buffer: track index, time
// base, the persistent decoder context (opened once, flushed between
// seeks, never recreated), and the cached scaler used to normalize to
// YUV420P.
type Decoder struct {
	videoStreamIndex int
	timeBase         astiav.Rational
	vctx             *astiav.CodecContext
	scaler           *scaleCache
}

// New inspects buf just enough to confirm it carries an H.265 video stream,
// records the stream index and time base for later seeks, and opens the
// H.265 decoder context once. Opening a decoder costs tens of milliseconds;
// that cost is paid exactly once here and amortized across every later
// DecodeAt call via FlushBuffers, never by reopening the codec context.
//
// Only the demuxer/FormatContext used to probe the container is closed
// before New returns — each DecodeAt call reopens its own FormatContext
// since byte-mode seeks on a shared demuxer are not safe to interleave with
// concurrent requests against the same buffer, but the decoder context
// itself carries no such restriction and is kept open for the Decoder's
// lifetime.
func New(buf []byte) (*Decoder, error) {
	codec.Init()

	adapter := codecio.New(buf)
	defer adapter.Close()

	fc := astiav.AllocFormatContext()
	if fc == nil {
		return nil, apperr.New("decoder.New", apperr.DecodeFailed, errors.New("AllocFormatContext returned nil"))
	}
	defer fc.Free()

	fc.SetPb(adapter.IOContext())

	if err := fc.OpenInput("", nil, nil); err != nil {
		return nil, apperr.New("decoder.New", apperr.DecodeFailed, fmt.Errorf("OpenInput: %w", err))
	}
	defer fc.CloseInput()

	if err := fc.FindStreamInfo(nil); err != nil {
		return nil, apperr.New("decoder.New", apperr.DecodeFailed, fmt.Errorf("FindStreamInfo: %w", err))
	}

	streamIndex := -1
	for i, s := range fc.Streams() {
		if s.CodecParameters().MediaType() == astiav.MediaTypeVideo {
			streamIndex = i
			break
		}
	}
	if streamIndex < 0 {
		return nil, apperr.New("decoder.New", apperr.NoVideoStream, errors.New("no video stream in container"))
	}

	stream := fc.Streams()[streamIndex]
	if stream.CodecParameters().CodecID() != astiav.CodecIDHevc {
		return nil, apperr.New("decoder.New", apperr.NoVideoStream, fmt.Errorf("video stream is %s, want hevc", stream.CodecParameters().CodecID()))
	}

	vdec := astiav.FindDecoder(stream.CodecParameters().CodecID())
	if vdec == nil {
		return nil, apperr.New("decoder.New", apperr.DecodeFailed, errors.New("FindDecoder: no hevc decoder registered"))
	}
	vctx := astiav.AllocCodecContext(vdec)
	if vctx == nil {
		return nil, apperr.New("decoder.New", apperr.DecodeFailed, errors.New("AllocCodecContext returned nil"))
	}
	if err := stream.CodecParameters().ToCodecContext(vctx); err != nil {
		vctx.Free()
		return nil, apperr.New("decoder.New", apperr.DecodeFailed, fmt.Errorf("ToCodecContext: %w", err))
	}
	if err := vctx.Open(vdec, nil); err != nil {
		vctx.Free()
		return nil, apperr.New("decoder.New", apperr.DecodeFailed, fmt.Errorf("Open codec: %w", err))
	}

	return &Decoder{
		videoStreamIndex: streamIndex,
		timeBase:         stream.TimeBase(),
		vctx:             vctx,
		scaler:           newScaleCache(),
	}, nil
}

// Close releases resources held for the Decoder's lifetime: the persistent
// decoder context and the cached scaler.
func (d *Decoder) Close() {
	d.vctx.Free()
	d.scaler.close()
}

// DecodeAt opens a fresh view of buf, seeks in byte mode to irapOffset (the
// keyframe known to cover targetOffset), flushes the decoder, and decodes
// forward packet by packet until it produces the frame whose container
// position is at or past targetOffset. That frame is returned as planar
// YUV420P.
//
// irapOffset of 0 (or any seek failure) falls back to decoding from the
// start of the container, since offset 0 is always a valid seek target for
// a well-formed stream.
func (d *Decoder) DecodeAt(buf []byte, irapOffset, targetOffset int64) (*Frame, error) {
	adapter := codecio.New(buf)
	defer adapter.Close()

	fc := astiav.AllocFormatContext()
	if fc == nil {
		return nil, apperr.New("decoder.DecodeAt", apperr.DecodeFailed, errors.New("AllocFormatContext returned nil"))
	}
	defer fc.Free()

	fc.SetPb(adapter.IOContext())

	if err := fc.OpenInput("", nil, nil); err != nil {
		return nil, apperr.New("decoder.DecodeAt", apperr.DecodeFailed, fmt.Errorf("OpenInput: %w", err))
	}
	defer fc.CloseInput()

	if err := fc.FindStreamInfo(nil); err != nil {
		return nil, apperr.New("decoder.DecodeAt", apperr.DecodeFailed, fmt.Errorf("FindStreamInfo: %w", err))
	}

	seekTo := irapOffset
	if err := fc.SeekFrame(d.videoStreamIndex, seekTo, astiav.NewSeekFlags(astiav.SeekFlagByte)); err != nil {
		if seekTo != 0 {
			if err2 := fc.SeekFrame(d.videoStreamIndex, 0, astiav.NewSeekFlags(astiav.SeekFlagByte)); err2 != nil {
				return nil, apperr.New("decoder.DecodeAt", apperr.DecodeFailed, fmt.Errorf("seek to %d failed (%v), fallback to 0 also failed: %w", seekTo, err, err2))
			}
		} else {
			return nil, apperr.New("decoder.DecodeAt", apperr.DecodeFailed, fmt.Errorf("seek to 0 failed: %w", err))
		}
	}

	// The demuxer is reopened per call since byte-mode seeks are single-shot
	// per FormatContext; the decoder context survives across calls and is
	// only flushed, never recreated, so each seek pays no decoder-open cost.
	vctx := d.vctx
	vctx.FlushBuffers()

	pkt := astiav.AllocPacket()
	defer pkt.Free()
	raw := astiav.AllocFrame()
	defer raw.Free()

	for {
		readErr := fc.ReadFrame(pkt)
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return nil, apperr.New("decoder.DecodeAt", apperr.DecodeFailed, fmt.Errorf("ReadFrame: %w", readErr))
		}
		if pkt.StreamIndex() != d.videoStreamIndex {
			pkt.Unref()
			continue
		}

		pktPos := pkt.Pos()

		if err := vctx.SendPacket(pkt); err != nil && !errors.Is(err, astiav.ErrEagain) {
			pkt.Unref()
			return nil, apperr.New("decoder.DecodeAt", apperr.DecodeFailed, fmt.Errorf("SendPacket: %w", err))
		}
		pkt.Unref()

		for {
			err := vctx.ReceiveFrame(raw)
			if errors.Is(err, astiav.ErrEagain) || errors.Is(err, astiav.ErrEof) {
				break
			}
			if err != nil {
				return nil, apperr.New("decoder.DecodeAt", apperr.DecodeFailed, fmt.Errorf("ReceiveFrame: %w", err))
			}

			if pktPos >= 0 && pktPos >= targetOffset {
				frame, convErr := d.scaler.toYUV420P(raw)
				raw.Unref()
				if convErr != nil {
					return nil, apperr.New("decoder.DecodeAt", apperr.DecodeFailed, convErr)
				}
				return frame, nil
			}
			raw.Unref()
		}
	}

	return nil, apperr.New("decoder.DecodeAt", apperr.TargetNotFound, fmt.Errorf("no frame at or past offset %d", targetOffset))
}
