// Package jpegenc turns a decoded planar 4:2:0 frame directly into a JPEG
// byte stream using the native MJPEG encoder, skipping any RGB
// color-conversion step since MJPEG consumes YUV420P natively.
package jpegenc

import (
	"errors"
	"fmt"

	"github.com/asticode/go-astiav"

	"hevcframe/internal/apperr"
	"hevcframe/internal/decoder"
)

const (
	minQuality = 1
	maxQuality = 100

	// minQscale/maxQscale mirror the corpus convention of treating 1-100
	// quality as an inverse mjpeg qscale: quality 100 -> qscale near 1
	// (best), quality 1 -> qscale near 31 (worst).
	minQscale = 1
	maxQscale = 31
)

// Encoder wraps one MJPEG codec context. It is not safe for concurrent use;
// the session controller keeps one Encoder per connection.
type Encoder struct {
	quality int
	ctx     *astiav.CodecContext
	frame   *astiav.Frame
	width   int
	height  int
}

// New builds an Encoder at the given quality (clamped to [1,100]).
func New(quality int) *Encoder {
	return &Encoder{quality: clampQuality(quality)}
}

func clampQuality(q int) int {
	if q < minQuality {
		return minQuality
	}
	if q > maxQuality {
		return maxQuality
	}
	return q
}

// SetQuality updates the target quality. Because mjpeg's global_quality
// cannot change on an already-open codec context, the next Encode call
// reopens it lazily.
func (e *Encoder) SetQuality(quality int) {
	q := clampQuality(quality)
	if q == e.quality {
		return
	}
	e.quality = q
	e.closeCodec()
}

func qualityToQscale(quality int) int {
	// Linear inverse map: 100 -> 1, 1 -> 31.
	span := maxQscale - minQscale
	return maxQscale - (quality-minQuality)*span/(maxQuality-minQuality)
}

func (e *Encoder) closeCodec() {
	if e.frame != nil {
		e.frame.Free()
		e.frame = nil
	}
	if e.ctx != nil {
		e.ctx.Free()
		e.ctx = nil
	}
	e.width, e.height = 0, 0
}

// Close releases the codec context and scratch frame.
func (e *Encoder) Close() {
	e.closeCodec()
}

func (e *Encoder) open(width, height int) error {
	enc := astiav.FindEncoder(astiav.CodecIDMjpeg)
	if enc == nil {
		return errors.New("FindEncoder: mjpeg encoder not registered")
	}
	ctx := astiav.AllocCodecContext(enc)
	if ctx == nil {
		return errors.New("AllocCodecContext returned nil")
	}

	ctx.SetWidth(width)
	ctx.SetHeight(height)
	ctx.SetPixelFormat(astiav.PixelFormatYuvj420P)
	ctx.SetTimeBase(astiav.NewRational(1, 25))
	ctx.SetFlags(ctx.Flags().Add(astiav.CodecContextFlagQscale))
	// global_quality is expressed in FF_QP2LAMBDA units (118 per qp step),
	// the scale libavcodec's qscale-mode encoders expect.
	const ffQp2Lambda = 118
	ctx.SetGlobalQuality(qualityToQscale(e.quality) * ffQp2Lambda)

	if err := ctx.Open(enc, nil); err != nil {
		ctx.Free()
		return fmt.Errorf("Open mjpeg codec: %w", err)
	}

	frame := astiav.AllocFrame()
	frame.SetWidth(width)
	frame.SetHeight(height)
	frame.SetPixelFormat(astiav.PixelFormatYuvj420P)
	if err := frame.AllocBuffer(1); err != nil {
		frame.Free()
		ctx.Free()
		return fmt.Errorf("frame.AllocBuffer: %w", err)
	}

	e.ctx = ctx
	e.frame = frame
	e.width, e.height = width, height
	return nil
}

// Encode compresses f to a JPEG byte stream. The returned slice starts with
// the standard JFIF SOI marker (0xFFD8).
func (e *Encoder) Encode(f *decoder.Frame) ([]byte, error) {
	if e.ctx == nil || f.Width != e.width || f.Height != e.height {
		e.closeCodec()
		if err := e.open(f.Width, f.Height); err != nil {
			return nil, apperr.New("jpegenc.Encode", apperr.EncodeFailed, err)
		}
	}

	if err := fillPlanes(e.frame, f); err != nil {
		return nil, apperr.New("jpegenc.Encode", apperr.EncodeFailed, err)
	}

	if err := e.ctx.SendFrame(e.frame); err != nil {
		return nil, apperr.New("jpegenc.Encode", apperr.EncodeFailed, fmt.Errorf("SendFrame: %w", err))
	}

	pkt := astiav.AllocPacket()
	defer pkt.Free()

	if err := e.ctx.ReceivePacket(pkt); err != nil {
		return nil, apperr.New("jpegenc.Encode", apperr.EncodeFailed, fmt.Errorf("ReceivePacket: %w", err))
	}

	data, err := pkt.Data()
	if err != nil {
		return nil, apperr.New("jpegenc.Encode", apperr.EncodeFailed, fmt.Errorf("packet Data: %w", err))
	}

	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func fillPlanes(dst *astiav.Frame, src *decoder.Frame) error {
	ls := dst.Linesize()
	if err := writePlane(dst, 0, src.Y, src.Width, src.Height, ls[0]); err != nil {
		return fmt.Errorf("write Y plane: %w", err)
	}
	cw, ch := (src.Width+1)/2, (src.Height+1)/2
	if err := writePlane(dst, 1, src.U, cw, ch, ls[1]); err != nil {
		return fmt.Errorf("write U plane: %w", err)
	}
	if err := writePlane(dst, 2, src.V, cw, ch, ls[2]); err != nil {
		return fmt.Errorf("write V plane: %w", err)
	}
	return nil
}

func writePlane(dst *astiav.Frame, plane int, src []byte, width, height, stride int) error {
	raw, err := dst.Data().Bytes(plane)
	if err != nil {
		return err
	}
	for row := 0; row < height; row++ {
		copy(raw[row*stride:row*stride+width], src[row*width:(row+1)*width])
	}
	return nil
}
