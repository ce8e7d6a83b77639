package decoder

import (
	"fmt"

	"github.com/asticode/go-astiav"
)

// scaleCache reuses a SoftwareScaleContext across calls as long as the
// source geometry doesn't change, which is the common case for a single
// video's frames.
type scaleCache struct {
	ssc        *astiav.SoftwareScaleContext
	dst        *astiav.Frame
	srcW, srcH int
	srcFmt     astiav.PixelFormat
}

func newScaleCache() *scaleCache {
	return &scaleCache{}
}

func (c *scaleCache) close() {
	if c.dst != nil {
		c.dst.Free()
		c.dst = nil
	}
	if c.ssc != nil {
		c.ssc.Free()
		c.ssc = nil
	}
}

func (c *scaleCache) ensure(src *astiav.Frame) error {
	w, h, pf := src.Width(), src.Height(), src.PixelFormat()
	if c.ssc != nil && w == c.srcW && h == c.srcH && pf == c.srcFmt {
		return nil
	}

	c.close()

	ssc, err := astiav.CreateSoftwareScaleContext(
		w, h, pf,
		w, h, astiav.PixelFormatYuv420P,
		astiav.NewSoftwareScaleContextFlags(),
	)
	if err != nil {
		return fmt.Errorf("CreateSoftwareScaleContext(%dx%d %s -> yuv420p): %w", w, h, pf, err)
	}

	dst := astiav.AllocFrame()
	dst.SetWidth(w)
	dst.SetHeight(h)
	dst.SetPixelFormat(astiav.PixelFormatYuv420P)
	if err := dst.AllocBuffer(1); err != nil {
		dst.Free()
		ssc.Free()
		return fmt.Errorf("dst.AllocBuffer: %w", err)
	}

	c.ssc = ssc
	c.dst = dst
	c.srcW, c.srcH, c.srcFmt = w, h, pf
	return nil
}

// toYUV420P converts src into normalized planar 4:2:0 and copies each plane
// into its own tightly packed Go slice.
func (c *scaleCache) toYUV420P(src *astiav.Frame) (*Frame, error) {
	if src.PixelFormat() == astiav.PixelFormatYuv420P {
		return copyPlanes(src)
	}

	if err := c.ensure(src); err != nil {
		return nil, err
	}
	if err := c.ssc.ScaleFrame(src, c.dst); err != nil {
		return nil, fmt.Errorf("ScaleFrame: %w", err)
	}
	return copyPlanes(c.dst)
}

// copyPlanes strips linesize padding, yielding a Frame whose Y/U/V slices
// are exactly width*height and ((width+1)/2)*((height+1)/2) bytes
// respectively.
func copyPlanes(f *astiav.Frame) (*Frame, error) {
	w, h := f.Width(), f.Height()
	ls := f.Linesize()
	cw, ch := (w+1)/2, (h+1)/2

	y, err := packPlane(f, 0, w, h, ls[0])
	if err != nil {
		return nil, fmt.Errorf("pack Y plane: %w", err)
	}
	u, err := packPlane(f, 1, cw, ch, ls[1])
	if err != nil {
		return nil, fmt.Errorf("pack U plane: %w", err)
	}
	v, err := packPlane(f, 2, cw, ch, ls[2])
	if err != nil {
		return nil, fmt.Errorf("pack V plane: %w", err)
	}

	return &Frame{
		Width: w, Height: h,
		Y: y, U: u, V: v,
		YStride: w, CStride: cw,
	}, nil
}

func packPlane(f *astiav.Frame, plane, width, height, stride int) ([]byte, error) {
	raw, err := f.Data().Bytes(plane)
	if err != nil {
		return nil, err
	}
	out := make([]byte, width*height)
	for row := 0; row < height; row++ {
		src := raw[row*stride : row*stride+width]
		copy(out[row*width:(row+1)*width], src)
	}
	return out, nil
}
