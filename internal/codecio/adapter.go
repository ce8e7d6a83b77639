// Package codecio presents an in-memory byte buffer as the random-access
// stream the native demuxer reads from, so compressed video bytes already
// fetched from the object store never touch disk again.
package codecio

import (
	"fmt"
	"io"

	"github.com/asticode/go-astiav"

	"hevcframe/internal/apperr"
)

const ioBufferSize = 32 * 1024

// avSeekSize is libavformat's AVSEEK_SIZE whence value, used by the generic
// probing path to ask for the stream's total length without seeking. It is
// not one of Go's io.Seek* constants, so it's named here rather than
// guessed at as a library symbol.
const avSeekSize = 0x10000

// Adapter wraps a reference-counted byte buffer and a cursor behind the
// demuxer's custom I/O context. The buffer must outlive the Adapter, and
// the Adapter must outlive any FormatContext bound to it — Close releases
// the library-owned I/O context exactly once.
type Adapter struct {
	buf    []byte
	pos    int64
	ioCtx  *astiav.IOContext
	closed bool
}

// New builds an Adapter over buf. buf is not copied; the caller retains
// ownership and must keep it alive for the Adapter's lifetime.
func New(buf []byte) *Adapter {
	a := &Adapter{buf: buf}
	a.ioCtx = astiav.AllocIOContext(
		ioBufferSize,
		false, // read-only
		a.read,
		nil, // no write callback: this is a read-only stream
		a.seek,
	)
	return a
}

// IOContext returns the library I/O context to bind to a FormatContext via
// SetPb before OpenInput.
func (a *Adapter) IOContext() *astiav.IOContext {
	return a.ioCtx
}

// read implements astiav.IOContextReadFunc.
func (a *Adapter) read(b []byte) (int, error) {
	if a.pos >= int64(len(a.buf)) {
		return 0, io.EOF
	}
	n := copy(b, a.buf[a.pos:])
	a.pos += int64(n)
	return n, nil
}

// seek implements astiav.IOContextSeekFunc. whence is either one of Go's
// io.Seek* constants or avSeekSize, the library's size-query whence. A size
// query must answer with the total buffer length without moving the
// cursor — it is not an end-seek, and treating it as one would both answer
// with the wrong value relative to offset and corrupt a.pos for whatever
// read or seek follows.
func (a *Adapter) seek(offset int64, whence int) (int64, error) {
	if whence == avSeekSize {
		return a.Size(), nil
	}

	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = a.pos + offset
	case io.SeekEnd:
		newPos = int64(len(a.buf)) + offset
	default:
		return 0, apperr.New("codecio.seek", apperr.Io, fmt.Errorf("unknown whence %d", whence))
	}
	if newPos < 0 || newPos > int64(len(a.buf)) {
		return 0, apperr.New("codecio.seek", apperr.Io, fmt.Errorf("seek target %d out of [0, %d]", newPos, len(a.buf)))
	}
	a.pos = newPos
	return a.pos, nil
}

// Size returns the total buffer length, matching the size-query whence the
// demuxer issues before probing the container.
func (a *Adapter) Size() int64 {
	return int64(len(a.buf))
}

// Close releases the library-allocated I/O context scratch buffer exactly
// once. Calling it more than once is a no-op.
func (a *Adapter) Close() {
	if a.closed {
		return
	}
	a.closed = true
	if a.ioCtx != nil {
		a.ioCtx.Free()
	}
}
