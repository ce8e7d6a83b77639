package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"

	"hevcframe/internal/apperr"
	"hevcframe/internal/decoder"
	"hevcframe/internal/jpegenc"
	"hevcframe/internal/protocol"
	"hevcframe/internal/workerpool"
)

// videoStore is the subset of store.Store a session needs: fetching the
// whole video once per SetVideo. Narrowed to an interface so tests can
// substitute an in-memory double instead of standing up a real backend.
type videoStore interface {
	FetchAll(ctx context.Context, ref string) ([]byte, error)
}

// frameDecoder is the subset of decoder.Decoder a session drives.
// Narrowed to an interface for the same reason as videoStore: the real
// implementation needs a native H.265 bitstream, which a unit test can't
// conjure, so session logic is tested against a fake that returns
// synthetic planar frames instead.
type frameDecoder interface {
	DecodeAt(buf []byte, irapOffset, targetOffset int64) (*decoder.Frame, error)
	Close()
}

// frameEncoder is the subset of jpegenc.Encoder a session drives.
type frameEncoder interface {
	Encode(f *decoder.Frame) ([]byte, error)
	Close()
}

// decoderFactory builds a frameDecoder over freshly fetched video bytes.
// Session.New takes this instead of calling decoder.New directly so tests
// can inject a fake.
type decoderFactory func(buf []byte) (frameDecoder, error)

// DefaultDecoderFactory wraps decoder.New to satisfy decoderFactory.
func DefaultDecoderFactory(buf []byte) (frameDecoder, error) {
	return decoder.New(buf)
}

func unmarshalStrict(raw []byte, v any) error {
	return json.Unmarshal(raw, v)
}

type state int

const (
	stateUnbound state = iota
	stateBound
)

// Session owns one connection's state machine: Unbound until a successful
// SetVideo moves it to Bound(video). The encoder is built immediately on
// connection open; the decoder is deferred until a video is bound, and
// rebuilt whenever SetVideo replaces the binding.
type Session struct {
	id         string
	transport  *Transport
	store      videoStore
	pool       *workerpool.Pool
	newDecoder decoderFactory

	encoder frameEncoder

	state      state
	videoPath  string
	videoBytes []byte
	dec        frameDecoder
}

// New builds a Session for one freshly upgraded connection using the real
// decoder and JPEG encoder. Each session gets a UUID purely for log
// correlation, the same role node/server IDs play in the teacher's logs.
func New(transport *Transport, st videoStore, pool *workerpool.Pool, jpegQuality int) *Session {
	return newSession(transport, st, pool, jpegenc.New(jpegQuality), DefaultDecoderFactory)
}

func newSession(transport *Transport, st videoStore, pool *workerpool.Pool, enc frameEncoder, newDecoder decoderFactory) *Session {
	return &Session{
		id:         uuid.New().String(),
		transport:  transport,
		store:      st,
		pool:       pool,
		encoder:    enc,
		newDecoder: newDecoder,
		state:      stateUnbound,
	}
}

// Close releases the session's decoder and encoder. Call on transport
// close or unrecoverable send error.
func (s *Session) Close() {
	if s.dec != nil {
		s.dec.Close()
		s.dec = nil
	}
	if s.encoder != nil {
		s.encoder.Close()
	}
}

// Run reads inbound messages until the transport closes or a read fails,
// dispatching each to its handler. Per-frame errors never terminate the
// session; only a transport-level read/write failure does.
func (s *Session) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		raw, err := s.transport.readRaw()
		if err != nil {
			return err
		}

		if err := s.handleMessage(ctx, raw); err != nil {
			return err
		}
	}
}

func (s *Session) handleMessage(ctx context.Context, raw []byte) error {
	env, err := protocol.ParseEnvelope(raw)
	if err != nil {
		return s.transport.WriteJSON(protocol.NewError(fmt.Sprintf("malformed JSON: %v", err)))
	}

	switch env.Type {
	case protocol.TypeSetVideo:
		return s.handleSetVideo(ctx, raw)
	case protocol.TypeRequestFrames:
		return s.handleRequestFrames(ctx, raw)
	default:
		return s.transport.WriteJSON(protocol.NewError(fmt.Sprintf("unknown message type %q", env.Type)))
	}
}

func (s *Session) handleSetVideo(ctx context.Context, raw []byte) error {
	var msg protocol.SetVideo
	if err := unmarshalStrict(raw, &msg); err != nil {
		return s.transport.WriteJSON(protocol.NewError(fmt.Sprintf("malformed SetVideo: %v", err)))
	}

	bytes, err := s.store.FetchAll(ctx, msg.Path)
	if err != nil {
		s.unbind()
		return s.transport.WriteJSON(protocol.NewVideoSet(msg.Path, false))
	}

	dec, err := s.newDecoder(bytes)
	if err != nil {
		log.Printf("[session %s] decoder open for %s: %v", s.id, msg.Path, err)
		s.unbind()
		return s.transport.WriteJSON(protocol.NewVideoSet(msg.Path, false))
	}

	// A second SetVideo replaces the prior binding; any frame requests
	// still queued for the old video are implicitly discarded since
	// handleRequestFrames processes one RequestFrames message at a time
	// and this call only returns once the new binding is in place.
	if s.dec != nil {
		s.dec.Close()
	}
	s.dec = dec
	s.videoPath = msg.Path
	s.videoBytes = bytes
	s.state = stateBound

	return s.transport.WriteJSON(protocol.NewVideoSet(msg.Path, true))
}

func (s *Session) unbind() {
	if s.dec != nil {
		s.dec.Close()
		s.dec = nil
	}
	s.state = stateUnbound
}

func (s *Session) handleRequestFrames(ctx context.Context, raw []byte) error {
	if s.state != stateBound {
		return s.transport.WriteJSON(protocol.NewError("No video set"))
	}

	var msg protocol.RequestFrames
	if err := unmarshalStrict(raw, &msg); err != nil {
		return s.transport.WriteJSON(protocol.NewError(fmt.Sprintf("malformed RequestFrames: %v", err)))
	}

	for _, req := range msg.Frames {
		if err := s.drainOne(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// drainOne decodes and encodes one request on the worker pool, blocking
// until it completes, then writes the adjacent metadata/binary reply (or a
// FrameError) before returning to the caller so the next request in the
// FIFO is processed in order.
func (s *Session) drainOne(ctx context.Context, req protocol.FrameRequest) error {
	type result struct {
		jpeg []byte
		err  error
	}
	done := make(chan result, 1)

	dec, enc, videoBytes := s.dec, s.encoder, s.videoBytes
	submitted := s.pool.Submit(func() {
		frame, err := dec.DecodeAt(videoBytes, int64(req.IrapOffset), int64(req.Offset))
		if err != nil {
			done <- result{err: err}
			return
		}
		jpeg, err := enc.Encode(frame)
		done <- result{jpeg: jpeg, err: err}
	})
	if !submitted {
		return s.transport.WriteJSON(protocol.NewFrameError(req.Index, req.Offset, "server shutting down"))
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-done:
		if r.err != nil {
			return s.transport.WriteJSON(protocol.NewFrameError(req.Index, req.Offset, describeErr(r.err)))
		}
		meta := protocol.NewFrame(req.Index, req.Offset, uint32(len(r.jpeg)))
		return s.transport.WriteJSONThenBinary(meta, r.jpeg)
	}
}

func describeErr(err error) string {
	if ae, ok := err.(*apperr.Error); ok {
		return fmt.Sprintf("%s: %v", ae.Kind, ae.Err)
	}
	return err.Error()
}
