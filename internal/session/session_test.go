package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"hevcframe/internal/apperr"
	"hevcframe/internal/decoder"
	"hevcframe/internal/protocol"
	"hevcframe/internal/workerpool"
)

// fakeConn is an in-process double for wsConn, queuing frames a test feeds
// in and recording everything written.
type fakeConn struct {
	mu      sync.Mutex
	inbox   [][2]any // [type, data]
	idx     int
	written [][2]any
	closed  bool
}

func (f *fakeConn) pushText(v any) {
	data, _ := json.Marshal(v)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbox = append(f.inbox, [2]any{websocket.TextMessage, data})
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.idx >= len(f.inbox) {
		return 0, nil, errors.New("fakeConn: no more messages")
	}
	m := f.inbox[f.idx]
	f.idx++
	return m[0].(int), m[1].([]byte), nil
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.written = append(f.written, [2]any{messageType, cp})
	return nil
}

func (f *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

type fakeStore struct {
	data map[string][]byte
}

func (s *fakeStore) FetchAll(_ context.Context, ref string) ([]byte, error) {
	b, ok := s.data[ref]
	if !ok {
		return nil, apperr.New("fakeStore.FetchAll", apperr.NotFound, fmt.Errorf("no such video %q", ref))
	}
	return b, nil
}

type fakeDecoder struct {
	failAt map[int64]error
}

func (d *fakeDecoder) DecodeAt(_ []byte, _, targetOffset int64) (*decoder.Frame, error) {
	if d.failAt != nil {
		if err, ok := d.failAt[targetOffset]; ok {
			return nil, err
		}
	}
	return &decoder.Frame{Width: 2, Height: 2, Y: []byte{0, 0, 0, 0}, U: []byte{0}, V: []byte{0}}, nil
}

func (d *fakeDecoder) Close() {}

type fakeEncoder struct{}

func (fakeEncoder) Encode(f *decoder.Frame) ([]byte, error) {
	return []byte{0xFF, 0xD8, 0x00}, nil
}

func (fakeEncoder) Close() {}

func newTestSession(st videoStore, dec frameDecoder) (*Session, *fakeConn) {
	conn := &fakeConn{}
	transport := &Transport{conn: conn}
	pool := workerpool.New(2)
	factory := func([]byte) (frameDecoder, error) { return dec, nil }
	s := newSession(transport, st, pool, fakeEncoder{}, factory)
	return s, conn
}

func TestRequestFramesBeforeBindProducesError(t *testing.T) {
	st := &fakeStore{data: map[string][]byte{}}
	s, conn := newTestSession(st, &fakeDecoder{})

	conn.pushText(protocol.NewRequestFrames([]protocol.FrameRequest{{Offset: 0, IrapOffset: 0, Index: 0}}))

	_ = s.Run(context.Background())

	if len(conn.written) != 1 {
		t.Fatalf("wrote %d messages, want 1", len(conn.written))
	}
	var errMsg protocol.ErrorMessage
	if err := json.Unmarshal(conn.written[0][1].([]byte), &errMsg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if errMsg.Type != protocol.TypeError {
		t.Fatalf("Type = %q, want Error", errMsg.Type)
	}
}

func TestSetVideoUnknownPathRepliesVideoSetFalse(t *testing.T) {
	st := &fakeStore{data: map[string][]byte{}}
	s, conn := newTestSession(st, &fakeDecoder{})

	conn.pushText(protocol.NewSetVideo("fs:///missing.h265"))

	_ = s.Run(context.Background())

	var vs protocol.VideoSet
	if err := json.Unmarshal(conn.written[0][1].([]byte), &vs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if vs.OK {
		t.Fatalf("expected ok=false for missing video")
	}
}

func TestSetVideoThenRequestFramesSucceeds(t *testing.T) {
	st := &fakeStore{data: map[string][]byte{"fs:///a.h265": []byte("fake-bytes")}}
	s, conn := newTestSession(st, &fakeDecoder{})

	conn.pushText(protocol.NewSetVideo("fs:///a.h265"))
	conn.pushText(protocol.NewRequestFrames([]protocol.FrameRequest{{Offset: 48, IrapOffset: 48, Index: 1}}))

	_ = s.Run(context.Background())

	if len(conn.written) != 3 {
		t.Fatalf("wrote %d messages, want 3 (VideoSet, Frame, binary)", len(conn.written))
	}

	var vs protocol.VideoSet
	_ = json.Unmarshal(conn.written[0][1].([]byte), &vs)
	if !vs.OK {
		t.Fatalf("expected ok=true")
	}

	if conn.written[1][0].(int) != websocket.TextMessage {
		t.Fatalf("expected text frame for Frame metadata")
	}
	var fm protocol.Frame
	_ = json.Unmarshal(conn.written[1][1].([]byte), &fm)
	if fm.Type != protocol.TypeFrame || fm.Index != 1 || fm.Offset != 48 {
		t.Fatalf("unexpected Frame metadata: %+v", fm)
	}

	if conn.written[2][0].(int) != websocket.BinaryMessage {
		t.Fatalf("expected binary frame to immediately follow Frame metadata")
	}
	binPayload := conn.written[2][1].([]byte)
	if int(fm.Size) != len(binPayload) {
		t.Fatalf("Size %d does not match binary payload length %d", fm.Size, len(binPayload))
	}
	if binPayload[0] != 0xFF || binPayload[1] != 0xD8 {
		t.Fatalf("binary payload does not start with JPEG SOI marker: %x", binPayload)
	}
}

func TestMixedBatchInterleavesFrameAndFrameErrorInOrder(t *testing.T) {
	st := &fakeStore{data: map[string][]byte{"fs:///a.h265": []byte("fake-bytes")}}
	dec := &fakeDecoder{failAt: map[int64]error{
		999: apperr.New("decode", apperr.TargetNotFound, errors.New("no frame at offset")),
	}}
	s, conn := newTestSession(st, dec)

	conn.pushText(protocol.NewSetVideo("fs:///a.h265"))
	conn.pushText(protocol.NewRequestFrames([]protocol.FrameRequest{
		{Offset: 48, IrapOffset: 48, Index: 0},
		{Offset: 200, IrapOffset: 48, Index: 1},
		{Offset: 999, IrapOffset: 48, Index: 2},
	}))

	_ = s.Run(context.Background())

	// VideoSet, then (Frame+binary) x2, then FrameError = 6 messages.
	if len(conn.written) != 6 {
		t.Fatalf("wrote %d messages, want 6", len(conn.written))
	}

	var fe protocol.FrameError
	if err := json.Unmarshal(conn.written[5][1].([]byte), &fe); err != nil {
		t.Fatalf("unmarshal FrameError: %v", err)
	}
	if fe.Type != protocol.TypeFrameError || fe.Index != 2 || fe.Offset != 999 {
		t.Fatalf("unexpected FrameError: %+v", fe)
	}
}

func TestUnknownMessageTypeRepliesErrorWithoutClosing(t *testing.T) {
	st := &fakeStore{data: map[string][]byte{}}
	s, conn := newTestSession(st, &fakeDecoder{})

	conn.pushText(map[string]string{"type": "Bogus"})

	_ = s.Run(context.Background())

	var errMsg protocol.ErrorMessage
	_ = json.Unmarshal(conn.written[0][1].([]byte), &errMsg)
	if errMsg.Type != protocol.TypeError {
		t.Fatalf("expected Error reply for unknown type, got %+v", errMsg)
	}
}

func TestMalformedJSONRepliesErrorWithParserMessage(t *testing.T) {
	st := &fakeStore{data: map[string][]byte{}}
	s, conn := newTestSession(st, &fakeDecoder{})

	conn.mu.Lock()
	conn.inbox = append(conn.inbox, [2]any{websocket.TextMessage, []byte("not json")})
	conn.mu.Unlock()

	_ = s.Run(context.Background())

	var errMsg protocol.ErrorMessage
	_ = json.Unmarshal(conn.written[0][1].([]byte), &errMsg)
	if errMsg.Type != protocol.TypeError {
		t.Fatalf("expected Error reply for malformed JSON")
	}
}
