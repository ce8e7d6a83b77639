// Package session implements the per-connection state machine: Unbound,
// then Bound to a video once SetVideo succeeds, draining RequestFrames in
// strict FIFO order and replying with adjacent metadata/binary pairs.
package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn is the subset of *websocket.Conn the Transport drives, narrowed to
// an interface so tests can substitute an in-process fake instead of
// dialing a real socket.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Transport wraps one websocket connection with the write-ordering
// guarantee the protocol needs: a text message and the binary frame that
// must follow it are written back to back, with no other writer able to
// interleave a message between them. Grounded on the teacher's
// WebSocketConn, adapted from a single encode-then-write CBOR frame to a
// JSON text/binary pair under one lock.
type Transport struct {
	conn    wsConn
	writeMu sync.Mutex
	readMu  sync.Mutex
}

// NewTransport wraps an already-upgraded websocket connection.
func NewTransport(conn *websocket.Conn) *Transport {
	return &Transport{conn: conn}
}

// readRaw reads the next text frame and returns its raw bytes unparsed, so
// the caller can inspect the type discriminator before choosing a concrete
// type to unmarshal into. Ping/pong frames are handled by the gorilla
// library's defaults and never reach here.
func (t *Transport) readRaw() ([]byte, error) {
	t.readMu.Lock()
	defer t.readMu.Unlock()

	msgType, data, err := t.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}
	if msgType != websocket.TextMessage {
		return nil, fmt.Errorf("expected text message, got type %d", msgType)
	}
	return data, nil
}

// WriteJSON writes v as a single JSON text frame.
func (t *Transport) WriteJSON(v any) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.writeJSONLocked(v)
}

func (t *Transport) writeJSONLocked(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// WriteJSONThenBinary writes meta as a text frame immediately followed by
// payload as a binary frame, holding the write lock across both so no
// other reply can land between them.
func (t *Transport) WriteJSONThenBinary(meta any, payload []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.writeJSONLocked(meta); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.BinaryMessage, payload)
}

// Close sends a normal closure control frame and closes the connection.
func (t *Transport) Close() error {
	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = t.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
	return t.conn.Close()
}
