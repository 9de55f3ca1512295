package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Time allowed to write a message to the peer.
const writeWait = 10 * time.Second

// wsConn serializes all writes to one WebSocket. Control frames, JSON
// frames and upstream binary data are written from different goroutines;
// the mutex keeps them totally ordered per connection.
type wsConn struct {
	c  *websocket.Conn
	mu sync.Mutex
}

func newWSConn(c *websocket.Conn) *wsConn {
	return &wsConn{c: c}
}

func (w *wsConn) WriteText(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.c.SetWriteDeadline(time.Now().Add(writeWait))
	return w.c.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) WriteBinary(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.c.SetWriteDeadline(time.Now().Add(writeWait))
	return w.c.WriteMessage(websocket.BinaryMessage, data)
}

func (w *wsConn) WriteClose(code int, reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	deadline := time.Now().Add(writeWait)
	return w.c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}

// Ping bypasses the frame mutex; gorilla allows WriteControl concurrently
// with other writes.
func (w *wsConn) Ping() error {
	return w.c.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait))
}

func (w *wsConn) Close() error {
	return w.c.Close()
}

// binaryWriter adapts the connection to the io.Writer the exec bridge
// writes merged stdout/stderr into. Write blocks until the WebSocket
// accepts the frame, carrying backpressure to the upstream reader.
type binaryWriter struct {
	conn    *wsConn
	onWrite func(n int)
}

func (b *binaryWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := b.conn.WriteBinary(p); err != nil {
		return 0, err
	}
	if b.onWrite != nil {
		b.onWrite(len(p))
	}
	return len(p), nil
}
