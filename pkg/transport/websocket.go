package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"botcore/pkg/message"

	"github.com/gorilla/websocket"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	defaultMaxBytes = 16 << 20
)

// WebSocket adapts a gorilla connection. JSON payloads go out as text frames,
// CBOR payloads as binary frames.
type WebSocket struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

// NewWebSocket takes ownership of conn and starts its keepalive pinger.
// maxBytes <= 0 uses a 16 MiB read limit.
func NewWebSocket(conn *websocket.Conn, maxBytes int64) *WebSocket {
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}

	ws := &WebSocket{conn: conn, done: make(chan struct{})}

	conn.SetReadLimit(maxBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go ws.pingLoop()
	return ws
}

func (w *WebSocket) Receive(ctx context.Context) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}

	ch := make(chan result, 1)
	go func() {
		_, data, err := w.conn.ReadMessage()
		ch <- result{data: data, err: err}
	}()

	select {
	case <-ctx.Done():
		_ = w.Close()
		return nil, ctx.Err()
	case <-w.done:
		return nil, ErrClosed
	case res := <-ch:
		if res.err != nil {
			if websocket.IsCloseError(res.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, ErrClosed
			}
			return nil, res.err
		}
		_ = w.conn.SetReadDeadline(time.Now().Add(pongWait))
		return res.data, nil
	}
}

func (w *WebSocket) Send(ctx context.Context, data []byte) error {
	select {
	case <-w.done:
		return ErrClosed
	default:
	}

	frame := websocket.BinaryMessage
	if message.Sniff(data) == message.FormatJSON {
		frame = websocket.TextMessage
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	_ = w.conn.SetWriteDeadline(deadline)
	if err := w.conn.WriteMessage(frame, data); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return ErrClosed
		}
		return err
	}
	return nil
}

func (w *WebSocket) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)

		w.writeMu.Lock()
		_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = w.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		w.writeMu.Unlock()

		err = w.conn.Close()
	})
	return err
}

func (w *WebSocket) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.writeMu.Lock()
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := w.conn.WriteMessage(websocket.PingMessage, nil)
			w.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
