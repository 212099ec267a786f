package client

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/adriannoes/asap-protocol/internal/envelope"
)

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
	wsPingEvery = (wsPongWait * 9) / 10
)

// WSConn is a bidirectional envelope stream over one WebSocket connection.
// Each envelope travels as a single text frame. One Send may be in flight
// at a time; concurrent callers serialize on the connection.
type WSConn struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// DialWS opens a WebSocket envelope stream to the destination base URL.
func DialWS(ctx context.Context, destination string, header http.Header) (*WSConn, error) {
	url := wsURL(destination) + WebSocketPath
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: status %d: %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}

	ws := &WSConn{conn: conn, done: make(chan struct{})}
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go ws.pingLoop()
	return ws, nil
}

func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}

func (w *WSConn) pingLoop() {
	ticker := time.NewTicker(wsPingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.mu.Lock()
			if w.closed {
				w.mu.Unlock()
				return
			}
			w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err := w.conn.WriteMessage(websocket.PingMessage, nil)
			w.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Send writes one envelope and reads the next response frame.
func (w *WSConn) Send(env *envelope.Envelope) (*envelope.Envelope, error) {
	body, err := env.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, fmt.Errorf("websocket connection closed")
	}

	w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := w.conn.WriteMessage(websocket.TextMessage, body); err != nil {
		return nil, fmt.Errorf("websocket write: %w", err)
	}

	w.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	_, data, err := w.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("websocket read: %w", err)
	}
	return envelope.Decode(data)
}

// Close sends a close frame and tears down the connection.
func (w *WSConn) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	close(w.done)

	w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	w.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return w.conn.Close()
}
