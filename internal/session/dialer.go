package session

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is one established client connection.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close(code int, reason string) error
}

// Dialer opens a Transport. The context bounds the dial only.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// WebsocketDialer dials the hub over gorilla/websocket.
type WebsocketDialer struct {
	URL       string
	Header    http.Header
	Dialer    *websocket.Dialer
	WriteWait time.Duration
}

func (d *WebsocketDialer) Dial(ctx context.Context) (Transport, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, d.URL, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	wait := d.WriteWait
	if wait <= 0 {
		wait = 10 * time.Second
	}
	return &wsTransport{conn: conn, writeWait: wait}, nil
}

type wsTransport struct {
	conn      *websocket.Conn
	writeWait time.Duration
	// gorilla allows one concurrent writer
	mu sync.Mutex
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	werr := t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(t.writeWait))
	return errors.Join(werr, t.conn.Close())
}

// IntentionalClose reports whether err is a close the peer meant to make.
func IntentionalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure)
}
