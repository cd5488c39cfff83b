// Package session owns websocket connections: the server-side Session
// pumps and the client-side Connector.
package session

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"social-hub/internal/dedup"
	"social-hub/internal/directory"
)

var (
	ErrClosed       = errors.New("session: closed")
	ErrSlowConsumer = errors.New("session: send buffer full")
)

type Config struct {
	WriteWait      time.Duration // time allowed to write a frame
	PongWait       time.Duration // time allowed between pongs before the peer is considered gone
	PingPeriod     time.Duration // must be less than PongWait
	MaxMessageSize int64
	SendBuffer     int
	LedgerCap      int
}

func DefaultConfig() Config {
	return Config{
		WriteWait:      10 * time.Second,
		PongWait:       50 * time.Second,
		PingPeriod:     20 * time.Second,
		MaxMessageSize: 64 * 1024,
		SendBuffer:     256,
		LedgerCap:      dedup.DefaultCap,
	}
}

// Session is the server side of one user's connection.
type Session struct {
	UserID int64
	Handle string

	// Inbound drops client retries, Delivered drops repeats on the way out.
	Inbound   *dedup.Ledger
	Delivered *dedup.Ledger

	conn *websocket.Conn
	cfg  Config
	log  *slog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	state         atomic.Int32
	lastHeartbeat atomic.Int64

	mu        sync.Mutex
	active    directory.Key
	hasActive bool
}

func New(userID int64, conn *websocket.Conn, cfg Config, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		UserID:    userID,
		Handle:    uuid.NewString(),
		Inbound:   dedup.New(cfg.LedgerCap),
		Delivered: dedup.New(cfg.LedgerCap),
		conn:      conn,
		cfg:       cfg,
		send:      make(chan []byte, cfg.SendBuffer),
		done:      make(chan struct{}),
	}
	s.log = log.With(slog.Int64("user_id", userID), slog.String("session", s.Handle))
	s.state.Store(int32(StateConnecting))
	s.Touch()
	return s
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// MarkOpen moves a connecting session to Open.
func (s *Session) MarkOpen() bool {
	return s.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen))
}

// Touch records liveness.
func (s *Session) Touch() {
	s.lastHeartbeat.Store(time.Now().UnixNano())
}

func (s *Session) LastHeartbeat() time.Time {
	return time.Unix(0, s.lastHeartbeat.Load())
}

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// SetActive records the conversation the user is looking at; ok false
// clears it.
func (s *Session) SetActive(key directory.Key, ok bool) {
	s.mu.Lock()
	s.active, s.hasActive = key, ok
	s.mu.Unlock()
}

// Viewing reports whether key is the active conversation.
func (s *Session) Viewing(key directory.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasActive && s.active == key
}

// Enqueue hands a frame to the write pump without blocking.
func (s *Session) Enqueue(frame []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	select {
	case s.send <- frame:
		return nil
	case <-s.done:
		return ErrClosed
	default:
		return ErrSlowConsumer
	}
}

// Close is idempotent. code distinguishes an intentional close
// (websocket.CloseNormalClosure) from everything else.
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		close(s.done)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteWait))
		_ = s.conn.Close()
		s.log.Debug("session - close - done", slog.Int("code", code), slog.String("reason", reason))
	})
}

// ReadPump feeds every inbound frame to handle, one at a time, until the
// connection fails or the session is closed.
func (s *Session) ReadPump(handle func([]byte)) {
	defer s.Close(websocket.CloseGoingAway, "read loop ended")

	s.conn.SetReadLimit(s.cfg.MaxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		s.Touch()
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn("session - read - unexpected close", slog.Any("error", err))
			}
			return
		}
		// any frame proves the peer is alive
		s.Touch()
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		if len(data) > 0 {
			handle(data)
		}
	}
}

// WritePump writes queued frames and control pings until the session
// closes. Each frame is its own websocket message.
func (s *Session) WritePump() {
	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case <-s.done:
			return

		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.log.Warn("session - write - failed", slog.Any("error", err))
				s.Close(websocket.CloseInternalServerErr, "write failed")
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close(websocket.CloseInternalServerErr, "ping failed")
				return
			}
		}
	}
}
