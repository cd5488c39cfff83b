package session

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"social-hub/internal/directory"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// serve starts a server whose single session echoes every inbound frame
// back through Enqueue.
func serve(t *testing.T, cfg Config) (*websocket.Conn, <-chan *Session) {
	t.Helper()
	sessions := make(chan *Session, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s := New(7, conn, cfg, nil)
		sessions <- s
		go s.WritePump()
		s.ReadPump(func(data []byte) { _ = s.Enqueue(data) })
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn, sessions
}

func TestSession_PumpsAndClose(t *testing.T) {
	conn, sessions := serve(t, DefaultConfig())
	s := <-sessions

	assert.Equal(t, StateConnecting, s.State())
	assert.True(t, s.MarkOpen())
	assert.False(t, s.MarkOpen())
	assert.NotEmpty(t, s.Handle)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ping"}`, string(data))

	s.Close(websocket.CloseNormalClosure, "replaced")
	assert.Equal(t, StateClosed, s.State())
	assert.ErrorIs(t, s.Enqueue([]byte("late")), ErrClosed)

	_, _, err = conn.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
	assert.Equal(t, "replaced", ce.Text)
	assert.True(t, IntentionalClose(err))

	// closing twice is harmless
	s.Close(websocket.CloseGoingAway, "again")
	select {
	case <-s.Done():
	default:
		t.Fatal("done channel still open")
	}
}

func TestSession_ControlPingsKeepItAlive(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PingPeriod = 10 * time.Millisecond
	cfg.PongWait = 200 * time.Millisecond
	conn, sessions := serve(t, cfg)
	s := <-sessions

	pings := make(chan struct{}, 8)
	conn.SetPingHandler(func(appData string) error {
		select {
		case pings <- struct{}{}:
		default:
		}
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})
	// control frames are only processed while reading
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-pings:
	case <-time.After(time.Second):
		t.Fatal("no control ping received")
	}
	before := s.LastHeartbeat()
	require.Eventually(t, func() bool { return s.LastHeartbeat().After(before) }, time.Second, 5*time.Millisecond)
	assert.NotEqual(t, StateClosed, s.State())
}

func TestSession_MissingPongsCloseIt(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PingPeriod = time.Hour
	cfg.PongWait = 50 * time.Millisecond
	_, sessions := serve(t, cfg)
	s := <-sessions

	// the client never reads, so it never answers pings
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session outlived its pong deadline")
	}
	assert.Equal(t, StateClosed, s.State())
}

func TestSession_SlowConsumer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SendBuffer = 1

	// no write pump drains this one
	slow := New(8, nil, cfg, nil)
	require.NoError(t, slow.Enqueue([]byte("a")))
	assert.ErrorIs(t, slow.Enqueue([]byte("b")), ErrSlowConsumer)
}

func TestSession_Viewing(t *testing.T) {
	s := New(1, nil, DefaultConfig(), nil)
	key := directory.Key{ID: 1_000_002}

	assert.False(t, s.Viewing(key))
	s.SetActive(key, true)
	assert.True(t, s.Viewing(key))
	assert.False(t, s.Viewing(directory.Key{ID: key.ID, IsGroup: true}))
	s.SetActive(directory.Key{}, false)
	assert.False(t, s.Viewing(key))
}
