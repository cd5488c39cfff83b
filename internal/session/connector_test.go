package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"social-hub/internal/protocol"
)

// recorder collects events from fakes in the order they happen.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type fakeTransport struct {
	in        chan []byte
	fail      chan error
	closed    chan struct{}
	closeOnce sync.Once
	rec       *recorder

	mu        sync.Mutex
	written   [][]byte
	closeCode int
}

func newFakeTransport(rec *recorder) *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 16),
		fail:   make(chan error, 1),
		closed: make(chan struct{}),
		rec:    rec,
	}
}

func (t *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case d := <-t.in:
		return d, nil
	case err := <-t.fail:
		return nil, err
	case <-t.closed:
		return nil, &websocket.CloseError{Code: websocket.CloseAbnormalClosure}
	}
}

func (t *fakeTransport) WriteMessage(data []byte) error {
	select {
	case <-t.closed:
		return errors.New("write on closed transport")
	default:
	}
	t.mu.Lock()
	t.written = append(t.written, data)
	t.mu.Unlock()
	if t.rec != nil {
		var env protocol.Envelope
		_ = json.Unmarshal(data, &env)
		t.rec.add("write:" + string(env.Type))
	}
	return nil
}

func (t *fakeTransport) Close(code int, _ string) error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closeCode = code
		t.mu.Unlock()
		close(t.closed)
	})
	return nil
}

func (t *fakeTransport) code() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCode
}

func (t *fakeTransport) writtenKinds() []protocol.Kind {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []protocol.Kind
	for _, w := range t.written {
		var env protocol.Envelope
		_ = json.Unmarshal(w, &env)
		out = append(out, env.Type)
	}
	return out
}

type fakeDialer struct {
	rec       *recorder
	handshake bool
	greeting  []byte
	block     chan struct{}

	mu         sync.Mutex
	err        error
	dials      int
	transports []*fakeTransport
}

func (d *fakeDialer) Dial(ctx context.Context) (Transport, error) {
	d.mu.Lock()
	d.dials++
	err := d.err
	block := d.block
	d.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	t := newFakeTransport(d.rec)
	switch {
	case d.greeting != nil:
		t.in <- d.greeting
	case d.handshake:
		t.in <- protocol.MustEncode(&protocol.Handshake{UserID: 1, SessionID: "s"})
	}
	d.mu.Lock()
	d.transports = append(d.transports, t)
	d.mu.Unlock()
	return t, nil
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) transport(i int) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transports[i]
}

type fakeResync struct{ rec *recorder }

func (r fakeResync) FetchNotifications(context.Context) error {
	r.rec.add("notifications")
	return nil
}

func (r fakeResync) FetchConversations(context.Context) error {
	r.rec.add("conversations")
	return nil
}

func testConfig() ConnectorConfig {
	cfg := DefaultConnectorConfig()
	cfg.HandshakeTimeout = 200 * time.Millisecond
	cfg.HeartbeatInterval = time.Hour
	cfg.Jitter = 0
	return cfg
}

// delays records every scheduled reconnect and fires it at once.
type delays struct {
	mu  sync.Mutex
	got []time.Duration
}

func (d *delays) after(delay time.Duration, f func()) *time.Timer {
	d.mu.Lock()
	d.got = append(d.got, delay)
	d.mu.Unlock()
	return time.AfterFunc(0, f)
}

func (d *delays) list() []time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Duration(nil), d.got...)
}

func TestConnector_OpenResyncsThenFlushes(t *testing.T) {
	rec := &recorder{}
	dialer := &fakeDialer{rec: rec, handshake: true}
	c := NewConnector(testConfig(), dialer, fakeResync{rec}, nil)
	defer c.Close()

	require.NoError(t, c.Send(&protocol.ChatMessage{SenderID: 1, RecipientID: 2, Content: "queued"}))
	assert.Equal(t, 1, c.Pending())

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateOpen, c.State())
	assert.Zero(t, c.Pending())
	assert.Equal(t, []string{"notifications", "conversations", "write:chat"}, rec.list())

	require.NoError(t, c.Send(&protocol.Typing{SenderID: 1, RecipientID: 2, IsTyping: true}))
	assert.Equal(t, []protocol.Kind{protocol.KindChat, protocol.KindTyping}, dialer.transport(0).writtenKinds())
}

func TestConnector_ConnectIsNoopWhileConnecting(t *testing.T) {
	block := make(chan struct{})
	dialer := &fakeDialer{handshake: true, block: block}
	cfg := testConfig()
	cfg.HandshakeTimeout = 5 * time.Second
	c := NewConnector(cfg, dialer, nil, nil)
	defer c.Close()

	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background()) }()

	require.Eventually(t, func() bool { return dialer.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateConnecting, c.State())
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, 1, dialer.count())

	close(block)
	require.NoError(t, <-done)
	assert.Equal(t, StateOpen, c.State())

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, 1, dialer.count())
}

func TestConnector_HandshakeTimeout(t *testing.T) {
	dialer := &fakeDialer{}
	cfg := testConfig()
	cfg.HandshakeTimeout = 30 * time.Millisecond
	cfg.MaxAttempts = 1
	c := NewConnector(cfg, dialer, nil, nil)

	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrHandshakeTimeout)
	assert.Equal(t, StateErrored, c.State())
	assert.True(t, c.Exhausted())
	assert.Equal(t, websocket.CloseGoingAway, dialer.transport(0).code())
}

func TestConnector_HandshakeMustComeFirst(t *testing.T) {
	// the hub greets with something else
	dialer := &fakeDialer{greeting: protocol.MustEncode(&protocol.Pong{Timestamp: 1})}
	cfg := testConfig()
	cfg.MaxAttempts = 1
	c := NewConnector(cfg, dialer, nil, nil)

	assert.ErrorIs(t, c.Connect(context.Background()), ErrHandshake)
	assert.Equal(t, websocket.CloseProtocolError, dialer.transport(0).code())
}

func TestConnector_BackoffIsBounded(t *testing.T) {
	dialer := &fakeDialer{err: errors.New("connection refused")}
	rec := &delays{}
	c := NewConnector(testConfig(), dialer, nil, nil)
	c.after = rec.after

	require.Error(t, c.Connect(context.Background()))

	require.Eventually(t, c.Exhausted, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateErrored, c.State())
	assert.Equal(t, 5, dialer.count())
	assert.Equal(t, []time.Duration{
		time.Second,
		1500 * time.Millisecond,
		2250 * time.Millisecond,
		3375 * time.Millisecond,
	}, rec.list())

	// nothing more happens on its own
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 5, dialer.count())

	// only an explicit retry starts over
	assert.Error(t, c.Connect(context.Background()))
	assert.Equal(t, 5, dialer.count())

	dialer.setErr(nil)
	dialer.handshake = true
	require.NoError(t, c.Retry(context.Background()))
	assert.Equal(t, StateOpen, c.State())
	assert.False(t, c.Exhausted())
	require.NoError(t, c.Close())
}

func TestConnector_BackoffIsCapped(t *testing.T) {
	dialer := &fakeDialer{err: errors.New("connection refused")}
	rec := &delays{}
	cfg := testConfig()
	cfg.MaxBackoff = 2 * time.Second
	cfg.MaxAttempts = 6
	c := NewConnector(cfg, dialer, nil, nil)
	c.after = rec.after

	require.Error(t, c.Connect(context.Background()))
	require.Eventually(t, c.Exhausted, time.Second, 5*time.Millisecond)

	assert.Equal(t, []time.Duration{
		time.Second,
		1500 * time.Millisecond,
		2 * time.Second,
		2 * time.Second,
		2 * time.Second,
	}, rec.list())
}

func TestConnector_AbnormalCloseReconnects(t *testing.T) {
	rec := &recorder{}
	dialer := &fakeDialer{rec: rec, handshake: true}
	d := &delays{}
	c := NewConnector(testConfig(), dialer, fakeResync{rec}, nil)
	c.after = d.after
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))
	dialer.transport(0).fail <- &websocket.CloseError{Code: websocket.CloseGoingAway}

	require.Eventually(t, func() bool { return dialer.count() == 2 && c.State() == StateOpen }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []time.Duration{time.Second}, d.list())
	// resync ran again after the reconnect
	require.Eventually(t, func() bool { return len(rec.list()) == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"notifications", "conversations", "notifications", "conversations"}, rec.list())
}

func TestConnector_NormalCloseFromServerIsFinal(t *testing.T) {
	dialer := &fakeDialer{handshake: true}
	d := &delays{}
	c := NewConnector(testConfig(), dialer, nil, nil)
	c.after = d.after

	require.NoError(t, c.Connect(context.Background()))
	dialer.transport(0).fail <- &websocket.CloseError{Code: websocket.CloseNormalClosure, Text: "replaced"}

	require.Eventually(t, func() bool { return c.State() == StateClosed }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, dialer.count())
	assert.Empty(t, d.list())
}

func TestConnector_CloseIsIntentional(t *testing.T) {
	dialer := &fakeDialer{handshake: true}
	d := &delays{}
	c := NewConnector(testConfig(), dialer, nil, nil)
	c.after = d.after

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Close())

	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, websocket.CloseNormalClosure, dialer.transport(0).code())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, dialer.count())
	assert.Empty(t, d.list())
}

func TestConnector_CloseCancelsPendingReconnect(t *testing.T) {
	dialer := &fakeDialer{err: errors.New("connection refused")}
	c := NewConnector(testConfig(), dialer, nil, nil)
	fired := make(chan struct{}, 1)
	c.after = func(time.Duration, func()) *time.Timer {
		return time.AfterFunc(50*time.Millisecond, func() { fired <- struct{}{} })
	}

	require.Error(t, c.Connect(context.Background()))
	c.mu.Lock()
	require.NotNil(t, c.timer)
	c.mu.Unlock()

	require.NoError(t, c.Close())
	c.mu.Lock()
	assert.Nil(t, c.timer)
	c.mu.Unlock()

	select {
	case <-fired:
		t.Fatal("reconnect timer fired after Close")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 1, dialer.count())
}

func TestConnector_MissedHeartbeatForcesReconnect(t *testing.T) {
	dialer := &fakeDialer{handshake: true}
	cfg := testConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.MissedHeartbeats = 2
	d := &delays{}
	c := NewConnector(cfg, dialer, nil, nil)
	c.after = d.after
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))

	require.Eventually(t, func() bool { return dialer.count() >= 2 }, time.Second, 5*time.Millisecond)
	first := dialer.transport(0)
	assert.Equal(t, websocket.CloseGoingAway, first.code())
	assert.Contains(t, first.writtenKinds(), protocol.KindPing)
}

func TestConnector_DeliversFramesAndAnswersPings(t *testing.T) {
	dialer := &fakeDialer{handshake: true}
	c := NewConnector(testConfig(), dialer, nil, nil)
	frames := make(chan protocol.Frame, 4)
	c.OnFrame = func(f protocol.Frame) { frames <- f }
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))
	tr := dialer.transport(0)
	tr.in <- protocol.MustEncode(&protocol.Ping{Timestamp: 5})
	tr.in <- protocol.MustEncode(&protocol.ChatMessage{ID: 3, ConversationID: 1000002, SenderID: 2, RecipientID: 1, Content: "hey"})

	select {
	case f := <-frames:
		m, ok := f.(*protocol.ChatMessage)
		require.True(t, ok, "got %T", f)
		assert.Equal(t, "hey", m.Content)
	case <-time.After(time.Second):
		t.Fatal("no frame delivered")
	}
	require.Eventually(t, func() bool {
		for _, k := range tr.writtenKinds() {
			if k == protocol.KindPong {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}
