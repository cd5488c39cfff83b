package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"social-hub/internal/protocol"
)

var (
	ErrHandshakeTimeout = errors.New("session: handshake timed out")
	ErrHandshake        = errors.New("session: unexpected handshake frame")
	ErrHeartbeatMissed  = errors.New("session: heartbeat missed")
	ErrQueueFull        = errors.New("session: outbound queue full")
)

// Resyncer refills client state after every successful (re)connect.
type Resyncer interface {
	FetchNotifications(ctx context.Context) error
	FetchConversations(ctx context.Context) error
}

type ConnectorConfig struct {
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	// pongs missed in a row before the connection is forced closed
	MissedHeartbeats  int
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
	Jitter            float64
	MaxAttempts       int
	QueueSize         int
}

func DefaultConnectorConfig() ConnectorConfig {
	return ConnectorConfig{
		HandshakeTimeout:  5 * time.Second,
		HeartbeatInterval: 20 * time.Second,
		MissedHeartbeats:  2,
		InitialBackoff:    time.Second,
		BackoffMultiplier: 1.5,
		MaxBackoff:        30 * time.Second,
		Jitter:            0.2,
		MaxAttempts:       5,
		QueueSize:         256,
	}
}

// Connector is the client end of a hub connection. It dials, waits for the
// hub's handshake, keeps the link alive and reconnects with bounded
// backoff after abnormal closes.
type Connector struct {
	cfg        ConnectorConfig
	dialer     Dialer
	resync     Resyncer
	normalizer protocol.Normalizer
	log        *slog.Logger

	// OnFrame receives every inbound frame except heartbeats.
	OnFrame func(protocol.Frame)
	// OnState is called with the connector lock held and must not call
	// back into the Connector.
	OnState func(State)

	// after schedules reconnects; swapped in tests
	after func(time.Duration, func()) *time.Timer

	mu         sync.Mutex
	ctx        context.Context
	state      State
	terminal   bool
	stopped    bool
	attempts   int
	transport  Transport
	connCancel context.CancelFunc
	timer      *time.Timer
	lastPong   time.Time
	queue      [][]byte
	backoff    *backoff.ExponentialBackOff
}

func NewConnector(cfg ConnectorConfig, dialer Dialer, resync Resyncer, log *slog.Logger) *Connector {
	if log == nil {
		log = slog.Default()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialBackoff
	b.Multiplier = cfg.BackoffMultiplier
	b.MaxInterval = cfg.MaxBackoff
	b.RandomizationFactor = cfg.Jitter
	// attempts are bounded by MaxAttempts, not by wall time
	b.MaxElapsedTime = 0
	b.Reset()

	return &Connector{
		cfg:     cfg,
		dialer:  dialer,
		resync:  resync,
		log:     log,
		after:   time.AfterFunc,
		backoff: b,
	}
}

func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Exhausted reports whether automatic reconnection gave up.
func (c *Connector) Exhausted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminal
}

func (c *Connector) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	if c.OnState != nil {
		c.OnState(s)
	}
}

// Connect dials once and returns when the connection is Open or the
// attempt failed. A failure schedules reconnects in the background. It is
// a no-op while Connecting or Open, and after reconnects are exhausted
// only Retry starts over.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateOpen {
		c.mu.Unlock()
		return nil
	}
	if c.terminal {
		c.mu.Unlock()
		return fmt.Errorf("session: reconnect attempts exhausted, retry required")
	}
	c.stopped = false
	c.ctx = ctx
	c.stopTimerLocked()
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	return c.attempt(ctx)
}

// Retry is the user-initiated way out of a terminal Errored state.
func (c *Connector) Retry(ctx context.Context) error {
	c.mu.Lock()
	c.terminal = false
	c.attempts = 0
	c.backoff.Reset()
	c.mu.Unlock()
	return c.Connect(ctx)
}

// Close is an intentional disconnect: normal closure, no reconnect, all
// timers cancelled.
func (c *Connector) Close() error {
	c.mu.Lock()
	c.stopped = true
	c.stopTimerLocked()
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	t := c.transport
	c.transport = nil
	c.setStateLocked(StateClosed)
	c.mu.Unlock()

	if t != nil {
		return t.Close(websocket.CloseNormalClosure, "client closed")
	}
	return nil
}

// Send writes f now when Open and queues it otherwise. Queued frames are
// flushed after the next resync.
func (c *Connector) Send(f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}

	c.mu.Lock()
	t := c.transport
	if c.state != StateOpen || t == nil {
		defer c.mu.Unlock()
		return c.enqueueLocked(data)
	}
	c.mu.Unlock()

	if err := t.WriteMessage(data); err != nil {
		c.mu.Lock()
		qerr := c.enqueueLocked(data)
		c.mu.Unlock()
		c.dropped(t, err)
		return qerr
	}
	return nil
}

// Pending returns the number of queued outbound frames.
func (c *Connector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Connector) enqueueLocked(data []byte) error {
	if c.cfg.QueueSize > 0 && len(c.queue) >= c.cfg.QueueSize {
		return ErrQueueFull
	}
	c.queue = append(c.queue, data)
	return nil
}

func (c *Connector) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Connector) attempt(ctx context.Context) error {
	hsCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	t, err := c.dialer.Dial(hsCtx)
	if err == nil {
		err = c.awaitHandshake(hsCtx, t)
		if err != nil {
			_ = t.Close(websocket.CloseProtocolError, "handshake failed")
		}
	}
	if err != nil {
		c.failed(err)
		return err
	}
	return c.open(ctx, t)
}

func (c *Connector) awaitHandshake(ctx context.Context, t Transport) error {
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := t.ReadMessage()
		ch <- result{data, err}
	}()

	select {
	case <-ctx.Done():
		// unblocks the reader
		_ = t.Close(websocket.CloseGoingAway, "handshake timeout")
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrHandshakeTimeout
		}
		return ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return r.err
		}
		if _, ok := c.normalizer.Normalize(r.data).(*protocol.Handshake); !ok {
			return ErrHandshake
		}
		return nil
	}
}

// failed handles a connection attempt that never reached Open.
func (c *Connector) failed(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		c.setStateLocked(StateClosed)
		return
	}
	c.attempts++
	c.setStateLocked(StateErrored)
	c.log.Warn("connector - connect - failed", slog.Int("attempt", c.attempts), slog.Any("error", err))

	if c.attempts >= c.cfg.MaxAttempts {
		c.terminal = true
		c.log.Error("connector - reconnect - exhausted", slog.Int("attempts", c.attempts))
		return
	}
	c.scheduleLocked()
}

func (c *Connector) scheduleLocked() {
	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	delay := c.backoff.NextBackOff()
	c.stopTimerLocked()
	c.timer = c.after(delay, func() { c.reconnect(ctx) })
}

func (c *Connector) reconnect(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	c.mu.Lock()
	if c.stopped || c.terminal || c.state == StateOpen || c.state == StateConnecting {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	_ = c.attempt(ctx)
}

func (c *Connector) open(ctx context.Context, t Transport) error {
	connCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		cancel()
		_ = t.Close(websocket.CloseNormalClosure, "client closed")
		return ErrClosed
	}
	c.transport = t
	c.connCancel = cancel
	c.attempts = 0
	c.backoff.Reset()
	c.lastPong = time.Now()
	c.setStateLocked(StateOpen)
	c.mu.Unlock()

	go c.readLoop(connCtx, t)
	go c.heartbeat(connCtx, t)

	return c.resynchronize(connCtx, t)
}

// resynchronize runs after every Open: missed notifications, then the
// conversation roster, then whatever was queued while disconnected.
func (c *Connector) resynchronize(ctx context.Context, t Transport) error {
	if c.resync != nil {
		if err := c.resync.FetchNotifications(ctx); err != nil {
			c.log.Warn("connector - resync - notifications failed", slog.Any("error", err))
		}
		if err := c.resync.FetchConversations(ctx); err != nil {
			c.log.Warn("connector - resync - conversations failed", slog.Any("error", err))
		}
	}

	c.mu.Lock()
	queued := c.queue
	c.queue = nil
	c.mu.Unlock()

	for i, data := range queued {
		if err := t.WriteMessage(data); err != nil {
			c.mu.Lock()
			c.queue = append(queued[i:len(queued):len(queued)], c.queue...)
			c.mu.Unlock()
			c.dropped(t, err)
			return err
		}
	}
	return nil
}

func (c *Connector) readLoop(ctx context.Context, t Transport) {
	for {
		data, err := t.ReadMessage()
		if err != nil {
			c.dropped(t, err)
			return
		}
		switch f := c.normalizer.Normalize(data).(type) {
		case *protocol.Pong:
			c.mu.Lock()
			c.lastPong = time.Now()
			c.mu.Unlock()
		case *protocol.Ping:
			_ = t.WriteMessage(protocol.MustEncode(&protocol.Pong{Timestamp: time.Now().UnixMilli()}))
		default:
			if c.OnFrame != nil && ctx.Err() == nil {
				c.OnFrame(f)
			}
		}
	}
}

func (c *Connector) heartbeat(ctx context.Context, t Transport) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	limit := c.cfg.HeartbeatInterval * time.Duration(max(c.cfg.MissedHeartbeats, 1))
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.mu.Lock()
			silent := now.Sub(c.lastPong)
			c.mu.Unlock()

			if silent > limit {
				c.log.Warn("connector - heartbeat - missed", slog.Duration("silent", silent))
				_ = t.Close(websocket.CloseGoingAway, "heartbeat missed")
				c.dropped(t, ErrHeartbeatMissed)
				return
			}
			if err := t.WriteMessage(protocol.MustEncode(&protocol.Ping{Timestamp: now.UnixMilli()})); err != nil {
				c.dropped(t, err)
				return
			}
		}
	}
}

// dropped handles the loss of an Open connection. Only abnormal closes
// reconnect.
func (c *Connector) dropped(t Transport, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.transport != t {
		return
	}
	c.transport = nil
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	// the close frame write can block, keep it off the lock
	go func() { _ = t.Close(websocket.CloseGoingAway, "connection lost") }()

	if c.stopped || IntentionalClose(err) {
		c.log.Info("connector - connection - closed", slog.Any("reason", err))
		c.setStateLocked(StateClosed)
		return
	}

	c.log.Warn("connector - connection - lost", slog.Any("error", err))
	c.setStateLocked(StateErrored)
	c.scheduleLocked()
}
