package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"social-hub/internal/config"
	"social-hub/internal/logging"
	"social-hub/internal/protocol"
	"social-hub/internal/session"
	"social-hub/internal/user"
)

var (
	baseURL  = flag.String("url", "http://localhost:8080", "hub base url")
	pairs    = flag.Int("pairs", 50, "number of user pairs") // start small, the database chokes on thousands at once
	msgCount = flag.Int("msgs", 20, "messages per user")
	firstID  = flag.Int64("first-id", 100_000, "first synthetic user id")
	wait     = flag.Duration("wait", 10*time.Second, "how long to wait for deliveries after sending")
)

// restResync refetches what a reconnecting client would repaint.
type restResync struct {
	base  string
	token string
}

func (r *restResync) get(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+r.token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", path, resp.Status)
	}
	return nil
}

func (r *restResync) FetchNotifications(ctx context.Context) error {
	return r.get(ctx, "/api/notifications")
}

func (r *restResync) FetchConversations(ctx context.Context) error {
	return r.get(ctx, "/api/conversations")
}

type counters struct {
	sent, received, statuses, errors atomic.Int64
}

func main() {
	flag.Parse()
	cfg := config.Load()
	cfg.Logger.Format = "TEXT"
	log := logging.New(cfg)

	if cfg.JWTSecret == "" {
		log.Error("JWT_SECRET is not set")
		os.Exit(1)
	}

	log.Info("loadtest - start", slog.Int("users", *pairs*2), slog.Int("messages", *msgCount))
	var stats counters
	var wg sync.WaitGroup

	// pairs: user 2i talks to user 2i+1
	for i := 0; i < *pairs; i++ {
		a := *firstID + int64(2*i)
		b := a + 1
		wg.Add(2)
		go func() { defer wg.Done(); runUser(cfg, log, a, b, &stats) }()
		go func() { defer wg.Done(); runUser(cfg, log, b, a, &stats) }()
	}
	wg.Wait()

	log.Info("loadtest - complete",
		slog.Int64("sent", stats.sent.Load()),
		slog.Int64("received", stats.received.Load()),
		slog.Int64("statuses", stats.statuses.Load()),
		slog.Int64("errors", stats.errors.Load()),
	)
}

func runUser(cfg *config.Config, log *slog.Logger, self, peer int64, stats *counters) {
	log = log.With(logging.User(self))
	token, err := user.SignToken(cfg.JWTSecret, self, fmt.Sprintf("load_%d", self), time.Hour)
	if err != nil {
		log.Error("loadtest - token - failed", logging.Err(err))
		return
	}

	wsURL := "ws" + strings.TrimPrefix(*baseURL, "http") + "/ws?token=" + token
	dialer := &session.WebsocketDialer{URL: wsURL}
	conn := session.NewConnector(session.ConnectorConfig{
		HandshakeTimeout:  cfg.Connector.HandshakeTimeout,
		HeartbeatInterval: cfg.Connector.HeartbeatInterval,
		MissedHeartbeats:  cfg.Connector.MissedHeartbeats,
		InitialBackoff:    cfg.Connector.InitialBackoff,
		BackoffMultiplier: cfg.Connector.BackoffMultiplier,
		MaxBackoff:        cfg.Connector.MaxBackoff,
		Jitter:            cfg.Connector.Jitter,
		MaxAttempts:       cfg.Connector.MaxAttempts,
		QueueSize:         *msgCount * 2,
	}, dialer, &restResync{base: *baseURL, token: token}, log)

	conn.OnFrame = func(f protocol.Frame) {
		switch v := f.(type) {
		case *protocol.ChatMessage:
			stats.received.Add(1)
		case *protocol.StatusUpdate:
			stats.statuses.Add(1)
		case *protocol.ErrorMessage:
			stats.errors.Add(1)
			log.Warn("loadtest - hub - error", slog.String("code", v.Code), slog.String("message", v.Message))
		}
	}
	defer conn.Close()

	ctx := context.Background()
	if err := conn.Connect(ctx); err != nil {
		log.Error("loadtest - connect - failed", logging.Err(err))
		return
	}

	for i := 0; i < *msgCount; i++ {
		err := conn.Send(&protocol.ChatMessage{
			ClientMsgID: fmt.Sprintf("%d-%d", self, i),
			SenderID:    self,
			RecipientID: peer,
			Content:     fmt.Sprintf("LoadTest Msg %d from %d", i, self),
			CreatedAt:   time.Now(),
		})
		if err != nil {
			log.Warn("loadtest - send - failed", logging.Err(err))
			break
		}
		stats.sent.Add(1)
		// simulate a real network instead of hammering localhost
		time.Sleep(10 * time.Millisecond)
	}

	time.Sleep(*wait)
}
