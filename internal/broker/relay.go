package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"social-hub/internal/logging"
)

var errRelayNoUser = errors.New("relay: envelope without user")

// relayEnvelope is what travels on the relay channel.
type relayEnvelope struct {
	Node   string            `json:"node"`
	UserID int64             `json:"userId"`
	Frames []json.RawMessage `json:"frames"`
}

// Relay fans frames out to every node over one pub/sub channel. Each node
// delivers the frames if it holds the addressed user's session.
type Relay struct {
	rdb     *redis.Client
	channel string
	node    string
	log     *slog.Logger
}

func NewRelay(rdb *redis.Client, channel, node string, log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{rdb: rdb, channel: channel, node: node, log: log.With(slog.String("component", "relay"))}
}

func encodeRelay(node string, userID int64, frames [][]byte) ([]byte, error) {
	env := relayEnvelope{Node: node, UserID: userID, Frames: make([]json.RawMessage, len(frames))}
	for i, f := range frames {
		env.Frames[i] = f
	}
	return json.Marshal(env)
}

func decodeRelay(payload string) (relayEnvelope, error) {
	var env relayEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return env, fmt.Errorf("relay: decode: %w", err)
	}
	if env.UserID <= 0 {
		return env, errRelayNoUser
	}
	return env, nil
}

func (r *Relay) Publish(ctx context.Context, userID int64, frames [][]byte) error {
	payload, err := encodeRelay(r.node, userID, frames)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, r.channel, payload).Err()
}

// Subscribe blocks until ctx is done. Envelopes published by this node are
// skipped: the publisher already tried its local registry.
func (r *Relay) Subscribe(ctx context.Context, deliver func(userID int64, frames [][]byte)) error {
	pubsub := r.rdb.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("relay: subscribe %s: %w", r.channel, err)
	}
	r.log.Info("relay - subscribe - listening", slog.String("channel", r.channel))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			env, err := decodeRelay(msg.Payload)
			if err != nil {
				r.log.Warn("relay - receive - bad envelope", logging.Err(err))
				continue
			}
			if env.Node == r.node {
				continue
			}
			frames := make([][]byte, len(env.Frames))
			for i, f := range env.Frames {
				frames[i] = f
			}
			deliver(env.UserID, frames)
		}
	}
}
