package chat

import (
	"context"

	"social-hub/internal/directory"
	"social-hub/internal/protocol"
	"social-hub/internal/user"
)

// ---------------------------------------------
// Collaborators
// ---------------------------------------------

// Store persists messages, notifications and read state.
type Store interface {
	// AppendMessage is idempotent on the message id and on (sender, client
	// id). For a repeat inserted is false and m holds the stored row.
	AppendMessage(ctx context.Context, m *protocol.ChatMessage) (inserted bool, err error)
	AdvanceStatus(ctx context.Context, messageID int64, status protocol.Status) error
	AppendNotification(ctx context.Context, n *protocol.Notification) (inserted bool, err error)
	MarkConversationRead(ctx context.Context, userID int64, key directory.Key) error
	MarkNotificationRead(ctx context.Context, userID, notificationID int64) error
	UnreadNotifications(ctx context.Context, userID int64) ([]protocol.Notification, error)
	Notifications(ctx context.Context, userID int64, limit int) ([]protocol.Notification, error)
	ConversationSummaries(ctx context.Context, userID int64) ([]directory.Conversation, error)
	Messages(ctx context.Context, key directory.Key, limit int) ([]protocol.ChatMessage, error)
}

// Groups resolves group rosters.
type Groups interface {
	Members(ctx context.Context, groupID int64) ([]int64, error)
}

// Users resolves display names and avatars.
type Users interface {
	Profile(ctx context.Context, userID int64) (user.Profile, error)
}

// Presence answers whether a user holds a session on any node.
type Presence interface {
	MarkOnline(ctx context.Context, userID int64) error
	MarkOffline(ctx context.Context, userID int64) error
	IsOnline(ctx context.Context, userID int64) (bool, error)
}

// Inbox queues frames for users with no session anywhere.
type Inbox interface {
	Push(ctx context.Context, userID int64, frame []byte) error
	Drain(ctx context.Context, userID int64) ([][]byte, error)
}

// Relay carries frames to the node holding a user's session.
type Relay interface {
	Publish(ctx context.Context, userID int64, frames [][]byte) error
	// Subscribe blocks, calling deliver for every relayed batch, until ctx
	// is done.
	Subscribe(ctx context.Context, deliver func(userID int64, frames [][]byte)) error
}

// Observer sees what the hub drops. Used by tests and metrics.
type Observer interface {
	Duplicate(userID int64, f protocol.Frame)
}

// ---------------------------------------------
// Internal hub models
// ---------------------------------------------

// delivery asks the run loop to look a user up and hand it frames in one
// step, so the online check and the send cannot race.
type delivery struct {
	userID int64
	key    directory.Key
	frames []frameOut
	reply  chan outcome
}

// frameOut is an encoded frame plus the frame it came from, for the
// session's delivery ledger.
type frameOut struct {
	data  []byte
	frame protocol.Frame
}

type outcome struct {
	connected bool
	viewing   bool
	relayed   bool
	queued    bool
}

func (o outcome) reached() bool {
	return o.connected || o.relayed
}

// Stats are counters for what the hub has done since start.
type Stats struct {
	Sessions   int   `json:"sessions"`
	Routed     int64 `json:"routed"`
	Delivered  int64 `json:"delivered"`
	Relayed    int64 `json:"relayed"`
	Queued     int64 `json:"queued"`
	Notified   int64 `json:"notified"`
	Duplicates int64 `json:"duplicates"`
	Rejected   int64 `json:"rejected"`
}
