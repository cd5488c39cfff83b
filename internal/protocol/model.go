package protocol

import (
	"fmt"
	"time"
)

// Frame is any normalized payload.
type Frame interface {
	Kind() Kind
}

// Status is the delivery state of a ChatMessage. Transitions only move forward.
type Status int

const (
	StatusSent Status = iota + 1
	StatusDelivered
	StatusRead
)

func (s Status) String() string {
	switch s {
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	}
	return "unknown"
}

// Advance returns the later of s and next.
func (s Status) Advance(next Status) Status {
	if next > s {
		return next
	}
	return s
}

func (s Status) MarshalText() ([]byte, error) {
	if s < StatusSent || s > StatusRead {
		return nil, fmt.Errorf("protocol: invalid status %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, ok := ParseStatus(string(b))
	if !ok {
		return fmt.Errorf("protocol: invalid status %q", b)
	}
	*s = v
	return nil
}

// ParseStatus accepts the textual form of a status.
func ParseStatus(v string) (Status, bool) {
	switch v {
	case "sent":
		return StatusSent, true
	case "delivered":
		return StatusDelivered, true
	case "read":
		return StatusRead, true
	}
	return 0, false
}

type ChatMessage struct {
	ID             int64     `json:"id,omitempty"`
	ClientMsgID    string    `json:"clientMsgId,omitempty"`
	ConversationID int64     `json:"conversationId"`
	Provisional    bool      `json:"provisional,omitempty"`
	IsGroup        bool      `json:"isGroup,omitempty"`
	GroupID        int64     `json:"groupId,omitempty"`
	SenderID       int64     `json:"senderId"`
	RecipientID    int64     `json:"recipientId,omitempty"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
	Status         Status    `json:"status,omitempty"`
	SenderName     string    `json:"senderName,omitempty"`
	SenderAvatar   string    `json:"senderAvatar,omitempty"`
}

func (m *ChatMessage) Kind() Kind {
	if m.IsGroup {
		return KindGroupChat
	}
	return KindChat
}

type Typing struct {
	ConversationID int64 `json:"conversationId,omitempty"`
	SenderID       int64 `json:"senderId"`
	RecipientID    int64 `json:"recipientId"`
	IsTyping       bool  `json:"isTyping"`
	Expired        bool  `json:"expired,omitempty"`
}

func (*Typing) Kind() Kind { return KindTyping }

type EventRSVP struct {
	GroupID  int64  `json:"groupId"`
	EventID  int64  `json:"eventId"`
	UserID   int64  `json:"userId"`
	Status   string `json:"status"`
	Going    int    `json:"going,omitempty"`
	NotGoing int    `json:"notGoing,omitempty"`
}

func (*EventRSVP) Kind() Kind { return KindEventRSVP }

type FollowerRequest struct {
	FollowerID     int64  `json:"followerId"`
	FollowedID     int64  `json:"followedId"`
	Status         string `json:"status"`
	FollowerName   string `json:"followerName,omitempty"`
	FollowerAvatar string `json:"followerAvatar,omitempty"`
}

func (*FollowerRequest) Kind() Kind { return KindFollowerRequest }

type Notification struct {
	ID             int64            `json:"id,omitempty"`
	UserID         int64            `json:"userId"`
	Type           NotificationType `json:"type"`
	Content        string           `json:"content"`
	Link           string           `json:"link,omitempty"`
	IsRead         bool             `json:"isRead"`
	CreatedAt      time.Time        `json:"createdAt"`
	ConversationID int64            `json:"conversationId,omitempty"`
	IsGroup        bool             `json:"isGroup,omitempty"`
	FromUserID     int64            `json:"fromUserId,omitempty"`
	GroupID        int64            `json:"groupId,omitempty"`
}

func (*Notification) Kind() Kind { return KindNotification }

// ErrorMessage is returned to the originating session only.
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (*ErrorMessage) Kind() Kind { return KindError }

func (e *ErrorMessage) Error() string {
	return e.Code + ": " + e.Message
}

// Errorf builds an ErrorMessage frame.
func Errorf(code, format string, args ...any) *ErrorMessage {
	return &ErrorMessage{Code: code, Message: fmt.Sprintf(format, args...)}
}

type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

func (*Ping) Kind() Kind { return KindPing }

type Pong struct {
	Timestamp int64 `json:"timestamp"`
}

func (*Pong) Kind() Kind { return KindPong }

// Handshake is the first frame a session receives once it is Open.
type Handshake struct {
	UserID     int64  `json:"userId"`
	SessionID  string `json:"sessionId"`
	ServerTime int64  `json:"serverTime"`
}

func (*Handshake) Kind() Kind { return KindHandshake }

// StatusUpdate is a delivery receipt sent back to the author of a message.
type StatusUpdate struct {
	MessageID      int64  `json:"messageId"`
	ClientMsgID    string `json:"clientMsgId,omitempty"`
	ConversationID int64  `json:"conversationId"`
	IsGroup        bool   `json:"isGroup,omitempty"`
	Status         Status `json:"status"`
}

func (*StatusUpdate) Kind() Kind { return KindStatus }

// View announces the conversation a client is currently looking at.
// A zero ConversationID clears it.
type View struct {
	ConversationID int64 `json:"conversationId"`
	IsGroup        bool  `json:"isGroup,omitempty"`
}

func (*View) Kind() Kind { return KindView }
