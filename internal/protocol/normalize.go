package protocol

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// ConversationLookup resolves an existing direct conversation from the
// owner's point of view. Implementations must not mutate state.
type ConversationLookup interface {
	FindDirect(owner, counterpart int64) (int64, bool)
}

// Normalizer turns heterogeneous wire payloads into Frames.
type Normalizer struct {
	Lookup ConversationLookup
	Now    func() time.Time
}

// Normalize is a convenience wrapper around a zero Normalizer.
func Normalize(raw []byte, lookup ConversationLookup) Frame {
	n := Normalizer{Lookup: lookup}
	return n.Normalize(raw)
}

// Normalize never fails: anything it cannot make sense of comes back as an
// ErrorMessage with code invalid_format.
func (n *Normalizer) Normalize(raw []byte) Frame {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var outer map[string]any
	if err := dec.Decode(&outer); err != nil || outer == nil {
		return Errorf(CodeInvalidFormat, "payload is not a JSON object")
	}

	kind := Kind(fields(outer).str("type"))
	if kind == "" {
		return Errorf(CodeInvalidFormat, "missing message type")
	}
	if !kind.Valid() {
		return Errorf(CodeInvalidFormat, "unrecognized message type %q", kind)
	}

	f := fields(outer)
	nested := false
	if data, ok := outer["data"].(map[string]any); ok {
		f = fields(data)
		nested = true
	}

	now := time.Now
	if n.Now != nil {
		now = n.Now
	}

	switch kind {
	case KindChat, KindGroupChat:
		return n.chat(kind, f, now())
	case KindTyping:
		return &Typing{
			ConversationID: f.int("conversationId", "chatId"),
			SenderID:       f.int("senderId", "userId"),
			RecipientID:    f.int("recipientId", "receiverId"),
			IsTyping:       f.bool("isTyping"),
			Expired:        f.bool("expired"),
		}
	case KindEventRSVP:
		return &EventRSVP{
			GroupID:  f.int("groupId"),
			EventID:  f.int("eventId"),
			UserID:   f.int("userId"),
			Status:   f.str("status", "response"),
			Going:    int(f.int("going", "goingCount")),
			NotGoing: int(f.int("notGoing", "notGoingCount")),
		}
	case KindFollowerRequest:
		return &FollowerRequest{
			FollowerID:     f.int("followerId"),
			FollowedID:     f.int("followedId", "followingId"),
			Status:         f.str("status"),
			FollowerName:   f.str("followerName"),
			FollowerAvatar: f.str("followerAvatar"),
		}
	case KindNotification:
		// Flat payloads use "type" for the envelope itself.
		typ := f.str("notificationType")
		if typ == "" && nested {
			typ = f.str("type")
		}
		return &Notification{
			ID:             f.int("id"),
			UserID:         f.int("userId"),
			Type:           NotificationType(typ),
			Content:        f.str("content", "message"),
			Link:           f.str("link"),
			IsRead:         f.bool("isRead"),
			CreatedAt:      f.time(now(), "createdAt", "timestamp"),
			ConversationID: f.int("conversationId", "chatId"),
			IsGroup:        f.bool("isGroup"),
			FromUserID:     f.int("fromUserId", "senderId"),
			GroupID:        f.int("groupId"),
		}
	case KindError:
		return &ErrorMessage{Code: f.str("code"), Message: f.str("message")}
	case KindPing:
		return &Ping{Timestamp: f.int("timestamp")}
	case KindPong:
		return &Pong{Timestamp: f.int("timestamp")}
	case KindHandshake:
		return &Handshake{
			UserID:     f.int("userId"),
			SessionID:  f.str("sessionId"),
			ServerTime: f.int("serverTime"),
		}
	case KindStatus:
		st, _ := ParseStatus(f.str("status"))
		return &StatusUpdate{
			MessageID:      f.int("messageId"),
			ClientMsgID:    f.str("clientMsgId"),
			ConversationID: f.int("conversationId", "chatId"),
			IsGroup:        f.bool("isGroup"),
			Status:         st,
		}
	case KindView:
		return &View{
			ConversationID: f.int("conversationId", "chatId", "groupId"),
			IsGroup:        f.bool("isGroup"),
		}
	}
	// conversations frames are hub-to-client only and carry a list
	return Errorf(CodeInvalidFormat, "message type %q cannot be normalized", kind)
}

func (n *Normalizer) chat(kind Kind, f fields, now time.Time) Frame {
	m := &ChatMessage{
		ClientMsgID:  f.str("clientMsgId", "tempId"),
		SenderID:     f.int("senderId", "userId", "fromUserId"),
		RecipientID:  f.int("recipientId", "receiverId"),
		Content:      f.str("content", "message"),
		CreatedAt:    f.time(now, "createdAt", "timestamp"),
		SenderName:   f.str("senderName", "userName"),
		SenderAvatar: f.str("senderAvatar", "userAvatar"),
		IsGroup:      kind == KindGroupChat || f.bool("isGroup"),
		Status:       StatusSent,
	}
	if st, ok := ParseStatus(f.str("status")); ok {
		m.Status = st
	}

	// A non-numeric id is a client-side temporary id.
	if id := f.int("id"); id > 0 {
		m.ID = id
	} else if s := f.str("id"); s != "" && m.ClientMsgID == "" {
		m.ClientMsgID = s
	}

	if strings.TrimSpace(m.Content) == "" {
		return Errorf(CodeInvalidFormat, "message content is empty")
	}

	if m.IsGroup {
		m.GroupID = f.int("groupId")
		if m.GroupID == 0 {
			m.GroupID = f.int("conversationId", "chatId")
		}
		m.ConversationID = m.GroupID
		return m
	}

	m.ConversationID = f.int("conversationId", "chatId")
	if m.ConversationID != 0 {
		return m
	}
	if n.Lookup != nil && m.SenderID > 0 && m.RecipientID > 0 {
		if id, ok := n.Lookup.FindDirect(m.SenderID, m.RecipientID); ok {
			m.ConversationID = id
			return m
		}
	}
	if m.ID > 0 {
		m.ConversationID = -m.ID
		m.Provisional = true
	}
	return m
}

// fields reads a decoded JSON object by logical camelCase name, falling
// back to the snake_case spelling.
type fields map[string]any

func (f fields) lookup(names ...string) (any, bool) {
	for _, name := range names {
		if v, ok := f[name]; ok && v != nil {
			return v, true
		}
		if v, ok := f[snake(name)]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func (f fields) str(names ...string) string {
	v, ok := f.lookup(names...)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}

func (f fields) int(names ...string) int64 {
	v, ok := f.lookup(names...)
	if !ok {
		return 0
	}
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if fl, err := t.Float64(); err == nil && fl == math.Trunc(fl) {
			return int64(fl)
		}
	case string:
		if i, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64); err == nil {
			return i
		}
	}
	return 0
}

func (f fields) bool(names ...string) bool {
	v, ok := f.lookup(names...)
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(t)
		return b
	case json.Number:
		return t.String() != "0"
	}
	return false
}

func (f fields) time(now time.Time, names ...string) time.Time {
	v, ok := f.lookup(names...)
	if !ok {
		return now
	}
	switch t := v.(type) {
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts
			}
		}
		if ms, err := strconv.ParseInt(t, 10, 64); err == nil {
			return time.UnixMilli(ms)
		}
	case json.Number:
		if ms, err := t.Int64(); err == nil {
			return time.UnixMilli(ms)
		}
	}
	return now
}

func snake(name string) string {
	var b strings.Builder
	for i, r := range name {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
