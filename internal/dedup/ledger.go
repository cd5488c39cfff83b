// Package dedup records which messages and notifications a session has
// already seen, keyed by identity when one exists and by a content
// fingerprint otherwise.
package dedup

import (
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"

	"social-hub/internal/protocol"
)

// DefaultCap is the number of keys a ledger holds before evicting.
const DefaultCap = 1000

// Key identifies one message or notification. Exactly one of ID, Ref and
// Sum is set.
type Key struct {
	Kind protocol.Kind
	ID   int64
	Ref  string
	Sum  uint64
}

// Bypass reports whether frames of this kind skip deduplication.
func Bypass(kind protocol.Kind) bool {
	return kind.Control()
}

// KeyFor builds a key from an identity, or from a fingerprint of the
// content when id is zero. Timestamps never take part.
func KeyFor(kind protocol.Kind, id, sender, target int64, content string) Key {
	if id != 0 {
		return Key{Kind: kind, ID: id}
	}
	return Key{Kind: kind, Sum: fingerprint(kind, sender, target, content)}
}

// KeyOf derives the key of a normalized frame. ok is false for frames that
// are never deduplicated.
func KeyOf(f protocol.Frame) (Key, bool) {
	switch v := f.(type) {
	case *protocol.ChatMessage:
		if v.ID == 0 && v.ClientMsgID != "" {
			return Key{Kind: v.Kind(), Ref: v.ClientMsgID}, true
		}
		target := v.RecipientID
		if v.IsGroup {
			target = v.GroupID
		}
		return KeyFor(v.Kind(), v.ID, v.SenderID, target, v.Content), true
	case *protocol.Notification:
		return KeyFor(v.Kind(), v.ID, v.FromUserID, v.UserID, string(v.Type)+"|"+v.Content), true
	case *protocol.FollowerRequest:
		return KeyFor(v.Kind(), 0, v.FollowerID, v.FollowedID, v.Status), true
	case *protocol.EventRSVP:
		return KeyFor(v.Kind(), 0, v.UserID, v.GroupID, strconv.FormatInt(v.EventID, 10)+"|"+v.Status), true
	case *protocol.StatusUpdate:
		return KeyFor(v.Kind(), 0, v.MessageID, v.ConversationID, v.Status.String()), true
	}
	return Key{}, false
}

func fingerprint(kind protocol.Kind, sender, target int64, content string) uint64 {
	d := xxhash.New()
	var buf [20]byte
	_, _ = d.WriteString(string(kind))
	_, _ = d.Write([]byte{0})
	_, _ = d.Write(strconv.AppendInt(buf[:0], sender, 10))
	_, _ = d.Write([]byte{0})
	_, _ = d.Write(strconv.AppendInt(buf[:0], target, 10))
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(content)
	return d.Sum64()
}

// Ledger is a bounded set of keys with oldest-first eviction. It is safe
// for concurrent use.
type Ledger struct {
	mu    sync.Mutex
	cap   int
	keys  map[Key]struct{}
	order []Key
}

func New(capacity int) *Ledger {
	if capacity <= 0 {
		capacity = DefaultCap
	}
	return &Ledger{
		cap:  capacity,
		keys: make(map[Key]struct{}, capacity),
	}
}

// Seen reports whether k was already recorded, recording it if not. The
// check and the insert happen under one lock.
func (l *Ledger) Seen(k Key) bool {
	if Bypass(k.Kind) {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.keys[k]; ok {
		return true
	}
	l.keys[k] = struct{}{}
	l.order = append(l.order, k)

	if len(l.keys) > l.cap {
		l.evict()
	}
	return false
}

// SeenFrame is Seen for a normalized frame. Frames without a key are never
// duplicates.
func (l *Ledger) SeenFrame(f protocol.Frame) bool {
	k, ok := KeyOf(f)
	if !ok {
		return false
	}
	return l.Seen(k)
}

// Len returns the number of recorded keys.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}

// evict drops the oldest fifth of the keys.
func (l *Ledger) evict() {
	n := l.cap / 5
	if n < 1 {
		n = 1
	}
	for _, k := range l.order[:n] {
		delete(l.keys, k)
	}
	l.order = append(l.order[:0:0], l.order[n:]...)
}
