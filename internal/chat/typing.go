package chat

import (
	"context"
	"sync"
	"time"

	"social-hub/internal/directory"
	"social-hub/internal/protocol"
	"social-hub/internal/session"
)

type typingPair struct {
	sender, recipient int64
}

// typingTracker expires typing indicators the client never cleared.
type typingTracker struct {
	timeout time.Duration

	mu     sync.Mutex
	timers map[typingPair]*time.Timer
}

func newTypingTracker(timeout time.Duration) *typingTracker {
	return &typingTracker{
		timeout: timeout,
		timers:  make(map[typingPair]*time.Timer),
	}
}

// start (re)arms the timer for p. expire runs only if the timer is still
// the current one when it fires.
func (t *typingTracker) start(p typingPair, expire func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.timers[p]; ok {
		old.Stop()
	}
	var tm *time.Timer
	tm = time.AfterFunc(t.timeout, func() {
		t.mu.Lock()
		if t.timers[p] != tm {
			t.mu.Unlock()
			return
		}
		delete(t.timers, p)
		t.mu.Unlock()
		expire()
	})
	t.timers[p] = tm
}

func (t *typingTracker) stop(p typingPair) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	tm, ok := t.timers[p]
	if ok {
		tm.Stop()
		delete(t.timers, p)
	}
	return ok
}

func (t *typingTracker) stopSender(sender int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for p, tm := range t.timers {
		if p.sender == sender {
			tm.Stop()
			delete(t.timers, p)
		}
	}
}

func (t *typingTracker) active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}

// routeTyping forwards the indicator to the addressed user only. Typing
// frames are never stored, queued or deduplicated.
func (h *Hub) routeTyping(ctx context.Context, s *session.Session, v *protocol.Typing) {
	if v.RecipientID == 0 && v.ConversationID > 0 {
		if cp, ok := h.dir.Counterpart(v.ConversationID, s.UserID); ok {
			v.RecipientID = cp
		}
	}
	if v.RecipientID <= 0 || v.RecipientID == s.UserID {
		return
	}
	if v.ConversationID == 0 {
		v.ConversationID, _ = h.dir.ResolveDirectConversationID(s.UserID, v.RecipientID)
	}
	v.Expired = false

	p := typingPair{sender: s.UserID, recipient: v.RecipientID}
	if v.IsTyping {
		expired := protocol.Typing{
			ConversationID: v.ConversationID,
			SenderID:       v.SenderID,
			RecipientID:    v.RecipientID,
			IsTyping:       false,
			Expired:        true,
		}
		h.typing.start(p, func() {
			h.deliverTo(h.background(), p.recipient, directory.Key{}, []frameOut{{data: protocol.MustEncode(&expired)}}, false)
		})
	} else {
		h.typing.stop(p)
	}
	h.deliverTo(ctx, v.RecipientID, directory.Key{}, []frameOut{{data: protocol.MustEncode(v)}}, false)
}
