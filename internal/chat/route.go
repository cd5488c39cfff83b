package chat

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"social-hub/internal/directory"
	"social-hub/internal/logging"
	"social-hub/internal/protocol"
	"social-hub/internal/session"
)

// previewRunes bounds notification previews of message content.
const previewRunes = 50

// Handle processes one inbound frame from s. Frames from one session are
// handled in order on its read loop.
func (h *Hub) Handle(ctx context.Context, s *session.Session, raw []byte) {
	f := h.norm.Normalize(raw)

	ctx, span := h.tracer.Start(ctx, "hub.handle", trace.WithNewRoot(),
		trace.WithAttributes(
			attribute.String("frame.kind", string(f.Kind())),
			attribute.Int64("user.id", s.UserID),
		))
	defer span.End()

	switch v := f.(type) {
	case *protocol.ErrorMessage:
		h.rejected.Add(1)
		h.log.Warn("hub - handle - frame rejected", logging.User(s.UserID),
			slog.String("code", v.Code), slog.String("reason", v.Message))
		h.reply(s, v)
		return
	case *protocol.Ping:
		s.Touch()
		h.reply(s, &protocol.Pong{Timestamp: time.Now().UnixMilli()})
		return
	case *protocol.Pong:
		s.Touch()
		return
	case *protocol.Typing:
		v.SenderID = s.UserID
		h.routeTyping(ctx, s, v)
		return
	case *protocol.View:
		h.view(ctx, s, v)
		return
	case *protocol.Handshake, *protocol.Notification:
		// notifications from clients go through the REST endpoint
		h.rejected.Add(1)
		h.log.Warn("hub - handle - frame rejected", logging.User(s.UserID), logging.Kind(string(f.Kind())))
		h.reply(s, protocol.Errorf(protocol.CodeInvalidFormat, "%s frames are not accepted from clients", f.Kind()))
		return
	}

	stampSender(f, s.UserID)
	if s.Inbound.SeenFrame(f) {
		h.duplicates.Add(1)
		if h.observer != nil {
			h.observer.Duplicate(s.UserID, f)
		}
		logging.FromContext(ctx).Debug("hub - handle - duplicate dropped", logging.User(s.UserID), logging.Kind(string(f.Kind())))
		return
	}
	h.routed.Add(1)

	switch v := f.(type) {
	case *protocol.ChatMessage:
		if v.IsGroup {
			h.routeGroup(ctx, s, v)
		} else {
			h.routeDirect(ctx, s, v)
		}
	case *protocol.EventRSVP:
		h.routeRSVP(ctx, s, v)
	case *protocol.FollowerRequest:
		h.routeFollow(ctx, s, v)
	case *protocol.StatusUpdate:
		// a client read receipt acknowledges the whole conversation
		if v.Status == protocol.StatusRead && v.ConversationID > 0 {
			h.MarkRead(ctx, s.UserID, directory.Key{ID: v.ConversationID, IsGroup: v.IsGroup})
		}
	}
}

// stampSender overwrites whatever identity the client claimed with the
// authenticated one.
func stampSender(f protocol.Frame, userID int64) {
	switch v := f.(type) {
	case *protocol.ChatMessage:
		v.SenderID = userID
	case *protocol.EventRSVP:
		v.UserID = userID
	case *protocol.FollowerRequest:
		if v.Status == "" || v.Status == "pending" {
			v.FollowerID = userID
		} else {
			v.FollowedID = userID
		}
	}
}

func (h *Hub) reply(s *session.Session, f protocol.Frame) {
	if err := s.Enqueue(protocol.MustEncode(f)); err != nil {
		h.log.Debug("hub - reply - dropped", logging.User(s.UserID), logging.Kind(string(f.Kind())), logging.Err(err))
	}
}

func encoded(f protocol.Frame) frameOut {
	return frameOut{data: protocol.MustEncode(f), frame: f}
}

func (h *Hub) enrich(ctx context.Context, m *protocol.ChatMessage) {
	if h.users == nil {
		return
	}
	p, err := h.users.Profile(ctx, m.SenderID)
	if err != nil {
		logging.FromContext(ctx).Warn("hub - enrich - profile failed", logging.User(m.SenderID), logging.Err(err))
		return
	}
	m.SenderName = p.Name()
	if p.Avatar != "" {
		m.SenderAvatar = p.Avatar
	}
}

// stage assigns the authoritative id and persists m. ok is false when the
// message must not be routed further. A message the sender already got
// stored, from this session or an earlier one, is answered with its
// stored receipt.
func (h *Hub) stage(ctx context.Context, s *session.Session, m *protocol.ChatMessage) bool {
	if m.ID > 0 && m.ClientMsgID == "" {
		m.ClientMsgID = strconv.FormatInt(m.ID, 10)
	}
	m.ID = h.ids.Next()
	m.Status = protocol.StatusSent
	h.enrich(ctx, m)

	inserted, err := h.store.AppendMessage(ctx, m)
	if err != nil {
		logging.FromContext(ctx).Error("hub - message - save failed", logging.User(s.UserID), logging.Err(err))
		h.reply(s, protocol.Errorf(protocol.CodeMessageSaveFailed, "message could not be saved"))
		return false
	}
	if !inserted {
		h.duplicates.Add(1)
		if h.observer != nil {
			h.observer.Duplicate(s.UserID, m)
		}
		logging.FromContext(ctx).Debug("hub - message - already stored", logging.User(s.UserID),
			logging.Message(m.ID), slog.String("client_msg_id", m.ClientMsgID))
		h.reply(s, receipt(m, m.Status))
		return false
	}
	return true
}

func (h *Hub) routeDirect(ctx context.Context, s *session.Session, m *protocol.ChatMessage) {
	if m.RecipientID == 0 && m.ConversationID > 0 {
		if cp, ok := h.dir.Counterpart(m.ConversationID, s.UserID); ok {
			m.RecipientID = cp
		}
	}
	if m.RecipientID <= 0 || m.RecipientID == s.UserID {
		h.reply(s, protocol.Errorf(protocol.CodeMissingConversation, "message has no conversation or recipient"))
		return
	}
	id, err := h.dir.ResolveDirectConversationID(s.UserID, m.RecipientID)
	if err != nil {
		h.reply(s, protocol.Errorf(protocol.CodeMissingConversation, "conversation cannot be resolved"))
		return
	}
	m.ConversationID, m.Provisional = id, false

	if !h.stage(ctx, s, m) {
		return
	}
	key := directory.Key{ID: id}
	log := logging.FromContext(ctx).With(logging.Message(m.ID), logging.Conversation(key))

	h.dir.RecordMessage(s.UserID, key, m.RecipientID, m.Content, m.CreatedAt, false)

	out := h.deliverTo(ctx, m.RecipientID, key, []frameOut{encoded(m)}, true)
	h.recordReceived(ctx, m.RecipientID, key, s.UserID, m, out)
	status := protocol.StatusSent
	switch {
	case out.viewing:
		status = protocol.StatusRead
	case out.reached():
		status = protocol.StatusDelivered
		h.notifyMessage(ctx, m, m.RecipientID, protocol.NotifyChatMessage, preview(m.Content), fmt.Sprintf("/chat/%d", id))
	}
	h.settle(ctx, s, m, status)
	log.Debug("hub - direct - routed", logging.Recipient(m.RecipientID), slog.String("status", status.String()))
}

func (h *Hub) routeGroup(ctx context.Context, s *session.Session, m *protocol.ChatMessage) {
	if m.GroupID <= 0 {
		h.reply(s, protocol.Errorf(protocol.CodeMissingConversation, "group message has no group"))
		return
	}
	members, err := h.groups.Members(ctx, m.GroupID)
	if err != nil {
		logging.FromContext(ctx).Error("hub - group - members failed", slog.Int64("group_id", m.GroupID), logging.Err(err))
		h.reply(s, protocol.Errorf(protocol.CodeInternal, "group members could not be loaded"))
		return
	}
	if !slices.Contains(members, s.UserID) {
		h.reply(s, protocol.Errorf(protocol.CodeNotGroupMember, "not a member of group %d", m.GroupID))
		return
	}
	m.ConversationID, m.Provisional = m.GroupID, false

	if !h.stage(ctx, s, m) {
		return
	}
	key := directory.Key{ID: m.GroupID, IsGroup: true}
	h.dir.RecordMessage(s.UserID, key, m.GroupID, m.Content, m.CreatedAt, false)

	frames := []frameOut{encoded(m)}
	content := m.SenderName + ": " + preview(m.Content)
	link := fmt.Sprintf("/groups/%d", m.GroupID)
	reached := false
	for _, uid := range members {
		if uid == s.UserID {
			continue
		}
		out := h.deliverTo(ctx, uid, key, frames, true)
		h.recordReceived(ctx, uid, key, m.GroupID, m, out)
		if out.reached() {
			reached = true
			if !out.viewing {
				h.notifyMessage(ctx, m, uid, protocol.NotifyGroupMessage, content, link)
			}
		}
	}

	status := protocol.StatusSent
	if reached {
		status = protocol.StatusDelivered
	}
	h.settle(ctx, s, m, status)
}

// recordReceived updates the roster of a recipient connected here. A
// recipient looking at the conversation has read the message, so the
// stored watermark moves with it. Rosters of users elsewhere are rebuilt
// from the store when they connect.
func (h *Hub) recordReceived(ctx context.Context, owner int64, key directory.Key, counterpart int64, m *protocol.ChatMessage, out outcome) {
	if !out.connected {
		return
	}
	h.dir.RecordMessage(owner, key, counterpart, m.Content, m.CreatedAt, !out.viewing)
	if out.viewing {
		h.MarkRead(ctx, owner, key)
	}
}

// settle records the delivery status and tells the author.
func (h *Hub) settle(ctx context.Context, s *session.Session, m *protocol.ChatMessage, status protocol.Status) {
	if status > protocol.StatusSent {
		if err := h.store.AdvanceStatus(ctx, m.ID, status); err != nil {
			logging.FromContext(ctx).Warn("hub - status - advance failed", logging.Message(m.ID), logging.Err(err))
		}
	}
	h.reply(s, receipt(m, status))
}

func receipt(m *protocol.ChatMessage, status protocol.Status) *protocol.StatusUpdate {
	return &protocol.StatusUpdate{
		MessageID:      m.ID,
		ClientMsgID:    m.ClientMsgID,
		ConversationID: m.ConversationID,
		IsGroup:        m.IsGroup,
		Status:         status,
	}
}

func (h *Hub) notifyMessage(ctx context.Context, m *protocol.ChatMessage, to int64, typ protocol.NotificationType, content, link string) {
	n := &protocol.Notification{
		UserID:         to,
		Type:           typ,
		Content:        content,
		Link:           link,
		ConversationID: m.ConversationID,
		IsGroup:        m.IsGroup,
		FromUserID:     m.SenderID,
		GroupID:        m.GroupID,
	}
	if err := h.Notify(ctx, n); err != nil {
		logging.FromContext(ctx).Warn("hub - notify - failed", logging.Recipient(to), logging.Err(err))
	}
}

func (h *Hub) routeRSVP(ctx context.Context, s *session.Session, v *protocol.EventRSVP) {
	members, err := h.groups.Members(ctx, v.GroupID)
	if err != nil {
		h.reply(s, protocol.Errorf(protocol.CodeInternal, "group members could not be loaded"))
		return
	}
	if !slices.Contains(members, s.UserID) {
		h.reply(s, protocol.Errorf(protocol.CodeNotGroupMember, "not a member of group %d", v.GroupID))
		return
	}
	frames := []frameOut{encoded(v)}
	for _, uid := range members {
		if uid != s.UserID {
			h.deliverTo(ctx, uid, directory.Key{}, frames, false)
		}
	}
}

func (h *Hub) routeFollow(ctx context.Context, s *session.Session, v *protocol.FollowerRequest) {
	if v.FollowerID <= 0 || v.FollowedID <= 0 || v.FollowerID == v.FollowedID {
		h.reply(s, protocol.Errorf(protocol.CodeInvalidFormat, "follower request needs two distinct users"))
		return
	}

	actor := s.UserID
	name := "Someone"
	if h.users != nil {
		if p, err := h.users.Profile(ctx, actor); err == nil {
			name = p.Name()
			if actor == v.FollowerID {
				v.FollowerName, v.FollowerAvatar = name, p.Avatar
			}
		}
	}

	n := &protocol.Notification{Type: protocol.NotifyFollowRequest, FromUserID: actor}
	switch v.Status {
	case "", "pending":
		v.Status = "pending"
		n.UserID = v.FollowedID
		n.Content = name + " wants to follow you"
		n.Link = fmt.Sprintf("/profile/%d", v.FollowerID)
	case "accepted":
		n.UserID = v.FollowerID
		n.Content = name + " accepted your follow request"
		n.Link = fmt.Sprintf("/profile/%d", v.FollowedID)
	case "rejected", "declined":
		n.UserID = v.FollowerID
		n.Content = name + " declined your follow request"
		n.Link = fmt.Sprintf("/profile/%d", v.FollowedID)
	default:
		h.reply(s, protocol.Errorf(protocol.CodeInvalidFormat, "unknown follower request status %q", v.Status))
		return
	}

	h.deliverTo(ctx, n.UserID, directory.Key{}, []frameOut{encoded(v)}, false)
	if err := h.Notify(ctx, n); err != nil {
		h.reply(s, protocol.Errorf(protocol.CodeInternal, "notification could not be stored"))
	}
}

// view records the conversation s is looking at and marks it read.
func (h *Hub) view(ctx context.Context, s *session.Session, v *protocol.View) {
	if v.ConversationID == 0 {
		s.SetActive(directory.Key{}, false)
		return
	}
	key := directory.Key{ID: v.ConversationID, IsGroup: v.IsGroup}
	s.SetActive(key, true)
	h.MarkRead(ctx, s.UserID, key)
}

// MarkRead zeroes the user's unread count for key. The directory hook
// persists the read watermark.
func (h *Hub) MarkRead(ctx context.Context, userID int64, key directory.Key) {
	h.dir.MarkRead(userID, key)
}

func (h *Hub) persistRead(owner int64, key directory.Key) {
	ctx, cancel := context.WithTimeout(h.background(), 5*time.Second)
	defer cancel()
	if err := h.store.MarkConversationRead(ctx, owner, key); err != nil {
		h.log.Error("hub - read - persist failed", logging.User(owner), logging.Conversation(key), logging.Err(err))
	}
}

func preview(content string) string {
	r := []rune(content)
	if len(r) <= previewRunes {
		return content
	}
	return string(r[:previewRunes]) + "..."
}
