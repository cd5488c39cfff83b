package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"social-hub/internal/directory"
	"social-hub/internal/logging"
	"social-hub/internal/protocol"
	"social-hub/internal/session"
)

var ErrHubStopped = errors.New("chat: hub stopped")

// Options wires the hub to its collaborators. Presence, Inbox, Relay and
// Observer are optional; without them the hub delivers locally only.
type Options struct {
	Store     Store
	Groups    Groups
	Users     Users
	Presence  Presence
	Inbox     Inbox
	Relay     Relay
	Observer  Observer
	Directory *directory.Directory

	// NodeID keeps ids from different nodes apart.
	NodeID          string
	TypingTimeout   time.Duration
	PresenceRefresh time.Duration
	Log             *slog.Logger
}

// Hub owns the registry of connected sessions and routes every inbound
// frame. The sessions map is only touched by the Run loop.
type Hub struct {
	store    Store
	groups   Groups
	users    Users
	presence Presence
	inbox    Inbox
	relay    Relay
	observer Observer
	dir      *directory.Directory

	norm    *protocol.Normalizer
	ids     *IDs
	typing  *typingTracker
	tracer  trace.Tracer
	log     *slog.Logger
	refresh time.Duration

	sessions   map[int64]*session.Session
	register   chan *session.Session
	unregister chan *session.Session
	deliveries chan delivery
	queries    chan func(map[int64]*session.Session)
	done       chan struct{}
	base       atomic.Pointer[context.Context]

	routed, delivered, relayed, queued, notified, duplicates, rejected atomic.Int64
}

func NewHub(opts Options) *Hub {
	if opts.Directory == nil {
		opts.Directory = directory.New(directory.DefaultPairBase)
	}
	if opts.TypingTimeout <= 0 {
		opts.TypingTimeout = 3 * time.Second
	}
	if opts.PresenceRefresh <= 0 {
		opts.PresenceRefresh = 20 * time.Second
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}

	h := &Hub{
		store:      opts.Store,
		groups:     opts.Groups,
		users:      opts.Users,
		presence:   opts.Presence,
		inbox:      opts.Inbox,
		relay:      opts.Relay,
		observer:   opts.Observer,
		dir:        opts.Directory,
		norm:       &protocol.Normalizer{Lookup: opts.Directory},
		ids:        NewIDs(opts.NodeID),
		typing:     newTypingTracker(opts.TypingTimeout),
		tracer:     otel.Tracer("social-hub/chat"),
		log:        opts.Log.With(slog.String("component", "hub")),
		refresh:    opts.PresenceRefresh,
		sessions:   make(map[int64]*session.Session),
		register:   make(chan *session.Session),
		unregister: make(chan *session.Session),
		deliveries: make(chan delivery),
		queries:    make(chan func(map[int64]*session.Session)),
		done:       make(chan struct{}),
	}
	h.dir.OnRead(h.persistRead)
	return h
}

// Directory is the roster the hub keeps current.
func (h *Hub) Directory() *directory.Directory {
	return h.dir
}

func (h *Hub) background() context.Context {
	if ctx := h.base.Load(); ctx != nil {
		return *ctx
	}
	return context.Background()
}

// Run is the registry loop. It returns when ctx is done, closing every
// session with a going-away frame.
func (h *Hub) Run(ctx context.Context) {
	base := context.WithoutCancel(ctx)
	h.base.Store(&base)
	defer close(h.done)

	if h.relay != nil {
		go h.subscribe(ctx)
	}
	if h.presence != nil {
		go h.refreshPresence(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			for _, s := range h.sessions {
				go s.Close(websocket.CloseGoingAway, "server shutting down")
			}
			h.log.Info("hub - run - stopped", slog.Int("sessions", len(h.sessions)))
			return

		case s := <-h.register:
			if old, ok := h.sessions[s.UserID]; ok && old != s {
				// the write can block for WriteWait, keep it off the loop
				go old.Close(websocket.CloseNormalClosure, "replaced")
				h.log.Info("hub - register - replaced", logging.User(s.UserID), logging.Session(old.Handle))
			}
			h.sessions[s.UserID] = s

		case s := <-h.unregister:
			if cur, ok := h.sessions[s.UserID]; ok && cur == s {
				delete(h.sessions, s.UserID)
			}

		case d := <-h.deliveries:
			out := h.dispatch(d)
			if d.reply != nil {
				d.reply <- out
			}

		case q := <-h.queries:
			q(h.sessions)
		}
	}
}

// dispatch looks the user up and enqueues in one step. Frames the session
// already received are skipped.
func (h *Hub) dispatch(d delivery) outcome {
	s, ok := h.sessions[d.userID]
	if !ok {
		return outcome{}
	}
	out := outcome{connected: true}
	if d.key.ID != 0 {
		out.viewing = s.Viewing(d.key)
	}
	for _, f := range d.frames {
		if f.frame != nil && s.Delivered.SeenFrame(f.frame) {
			continue
		}
		err := s.Enqueue(f.data)
		switch {
		case errors.Is(err, session.ErrSlowConsumer):
			h.log.Warn("hub - deliver - slow consumer", logging.User(d.userID), logging.Session(s.Handle))
			go s.Close(websocket.ClosePolicyViolation, "slow consumer")
			delete(h.sessions, d.userID)
			return outcome{}
		case errors.Is(err, session.ErrClosed):
			delete(h.sessions, d.userID)
			return outcome{}
		}
	}
	return out
}

// local hands frames to a session on this node.
func (h *Hub) local(ctx context.Context, userID int64, key directory.Key, frames []frameOut) outcome {
	d := delivery{userID: userID, key: key, frames: frames, reply: make(chan outcome, 1)}
	select {
	case h.deliveries <- d:
	case <-ctx.Done():
		return outcome{}
	case <-h.done:
		return outcome{}
	}
	select {
	case out := <-d.reply:
		return out
	case <-ctx.Done():
		return outcome{}
	}
}

// deliverTo tries this node, then the node presence says holds the user,
// then (when queue is set) the user's offline inbox.
func (h *Hub) deliverTo(ctx context.Context, userID int64, key directory.Key, frames []frameOut, queue bool) outcome {
	out := h.local(ctx, userID, key, frames)
	if out.connected {
		h.delivered.Add(1)
		return out
	}

	data := make([][]byte, len(frames))
	for i, f := range frames {
		data[i] = f.data
	}

	if h.presence != nil && h.relay != nil {
		online, err := h.presence.IsOnline(ctx, userID)
		if err != nil {
			h.log.Warn("hub - presence - lookup failed", logging.User(userID), logging.Err(err))
		}
		if online {
			if err := h.relay.Publish(ctx, userID, data); err != nil {
				h.log.Warn("hub - relay - publish failed", logging.User(userID), logging.Err(err))
			} else {
				h.relayed.Add(1)
				out.relayed = true
				return out
			}
		}
	}

	if queue && h.inbox != nil {
		for _, b := range data {
			if err := h.inbox.Push(ctx, userID, b); err != nil {
				h.log.Error("hub - inbox - push failed", logging.User(userID), logging.Err(err))
				return out
			}
		}
		h.queued.Add(1)
		out.queued = true
	}
	return out
}

// Attach registers s, runs the connect resync and starts its pumps. The
// session is detached when its read loop ends.
func (h *Hub) Attach(ctx context.Context, s *session.Session) error {
	ctx = context.WithoutCancel(ctx)
	select {
	case h.register <- s:
	case <-h.done:
		s.Close(websocket.CloseGoingAway, "server shutting down")
		return ErrHubStopped
	}

	go s.WritePump()
	h.open(ctx, s)
	go func() {
		s.ReadPump(func(raw []byte) { h.Handle(ctx, s, raw) })
		h.Detach(ctx, s)
	}()
	return nil
}

// Detach drops s from the registry and cancels its typing timers. The
// user's roster is released unless a replacement session is registered.
func (h *Hub) Detach(ctx context.Context, s *session.Session) {
	s.Close(websocket.CloseNormalClosure, "")
	select {
	case h.unregister <- s:
	case <-h.done:
	}
	h.typing.stopSender(s.UserID)

	if !h.forgetIfGone(s.UserID) {
		return
	}
	if h.presence != nil {
		if err := h.presence.MarkOffline(ctx, s.UserID); err != nil {
			h.log.Warn("hub - presence - mark offline failed", logging.User(s.UserID), logging.Err(err))
		}
	}
	h.log.Info("hub - detach - done", logging.User(s.UserID), logging.Session(s.Handle))
}

// open sends the handshake and replays what the user missed: unread
// notifications, the conversation roster, then the offline inbox.
func (h *Hub) open(ctx context.Context, s *session.Session) {
	ctx, span := h.tracer.Start(ctx, "hub.open")
	defer span.End()
	log := h.log.With(logging.User(s.UserID), logging.Session(s.Handle))

	if h.presence != nil {
		if err := h.presence.MarkOnline(ctx, s.UserID); err != nil {
			log.Warn("hub - presence - mark online failed", logging.Err(err))
		}
	}

	hs := &protocol.Handshake{UserID: s.UserID, SessionID: s.Handle, ServerTime: time.Now().UnixMilli()}
	if err := s.Enqueue(protocol.MustEncode(hs)); err != nil {
		log.Warn("hub - open - handshake failed", logging.Err(err))
		return
	}
	s.MarkOpen()

	unread, err := h.store.UnreadNotifications(ctx, s.UserID)
	if err != nil {
		log.Error("hub - open - unread notifications failed", logging.Err(err))
	}
	for i := range unread {
		n := &unread[i]
		if s.Delivered.SeenFrame(n) {
			continue
		}
		_ = s.Enqueue(protocol.MustEncode(n))
	}

	roster, err := h.roster(ctx, s.UserID)
	if err != nil {
		log.Error("hub - open - roster failed", logging.Err(err))
	} else if b, err := protocol.EncodeData(protocol.KindConversations, roster); err == nil {
		_ = s.Enqueue(b)
	}

	if h.inbox == nil {
		return
	}
	pending, err := h.inbox.Drain(ctx, s.UserID)
	if err != nil {
		log.Error("hub - open - inbox drain failed", logging.Err(err))
		return
	}
	if len(pending) > 0 {
		h.local(ctx, s.UserID, directory.Key{}, h.decode(pending))
		log.Info("hub - open - inbox flushed", slog.Int("frames", len(pending)))
	}
}

// decode pairs raw frames with their parsed form so the delivery ledger
// can recognize repeats.
func (h *Hub) decode(raw [][]byte) []frameOut {
	out := make([]frameOut, 0, len(raw))
	for _, b := range raw {
		f := protocol.Normalize(b, nil)
		if _, bad := f.(*protocol.ErrorMessage); bad {
			f = nil
		}
		out = append(out, frameOut{data: b, frame: f})
	}
	return out
}

// forgetIfGone releases the roster of a user with no session here. It runs
// on the loop so a registration cannot slip in between.
func (h *Hub) forgetIfGone(userID int64) bool {
	var gone bool
	ran := h.query(func(m map[int64]*session.Session) {
		if _, ok := m[userID]; !ok {
			gone = true
			h.dir.Forget(userID)
		}
	})
	return gone || !ran
}

// Roster returns the user's conversations, seeding the directory from the
// store on first use. Only users connected here keep a roster in memory.
func (h *Hub) Roster(ctx context.Context, userID int64) ([]directory.Conversation, error) {
	list, err := h.roster(ctx, userID)
	if err != nil {
		return nil, err
	}
	h.forgetIfGone(userID)
	return list, nil
}

func (h *Hub) roster(ctx context.Context, userID int64) ([]directory.Conversation, error) {
	if !h.dir.Hydrated(userID) {
		convs, err := h.store.ConversationSummaries(ctx, userID)
		if err != nil {
			return nil, err
		}
		for i := range convs {
			if convs[i].IsGroup || h.users == nil {
				continue
			}
			if p, err := h.users.Profile(ctx, convs[i].ParticipantID); err == nil {
				convs[i].Name = p.Name()
				convs[i].Avatar = p.Avatar
			}
		}
		h.dir.Hydrate(userID, convs)
	}
	return h.dir.List(userID), nil
}

// subscribe feeds frames relayed by other nodes into the local registry.
func (h *Hub) subscribe(ctx context.Context) {
	err := h.relay.Subscribe(ctx, func(userID int64, frames [][]byte) {
		out := h.local(ctx, userID, directory.Key{}, h.decode(frames))
		if !out.connected {
			h.log.Debug("hub - relay - recipient not here", logging.User(userID))
			return
		}
		for _, f := range frames {
			if m, ok := protocol.Normalize(f, nil).(*protocol.ChatMessage); ok {
				h.dir.RecordMessage(userID, directory.Key{ID: m.ConversationID, IsGroup: m.IsGroup},
					counterpartOf(m, userID), m.Content, m.CreatedAt, true)
			}
		}
	})
	if err != nil && ctx.Err() == nil {
		h.log.Error("hub - relay - subscribe ended", logging.Err(err))
	}
}

func (h *Hub) refreshPresence(ctx context.Context) {
	ticker := time.NewTicker(h.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range h.connectedUsers() {
				if err := h.presence.MarkOnline(ctx, id); err != nil {
					h.log.Warn("hub - presence - refresh failed", logging.User(id), logging.Err(err))
				}
			}
		}
	}
}

// query runs fn on the run loop.
func (h *Hub) query(fn func(map[int64]*session.Session)) bool {
	ran := make(chan struct{})
	select {
	case h.queries <- func(m map[int64]*session.Session) { fn(m); close(ran) }:
		<-ran
		return true
	case <-h.done:
		return false
	}
}

// Connected reports whether userID has a session on this node.
func (h *Hub) Connected(userID int64) bool {
	var ok bool
	h.query(func(m map[int64]*session.Session) { _, ok = m[userID] })
	return ok
}

func (h *Hub) connectedUsers() []int64 {
	var ids []int64
	h.query(func(m map[int64]*session.Session) {
		for id := range m {
			ids = append(ids, id)
		}
	})
	return ids
}

func (h *Hub) Stats() Stats {
	var n int
	h.query(func(m map[int64]*session.Session) { n = len(m) })
	return Stats{
		Sessions:   n,
		Routed:     h.routed.Load(),
		Delivered:  h.delivered.Load(),
		Relayed:    h.relayed.Load(),
		Queued:     h.queued.Load(),
		Notified:   h.notified.Load(),
		Duplicates: h.duplicates.Load(),
		Rejected:   h.rejected.Load(),
	}
}

func counterpartOf(m *protocol.ChatMessage, owner int64) int64 {
	switch {
	case m.IsGroup:
		return m.ConversationID
	case m.SenderID == owner:
		return m.RecipientID
	}
	return m.SenderID
}
