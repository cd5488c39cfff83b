package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"social-hub/internal/directory"
	"social-hub/internal/logging"
	myMiddleware "social-hub/internal/middleware"
	"social-hub/internal/protocol"
	"social-hub/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // origin policy is enforced by the fronting proxy
	},
}

// Membership answers group access checks for the REST history endpoint.
type Membership interface {
	IsMember(ctx context.Context, groupID, userID int64) (bool, error)
}

// Accounts records users the first time they connect.
type Accounts interface {
	Remember(ctx context.Context, id int64, username string) error
}

type Handler struct {
	hub          *Hub
	store        Store
	members      Membership
	accounts     Accounts
	session      session.Config
	historyLimit int
}

func NewHandler(hub *Hub, store Store, members Membership, accounts Accounts, cfg session.Config, historyLimit int) *Handler {
	if historyLimit <= 0 {
		historyLimit = 50
	}
	return &Handler{
		hub:          hub,
		store:        store,
		members:      members,
		accounts:     accounts,
		session:      cfg,
		historyLimit: historyLimit,
	}
}

// Mount registers the websocket and REST routes. The caller applies auth.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/ws", h.ServeWs)

	r.Route("/api/conversations", func(r chi.Router) {
		r.Get("/", h.Conversations)
		r.Post("/potential", h.StartConversation)
		r.Get("/{id}/messages", h.History)
		r.Post("/{id}/read", h.MarkConversationRead)
	})

	r.Route("/api/notifications", func(r chi.Router) {
		r.Get("/", h.Notifications)
		r.Post("/", h.PostNotification)
		r.Post("/{id}/read", h.MarkNotificationRead)
	})

	r.Get("/api/hub/stats", h.Stats)
}

func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	log := logging.FromContext(r.Context()).With(logging.User(userID))

	if h.accounts != nil {
		if err := h.accounts.Remember(r.Context(), userID, myMiddleware.UsernameFrom(r.Context())); err != nil {
			log.Warn("chat - serve ws - remember user failed", logging.Err(err))
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("chat - serve ws - upgrade failed", logging.Err(err))
		return
	}

	s := session.New(userID, conn, h.session, logging.FromContext(r.Context()))
	if err := h.hub.Attach(r.Context(), s); err != nil {
		log.Warn("chat - serve ws - attach failed", logging.Err(err))
	}
}

// Conversations returns the caller's roster.
func (h *Handler) Conversations(w http.ResponseWriter, r *http.Request) {
	userID, _ := myMiddleware.UserFrom(r.Context())
	roster, err := h.hub.Roster(r.Context(), userID)
	if err != nil {
		logging.FromContext(r.Context()).Error("chat - conversations - failed", logging.User(userID), logging.Err(err))
		http.Error(w, "could not load conversations", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, roster)
}

// StartConversation adds a potential direct conversation with userId.
func (h *Handler) StartConversation(w http.ResponseWriter, r *http.Request) {
	userID, _ := myMiddleware.UserFrom(r.Context())

	var req struct {
		UserID int64 `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	c, err := h.hub.Directory().AddPotential(userID, req.UserID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// History returns the latest messages of a conversation the caller takes
// part in.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	userID, _ := myMiddleware.UserFrom(r.Context())
	key, ok := conversationKey(r)
	if !ok {
		http.Error(w, "invalid conversation id", http.StatusBadRequest)
		return
	}

	if key.IsGroup {
		member, err := h.members.IsMember(r.Context(), key.ID, userID)
		if err != nil {
			http.Error(w, "could not check membership", http.StatusInternalServerError)
			return
		}
		if !member {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	} else if _, ok := h.hub.Directory().Counterpart(key.ID, userID); !ok {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	limit := h.historyLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v < limit {
		limit = v
	}

	msgs, err := h.store.Messages(r.Context(), key, limit)
	if err != nil {
		logging.FromContext(r.Context()).Error("chat - history - failed", logging.Conversation(key), logging.Err(err))
		http.Error(w, "could not load messages", http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []protocol.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) MarkConversationRead(w http.ResponseWriter, r *http.Request) {
	userID, _ := myMiddleware.UserFrom(r.Context())
	key, ok := conversationKey(r)
	if !ok {
		http.Error(w, "invalid conversation id", http.StatusBadRequest)
		return
	}
	h.hub.MarkRead(r.Context(), userID, key)
	w.WriteHeader(http.StatusNoContent)
}

// Notifications returns the latest notifications, newest first.
func (h *Handler) Notifications(w http.ResponseWriter, r *http.Request) {
	userID, _ := myMiddleware.UserFrom(r.Context())
	list, err := h.store.Notifications(r.Context(), userID, h.historyLimit)
	if err != nil {
		http.Error(w, "could not load notifications", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	userID, _ := myMiddleware.UserFrom(r.Context())
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid notification id", http.StatusBadRequest)
		return
	}
	if err := h.store.MarkNotificationRead(r.Context(), userID, id); err != nil {
		http.Error(w, "could not update notification", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var errBadNotification = errors.New("notification needs userId, a known type and content")

var postableTypes = map[protocol.NotificationType]bool{
	protocol.NotifyFollowRequest:   true,
	protocol.NotifyGroupInvitation: true,
	protocol.NotifyJoinRequest:     true,
	protocol.NotifyGroupEvent:      true,
}

// PostNotification lets other services push a notification through the
// hub. The caller is recorded as its origin.
func (h *Handler) PostNotification(w http.ResponseWriter, r *http.Request) {
	userID, _ := myMiddleware.UserFrom(r.Context())

	var n protocol.Notification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if n.UserID <= 0 || !postableTypes[n.Type] || strings.TrimSpace(n.Content) == "" {
		http.Error(w, errBadNotification.Error(), http.StatusBadRequest)
		return
	}
	n.FromUserID = userID

	if err := h.hub.Notify(r.Context(), &n); err != nil {
		logging.FromContext(r.Context()).Error("chat - notify - failed", logging.Recipient(n.UserID), logging.Err(err))
		http.Error(w, "could not store notification", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.hub.Stats())
}

func conversationKey(r *http.Request) (directory.Key, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return directory.Key{}, false
	}
	group, _ := strconv.ParseBool(r.URL.Query().Get("group"))
	return directory.Key{ID: id, IsGroup: group}, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
