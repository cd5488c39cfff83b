package chat

import (
	"context"
	"log/slog"
	"time"

	"social-hub/internal/directory"
	"social-hub/internal/logging"
	"social-hub/internal/protocol"
)

// Notify persists n and pushes it to the user if they are connected.
// Offline users pick it up from the unread replay on their next connect.
func (h *Hub) Notify(ctx context.Context, n *protocol.Notification) error {
	n.ID = h.ids.Next()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	n.IsRead = false

	inserted, err := h.store.AppendNotification(ctx, n)
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}
	h.notified.Add(1)

	out := h.deliverTo(ctx, n.UserID, directory.Key{}, []frameOut{encoded(n)}, false)
	logging.FromContext(ctx).Debug("hub - notify - done",
		logging.User(n.UserID), logging.Kind(string(n.Type)),
		slog.Int64("notification_id", n.ID), slog.Bool("pushed", out.reached()))
	return nil
}
