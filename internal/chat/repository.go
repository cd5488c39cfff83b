package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"social-hub/internal/db"
	"social-hub/internal/directory"
	"social-hub/internal/protocol"
)

// ErrMessageIDTaken means an append hit an id already used by another
// message.
var ErrMessageIDTaken = errors.New("chat: message id already taken")

// Repository is the SQL Store.
type Repository struct {
	db *db.Database
}

func NewRepository(database *db.Database) *Repository {
	return &Repository{db: database}
}

// AppendMessage stores m once per id and, when m carries a client id, once
// per (sender, client id). A repeat loads the stored row into m and
// reports inserted false.
func (r *Repository) AppendMessage(ctx context.Context, m *protocol.ChatMessage) (bool, error) {
	query := `INSERT INTO messages
        (id, conversation_id, is_group, sender_id, recipient_id, content, client_msg_id, status, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT DO NOTHING`
	res, err := r.db.Conn.ExecContext(ctx, r.db.Rebind(query),
		m.ID, m.ConversationID, m.IsGroup, m.SenderID, m.RecipientID, m.Content,
		m.ClientMsgID, int(m.Status), m.CreatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("append message %d: %w", m.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	return false, r.loadStored(ctx, m)
}

// loadStored fills m from the row a repeat append collided with.
func (r *Repository) loadStored(ctx context.Context, m *protocol.ChatMessage) error {
	var row *sql.Row
	if m.ClientMsgID != "" {
		query := `SELECT id, conversation_id, status, created_at FROM messages
            WHERE sender_id = ? AND client_msg_id = ?`
		row = r.db.Conn.QueryRowContext(ctx, r.db.Rebind(query), m.SenderID, m.ClientMsgID)
	} else {
		query := `SELECT id, conversation_id, status, created_at FROM messages
            WHERE id = ? AND sender_id = ? AND client_msg_id = ''`
		row = r.db.Conn.QueryRowContext(ctx, r.db.Rebind(query), m.ID, m.SenderID)
	}

	var status int
	var at time.Time
	err := row.Scan(&m.ID, &m.ConversationID, &status, &at)
	if errors.Is(err, sql.ErrNoRows) {
		// the id belongs to a different message
		return fmt.Errorf("%w: %d", ErrMessageIDTaken, m.ID)
	}
	if err != nil {
		return fmt.Errorf("load message %d: %w", m.ID, err)
	}
	m.Status = protocol.Status(status)
	m.CreatedAt = at
	return nil
}

// AdvanceStatus never moves a status backwards.
func (r *Repository) AdvanceStatus(ctx context.Context, messageID int64, status protocol.Status) error {
	query := "UPDATE messages SET status = ? WHERE id = ? AND status < ?"
	_, err := r.db.Conn.ExecContext(ctx, r.db.Rebind(query), int(status), messageID, int(status))
	return err
}

func (r *Repository) AppendNotification(ctx context.Context, n *protocol.Notification) (bool, error) {
	query := `INSERT INTO notifications
        (id, user_id, type, content, link, is_read, conversation_id, is_group, from_user_id, group_id, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (id) DO NOTHING`
	res, err := r.db.Conn.ExecContext(ctx, r.db.Rebind(query),
		n.ID, n.UserID, string(n.Type), n.Content, n.Link, n.IsRead,
		n.ConversationID, n.IsGroup, n.FromUserID, n.GroupID, n.CreatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("append notification %d: %w", n.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// MarkConversationRead moves the user's read watermark to the newest
// message, marks correlated notifications read and advances the status of
// messages the user received. The watermark only moves forward.
func (r *Repository) MarkConversationRead(ctx context.Context, userID int64, key directory.Key) error {
	tx, err := r.db.Conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	watermark := `INSERT INTO conversation_reads (user_id, conversation_id, is_group, last_read_id)
        VALUES (?, ?, ?, (SELECT COALESCE(MAX(id), 0) FROM messages WHERE conversation_id = ? AND is_group = ?))
        ON CONFLICT (user_id, conversation_id, is_group)
        DO UPDATE SET last_read_id = excluded.last_read_id
        WHERE excluded.last_read_id > conversation_reads.last_read_id`
	if _, err := tx.ExecContext(ctx, r.db.Rebind(watermark), userID, key.ID, key.IsGroup, key.ID, key.IsGroup); err != nil {
		return fmt.Errorf("read watermark: %w", err)
	}

	notifications := `UPDATE notifications SET is_read = TRUE
        WHERE user_id = ? AND conversation_id = ? AND is_group = ? AND is_read = FALSE`
	if _, err := tx.ExecContext(ctx, r.db.Rebind(notifications), userID, key.ID, key.IsGroup); err != nil {
		return fmt.Errorf("read notifications: %w", err)
	}

	if !key.IsGroup {
		receipts := `UPDATE messages SET status = ?
            WHERE conversation_id = ? AND is_group = FALSE AND recipient_id = ? AND status < ?`
		read := int(protocol.StatusRead)
		if _, err := tx.ExecContext(ctx, r.db.Rebind(receipts), read, key.ID, userID, read); err != nil {
			return fmt.Errorf("read receipts: %w", err)
		}
	}

	return tx.Commit()
}

func (r *Repository) MarkNotificationRead(ctx context.Context, userID, notificationID int64) error {
	query := "UPDATE notifications SET is_read = TRUE WHERE id = ? AND user_id = ?"
	_, err := r.db.Conn.ExecContext(ctx, r.db.Rebind(query), notificationID, userID)
	return err
}

const notificationColumns = `id, user_id, type, content, link, is_read, conversation_id, is_group, from_user_id, group_id, created_at`

func scanNotifications(rows *sql.Rows) ([]protocol.Notification, error) {
	defer rows.Close()

	out := []protocol.Notification{}
	for rows.Next() {
		var n protocol.Notification
		var typ string
		if err := rows.Scan(&n.ID, &n.UserID, &typ, &n.Content, &n.Link, &n.IsRead,
			&n.ConversationID, &n.IsGroup, &n.FromUserID, &n.GroupID, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Type = protocol.NotificationType(typ)
		out = append(out, n)
	}
	return out, rows.Err()
}

// UnreadNotifications returns every unread notification, oldest first, for
// replay on connect.
func (r *Repository) UnreadNotifications(ctx context.Context, userID int64) ([]protocol.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications
        WHERE user_id = ? AND is_read = FALSE ORDER BY id`
	rows, err := r.db.Conn.QueryContext(ctx, r.db.Rebind(query), userID)
	if err != nil {
		return nil, err
	}
	return scanNotifications(rows)
}

// Notifications returns the latest notifications, newest first.
func (r *Repository) Notifications(ctx context.Context, userID int64, limit int) ([]protocol.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications
        WHERE user_id = ? ORDER BY id DESC LIMIT ?`
	rows, err := r.db.Conn.QueryContext(ctx, r.db.Rebind(query), userID, limit)
	if err != nil {
		return nil, err
	}
	return scanNotifications(rows)
}

// ConversationSummaries rebuilds a user's roster from stored messages:
// one row per conversation with its latest message and the number of
// messages from others past the read watermark.
func (r *Repository) ConversationSummaries(ctx context.Context, userID int64) ([]directory.Conversation, error) {
	query := `
        SELECT m.conversation_id, m.is_group, m.sender_id, m.recipient_id, m.content, m.created_at,
            (SELECT COUNT(*) FROM messages u
                WHERE u.conversation_id = m.conversation_id AND u.is_group = m.is_group
                AND u.sender_id <> ?
                AND u.id > COALESCE((SELECT cr.last_read_id FROM conversation_reads cr
                    WHERE cr.user_id = ? AND cr.conversation_id = m.conversation_id
                    AND cr.is_group = m.is_group), 0))
        FROM messages m
        WHERE m.id IN (
            SELECT MAX(id) FROM messages
            WHERE (is_group = FALSE AND (sender_id = ? OR recipient_id = ?))
               OR (is_group = TRUE AND conversation_id IN
                    (SELECT group_id FROM group_members WHERE user_id = ?))
            GROUP BY conversation_id, is_group)
        ORDER BY m.id DESC`
	rows, err := r.db.Conn.QueryContext(ctx, r.db.Rebind(query), userID, userID, userID, userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []directory.Conversation{}
	for rows.Next() {
		var (
			c                 directory.Conversation
			sender, recipient int64
			lastAt            sql.NullTime
		)
		if err := rows.Scan(&c.ID, &c.IsGroup, &sender, &recipient, &c.LastMessage, &lastAt, &c.UnreadCount); err != nil {
			return nil, err
		}
		switch {
		case c.IsGroup:
			c.ParticipantID = c.ID
		case sender == userID:
			c.ParticipantID = recipient
		default:
			c.ParticipantID = sender
		}
		if lastAt.Valid {
			at := lastAt.Time
			c.LastMessageAt = &at
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Messages returns the latest limit messages of a conversation, oldest
// first.
func (r *Repository) Messages(ctx context.Context, key directory.Key, limit int) ([]protocol.ChatMessage, error) {
	query := `
        SELECT m.id, m.conversation_id, m.is_group, m.sender_id, m.recipient_id, m.content,
            m.client_msg_id, m.status, m.created_at, COALESCE(u.display_name, ''), COALESCE(u.avatar, '')
        FROM messages m
        LEFT JOIN users u ON u.id = m.sender_id
        WHERE m.conversation_id = ? AND m.is_group = ?
        ORDER BY m.id DESC
        LIMIT ?`
	rows, err := r.db.Conn.QueryContext(ctx, r.db.Rebind(query), key.ID, key.IsGroup, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []protocol.ChatMessage
	for rows.Next() {
		var m protocol.ChatMessage
		var status int
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.IsGroup, &m.SenderID, &m.RecipientID, &m.Content,
			&m.ClientMsgID, &status, &m.CreatedAt, &m.SenderName, &m.SenderAvatar); err != nil {
			return nil, err
		}
		m.Status = protocol.Status(status)
		if m.IsGroup {
			m.GroupID = m.ConversationID
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order
	out := make([]protocol.ChatMessage, 0, len(messages))
	for i := len(messages) - 1; i >= 0; i-- {
		out = append(out, messages[i])
	}
	return out, nil
}
