package logging

import (
	"log/slog"

	"social-hub/internal/directory"
)

// Domain identifiers

func User(id int64) slog.Attr {
	return slog.Int64("user_id", id)
}

func Recipient(id int64) slog.Attr {
	return slog.Int64("recipient_id", id)
}

func Message(id int64) slog.Attr {
	return slog.Int64("message_id", id)
}

func Conversation(key directory.Key) slog.Attr {
	return slog.Group("conversation",
		slog.Int64("id", key.ID),
		slog.Bool("group", key.IsGroup),
	)
}

func Session(handle string) slog.Attr {
	return slog.String("session", handle)
}

func Kind(kind string) slog.Attr {
	return slog.String("kind", kind)
}

// Request / tracing

func RequestID(id string) slog.Attr {
	return slog.String("request_id", id)
}

// Error handling

func Err(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
