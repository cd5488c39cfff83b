package protocol

// Kind is the envelope type tag.
type Kind string

const (
	KindChat            Kind = "chat"
	KindGroupChat       Kind = "groupChat"
	KindTyping          Kind = "typing"
	KindEventRSVP       Kind = "eventRSVP"
	KindNotification    Kind = "notification"
	KindFollowerRequest Kind = "followerRequest"
	KindError           Kind = "error"
	KindPing            Kind = "ping"
	KindPong            Kind = "pong"

	// Hub originated
	KindHandshake     Kind = "handshake"
	KindStatus        Kind = "status"
	KindConversations Kind = "conversations"
	KindView          Kind = "view"
)

var knownKinds = map[Kind]struct{}{
	KindChat: {}, KindGroupChat: {}, KindTyping: {}, KindEventRSVP: {},
	KindNotification: {}, KindFollowerRequest: {}, KindError: {},
	KindPing: {}, KindPong: {}, KindHandshake: {}, KindStatus: {},
	KindConversations: {}, KindView: {},
}

// Valid reports whether k is a recognized envelope type.
func (k Kind) Valid() bool {
	_, ok := knownKinds[k]
	return ok
}

// Control reports whether k is a heartbeat frame.
func (k Kind) Control() bool {
	return k == KindPing || k == KindPong
}

// NotificationType is the kind of a Notification payload.
type NotificationType string

const (
	NotifyChatMessage     NotificationType = "chat_message"
	NotifyGroupMessage    NotificationType = "group_message"
	NotifyFollowRequest   NotificationType = "follow_request"
	NotifyGroupInvitation NotificationType = "group_invitation"
	NotifyJoinRequest     NotificationType = "join_request"
	NotifyGroupEvent      NotificationType = "group_event"
)

// Error codes carried by ErrorMessage frames.
const (
	CodeInvalidFormat       = "invalid_format"
	CodeMissingConversation = "missing_conversation"
	CodeNotGroupMember      = "not_group_member"
	CodeMessageSaveFailed   = "message_save_failed"
	CodeInternal            = "internal_error"
)
