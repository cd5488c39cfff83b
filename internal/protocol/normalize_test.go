package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubLookup map[[2]int64]int64

func (s stubLookup) FindDirect(owner, counterpart int64) (int64, bool) {
	id, ok := s[[2]int64{owner, counterpart}]
	return id, ok
}

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func normalizer(lookup ConversationLookup) *Normalizer {
	return &Normalizer{Lookup: lookup, Now: func() time.Time { return fixedNow }}
}

func TestNormalize_InvalidInput(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "not json", raw: `{"type":`},
		{name: "array", raw: `[1,2]`},
		{name: "null", raw: `null`},
		{name: "missing type", raw: `{"content":"hi"}`},
		{name: "unknown type", raw: `{"type":"shout","content":"hi"}`},
		{name: "empty chat", raw: `{"type":"chat","senderId":1,"recipientId":2,"content":"  "}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := normalizer(nil).Normalize([]byte(tt.raw))
			em, ok := f.(*ErrorMessage)
			require.True(t, ok, "expected ErrorMessage, got %T", f)
			assert.Equal(t, CodeInvalidFormat, em.Code)
			assert.NotEmpty(t, em.Message)
		})
	}
}

func TestNormalize_ChatCasing(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "camel", raw: `{"type":"chat","senderId":5,"recipientId":9,"content":"hi","conversationId":5000009}`},
		{name: "snake", raw: `{"type":"chat","sender_id":5,"recipient_id":9,"content":"hi","conversation_id":5000009}`},
		{name: "nested", raw: `{"type":"chat","data":{"senderId":"5","recipientId":9,"content":"hi","chatId":5000009}}`},
		{name: "camel wins", raw: `{"type":"chat","senderId":5,"sender_id":77,"recipientId":9,"content":"hi","chat_id":5000009}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := normalizer(nil).Normalize([]byte(tt.raw))
			m, ok := f.(*ChatMessage)
			require.True(t, ok, "expected ChatMessage, got %T", f)
			assert.Equal(t, int64(5), m.SenderID)
			assert.Equal(t, int64(9), m.RecipientID)
			assert.Equal(t, "hi", m.Content)
			assert.Equal(t, int64(5000009), m.ConversationID)
			assert.False(t, m.Provisional)
			assert.Equal(t, StatusSent, m.Status)
			assert.Equal(t, fixedNow, m.CreatedAt)
			assert.Equal(t, KindChat, m.Kind())
		})
	}
}

func TestNormalize_Timestamps(t *testing.T) {
	ms := fixedNow.Add(-time.Hour).UnixMilli()

	f := normalizer(nil).Normalize([]byte(`{"type":"chat","senderId":1,"recipientId":2,"content":"a","createdAt":` + jsonInt(ms) + `}`))
	require.IsType(t, &ChatMessage{}, f)
	assert.Equal(t, ms, f.(*ChatMessage).CreatedAt.UnixMilli())

	f = normalizer(nil).Normalize([]byte(`{"type":"chat","senderId":1,"recipientId":2,"content":"a","created_at":"2024-02-29T10:00:00Z"}`))
	require.IsType(t, &ChatMessage{}, f)
	assert.True(t, time.Date(2024, 2, 29, 10, 0, 0, 0, time.UTC).Equal(f.(*ChatMessage).CreatedAt))
}

func TestNormalize_ConversationResolution(t *testing.T) {
	lookup := stubLookup{{5, 9}: 5000009}

	t.Run("directory hit", func(t *testing.T) {
		f := normalizer(lookup).Normalize([]byte(`{"type":"chat","senderId":5,"recipientId":9,"content":"hi","id":42}`))
		m := f.(*ChatMessage)
		assert.Equal(t, int64(5000009), m.ConversationID)
		assert.False(t, m.Provisional)
	})

	t.Run("provisional from id", func(t *testing.T) {
		f := normalizer(lookup).Normalize([]byte(`{"type":"chat","senderId":5,"recipientId":10,"content":"hi","id":42}`))
		m := f.(*ChatMessage)
		assert.Equal(t, int64(-42), m.ConversationID)
		assert.True(t, m.Provisional)
		assert.Equal(t, int64(42), m.ID)
	})

	t.Run("no id leaves it unset", func(t *testing.T) {
		f := normalizer(nil).Normalize([]byte(`{"type":"chat","senderId":5,"recipientId":10,"content":"hi","id":"tmp-1"}`))
		m := f.(*ChatMessage)
		assert.Zero(t, m.ConversationID)
		assert.Equal(t, "tmp-1", m.ClientMsgID)
	})
}

func TestNormalize_GroupChat(t *testing.T) {
	f := normalizer(nil).Normalize([]byte(`{"type":"groupChat","data":{"user_id":3,"group_id":12,"content":"yo","userName":"ann"}}`))
	m, ok := f.(*ChatMessage)
	require.True(t, ok)
	assert.True(t, m.IsGroup)
	assert.Equal(t, int64(12), m.GroupID)
	assert.Equal(t, int64(12), m.ConversationID)
	assert.Equal(t, int64(3), m.SenderID)
	assert.Equal(t, "ann", m.SenderName)
	assert.Equal(t, KindGroupChat, m.Kind())
}

func TestNormalize_OtherKinds(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Frame
	}{
		{
			name: "typing",
			raw:  `{"type":"typing","sender_id":1,"recipient_id":2,"is_typing":true}`,
			want: &Typing{SenderID: 1, RecipientID: 2, IsTyping: true},
		},
		{
			name: "ping",
			raw:  `{"type":"ping","timestamp":1700000000000}`,
			want: &Ping{Timestamp: 1700000000000},
		},
		{
			name: "rsvp",
			raw:  `{"type":"eventRSVP","data":{"groupId":4,"eventId":8,"userId":1,"status":"going"}}`,
			want: &EventRSVP{GroupID: 4, EventID: 8, UserID: 1, Status: "going"},
		},
		{
			name: "follower request",
			raw:  `{"type":"followerRequest","data":{"follower_id":1,"followed_id":2,"status":"pending"}}`,
			want: &FollowerRequest{FollowerID: 1, FollowedID: 2, Status: "pending"},
		},
		{
			name: "view",
			raw:  `{"type":"view","data":{"chatId":5000009}}`,
			want: &View{ConversationID: 5000009},
		},
		{
			name: "status",
			raw:  `{"type":"status","data":{"messageId":7,"conversationId":3,"status":"read"}}`,
			want: &StatusUpdate{MessageID: 7, ConversationID: 3, Status: StatusRead},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizer(nil).Normalize([]byte(tt.raw)))
		})
	}
}

func TestNormalize_Notification(t *testing.T) {
	f := normalizer(nil).Normalize([]byte(`{"type":"notification","data":{"id":3,"user_id":9,"type":"group_invitation","content":"join us","is_read":false}}`))
	n, ok := f.(*Notification)
	require.True(t, ok)
	assert.Equal(t, NotifyGroupInvitation, n.Type)
	assert.Equal(t, int64(9), n.UserID)
	assert.Equal(t, fixedNow, n.CreatedAt)

	// flat payload: the envelope type is not the notification type
	f = normalizer(nil).Normalize([]byte(`{"type":"notification","userId":9,"content":"x"}`))
	assert.Empty(t, f.(*Notification).Type)
}

func TestEncode(t *testing.T) {
	b, err := Encode(&Pong{Timestamp: 12})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"pong","timestamp":12}`, string(b))

	b, err = Encode(&ErrorMessage{Code: CodeNotGroupMember, Message: "nope"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","data":{"code":"not_group_member","message":"nope"}}`, string(b))

	b, err = Encode(&StatusUpdate{MessageID: 1, ConversationID: 2, Status: StatusDelivered})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"status","data":{"messageId":1,"conversationId":2,"status":"delivered"}}`, string(b))

	// what the hub emits comes back unchanged
	in := &ChatMessage{ID: 9, ConversationID: 5000009, SenderID: 5, RecipientID: 9, Content: "hi", CreatedAt: fixedNow, Status: StatusSent}
	b, err = Encode(in)
	require.NoError(t, err)
	assert.Equal(t, in, normalizer(nil).Normalize(b))
}

func TestStatusAdvance(t *testing.T) {
	assert.Equal(t, StatusDelivered, StatusSent.Advance(StatusDelivered))
	assert.Equal(t, StatusRead, StatusRead.Advance(StatusDelivered))
	assert.Equal(t, StatusRead, StatusRead.Advance(StatusSent))
	assert.Equal(t, StatusDelivered, StatusDelivered.Advance(StatusDelivered))
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
