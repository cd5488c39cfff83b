package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"social-hub/internal/db"
	"social-hub/internal/directory"
	"social-hub/internal/group"
	"social-hub/internal/protocol"
)

func newTestRepository(t *testing.T) (*Repository, *db.Database) {
	t.Helper()
	database, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return NewRepository(database), database
}

func directMessage(id, from, to int64, content string) *protocol.ChatMessage {
	return &protocol.ChatMessage{
		ID:             id,
		ConversationID: 1*directory.DefaultPairBase + 2,
		SenderID:       from,
		RecipientID:    to,
		Content:        content,
		CreatedAt:      time.Unix(1_700_000_000+id, 0).UTC(),
		Status:         protocol.StatusSent,
	}
}

func TestAppendMessageIsIdempotent(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	m := directMessage(1, 1, 2, "hello")
	inserted, err := repo.AppendMessage(ctx, m)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = repo.AppendMessage(ctx, m)
	require.NoError(t, err)
	assert.False(t, inserted)

	msgs, err := repo.Messages(ctx, directory.Key{ID: m.ConversationID}, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestAdvanceStatusNeverRegresses(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()
	key := directory.Key{ID: 1*directory.DefaultPairBase + 2}

	_, err := repo.AppendMessage(ctx, directMessage(1, 1, 2, "hello"))
	require.NoError(t, err)

	require.NoError(t, repo.AdvanceStatus(ctx, 1, protocol.StatusRead))
	require.NoError(t, repo.AdvanceStatus(ctx, 1, protocol.StatusDelivered))

	msgs, err := repo.Messages(ctx, key, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.StatusRead, msgs[0].Status)
}

func TestMessagesReturnsLatestInOrder(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	for id := int64(1); id <= 5; id++ {
		_, err := repo.AppendMessage(ctx, directMessage(id, 1, 2, "m"))
		require.NoError(t, err)
	}

	msgs, err := repo.Messages(ctx, directory.Key{ID: 1*directory.DefaultPairBase + 2}, 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{msgs[0].ID, msgs[1].ID, msgs[2].ID})
}

func TestMarkConversationReadCascades(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()
	key := directory.Key{ID: 1*directory.DefaultPairBase + 2}

	for id := int64(1); id <= 3; id++ {
		_, err := repo.AppendMessage(ctx, directMessage(id, 1, 2, "m"))
		require.NoError(t, err)
	}
	_, err := repo.AppendNotification(ctx, &protocol.Notification{
		ID: 10, UserID: 2, Type: protocol.NotifyChatMessage, Content: "m",
		ConversationID: key.ID, FromUserID: 1, CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	summaries, err := repo.ConversationSummaries(ctx, 2)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, 3, summaries[0].UnreadCount)
	assert.Equal(t, int64(1), summaries[0].ParticipantID)

	require.NoError(t, repo.MarkConversationRead(ctx, 2, key))

	summaries, err = repo.ConversationSummaries(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, summaries[0].UnreadCount)

	unread, err := repo.UnreadNotifications(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, unread)

	msgs, err := repo.Messages(ctx, key, 10)
	require.NoError(t, err)
	for _, m := range msgs {
		assert.Equal(t, protocol.StatusRead, m.Status)
	}

	// a later message is unread again, an earlier watermark cannot win
	_, err = repo.AppendMessage(ctx, directMessage(4, 1, 2, "again"))
	require.NoError(t, err)
	summaries, err = repo.ConversationSummaries(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, summaries[0].UnreadCount)
	assert.Equal(t, "again", summaries[0].LastMessage)
}

func TestConversationSummariesIncludeGroups(t *testing.T) {
	repo, database := newTestRepository(t)
	ctx := context.Background()
	groups := group.NewRepository(database)
	require.NoError(t, groups.AddMember(ctx, 7, 2))

	_, err := repo.AppendMessage(ctx, &protocol.ChatMessage{
		ID: 1, ConversationID: 7, GroupID: 7, IsGroup: true, SenderID: 3,
		Content: "team", CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	summaries, err := repo.ConversationSummaries(ctx, 2)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.True(t, summaries[0].IsGroup)
	assert.Equal(t, int64(7), summaries[0].ID)
	assert.Equal(t, 1, summaries[0].UnreadCount)

	outsider, err := repo.ConversationSummaries(ctx, 9)
	require.NoError(t, err)
	assert.Empty(t, outsider)
}

func TestNotificationsNewestFirst(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	for id := int64(1); id <= 3; id++ {
		_, err := repo.AppendNotification(ctx, &protocol.Notification{
			ID: id, UserID: 4, Type: protocol.NotifyGroupEvent, Content: "e", CreatedAt: time.Now(),
		})
		require.NoError(t, err)
	}
	require.NoError(t, repo.MarkNotificationRead(ctx, 4, 2))

	list, err := repo.Notifications(ctx, 4, 50)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, int64(3), list[0].ID)
	assert.True(t, list[1].IsRead)

	unread, err := repo.UnreadNotifications(ctx, 4)
	require.NoError(t, err)
	assert.Len(t, unread, 2)
	assert.Equal(t, int64(1), unread[0].ID)
}

func frozenIDs(node string, at time.Time) *IDs {
	g := NewIDs(node)
	g.now = func() time.Time { return at }
	return g
}

func TestIDsStrictlyIncrease(t *testing.T) {
	frozen := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	g := frozenIDs("7", frozen)

	a, b := g.Next(), g.Next()
	assert.Equal(t, (frozen.UnixMilli()-idEpoch)<<22|7<<12, a)
	assert.Equal(t, a+1, b)
}

func TestIDsSequenceOverflowBorrowsNextMillisecond(t *testing.T) {
	frozen := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	g := frozenIDs("0", frozen)

	var last int64
	for i := 0; i <= seqMask; i++ {
		last = g.Next()
	}
	next := g.Next()
	assert.Greater(t, next, last)
	assert.Equal(t, (frozen.UnixMilli()-idEpoch+1)<<22, next)
}

func TestIDsFromTwoNodesDoNotCollide(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()
	frozen := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	a, b := frozenIDs("1", frozen), frozenIDs("2", frozen)

	ida, idb := a.Next(), b.Next()
	assert.NotEqual(t, ida, idb)

	for _, id := range []int64{ida, idb} {
		m := directMessage(0, 1, 2, "same millisecond")
		m.ID = id
		inserted, err := repo.AppendMessage(ctx, m)
		require.NoError(t, err)
		assert.True(t, inserted)
	}
}

func TestNodeNumber(t *testing.T) {
	assert.Equal(t, int64(12), NodeNumber("12"))
	assert.Equal(t, NodeNumber("node-a"), NodeNumber("node-a"))
	assert.LessOrEqual(t, NodeNumber("5f0c2a3e-2b1d-4d0e-9a7b-1c2d3e4f5a6b"), int64(nodeMask))
	assert.GreaterOrEqual(t, NodeNumber("4096"), int64(0))
}

func TestAppendMessageRepeatedClientIDReturnsStoredRow(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	first := directMessage(10, 1, 2, "hello")
	first.ClientMsgID = "c-1"
	inserted, err := repo.AppendMessage(ctx, first)
	require.NoError(t, err)
	require.True(t, inserted)
	require.NoError(t, repo.AdvanceStatus(ctx, 10, protocol.StatusDelivered))

	retry := directMessage(11, 1, 2, "hello")
	retry.ClientMsgID = "c-1"
	inserted, err = repo.AppendMessage(ctx, retry)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, int64(10), retry.ID)
	assert.Equal(t, protocol.StatusDelivered, retry.Status)

	// client ids are scoped to their sender
	other := directMessage(12, 2, 1, "hello")
	other.ClientMsgID = "c-1"
	inserted, err = repo.AppendMessage(ctx, other)
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestAppendMessageIDTakenByAnotherMessage(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	_, err := repo.AppendMessage(ctx, directMessage(20, 1, 2, "mine"))
	require.NoError(t, err)

	_, err = repo.AppendMessage(ctx, directMessage(20, 2, 1, "yours"))
	assert.ErrorIs(t, err, ErrMessageIDTaken)

	clash := directMessage(20, 1, 2, "tagged")
	clash.ClientMsgID = "c-9"
	_, err = repo.AppendMessage(ctx, clash)
	assert.ErrorIs(t, err, ErrMessageIDTaken)
}
