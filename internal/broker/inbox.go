package broker

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Inbox is a capped redis stream per user holding frames that arrived
// while they had no session anywhere.
type Inbox struct {
	rdb    *redis.Client
	prefix string
	maxLen int64
}

func NewInbox(rdb *redis.Client, prefix string, maxLen int64) *Inbox {
	return &Inbox{rdb: rdb, prefix: prefix, maxLen: maxLen}
}

func (q *Inbox) streamKey(userID int64) string {
	return q.prefix + strconv.FormatInt(userID, 10)
}

func (q *Inbox) Push(ctx context.Context, userID int64, frame []byte) error {
	return q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.streamKey(userID),
		MaxLen: q.maxLen,
		Approx: true,
		ID:     "*",
		Values: map[string]interface{}{"data": frame},
	}).Err()
}

// Drain returns the queued frames oldest first and deletes exactly those
// entries, so frames pushed meanwhile stay queued.
func (q *Inbox) Drain(ctx context.Context, userID int64) ([][]byte, error) {
	key := q.streamKey(userID)
	msgs, err := q.rdb.XRange(ctx, key, "-", "+").Result()
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	frames := make([][]byte, 0, len(msgs))
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
		raw, ok := m.Values["data"].(string)
		if !ok {
			continue
		}
		frames = append(frames, []byte(raw))
	}
	if err := q.rdb.XDel(ctx, key, ids...).Err(); err != nil {
		return frames, err
	}
	return frames, nil
}
