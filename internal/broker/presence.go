package broker

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Presence keeps one sorted set of user ids scored by their last check-in.
// A user is online while their score is younger than the TTL.
type Presence struct {
	rdb *redis.Client
	key string
	ttl time.Duration
	now func() time.Time
}

func NewPresence(rdb *redis.Client, key string, ttl time.Duration) *Presence {
	return &Presence{rdb: rdb, key: key, ttl: ttl, now: time.Now}
}

func member(userID int64) string {
	return strconv.FormatInt(userID, 10)
}

func (p *Presence) MarkOnline(ctx context.Context, userID int64) error {
	return p.rdb.ZAdd(ctx, p.key, redis.Z{
		Score:  float64(p.now().Unix()),
		Member: member(userID),
	}).Err()
}

func (p *Presence) MarkOffline(ctx context.Context, userID int64) error {
	return p.rdb.ZRem(ctx, p.key, member(userID)).Err()
}

func (p *Presence) IsOnline(ctx context.Context, userID int64) (bool, error) {
	score, err := p.rdb.ZScore(ctx, p.key, member(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return fresh(score, p.now(), p.ttl), nil
}

// Prune drops members whose check-in expired.
func (p *Presence) Prune(ctx context.Context) (int64, error) {
	cutoff := p.now().Add(-p.ttl).Unix()
	return p.rdb.ZRemRangeByScore(ctx, p.key, "-inf", "("+strconv.FormatInt(cutoff, 10)).Result()
}

func fresh(score float64, now time.Time, ttl time.Duration) bool {
	return int64(score) >= now.Add(-ttl).Unix()
}
