package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on a shared Redis instance, for deployments
// running more than one server process behind one quota. Each key maps to a
// sorted set whose scores are unix-second hit timestamps; pruning is a
// ZREMRANGEBYSCORE and admission a ZADD, so all instances see one counter.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "ratelimit:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) Admit(ctx context.Context, key string, max int, window time.Duration, now time.Time) (bool, error) {
	rkey := s.keyPrefix + key
	cutoff := strconv.FormatInt(now.Unix()-int64(window/time.Second), 10)

	pipe := s.client.TxPipeline()
	// upper bound is inclusive: hits exactly at the cutoff are stale
	pipe.ZRemRangeByScore(ctx, rkey, "-inf", cutoff)
	card := pipe.ZCard(ctx, rkey)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}

	if card.Val() >= int64(max) {
		return false, nil
	}

	// Member must be unique per hit; several hits share one second.
	member := strconv.FormatInt(now.Unix(), 10) + ":" + uuid.NewString()

	pipe = s.client.TxPipeline()
	pipe.ZAdd(ctx, rkey, redis.Z{Score: float64(now.Unix()), Member: member})
	pipe.Expire(ctx, rkey, window+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return true, nil
}
