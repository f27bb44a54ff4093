package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisDedupePrefix = "replybot:dedupe:"
	// A claim outlives any single dispatch; a replica that dies mid-dispatch
	// frees the key when the claim expires.
	redisClaimTTL = 5 * time.Minute
)

// RedisDedupe shares dedupe marks between gateway replicas. Dispatches claim
// a key with SET NX before sending, so only one replica sends per inbound
// message. Expiry is left to Redis via the key TTL.
type RedisDedupe struct {
	rdb       redis.Cmdable
	retention time.Duration
}

// NewRedisDedupe wraps a go-redis client.
func NewRedisDedupe(rdb redis.Cmdable, retention time.Duration) *RedisDedupe {
	return &RedisDedupe{rdb: rdb, retention: retention}
}

func (r *RedisDedupe) Seen(ctx context.Context, key string, _ time.Time) (bool, error) {
	_, err := r.rdb.Get(ctx, redisDedupePrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get dedupe key: %w", err)
	}
	return true, nil
}

func (r *RedisDedupe) Mark(ctx context.Context, key string, at time.Time) error {
	if err := r.rdb.Set(ctx, redisDedupePrefix+key, at.UnixMilli(), r.retention).Err(); err != nil {
		return fmt.Errorf("redis set dedupe key: %w", err)
	}
	return nil
}

// Claim reserves key with SET NX. The claim lives for redisClaimTTL (or the
// retention, when shorter) until Mark extends it to the full retention.
func (r *RedisDedupe) Claim(ctx context.Context, key string, at time.Time) (bool, error) {
	ttl := min(redisClaimTTL, r.retention)
	if ttl <= 0 {
		ttl = redisClaimTTL
	}
	ok, err := r.rdb.SetNX(ctx, redisDedupePrefix+key, at.UnixMilli(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis claim dedupe key: %w", err)
	}
	return ok, nil
}

func (r *RedisDedupe) Release(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, redisDedupePrefix+key).Err(); err != nil {
		return fmt.Errorf("redis release dedupe key: %w", err)
	}
	return nil
}

var _ ClaimingDedupe = (*RedisDedupe)(nil)
