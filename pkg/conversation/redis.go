package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"replybot/pkg/keylock"
)

const redisKeyPrefix = "replybot:"

// RedisStore keeps one capped list per conversation so several gateway
// processes share memory.
type RedisStore struct {
	rdb      redis.Cmdable
	maxTurns int
	ttl      time.Duration
	locks    *keylock.Locker
	log      *slog.Logger
}

func NewRedisStore(rdb redis.Cmdable, opts Options, log *slog.Logger) *RedisStore {
	if log == nil {
		log = slog.Default()
	}
	maxTurns := opts.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 1
	}

	return &RedisStore{
		rdb:      rdb,
		maxTurns: maxTurns,
		ttl:      opts.TTL,
		locks:    keylock.New(),
		log:      log.With("component", "conversation.redis"),
	}
}

func (s *RedisStore) Get(ctx context.Context, key string) State {
	state := State{Key: key}

	raw, err := s.rdb.LRange(ctx, redisKeyPrefix+key, 0, -1).Result()
	if err != nil {
		s.log.Warn("Conversation read failed", "key", key, "error", err)
		return state
	}

	for _, item := range raw {
		var turn Turn
		if err := json.Unmarshal([]byte(item), &turn); err != nil {
			s.log.Debug("Skipping undecodable turn", "key", key, "error", err)
			continue
		}
		state.Turns = append(state.Turns, turn)
	}
	if len(state.Turns) > s.maxTurns {
		state.Turns = state.Turns[len(state.Turns)-s.maxTurns:]
	}

	return state
}

// Append pushes and trims in one MULTI/EXEC so the list never exceeds
// maxTurns even with several writers.
func (s *RedisStore) Append(ctx context.Context, key string, turn Turn) error {
	turn, ok := normalizeTurn(turn)
	if !ok {
		return nil
	}

	payload, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("encode turn: %w", err)
	}

	unlock := s.locks.Lock(key)
	defer unlock()

	redisKey := redisKeyPrefix + key
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, redisKey, payload)
		pipe.LTrim(ctx, redisKey, int64(-s.maxTurns), -1)
		if s.ttl > 0 {
			pipe.Expire(ctx, redisKey, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append turn to %s: %w", key, err)
	}

	return nil
}
