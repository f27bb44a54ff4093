// Package conversation keeps the last few turns per sender so replies have
// short-term memory. Everything here is a cache: entries may vanish at any
// time and readers must cope with an empty state.
package conversation

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Turn struct {
	Role Role      `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// State is a snapshot of one conversation, oldest turn first.
type State struct {
	Key   string
	Turns []Turn
}

// Store is implemented by every backing store. Get never fails; a missing
// or unreadable conversation is returned as an empty state.
type Store interface {
	Get(ctx context.Context, key string) State
	Append(ctx context.Context, key string, turn Turn) error
}

// KeyFor derives the conversation key for a normalized sender.
func KeyFor(sender string) string {
	return "conversation:" + strings.TrimSpace(sender)
}

type Options struct {
	// MaxTurns bounds each conversation. Zero or negative disables memory.
	MaxTurns int
	// MaxKeys bounds the in-memory store; the least recently appended
	// conversation is evicted first.
	MaxKeys int
	// TTL expires redis conversations after the last append.
	TTL time.Duration
}

// New picks the backing store: redis when a client is given, an in-process
// map otherwise, and a no-op store when memory is disabled.
func New(opts Options, rdb *redis.Client, log *slog.Logger) Store {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "conversation.store")

	switch {
	case opts.MaxTurns <= 0:
		log.Info("Conversation memory disabled")
		return NopStore{}
	case rdb != nil:
		log.Info("Using redis conversation store", "max_turns", opts.MaxTurns, "ttl", opts.TTL)
		return NewRedisStore(rdb, opts, log)
	default:
		log.Info("Using in-memory conversation store", "max_turns", opts.MaxTurns, "max_keys", opts.MaxKeys)
		return NewMemoryStore(opts)
	}
}

// NopStore remembers nothing.
type NopStore struct{}

func (NopStore) Get(_ context.Context, key string) State {
	return State{Key: key}
}

func (NopStore) Append(context.Context, string, Turn) error {
	return nil
}

func normalizeTurn(turn Turn) (Turn, bool) {
	turn.Text = strings.TrimSpace(turn.Text)
	if turn.Text == "" {
		return Turn{}, false
	}
	if turn.Role != RoleAssistant {
		turn.Role = RoleUser
	}
	if turn.At.IsZero() {
		turn.At = time.Now().UTC()
	}
	return turn, true
}
