package dispatch

import (
	"context"
	"sync"
	"time"
)

// DedupeStore remembers which inbound messages already produced a delivery.
type DedupeStore interface {
	// Seen reports whether key was marked within the retention window ending at now.
	Seen(ctx context.Context, key string, now time.Time) (bool, error)
	// Mark records that key was handled at the given time.
	Mark(ctx context.Context, key string, at time.Time) error
}

// ClaimingDedupe is a DedupeStore shared between processes. The in-process
// key lock cannot serialize other replicas, so the store itself must admit
// only one dispatch per key.
type ClaimingDedupe interface {
	DedupeStore
	// Claim atomically reserves key. It reports false when the key is
	// already claimed or marked.
	Claim(ctx context.Context, key string, at time.Time) (bool, error)
	// Release drops a claim that did not lead to any send attempt.
	Release(ctx context.Context, key string) error
}

// dedupeKey scopes message ids by channel. Blank ids are never deduplicated.
func dedupeKey(channelName, messageID string) string {
	if messageID == "" {
		return ""
	}
	return channelName + "/" + messageID
}

// MemoryDedupe is a process-local DedupeStore pruned by retention.
type MemoryDedupe struct {
	retention time.Duration

	mu        sync.RWMutex
	marks     map[string]time.Time
	lastPrune time.Time
}

// NewMemoryDedupe returns an in-memory store that forgets keys after retention.
func NewMemoryDedupe(retention time.Duration) *MemoryDedupe {
	return &MemoryDedupe{
		retention: retention,
		marks:     make(map[string]time.Time),
	}
}

func (m *MemoryDedupe) Seen(_ context.Context, key string, now time.Time) (bool, error) {
	m.mu.RLock()
	at, ok := m.marks[key]
	m.mu.RUnlock()

	if !ok {
		return false, nil
	}
	return m.retention <= 0 || now.Sub(at) < m.retention, nil
}

func (m *MemoryDedupe) Mark(_ context.Context, key string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.marks[key] = at
	if m.retention > 0 && at.Sub(m.lastPrune) >= m.retention/4 {
		for k, marked := range m.marks {
			if at.Sub(marked) >= m.retention {
				delete(m.marks, k)
			}
		}
		m.lastPrune = at
	}
	return nil
}

// Len reports how many keys are currently remembered.
func (m *MemoryDedupe) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.marks)
}
