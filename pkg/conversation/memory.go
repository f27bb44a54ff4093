package conversation

import (
	"container/list"
	"context"
	"sync"
)

const defaultMaxKeys = 10000

// MemoryStore keeps conversations in a bounded in-process map. Appends to
// one key are serialized by that conversation's lock; reads share it.
type MemoryStore struct {
	maxTurns int
	maxKeys  int

	mu    sync.Mutex
	convs map[string]*list.Element
	order *list.List // front is most recently appended
}

type ring struct {
	key string

	mu    sync.RWMutex
	turns []Turn
	head  int
	size  int
}

func NewMemoryStore(opts Options) *MemoryStore {
	maxTurns := opts.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 1
	}
	maxKeys := opts.MaxKeys
	if maxKeys <= 0 {
		maxKeys = defaultMaxKeys
	}

	return &MemoryStore{
		maxTurns: maxTurns,
		maxKeys:  maxKeys,
		convs:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) State {
	s.mu.Lock()
	el, ok := s.convs[key]
	s.mu.Unlock()
	if !ok {
		return State{Key: key}
	}

	r := el.Value.(*ring)
	r.mu.RLock()
	defer r.mu.RUnlock()

	return State{Key: key, Turns: r.snapshot()}
}

func (s *MemoryStore) Append(_ context.Context, key string, turn Turn) error {
	turn, ok := normalizeTurn(turn)
	if !ok {
		return nil
	}

	r := s.touch(key)
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size < len(r.turns) {
		r.turns[(r.head+r.size)%len(r.turns)] = turn
		r.size++
		return nil
	}
	r.turns[r.head] = turn
	r.head = (r.head + 1) % len(r.turns)
	return nil
}

// Len reports how many conversations are cached.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.convs)
}

// touch returns the ring for key, creating it and evicting the least
// recently appended conversation when the store is full.
func (s *MemoryStore) touch(key string) *ring {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.convs[key]; ok {
		s.order.MoveToFront(el)
		return el.Value.(*ring)
	}

	for len(s.convs) >= s.maxKeys {
		oldest := s.order.Back()
		if oldest == nil {
			break
		}
		s.order.Remove(oldest)
		delete(s.convs, oldest.Value.(*ring).key)
	}

	r := &ring{key: key, turns: make([]Turn, s.maxTurns)}
	s.convs[key] = s.order.PushFront(r)
	return r
}

func (r *ring) snapshot() []Turn {
	if r.size == 0 {
		return nil
	}
	out := make([]Turn, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.turns[(r.head+i)%len(r.turns)]
	}
	return out
}
