package gateway

import (
	"container/list"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const defaultLimiterKeys = 4096

// clientLimiter keeps one token bucket per client address. The key set is
// bounded; the least recently seen client is forgotten first.
type clientLimiter struct {
	limit   rate.Limit
	burst   int
	maxKeys int

	mu      sync.Mutex
	clients map[string]*list.Element
	order   *list.List
}

type limiterEntry struct {
	key     string
	limiter *rate.Limiter
}

func newClientLimiter(perMinute int, maxKeys int) *clientLimiter {
	return &clientLimiter{
		limit:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   perMinute,
		maxKeys: max(1, maxKeys),
		clients: make(map[string]*list.Element),
		order:   list.New(),
	}
}

func (l *clientLimiter) Allow(client string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if el, ok := l.clients[client]; ok {
		l.order.MoveToFront(el)
		return el.Value.(*limiterEntry).limiter.Allow()
	}

	entry := &limiterEntry{key: client, limiter: rate.NewLimiter(l.limit, l.burst)}
	l.clients[client] = l.order.PushFront(entry)
	for l.order.Len() > l.maxKeys {
		oldest := l.order.Back()
		l.order.Remove(oldest)
		delete(l.clients, oldest.Value.(*limiterEntry).key)
	}
	return entry.limiter.Allow()
}

func (l *clientLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.order.Len()
}
