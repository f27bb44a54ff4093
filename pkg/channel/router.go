package channel

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Router picks the sender for a channel name, falling back to the default
// channel when the name is empty or unknown.
type Router struct {
	mu       sync.RWMutex
	senders  map[string]Sender
	fallback string
}

func NewRouter(defaultChannel string, senders ...Sender) *Router {
	r := &Router{
		senders:  make(map[string]Sender),
		fallback: strings.TrimSpace(defaultChannel),
	}
	for _, s := range senders {
		r.Register(s)
	}
	return r
}

func (r *Router) Register(s Sender) {
	if s == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	name := strings.TrimSpace(s.Name())
	r.senders[name] = s
	if r.fallback == "" {
		r.fallback = name
	}
}

func (r *Router) Resolve(channelName string) (Sender, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, ok := r.senders[strings.TrimSpace(channelName)]; ok {
		return s, nil
	}
	if s, ok := r.senders[r.fallback]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, channelName)
}

// Send delivers through the sender resolved for channelName.
func (r *Router) Send(ctx context.Context, channelName, recipient, text string) (SendResult, error) {
	s, err := r.Resolve(channelName)
	if err != nil {
		return SendResult{}, err
	}
	return s.Send(ctx, recipient, text)
}

func (r *Router) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.senders))
	for name := range r.senders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
