// Package loopback is an in-process delivery channel. It records every
// send and can be scripted to fail, which makes it the channel used by the
// reply simulator and by tests.
package loopback

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"replybot/pkg/channel"
)

const Name = "loopback"

type Delivery struct {
	Recipient         string
	Text              string
	ProviderMessageID string
	At                time.Time
}

// Sender records deliveries. Failures queued with FailNext are returned in
// order before any send succeeds.
type Sender struct {
	name string

	mu         sync.Mutex
	deliveries []Delivery
	failures   []error
	attempts   int
	seq        int
	onDeliver  func(Delivery)
}

func New(name string) *Sender {
	name = strings.TrimSpace(name)
	if name == "" {
		name = Name
	}
	return &Sender{name: name}
}

func (s *Sender) Name() string {
	return s.name
}

// FailNext queues errors returned by the next sends.
func (s *Sender) FailNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, errs...)
}

// OnDeliver registers a callback run after each successful send.
func (s *Sender) OnDeliver(fn func(Delivery)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDeliver = fn
}

func (s *Sender) Send(ctx context.Context, recipient string, text string) (channel.SendResult, error) {
	if err := ctx.Err(); err != nil {
		return channel.SendResult{}, err
	}
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return channel.SendResult{}, channel.ErrInvalidRecipient
	}

	s.mu.Lock()
	s.attempts++
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		s.mu.Unlock()
		return channel.SendResult{}, err
	}

	s.seq++
	d := Delivery{
		Recipient:         recipient,
		Text:              text,
		ProviderMessageID: s.name + "-" + strconv.Itoa(s.seq),
		At:                time.Now().UTC(),
	}
	s.deliveries = append(s.deliveries, d)
	onDeliver := s.onDeliver
	s.mu.Unlock()

	if onDeliver != nil {
		onDeliver(d)
	}
	return channel.SendResult{ProviderMessageID: d.ProviderMessageID}, nil
}

func (s *Sender) Deliveries() []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Delivery, len(s.deliveries))
	copy(out, s.deliveries)
	return out
}

// Attempts counts every Send call that reached the script, failed or not.
func (s *Sender) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}
