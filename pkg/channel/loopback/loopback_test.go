package loopback

import (
	"context"
	"errors"
	"testing"

	"replybot/pkg/channel"
)

func TestSenderRecordsAndFails(t *testing.T) {
	s := New("")
	boom := channel.Transient(errors.New("bridge down"), 503)
	s.FailNext(boom)

	if _, err := s.Send(context.Background(), "+5215512345678", "hola"); !errors.Is(err, boom) {
		t.Fatalf("first send error = %v, want %v", err, boom)
	}

	res, err := s.Send(context.Background(), "+5215512345678", "hola")
	if err != nil {
		t.Fatalf("second send error: %v", err)
	}
	if res.ProviderMessageID != "loopback-1" {
		t.Fatalf("provider message id = %q", res.ProviderMessageID)
	}
	if s.Attempts() != 2 || len(s.Deliveries()) != 1 {
		t.Fatalf("attempts = %d, deliveries = %d", s.Attempts(), len(s.Deliveries()))
	}
}

func TestSenderRejectsBlankRecipient(t *testing.T) {
	_, err := New("x").Send(context.Background(), " ", "hola")
	if channel.ClassOf(err) != channel.ClassPermanent {
		t.Fatalf("class = %q, want permanent", channel.ClassOf(err))
	}
}
