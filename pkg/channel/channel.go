package channel

import (
	"context"

	"replybot/pkg/bus"
)

// Handler accepts one raw inbound event from a transport. It should return
// quickly; processing happens elsewhere.
type Handler func(context.Context, bus.InboundEvent) error

// Adapter bridges one external transport (for example Telegram) into the
// inbound event queue.
type Adapter interface {
	Name() string
	Run(context.Context, Handler) error
}

// SendResult carries what the provider reported for an accepted message.
type SendResult struct {
	ProviderMessageID string
}

// Sender delivers one text message to one recipient. Errors should be
// classified with Transient, Permanent or RateLimited.
type Sender interface {
	Name() string
	Send(ctx context.Context, recipient string, text string) (SendResult, error)
}
