package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"replybot/pkg/bus"
	"replybot/pkg/channel"
	"replybot/pkg/config"
	"replybot/pkg/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	channelName = "whatsapp"
	jidSuffix   = "@s.whatsapp.net"

	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// ErrNotConnected is returned by Send while the bridge socket is down.
var ErrNotConnected = errors.New("whatsapp bridge not connected")

// Channel talks to a WhatsApp bridge over a websocket. The bridge owns the
// WhatsApp protocol; frames in both directions are small JSON objects.
type Channel struct {
	bridgeURL string
	dialer    *websocket.Dialer
	log       *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// New validates bridge configuration.
func New(cfg config.WhatsAppConfig, log *slog.Logger) (*Channel, error) {
	bridgeURL := strings.TrimSpace(cfg.BridgeURL)
	if bridgeURL == "" {
		return nil, errors.New("channels.whatsapp.bridge_url is required")
	}
	if log == nil {
		log = slog.Default()
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	return &Channel{
		bridgeURL: bridgeURL,
		dialer:    &dialer,
		log:       log.With("component", "channel.whatsapp"),
	}, nil
}

// Name returns the channel identifier used in events and routing.
func (c *Channel) Name() string {
	return channelName
}

// Connected reports whether the bridge socket is currently open.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Run keeps a bridge connection open, reconnecting with capped exponential
// backoff, and forwards every "message" frame to handler as a raw event.
func (c *Channel) Run(ctx context.Context, handler channel.Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}

	c.log.Info("WhatsApp channel started", "bridge_url", c.bridgeURL)
	defer c.disconnect()

	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, err := c.connect(ctx)
		if err != nil {
			c.log.Warn("WhatsApp bridge connect failed", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = initialBackoff

		c.readLoop(ctx, conn, handler)
	}
}

func (c *Channel) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.bridgeURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial whatsapp bridge %s: %w", c.bridgeURL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.log.Info("WhatsApp bridge connected")
	return conn, nil
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn, handler channel.Handler) {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.log.Warn("WhatsApp read error, will reconnect", "error", err)
			}
			c.disconnect()
			return
		}

		event, ok := c.toEvent(frame)
		if !ok {
			continue
		}
		if err := handler(ctx, event); err != nil {
			c.log.Error("Failed to enqueue inbound message", "event_id", event.ID, "error", err)
		}
	}
}

// toEvent keeps the frame verbatim as the payload so the normalizer sees
// exactly what the bridge sent.
func (c *Channel) toEvent(frame []byte) (bus.InboundEvent, bool) {
	var header struct {
		Type    string `json:"type"`
		From    string `json:"from"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(frame, &header); err != nil {
		c.log.Warn("Invalid WhatsApp frame", "error", err)
		return bus.InboundEvent{}, false
	}
	if header.Type != "message" {
		return bus.InboundEvent{}, false
	}

	c.log.Debug("Received message", "from", header.From, "content", logger.Preview(header.Content))

	return bus.InboundEvent{
		ID:         uuid.NewString(),
		Channel:    channelName,
		Payload:    append(json.RawMessage(nil), frame...),
		ReceivedAt: time.Now().UTC(),
	}, true
}

type outboundFrame struct {
	Type    string `json:"type"`
	To      string `json:"to"`
	Content string `json:"content"`
	ID      string `json:"id"`
}

// Send writes one outbound frame to the bridge. A missing connection is
// transient; the dispatcher retries while the read loop reconnects.
func (c *Channel) Send(ctx context.Context, recipient string, text string) (channel.SendResult, error) {
	to, err := jidFor(recipient)
	if err != nil {
		return channel.SendResult{}, err
	}

	frame := outboundFrame{Type: "message", To: to, Content: text, ID: uuid.NewString()}
	data, err := json.Marshal(frame)
	if err != nil {
		return channel.SendResult{}, channel.Permanent(fmt.Errorf("marshal whatsapp message: %w", err), 0)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return channel.SendResult{}, channel.Transient(ErrNotConnected, 0)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer func() { _ = c.conn.SetWriteDeadline(time.Time{}) }()
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return channel.SendResult{}, channel.Transient(fmt.Errorf("send whatsapp message: %w", err), 0)
	}

	return channel.SendResult{ProviderMessageID: frame.ID}, nil
}

func (c *Channel) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// jidFor turns a normalized "+<digits>" recipient into a bridge JID. Values
// that already carry a JID suffix pass through.
func jidFor(recipient string) (string, error) {
	recipient = strings.TrimSpace(recipient)
	if strings.Contains(recipient, "@") {
		return recipient, nil
	}

	digits := strings.TrimPrefix(recipient, "+")
	if digits == "" || strings.Trim(digits, "0123456789") != "" {
		return "", fmt.Errorf("%w: whatsapp recipient %q", channel.ErrInvalidRecipient, recipient)
	}
	return digits + jidSuffix, nil
}
