package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"replybot/pkg/bus"
	"replybot/pkg/channel"
	"replybot/pkg/config"
	"replybot/pkg/logger"

	"github.com/google/uuid"
	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

const channelName = "telegram"

type botAPI interface {
	UpdatesViaLongPolling(ctx context.Context, params *telego.GetUpdatesParams, options ...telego.LongPollingOption) (<-chan telego.Update, error)
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
	SendChatAction(ctx context.Context, params *telego.SendChatActionParams) error
}

// Channel is both the inbound adapter (long polling) and the delivery
// sender for Telegram private chats.
type Channel struct {
	bot       botAPI
	allowFrom map[string]struct{}
	log       *slog.Logger
}

// New validates Telegram configuration and constructs the bot client.
func New(cfg config.TelegramConfig, log *slog.Logger) (*Channel, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("channels.telegram.token is required")
	}

	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("initialize telegram bot: %w", err)
	}

	return newChannel(bot, cfg.AllowFrom, log), nil
}

func newChannel(bot botAPI, allowFrom []string, log *slog.Logger) *Channel {
	if log == nil {
		log = slog.Default()
	}

	return &Channel{
		bot:       bot,
		allowFrom: allowFromSet(allowFrom),
		log:       log.With("component", "channel.telegram"),
	}
}

// Name returns the channel identifier used in events and routing.
func (c *Channel) Name() string {
	return channelName
}

// Run long-polls Telegram and forwards private text messages to handler as
// raw events shaped {"text","from","messageId","timestamp"}.
func (c *Channel) Run(ctx context.Context, handler channel.Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}

	updates, err := c.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	c.log.Info("Telegram channel started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil
				}
				return errors.New("telegram updates channel closed")
			}

			event, ok := c.toEvent(update)
			if !ok {
				continue
			}

			if err := handler(ctx, event); err != nil {
				c.log.Error("Failed to enqueue inbound message", "event_id", event.ID, "error", err)
				continue
			}
			c.sendTyping(ctx, update.Message.Chat.ID)
		}
	}
}

type inboundPayload struct {
	Text      string `json:"text"`
	From      string `json:"from"`
	MessageID string `json:"messageId"`
	Timestamp int64  `json:"timestamp"`
}

// toEvent filters one update down to an inbound event. Group chats, non-text
// messages and senders outside allow_from are dropped.
func (c *Channel) toEvent(update telego.Update) (bus.InboundEvent, bool) {
	message := update.Message
	if message == nil {
		return bus.InboundEvent{}, false
	}
	if message.Chat.Type != telego.ChatTypePrivate {
		c.log.Debug("Ignoring non-private chat", "chat_type", message.Chat.Type)
		return bus.InboundEvent{}, false
	}

	content := strings.TrimSpace(message.Text)
	if content == "" {
		return bus.InboundEvent{}, false
	}
	if message.From == nil {
		c.log.Debug("Ignoring message without sender")
		return bus.InboundEvent{}, false
	}

	senderID := strconv.FormatInt(message.From.ID, 10)
	if !c.senderAllowed(senderID) {
		c.log.Debug("Ignoring message from unauthorized sender", "sender", senderID)
		return bus.InboundEvent{}, false
	}

	chatID := strconv.FormatInt(message.Chat.ID, 10)
	messageID := chatID + ":" + strconv.Itoa(message.MessageID)
	// The "+" keeps sender normalization from treating the chat id as a
	// local phone number and prepending a country code.
	payload, err := json.Marshal(inboundPayload{
		Text:      content,
		From:      "+" + chatID,
		MessageID: messageID,
		Timestamp: message.Date,
	})
	if err != nil {
		c.log.Error("Failed to encode inbound message", "error", err)
		return bus.InboundEvent{}, false
	}

	c.log.Info("Received message", "sender", senderID, "update_id", update.UpdateID, "content", logger.Preview(content))

	return bus.InboundEvent{
		ID:         uuid.NewString(),
		Channel:    channelName,
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	}, true
}

// Send delivers text to a private chat. Recipients are normalized senders,
// so "+<chat id>" maps back to the chat.
func (c *Channel) Send(ctx context.Context, recipient string, text string) (channel.SendResult, error) {
	chatID, err := chatIDFromRecipient(recipient)
	if err != nil {
		return channel.SendResult{}, err
	}

	msg, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text))
	if err != nil {
		return channel.SendResult{}, classify(err)
	}

	c.log.Info("Sent message", "recipient", recipient, "content", logger.Preview(text))

	result := channel.SendResult{}
	if msg != nil {
		result.ProviderMessageID = strconv.Itoa(msg.MessageID)
	}
	return result, nil
}

func (c *Channel) sendTyping(ctx context.Context, chatID int64) {
	if err := c.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping)); err != nil && ctx.Err() == nil {
		c.log.Debug("Failed to send typing indicator", "error", err)
	}
}

func chatIDFromRecipient(recipient string) (int64, error) {
	digits := strings.TrimPrefix(strings.TrimSpace(recipient), "+")
	id, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%w: telegram chat id %q", channel.ErrInvalidRecipient, recipient)
	}
	return id, nil
}

// senderAllowed checks whether a sender is permitted by allow_from config.
//
// When no allow list is configured, all senders are accepted.
func (c *Channel) senderAllowed(senderID string) bool {
	if len(c.allowFrom) == 0 {
		return true
	}

	_, ok := c.allowFrom[strings.TrimSpace(senderID)]
	return ok
}

// allowFromSet normalizes allow_from values into a lookup set.
func allowFromSet(allowFrom []string) map[string]struct{} {
	if len(allowFrom) == 0 {
		return nil
	}

	allowed := make(map[string]struct{}, len(allowFrom))
	for _, value := range allowFrom {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		allowed[trimmed] = struct{}{}
	}

	if len(allowed) == 0 {
		return nil
	}

	return allowed
}
