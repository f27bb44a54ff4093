package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"replybot/pkg/bus"

	"github.com/google/uuid"
)

const (
	maxWebhookBody = 1 << 20

	webhookSecretHeader  = "X-Webhook-Secret"
	webhookChannelHeader = "X-Channel"
)

// webhookHandler accepts raw provider payloads and queues them for the
// pipeline. It answers before any processing happens.
type webhookHandler struct {
	bus     *bus.MessageBus
	secret  string
	limiter *clientLimiter
	log     *slog.Logger
}

type webhookResponse struct {
	Status string `json:"status"`
	ID     string `json:"id,omitempty"`
	Error  string `json:"error,omitempty"`
}

func newWebhookHandler(mb *bus.MessageBus, secret string, perMinute int, log *slog.Logger) *webhookHandler {
	h := &webhookHandler{
		bus:    mb,
		secret: strings.TrimSpace(secret),
		log:    log.With("component", "gateway.webhook"),
	}
	if perMinute > 0 {
		h.limiter = newClientLimiter(perMinute, defaultLimiterKeys)
	}
	return h
}

func (h *webhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, webhookResponse{Status: "error", Error: "method not allowed"})
		return
	}

	if h.secret != "" {
		got := r.Header.Get(webhookSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
			writeJSON(w, http.StatusUnauthorized, webhookResponse{Status: "error", Error: "invalid webhook secret"})
			return
		}
	}

	client := clientAddr(r)
	if h.limiter != nil && !h.limiter.Allow(client) {
		h.log.Warn("Webhook rate limited", "client", client)
		w.Header().Set("Retry-After", "60")
		writeJSON(w, http.StatusTooManyRequests, webhookResponse{Status: "error", Error: "rate limited"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, webhookResponse{Status: "error", Error: "payload too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, webhookResponse{Status: "error", Error: "read body failed"})
		return
	}
	if !json.Valid(body) {
		writeJSON(w, http.StatusBadRequest, webhookResponse{Status: "error", Error: "body must be JSON"})
		return
	}

	event := bus.InboundEvent{
		ID:         uuid.NewString(),
		Channel:    webhookChannel(r),
		Payload:    body,
		ReceivedAt: time.Now().UTC(),
		RemoteAddr: client,
	}
	if !h.bus.TryPublishInbound(event) {
		h.log.Warn("Inbound queue unavailable, rejecting webhook", "event_id", event.ID, "pending", h.bus.Pending())
		writeJSON(w, http.StatusServiceUnavailable, webhookResponse{Status: "error", Error: "queue unavailable"})
		return
	}

	h.log.Debug("Webhook accepted", "event_id", event.ID, "channel", event.Channel, "bytes", len(body))
	writeJSON(w, http.StatusAccepted, webhookResponse{Status: "accepted", ID: event.ID})
}

// webhookChannel names the delivery channel for replies; unknown names
// route to the default channel.
func webhookChannel(r *http.Request) string {
	if name := strings.TrimSpace(r.URL.Query().Get("channel")); name != "" {
		return name
	}
	if name := strings.TrimSpace(r.Header.Get(webhookChannelHeader)); name != "" {
		return name
	}
	return webhookChannelName
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}
