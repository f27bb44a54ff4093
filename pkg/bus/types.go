package bus

import (
	"encoding/json"
	"time"
)

// InboundEvent is one raw payload handed over by a transport. The payload
// shape is not constrained here; the normalizer decides what it means.
type InboundEvent struct {
	ID         string          `json:"id"`
	Channel    string          `json:"channel"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
	RemoteAddr string          `json:"remote_addr,omitempty"`
}
