// Package normalize turns raw inbound payloads of varying shape into one
// canonical message record.
package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"replybot/pkg/bus"
)

const (
	ReasonMalformed = "malformed"
	ReasonNoShape   = "no_shape_matched"
)

// Message is a normalized inbound message. Sender and Text are never empty.
type Message struct {
	Channel    string    `json:"channel,omitempty"`
	Sender     string    `json:"sender"`
	Text       string    `json:"text"`
	MessageID  string    `json:"message_id,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
	Shape      string    `json:"shape"`
}

// ParseError reports a payload that matched no known shape. Keys lists the
// top-level keys that were present.
type ParseError struct {
	Keys   []string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("normalize: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("normalize: %s (keys: %s)", e.Reason, strings.Join(e.Keys, ","))
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

type Stats struct {
	Matched map[string]uint64 `json:"matched"`
	Failed  uint64            `json:"failed"`
}

type Option func(*Normalizer)

// WithShapes appends extra shapes after the built-in ones.
func WithShapes(shapes ...Shape) Option {
	return func(n *Normalizer) {
		n.shapes = append(n.shapes, shapes...)
	}
}

func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) {
		if now != nil {
			n.now = now
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(n *Normalizer) {
		if log != nil {
			n.log = log
		}
	}
}

type Normalizer struct {
	countryCode string
	shapes      []Shape
	now         func() time.Time
	log         *slog.Logger

	matched sync.Map // shape name -> *atomic.Uint64
	failed  atomic.Uint64
}

func New(countryCode string, opts ...Option) *Normalizer {
	n := &Normalizer{
		countryCode: strings.TrimPrefix(strings.TrimSpace(countryCode), "+"),
		shapes:      DefaultShapes(),
		now:         time.Now,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.log = n.log.With("component", "normalize")
	return n
}

func (n *Normalizer) Normalize(event bus.InboundEvent) (Message, error) {
	msg, stamped, err := n.normalize(event.Payload, event.Channel)
	if err != nil {
		return Message{}, err
	}
	if msg.MessageID == "" {
		msg.MessageID = strings.TrimSpace(event.ID)
	}
	if !stamped && !event.ReceivedAt.IsZero() {
		msg.ReceivedAt = event.ReceivedAt.UTC()
	}
	return msg, nil
}

// NormalizePayload matches raw against the shape list in order. The first
// shape that yields a non-blank text and a non-empty normalized sender wins.
func (n *Normalizer) NormalizePayload(raw []byte, channel string) (Message, error) {
	msg, _, err := n.normalize(raw, channel)
	return msg, err
}

// normalize also reports whether the payload carried its own timestamp.
func (n *Normalizer) normalize(raw []byte, channel string) (Message, bool, error) {
	doc, err := decodeObject(raw)
	if err != nil {
		n.failed.Add(1)
		return Message{}, false, &ParseError{Reason: ReasonMalformed, Err: err}
	}

	for _, shape := range n.shapes {
		rawSender, text, ok := shape.Extract(doc)
		if !ok {
			continue
		}
		sender := NormalizeSender(rawSender, n.countryCode)
		if sender == "" {
			n.log.Debug("Shape matched but sender normalized empty", "shape", shape.Name)
			continue
		}

		msg := Message{
			Channel:   channel,
			Sender:    sender,
			Text:      text,
			MessageID: extractMessageID(doc),
			Shape:     shape.Name,
		}
		ts, stamped := extractTimestamp(doc)
		if !stamped {
			ts = n.now().UTC()
		}
		msg.ReceivedAt = ts
		n.countMatch(shape.Name)
		return msg, stamped, nil
	}

	n.failed.Add(1)
	return Message{}, false, &ParseError{Keys: topLevelKeys(doc), Reason: ReasonNoShape}
}

func (n *Normalizer) Stats() Stats {
	stats := Stats{Matched: make(map[string]uint64), Failed: n.failed.Load()}
	n.matched.Range(func(key, value any) bool {
		stats.Matched[key.(string)] = value.(*atomic.Uint64).Load()
		return true
	})
	return stats
}

func (n *Normalizer) countMatch(shape string) {
	counter, _ := n.matched.LoadOrStore(shape, new(atomic.Uint64))
	counter.(*atomic.Uint64).Add(1)
}

func decodeObject(raw []byte) (map[string]any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty payload")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	doc, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("payload is %T, want object", v)
	}
	return doc, nil
}

func topLevelKeys(doc map[string]any) []string {
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
