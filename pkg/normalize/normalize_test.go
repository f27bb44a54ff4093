package normalize

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"replybot/pkg/bus"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestNormalizer(opts ...Option) *Normalizer {
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return New("52", opts...)
}

func TestNormalizeKnownShapes(t *testing.T) {
	tests := []struct {
		name       string
		payload    string
		wantShape  string
		wantSender string
		wantText   string
	}{
		{
			name:       "shape A",
			payload:    `{"messageBody":"Hola","from":"5215512345678"}`,
			wantShape:  ShapeA,
			wantSender: "+5215512345678",
			wantText:   "Hola",
		},
		{
			name:       "shape B",
			payload:    `{"message":{"content":{"text":"  horarios?  "},"from":{"phoneNumber":"5512345678"}}}`,
			wantShape:  ShapeB,
			wantSender: "+525512345678",
			wantText:   "horarios?",
		},
		{
			name:       "shape C text",
			payload:    `{"content":{"text":"donar"},"from":"+15551234567"}`,
			wantShape:  ShapeC,
			wantSender: "+15551234567",
			wantText:   "donar",
		},
		{
			name:       "shape C body",
			payload:    `{"content":{"body":"info"},"from":"15551234567"}`,
			wantShape:  ShapeC,
			wantSender: "+15551234567",
			wantText:   "info",
		},
		{
			name:       "shape D",
			payload:    `{"text":"hello","from":"525512345678"}`,
			wantShape:  ShapeD,
			wantSender: "+525512345678",
			wantText:   "hello",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := newTestNormalizer()
			msg, err := n.NormalizePayload([]byte(tt.payload), "webhook")
			if err != nil {
				t.Fatalf("NormalizePayload() error = %v", err)
			}
			if msg.Shape != tt.wantShape {
				t.Fatalf("shape = %q, want %q", msg.Shape, tt.wantShape)
			}
			if msg.Sender != tt.wantSender {
				t.Fatalf("sender = %q, want %q", msg.Sender, tt.wantSender)
			}
			if msg.Text != tt.wantText {
				t.Fatalf("text = %q, want %q", msg.Text, tt.wantText)
			}
			if msg.Channel != "webhook" {
				t.Fatalf("channel = %q, want webhook", msg.Channel)
			}
			if !msg.ReceivedAt.Equal(fixedNow) {
				t.Fatalf("received at = %v, want %v", msg.ReceivedAt, fixedNow)
			}
		})
	}
}

func TestNormalizeHolaScenario(t *testing.T) {
	n := newTestNormalizer()
	msg, err := n.NormalizePayload([]byte(`{"messageBody": "Hola", "from": "5215512345678"}`), "")
	if err != nil {
		t.Fatalf("NormalizePayload() error = %v", err)
	}
	if msg.Sender != "+5215512345678" || msg.Text != "Hola" {
		t.Fatalf("message = %+v", msg)
	}
}

func TestNormalizePriorityOrder(t *testing.T) {
	n := newTestNormalizer()
	payload := `{"messageBody":"from A","text":"from D","content":{"text":"from C"},"from":"5512345678"}`

	msg, err := n.NormalizePayload([]byte(payload), "")
	if err != nil {
		t.Fatalf("NormalizePayload() error = %v", err)
	}
	if msg.Shape != ShapeA || msg.Text != "from A" {
		t.Fatalf("shape/text = %q/%q, want A/from A", msg.Shape, msg.Text)
	}
}

func TestNormalizeBlankFieldsFallThrough(t *testing.T) {
	n := newTestNormalizer()
	payload := `{"messageBody":"   ","content":{"text":""},"text":"real text","from":"5512345678"}`

	msg, err := n.NormalizePayload([]byte(payload), "")
	if err != nil {
		t.Fatalf("NormalizePayload() error = %v", err)
	}
	if msg.Shape != ShapeD {
		t.Fatalf("shape = %q, want D", msg.Shape)
	}
}

func TestNormalizeEmptySenderFallsThrough(t *testing.T) {
	n := newTestNormalizer()
	payload := `{"message":{"content":{"text":"hi"},"from":{"phoneNumber":"anonymous"}},"text":"hi","from":"5512345678"}`

	msg, err := n.NormalizePayload([]byte(payload), "")
	if err != nil {
		t.Fatalf("NormalizePayload() error = %v", err)
	}
	if msg.Shape != ShapeD {
		t.Fatalf("shape = %q, want D", msg.Shape)
	}

	_, err = n.NormalizePayload([]byte(`{"text":"hi","from":"nobody"}`), "")
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("error = %v, want ParseError", err)
	}
}

func TestNormalizeParseErrorCarriesKeys(t *testing.T) {
	n := newTestNormalizer()
	_, err := n.NormalizePayload([]byte(`{"body":"hi","sender":"5512345678","from":42}`), "")

	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("error = %v, want ParseError", err)
	}
	if parseErr.Reason != ReasonNoShape {
		t.Fatalf("reason = %q, want %q", parseErr.Reason, ReasonNoShape)
	}
	want := []string{"body", "from", "sender"}
	if !reflect.DeepEqual(parseErr.Keys, want) {
		t.Fatalf("keys = %v, want %v", parseErr.Keys, want)
	}
}

func TestNormalizeMalformed(t *testing.T) {
	payloads := []string{"", "not json", `["text","from"]`, `"hola"`, `{"text":`}

	for _, payload := range payloads {
		n := newTestNormalizer()
		_, err := n.NormalizePayload([]byte(payload), "")

		var parseErr *ParseError
		if !errors.As(err, &parseErr) {
			t.Fatalf("payload %q: error = %v, want ParseError", payload, err)
		}
		if parseErr.Reason != ReasonMalformed {
			t.Fatalf("payload %q: reason = %q, want %q", payload, parseErr.Reason, ReasonMalformed)
		}
	}
}

func TestNormalizeExtractsMessageIDAndTimestamp(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantID  string
		wantAt  time.Time
	}{
		{
			name:    "string id and rfc3339",
			payload: `{"text":"a","from":"5512345678","messageId":"wamid.1","timestamp":"2026-02-01T10:00:00Z"}`,
			wantID:  "wamid.1",
			wantAt:  time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
		},
		{
			name:    "numeric id and unix seconds",
			payload: `{"text":"a","from":"5512345678","id":123456,"timestamp":1767225600}`,
			wantID:  "123456",
			wantAt:  time.Unix(1767225600, 0).UTC(),
		},
		{
			name:    "nested id and unix millis",
			payload: `{"message":{"id":"m-9","timestamp":1767225600123,"content":{"text":"a"},"from":{"phoneNumber":"5512345678"}}}`,
			wantID:  "m-9",
			wantAt:  time.UnixMilli(1767225600123).UTC(),
		},
		{
			name:    "missing id and timestamp",
			payload: `{"text":"a","from":"5512345678"}`,
			wantID:  "",
			wantAt:  fixedNow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := newTestNormalizer()
			msg, err := n.NormalizePayload([]byte(tt.payload), "")
			if err != nil {
				t.Fatalf("NormalizePayload() error = %v", err)
			}
			if msg.MessageID != tt.wantID {
				t.Fatalf("message id = %q, want %q", msg.MessageID, tt.wantID)
			}
			if !msg.ReceivedAt.Equal(tt.wantAt) {
				t.Fatalf("received at = %v, want %v", msg.ReceivedAt, tt.wantAt)
			}
		})
	}
}

func TestNormalizeEventFillsFromEnvelope(t *testing.T) {
	n := newTestNormalizer()
	at := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)

	msg, err := n.Normalize(bus.InboundEvent{
		ID:         "evt-7",
		Channel:    "telegram",
		Payload:    json.RawMessage(`{"text":"hi","from":"5512345678"}`),
		ReceivedAt: at,
	})
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if msg.MessageID != "evt-7" {
		t.Fatalf("message id = %q, want evt-7", msg.MessageID)
	}
	if !msg.ReceivedAt.Equal(at) {
		t.Fatalf("received at = %v, want %v", msg.ReceivedAt, at)
	}
	if msg.Channel != "telegram" {
		t.Fatalf("channel = %q, want telegram", msg.Channel)
	}
}

func TestBridgeShapeIsOptIn(t *testing.T) {
	payload := []byte(`{"type":"message","from":"5215512345678@s.whatsapp.net","content":"hola","id":"3EB0"}`)

	if _, err := newTestNormalizer().NormalizePayload(payload, "whatsapp"); err == nil {
		t.Fatal("expected default shapes to reject bridge frame")
	}

	msg, err := newTestNormalizer(WithShapes(BridgeShape())).NormalizePayload(payload, "whatsapp")
	if err != nil {
		t.Fatalf("NormalizePayload() error = %v", err)
	}
	if msg.Shape != ShapeBridge || msg.Sender != "+5215512345678" || msg.MessageID != "3EB0" {
		t.Fatalf("message = %+v", msg)
	}
}

func TestStatsCountsMatchesAndFailures(t *testing.T) {
	n := newTestNormalizer()
	_, _ = n.NormalizePayload([]byte(`{"text":"a","from":"5512345678"}`), "")
	_, _ = n.NormalizePayload([]byte(`{"text":"b","from":"5512345678"}`), "")
	_, _ = n.NormalizePayload([]byte(`{"messageBody":"c","from":"5512345678"}`), "")
	_, _ = n.NormalizePayload([]byte(`{}`), "")

	stats := n.Stats()
	if stats.Matched[ShapeD] != 2 || stats.Matched[ShapeA] != 1 {
		t.Fatalf("matched = %v", stats.Matched)
	}
	if stats.Failed != 1 {
		t.Fatalf("failed = %d, want 1", stats.Failed)
	}
}
