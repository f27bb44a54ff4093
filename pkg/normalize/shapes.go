package normalize

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Shape is one known payload layout. Extract reports ok only when both the
// raw sender and the text are present and non-blank.
type Shape struct {
	Name    string
	Extract func(doc map[string]any) (sender, text string, ok bool)
}

const (
	ShapeA      = "A"
	ShapeB      = "B"
	ShapeC      = "C"
	ShapeD      = "D"
	ShapeBridge = "bridge"
)

// DefaultShapes returns the built-in shapes in priority order.
func DefaultShapes() []Shape {
	return []Shape{
		{Name: ShapeA, Extract: extractFlat("messageBody")},
		{Name: ShapeB, Extract: extractNestedMessage},
		{Name: ShapeC, Extract: extractContentObject},
		{Name: ShapeD, Extract: extractFlat("text")},
	}
}

// BridgeShape matches the WhatsApp bridge frame, where content is a plain string.
func BridgeShape() Shape {
	return Shape{Name: ShapeBridge, Extract: extractFlat("content")}
}

func extractFlat(textKey string) func(map[string]any) (string, string, bool) {
	return func(doc map[string]any) (string, string, bool) {
		text, ok := stringAt(doc, textKey)
		if !ok {
			return "", "", false
		}
		sender, ok := stringAt(doc, "from")
		if !ok {
			return "", "", false
		}
		return sender, text, true
	}
}

func extractNestedMessage(doc map[string]any) (string, string, bool) {
	text, ok := stringAt(doc, "message", "content", "text")
	if !ok {
		return "", "", false
	}
	sender, ok := stringAt(doc, "message", "from", "phoneNumber")
	if !ok {
		return "", "", false
	}
	return sender, text, true
}

func extractContentObject(doc map[string]any) (string, string, bool) {
	text, ok := stringAt(doc, "content", "text")
	if !ok {
		text, ok = stringAt(doc, "content", "body")
	}
	if !ok {
		return "", "", false
	}
	sender, ok := stringAt(doc, "from")
	if !ok {
		return "", "", false
	}
	return sender, text, true
}

// lookup walks nested objects along path.
func lookup(doc map[string]any, path ...string) (any, bool) {
	var cur any = doc
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// stringAt returns the trimmed string at path, failing on non-strings and blanks.
func stringAt(doc map[string]any, path ...string) (string, bool) {
	v, ok := lookup(doc, path...)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	return s, true
}

var messageIDPaths = [][]string{
	{"messageId"},
	{"message_id"},
	{"id"},
	{"message", "id"},
}

func extractMessageID(doc map[string]any) string {
	for _, path := range messageIDPaths {
		v, ok := lookup(doc, path...)
		if !ok {
			continue
		}
		switch id := v.(type) {
		case string:
			if s := strings.TrimSpace(id); s != "" {
				return s
			}
		case json.Number:
			if n, err := id.Int64(); err == nil {
				return strconv.FormatInt(n, 10)
			}
		}
	}
	return ""
}

var timestampPaths = [][]string{
	{"timestamp"},
	{"receivedAt"},
	{"message", "timestamp"},
}

// Values below this are read as unix seconds, above as milliseconds.
const unixMillisThreshold = 1_000_000_000_000

func extractTimestamp(doc map[string]any) (time.Time, bool) {
	for _, path := range timestampPaths {
		v, ok := lookup(doc, path...)
		if !ok {
			continue
		}
		switch ts := v.(type) {
		case string:
			ts = strings.TrimSpace(ts)
			if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
				return t.UTC(), true
			}
			if n, err := strconv.ParseInt(ts, 10, 64); err == nil && n > 0 {
				return fromUnix(n), true
			}
		case json.Number:
			if n, err := ts.Int64(); err == nil && n > 0 {
				return fromUnix(n), true
			}
		}
	}
	return time.Time{}, false
}

func fromUnix(n int64) time.Time {
	if n >= unixMillisThreshold {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}
