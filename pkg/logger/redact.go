package logger

import (
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"
)

const previewLimit = 240

// maskedKeys are attributes that carry end-user phone numbers.
var maskedKeys = map[string]struct{}{
	"sender":    {},
	"recipient": {},
	"from":      {},
}

// maskingHandler rewrites phone-number attributes before they reach the sink.
type maskingHandler struct {
	next slog.Handler
}

func (h maskingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h maskingHandler) Handle(ctx context.Context, record slog.Record) error {
	masked := slog.NewRecord(record.Time, record.Level, record.Message, record.PC)
	record.Attrs(func(attr slog.Attr) bool {
		masked.AddAttrs(maskAttr(attr))
		return true
	})
	return h.next.Handle(ctx, masked)
}

func (h maskingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Attr, len(attrs))
	for i, attr := range attrs {
		out[i] = maskAttr(attr)
	}
	return maskingHandler{next: h.next.WithAttrs(out)}
}

func (h maskingHandler) WithGroup(name string) slog.Handler {
	return maskingHandler{next: h.next.WithGroup(name)}
}

func maskAttr(attr slog.Attr) slog.Attr {
	if _, ok := maskedKeys[attr.Key]; !ok {
		return attr
	}
	value := attr.Value.Resolve()
	if value.Kind() != slog.KindString {
		return attr
	}
	return slog.String(attr.Key, Mask(value.String()))
}

// Mask keeps the last four characters of an identifier.
func Mask(value string) string {
	value = strings.TrimSpace(value)
	n := utf8.RuneCountInString(value)
	if n <= 4 {
		return strings.Repeat("*", n)
	}
	runes := []rune(value)
	return strings.Repeat("*", n-4) + string(runes[n-4:])
}

// Preview returns a bounded log-safe preview of message text.
func Preview(text string) string {
	trimmed := strings.TrimSpace(text)
	if utf8.RuneCountInString(trimmed) <= previewLimit {
		return trimmed
	}

	return string([]rune(trimmed)[:previewLimit]) + "..."
}
